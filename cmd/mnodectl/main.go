// Command mnodectl is a thin client for mnoded's Unix socket, mirroring
// the teacher CLI's own daemon-client pattern: connect, send one framed
// request, print the response.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/tsdbcore/mnode/internal/dispatch"
	"github.com/tsdbcore/mnode/internal/rpctransport"
	"github.com/tsdbcore/mnode/internal/wire"
)

var socketPath string

func main() {
	root := &cobra.Command{Use: "mnodectl", Short: "query a running mnoded"}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/mnoded.sock", "mnoded Unix socket path")
	root.AddCommand(showCmd(), dropCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showCmd() *cobra.Command {
	var db, pattern string
	var stables bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "SHOW STABLES/TABLES against the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := wire.MsgShowMetaTable
			if stables {
				kind = wire.MsgShowMetaStable
			}
			resp, err := call(dispatch.Request{Kind: kind, DBName: db, Pattern: pattern})
			if err != nil {
				return err
			}
			for _, row := range resp.ShowRows {
				fmt.Printf("%s\tcreated=%d\tcols=%d\n", row.Name, row.CreatedTimeMs, row.NumColumns)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "database name (acct.db)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "LIKE-style display-name pattern")
	cmd.Flags().BoolVar(&stables, "stables", false, "show super tables instead of child/normal/stream")
	return cmd
}

func dropCmd() *cobra.Command {
	var igNotExists bool
	cmd := &cobra.Command{
		Use:   "drop <table-id>",
		Short: "drop a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(dispatch.Request{
				Kind:      wire.MsgDropTable,
				DropTable: &wire.DropTableReq{TableID: args[0], IgNotExists: igNotExists},
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.Code)
			return nil
		},
	}
	cmd.Flags().BoolVar(&igNotExists, "if-exists", false, "succeed even if the table does not exist")
	return cmd
}

// dialWithRetry tolerates mnoded still being mid-restart: a fresh daemon
// may not have its socket listening yet for a brief window after it is
// launched alongside this client.
func dialWithRetry() (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second

	var conn net.Conn
	err := backoff.Retry(func() error {
		c, err := net.Dial("unix", socketPath)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, bo)
	return conn, err
}

func call(req dispatch.Request) (*dispatch.Response, error) {
	conn, err := dialWithRetry()
	if err != nil {
		return nil, fmt.Errorf("mnodectl: connect %s: %w", socketPath, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(rpctransport.Envelope{Request: &req}); err != nil {
		return nil, fmt.Errorf("mnodectl: send request: %w", err)
	}

	dec := json.NewDecoder(bufio.NewReader(conn))
	var env rpctransport.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("mnodectl: read response: %w", err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("mnodectl: %s", env.Error)
	}
	return env.Response, nil
}
