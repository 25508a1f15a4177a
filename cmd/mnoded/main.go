// Command mnoded runs the catalog metadata daemon: the Registry, Schema
// Mutation Engine, Placement Coordinator, Meta Assembler and Dispatcher
// described by the metadata core, listening on a Unix socket.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsdbcore/mnode/internal/account"
	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/catalog/memstore"
	"github.com/tsdbcore/mnode/internal/catalog/sqlitestore"
	"github.com/tsdbcore/mnode/internal/config"
	"github.com/tsdbcore/mnode/internal/datanode"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/dispatch"
	"github.com/tsdbcore/mnode/internal/meta"
	"github.com/tsdbcore/mnode/internal/placement"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/rpctransport"
	"github.com/tsdbcore/mnode/internal/schema"
	"github.com/tsdbcore/mnode/internal/vgroup"
)

var (
	cfgDir string
)

func main() {
	root := &cobra.Command{
		Use:   "mnoded",
		Short: "catalog metadata daemon",
	}
	root.PersistentFlags().StringVar(&cfgDir, "config-dir", ".", "directory holding config.yaml")
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgDir)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

// alwaysMaster answers CheckRedirect (spec §4.8) for a single-node
// deployment; a replicated deployment supplies its own RedirectChecker
// backed by the SDB collaborator's master election.
type alwaysMaster struct{}

func (alwaysMaster) IsMaster() bool { return true }

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}

	dbs := dbdir.NewMemory()
	vgroups := vgroup.NewMemory()
	accts := account.NewMemory()

	reg, err := registry.Open(backend, dbs, vgroups)
	if err != nil {
		return fmt.Errorf("mnoded: open registry: %w", err)
	}
	defer reg.Close()

	schemaEng := schema.New(reg, accts)

	var publicIP [16]byte
	if ip := net.ParseIP(cfg.PublicIP); ip != nil {
		copy(publicIP[:], ip.To16())
	}

	router := &lazyRouter{}
	dn := datanode.NewLoopback(router)
	coord := placement.New(reg, dbs, vgroups, accts, dn)
	router.coord = coord

	assembler := meta.New(reg, dbs, vgroups, publicIP)
	dispatcher := dispatch.New(reg, schemaEng, coord, assembler, alwaysMaster{}, cfg.MaxWorkers)

	srv := rpctransport.New(cfg.SocketPath, dispatcher)
	return srv.Serve(ctx)
}

// lazyRouter defers to a *placement.Coordinator set just after
// construction, breaking the cycle between building the Coordinator
// (which needs a DataNode) and the Loopback DataNode (which needs
// somewhere to deliver its responses).
type lazyRouter struct {
	coord *placement.Coordinator
}

func (r *lazyRouter) HandleCreateResponse(tableID string, vgID int32, result codes.Code) codes.Code {
	return r.coord.HandleCreateResponse(tableID, vgID, result)
}

func (r *lazyRouter) HandleDropResponse(tableID string, vgID int32, result codes.Code) codes.Code {
	return r.coord.HandleDropResponse(tableID, vgID, result)
}

func openBackend(cfg *config.Config) (catalog.Backend, error) {
	switch cfg.CatalogEngine {
	case "memory":
		return memstore.New(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("mnoded: create data dir: %w", err)
		}
		store, err := sqlitestore.Open(cfg.DataDir + "/catalog.db")
		if err != nil {
			return nil, fmt.Errorf("mnoded: open sqlite catalog: %w", err)
		}
		return store, nil
	}
}
