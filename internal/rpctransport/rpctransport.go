// Package rpctransport exposes a dispatch.Server over a Unix domain
// socket, one JSON envelope per request/response (the teacher's
// socket-framing style, carrying this module's dispatch.Request and
// dispatch.Response values, keyed by wire.MsgKind, instead of the teacher's
// own JSON operation set).
package rpctransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/tsdbcore/mnode/internal/dispatch"
)

// Envelope is one request/response frame, newline-delimited JSON.
type Envelope struct {
	Request  *dispatch.Request  `json:"request,omitempty"`
	Response *dispatch.Response `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Server listens on a Unix socket and routes every decoded Envelope to a
// dispatch.Server.
type Server struct {
	socketPath string
	dispatcher *dispatch.Server

	mu       sync.Mutex
	listener net.Listener
}

func New(socketPath string, dispatcher *dispatch.Server) *Server {
	return &Server{socketPath: socketPath, dispatcher: dispatcher}
}

// Serve accepts connections until ctx is canceled. Each connection is
// handled on its own goroutine; each request within a connection still
// passes through the dispatcher's bounded worker pool (spec §5).
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpctransport: listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rpctransport: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}
		if env.Request == nil {
			_ = enc.Encode(Envelope{Error: "rpctransport: empty request"})
			continue
		}
		resp, err := s.dispatcher.Handle(ctx, *env.Request)
		if err != nil {
			log.Printf("rpctransport: handle %v: %v", env.Request.Kind, err)
			_ = enc.Encode(Envelope{Error: err.Error()})
			continue
		}
		if err := enc.Encode(Envelope{Response: &resp}); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
