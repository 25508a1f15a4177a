// Package dispatch implements the Message Dispatcher (spec §4.8): binds
// inbound message kinds to handlers, draining a shared queue from a bounded
// worker pool (spec §5).
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/meta"
	"github.com/tsdbcore/mnode/internal/placement"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/schema"
	"github.com/tsdbcore/mnode/internal/showcat"
	"github.com/tsdbcore/mnode/internal/wire"
)

// showPageSize bounds how many rows one SHOW/RETRIEVE call returns before
// handing the client a cursor token to resume with (spec §4.7).
const showPageSize = 100

// Request is one inbound message, already decoded off the wire.
type Request struct {
	Kind         wire.MsgKind
	ConnServerIP [16]byte
	HasWriteAuth bool
	Now          int64 // caller-supplied timestamp, see placement.Coordinator.CreateTable

	CreateTable *wire.CreateTableReq
	DropTable   *wire.DropTableReq
	AlterTable  *wire.AlterTableReq
	TableInfo   *wire.TableInfoReq
	MultiInfo   *wire.MultiTableInfoReq
	DBName      string
	Pattern     string
	Cursor      string // empty starts a fresh SHOW/RETRIEVE scan
}

// Response is a handler's terminal reply (spec §7 "one terminal response
// per client request, no partial responses").
type Response struct {
	Code      codes.Code
	TableMeta *wire.TableMeta
	MultiMeta []byte
	ShowRows  []showcat.Row
	Cursor    string // non-empty: more rows remain, resume with this token
}

// RedirectChecker reports whether this mgmt node must redirect a mutating
// request to the current master (spec §4.8 "CheckRedirect").
type RedirectChecker interface {
	IsMaster() bool
}

// Server routes decoded requests to the Registry/Schema/Placement/Meta/
// Show components and runs handlers on a bounded worker pool.
type Server struct {
	reg       *registry.Registry
	schemaEng *schema.Engine
	coord     *placement.Coordinator
	assembler *meta.Assembler
	redirect  RedirectChecker

	sem *semaphore.Weighted

	cursorsMu sync.Mutex
	cursors   map[string]*showcat.Iterator
}

// New builds a dispatcher bounding concurrent handler execution to
// maxWorkers in-flight requests (spec §5 "multiple worker threads drain
// the inbound message queue").
func New(reg *registry.Registry, schemaEng *schema.Engine, coord *placement.Coordinator, assembler *meta.Assembler, redirect RedirectChecker, maxWorkers int64) *Server {
	return &Server{
		reg: reg, schemaEng: schemaEng, coord: coord, assembler: assembler,
		redirect: redirect, sem: semaphore.NewWeighted(maxWorkers),
		cursors: make(map[string]*showcat.Iterator),
	}
}

// isMutating reports whether kind changes catalog state and therefore
// must be redirected away from a non-master mgmt node.
func isMutating(kind wire.MsgKind) bool {
	switch kind {
	case wire.MsgCreateTable, wire.MsgDropTable, wire.MsgAlterTable:
		return true
	}
	return false
}

// Handle runs req to completion on a worker-pool slot, blocking the
// caller until a slot is free (spec §5 scheduling) but not beyond that:
// the catalog write and the async data-node RPC happen inside the
// handler, on this goroutine, matching the two suspension points spec §5
// names.
func (s *Server) Handle(ctx context.Context, req Request) (Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Response{}, fmt.Errorf("dispatch: acquire worker slot: %w", err)
	}
	defer s.sem.Release(1)

	if isMutating(req.Kind) && s.redirect != nil && !s.redirect.IsMaster() {
		return Response{Code: codes.APP_ERROR}, nil
	}
	if req.Kind == wire.MsgAlterTable && !req.HasWriteAuth {
		return Response{Code: codes.NO_RIGHTS}, nil
	}

	switch req.Kind {
	case wire.MsgCreateTable:
		return Response{Code: s.coord.CreateTable(req.Now, req.CreateTable)}, nil
	case wire.MsgDropTable:
		return Response{Code: s.coord.DropTable(req.DropTable.TableID, req.DropTable.IgNotExists)}, nil
	case wire.MsgAlterTable:
		return Response{Code: s.handleAlter(req.AlterTable)}, nil
	case wire.MsgTableMeta:
		return s.handleTableMeta(req)
	case wire.MsgMultiTableMeta:
		return s.handleMultiTableMeta(req)
	case wire.MsgShowMetaStable, wire.MsgShowRetrieveStable:
		return s.handleShow(req, true)
	case wire.MsgShowMetaTable, wire.MsgShowRetrieveTable:
		return s.handleShow(req, false)
	default:
		return Response{Code: codes.OPS_NOT_SUPPORT}, nil
	}
}

func (s *Server) handleAlter(req *wire.AlterTableReq) codes.Code {
	switch req.Type {
	case wire.AlterAddTag:
		if err := s.schemaEng.AddTag(req.TableID, req.Schema[:1]); err != nil {
			return codes.Of(err)
		}
	case wire.AlterDropTag:
		if err := s.schemaEng.DropTag(req.TableID, int(req.Schema[0].ColID)); err != nil {
			return codes.Of(err)
		}
	case wire.AlterRenameTag:
		if err := s.schemaEng.RenameTag(req.TableID, int(req.Schema[0].ColID), req.Schema[1].Name); err != nil {
			return codes.Of(err)
		}
	case wire.AlterAddCol:
		if err := s.schemaEng.AddColumn(req.TableID, req.Schema[:1]); err != nil {
			return codes.Of(err)
		}
	case wire.AlterDropCol:
		if err := s.schemaEng.DropColumn(req.TableID, int(req.Schema[0].ColID)); err != nil {
			return codes.Of(err)
		}
	case wire.AlterUpdateTagVal:
		// The catalog is not modified. The handler returns SUCCESS without
		// looking up the child and sends nothing to the data node.
		return codes.SUCCESS
	default:
		return codes.OPS_NOT_SUPPORT
	}
	return codes.SUCCESS
}

func (s *Server) handleTableMeta(req Request) (Response, error) {
	t, code := s.assembler.BuildTableMeta(req.TableInfo.TableID, req.ConnServerIP)
	if code != codes.SUCCESS {
		if req.TableInfo.CreateFlag {
			// On-demand child creation (spec §4.5): the synthesized create
			// is the caller's responsibility to enqueue and re-fetch; this
			// handler only reports that the table did not yet exist.
			return Response{Code: codes.INVALID_TABLE}, nil
		}
		return Response{Code: code}, nil
	}
	return Response{Code: codes.SUCCESS, TableMeta: t}, nil
}

func (s *Server) handleMultiTableMeta(req Request) (Response, error) {
	blob := s.assembler.BuildMultiTableMeta(req.MultiInfo.TableIDs, req.ConnServerIP)
	return Response{Code: codes.SUCCESS, MultiMeta: blob}, nil
}

// handleShow resumes or starts a paginated scan (spec §4.7 "stateful scan
// remembering last yielded store cursor across paginated calls"): the
// Iterator for a given cursor token lives in s.cursors between calls and
// is discarded once exhausted.
func (s *Server) handleShow(req Request, stables bool) (Response, error) {
	it, token := s.resumeOrStartCursor(req, stables)

	rows := make([]showcat.Row, 0, showPageSize)
	for len(rows) < showPageSize {
		row, ok := it.Next()
		if !ok {
			s.cursorsMu.Lock()
			delete(s.cursors, token)
			s.cursorsMu.Unlock()
			return Response{Code: codes.SUCCESS, ShowRows: rows}, nil
		}
		rows = append(rows, row)
	}
	return Response{Code: codes.SUCCESS, ShowRows: rows, Cursor: token}, nil
}

func (s *Server) resumeOrStartCursor(req Request, stables bool) (*showcat.Iterator, string) {
	s.cursorsMu.Lock()
	defer s.cursorsMu.Unlock()

	if req.Cursor != "" {
		if it, ok := s.cursors[req.Cursor]; ok {
			return it, req.Cursor
		}
	}
	var it *showcat.Iterator
	if stables {
		it = showcat.NewShowStables(s.reg, req.DBName, req.Pattern)
	} else {
		it = showcat.NewShowTables(s.reg, req.DBName, req.Pattern)
	}
	token := uuid.New().String()
	s.cursors[token] = it
	return it, token
}
