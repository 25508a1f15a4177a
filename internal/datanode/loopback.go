// Package datanode provides data-node RPC client implementations: Loopback
// for single-process runs and tests, where catalog and data node share a
// process and every create/drop trivially succeeds.
package datanode

import (
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/wire"
)

// ResponseRouter is the subset of placement.Coordinator a DataNode client
// calls back into once a response would arrive over the wire.
type ResponseRouter interface {
	HandleCreateResponse(tableID string, vgID int32, result codes.Code) codes.Code
	HandleDropResponse(tableID string, vgID int32, result codes.Code) codes.Code
}

// Loopback acknowledges every MDCreateTable/MDDropTable immediately and
// in-process, standing in for the real data-node RPC transport (spec §6,
// out of scope) in single-node deployments and tests.
type Loopback struct {
	router ResponseRouter
}

func NewLoopback(router ResponseRouter) *Loopback {
	return &Loopback{router: router}
}

func (l *Loopback) SendCreateTable(ips [][16]byte, req *wire.MDCreateTable) error {
	l.router.HandleCreateResponse(req.TableID, req.VgID, codes.SUCCESS)
	return nil
}

func (l *Loopback) SendDropTable(ips [][16]byte, req *wire.MDDropTable) error {
	l.router.HandleDropResponse(req.TableID, req.VgID, codes.SUCCESS)
	return nil
}
