// Package placement implements the Placement & Lifecycle Coordinator (spec
// §4.5): assigns a new child/normal/stream table to a vgroup and drives the
// two-phase create/drop protocol with the owning data node.
package placement

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tsdbcore/mnode/internal/account"
	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/vgroup"
	"github.com/tsdbcore/mnode/internal/wire"
)

// DataNode is the RPC transport collaborator (spec §6 "RPC transport:
// send(peer,msg)"). Sends are fire-and-forget from the coordinator's
// perspective; the matching response routes back asynchronously through
// HandleCreateResponse/HandleDropResponse (spec §5 suspension point (b)).
type DataNode interface {
	SendCreateTable(ips [][16]byte, req *wire.MDCreateTable) error
	SendDropTable(ips [][16]byte, req *wire.MDDropTable) error
}

// State is a pending mutation's position in the two-phase create/drop
// state machine (spec §4.5).
type State int

const (
	Validating State = iota
	PersistingCatalog
	NotifyingDataNode
	Completed
	RolledBack
)

// pendingCreate tracks one in-flight create or drop: a create from the
// moment its catalog row lands, a drop from the moment its request is sent,
// until the data node acknowledges or rejects it.
type pendingCreate struct {
	handle  uuid.UUID
	tableID string
	state   State
}

// VgroupRequest is what the coordinator enqueues when no vgroup has a free
// slot: a clone of the original create, reprocessed once a new vgroup
// exists (spec §4.5 step 3).
type VgroupRequest struct {
	DBName string
	Req    *wire.CreateTableReq
	Tags   []model.Column
}

// Coordinator drives table placement and the create/drop protocol.
type Coordinator struct {
	reg     *registry.Registry
	dbs     dbdir.Directory
	vgroups vgroup.Directory
	accts   *account.Memory
	dn      DataNode

	mu       sync.Mutex
	pending  map[string]*pendingCreate // keyed by table id
	parked   []VgroupRequest           // vgroup-exhausted creates awaiting a new vgroup
	catalogV uint16                    // catalog_version, bumped on every table create
}

func New(reg *registry.Registry, dbs dbdir.Directory, vgroups vgroup.Directory, accts *account.Memory, dn DataNode) *Coordinator {
	return &Coordinator{
		reg:     reg,
		dbs:     dbs,
		vgroups: vgroups,
		accts:   accts,
		dn:      dn,
		pending: make(map[string]*pendingCreate),
	}
}

func (c *Coordinator) nextCatalogVersion() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalogV++
	return c.catalogV
}

// CreateTable runs the full create flow (spec §4.5 steps 1-5). now is the
// creation timestamp in milliseconds, supplied by the caller since this
// package must not call time.Now() directly in a way that breaks
// replayability of its own tests.
func (c *Coordinator) CreateTable(now int64, req *wire.CreateTableReq) codes.Code {
	if _, ok := c.reg.GetTable(req.TableID); ok {
		if req.IgExists {
			return codes.SUCCESS
		}
		return codes.TABLE_ALREADY_EXIST
	}

	db, ok := c.dbs.GetDB(req.DB)
	if !ok {
		return codes.INVALID_DB
	}
	if db.Dirty {
		return codes.INVALID_DB
	}

	if req.NumTags > 0 {
		return c.createSuper(now, req)
	}
	return c.createChildOrNormal(now, db, req)
}

func (c *Coordinator) createSuper(now int64, req *wire.CreateTableReq) codes.Code {
	ver := c.nextCatalogVersion()
	schema := append([]model.Column(nil), req.Schema...)
	var nextCol uint16
	for i := range schema {
		schema[i].ColID = nextCol
		nextCol++
	}
	s := &model.SuperTable{
		Header:        model.Header{TableID: req.TableID, Kind: model.Super},
		CreatedTimeMs: now,
		UID:           model.SuperUID(now, ver),
		NumColumns:    req.NumColumns,
		NumTags:       req.NumTags,
		NextColID:     nextCol,
		Schema:        schema,
	}
	if err := c.reg.InsertSuper(s, catalog.Global); err != nil {
		return codes.SDB_ERROR
	}
	c.dbs.IncNumOfSuperTables(req.DB, 1)
	return codes.SUCCESS
}

func (c *Coordinator) createChildOrNormal(now int64, db *dbdir.Info, req *wire.CreateTableReq) codes.Code {
	var super *model.SuperTable
	if req.SuperTableID != "" {
		s, ok := c.reg.GetSuper(req.SuperTableID)
		if !ok {
			return codes.INVALID_TABLE
		}
		super = s
	}
	tsDelta := int64(req.NumColumns - 1)
	if super != nil {
		tsDelta = int64(super.NumColumns - 1)
	}
	if err := c.accts.GrantCheck(db.Cfg.Acct, account.GrantTimeSeries, tsDelta); err != nil {
		return codes.APP_ERROR
	}

	vg, ok := c.vgroups.GetAvailableVgroup(req.DB)
	if !ok {
		c.parkForVgroup(req.DB, req)
		return codes.SUCCESS // client reply deferred until the parked request resumes
	}
	sid, err := c.vgroups.AllocSid(vg)
	if err != nil {
		c.parkForVgroup(req.DB, req)
		return codes.SUCCESS
	}

	ver := c.nextCatalogVersion()
	row, mdReq := c.buildCTableRow(now, req, vg.VgID, sid, ver, super)
	if err := c.reg.InsertCRow(row, catalog.Global); err != nil {
		_ = c.vgroups.ReleaseSid(vg, sid) // the catalog row never landed: give the slot back
		return codes.SDB_ERROR
	}
	_ = c.vgroups.AddTable(vg, req.TableID)
	c.dbs.IncNumOfTables(req.DB, 1)
	_ = c.accts.GrantAdd(db.Cfg.Acct, account.GrantTimeSeries, tsDelta)

	c.mu.Lock()
	c.pending[req.TableID] = &pendingCreate{handle: uuid.New(), tableID: req.TableID, state: NotifyingDataNode}
	c.mu.Unlock()

	ips := c.vgroups.GetIPSet(vg)
	if err := c.dn.SendCreateTable(ips, mdReq); err != nil {
		c.rollbackCreate(req.TableID, vg)
		return codes.APP_ERROR
	}
	return codes.SUCCESS
}

func (c *Coordinator) buildCTableRow(now int64, req *wire.CreateTableReq, vgID, sid int32, ver uint16, super *model.SuperTable) (model.CRow, *wire.MDCreateTable) {
	header := model.Header{TableID: req.TableID, Kind: model.Normal}

	if super != nil {
		uid := model.ChildUID(vgID, sid, ver)
		header.Kind = model.Child
		md := &wire.MDCreateTable{
			TableID: req.TableID, VgID: vgID, Sid: sid,
			CreatedTimeMs: now, SchemaVersion: 0, UID: uid,
			TagPayload: req.TagPayload, SQL: req.SQL,
			Kind:          model.Child,
			SuperTableUID: super.UID,
			SuperTableID:  super.TableID,
			Schema:        super.Schema,
			NumColumns:    super.NumColumns,
			NumTags:       super.NumTags,
		}
		return model.CRow{Kind: model.Child, Child: &model.ChildTable{
			Header: header, CreatedTimeMs: now, UID: uid,
			VgID: vgID, Sid: sid, SuperTableID: super.TableID,
		}}, md
	}

	// Normal/Stream uids are packed from the creation time and catalog
	// version (spec §3), not the vgroup/slot layout Child uses.
	uid := model.NormalUID(now, ver)
	var nextCol uint16
	schema := append([]model.Column(nil), req.Schema...)
	for i := range schema {
		schema[i].ColID = nextCol
		nextCol++
	}
	n := &model.NormalTable{
		Header: header, CreatedTimeMs: now, UID: uid,
		VgID: vgID, Sid: sid, NumColumns: int32(len(schema)), NextColID: nextCol, Schema: schema,
	}
	md := &wire.MDCreateTable{
		TableID: req.TableID, VgID: vgID, Sid: sid,
		CreatedTimeMs: now, SchemaVersion: 0, UID: uid,
		TagPayload: req.TagPayload, SQL: req.SQL,
		Schema:     schema,
		NumColumns: n.NumColumns,
		NumTags:    0,
	}

	if req.SQL != "" {
		header.Kind = model.Stream
		md.Kind = model.Stream
		n.Header = header
		return model.CRow{Kind: model.Stream, Stream: &model.StreamTable{NormalTable: *n, SQL: req.SQL}}, md
	}
	md.Kind = model.Normal
	return model.CRow{Kind: model.Normal, Normal: n}, md
}

func (c *Coordinator) parkForVgroup(dbName string, req *wire.CreateTableReq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parked = append(c.parked, VgroupRequest{DBName: dbName, Req: req})
}

// ResumeParked is called once a new vgroup has been created for dbName
// (spec §4.5 step 3 "enqueue vgroup-create request ... reprocessed when
// vgroup creation completes"). now is the creation timestamp for tables
// created in this pass.
func (c *Coordinator) ResumeParked(now int64, dbName string) []codes.Code {
	c.mu.Lock()
	var resume []VgroupRequest
	var keep []VgroupRequest
	for _, p := range c.parked {
		if p.DBName == dbName {
			resume = append(resume, p)
		} else {
			keep = append(keep, p)
		}
	}
	c.parked = keep
	c.mu.Unlock()

	results := make([]codes.Code, len(resume))
	for i, p := range resume {
		results[i] = c.CreateTable(now, p.Req)
	}
	return results
}

func (c *Coordinator) rollbackCreate(tableID string, vg *vgroup.Info) {
	c.mu.Lock()
	if p, ok := c.pending[tableID]; ok {
		p.state = RolledBack
	}
	delete(c.pending, tableID)
	c.mu.Unlock()

	ent, entOK := c.reg.GetTable(tableID)
	db, dbOK := c.dbs.GetDBByTableID(tableID)
	if entOK && dbOK {
		cols := int32(1)
		switch ent.Kind {
		case model.Child:
			if s, ok := c.reg.GetSuper(ent.CRow.Child.SuperTableID); ok {
				cols = s.NumColumns
			}
		case model.Normal:
			cols = ent.CRow.Normal.NumColumns
		case model.Stream:
			cols = ent.CRow.Stream.NumColumns
		}
		_ = c.accts.GrantRestore(db.Cfg.Acct, account.GrantTimeSeries, int64(cols-1))
	}
	_, _ = c.vgroups.RemoveTable(vg, tableID)
	_ = c.reg.DeleteCRow(tableID, catalog.Global)
}

// HandleCreateResponse completes or rolls back a pending create once the
// data node acknowledges it (spec §4.5 steps 6-7).
func (c *Coordinator) HandleCreateResponse(tableID string, vgID int32, result codes.Code) codes.Code {
	c.mu.Lock()
	p, ok := c.pending[tableID]
	c.mu.Unlock()
	if !ok {
		return codes.OTHERS
	}
	if result == codes.SUCCESS {
		c.mu.Lock()
		p.state = Completed
		delete(c.pending, tableID)
		c.mu.Unlock()
		return codes.SUCCESS
	}
	vg, ok := c.vgroups.GetVgroup(vgID)
	if ok {
		c.rollbackCreate(tableID, vg)
	} else {
		c.mu.Lock()
		delete(c.pending, tableID)
		c.mu.Unlock()
		_ = c.reg.DeleteCRow(tableID, catalog.Global)
	}
	return result
}

// DropTable runs the drop flow (spec §4.5 "Drop table flow"). Super tables
// drop synchronously once child_count is zero; Child/Normal/Stream tables
// require a data-node round trip that HandleDropResponse completes.
func (c *Coordinator) DropTable(tableID string, igNotExists bool) codes.Code {
	ent, ok := c.reg.GetTable(tableID)
	if !ok {
		if igNotExists {
			return codes.SUCCESS
		}
		return codes.INVALID_TABLE
	}

	if ent.Kind == model.Super {
		if ent.Super.ChildCount > 0 {
			return codes.OTHERS
		}
		if err := c.reg.DeleteSuper(tableID, catalog.Global); err != nil {
			return codes.SDB_ERROR
		}
		return codes.SUCCESS
	}

	vgID, sid := ent.CRow.VgSid()
	vg, ok := c.vgroups.GetVgroup(vgID)
	if !ok {
		return codes.INVALID_VGROUP_ID
	}
	ips := c.vgroups.GetIPSet(vg)
	md := &wire.MDDropTable{TableID: tableID, VgID: vgID, Sid: sid, UID: ent.CRow.RowUID()}
	if err := c.dn.SendDropTable(ips, md); err != nil {
		return codes.APP_ERROR
	}

	c.mu.Lock()
	c.pending[tableID] = &pendingCreate{handle: uuid.New(), tableID: tableID, state: NotifyingDataNode}
	c.mu.Unlock()
	return codes.SUCCESS
}

// HandleDropResponse completes a pending drop once the data node
// acknowledges removal, triggering a vgroup drop if it is now empty.
func (c *Coordinator) HandleDropResponse(tableID string, vgID int32, result codes.Code) codes.Code {
	c.mu.Lock()
	_, ok := c.pending[tableID]
	delete(c.pending, tableID)
	c.mu.Unlock()
	if !ok {
		return codes.OTHERS
	}
	if result != codes.SUCCESS {
		return result
	}
	if err := c.reg.DeleteCRow(tableID, catalog.Global); err != nil {
		return codes.SDB_ERROR
	}
	if vg, ok := c.vgroups.GetVgroup(vgID); ok {
		if empty, _ := c.vgroups.RemoveTable(vg, tableID); empty {
			_ = c.vgroups.DropVgroup(vgID)
		}
	}
	return codes.SUCCESS
}

// SynthesizeChildCreate builds the CreateTable request an on-demand meta
// fetch re-enqueues when create_flag=1 and the child does not yet exist
// (spec §4.5 "On-demand child creation"): the original meta request is
// dropped and the synthesized create's response routes back to the
// meta-fetch caller via the returned table id.
func SynthesizeChildCreate(dbName, superTableID, childTableID string, tags []byte) *wire.CreateTableReq {
	return &wire.CreateTableReq{
		TableID:      childTableID,
		DB:           dbName,
		SuperTableID: superTableID,
		NumColumns:   0,
		NumTags:      0,
		TagPayload:   tags,
	}
}
