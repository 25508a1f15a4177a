package placement

import (
	"errors"
	"testing"

	"github.com/tsdbcore/mnode/internal/account"
	"github.com/tsdbcore/mnode/internal/catalog/memstore"
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/vgroup"
	"github.com/tsdbcore/mnode/internal/wire"
)

// fakeDataNode records every send and lets a test force a send failure.
type fakeDataNode struct {
	creates    []*wire.MDCreateTable
	drops      []*wire.MDDropTable
	failCreate bool
	failDrop   bool
}

func (f *fakeDataNode) SendCreateTable(ips [][16]byte, req *wire.MDCreateTable) error {
	if f.failCreate {
		return errors.New("send failed")
	}
	f.creates = append(f.creates, req)
	return nil
}

func (f *fakeDataNode) SendDropTable(ips [][16]byte, req *wire.MDDropTable) error {
	if f.failDrop {
		return errors.New("send failed")
	}
	f.drops = append(f.drops, req)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *registry.Registry, *vgroup.Memory, *fakeDataNode) {
	t.Helper()
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1", Cfg: dbdir.Config{Acct: "acct1"}})
	vgroups := vgroup.NewMemory()
	vgroups.Create("acct1.db1", []vgroup.Vnode{{Index: 0}})

	reg, err := registry.Open(memstore.New(), dbs, vgroups)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	accts := account.NewMemory()
	accts.Put("acct1", 0)
	dn := &fakeDataNode{}
	return New(reg, dbs, vgroups, accts, dn), reg, vgroups, dn
}

func TestCreateTable_SuperCompletesSynchronously(t *testing.T) {
	c, reg, _, dn := newTestCoordinator(t)
	req := &wire.CreateTableReq{
		TableID: "acct1.db1.super1", DB: "acct1.db1",
		NumColumns: 1, NumTags: 1,
		Schema: []model.Column{{Name: "val"}, {Name: "tag0"}},
	}
	if code := c.CreateTable(1000, req); code != codes.SUCCESS {
		t.Fatalf("CreateTable(super) = %v, want SUCCESS", code)
	}
	if _, ok := reg.GetSuper(req.TableID); !ok {
		t.Fatalf("super table not in registry")
	}
	if len(dn.creates) != 0 {
		t.Fatalf("super create should not contact the data node")
	}
}

func TestCreateTable_RejectsDuplicate(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	if code := c.CreateTable(1000, req); code != codes.SUCCESS {
		t.Fatalf("first create = %v, want SUCCESS", code)
	}
	if code := c.CreateTable(1001, req); code != codes.TABLE_ALREADY_EXIST {
		t.Fatalf("duplicate create = %v, want TABLE_ALREADY_EXIST", code)
	}
	req.IgExists = true
	if code := c.CreateTable(1002, req); code != codes.SUCCESS {
		t.Fatalf("duplicate create with IgExists = %v, want SUCCESS", code)
	}
}

func TestCreateTable_RejectsUnknownDB(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.nodb.t1", DB: "acct1.nodb", NumColumns: 1}
	if code := c.CreateTable(1000, req); code != codes.INVALID_DB {
		t.Fatalf("code = %v, want INVALID_DB", code)
	}
}

func TestCreateTable_NormalStaysPendingUntilDataNodeAcks(t *testing.T) {
	c, reg, _, dn := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	if code := c.CreateTable(1000, req); code != codes.SUCCESS {
		t.Fatalf("CreateTable = %v, want SUCCESS", code)
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); !ok {
		t.Fatalf("row should already be in the catalog pending data-node ack")
	}
	if len(dn.creates) != 1 {
		t.Fatalf("expected exactly one create sent to the data node, got %d", len(dn.creates))
	}

	if code := c.HandleCreateResponse(req.TableID, dn.creates[0].VgID, codes.SUCCESS); code != codes.SUCCESS {
		t.Fatalf("HandleCreateResponse = %v, want SUCCESS", code)
	}
	if code := c.HandleCreateResponse(req.TableID, dn.creates[0].VgID, codes.SUCCESS); code != codes.OTHERS {
		t.Fatalf("second HandleCreateResponse for a completed create = %v, want OTHERS", code)
	}
}

func TestCreateTable_RollsBackCatalogOnDataNodeRejection(t *testing.T) {
	c, reg, vgroups, dn := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	if code := c.CreateTable(1000, req); code != codes.SUCCESS {
		t.Fatalf("CreateTable = %v, want SUCCESS", code)
	}
	vgID := dn.creates[0].VgID
	vg, _ := vgroups.GetVgroup(vgID)
	before := vg.NumTables

	if code := c.HandleCreateResponse(req.TableID, vgID, codes.APP_ERROR); code != codes.APP_ERROR {
		t.Fatalf("HandleCreateResponse(reject) = %v, want APP_ERROR", code)
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); ok {
		t.Fatalf("rejected create should have been rolled back out of the catalog")
	}
	if vg.NumTables != before-1 {
		t.Fatalf("vgroup slot was not released on rollback: NumTables = %d, want %d", vg.NumTables, before-1)
	}
}

func TestCreateTable_SendFailureRollsBack(t *testing.T) {
	c, reg, _, dn := newTestCoordinator(t)
	dn.failCreate = true
	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	if code := c.CreateTable(1000, req); code != codes.APP_ERROR {
		t.Fatalf("CreateTable with send failure = %v, want APP_ERROR", code)
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); ok {
		t.Fatalf("row should be rolled back when the data-node send fails")
	}
}

func TestCreateTable_NormalUIDUsesCreatedTimeNotVgroupSlotPacking(t *testing.T) {
	c, _, _, dn := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	const now = int64(1234567)
	if code := c.CreateTable(now, req); code != codes.SUCCESS {
		t.Fatalf("CreateTable = %v, want SUCCESS", code)
	}
	if len(dn.creates) != 1 {
		t.Fatalf("expected exactly one create sent to the data node, got %d", len(dn.creates))
	}
	want := model.NormalUID(now, 1) // first catalog version handed out by this coordinator
	if dn.creates[0].UID != want {
		t.Fatalf("UID = %d, want %d (model.NormalUID, not the vgroup/slot ChildUID packing)", dn.creates[0].UID, want)
	}
}

func TestCreateTable_ChildInheritsSuperSchema(t *testing.T) {
	c, reg, _, dn := newTestCoordinator(t)
	superReq := &wire.CreateTableReq{
		TableID: "acct1.db1.super1", DB: "acct1.db1", NumColumns: 1, NumTags: 1,
		Schema: []model.Column{{Name: "val"}, {Name: "tag0"}},
	}
	if code := c.CreateTable(1000, superReq); code != codes.SUCCESS {
		t.Fatalf("create super = %v, want SUCCESS", code)
	}
	childReq := &wire.CreateTableReq{TableID: "acct1.db1.child1", DB: "acct1.db1", SuperTableID: superReq.TableID, TagPayload: []byte{1, 2}}
	if code := c.CreateTable(1001, childReq); code != codes.SUCCESS {
		t.Fatalf("create child = %v, want SUCCESS", code)
	}
	child, ok := reg.GetChild(childReq.TableID)
	if !ok {
		t.Fatalf("child not found in registry")
	}
	if child.SuperTableID != superReq.TableID {
		t.Fatalf("SuperTableID = %q, want %q", child.SuperTableID, superReq.TableID)
	}
	super, _ := reg.GetSuper(superReq.TableID)
	if super.ChildCount != 1 {
		t.Fatalf("super.ChildCount = %d, want 1", super.ChildCount)
	}
	if len(dn.creates) != 1 || dn.creates[0].Kind != model.Child {
		t.Fatalf("data node should receive one Child create")
	}
	if dn.creates[0].SuperTableID != superReq.TableID {
		t.Fatalf("MDCreateTable.SuperTableID = %q, want %q", dn.creates[0].SuperTableID, superReq.TableID)
	}
}

func TestCreateTable_RejectsUnknownSuperForChild(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.db1.child1", DB: "acct1.db1", SuperTableID: "acct1.db1.missing"}
	if code := c.CreateTable(1000, req); code != codes.INVALID_TABLE {
		t.Fatalf("code = %v, want INVALID_TABLE", code)
	}
}

func TestCreateTable_ParksWhenNoVgroupHasFreeSlots(t *testing.T) {
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1", Cfg: dbdir.Config{Acct: "acct1"}})
	vgroups := vgroup.NewMemory() // no vgroup created for acct1.db1
	reg, err := registry.Open(memstore.New(), dbs, vgroups)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	accts := account.NewMemory()
	accts.Put("acct1", 0)
	dn := &fakeDataNode{}
	c := New(reg, dbs, vgroups, accts, dn)

	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	if code := c.CreateTable(1000, req); code != codes.SUCCESS {
		t.Fatalf("CreateTable with no vgroup = %v, want SUCCESS (deferred)", code)
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); ok {
		t.Fatalf("table should not exist yet; creation is parked awaiting a vgroup")
	}

	vgroups.Create("acct1.db1", []vgroup.Vnode{{}})
	results := c.ResumeParked(1001, "acct1.db1")
	if len(results) != 1 || results[0] != codes.SUCCESS {
		t.Fatalf("ResumeParked results = %v, want [SUCCESS]", results)
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); !ok {
		t.Fatalf("parked create should have completed once a vgroup existed")
	}
}

func TestDropTable_SuperRejectsWhileChildrenExist(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	superReq := &wire.CreateTableReq{
		TableID: "acct1.db1.super1", DB: "acct1.db1", NumColumns: 1, NumTags: 1,
		Schema: []model.Column{{Name: "val"}, {Name: "tag0"}},
	}
	c.CreateTable(1000, superReq)
	childReq := &wire.CreateTableReq{TableID: "acct1.db1.child1", DB: "acct1.db1", SuperTableID: superReq.TableID}
	c.CreateTable(1001, childReq)

	if code := c.DropTable(superReq.TableID, false); code != codes.OTHERS {
		t.Fatalf("DropTable(super with children) = %v, want OTHERS", code)
	}
}

func TestDropTable_SuperSucceedsOnceEmpty(t *testing.T) {
	c, reg, _, _ := newTestCoordinator(t)
	superReq := &wire.CreateTableReq{
		TableID: "acct1.db1.super1", DB: "acct1.db1", NumColumns: 1, NumTags: 1,
		Schema: []model.Column{{Name: "val"}, {Name: "tag0"}},
	}
	c.CreateTable(1000, superReq)
	if code := c.DropTable(superReq.TableID, false); code != codes.SUCCESS {
		t.Fatalf("DropTable(empty super) = %v, want SUCCESS", code)
	}
	if _, ok := reg.GetSuper(superReq.TableID); ok {
		t.Fatalf("super should be gone")
	}
}

func TestDropTable_MissingRejectsUnlessIgNotExists(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	if code := c.DropTable("acct1.db1.missing", false); code != codes.INVALID_TABLE {
		t.Fatalf("code = %v, want INVALID_TABLE", code)
	}
	if code := c.DropTable("acct1.db1.missing", true); code != codes.SUCCESS {
		t.Fatalf("code with IgNotExists = %v, want SUCCESS", code)
	}
}

func TestDropTable_NormalCompletesOnDataNodeAckAndFreesVgroup(t *testing.T) {
	c, reg, vgroups, dn := newTestCoordinator(t)
	req := &wire.CreateTableReq{TableID: "acct1.db1.normal1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}}
	c.CreateTable(1000, req)
	vgID := dn.creates[0].VgID
	c.HandleCreateResponse(req.TableID, vgID, codes.SUCCESS)

	if code := c.DropTable(req.TableID, false); code != codes.SUCCESS {
		t.Fatalf("DropTable = %v, want SUCCESS", code)
	}
	if len(dn.drops) != 1 {
		t.Fatalf("expected one drop sent to the data node, got %d", len(dn.drops))
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); !ok {
		t.Fatalf("row must remain in the catalog until the data node acks the drop")
	}

	if code := c.HandleDropResponse(req.TableID, vgID, codes.SUCCESS); code != codes.SUCCESS {
		t.Fatalf("HandleDropResponse = %v, want SUCCESS", code)
	}
	if _, ok := reg.GetNormalOrStream(req.TableID); ok {
		t.Fatalf("row should be gone once the drop is acked")
	}
	vg, _ := vgroups.GetVgroup(vgID)
	if vg != nil {
		t.Fatalf("vgroup with no remaining tables should have been dropped")
	}
}

func TestHandleDropResponse_UnknownPendingReturnsOthers(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	if code := c.HandleDropResponse("acct1.db1.nosuchpending", 1, codes.SUCCESS); code != codes.OTHERS {
		t.Fatalf("code = %v, want OTHERS", code)
	}
}

func TestSynthesizeChildCreate_BuildsOnDemandRequest(t *testing.T) {
	req := SynthesizeChildCreate("acct1.db1", "acct1.db1.super1", "acct1.db1.child1", []byte{9, 9})
	if req.TableID != "acct1.db1.child1" || req.SuperTableID != "acct1.db1.super1" || req.DB != "acct1.db1" {
		t.Fatalf("SynthesizeChildCreate = %+v", req)
	}
	if req.NumColumns != 0 || req.NumTags != 0 {
		t.Fatalf("on-demand child create should carry no schema of its own: %+v", req)
	}
	if len(req.TagPayload) != 2 {
		t.Fatalf("TagPayload not carried through: %+v", req)
	}
}

func TestState_ConstantsAreOrderedForTheTwoPhaseProtocol(t *testing.T) {
	if !(Validating < PersistingCatalog && PersistingCatalog < NotifyingDataNode && NotifyingDataNode < Completed) {
		t.Fatalf("State constants out of order: %d %d %d %d", Validating, PersistingCatalog, NotifyingDataNode, Completed)
	}
}
