package dispatch

import (
	"context"
	"testing"

	"github.com/tsdbcore/mnode/internal/account"
	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/catalog/memstore"
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/meta"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/placement"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/schema"
	"github.com/tsdbcore/mnode/internal/vgroup"
	"github.com/tsdbcore/mnode/internal/wire"
)

type fakeDataNode struct{}

func (fakeDataNode) SendCreateTable(ips [][16]byte, req *wire.MDCreateTable) error { return nil }
func (fakeDataNode) SendDropTable(ips [][16]byte, req *wire.MDDropTable) error     { return nil }

type fakeRedirect struct{ master bool }

func (f fakeRedirect) IsMaster() bool { return f.master }

func newTestServer(t *testing.T, redirect RedirectChecker) (*Server, *registry.Registry) {
	t.Helper()
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1", Cfg: dbdir.Config{Acct: "acct1"}})
	vgroups := vgroup.NewMemory()
	vgroups.Create("acct1.db1", []vgroup.Vnode{{}})

	reg, err := registry.Open(memstore.New(), dbs, vgroups)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	grants := account.NewMemory()
	grants.Put("acct1", 0)
	schemaEng := schema.New(reg, grants)
	coord := placement.New(reg, dbs, vgroups, grants, fakeDataNode{})
	assembler := meta.New(reg, dbs, vgroups, [16]byte{})

	return New(reg, schemaEng, coord, assembler, redirect, 4), reg
}

func TestHandle_CreateAndDropTable(t *testing.T) {
	s, reg := newTestServer(t, fakeRedirect{master: true})
	req := Request{
		Kind: wire.MsgCreateTable, Now: 1000,
		CreateTable: &wire.CreateTableReq{TableID: "acct1.db1.t1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}},
	}
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle(create): %v", err)
	}
	if resp.Code != codes.SUCCESS {
		t.Fatalf("create code = %v, want SUCCESS", resp.Code)
	}
	if _, ok := reg.GetTable("acct1.db1.t1"); !ok {
		t.Fatalf("table not present after create")
	}

	dropResp, err := s.Handle(context.Background(), Request{
		Kind: wire.MsgDropTable, DropTable: &wire.DropTableReq{TableID: "acct1.db1.t1"},
	})
	if err != nil {
		t.Fatalf("Handle(drop): %v", err)
	}
	// The table is a Normal table: drop requires a data-node round trip, so
	// it remains pending in the catalog until the (unexercised here)
	// HandleDropResponse callback fires.
	if dropResp.Code != codes.SUCCESS {
		t.Fatalf("drop code = %v, want SUCCESS", dropResp.Code)
	}
}

func TestHandle_RejectsMutationWhenNotMaster(t *testing.T) {
	s, _ := newTestServer(t, fakeRedirect{master: false})
	resp, err := s.Handle(context.Background(), Request{
		Kind: wire.MsgCreateTable, Now: 1000,
		CreateTable: &wire.CreateTableReq{TableID: "acct1.db1.t1", DB: "acct1.db1", NumColumns: 1, Schema: []model.Column{{Name: "val"}}},
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Code != codes.APP_ERROR {
		t.Fatalf("code = %v, want APP_ERROR (must redirect)", resp.Code)
	}
}

func TestHandle_AlterTableRequiresWriteAuth(t *testing.T) {
	s, reg := newTestServer(t, fakeRedirect{master: true})
	super := &model.SuperTable{Header: model.Header{TableID: "acct1.db1.super1", Kind: model.Super}, NumColumns: 1, NumTags: 1}
	if err := reg.InsertSuper(super, catalog.Global); err != nil {
		t.Fatalf("InsertSuper: %v", err)
	}
	req := Request{
		Kind: wire.MsgAlterTable, HasWriteAuth: false,
		AlterTable: &wire.AlterTableReq{TableID: super.TableID, Type: wire.AlterAddTag, Schema: [2]model.Column{{Name: "newtag"}}},
	}
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Code != codes.NO_RIGHTS {
		t.Fatalf("code = %v, want NO_RIGHTS", resp.Code)
	}

	req.HasWriteAuth = true
	resp, err = s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle with write auth: %v", err)
	}
	if resp.Code != codes.SUCCESS {
		t.Fatalf("code = %v, want SUCCESS", resp.Code)
	}
}

func TestHandle_TableMetaAndMultiTableMeta(t *testing.T) {
	s, reg := newTestServer(t, fakeRedirect{master: true})
	n := &model.NormalTable{Header: model.Header{TableID: "acct1.db1.t1", Kind: model.Normal}, VgID: 1, NumColumns: 1}
	if err := reg.InsertCRow(model.CRow{Kind: model.Normal, Normal: n}, catalog.Global); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}

	resp, err := s.Handle(context.Background(), Request{Kind: wire.MsgTableMeta, TableInfo: &wire.TableInfoReq{TableID: n.TableID}})
	if err != nil {
		t.Fatalf("Handle(TableMeta): %v", err)
	}
	if resp.Code != codes.SUCCESS || resp.TableMeta == nil {
		t.Fatalf("TableMeta response = %+v", resp)
	}

	multiResp, err := s.Handle(context.Background(), Request{Kind: wire.MsgMultiTableMeta, MultiInfo: &wire.MultiTableInfoReq{TableIDs: []string{n.TableID, "acct1.db1.missing"}}})
	if err != nil {
		t.Fatalf("Handle(MultiTableMeta): %v", err)
	}
	if multiResp.Code != codes.SUCCESS || len(multiResp.MultiMeta) < 4 {
		t.Fatalf("MultiTableMeta response = %+v", multiResp)
	}
}

func TestHandle_ShowReturnsAllRowsInOnePageWithoutCursor(t *testing.T) {
	s, reg := newTestServer(t, fakeRedirect{master: true})
	for i := 0; i < 3; i++ {
		id := "acct1.db1.super" + string(rune('0'+i))
		if err := reg.InsertSuper(&model.SuperTable{Header: model.Header{TableID: id, Kind: model.Super}}, catalog.Global); err != nil {
			t.Fatalf("InsertSuper(%s): %v", id, err)
		}
	}

	resp, err := s.Handle(context.Background(), Request{Kind: wire.MsgShowMetaStable, DBName: "acct1.db1"})
	if err != nil {
		t.Fatalf("Handle(Show): %v", err)
	}
	if resp.Code != codes.SUCCESS {
		t.Fatalf("code = %v, want SUCCESS", resp.Code)
	}
	if len(resp.ShowRows) != 3 {
		t.Fatalf("ShowRows = %d, want 3", len(resp.ShowRows))
	}
	if resp.Cursor != "" {
		t.Fatalf("cursor should be empty once the scan is exhausted in one page")
	}
}

func TestHandle_ShowResumesFromCursorToken(t *testing.T) {
	s, reg := newTestServer(t, fakeRedirect{master: true})
	for i := 0; i < showPageSize+5; i++ {
		id := "acct1.db1.super" + itoa(i)
		if err := reg.InsertSuper(&model.SuperTable{Header: model.Header{TableID: id, Kind: model.Super}}, catalog.Global); err != nil {
			t.Fatalf("InsertSuper(%s): %v", id, err)
		}
	}

	first, err := s.Handle(context.Background(), Request{Kind: wire.MsgShowMetaStable, DBName: "acct1.db1"})
	if err != nil {
		t.Fatalf("Handle(Show, first page): %v", err)
	}
	if len(first.ShowRows) != showPageSize || first.Cursor == "" {
		t.Fatalf("first page rows=%d cursor=%q, want %d rows and a cursor", len(first.ShowRows), first.Cursor, showPageSize)
	}

	second, err := s.Handle(context.Background(), Request{Kind: wire.MsgShowMetaStable, DBName: "acct1.db1", Cursor: first.Cursor})
	if err != nil {
		t.Fatalf("Handle(Show, second page): %v", err)
	}
	if len(second.ShowRows) != 5 || second.Cursor != "" {
		t.Fatalf("second page rows=%d cursor=%q, want 5 rows and no cursor", len(second.ShowRows), second.Cursor)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
