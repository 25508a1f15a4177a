package registry

import (
	"testing"

	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/catalog/memstore"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/vgroup"
)

func newTestRegistry(t *testing.T) (*Registry, *dbdir.Memory, *vgroup.Memory) {
	t.Helper()
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1", Cfg: dbdir.Config{Acct: "acct1"}})
	vgroups := vgroup.NewMemory()
	vgroups.Create("acct1.db1", []vgroup.Vnode{{Index: 0}})

	reg, err := Open(memstore.New(), dbs, vgroups)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return reg, dbs, vgroups
}

func mustSuper(t *testing.T, reg *Registry, tableID string, numCols, numTags int32) *model.SuperTable {
	t.Helper()
	s := &model.SuperTable{
		Header:     model.Header{TableID: tableID, Kind: model.Super},
		NumColumns: numCols,
		NumTags:    numTags,
		NextColID:  uint16(numCols + numTags),
	}
	for i := int32(0); i < numCols+numTags; i++ {
		s.Schema = append(s.Schema, model.Column{ColID: uint16(i), Name: "col" + string(rune('a'+i))})
	}
	if err := reg.InsertSuper(s, catalog.Global); err != nil {
		t.Fatalf("InsertSuper: %v", err)
	}
	return s
}

func TestRegistry_InsertChildIncrementsSuperChildCount(t *testing.T) {
	reg, _, vgroups := newTestRegistry(t)
	super := mustSuper(t, reg, "acct1.db1.super1", 2, 1)

	vg, _ := vgroups.GetAvailableVgroup("acct1.db1")
	child := model.CRow{Kind: model.Child, Child: &model.ChildTable{
		Header:       model.Header{TableID: "acct1.db1.child1", Kind: model.Child},
		VgID:         vg.VgID,
		SuperTableID: super.TableID,
	}}
	if err := reg.InsertCRow(child, catalog.Global); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}

	got, ok := reg.GetSuper(super.TableID)
	if !ok || got.ChildCount != 1 {
		t.Fatalf("super ChildCount = %+v, want 1", got)
	}
}

func TestRegistry_DeleteChildDecrementsSuperChildCount(t *testing.T) {
	reg, _, vgroups := newTestRegistry(t)
	super := mustSuper(t, reg, "acct1.db1.super1", 2, 1)
	vg, _ := vgroups.GetAvailableVgroup("acct1.db1")

	child := model.CRow{Kind: model.Child, Child: &model.ChildTable{
		Header:       model.Header{TableID: "acct1.db1.child1", Kind: model.Child},
		VgID:         vg.VgID,
		SuperTableID: super.TableID,
	}}
	if err := reg.InsertCRow(child, catalog.Global); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}
	if err := reg.DeleteCRow(child.CatalogKey(), catalog.Global); err != nil {
		t.Fatalf("DeleteCRow: %v", err)
	}
	got, _ := reg.GetSuper(super.TableID)
	if got.ChildCount != 0 {
		t.Fatalf("ChildCount after delete = %d, want 0", got.ChildCount)
	}
}

func TestRegistry_InsertCRowOrphansOnMissingSuper(t *testing.T) {
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1"})
	vgroups := vgroup.NewMemory()
	vg := vgroups.Create("acct1.db1", []vgroup.Vnode{{}})

	backend := memstore.New()
	reg, err := Open(backend, dbs, vgroups)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	child := model.CRow{Kind: model.Child, Child: &model.ChildTable{
		Header:       model.Header{TableID: "acct1.db1.child1", Kind: model.Child},
		VgID:         vg.VgID,
		SuperTableID: "acct1.db1.doesnotexist",
	}}
	if err := reg.InsertCRow(child, catalog.Global); err == nil {
		t.Fatalf("InsertCRow should fail when the super table does not resolve")
	}
	if _, ok := reg.GetChild(child.CatalogKey()); ok {
		t.Fatalf("child should not be visible after a rejected insert")
	}
}

func TestRegistry_ReplayOrphansChildWithoutSuper(t *testing.T) {
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1"})
	vgroups := vgroup.NewMemory()
	vg := vgroups.Create("acct1.db1", []vgroup.Vnode{{}})
	backend := memstore.New()

	// Persist a super and its child through the registry, then remove the
	// super from the stables store, so the backend holds a child whose super
	// is gone, simulating a super dropped out from under a still-replicating
	// child.
	reg, err := Open(backend, dbs, vgroups)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	super := mustSuper(t, reg, "acct1.db1.super1", 1, 1)
	child := model.CRow{Kind: model.Child, Child: &model.ChildTable{
		Header:       model.Header{TableID: "acct1.db1.child1", Kind: model.Child},
		VgID:         vg.VgID,
		SuperTableID: super.TableID,
	}}
	if err := reg.InsertCRow(child, catalog.Global); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}
	if err := reg.DeleteSuper(super.TableID, catalog.Global); err != nil {
		t.Fatalf("DeleteSuper: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: the child's super no longer resolves, so replay must orphan
	// (and durably drop) the child rather than fail the whole reopen.
	reg2, err := Open(backend, dbs, vgroups)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reg2.GetChild(child.CatalogKey()); ok {
		t.Fatalf("orphaned child should not reappear after replay")
	}
}

func TestRegistry_IncDecRef(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	super := mustSuper(t, reg, "acct1.db1.super1", 1, 1)

	if err := reg.IncRef(super.TableID); err != nil {
		t.Fatalf("IncRef: %v", err)
	}
	got, _ := reg.GetSuper(super.TableID)
	if got.RefCount != 1 {
		t.Fatalf("RefCount = %d, want 1", got.RefCount)
	}
	if err := reg.DecRef(super.TableID); err != nil {
		t.Fatalf("DecRef: %v", err)
	}
	got, _ = reg.GetSuper(super.TableID)
	if got.RefCount != 0 {
		t.Fatalf("RefCount = %d, want 0", got.RefCount)
	}
}

func TestRegistry_DecRefFloorsAtZero(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	super := mustSuper(t, reg, "acct1.db1.super1", 1, 1)
	if err := reg.DecRef(super.TableID); err != nil {
		t.Fatalf("DecRef: %v", err)
	}
	got, _ := reg.GetSuper(super.TableID)
	if got.RefCount != 0 {
		t.Fatalf("RefCount = %d, want 0 (floored)", got.RefCount)
	}
}

func TestRegistry_GetTableResolvesBothStores(t *testing.T) {
	reg, _, vgroups := newTestRegistry(t)
	super := mustSuper(t, reg, "acct1.db1.super1", 1, 1)
	vg, _ := vgroups.GetAvailableVgroup("acct1.db1")
	normal := model.CRow{Kind: model.Normal, Normal: &model.NormalTable{
		Header: model.Header{TableID: "acct1.db1.normal1", Kind: model.Normal},
		VgID:   vg.VgID,
	}}
	if err := reg.InsertCRow(normal, catalog.Global); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}

	if ent, ok := reg.GetTable(super.TableID); !ok || ent.Kind != model.Super {
		t.Fatalf("GetTable(super) = %+v, %v", ent, ok)
	}
	if ent, ok := reg.GetTable(normal.CatalogKey()); !ok || ent.Kind != model.Normal {
		t.Fatalf("GetTable(normal) = %+v, %v", ent, ok)
	}
	if _, ok := reg.GetTable("acct1.db1.missing"); ok {
		t.Fatalf("GetTable(missing) should miss")
	}
}

func TestRegistry_ExtractDisplayName(t *testing.T) {
	if got := ExtractDisplayName("acct1.db1.mytable"); got != "mytable" {
		t.Fatalf("ExtractDisplayName = %q", got)
	}
}

func TestRegistry_CursorsScanBothStores(t *testing.T) {
	reg, _, vgroups := newTestRegistry(t)
	mustSuper(t, reg, "acct1.db1.super1", 1, 1)
	mustSuper(t, reg, "acct1.db1.super2", 1, 1)
	vg, _ := vgroups.GetAvailableVgroup("acct1.db1")
	if err := reg.InsertCRow(model.CRow{Kind: model.Normal, Normal: &model.NormalTable{
		Header: model.Header{TableID: "acct1.db1.normal1", Kind: model.Normal}, VgID: vg.VgID,
	}}, catalog.Global); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}

	sc := reg.StablesCursor()
	var supers int
	for {
		if _, ok := reg.NextStable(sc); !ok {
			break
		}
		supers++
	}
	if supers != 2 {
		t.Fatalf("stables scan found %d, want 2", supers)
	}

	cc := reg.CTablesCursor()
	var ctables int
	for {
		if _, ok := reg.NextCTable(cc); !ok {
			break
		}
		ctables++
	}
	if ctables != 1 {
		t.Fatalf("ctables scan found %d, want 1", ctables)
	}
}
