package schema

import (
	"testing"

	"github.com/tsdbcore/mnode/internal/account"
	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/catalog/memstore"
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/registry"
	"github.com/tsdbcore/mnode/internal/vgroup"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, int32) {
	t.Helper()
	dbs := dbdir.NewMemory()
	dbs.Put(&dbdir.Info{Name: "acct1.db1", Cfg: dbdir.Config{Acct: "acct1"}})
	vgroups := vgroup.NewMemory()
	vg := vgroups.Create("acct1.db1", []vgroup.Vnode{{}})

	reg, err := registry.Open(memstore.New(), dbs, vgroups)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	grants := account.NewMemory()
	grants.Put("acct1", 0)
	return New(reg, grants), reg, vg.VgID
}

func mustSuperWithTags(t *testing.T, reg *registry.Registry, tableID string, numCols, numTags int32) *model.SuperTable {
	t.Helper()
	s := &model.SuperTable{
		Header:     model.Header{TableID: tableID, Kind: model.Super},
		NumColumns: numCols,
		NumTags:    numTags,
		NextColID:  uint16(numCols + numTags),
	}
	for i := int32(0); i < numCols; i++ {
		s.Schema = append(s.Schema, model.Column{ColID: uint16(i), Name: "col" + string(rune('0'+i)), Type: model.TypeDouble})
	}
	for i := int32(0); i < numTags; i++ {
		s.Schema = append(s.Schema, model.Column{ColID: uint16(numCols + i), Name: "tag" + string(rune('0'+i)), Type: model.TypeBinary})
	}
	if err := reg.InsertSuper(s, catalog.Global); err != nil {
		t.Fatalf("InsertSuper: %v", err)
	}
	return s
}

func TestAddTag_AppendsAndBumpsSchemaVersion(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 1)
	origVersion := s.SchemaVersion

	if err := eng.AddTag(s.TableID, []model.Column{{Name: "newtag", Type: model.TypeInt}}); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	got, _ := reg.GetSuper(s.TableID)
	if got.NumTags != 2 {
		t.Fatalf("NumTags = %d, want 2", got.NumTags)
	}
	if got.SchemaVersion != origVersion+1 {
		t.Fatalf("SchemaVersion = %d, want %d", got.SchemaVersion, origVersion+1)
	}
	if got.NameIndex("newtag") < 0 {
		t.Fatalf("newtag not found in schema")
	}
}

func TestAddTag_RejectsDuplicateName(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 1)
	err := eng.AddTag(s.TableID, []model.Column{{Name: "tag0"}})
	if codes.Of(err) != codes.APP_ERROR {
		t.Fatalf("AddTag duplicate name: code = %v, want APP_ERROR", codes.Of(err))
	}
}

func TestAddTag_RejectsMaxTagsOverflow(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, model.MaxTags-1)
	err := eng.AddTag(s.TableID, []model.Column{{Name: "one"}, {Name: "two"}})
	if codes.Of(err) != codes.APP_ERROR {
		t.Fatalf("AddTag overflow: code = %v, want APP_ERROR", codes.Of(err))
	}
	got, _ := reg.GetSuper(s.TableID)
	if got.NumTags != model.MaxTags-1 {
		t.Fatalf("NumTags changed on rejected overflow: %d", got.NumTags)
	}
}

func TestAddTag_AdvancesAccountCounterWhenChildrenExist(t *testing.T) {
	eng, reg, vgID := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 1)
	if err := reg.InsertCRow(model.CRow{Kind: model.Child, Child: &model.ChildTable{
		Header: model.Header{TableID: "acct1.db1.child1", Kind: model.Child}, VgID: vgID, SuperTableID: s.TableID,
	}}, catalog.Local); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}
	got, _ := reg.GetSuper(s.TableID)
	if got.ChildCount != 1 {
		t.Fatalf("ChildCount = %d, want 1", got.ChildCount)
	}

	if err := eng.AddTag(s.TableID, []model.Column{{Name: "newtag"}}); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	acct, _ := eng.accts.GetAcct("acct1")
	if acct.NumOfTimeSeries() != 1 {
		t.Fatalf("NumOfTimeSeries = %d, want 1", acct.NumOfTimeSeries())
	}
}

func TestDropTag_RejectsPrimaryTagIndexZero(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 2)
	if err := eng.DropTag(s.TableID, 0); codes.Of(err) != codes.APP_ERROR {
		t.Fatalf("DropTag(0): code = %v, want APP_ERROR", codes.Of(err))
	}
}

func TestDropTag_RemovesNonPrimaryTag(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 2)
	if err := eng.DropTag(s.TableID, 1); err != nil {
		t.Fatalf("DropTag(1): %v", err)
	}
	got, _ := reg.GetSuper(s.TableID)
	if got.NumTags != 1 {
		t.Fatalf("NumTags = %d, want 1", got.NumTags)
	}
	if got.NameIndex("tag1") >= 0 {
		t.Fatalf("tag1 should have been removed")
	}
	if got.NameIndex("tag0") < 0 {
		t.Fatalf("tag0 (primary) should remain")
	}
}

func TestDropTag_RejectsOutOfRangeIndex(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 1)
	if err := eng.DropTag(s.TableID, 5); codes.Of(err) != codes.APP_ERROR {
		t.Fatalf("DropTag(5): code = %v, want APP_ERROR", codes.Of(err))
	}
}

func TestRenameTag_RejectsCollisionAndAppliesOtherwise(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 2)

	if err := eng.RenameTag(s.TableID, 1, "tag0"); codes.Of(err) != codes.APP_ERROR {
		t.Fatalf("RenameTag collision: code = %v, want APP_ERROR", codes.Of(err))
	}
	if err := eng.RenameTag(s.TableID, 1, "renamed"); err != nil {
		t.Fatalf("RenameTag: %v", err)
	}
	got, _ := reg.GetSuper(s.TableID)
	if got.NameIndex("renamed") < 0 {
		t.Fatalf("renamed tag not found")
	}
}

func TestAddColumn_InsertsBeforeTagBlock(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 1, 1)
	if err := eng.AddColumn(s.TableID, []model.Column{{Name: "newcol"}}); err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	got, _ := reg.GetSuper(s.TableID)
	if got.NumColumns != 2 {
		t.Fatalf("NumColumns = %d, want 2", got.NumColumns)
	}
	cols := got.Columns()
	if cols[len(cols)-1].Name != "newcol" {
		t.Fatalf("newcol should be last column before tag block, got %+v", cols)
	}
	tags := got.Tags()
	if len(tags) != 1 || tags[0].Name != "tag0" {
		t.Fatalf("tag block corrupted: %+v", tags)
	}
}

func TestDropColumn_RejectsOutOfRangeIndex(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	s := mustSuperWithTags(t, reg, "acct1.db1.super1", 2, 1)
	if err := eng.DropColumn(s.TableID, 9); codes.Of(err) != codes.APP_ERROR {
		t.Fatalf("DropColumn(9): code = %v, want APP_ERROR", codes.Of(err))
	}
}

func TestAddTag_RejectsMissingTable(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	err := eng.AddTag("acct1.db1.missing", []model.Column{{Name: "x"}})
	if codes.Of(err) != codes.INVALID_TABLE {
		t.Fatalf("code = %v, want INVALID_TABLE", codes.Of(err))
	}
}

func TestAddNormalColumn_AdjustsAccountByOnePerColumn(t *testing.T) {
	eng, reg, vgID := newTestEngine(t)
	n := &model.NormalTable{
		Header:     model.Header{TableID: "acct1.db1.normal1", Kind: model.Normal},
		VgID:       vgID,
		NumColumns: 1,
		NextColID:  1,
		Schema:     []model.Column{{ColID: 0, Name: "ts"}},
	}
	if err := reg.InsertCRow(model.CRow{Kind: model.Normal, Normal: n}, catalog.Local); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}
	if err := eng.AddNormalColumn(n.TableID, []model.Column{{Name: "val"}, {Name: "val2"}}); err != nil {
		t.Fatalf("AddNormalColumn: %v", err)
	}
	row, _ := reg.GetNormalOrStream(n.TableID)
	if row.Normal.NumColumns != 3 {
		t.Fatalf("NumColumns = %d, want 3", row.Normal.NumColumns)
	}
	acct, _ := eng.accts.GetAcct("acct1")
	if acct.NumOfTimeSeries() != 2 {
		t.Fatalf("NumOfTimeSeries = %d, want 2", acct.NumOfTimeSeries())
	}
}

func TestDropNormalColumn_OnStreamMutatesUnderlyingNormalTable(t *testing.T) {
	eng, reg, vgID := newTestEngine(t)
	stream := &model.StreamTable{
		NormalTable: model.NormalTable{
			Header:     model.Header{TableID: "acct1.db1.stream1", Kind: model.Stream},
			VgID:       vgID,
			NumColumns: 2,
			NextColID:  2,
			Schema:     []model.Column{{ColID: 0, Name: "ts"}, {ColID: 1, Name: "val"}},
		},
		SQL: "select * from t",
	}
	if err := reg.InsertCRow(model.CRow{Kind: model.Stream, Stream: stream}, catalog.Local); err != nil {
		t.Fatalf("InsertCRow: %v", err)
	}
	if err := eng.DropNormalColumn(stream.TableID, 1); err != nil {
		t.Fatalf("DropNormalColumn: %v", err)
	}
	row, _ := reg.GetNormalOrStream(stream.TableID)
	if row.Stream.NumColumns != 1 {
		t.Fatalf("NumColumns = %d, want 1", row.Stream.NumColumns)
	}
	if row.Stream.SQL != "select * from t" {
		t.Fatalf("SQL should be untouched by a column drop: %q", row.Stream.SQL)
	}
}
