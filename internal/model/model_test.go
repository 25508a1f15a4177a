package model

import "testing"

func TestHeader_Database(t *testing.T) {
	h := Header{TableID: "acct1.db1.mytable"}
	if got := h.Database(); got != "acct1.db1" {
		t.Fatalf("Database() = %q, want %q", got, "acct1.db1")
	}
}

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"acct1.db1.mytable": "mytable",
		"acct1.db1":         "acct1.db1",
		"justatable":        "justatable",
	}
	for in, want := range cases {
		if got := DisplayName(in); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSuperTable_ColumnsAndTags(t *testing.T) {
	s := &SuperTable{
		NumColumns: 2,
		NumTags:    1,
		Schema: []Column{
			{Name: "ts", Type: TypeTimestamp},
			{Name: "val", Type: TypeDouble},
			{Name: "loc", Type: TypeBinary},
		},
	}
	cols := s.Columns()
	if len(cols) != 2 || cols[0].Name != "ts" || cols[1].Name != "val" {
		t.Fatalf("Columns() = %+v", cols)
	}
	tags := s.Tags()
	if len(tags) != 1 || tags[0].Name != "loc" {
		t.Fatalf("Tags() = %+v", tags)
	}
}

func TestSuperTable_NameIndex(t *testing.T) {
	s := &SuperTable{Schema: []Column{{Name: "Ts"}, {Name: "Val"}}}
	if idx := s.NameIndex("val"); idx != 1 {
		t.Fatalf("NameIndex case-insensitive = %d, want 1", idx)
	}
	if idx := s.NameIndex("missing"); idx != -1 {
		t.Fatalf("NameIndex missing = %d, want -1", idx)
	}
}

func TestCRow_CatalogKeyAndAccessors(t *testing.T) {
	child := &ChildTable{Header: Header{TableID: "a.b.c", Kind: Child}, UID: 42, VgID: 3, Sid: 7}
	row := CRow{Kind: Child, Child: child}

	if row.CatalogKey() != "a.b.c" {
		t.Fatalf("CatalogKey() = %q", row.CatalogKey())
	}
	if row.RowHeader().TableID != "a.b.c" {
		t.Fatalf("RowHeader() = %+v", row.RowHeader())
	}
	vg, sid := row.VgSid()
	if vg != 3 || sid != 7 {
		t.Fatalf("VgSid() = (%d,%d), want (3,7)", vg, sid)
	}
	if row.RowUID() != 42 {
		t.Fatalf("RowUID() = %d, want 42", row.RowUID())
	}
}

func TestCRow_ZeroValueIsInert(t *testing.T) {
	var row CRow
	if row.CatalogKey() != "" {
		t.Fatalf("zero CRow CatalogKey() = %q, want empty", row.CatalogKey())
	}
	if row.RowUID() != 0 {
		t.Fatalf("zero CRow RowUID() = %d, want 0", row.RowUID())
	}
}

func TestUIDPacking_Distinct(t *testing.T) {
	a := SuperUID(1000, 1)
	b := SuperUID(1000, 2)
	if a == b {
		t.Fatalf("SuperUID should vary with catalog version: %d == %d", a, b)
	}
	c := ChildUID(5, 9, 1)
	d := ChildUID(5, 10, 1)
	if c == d {
		t.Fatalf("ChildUID should vary with sid: %d == %d", c, d)
	}
	if NormalUID(1000, 1) != SuperUID(1000, 1) {
		t.Fatalf("NormalUID should pack identically to SuperUID")
	}
}
