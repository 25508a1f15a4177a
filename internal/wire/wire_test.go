package wire

import (
	"reflect"
	"testing"

	"github.com/tsdbcore/mnode/internal/model"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := model.Header{TableID: "acct.db.super1", Kind: model.Super, RefCount: 3}
	buf := make([]byte, headerSize)
	if err := EncodeHeader(buf, h); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestSuperRoundTrip(t *testing.T) {
	s := &model.SuperTable{
		Header:        model.Header{TableID: "acct.db.super1", Kind: model.Super, RefCount: 1},
		CreatedTimeMs: 1700000000000,
		UID:           model.SuperUID(1700000000000, 1),
		SchemaVersion: 2,
		NumColumns:    2,
		NumTags:       2,
		NextColID:     4,
		ChildCount:    5,
		Schema: []model.Column{
			{ColID: 0, Name: "ts", Type: model.TypeTimestamp},
			{ColID: 1, Name: "val", Type: model.TypeDouble},
			{ColID: 2, Name: "loc", Type: model.TypeBinary, Bytes: 32},
			{ColID: 3, Name: "grp", Type: model.TypeInt},
		},
	}

	buf, err := EncodeSuper(s)
	if err != nil {
		t.Fatalf("EncodeSuper: %v", err)
	}
	if len(buf) != EncodedSuperSize(len(s.Schema)) {
		t.Fatalf("encoded size = %d, want %d", len(buf), EncodedSuperSize(len(s.Schema)))
	}

	got, err := DecodeSuper(buf)
	if err != nil {
		t.Fatalf("DecodeSuper: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, s)
	}
}

func TestChildRoundTrip(t *testing.T) {
	c := &model.ChildTable{
		Header:        model.Header{TableID: "acct.db.child1", Kind: model.Child, RefCount: 0},
		CreatedTimeMs: 1700000001000,
		UID:           model.ChildUID(1, 2, 1),
		VgID:          1,
		Sid:           2,
		SuperTableID:  "acct.db.super1",
	}
	buf, err := EncodeChild(c)
	if err != nil {
		t.Fatalf("EncodeChild: %v", err)
	}
	got, err := DecodeChild(buf)
	if err != nil {
		t.Fatalf("DecodeChild: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, c)
	}
}

func TestNormalRoundTrip(t *testing.T) {
	n := &model.NormalTable{
		Header:        model.Header{TableID: "acct.db.normal1", Kind: model.Normal},
		CreatedTimeMs: 1700000002000,
		UID:           model.NormalUID(1700000002000, 1),
		VgID:          1,
		Sid:           3,
		SchemaVersion: 1,
		NumColumns:    2,
		NextColID:     2,
		Schema: []model.Column{
			{ColID: 0, Name: "ts", Type: model.TypeTimestamp},
			{ColID: 1, Name: "val", Type: model.TypeFloat},
		},
	}
	buf, err := EncodeNormal(n, "")
	if err != nil {
		t.Fatalf("EncodeNormal: %v", err)
	}
	got, sql, err := DecodeNormal(buf)
	if err != nil {
		t.Fatalf("DecodeNormal: %v", err)
	}
	if sql != "" {
		t.Fatalf("sql = %q, want empty", sql)
	}
	if !reflect.DeepEqual(got, n) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, n)
	}
}

func TestStreamRoundTripViaCRow(t *testing.T) {
	stream := &model.StreamTable{
		NormalTable: model.NormalTable{
			Header:        model.Header{TableID: "acct.db.stream1", Kind: model.Stream},
			CreatedTimeMs: 1700000003000,
			UID:           model.NormalUID(1700000003000, 1),
			VgID:          1,
			Sid:           4,
			NumColumns:    1,
			NextColID:     1,
			Schema:        []model.Column{{ColID: 0, Name: "ts", Type: model.TypeTimestamp}},
		},
		SQL: "select count(*) from t interval(1m)",
	}
	row := model.CRow{Kind: model.Stream, Stream: stream}

	buf, err := EncodeCRow(row)
	if err != nil {
		t.Fatalf("EncodeCRow: %v", err)
	}
	got, err := DecodeCRow(buf)
	if err != nil {
		t.Fatalf("DecodeCRow: %v", err)
	}
	if got.Kind != model.Stream {
		t.Fatalf("Kind = %v, want Stream", got.Kind)
	}
	if got.Stream.SQL != stream.SQL {
		t.Fatalf("SQL = %q, want %q", got.Stream.SQL, stream.SQL)
	}
	if !reflect.DeepEqual(got.Stream, stream) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got.Stream, stream)
	}
}

func TestDecodeCRow_DispatchesByKind(t *testing.T) {
	child := &model.ChildTable{Header: model.Header{TableID: "a.b.c", Kind: model.Child}, SuperTableID: "a.b.s"}
	buf, err := EncodeCRow(model.CRow{Kind: model.Child, Child: child})
	if err != nil {
		t.Fatalf("EncodeCRow: %v", err)
	}
	got, err := DecodeCRow(buf)
	if err != nil {
		t.Fatalf("DecodeCRow: %v", err)
	}
	if got.Kind != model.Child || got.Child.SuperTableID != "a.b.s" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 2)); err != ErrShortBuffer {
		t.Fatalf("DecodeHeader short buffer: got %v, want ErrShortBuffer", err)
	}
	if _, err := DecodeSuper(make([]byte, 2)); err != ErrShortBuffer {
		t.Fatalf("DecodeSuper short buffer: got %v, want ErrShortBuffer", err)
	}
}

func TestMultiTableMetaBuilder_CountsAndConcatenates(t *testing.T) {
	b := NewMultiTableMetaBuilder()
	peers := []VnodePeer{{IP: [16]byte{1}, VnodeIndex: 0}}
	for i := 0; i < 3; i++ {
		b.Add(&TableMeta{
			UID:   uint64(i),
			Sid:   int32(i),
			VgID:  1,
			Kind:  model.Normal,
			Peers: peers,
		})
	}
	if b.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", b.Count())
	}
	out := b.Bytes()
	if len(out) < 4 {
		t.Fatalf("Bytes() too short: %d", len(out))
	}
}

func TestMultiTableMetaBuilder_BufferDoublesPastInitialCapacity(t *testing.T) {
	b := &MultiTableMetaBuilder{buf: make([]byte, 0, 8)}
	t1 := &TableMeta{Kind: model.Normal}
	before := cap(b.buf)
	b.Add(t1)
	if cap(b.buf) <= before {
		t.Fatalf("expected buffer to grow past initial tiny capacity, cap=%d", cap(b.buf))
	}
}

func TestTableMetaRoundTrip_ChildInlinesColumnsOnlyWithZeroTags(t *testing.T) {
	child := &TableMeta{
		UID: 42, Sid: 3, VgID: 1, Kind: model.Child, StableID: "acct1.db1.super1",
		SchemaVersion: 3, NumColumns: 1, NumTags: 0,
		Schema: []model.Column{{Name: "val", Type: model.TypeDouble}},
		Peers:  []VnodePeer{{IP: [16]byte{1}, VnodeIndex: 0}},
	}
	buf := EncodeTableMeta(child)
	got, n, err := DecodeTableMeta(buf)
	if err != nil {
		t.Fatalf("DecodeTableMeta: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("decoded length = %d, want %d (consume the whole block)", n, len(buf))
	}
	if len(got.Schema) != 1 || got.Schema[0].Name != "val" {
		t.Fatalf("Schema = %+v, want one column entry", got.Schema)
	}
	if len(got.Peers) != 1 || got.Peers[0].VnodeIndex != 0 {
		t.Fatalf("Peers desynced: %+v", got.Peers)
	}
}

func TestTableMetaRoundTrip_MultiTableMetaDoesNotDesyncAcrossBlocks(t *testing.T) {
	child := &TableMeta{
		Kind: model.Child, StableID: "acct1.db1.super1",
		NumColumns: 1, NumTags: 0,
		Schema: []model.Column{{Name: "val"}},
	}
	normal := &TableMeta{
		Kind: model.Normal, UID: 7,
		NumColumns: 2, NumTags: 0,
		Schema: []model.Column{{Name: "ts"}, {Name: "v"}},
	}
	b := NewMultiTableMetaBuilder()
	b.Add(child)
	b.Add(normal)
	out := b.Bytes()

	off := 4
	got1, n1, err := DecodeTableMeta(out[off:])
	if err != nil {
		t.Fatalf("decode first block: %v", err)
	}
	off += n1
	got2, _, err := DecodeTableMeta(out[off:])
	if err != nil {
		t.Fatalf("decode second block: %v", err)
	}
	if got1.Kind != model.Child || len(got1.Schema) != 1 {
		t.Fatalf("first block corrupted: %+v", got1)
	}
	if got2.Kind != model.Normal || got2.UID != 7 || len(got2.Schema) != 2 {
		t.Fatalf("second block desynced by the first: %+v", got2)
	}
}
