package wire

import (
	"encoding/binary"

	"github.com/tsdbcore/mnode/internal/model"
)

// VnodePeer describes one replica of a table's vgroup, as seen by a client.
type VnodePeer struct {
	IP         [16]byte // IPv4-mapped or IPv6, chosen public/private per client (spec §4.6)
	VnodeIndex uint8
}

// TableMeta is the per-table response body described in spec §4.6.
type TableMeta struct {
	UID           uint64
	Sid           int32
	VgID          int32
	Precision     uint8
	Kind          model.Kind
	SchemaVersion int32
	NumColumns    int32
	NumTags       int32
	Schema        []model.Column
	StableID      string // only meaningful for Kind == Child
	Peers         []VnodePeer
}

// tableMetaFixedSize is everything in a TableMeta before its variable
// Schema/Peers blocks.
const tableMetaFixedSize = 8 + 4 + 4 + 1 + 1 + 4 + 4 + 4 + tableIDFieldLen + 1

// EncodeTableMeta serializes t. For a Child, the caller passes the
// resolved super's schema with NumTags forced to 0 (tags live at the data
// node, spec §4.6 "For a Child the super's schema is inlined with
// num_tags=0").
func EncodeTableMeta(t *TableMeta) []byte {
	size := tableMetaFixedSize + len(t.Schema)*schemaEntrySize + len(t.Peers)*(16+1)
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], t.UID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(t.Sid))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(t.VgID))
	off += 4
	buf[off] = t.Precision
	off++
	buf[off] = byte(t.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(t.SchemaVersion))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(t.NumColumns))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(t.NumTags))
	off += 4
	_ = putFixedString(buf[off:off+tableIDFieldLen], t.StableID, tableIDFieldLen)
	off += tableIDFieldLen
	buf[off] = byte(len(t.Peers))
	off++
	for _, c := range t.Schema {
		_ = EncodeSchemaEntry(buf[off:], c)
		off += schemaEntrySize
	}
	for _, p := range t.Peers {
		copy(buf[off:off+16], p.IP[:])
		buf[off+16] = p.VnodeIndex
		off += 17
	}
	return buf
}

// DecodeTableMeta is the inverse of EncodeTableMeta.
func DecodeTableMeta(buf []byte) (*TableMeta, int, error) {
	if len(buf) < tableMetaFixedSize {
		return nil, 0, ErrShortBuffer
	}
	t := &TableMeta{}
	off := 0
	t.UID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	t.Sid = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	t.VgID = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	t.Precision = buf[off]
	off++
	t.Kind = model.Kind(buf[off])
	off++
	t.SchemaVersion = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	t.NumColumns = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	t.NumTags = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	t.StableID = getFixedString(buf[off : off+tableIDFieldLen])
	off += tableIDFieldLen
	numPeers := int(buf[off])
	off++

	n := int(t.NumColumns + t.NumTags)
	cols, err := decodeSchemaBlock(buf[off:], n)
	if err != nil {
		return nil, 0, err
	}
	t.Schema = cols
	off += n * schemaEntrySize

	if len(buf) < off+numPeers*17 {
		return nil, 0, ErrShortBuffer
	}
	t.Peers = make([]VnodePeer, numPeers)
	for i := 0; i < numPeers; i++ {
		copy(t.Peers[i].IP[:], buf[off:off+16])
		t.Peers[i].VnodeIndex = buf[off+16]
		off += 17
	}
	return t, off, nil
}

// initialMultiTableMetaCapacity is the starting buffer size mandated by
// spec §4.6 / §9 (open question (c) resolved in favor of growth).
const initialMultiTableMetaCapacity = 4 << 20 // 4 MiB

// MultiTableMetaBuilder assembles a MultiTableMeta response by concatenating
// per-table TableMeta blocks, doubling its buffer when a block would not
// fit so that no partial response is ever observable.
type MultiTableMetaBuilder struct {
	buf   []byte
	count uint32
}

func NewMultiTableMetaBuilder() *MultiTableMetaBuilder {
	return &MultiTableMetaBuilder{buf: make([]byte, 0, initialMultiTableMetaCapacity)}
}

// Add appends one table's encoded TableMeta, growing the buffer as needed.
func (b *MultiTableMetaBuilder) Add(t *TableMeta) {
	block := EncodeTableMeta(t)
	needed := len(b.buf) + len(block)
	if cap(b.buf) < needed {
		newCap := cap(b.buf)
		if newCap == 0 {
			newCap = initialMultiTableMetaCapacity
		}
		for newCap < needed {
			newCap *= 2
		}
		grown := make([]byte, len(b.buf), newCap)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.buf = append(b.buf, block...)
	b.count++
}

// Count reports how many tables have been appended so far.
func (b *MultiTableMetaBuilder) Count() uint32 { return b.count }

// Bytes returns the encoded "numOfTables (4 bytes) | blocks..." buffer.
func (b *MultiTableMetaBuilder) Bytes() []byte {
	out := make([]byte, 4+len(b.buf))
	binary.BigEndian.PutUint32(out, b.count)
	copy(out[4:], b.buf)
	return out
}
