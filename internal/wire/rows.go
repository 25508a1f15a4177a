package wire

import (
	"encoding/binary"

	"github.com/tsdbcore/mnode/internal/model"
)

// SuperUpdatePrefixSize is the contiguous fixed-header byte range of a
// super-table row eligible for in-place catalog-store update; the
// variable-length schema block that follows it is never updated in place.
const SuperUpdatePrefixSize = superFixedSize

// ChildUpdatePrefixSize is the entire child row; children have no
// variable-length tail.
const ChildUpdatePrefixSize = childFixedSize

// NormalUpdatePrefixSize is the fixed-header byte range of a normal/stream
// row, preceding its schema block and (for streams) its sql text.
const NormalUpdatePrefixSize = normalFixedSize

// EncodedSuperSize returns the total row size for a super table with n
// schema entries (columns + tags).
func EncodedSuperSize(n int) int { return superFixedSize + n*schemaEntrySize }

// EncodeSuper encodes a super-table row per spec §4.1:
// [fixed_header_bytes | schema_bytes].
func EncodeSuper(s *model.SuperTable) ([]byte, error) {
	buf := make([]byte, EncodedSuperSize(len(s.Schema)))
	if err := EncodeHeader(buf, s.Header); err != nil {
		return nil, err
	}
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], uint64(s.CreatedTimeMs))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], s.UID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(s.SchemaVersion))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(s.NumColumns))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(s.NumTags))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], s.NextColID)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], uint32(s.ChildCount))
	off += 4
	if off != superFixedSize {
		panic("wire: super fixed-size layout mismatch")
	}
	if err := encodeSchemaBlock(buf[off:], s.Schema); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeSuper is the inverse of EncodeSuper, invoked by the catalog store
// during replay for every persisted stables row.
func DecodeSuper(buf []byte) (*model.SuperTable, error) {
	if len(buf) < superFixedSize {
		return nil, ErrShortBuffer
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	off := headerSize
	s := &model.SuperTable{Header: h}
	s.CreatedTimeMs = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	s.UID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	s.SchemaVersion = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	s.NumColumns = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	s.NumTags = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	s.NextColID = binary.BigEndian.Uint16(buf[off:])
	off += 2
	s.ChildCount = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	n := int(s.NumColumns + s.NumTags)
	cols, err := decodeSchemaBlock(buf[off:], n)
	if err != nil {
		return nil, err
	}
	s.Schema = cols
	return s, nil
}

// EncodeChild encodes a child-table row: fixed_header_bytes only (spec
// §4.1) — the schema resolves via SuperTableID, never stored with the row.
func EncodeChild(c *model.ChildTable) ([]byte, error) {
	buf := make([]byte, childFixedSize)
	if err := EncodeHeader(buf, c.Header); err != nil {
		return nil, err
	}
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], uint64(c.CreatedTimeMs))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], c.UID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(c.VgID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(c.Sid))
	off += 4
	if err := putFixedString(buf[off:off+tableIDFieldLen], c.SuperTableID, tableIDFieldLen); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeChild is the inverse of EncodeChild.
func DecodeChild(buf []byte) (*model.ChildTable, error) {
	if len(buf) < childFixedSize {
		return nil, ErrShortBuffer
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	off := headerSize
	c := &model.ChildTable{Header: h}
	c.CreatedTimeMs = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	c.UID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	c.VgID = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	c.Sid = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	c.SuperTableID = getFixedString(buf[off : off+tableIDFieldLen])
	return c, nil
}

// EncodedNormalSize returns the total row size for a normal/stream table
// with n schema columns and a sql text of sqlLen bytes (0 for Normal).
func EncodedNormalSize(n int, sqlLen int) int {
	size := normalFixedSize + n*schemaEntrySize
	if sqlLen > 0 {
		size += 4 + sqlLen
	}
	return size
}

// EncodeNormal encodes a normal or stream row: [fixed_header_bytes |
// num_columns*schema_entry | sql_len bytes] (spec §4.1). sql is empty for
// Normal tables.
func EncodeNormal(n *model.NormalTable, sql string) ([]byte, error) {
	sqlLen := 0
	if sql != "" {
		sqlLen = len(sql) + 1 // terminating NUL included in sql_len
	}
	buf := make([]byte, EncodedNormalSize(len(n.Schema), sqlLen))
	if err := EncodeHeader(buf, n.Header); err != nil {
		return nil, err
	}
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], uint64(n.CreatedTimeMs))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], n.UID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(n.VgID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(n.Sid))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(n.SchemaVersion))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(n.NumColumns))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], n.NextColID)
	off += 2
	if off != normalFixedSize {
		panic("wire: normal fixed-size layout mismatch")
	}
	if err := encodeSchemaBlock(buf[off:], n.Schema); err != nil {
		return nil, err
	}
	off += len(n.Schema) * schemaEntrySize
	if sqlLen > 0 {
		binary.BigEndian.PutUint32(buf[off:], uint32(sqlLen))
		off += 4
		copy(buf[off:], sql)
		buf[off+len(sql)] = 0
	}
	return buf, nil
}

// DecodeNormal is the inverse of EncodeNormal. The returned sql is empty
// for a Normal table and non-empty for a Stream table.
func DecodeNormal(buf []byte) (*model.NormalTable, string, error) {
	if len(buf) < normalFixedSize {
		return nil, "", ErrShortBuffer
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, "", err
	}
	off := headerSize
	n := &model.NormalTable{Header: h}
	n.CreatedTimeMs = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	n.UID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	n.VgID = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	n.Sid = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	n.SchemaVersion = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	n.NumColumns = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	n.NextColID = binary.BigEndian.Uint16(buf[off:])
	off += 2
	cols, err := decodeSchemaBlock(buf[off:], int(n.NumColumns))
	if err != nil {
		return nil, "", err
	}
	n.Schema = cols
	off += int(n.NumColumns) * schemaEntrySize

	sql := ""
	if off < len(buf) {
		if off+4 > len(buf) {
			return nil, "", ErrShortBuffer
		}
		sqlLen := int(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		if sqlLen > 0 {
			if off+sqlLen > len(buf) {
				return nil, "", ErrShortBuffer
			}
			sql = getFixedString(buf[off : off+sqlLen])
		}
	}
	return n, sql, nil
}
