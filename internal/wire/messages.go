package wire

import (
	"encoding/binary"

	"github.com/tsdbcore/mnode/internal/model"
)

// MsgKind identifies an inbound message kind routed by the dispatcher
// (spec §4.8, §6).
type MsgKind uint8

const (
	// Client-facing request kinds.
	MsgCreateTable MsgKind = iota + 1
	MsgDropTable
	MsgAlterTable
	MsgTableMeta
	MsgMultiTableMeta
	MsgSuperTableVgroup
	MsgShowMetaStable
	MsgShowMetaTable
	MsgShowRetrieveStable
	MsgShowRetrieveTable

	// Peer (data-node) response kinds.
	MsgCreateTableRsp
	MsgDropTableRsp
	MsgAlterTableRsp
	MsgDropStableRsp
	MsgTableConfig
)

// AlterType enumerates the mutation kinds carried by AlterTable (spec §6).
type AlterType uint8

const (
	AlterAddTag AlterType = iota + 1
	AlterDropTag
	AlterRenameTag
	AlterAddCol
	AlterDropCol
	AlterUpdateTagVal
)

// CreateTableReq is the client-facing CreateTable request.
type CreateTableReq struct {
	TableID      string
	DB           string
	SuperTableID string // Child only: the super this child instantiates
	NumColumns   int32
	NumTags      int32
	Schema       []model.Column // columns first, then tags (for Normal/Stream/Super)
	TagPayload   []byte         // Child only: tag values, opaque to the catalog
	SQL          string         // Stream only
	IgExists     bool
}

// DropTableReq is the client-facing DropTable request.
type DropTableReq struct {
	TableID    string
	IgNotExists bool
}

// AlterTableReq is the client-facing AlterTable request.
type AlterTableReq struct {
	TableID string
	Type    AlterType
	Schema  [2]model.Column // index 0 valid for add/drop/rename-old, 1 for rename-new
	TagVal  []byte
}

// TableInfoReq requests meta for a single table, optionally synthesizing a
// create on a cache miss (spec §4.5 "On-demand child creation").
type TableInfoReq struct {
	TableID    string
	CreateFlag bool
	Tags       []byte
}

// MultiTableInfoReq requests meta for many tables in one round trip.
type MultiTableInfoReq struct {
	TableIDs []string
}

// MDCreateTable is the mgmt -> data-node request driving phase two of table
// creation (spec §6).
type MDCreateTable struct {
	TableID       string
	VgID          int32
	Kind          model.Kind
	CreatedTimeMs int64
	Sid           int32
	SchemaVersion int32
	UID           uint64
	SuperTableUID uint64
	SuperTableID  string
	NumColumns    int32
	NumTags       int32
	Schema        []model.Column
	TagPayload    []byte
	SQL           string
}

const mdCreateTableFixedSize = tableIDFieldLen + 4 + 1 + 8 + 4 + 4 + 8 + 8 + tableIDFieldLen + 4 + 4 + 4 + 4

// EncodeMDCreateTable serializes m for transmission to the owning data node.
func EncodeMDCreateTable(m *MDCreateTable) []byte {
	tagPayload := m.TagPayload
	sqlBytes := []byte(m.SQL)
	total := mdCreateTableFixedSize + len(m.Schema)*schemaEntrySize + len(tagPayload) + len(sqlBytes)
	buf := make([]byte, total)
	off := 0
	_ = putFixedString(buf[off:off+tableIDFieldLen], m.TableID, tableIDFieldLen)
	off += tableIDFieldLen
	binary.BigEndian.PutUint32(buf[off:], uint32(m.VgID))
	off += 4
	buf[off] = byte(m.Kind)
	off++
	binary.BigEndian.PutUint64(buf[off:], uint64(m.CreatedTimeMs))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(m.Sid))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(m.SchemaVersion))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], m.UID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], m.SuperTableUID)
	off += 8
	_ = putFixedString(buf[off:off+tableIDFieldLen], m.SuperTableID, tableIDFieldLen)
	off += tableIDFieldLen
	binary.BigEndian.PutUint32(buf[off:], uint32(m.NumColumns))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(m.NumTags))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(tagPayload)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(sqlBytes)))
	off += 4
	for _, c := range m.Schema {
		_ = EncodeSchemaEntry(buf[off:], c)
		off += schemaEntrySize
	}
	off += copy(buf[off:], tagPayload)
	copy(buf[off:], sqlBytes)
	return buf
}

// DecodeMDCreateTable is the inverse of EncodeMDCreateTable.
func DecodeMDCreateTable(buf []byte) (*MDCreateTable, error) {
	if len(buf) < mdCreateTableFixedSize {
		return nil, ErrShortBuffer
	}
	m := &MDCreateTable{}
	off := 0
	m.TableID = getFixedString(buf[off : off+tableIDFieldLen])
	off += tableIDFieldLen
	m.VgID = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.Kind = model.Kind(buf[off])
	off++
	m.CreatedTimeMs = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	m.Sid = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.SchemaVersion = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.UID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.SuperTableUID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.SuperTableID = getFixedString(buf[off : off+tableIDFieldLen])
	off += tableIDFieldLen
	m.NumColumns = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.NumTags = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	tagLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	sqlLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4

	n := int(m.NumColumns + m.NumTags)
	cols, err := decodeSchemaBlock(buf[off:], n)
	if err != nil {
		return nil, err
	}
	m.Schema = cols
	off += n * schemaEntrySize

	if len(buf) < off+tagLen+sqlLen {
		return nil, ErrShortBuffer
	}
	if tagLen > 0 {
		m.TagPayload = append([]byte(nil), buf[off:off+tagLen]...)
	}
	off += tagLen
	if sqlLen > 0 {
		m.SQL = string(buf[off : off+sqlLen])
	}
	return m, nil
}

// MDDropTable is the mgmt -> data-node request driving phase two of table
// removal (spec §6).
type MDDropTable struct {
	TableID string
	VgID    int32
	Sid     int32
	UID     uint64
}

const mdDropTableSize = tableIDFieldLen + 4 + 4 + 8

func EncodeMDDropTable(m *MDDropTable) []byte {
	buf := make([]byte, mdDropTableSize)
	off := 0
	_ = putFixedString(buf[off:off+tableIDFieldLen], m.TableID, tableIDFieldLen)
	off += tableIDFieldLen
	binary.BigEndian.PutUint32(buf[off:], uint32(m.VgID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(m.Sid))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], m.UID)
	return buf
}

func DecodeMDDropTable(buf []byte) (*MDDropTable, error) {
	if len(buf) < mdDropTableSize {
		return nil, ErrShortBuffer
	}
	m := &MDDropTable{}
	off := 0
	m.TableID = getFixedString(buf[off : off+tableIDFieldLen])
	off += tableIDFieldLen
	m.VgID = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.Sid = int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	m.UID = binary.BigEndian.Uint64(buf[off:])
	return m, nil
}
