// Package model holds the typed representations of super, child, normal and
// stream tables and the header fields they share.
package model

import "strings"

// Kind distinguishes the four table variants sharing one header shape.
type Kind uint8

const (
	Super Kind = iota
	Child
	Normal
	Stream
)

func (k Kind) String() string {
	switch k {
	case Super:
		return "super"
	case Child:
		return "child"
	case Normal:
		return "normal"
	case Stream:
		return "stream"
	default:
		return "unknown"
	}
}

const (
	MaxTableIDLen = 192
	MaxNameLen    = 64
	MaxTags       = 128
	MaxColumns    = 1024
	MaxVnodesPerVgroup = 3
)

// ColType enumerates the scalar column/tag types carried in a Schema entry.
type ColType uint8

const (
	TypeTimestamp ColType = iota + 1
	TypeBool
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeBinary
	TypeNChar
)

// Column is one (col_id, name, type, bytes) schema entry. Columns precede
// tags in a SuperTable's Schema slice (invariant in spec §3).
type Column struct {
	ColID uint16
	Name  string
	Type  ColType
	Bytes int32
}

// Header is the common prefix shared by every table variant.
type Header struct {
	TableID  string // dotted "acct.db.name", <= MaxTableIDLen bytes
	Kind     Kind
	RefCount int32
}

// Database returns the "acct.db" prefix of the table id.
func (h Header) Database() string {
	parts := strings.SplitN(h.TableID, ".", 3)
	if len(parts) < 2 {
		return h.TableID
	}
	return parts[0] + "." + parts[1]
}

// DisplayName strips the "acct.db." prefix, returning the substring after
// the second '.' separator (spec §4.3 extract_display_name).
func DisplayName(tableID string) string {
	parts := strings.SplitN(tableID, ".", 3)
	if len(parts) < 3 {
		return tableID
	}
	return parts[2]
}

// SuperTable is the schema template shared by its children.
type SuperTable struct {
	Header
	CreatedTimeMs  int64
	UID            uint64
	SchemaVersion  int32
	NumColumns     int32
	NumTags        int32
	NextColID      uint16
	Schema         []Column // len == NumColumns+NumTags, columns before tags
	ChildCount     int32
}

// Columns returns the column-only slice (excludes tags).
func (s *SuperTable) Columns() []Column {
	return s.Schema[:s.NumColumns]
}

// Tags returns the tag-only slice.
func (s *SuperTable) Tags() []Column {
	return s.Schema[s.NumColumns:]
}

// NameIndex returns the index of a column/tag by case-insensitive name, or
// -1 if not present.
func (s *SuperTable) NameIndex(name string) int {
	for i, c := range s.Schema {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// ChildTable is an instance of a SuperTable with its tag values stored at
// the data node. It carries only a weak (by-id) reference to its super.
type ChildTable struct {
	Header
	CreatedTimeMs int64
	UID           uint64
	VgID          int32
	Sid           int32
	SuperTableID  string
}

// NormalTable owns its own schema; it has no super table.
type NormalTable struct {
	Header
	CreatedTimeMs int64
	UID           uint64
	VgID          int32
	Sid           int32
	SchemaVersion int32
	NumColumns    int32
	NextColID     uint16
	Schema        []Column
}

// NameIndex returns the index of a column by case-insensitive name, or -1.
func (n *NormalTable) NameIndex(name string) int {
	for i, c := range n.Schema {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// StreamTable is a NormalTable that additionally carries the SQL text of
// the continuous query it defines.
type StreamTable struct {
	NormalTable
	SQL string // non-empty; SQLLen on the wire includes the terminating NUL
}

// CatalogKey identifies the row's slot in the stables catalog store.
func (s *SuperTable) CatalogKey() string { return s.TableID }

// CRow is the tagged-variant row stored in the ctables catalog store:
// Child, Normal and Stream tables share one store, distinguished by Kind
// (spec §4.2, §9 "Heterogeneous rows sharing a store"). Exactly one of
// Child/Normal/Stream is non-nil, matching Kind.
type CRow struct {
	Kind   Kind
	Child  *ChildTable
	Normal *NormalTable
	Stream *StreamTable
}

// CatalogKey identifies the row's slot in the ctables catalog store.
func (r CRow) CatalogKey() string {
	switch r.Kind {
	case Child:
		return r.Child.TableID
	case Normal:
		return r.Normal.TableID
	case Stream:
		return r.Stream.TableID
	default:
		return ""
	}
}

// RowHeader returns the common header of whichever variant is populated.
func (r CRow) RowHeader() Header {
	switch r.Kind {
	case Child:
		return r.Child.Header
	case Normal:
		return r.Normal.Header
	case Stream:
		return r.Stream.Header
	default:
		return Header{}
	}
}

// VgSid returns the (vgroup id, slot id) pair for whichever variant is
// populated.
func (r CRow) VgSid() (vgID, sid int32) {
	switch r.Kind {
	case Child:
		return r.Child.VgID, r.Child.Sid
	case Normal:
		return r.Normal.VgID, r.Normal.Sid
	case Stream:
		return r.Stream.VgID, r.Stream.Sid
	default:
		return 0, 0
	}
}

// RowUID returns the uid for whichever variant is populated.
func (r CRow) RowUID() uint64 {
	switch r.Kind {
	case Child:
		return r.Child.UID
	case Normal:
		return r.Normal.UID
	case Stream:
		return r.Stream.UID
	default:
		return 0
	}
}

// SuperUID packs a Super's uid from its creation time and the catalog
// version in effect when it was created (spec §3).
func SuperUID(createdTimeMs int64, catalogVersion uint16) uint64 {
	return uint64(createdTimeMs)<<16 | uint64(catalogVersion)
}

// ChildUID packs a Child's uid from its vgroup id, its slot id and the
// catalog version in effect when it was created (spec §3).
func ChildUID(vgID int32, sid int32, catalogVersion uint16) uint64 {
	return uint64(uint32(vgID))<<40 | uint64(uint16(sid))<<16 | uint64(catalogVersion)
}

// NormalUID packs a Normal/Stream uid the same way a Super's is packed.
func NormalUID(createdTimeMs int64, catalogVersion uint16) uint64 {
	return SuperUID(createdTimeMs, catalogVersion)
}
