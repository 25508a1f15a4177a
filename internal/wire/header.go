// Package wire implements the binary encode/decode contracts for catalog
// rows (spec §4.1) and for the client- and data-node-facing messages
// (spec §6). All multi-byte integers are network byte order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tsdbcore/mnode/internal/model"
)

// ErrShortBuffer is returned by Decode* functions given too few bytes.
var ErrShortBuffer = errors.New("wire: short buffer")

const (
	nameFieldLen    = 64
	tableIDFieldLen = model.MaxTableIDLen

	schemaEntrySize = 2 + 1 + 4 + nameFieldLen // col_id, type, bytes, name

	headerSize = tableIDFieldLen + 1 + 4 // table_id, kind, ref_count

	superFixedSize  = headerSize + 8 + 8 + 4 + 4 + 4 + 2 + 4      // +created,uid,sver,ncols,ntags,nextcol,childcount
	childFixedSize  = headerSize + 8 + 8 + 4 + 4 + tableIDFieldLen // +created,uid,vgid,sid,supertableid
	normalFixedSize = headerSize + 8 + 8 + 4 + 4 + 4 + 4 + 2       // +created,uid,vgid,sid,sver,ncols,nextcol
)

func putFixedString(dst []byte, s string, n int) error {
	if len(s) > n {
		return fmt.Errorf("wire: string %q exceeds field width %d", s, n)
	}
	clear(dst[:n])
	copy(dst, s)
	return nil
}

func getFixedString(src []byte) string {
	i := 0
	for i < len(src) && src[i] != 0 {
		i++
	}
	return string(src[:i])
}

// EncodeHeader writes h into dst[0:headerSize].
func EncodeHeader(dst []byte, h model.Header) error {
	if len(dst) < headerSize {
		return ErrShortBuffer
	}
	if err := putFixedString(dst[0:tableIDFieldLen], h.TableID, tableIDFieldLen); err != nil {
		return err
	}
	dst[tableIDFieldLen] = byte(h.Kind)
	binary.BigEndian.PutUint32(dst[tableIDFieldLen+1:], uint32(h.RefCount))
	return nil
}

// DecodeHeader reads a Header from src[0:headerSize].
func DecodeHeader(src []byte) (model.Header, error) {
	if len(src) < headerSize {
		return model.Header{}, ErrShortBuffer
	}
	return model.Header{
		TableID:  getFixedString(src[0:tableIDFieldLen]),
		Kind:     model.Kind(src[tableIDFieldLen]),
		RefCount: int32(binary.BigEndian.Uint32(src[tableIDFieldLen+1:])),
	}, nil
}

// EncodeSchemaEntry writes one column/tag descriptor.
func EncodeSchemaEntry(dst []byte, c model.Column) error {
	if len(dst) < schemaEntrySize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint16(dst[0:], c.ColID)
	dst[2] = byte(c.Type)
	binary.BigEndian.PutUint32(dst[3:], uint32(c.Bytes))
	return putFixedString(dst[7:7+nameFieldLen], c.Name, nameFieldLen)
}

// DecodeSchemaEntry reads one column/tag descriptor.
func DecodeSchemaEntry(src []byte) (model.Column, error) {
	if len(src) < schemaEntrySize {
		return model.Column{}, ErrShortBuffer
	}
	return model.Column{
		ColID: binary.BigEndian.Uint16(src[0:]),
		Type:  model.ColType(src[2]),
		Bytes: int32(binary.BigEndian.Uint32(src[3:])),
		Name:  getFixedString(src[7 : 7+nameFieldLen]),
	}, nil
}

func encodeSchemaBlock(dst []byte, cols []model.Column) error {
	off := 0
	for _, c := range cols {
		if err := EncodeSchemaEntry(dst[off:], c); err != nil {
			return err
		}
		off += schemaEntrySize
	}
	return nil
}

func decodeSchemaBlock(src []byte, n int) ([]model.Column, error) {
	if len(src) < n*schemaEntrySize {
		return nil, ErrShortBuffer
	}
	out := make([]model.Column, n)
	off := 0
	for i := 0; i < n; i++ {
		c, err := DecodeSchemaEntry(src[off:])
		if err != nil {
			return nil, err
		}
		out[i] = c
		off += schemaEntrySize
	}
	return out, nil
}
