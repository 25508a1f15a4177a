package wire

import (
	"fmt"

	"github.com/tsdbcore/mnode/internal/model"
)

// EncodeCRow encodes whichever variant of model.CRow is populated,
// dispatching on its Kind tag (spec §4.2, §9).
func EncodeCRow(r model.CRow) ([]byte, error) {
	switch r.Kind {
	case model.Child:
		return EncodeChild(r.Child)
	case model.Normal:
		return EncodeNormal(r.Normal, "")
	case model.Stream:
		return EncodeNormal(&r.Stream.NormalTable, r.Stream.SQL)
	default:
		return nil, fmt.Errorf("wire: unknown ctables kind %d", r.Kind)
	}
}

// DecodeCRow reads the Kind byte embedded in the common header and
// dispatches to the matching variant decoder.
func DecodeCRow(buf []byte) (model.CRow, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return model.CRow{}, err
	}
	switch h.Kind {
	case model.Child:
		c, err := DecodeChild(buf)
		if err != nil {
			return model.CRow{}, err
		}
		return model.CRow{Kind: model.Child, Child: c}, nil
	case model.Normal:
		n, _, err := DecodeNormal(buf)
		if err != nil {
			return model.CRow{}, err
		}
		return model.CRow{Kind: model.Normal, Normal: n}, nil
	case model.Stream:
		n, sql, err := DecodeNormal(buf)
		if err != nil {
			return model.CRow{}, err
		}
		return model.CRow{Kind: model.Stream, Stream: &model.StreamTable{NormalTable: *n, SQL: sql}}, nil
	default:
		return model.CRow{}, fmt.Errorf("wire: unknown ctables kind byte %d", h.Kind)
	}
}
