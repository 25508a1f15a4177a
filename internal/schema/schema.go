// Package schema implements the Schema Mutation Engine (spec §4.4):
// add/drop/rename column and tag operations on super and normal tables,
// with the invariant enforcement spec §3 requires (unique names, monotonic
// column ids, MAX_TAGS/MAX_COLUMNS bounds) and the account time-series
// counter adjustments that ride along with them.
package schema

import (
	"strings"

	"github.com/tsdbcore/mnode/internal/account"
	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/codes"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/registry"
)

// Engine mutates super- and normal-table schemas and keeps the account
// time-series counters (spec §3 invariant 8) in step with every change.
type Engine struct {
	reg    *registry.Registry
	accts  account.Directory
	grants *account.Memory
}

// New builds a mutation engine over reg, using grants both to resolve
// accounts and to commit the counter adjustments each mutation carries.
func New(reg *registry.Registry, grants *account.Memory) *Engine {
	return &Engine{reg: reg, accts: grants, grants: grants}
}

func nameExists(cols []model.Column, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func acctOfTable(tableID string) string {
	parts := strings.SplitN(tableID, ".", 2)
	return parts[0]
}

// AddTag appends one or more tags to a super table (spec §4.4 "Add
// tag(s)"). Rejects on MAX_TAGS overflow or a case-insensitive name
// collision. New tags get fresh monotonic column ids and the schema
// version is bumped once for the whole batch. If the super has children,
// the account time-series counter advances by len(tags)*ChildCount.
func (e *Engine) AddTag(tableID string, tags []model.Column) error {
	s, ok := e.reg.GetSuper(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	if int(s.NumTags)+len(tags) > model.MaxTags {
		return codes.New(codes.APP_ERROR, nil)
	}
	for _, t := range tags {
		if len(t.Name) > model.MaxNameLen {
			return codes.New(codes.APP_ERROR, nil)
		}
		if nameExists(s.Schema, t.Name) {
			return codes.New(codes.APP_ERROR, nil)
		}
	}

	next := make([]model.Column, len(s.Schema))
	copy(next, s.Schema)
	for _, t := range tags {
		t.ColID = s.NextColID
		s.NextColID++
		next = append(next, t)
	}
	s.Schema = next
	s.NumTags += int32(len(tags))
	s.SchemaVersion++

	if err := e.reg.UpdateSuper(s, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	if s.ChildCount > 0 {
		_ = e.grants.GrantAdd(acctOfTable(tableID), account.GrantTimeSeries, int64(len(tags))*int64(s.ChildCount))
	}
	return nil
}

// DropTag removes the tag at idx (relative to the tag block, not the full
// schema) from a super table. Index 0 is the primary tag and is never
// droppable (spec §9 open question (b): treated as undroppable here).
func (e *Engine) DropTag(tableID string, idx int) error {
	s, ok := e.reg.GetSuper(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	if idx == 0 {
		return codes.New(codes.APP_ERROR, nil)
	}
	if idx < 0 || idx >= int(s.NumTags) {
		return codes.New(codes.APP_ERROR, nil)
	}
	schemaIdx := int(s.NumColumns) + idx

	next := make([]model.Column, 0, len(s.Schema)-1)
	next = append(next, s.Schema[:schemaIdx]...)
	next = append(next, s.Schema[schemaIdx+1:]...)
	s.Schema = next
	s.NumTags--
	s.SchemaVersion++

	if err := e.reg.UpdateSuper(s, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	return nil
}

// RenameTag renames the tag at idx on a super table, rejecting if the new
// name is already taken or too long.
func (e *Engine) RenameTag(tableID string, idx int, newName string) error {
	s, ok := e.reg.GetSuper(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	if len(newName) > model.MaxNameLen {
		return codes.New(codes.APP_ERROR, nil)
	}
	if idx < 0 || idx >= int(s.NumTags) {
		return codes.New(codes.APP_ERROR, nil)
	}
	if nameExists(s.Schema, newName) {
		return codes.New(codes.APP_ERROR, nil)
	}
	schemaIdx := int(s.NumColumns) + idx
	s.Schema[schemaIdx].Name = newName
	s.SchemaVersion++

	if err := e.reg.UpdateSuper(s, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	return nil
}

// AddColumn appends one or more columns to a super table, inserted before
// the tag block so columns always precede tags in Schema (spec §3).
func (e *Engine) AddColumn(tableID string, cols []model.Column) error {
	s, ok := e.reg.GetSuper(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	if int(s.NumColumns)+len(cols)+int(s.NumTags) > model.MaxColumns {
		return codes.New(codes.APP_ERROR, nil)
	}
	for _, c := range cols {
		if len(c.Name) > model.MaxNameLen {
			return codes.New(codes.APP_ERROR, nil)
		}
		if nameExists(s.Schema, c.Name) {
			return codes.New(codes.APP_ERROR, nil)
		}
	}

	next := make([]model.Column, 0, len(s.Schema)+len(cols))
	next = append(next, s.Schema[:s.NumColumns]...)
	for _, c := range cols {
		c.ColID = s.NextColID
		s.NextColID++
		next = append(next, c)
	}
	next = append(next, s.Schema[s.NumColumns:]...)
	s.Schema = next
	s.NumColumns += int32(len(cols))
	s.SchemaVersion++

	if err := e.reg.UpdateSuper(s, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	if s.ChildCount > 0 {
		_ = e.grants.GrantAdd(acctOfTable(tableID), account.GrantTimeSeries, int64(len(cols))*int64(s.ChildCount))
	}
	return nil
}

// DropColumn removes column idx from a super table, decrementing the
// account time-series counter by ChildCount (spec §4.4).
func (e *Engine) DropColumn(tableID string, idx int) error {
	s, ok := e.reg.GetSuper(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	if idx < 0 || idx >= int(s.NumColumns) {
		return codes.New(codes.APP_ERROR, nil)
	}

	next := make([]model.Column, 0, len(s.Schema)-1)
	next = append(next, s.Schema[:idx]...)
	next = append(next, s.Schema[idx+1:]...)
	s.Schema = next
	s.NumColumns--
	s.SchemaVersion++

	if err := e.reg.UpdateSuper(s, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	if s.ChildCount > 0 {
		_ = e.grants.GrantAdd(acctOfTable(tableID), account.GrantTimeSeries, -int64(s.ChildCount))
	}
	return nil
}

// AddNormalColumn appends cols to a normal or stream table's own schema,
// the non-super analogue of AddColumn (spec §4.4 "Normal-table
// mutations"). Account adjustment is ±1 per column, not scaled by
// ChildCount since normal tables have no children.
func (e *Engine) AddNormalColumn(tableID string, cols []model.Column) error {
	row, ok := e.reg.GetNormalOrStream(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	n := normalOf(row)
	if int(n.NumColumns)+len(cols) > model.MaxColumns {
		return codes.New(codes.APP_ERROR, nil)
	}
	for _, c := range cols {
		if len(c.Name) > model.MaxNameLen {
			return codes.New(codes.APP_ERROR, nil)
		}
		if n.NameIndex(c.Name) >= 0 {
			return codes.New(codes.APP_ERROR, nil)
		}
	}
	for _, c := range cols {
		c.ColID = n.NextColID
		n.NextColID++
		n.Schema = append(n.Schema, c)
	}
	n.NumColumns += int32(len(cols))
	n.SchemaVersion++

	if err := e.reg.UpdateCRow(row, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	_ = e.grants.GrantAdd(acctOfTable(tableID), account.GrantTimeSeries, int64(len(cols)))
	return nil
}

// DropNormalColumn drops column idx from a normal or stream table.
func (e *Engine) DropNormalColumn(tableID string, idx int) error {
	row, ok := e.reg.GetNormalOrStream(tableID)
	if !ok {
		return codes.New(codes.INVALID_TABLE, nil)
	}
	n := normalOf(row)
	if idx < 0 || idx >= int(n.NumColumns) {
		return codes.New(codes.APP_ERROR, nil)
	}
	n.Schema = append(n.Schema[:idx], n.Schema[idx+1:]...)
	n.NumColumns--
	n.SchemaVersion++

	if err := e.reg.UpdateCRow(row, catalog.Global); err != nil {
		return codes.New(codes.SDB_ERROR, err)
	}
	_ = e.grants.GrantAdd(acctOfTable(tableID), account.GrantTimeSeries, -1)
	return nil
}

// normalOf returns the *model.NormalTable underlying row, whether it is a
// plain Normal table or the NormalTable embedded in a Stream.
func normalOf(row model.CRow) *model.NormalTable {
	switch row.Kind {
	case model.Normal:
		return row.Normal
	case model.Stream:
		return &row.Stream.NormalTable
	default:
		return nil
	}
}
