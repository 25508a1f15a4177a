// Package registry implements the Catalog Registry (spec §4.3): in-memory
// lookup by table id, reference counting, and cross-table resolution
// (child -> super, table -> db, table -> vgroup). Accounts are not resolved
// here.
package registry

import (
	"fmt"

	"github.com/tsdbcore/mnode/internal/catalog"
	"github.com/tsdbcore/mnode/internal/dbdir"
	"github.com/tsdbcore/mnode/internal/model"
	"github.com/tsdbcore/mnode/internal/vgroup"
	"github.com/tsdbcore/mnode/internal/wire"
)

const (
	maxSuperRowSize  = 1 << 20
	maxCTableRowSize = 1 << 20
)

// Registry owns the two catalog stores and the cross-entity invariants
// that span them.
type Registry struct {
	stables *catalog.Store[*model.SuperTable]
	ctables *catalog.Store[model.CRow]

	dbdir   dbdir.Directory
	vgroups vgroup.Directory
}

// Open replays both logical tables from backend and wires their
// insert/delete callbacks to enforce spec §3's cross-entity invariants.
func Open(backend catalog.Backend, db dbdir.Directory, vg vgroup.Directory) (*Registry, error) {
	r := &Registry{dbdir: db, vgroups: vg}

	stables, err := catalog.Open(backend, catalog.Descriptor[*model.SuperTable]{
		Name:             "stables",
		UpdatePrefixSize: wire.SuperUpdatePrefixSize,
		MaxRowSize:       maxSuperRowSize,
		Callbacks: catalog.Callbacks[*model.SuperTable]{
			Encode:  wire.EncodeSuper,
			Decode:  wire.DecodeSuper,
			Insert:  r.insertSuper,
			Delete:  r.deleteSuper,
			Update:  noopUpdate[*model.SuperTable],
			Destroy: func(*model.SuperTable) {},
		},
	})
	if err != nil {
		return nil, err
	}
	r.stables = stables

	ctables, err := catalog.Open(backend, catalog.Descriptor[model.CRow]{
		Name:             "ctables",
		UpdatePrefixSize: wire.ChildUpdatePrefixSize,
		MaxRowSize:       maxCTableRowSize,
		Callbacks: catalog.Callbacks[model.CRow]{
			Encode:  wire.EncodeCRow,
			Decode:  wire.DecodeCRow,
			Insert:  r.insertCRow,
			Delete:  r.deleteCRow,
			Update:  noopUpdate[model.CRow],
			Destroy: func(model.CRow) {},
		},
	})
	if err != nil {
		return nil, err
	}
	r.ctables = ctables

	return r, nil
}

func noopUpdate[T catalog.Row](old, new T) error { return nil }

// insertSuper resets child_count to 0 regardless of the persisted value:
// it is reconstructed authoritatively as ctables replays each child
// (spec §5 "mutated only by the child catalog's insert/delete callbacks").
func (r *Registry) insertSuper(s *model.SuperTable) error {
	s.ChildCount = 0
	return nil
}

func (r *Registry) deleteSuper(s *model.SuperTable) error {
	return nil
}

// insertCRow enforces spec §3 invariants 2 and 4: a Child's super_table_id
// and every Child/Normal/Stream's vg_id must resolve. Any failure is
// reported as an *catalog.OrphanError so Open demotes the row to a Local
// delete instead of aborting the whole replay (spec §7).
func (r *Registry) insertCRow(row model.CRow) error {
	if _, ok := r.dbdir.GetDBByTableID(row.CatalogKey()); !ok {
		return &catalog.OrphanError{Cause: fmt.Errorf("database not found for %s", row.CatalogKey())}
	}
	vgID, _ := row.VgSid()
	if _, ok := r.vgroups.GetVgroup(vgID); !ok {
		return &catalog.OrphanError{Cause: fmt.Errorf("vgroup %d not found for %s", vgID, row.CatalogKey())}
	}
	if row.Kind == model.Child {
		super, ok := r.stables.Get(row.Child.SuperTableID)
		if !ok {
			return &catalog.OrphanError{Cause: fmt.Errorf("super %s not found for %s", row.Child.SuperTableID, row.CatalogKey())}
		}
		if err := r.stables.Mutate(super.CatalogKey(), func(s *model.SuperTable) *model.SuperTable {
			s.ChildCount++
			return s
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) deleteCRow(row model.CRow) error {
	if row.Kind != model.Child {
		return nil
	}
	super, ok := r.stables.Get(row.Child.SuperTableID)
	if !ok {
		return nil // super already gone; nothing to decrement
	}
	return r.stables.Mutate(super.CatalogKey(), func(s *model.SuperTable) *model.SuperTable {
		if s.ChildCount > 0 {
			s.ChildCount--
		}
		return s
	})
}

// Entity is whichever table kind GetTable resolved.
type Entity struct {
	Kind   model.Kind
	Super  *model.SuperTable
	CRow   model.CRow
}

// GetTable looks up id in stables then ctables (spec §4.3).
func (r *Registry) GetTable(id string) (Entity, bool) {
	if s, ok := r.stables.Get(id); ok {
		return Entity{Kind: model.Super, Super: s}, true
	}
	if c, ok := r.ctables.Get(id); ok {
		return Entity{Kind: c.Kind, CRow: c}, true
	}
	return Entity{}, false
}

// GetSuper is the kind-specific lookup for super tables.
func (r *Registry) GetSuper(id string) (*model.SuperTable, bool) {
	return r.stables.Get(id)
}

// GetChild is the kind-specific lookup for child tables.
func (r *Registry) GetChild(id string) (*model.ChildTable, bool) {
	row, ok := r.ctables.Get(id)
	if !ok || row.Kind != model.Child {
		return nil, false
	}
	return row.Child, true
}

// GetNormalOrStream looks up a normal or stream table.
func (r *Registry) GetNormalOrStream(id string) (model.CRow, bool) {
	row, ok := r.ctables.Get(id)
	if !ok || row.Kind == model.Child {
		return model.CRow{}, false
	}
	return row, true
}

// ExtractDisplayName strips the "acct.db." prefix from a table id
// (spec §4.3).
func ExtractDisplayName(tableID string) string {
	return model.DisplayName(tableID)
}

// IncRef increments id's in-memory reference count for the duration of a
// read path; callers must call DecRef on every exit (spec §7). The drop
// paths do not consult the count, so a pinned table can still be dropped.
func (r *Registry) IncRef(id string) error {
	if s, ok := r.stables.Get(id); ok {
		_ = s
		return r.stables.Mutate(id, func(s *model.SuperTable) *model.SuperTable {
			s.RefCount++
			return s
		})
	}
	if _, ok := r.ctables.Get(id); ok {
		return r.ctables.Mutate(id, func(c model.CRow) model.CRow {
			switch c.Kind {
			case model.Child:
				c.Child.RefCount++
			case model.Normal:
				c.Normal.RefCount++
			case model.Stream:
				c.Stream.RefCount++
			}
			return c
		})
	}
	return fmt.Errorf("registry: %s not found", id)
}

// DecRef releases a pin acquired by IncRef.
func (r *Registry) DecRef(id string) error {
	if s, ok := r.stables.Get(id); ok {
		_ = s
		return r.stables.Mutate(id, func(s *model.SuperTable) *model.SuperTable {
			if s.RefCount > 0 {
				s.RefCount--
			}
			return s
		})
	}
	if _, ok := r.ctables.Get(id); ok {
		return r.ctables.Mutate(id, func(c model.CRow) model.CRow {
			dec := func(rc *int32) {
				if *rc > 0 {
					*rc--
				}
			}
			switch c.Kind {
			case model.Child:
				dec(&c.Child.RefCount)
			case model.Normal:
				dec(&c.Normal.RefCount)
			case model.Stream:
				dec(&c.Stream.RefCount)
			}
			return c
		})
	}
	return fmt.Errorf("registry: %s not found", id)
}

// InsertSuper inserts s into the stables store with the given scope.
func (r *Registry) InsertSuper(s *model.SuperTable, scope catalog.Scope) error {
	return r.stables.Insert(s, scope)
}

// DeleteSuper removes s from the stables store.
func (r *Registry) DeleteSuper(id string, scope catalog.Scope) error {
	return r.stables.Delete(id, scope)
}

// UpdateSuper persists an in-place super-table mutation (schema change,
// spec §4.4 "either the row update is durably accepted or the in-memory
// state is unchanged").
func (r *Registry) UpdateSuper(s *model.SuperTable, scope catalog.Scope) error {
	return r.stables.Update(s, scope)
}

// InsertCRow inserts a child/normal/stream row into ctables with the given
// scope.
func (r *Registry) InsertCRow(row model.CRow, scope catalog.Scope) error {
	return r.ctables.Insert(row, scope)
}

// DeleteCRow removes a child/normal/stream row from ctables.
func (r *Registry) DeleteCRow(id string, scope catalog.Scope) error {
	return r.ctables.Delete(id, scope)
}

// UpdateCRow persists an in-place normal/stream schema mutation.
func (r *Registry) UpdateCRow(row model.CRow, scope catalog.Scope) error {
	return r.ctables.Update(row, scope)
}

// StablesCursor and CTablesCursor back the Show/Retrieve iterators (C7).
func (r *Registry) StablesCursor() *catalog.Cursor { return r.stables.NewCursor() }
func (r *Registry) NextStable(c *catalog.Cursor) (*model.SuperTable, bool) {
	return r.stables.Next(c)
}

func (r *Registry) CTablesCursor() *catalog.Cursor { return r.ctables.NewCursor() }
func (r *Registry) NextCTable(c *catalog.Cursor) (model.CRow, bool) {
	return r.ctables.Next(c)
}

// Close releases both catalog stores.
func (r *Registry) Close() error {
	if err := r.stables.Close(); err != nil {
		return err
	}
	return r.ctables.Close()
}
