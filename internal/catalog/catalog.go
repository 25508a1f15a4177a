// Package catalog implements the Catalog Store Adapter (spec §4.1): a
// uniform logical-table abstraction over the replicated log for the
// stables and ctables tables, with per-row encode/decode and
// insert/delete/update callbacks invoked by the store during replay and
// mutation.
package catalog

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Scope marks whether a write must be replicated and durable before
// acknowledgement (Global) or is in-memory only (Local, used for
// replay-time orphan cleanup; spec §4.1).
type Scope int

const (
	Global Scope = iota
	Local
)

// Row is anything a logical table stores: an identity (its catalog key)
// and a byte-encoding of itself.
type Row interface {
	CatalogKey() string
}

// Backend is the durable persistence engine backing a Store (spec's "SDB"
// collaborator, consumed only through this abstract contract). A Backend
// holds raw encoded rows; Store owns all typed encode/decode.
type Backend interface {
	Open(table string) error
	Put(table, key string, value []byte) error
	Delete(table, key string) error
	Iterate(table string, fn func(key string, value []byte) error) error
	Close(table string) error
}

// Callbacks are the six hooks a Descriptor supplies; the store invokes them
// during replay and live mutation (spec §4.1).
type Callbacks[T Row] struct {
	Encode  func(row T) ([]byte, error)
	Decode  func(data []byte) (T, error)
	Insert  func(row T) error
	Delete  func(row T) error
	Update  func(old, new T) error
	Destroy func(row T)
}

// Descriptor configures a logical table.
type Descriptor[T Row] struct {
	Name             string
	HashBuckets      int
	UpdatePrefixSize int
	MaxRowSize       int
	Callbacks        Callbacks[T]
}

// keyLock provides the per-key write-serialization spec §5 requires:
// "operations are serialized by the catalog store's per-key write lock;
// reads observe the latest committed write."
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLock) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Store is a typed logical table: open/insert/delete/update/get/iterate/
// inc_ref/dec_ref/close (spec §4.1).
type Store[T Row] struct {
	desc    Descriptor[T]
	backend Backend
	keys    *keyLock

	mu   sync.RWMutex
	rows map[string]T
}

// Open replays every persisted row through Decode then Insert, in
// persistence order (spec §4.1 "Replay contract"). Insert must tolerate
// forward-reference failures by returning an *OrphanError, which Open
// converts into a durable delete of that one row rather than aborting
// the scan.
func Open[T Row](backend Backend, desc Descriptor[T]) (*Store[T], error) {
	if err := backend.Open(desc.Name); err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", desc.Name, err)
	}
	s := &Store[T]{
		desc:    desc,
		backend: backend,
		keys:    newKeyLock(),
		rows:    make(map[string]T),
	}

	var orphans []string
	err := backend.Iterate(desc.Name, func(key string, value []byte) error {
		row, err := desc.Callbacks.Decode(value)
		if err != nil {
			return fmt.Errorf("catalog: decode %s/%s: %w", desc.Name, key, err)
		}
		if err := desc.Callbacks.Insert(row); err != nil {
			var orphan *OrphanError
			if asOrphan(err, &orphan) {
				log.Printf("catalog: %s/%s orphaned during replay: %v", desc.Name, key, orphan.Cause)
				orphans = append(orphans, key)
				return nil
			}
			return fmt.Errorf("catalog: insert callback %s/%s: %w", desc.Name, key, err)
		}
		s.rows[row.CatalogKey()] = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, key := range orphans {
		// The row never made it into s.rows, so there is nothing to demote
		// in memory; the stale persisted copy is removed directly so the
		// same orphan is not rediscovered on every future replay.
		if err := backend.Delete(desc.Name, key); err != nil {
			log.Printf("catalog: failed to delete orphan %s/%s: %v", desc.Name, key, err)
		}
	}
	return s, nil
}

// OrphanError signals that a row's forward reference (db/vgroup/super)
// could not be resolved during replay; Open demotes it to a Local delete
// rather than failing the scan (spec §4.1, §7 "Replay-time orphan").
type OrphanError struct{ Cause error }

func (e *OrphanError) Error() string { return "catalog: orphan row: " + e.Cause.Error() }
func (e *OrphanError) Unwrap() error { return e.Cause }

func asOrphan(err error, target **OrphanError) bool {
	for err != nil {
		if o, ok := err.(*OrphanError); ok {
			*target = o
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Insert durably (Global) or in-memory-only (Local) adds row, then runs
// the Insert callback.
func (s *Store[T]) Insert(row T, scope Scope) error {
	unlock := s.keys.lock(row.CatalogKey())
	defer unlock()

	if scope == Global {
		data, err := s.desc.Callbacks.Encode(row)
		if err != nil {
			return fmt.Errorf("catalog: encode %s: %w", s.desc.Name, err)
		}
		if len(data) > s.desc.MaxRowSize && s.desc.MaxRowSize > 0 {
			return fmt.Errorf("catalog: row %s exceeds max size %d", row.CatalogKey(), s.desc.MaxRowSize)
		}
		if err := s.backend.Put(s.desc.Name, row.CatalogKey(), data); err != nil {
			return fmt.Errorf("catalog: persist %s/%s: %w", s.desc.Name, row.CatalogKey(), err)
		}
	}
	if err := s.desc.Callbacks.Insert(row); err != nil {
		if scope == Global {
			_ = s.backend.Delete(s.desc.Name, row.CatalogKey())
		}
		return err
	}
	s.mu.Lock()
	s.rows[row.CatalogKey()] = row
	s.mu.Unlock()
	return nil
}

// Delete removes the row for key, durably (Global) or in-memory (Local).
func (s *Store[T]) Delete(key string, scope Scope) error {
	return s.deleteScoped(key, scope)
}

func (s *Store[T]) deleteScoped(key string, scope Scope) error {
	unlock := s.keys.lock(key)
	defer unlock()

	s.mu.RLock()
	row, ok := s.rows[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("catalog: %s/%s not found", s.desc.Name, key)
	}
	if scope == Global {
		if err := s.backend.Delete(s.desc.Name, key); err != nil {
			return fmt.Errorf("catalog: delete %s/%s: %w", s.desc.Name, key, err)
		}
	}
	if err := s.desc.Callbacks.Delete(row); err != nil {
		return err
	}
	s.desc.Callbacks.Destroy(row)
	s.mu.Lock()
	delete(s.rows, key)
	s.mu.Unlock()
	return nil
}

// Update applies a row update. scope controls durability; Global updates
// must be durably accepted before the in-memory row changes (spec §4.4
// "atomic at the catalog level").
func (s *Store[T]) Update(row T, scope Scope) error {
	unlock := s.keys.lock(row.CatalogKey())
	defer unlock()

	s.mu.RLock()
	old, existed := s.rows[row.CatalogKey()]
	s.mu.RUnlock()

	if scope == Global {
		data, err := s.desc.Callbacks.Encode(row)
		if err != nil {
			return fmt.Errorf("catalog: encode %s: %w", s.desc.Name, err)
		}
		if err := s.backend.Put(s.desc.Name, row.CatalogKey(), data); err != nil {
			return fmt.Errorf("catalog: persist update %s/%s: %w", s.desc.Name, row.CatalogKey(), err)
		}
	}
	if existed && s.desc.Callbacks.Update != nil {
		if err := s.desc.Callbacks.Update(old, row); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.rows[row.CatalogKey()] = row
	s.mu.Unlock()
	return nil
}

// Get looks up a row by key.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[key]
	return row, ok
}

// Cursor is an opaque position in a full-table scan, used by Iterate and
// by the Show/Retrieve iterators (spec §4.7) to resume pagination.
type Cursor struct {
	keys []string
	pos  int
}

// NewCursor starts a fresh scan over the store's current rows, sorted by
// key for a stable scan order across pagination calls.
func (s *Store[T]) NewCursor() *Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Cursor{keys: keys}
}

// Next advances the cursor and returns the next row, or ok=false at the
// end of the scan.
func (s *Store[T]) Next(c *Cursor) (T, bool) {
	var zero T
	for c.pos < len(c.keys) {
		key := c.keys[c.pos]
		c.pos++
		s.mu.RLock()
		row, ok := s.rows[key]
		s.mu.RUnlock()
		if ok {
			return row, true
		}
	}
	return zero, false
}

// Mutate applies an in-memory-only transform to the row at key, under that
// key's write lock. It is used for ref-count pinning (spec §4.3) and for
// the super-table child_count bookkeeping (spec §5) — both values are
// reconstructible from the live catalog on replay, so neither needs a
// durable write-through on every change.
func (s *Store[T]) Mutate(key string, mutate func(T) T) error {
	unlock := s.keys.lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok {
		return fmt.Errorf("catalog: %s/%s not found", s.desc.Name, key)
	}
	s.rows[key] = mutate(row)
	return nil
}

// Close releases the backend resources for this logical table.
func (s *Store[T]) Close() error {
	return s.backend.Close(s.desc.Name)
}

// Len reports the number of live rows, used by tests and §3 invariants.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
