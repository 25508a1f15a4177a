package catalog

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tsdbcore/mnode/internal/catalog/memstore"
)

// testRow is a minimal Row used to exercise Store without depending on the
// model/wire packages.
type testRow struct {
	Key     string
	Value   int
	Deleted bool
}

func (r testRow) CatalogKey() string { return r.Key }

func testDescriptor(insert, del func(testRow) error) Descriptor[testRow] {
	return Descriptor[testRow]{
		Name: "rows",
		Callbacks: Callbacks[testRow]{
			Encode:  func(r testRow) ([]byte, error) { return json.Marshal(r) },
			Decode:  func(b []byte) (testRow, error) { var r testRow; err := json.Unmarshal(b, &r); return r, err },
			Insert:  insert,
			Delete:  del,
			Destroy: func(testRow) {},
		},
	}
}

func TestStore_InsertGetDelete(t *testing.T) {
	backend := memstore.New()
	s, err := Open(backend, testDescriptor(
		func(testRow) error { return nil },
		func(testRow) error { return nil },
	))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Insert(testRow{Key: "k1", Value: 1}, Global); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := s.Get("k1")
	if !ok || got.Value != 1 {
		t.Fatalf("Get(k1) = %+v, %v", got, ok)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	if err := s.Delete("k1", Global); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("k1"); ok {
		t.Fatalf("Get(k1) after delete should miss")
	}
}

func TestStore_UpdateCallbackSeesOldAndNew(t *testing.T) {
	backend := memstore.New()
	var sawOld, sawNew int
	desc := testDescriptor(func(testRow) error { return nil }, func(testRow) error { return nil })
	desc.Callbacks.Update = func(old, new testRow) error {
		sawOld, sawNew = old.Value, new.Value
		return nil
	}
	s, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Insert(testRow{Key: "k1", Value: 1}, Global); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Update(testRow{Key: "k1", Value: 2}, Global); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if sawOld != 1 || sawNew != 2 {
		t.Fatalf("Update callback saw (%d,%d), want (1,2)", sawOld, sawNew)
	}
	got, _ := s.Get("k1")
	if got.Value != 2 {
		t.Fatalf("Get(k1).Value = %d, want 2", got.Value)
	}
}

func TestStore_ReplayPreservesRowsAcrossReopen(t *testing.T) {
	backend := memstore.New()
	desc := testDescriptor(func(testRow) error { return nil }, func(testRow) error { return nil })

	s1, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Insert(testRow{Key: "k1", Value: 1}, Global); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Insert(testRow{Key: "k2", Value: 2}, Global); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("Len() after reopen = %d, want 2", s2.Len())
	}
	got, ok := s2.Get("k2")
	if !ok || got.Value != 2 {
		t.Fatalf("Get(k2) after reopen = %+v, %v", got, ok)
	}
}

func TestStore_OpenDemotesOrphanToLocalDelete(t *testing.T) {
	backend := memstore.New()
	desc := testDescriptor(func(testRow) error { return nil }, func(testRow) error { return nil })
	s1, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Insert(testRow{Key: "orphan", Value: 1}, Global); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_ = s1.Close()

	// Reopen with an Insert callback that rejects "orphan" as unresolved,
	// simulating a forward reference (e.g. a missing database or vgroup)
	// that disappeared between the original write and this replay.
	orphanDesc := testDescriptor(func(r testRow) error {
		if r.Key == "orphan" {
			return &OrphanError{Cause: errors.New("missing forward reference")}
		}
		return nil
	}, func(testRow) error { return nil })

	s2, err := Open(backend, orphanDesc)
	if err != nil {
		t.Fatalf("reopen with orphan: %v", err)
	}
	if _, ok := s2.Get("orphan"); ok {
		t.Fatalf("orphan row should not be present in memory after replay")
	}
	if s2.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s2.Len())
	}

	// A third reopen over the same backend must not resurrect the row: the
	// first replay's Local delete persisted its removal.
	s3, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("reopen after orphan cleanup: %v", err)
	}
	if s3.Len() != 0 {
		t.Fatalf("Len() on clean reopen = %d, want 0", s3.Len())
	}
}

func TestStore_MutateIsInMemoryOnly(t *testing.T) {
	backend := memstore.New()
	desc := testDescriptor(func(testRow) error { return nil }, func(testRow) error { return nil })
	s, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Insert(testRow{Key: "k1", Value: 1}, Global); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Mutate("k1", func(r testRow) testRow { r.Value = 99; return r }); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	got, _ := s.Get("k1")
	if got.Value != 99 {
		t.Fatalf("Get(k1).Value = %d, want 99", got.Value)
	}
}

func TestStore_CursorScansAllRowsInStableOrder(t *testing.T) {
	backend := memstore.New()
	desc := testDescriptor(func(testRow) error { return nil }, func(testRow) error { return nil })
	s, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, k := range []string{"c", "a", "b"} {
		if err := s.Insert(testRow{Key: k}, Global); err != nil {
			t.Fatalf("Insert(%s): %v", k, err)
		}
	}
	c := s.NewCursor()
	var seen []string
	for {
		row, ok := s.Next(c)
		if !ok {
			break
		}
		seen = append(seen, row.Key)
	}
	want := []string{"a", "b", "c"}
	if len(seen) != len(want) {
		t.Fatalf("scanned %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("scanned %v, want %v", seen, want)
		}
	}
}

func TestStore_InsertRollsBackPersistOnCallbackFailure(t *testing.T) {
	backend := memstore.New()
	desc := testDescriptor(func(testRow) error { return errors.New("rejected") }, func(testRow) error { return nil })
	s, err := Open(backend, desc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Insert(testRow{Key: "k1"}, Global); err == nil {
		t.Fatalf("Insert should fail when the Insert callback rejects the row")
	}
	if _, ok := s.Get("k1"); ok {
		t.Fatalf("row should not be visible after a rejected insert")
	}
	// A clean reopen must not see the rolled-back persisted write either.
	desc2 := testDescriptor(func(testRow) error { return nil }, func(testRow) error { return nil })
	s2, err := Open(backend, desc2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after rolled-back insert", s2.Len())
	}
}

func TestKeyLock_SerializesPerKeyNotGlobally(t *testing.T) {
	kl := newKeyLock()
	unlockA := kl.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := kl.lock("b")
		unlockB()
		close(done)
	}()
	<-done // lock("b") must not block on lock("a")'s held mutex
	unlockA()
}
