package meta

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	factories := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{name: "memory", open: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "bolt", open: func(t *testing.T) Store {
			store, err := NewBoltStore(BoltConfig{Path: filepath.Join(t.TempDir(), "meta.db"), NoSync: true})
			if err != nil {
				t.Fatalf("new bolt store: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		}},
	}
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.open(t))
		})
	}
}

func testEntry(namespace, payload string) blob.Entry {
	key := blob.KeyFor(namespace, "text/plain", []byte(payload))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return blob.Entry{
		Key:         key,
		ContentType: "text/plain",
		Size:        int64(len(payload)),
		BlobID:      key.ID(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestEntryLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		e := testEntry("greet", "Hello")

		stored, created, err := store.PutEntry(ctx, e)
		if err != nil || !created {
			t.Fatalf("put created=%v err=%v", created, err)
		}
		if stored.Key != e.Key {
			t.Fatalf("unexpected key %v", stored.Key)
		}

		later := e
		later.CreatedAt = e.CreatedAt.Add(time.Hour)
		later.UpdatedAt = e.UpdatedAt.Add(time.Hour)
		stored, created, err = store.PutEntry(ctx, later)
		if err != nil || created {
			t.Fatalf("re-put created=%v err=%v", created, err)
		}
		if !stored.CreatedAt.Equal(e.CreatedAt) || !stored.UpdatedAt.Equal(later.UpdatedAt) {
			t.Fatalf("re-put must refresh only UpdatedAt: %+v", stored)
		}
		if refs, _ := store.Refs(ctx, e.BlobID); refs != 1 {
			t.Fatalf("re-put must not add a reference, refs=%d", refs)
		}

		got, err := store.GetEntry(ctx, e.Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Size != 5 || got.ContentType != "text/plain" {
			t.Fatalf("unexpected entry %+v", got)
		}
		if n, _ := store.CountEntries(ctx); n != 1 {
			t.Fatalf("count = %d, want 1", n)
		}

		if _, err := store.DeleteEntry(ctx, e.Key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.GetEntry(ctx, e.Key); !errors.Is(err, xerrors.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := store.DeleteEntry(ctx, e.Key); !errors.Is(err, xerrors.ErrNotFound) {
			t.Fatalf("second delete: expected not found, got %v", err)
		}
		if n, _ := store.CountEntries(ctx); n != 0 {
			t.Fatalf("count = %d, want 0", n)
		}
	})
}

func TestCompareAndSwapFamily(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		x := family.Compute([]family.File{{Name: "f1.txt", Data: []byte("x")}})
		y := family.Compute([]family.File{{Name: "f1.txt", Data: []byte("y")}})

		rec := FamilyRecord{Collection: "C1", Family: "F1", Fingerprint: x, SnapshotKey: blob.KeyFor("C1/F1", "t", []byte("x"))}
		change, err := store.CompareAndSwapFamily(ctx, Version{}, rec, ChangeRecord{Collection: "C1", Family: "F1", Fingerprint: x})
		if err != nil {
			t.Fatalf("first commit: %v", err)
		}
		if change.Seq != 1 || change.Revision != 1 {
			t.Fatalf("seq = %d revision = %d, want 1 and 1", change.Seq, change.Revision)
		}

		if _, err := store.CompareAndSwapFamily(ctx, Version{}, rec, ChangeRecord{}); !errors.Is(err, xerrors.ErrConflict) {
			t.Fatalf("expected conflict for stale expectation, got %v", err)
		}

		if _, err := store.CompareAndSwapFamily(ctx, Version{Fingerprint: x}, rec, ChangeRecord{}); !errors.Is(err, xerrors.ErrConflict) {
			t.Fatalf("expected conflict for stale revision, got %v", err)
		}

		rec.Fingerprint = y
		change, err = store.CompareAndSwapFamily(ctx, change.Version(), rec, ChangeRecord{Collection: "C1", Family: "F1", Fingerprint: y, PreviousFingerprint: x})
		if err != nil {
			t.Fatalf("second commit: %v", err)
		}
		if change.Seq != 2 {
			t.Fatalf("seq = %d, want 2", change.Seq)
		}

		got, err := store.GetFamily(ctx, "C1", "F1")
		if err != nil {
			t.Fatalf("get family: %v", err)
		}
		if got.Fingerprint != y || got.Revision != 2 {
			t.Fatalf("unexpected record %+v", got)
		}

		changes, err := store.ListChanges(ctx, 1, 0)
		if err != nil {
			t.Fatalf("list changes: %v", err)
		}
		if len(changes) != 1 || changes[0].PreviousFingerprint != x {
			t.Fatalf("unexpected changes %+v", changes)
		}
	})
}

func TestConcurrentCompareAndSwapHasOneWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const contenders = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				fp := family.Compute([]family.File{{Name: "f", Data: []byte{byte(i)}}})
				rec := FamilyRecord{Collection: "C1", Family: "F1", Fingerprint: fp}
				_, err := store.CompareAndSwapFamily(ctx, Version{}, rec, ChangeRecord{Collection: "C1", Family: "F1", Fingerprint: fp})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, xerrors.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 || conflicts != contenders-1 {
			t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
		}
		changes, _ := store.ListChanges(ctx, 0, 0)
		if len(changes) != 1 {
			t.Fatalf("expected exactly one change record, got %d", len(changes))
		}
	})
}

func TestCompareAndSwapSameFingerprintNeedsCurrentRevision(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		fp := family.Compute([]family.File{{Name: "f", Data: []byte("same")}})
		rec := FamilyRecord{Collection: "C1", Family: "F1", Fingerprint: fp}
		first, err := store.CompareAndSwapFamily(ctx, Version{}, rec, ChangeRecord{Collection: "C1", Family: "F1", Fingerprint: fp})
		if err != nil {
			t.Fatalf("first commit: %v", err)
		}
		stale := first.Version()
		if _, err := store.CompareAndSwapFamily(ctx, stale, rec, ChangeRecord{Collection: "C1", Family: "F1", Fingerprint: fp}); err != nil {
			t.Fatalf("recommit: %v", err)
		}
		_, err = store.CompareAndSwapFamily(ctx, stale, rec, ChangeRecord{Collection: "C1", Family: "F1", Fingerprint: fp})
		if !errors.Is(err, xerrors.ErrConflict) {
			t.Fatalf("expected conflict for a superseded revision, got %v", err)
		}
		got, err := store.GetFamily(ctx, "C1", "F1")
		if err != nil {
			t.Fatalf("get family: %v", err)
		}
		if got.Version() != (Version{Fingerprint: fp, Revision: 2}) {
			t.Fatalf("version = %v, want revision 2", got.Version())
		}
		changes, _ := store.ListChanges(ctx, 0, 0)
		if len(changes) != 2 {
			t.Fatalf("expected two change records, got %d", len(changes))
		}
	})
}

func TestListFamiliesScopedToCollection(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, name := range []struct{ collection, family string }{{"C1", "B"}, {"C1", "A"}, {"C10", "Z"}} {
			fp := family.Compute([]family.File{{Name: name.family}})
			rec := FamilyRecord{Collection: name.collection, Family: name.family, Fingerprint: fp}
			if _, err := store.CompareAndSwapFamily(ctx, Version{}, rec, ChangeRecord{}); err != nil {
				t.Fatalf("commit %v: %v", name, err)
			}
		}
		recs, err := store.ListFamilies(ctx, "C1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 2 || recs[0].Family != "A" || recs[1].Family != "B" {
			t.Fatalf("unexpected families %+v", recs)
		}
		if _, err := store.GetFamily(ctx, "C1", "missing"); !xerrors.Is(err, xerrors.KindNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestCompareAndSwapRejectsBadNames(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		_, err := store.CompareAndSwapFamily(context.Background(), Version{}, FamilyRecord{Collection: "C1"}, ChangeRecord{})
		if !xerrors.Is(err, xerrors.KindInvalid) {
			t.Fatalf("expected invalid, got %v", err)
		}
	})
}
