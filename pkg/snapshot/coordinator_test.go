package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/cachesvc"
	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/meta"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

type fixture struct {
	coord *Coordinator
	store *meta.MemoryStore
	svc   *cachesvc.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	index := meta.NewMemoryStore()
	payloads, err := blob.NewPathStore(t.TempDir(), blob.PathOptions{Compress: true})
	require.NoError(t, err)
	blobs, err := blob.NewStore(blob.StoreOptions{Index: index, Payloads: payloads})
	require.NoError(t, err)
	svc, err := cachesvc.New(cachesvc.Options{Backend: blobs})
	require.NoError(t, err)
	coord, err := New(Options{Cache: svc, Store: index, ChunkSize: 16})
	require.NoError(t, err)
	return fixture{coord: coord, store: index, svc: svc}
}

func files(pairs ...string) []family.File {
	var out []family.File
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, family.File{Name: pairs[i], Data: []byte(pairs[i+1])})
	}
	return out
}

func TestCommitFirstSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := files("B.ttf", "glyphs b", "A.ttf", "glyphs a")

	change, err := f.coord.Commit(ctx, "C1", "F1", set, meta.Version{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), change.Seq)
	assert.Equal(t, family.Compute(set), change.Fingerprint)
	assert.True(t, change.PreviousFingerprint.IsZero())
	assert.Equal(t, "C1/F1", change.SnapshotKey.Namespace)

	rec, err := f.store.GetFamily(ctx, "C1", "F1")
	require.NoError(t, err)
	assert.Equal(t, change.SnapshotKey, rec.SnapshotKey)
	assert.Equal(t, change.Fingerprint, rec.Fingerprint)

	bundle, err := f.coord.Load(ctx, rec.SnapshotKey)
	require.NoError(t, err)
	require.Len(t, bundle.Files, 2)
	assert.Equal(t, "A.ttf", bundle.Files[0].Name, "bundle files are sorted by name")
	assert.Equal(t, "glyphs b", string(bundle.Files[1].Data))
}

func TestCommitStaleExpectationConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := files("f1.txt", "x")
	y := files("f1.txt", "y")

	_, err := f.coord.Commit(ctx, "C1", "F1", x, meta.Version{})
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, "C1", "F1", y, meta.Version{})
	assert.True(t, errors.Is(err, xerrors.ErrConflict), "got %v", err)

	changes, err := f.store.ListChanges(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)

	_, err = f.coord.Commit(ctx, "C1", "F1", y, meta.Version{Fingerprint: family.Compute(x)})
	assert.True(t, errors.Is(err, xerrors.ErrConflict), "a matching fingerprint at the wrong revision conflicts: %v", err)

	change, err := f.coord.Commit(ctx, "C1", "F1", y, meta.Version{Fingerprint: family.Compute(x), Revision: 1})
	require.NoError(t, err)
	assert.Equal(t, family.Compute(x), change.PreviousFingerprint)
	assert.Equal(t, uint64(2), change.Revision)
}

func TestConcurrentCommitsOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sets := [][]family.File{files("f1.txt", "left"), files("f1.txt", "right")}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(sets))
	)
	for i, set := range sets {
		wg.Add(1)
		go func(i int, set []family.File) {
			defer wg.Done()
			_, errs[i] = f.coord.Commit(ctx, "C1", "F1", set, meta.Version{})
		}(i, set)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, xerrors.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	changes, err := f.store.ListChanges(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	rec, err := f.store.GetFamily(ctx, "C1", "F1")
	require.NoError(t, err)
	assert.Equal(t, changes[0].SnapshotKey, rec.SnapshotKey, "table and log agree on the winner")
}

func TestConcurrentForcedCommitsOfIdenticalFilesOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := files("f1.txt", "same")

	first, err := f.coord.Commit(ctx, "C1", "F1", set, meta.Version{})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Commit(ctx, "C1", "F1", set, first.Version())
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, xerrors.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	changes, err := f.store.ListChanges(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 2, "one change for the first commit, one for the winning forced commit")
	rec, err := f.store.GetFamily(ctx, "C1", "F1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Revision)
}

func TestCommitIdenticalFilesReusesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	set := files("OFL.txt", "license")

	first, err := f.coord.Commit(ctx, "C1", "F1", set, meta.Version{})
	require.NoError(t, err)
	forced, err := f.coord.Commit(ctx, "C1", "F1", family.Sorted(set), first.Version())
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotKey, forced.SnapshotKey)
	assert.Equal(t, first.Seq+1, forced.Seq)

	rec, err := f.store.GetFamily(ctx, "C1", "F1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Revision)
}

func TestSubscribersSeeCommittedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, cancel := f.coord.Subscribe(4)

	change, err := f.coord.Commit(ctx, "C1", "F1", files("a", "1"), meta.Version{})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, change, got)
	case <-time.After(time.Second):
		t.Fatal("no change record delivered")
	}

	_, err = f.coord.Commit(ctx, "C1", "F1", files("a", "2"), meta.Version{})
	require.Error(t, err)
	select {
	case got := <-ch:
		t.Fatalf("conflicting commit must not notify, got %+v", got)
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlockCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, cancel := f.coord.Subscribe(0)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Commit(ctx, "C1", "F1", files("a", "1"), meta.Version{})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit blocked on subscriber")
	}
}

func TestCommitCancelledBeforeWrite(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.Commit(ctx, "C1", "F1", files("a", "1"), meta.Version{})
	require.Error(t, err)
	_, err = f.store.GetFamily(context.Background(), "C1", "F1")
	assert.True(t, xerrors.Is(err, xerrors.KindNotFound))
}

func TestLoadRejectsForeignPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, err := f.svc.Put(ctx, cachesvc.Chunked("C1/F1", "text/plain", []byte("not a bundle"), 0))
	require.NoError(t, err)

	_, err = f.coord.Load(ctx, key)
	assert.True(t, xerrors.Is(err, xerrors.KindInvalid), "got %v", err)
}

func TestEncodeIsCanonical(t *testing.T) {
	a, err := Encode(Files{Collection: "C1", Family: "F1", Files: []family.File{{Name: "b", Data: nil}, {Name: "a", Data: []byte("x")}}})
	require.NoError(t, err)
	b, err := Encode(Files{Collection: "C1", Family: "F1", Files: []family.File{{Name: "a", Data: []byte("x")}, {Name: "b", Data: []byte{}}}})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	decoded, err := Decode(a)
	require.NoError(t, err)
	assert.Equal(t, family.Compute(decoded.Files), decoded.Fingerprint)
}
