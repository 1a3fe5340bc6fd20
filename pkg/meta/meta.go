package meta

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// FamilyRecord is one row of the fingerprint table: the last committed state
// of a family.
type FamilyRecord struct {
	Collection  string             `cbor:"collection"`
	Family      string             `cbor:"family"`
	Fingerprint family.Fingerprint `cbor:"fingerprint"`
	SnapshotKey blob.Key           `cbor:"snapshot_key"`
	Revision    uint64             `cbor:"revision"`
	UpdatedAt   time.Time          `cbor:"updated_at"`
}

// ChangeRecord announces a committed family update.
type ChangeRecord struct {
	Seq                 uint64             `cbor:"seq"`
	Collection          string             `cbor:"collection"`
	Family              string             `cbor:"family"`
	Fingerprint         family.Fingerprint `cbor:"fingerprint"`
	PreviousFingerprint family.Fingerprint `cbor:"previous_fingerprint"`
	SnapshotKey         blob.Key           `cbor:"snapshot_key"`
	Revision            uint64             `cbor:"revision"`
	DetectedAt          time.Time          `cbor:"detected_at"`
}

// Version identifies one committed state of a family record. The zero
// Version stands for "no record".
type Version struct {
	Fingerprint family.Fingerprint
	Revision    uint64
}

func (v Version) String() string {
	return v.Fingerprint.String() + "@" + strconv.FormatUint(v.Revision, 10)
}

// Version returns the committed state rec holds.
func (r FamilyRecord) Version() Version {
	return Version{Fingerprint: r.Fingerprint, Revision: r.Revision}
}

// Version returns the state the change committed.
func (c ChangeRecord) Version() Version {
	return Version{Fingerprint: c.Fingerprint, Revision: c.Revision}
}

// Store persists cache entries, payload reference counts, the fingerprint
// table and the change log.
type Store interface {
	blob.Index

	// Refs returns the reference count of a payload.
	Refs(ctx context.Context, id blob.ID) (int, error)
	ListZeroRef(ctx context.Context, limit int) ([]blob.ID, error)
	MarkGCComplete(ctx context.Context, id blob.ID) error

	GetFamily(ctx context.Context, collection, name string) (FamilyRecord, error)
	ListFamilies(ctx context.Context, collection string) ([]FamilyRecord, error)
	// CompareAndSwapFamily replaces the family record only if its current
	// fingerprint and revision equal expected (the zero Version meaning "no
	// record"), and appends change to the log in the same transaction. The
	// stored change, with its sequence number and revision assigned, is
	// returned. A mismatch yields a KindConflict error and changes nothing.
	CompareAndSwapFamily(ctx context.Context, expected Version, rec FamilyRecord, change ChangeRecord) (ChangeRecord, error)
	// ListChanges returns change records with Seq > since in order.
	ListChanges(ctx context.Context, since uint64, limit int) ([]ChangeRecord, error)

	Close() error
}

// ValidateFamilyName rejects names that cannot be used as table keys.
func ValidateFamilyName(collection, name string) error {
	if collection == "" || name == "" {
		return xerrors.E(xerrors.KindInvalid, "family", collection+"/"+name)
	}
	if strings.ContainsRune(collection, 0) || strings.ContainsRune(name, 0) {
		return xerrors.E(xerrors.KindInvalid, "family", "contains NUL")
	}
	return nil
}

// MemoryStore is an in-memory Store for tests and ephemeral runs. Every
// method holds the store lock for its whole duration, which makes each
// compound operation atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[blob.Key]blob.Entry
	refs      map[blob.ID]int
	pendingGC map[blob.ID]struct{}
	families  map[familyKey]FamilyRecord
	changes   []ChangeRecord
}

type familyKey struct {
	collection string
	name       string
}

// NewMemoryStore creates an empty metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[blob.Key]blob.Entry),
		refs:      make(map[blob.ID]int),
		pendingGC: make(map[blob.ID]struct{}),
		families:  make(map[familyKey]FamilyRecord),
	}
}

func (m *MemoryStore) PutEntry(ctx context.Context, e blob.Entry) (blob.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[e.Key]; ok {
		existing.UpdatedAt = e.UpdatedAt
		m.entries[e.Key] = existing
		return existing, false, nil
	}
	m.entries[e.Key] = e
	m.incRefLocked(e.BlobID, 1)
	return e, true, nil
}

func (m *MemoryStore) GetEntry(ctx context.Context, key blob.Key) (blob.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return blob.Entry{}, xerrors.E(xerrors.KindNotFound, "get", key.String())
	}
	return e, nil
}

func (m *MemoryStore) DeleteEntry(ctx context.Context, key blob.Key) (blob.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return blob.Entry{}, xerrors.E(xerrors.KindNotFound, "delete", key.String())
	}
	delete(m.entries, key)
	if m.incRefLocked(e.BlobID, -1) == 0 {
		m.pendingGC[e.BlobID] = struct{}{}
	}
	return e, nil
}

func (m *MemoryStore) CountEntries(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Refs(ctx context.Context, id blob.ID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[id], nil
}

func (m *MemoryStore) incRefLocked(id blob.ID, delta int) int {
	m.refs[id] += delta
	if m.refs[id] <= 0 {
		delete(m.refs, id)
		return 0
	}
	delete(m.pendingGC, id)
	return m.refs[id]
}

func (m *MemoryStore) ListZeroRef(ctx context.Context, limit int) ([]blob.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]blob.ID, 0, len(m.pendingGC))
	for id := range m.pendingGC {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkGCComplete(ctx context.Context, id blob.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingGC, id)
	return nil
}

func (m *MemoryStore) GetFamily(ctx context.Context, collection, name string) (FamilyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.families[familyKey{collection, name}]
	if !ok {
		return FamilyRecord{}, xerrors.E(xerrors.KindNotFound, "family", collection+"/"+name)
	}
	return rec, nil
}

func (m *MemoryStore) ListFamilies(ctx context.Context, collection string) ([]FamilyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FamilyRecord
	for k, rec := range m.families {
		if k.collection == collection {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out, nil
}

func (m *MemoryStore) CompareAndSwapFamily(ctx context.Context, expected Version, rec FamilyRecord, change ChangeRecord) (ChangeRecord, error) {
	if err := ValidateFamilyName(rec.Collection, rec.Family); err != nil {
		return ChangeRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := familyKey{rec.Collection, rec.Family}
	current, ok := m.families[k]
	if err := checkExpected(rec, current, ok, expected); err != nil {
		return ChangeRecord{}, err
	}
	rec.Revision = current.Revision + 1
	change.Revision = rec.Revision
	m.families[k] = rec
	change.Seq = uint64(len(m.changes)) + 1
	m.changes = append(m.changes, change)
	return change, nil
}

func (m *MemoryStore) ListChanges(ctx context.Context, since uint64, limit int) ([]ChangeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ChangeRecord
	for _, c := range m.changes {
		if c.Seq <= since {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func checkExpected(rec, current FamilyRecord, exists bool, expected Version) error {
	var have Version
	if exists {
		have = current.Version()
	}
	if have != expected {
		return xerrors.Wrap(xerrors.KindConflict, "commit", rec.Collection+"/"+rec.Family,
			versionMismatch{want: expected, have: have})
	}
	return nil
}

type versionMismatch struct {
	want, have Version
}

func (e versionMismatch) Error() string {
	return "expected version " + e.want.String() + ", found " + e.have.String()
}
