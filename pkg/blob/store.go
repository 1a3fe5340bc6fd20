package blob

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fontbakery/dashcache/pkg/cache"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// StoreOptions wires a Store.
type StoreOptions struct {
	Index    Index
	Payloads PayloadStore
	// CacheEntries and CacheBytes bound the in-memory payload cache.
	// CacheEntries < 0 disables it.
	CacheEntries int
	CacheBytes   int64
	Now          func() time.Time
	Logger       *slog.Logger
}

// Store is the content-addressed blob store: an entry index on top of
// reference-counted payload files.
type Store struct {
	index    Index
	payloads PayloadStore
	hot      *cache.Cache[[]byte]
	reads    singleflight.Group
	now      func() time.Time
	log      *slog.Logger

	// gcMu is held shared by writers and exclusively by the GC sweeper, so a
	// payload is never removed between its write and its index entry.
	gcMu sync.RWMutex
}

// NewStore validates opts and returns a Store.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Index == nil || opts.Payloads == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "NewStore", "index and payloads are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		index:    opts.Index,
		payloads: opts.Payloads,
		now:      opts.Now,
		log:      opts.Logger,
	}
	if opts.CacheEntries >= 0 {
		s.hot = cache.Bytes(opts.CacheEntries, opts.CacheBytes)
	}
	return s, nil
}

// Put stores data and returns its key. Storing the same (namespace,
// contentType, data) again returns the same key and only refreshes the
// entry's UpdatedAt.
func (s *Store) Put(ctx context.Context, namespace, contentType string, data []byte) (Key, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return Key{}, err
	}
	if contentType == "" {
		return Key{}, xerrors.E(xerrors.KindInvalid, "put", "content type missing")
	}
	key := KeyFor(namespace, contentType, data)
	id := key.ID()

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	if _, err := s.payloads.Put(ctx, id, data); err != nil {
		return Key{}, xerrors.Wrap(xerrors.KindOf(err), "put", key.String(), err)
	}
	now := s.now().UTC()
	entry, created, err := s.index.PutEntry(ctx, Entry{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		BlobID:      id,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Key{}, err
	}
	if s.hot != nil {
		s.hot.Set(string(id), bytes.Clone(data))
	}
	s.log.DebugContext(ctx, "stored item",
		"key", key.String(),
		"content_type", contentType,
		"size", entry.Size,
		"created", created)
	return key, nil
}

// Get returns the stored item. Existence is decided by the index alone.
func (s *Store) Get(ctx context.Context, key Key) (Object, error) {
	entry, err := s.index.GetEntry(ctx, key)
	if err != nil {
		return Object{}, err
	}
	data, err := s.payload(ctx, entry.BlobID)
	if err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			s.log.WarnContext(ctx, "payload missing for indexed entry", "key", key.String(), "blob", entry.BlobID)
		}
		return Object{}, xerrors.Wrap(xerrors.KindOf(err), "get", key.String(), err)
	}
	return Object{
		Key:         entry.Key,
		ContentType: entry.ContentType,
		Data:        bytes.Clone(data),
		CreatedAt:   entry.CreatedAt,
	}, nil
}

// Purge removes the entry for key. Purging an unknown key reports
// PurgeNotFound without error; payload bytes are reclaimed by the GC sweeper
// once no entry references them.
func (s *Store) Purge(ctx context.Context, key Key) (PurgeStatus, error) {
	if _, err := s.index.DeleteEntry(ctx, key); err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			return PurgeNotFound, nil
		}
		return PurgeNotFound, err
	}
	s.log.DebugContext(ctx, "purged item", "key", key.String())
	return PurgeDeleted, nil
}

// Len returns the number of live entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	return s.index.CountEntries(ctx)
}

// GCLock returns the lock the GC sweeper must hold while deleting payloads.
func (s *Store) GCLock() sync.Locker {
	return &s.gcMu
}

// Forget drops a payload from the in-memory cache.
func (s *Store) Forget(id ID) {
	if s.hot != nil {
		s.hot.Delete(string(id))
	}
}

// CacheStats reports payload cache statistics.
func (s *Store) CacheStats() cache.Stats {
	if s.hot == nil {
		return cache.Stats{}
	}
	return s.hot.Stats()
}

func (s *Store) payload(ctx context.Context, id ID) ([]byte, error) {
	if s.hot != nil {
		if data, ok := s.hot.Get(string(id)); ok {
			return data, nil
		}
	}
	v, err, _ := s.reads.Do(string(id), func() (any, error) {
		data, err := s.payloads.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.hot != nil {
			s.hot.Set(string(id), data)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
