// Package snapshot commits family file sets to the cache and records them in
// the fingerprint table with compare-and-set semantics.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/cachesvc"
	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/meta"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// DefaultChunkSize is the upload chunk size for snapshot bundles.
const DefaultChunkSize = 1 << 20

// Cache is the part of the Cache service the coordinator uses.
type Cache interface {
	Put(ctx context.Context, stream cachesvc.ItemStream) (blob.Key, error)
	Get(ctx context.Context, key blob.Key) (cachesvc.Payload, error)
}

// Options configures a Coordinator.
type Options struct {
	Cache     Cache
	Store     meta.Store
	ChunkSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Coordinator is the only writer of the fingerprint table.
type Coordinator struct {
	cache     Cache
	store     meta.Store
	chunkSize int
	now       func() time.Time
	log       *slog.Logger
	hub       *hub
}

// New returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Cache == nil || opts.Store == nil {
		return nil, errors.New("snapshot: cache and store are required")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		cache:     opts.Cache,
		store:     opts.Store,
		chunkSize: opts.ChunkSize,
		now:       opts.Now,
		log:       opts.Logger,
		hub:       newHub(opts.Logger),
	}, nil
}

// Commit stores files as the new snapshot of the family, provided the
// family's committed version still equals expected (zero for a family never
// committed). Otherwise it fails with KindConflict and the fingerprint
// table is left untouched. Once the table write begins it is not interrupted
// by ctx; subscribers are notified only after it is durable.
func (c *Coordinator) Commit(ctx context.Context, collection, name string, files []family.File, expected meta.Version) (meta.ChangeRecord, error) {
	if err := meta.ValidateFamilyName(collection, name); err != nil {
		return meta.ChangeRecord{}, err
	}
	ref := Namespace(collection, name)
	if err := c.checkCurrent(ctx, collection, name, expected); err != nil {
		return meta.ChangeRecord{}, err
	}

	fp := family.Compute(files)
	data, err := Encode(Files{Collection: collection, Family: name, Files: files})
	if err != nil {
		return meta.ChangeRecord{}, xerrors.Wrap(xerrors.KindInternal, "commit", ref, err)
	}
	key, err := c.cache.Put(ctx, cachesvc.Chunked(ref, ContentType, data, c.chunkSize))
	if err != nil {
		return meta.ChangeRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return meta.ChangeRecord{}, err
	}

	now := c.now().UTC()
	change, err := c.store.CompareAndSwapFamily(context.WithoutCancel(ctx), expected,
		meta.FamilyRecord{
			Collection:  collection,
			Family:      name,
			Fingerprint: fp,
			SnapshotKey: key,
			UpdatedAt:   now,
		},
		meta.ChangeRecord{
			Collection:          collection,
			Family:              name,
			Fingerprint:         fp,
			PreviousFingerprint: expected.Fingerprint,
			SnapshotKey:         key,
			DetectedAt:          now,
		})
	if err != nil {
		if xerrors.Is(err, xerrors.KindConflict) {
			// The bundle stays in the cache; it is content addressed and a
			// later commit of the same files reuses it.
			c.log.InfoContext(ctx, "snapshot commit lost race", "family", ref, "error", err)
		}
		return meta.ChangeRecord{}, err
	}
	c.hub.publish(change)
	c.log.InfoContext(ctx, "snapshot committed",
		"family", ref,
		"seq", change.Seq,
		"revision", change.Revision,
		"fingerprint", fp.String(),
		"previous", expected.Fingerprint.String(),
		"snapshot", key.String(),
		"files", len(files))
	return change, nil
}

func (c *Coordinator) checkCurrent(ctx context.Context, collection, name string, expected meta.Version) error {
	current, err := c.store.GetFamily(ctx, collection, name)
	switch {
	case xerrors.Is(err, xerrors.KindNotFound):
		current = meta.FamilyRecord{}
	case err != nil:
		return err
	}
	if current.Version() != expected {
		return xerrors.E(xerrors.KindConflict, "commit", Namespace(collection, name))
	}
	return nil
}

// Load fetches and decodes a snapshot bundle.
func (c *Coordinator) Load(ctx context.Context, key blob.Key) (Files, error) {
	payload, err := c.cache.Get(ctx, key)
	if err != nil {
		return Files{}, err
	}
	if payload.TypeURL != ContentType {
		return Files{}, xerrors.E(xerrors.KindInvalid, "load snapshot", key.String()+" is "+payload.TypeURL)
	}
	return Decode(payload.Value)
}

// Subscribe registers for change records committed from now on. The channel
// is closed by cancel. Records are dropped for a subscriber whose buffer is
// full.
func (c *Coordinator) Subscribe(buffer int) (<-chan meta.ChangeRecord, func()) {
	return c.hub.subscribe(buffer)
}
