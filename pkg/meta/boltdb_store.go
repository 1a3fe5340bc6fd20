package meta

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/codec"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

var (
	bucketMeta     = []byte("meta")
	bucketEntries  = []byte("entries")
	bucketRefs     = []byte("blob_refs")
	bucketGCQueue  = []byte("gc_queue")
	bucketFamilies = []byte("families")
	bucketChanges  = []byte("changes")

	metaSchemaKey = []byte("schema")
)

const schemaVersion = 1

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists metadata in BoltDB. Records are CBOR encoded.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (creating if needed) a Bolt-backed metadata store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketEntries, bucketRefs, bucketGCQueue, bucketFamilies, bucketChanges} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if cur := meta.Get(metaSchemaKey); cur == nil {
			return meta.Put(metaSchemaKey, encodeUint64(schemaVersion))
		} else if v := decodeUint64(cur); v != schemaVersion {
			return fmt.Errorf("boltdb: schema version %d, want %d", v, schemaVersion)
		}
		return nil
	})
}

func (b *BoltStore) PutEntry(ctx context.Context, e blob.Entry) (blob.Entry, bool, error) {
	var (
		stored  blob.Entry
		created bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		k := entryKey(e.Key)
		if data := entries.Get(k); data != nil {
			if err := codec.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("boltdb: decode entry: %w", err)
			}
			stored.UpdatedAt = e.UpdatedAt
		} else {
			stored = e
			created = true
			if _, err := incRef(tx, e.BlobID, 1); err != nil {
				return err
			}
		}
		return putRecord(entries, k, stored)
	})
	if err != nil {
		return blob.Entry{}, false, err
	}
	return stored, created, nil
}

func (b *BoltStore) GetEntry(ctx context.Context, key blob.Key) (blob.Entry, error) {
	var e blob.Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get(entryKey(key))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "get", key.String())
		}
		return codec.Unmarshal(data, &e)
	})
	return e, err
}

func (b *BoltStore) DeleteEntry(ctx context.Context, key blob.Key) (blob.Entry, error) {
	var e blob.Entry
	err := b.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		k := entryKey(key)
		data := entries.Get(k)
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "delete", key.String())
		}
		if err := codec.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("boltdb: decode entry: %w", err)
		}
		if err := entries.Delete(k); err != nil {
			return err
		}
		refs, err := incRef(tx, e.BlobID, -1)
		if err != nil {
			return err
		}
		if refs == 0 {
			return tx.Bucket(bucketGCQueue).Put([]byte(e.BlobID), []byte{})
		}
		return nil
	})
	return e, err
}

func (b *BoltStore) CountEntries(ctx context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltStore) Refs(ctx context.Context, id blob.ID) (int, error) {
	var refs int
	err := b.db.View(func(tx *bolt.Tx) error {
		refs = decodeInt(tx.Bucket(bucketRefs).Get([]byte(id)))
		return nil
	})
	return refs, err
}

func (b *BoltStore) ListZeroRef(ctx context.Context, limit int) ([]blob.ID, error) {
	var out []blob.ID
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGCQueue).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			out = append(out, blob.ID(k))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) MarkGCComplete(ctx context.Context, id blob.ID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGCQueue).Delete([]byte(id))
	})
}

func (b *BoltStore) GetFamily(ctx context.Context, collection, name string) (FamilyRecord, error) {
	var rec FamilyRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFamilies).Get(familyRecordKey(collection, name))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, "family", collection+"/"+name)
		}
		return codec.Unmarshal(data, &rec)
	})
	return rec, err
}

func (b *BoltStore) ListFamilies(ctx context.Context, collection string) ([]FamilyRecord, error) {
	var out []FamilyRecord
	prefix := append([]byte(collection), 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFamilies).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec FamilyRecord
			if err := codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltdb: decode family %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) CompareAndSwapFamily(ctx context.Context, expected Version, rec FamilyRecord, change ChangeRecord) (ChangeRecord, error) {
	if err := ValidateFamilyName(rec.Collection, rec.Family); err != nil {
		return ChangeRecord{}, err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		families := tx.Bucket(bucketFamilies)
		k := familyRecordKey(rec.Collection, rec.Family)
		var current FamilyRecord
		data := families.Get(k)
		if data != nil {
			if err := codec.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("boltdb: decode family: %w", err)
			}
		}
		if err := checkExpected(rec, current, data != nil, expected); err != nil {
			return err
		}
		rec.Revision = current.Revision + 1
		change.Revision = rec.Revision
		if err := putRecord(families, k, rec); err != nil {
			return err
		}
		changes := tx.Bucket(bucketChanges)
		seq, err := changes.NextSequence()
		if err != nil {
			return err
		}
		change.Seq = seq
		return putRecord(changes, encodeUint64(seq), change)
	})
	if err != nil {
		return ChangeRecord{}, err
	}
	return change, nil
}

func (b *BoltStore) ListChanges(ctx context.Context, since uint64, limit int) ([]ChangeRecord, error) {
	var out []ChangeRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChanges).Cursor()
		for k, v := c.Seek(encodeUint64(since + 1)); k != nil; k, v = c.Next() {
			var change ChangeRecord
			if err := codec.Unmarshal(v, &change); err != nil {
				return fmt.Errorf("boltdb: decode change %d: %w", decodeUint64(k), err)
			}
			out = append(out, change)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func incRef(tx *bolt.Tx, id blob.ID, delta int) (int, error) {
	bkt := tx.Bucket(bucketRefs)
	key := []byte(id)
	cur := decodeInt(bkt.Get(key)) + delta
	if cur <= 0 {
		return 0, bkt.Delete(key)
	}
	if err := bkt.Put(key, encodeInt(cur)); err != nil {
		return 0, err
	}
	return cur, tx.Bucket(bucketGCQueue).Delete(key)
}

func putRecord(bkt *bolt.Bucket, key []byte, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("boltdb: encode record: %w", err)
	}
	return bkt.Put(key, data)
}

func entryKey(key blob.Key) []byte {
	k := make([]byte, 0, len(key.Namespace)+1+len(key.Digest))
	k = append(k, key.Namespace...)
	k = append(k, 0)
	return append(k, string(key.Digest)...)
}

func familyRecordKey(collection, name string) []byte {
	k := make([]byte, 0, len(collection)+1+len(name))
	k = append(k, collection...)
	k = append(k, 0)
	return append(k, name...)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeInt(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(v)))
	return buf
}

func decodeInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(int64(binary.BigEndian.Uint64(b)))
}
