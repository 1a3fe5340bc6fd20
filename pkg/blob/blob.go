package blob

import (
	"context"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// MaxNamespaceLen bounds Key.Namespace.
const MaxNamespaceLen = 256

// Key identifies one cache entry. It is derived from the namespace, the
// content type and the payload bytes, so it never changes once issued.
type Key struct {
	Namespace string        `cbor:"namespace"`
	Digest    digest.Digest `cbor:"digest"`
}

// String renders the key as namespace@algorithm:hex.
func (k Key) String() string {
	return k.Namespace + "@" + k.Digest.String()
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Namespace == "" && k.Digest == ""
}

// ID names the stored payload behind a key. Entries in different namespaces
// with identical content share one payload.
func (k Key) ID() ID {
	return ID(k.Digest.Encoded())
}

// Validate checks namespace and digest syntax.
func (k Key) Validate() error {
	if err := ValidateNamespace(k.Namespace); err != nil {
		return err
	}
	if err := k.Digest.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, "key", k.String(), err)
	}
	if k.Digest.Algorithm() != digest.Canonical {
		return xerrors.E(xerrors.KindInvalid, "key", k.String())
	}
	return nil
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return Key{}, xerrors.E(xerrors.KindInvalid, "parse key", s)
	}
	key := Key{Namespace: s[:i], Digest: digest.Digest(s[i+1:])}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}

// ValidateNamespace rejects empty, oversized or NUL-containing namespaces.
func ValidateNamespace(ns string) error {
	switch {
	case ns == "":
		return xerrors.E(xerrors.KindInvalid, "namespace", "empty")
	case len(ns) > MaxNamespaceLen:
		return xerrors.E(xerrors.KindInvalid, "namespace", "too long")
	case strings.ContainsRune(ns, 0):
		return xerrors.E(xerrors.KindInvalid, "namespace", "contains NUL")
	}
	return nil
}

// ComputeDigest hashes the content type and payload. The content type acts as
// the type discriminator, so identical bytes stored as different types get
// different keys.
func ComputeDigest(contentType string, data []byte) digest.Digest {
	digester := digest.Canonical.Digester()
	h := digester.Hash()
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write(data)
	return digester.Digest()
}

// KeyFor returns the key that Put will assign.
func KeyFor(namespace, contentType string, data []byte) Key {
	return Key{Namespace: namespace, Digest: ComputeDigest(contentType, data)}
}

// Entry is the index record of a stored item.
type Entry struct {
	Key         Key       `cbor:"key"`
	ContentType string    `cbor:"content_type"`
	Size        int64     `cbor:"size"`
	BlobID      ID        `cbor:"blob_id"`
	CreatedAt   time.Time `cbor:"created_at"`
	UpdatedAt   time.Time `cbor:"updated_at"`
}

// Object is a retrieved item.
type Object struct {
	Key         Key
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// PurgeStatus reports the outcome of a purge.
type PurgeStatus int

const (
	PurgeNotFound PurgeStatus = iota
	PurgeDeleted
)

func (s PurgeStatus) String() string {
	if s == PurgeDeleted {
		return "DELETED"
	}
	return "NOT_FOUND"
}

// Index persists entries and the payload reference counts. Implementations
// must adjust the reference count of Entry.BlobID in the same atomic step as
// the entry change.
type Index interface {
	// PutEntry stores e unless its key exists, in which case only UpdatedAt
	// is refreshed. It returns the stored entry and whether it was created.
	PutEntry(ctx context.Context, e Entry) (Entry, bool, error)
	GetEntry(ctx context.Context, key Key) (Entry, error)
	// DeleteEntry removes the entry and releases its payload reference.
	DeleteEntry(ctx context.Context, key Key) (Entry, error)
	CountEntries(ctx context.Context) (int, error)
}

// ID is the logical identifier of a payload file.
type ID string

// PayloadStore holds opaque payload bytes by ID.
type PayloadStore interface {
	Put(ctx context.Context, id ID, data []byte) (int64, error)
	Get(ctx context.Context, id ID) ([]byte, error)
	Delete(ctx context.Context, id ID) error
}
