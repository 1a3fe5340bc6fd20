// Package rpc binds the Cache and Manifest services to gRPC. Messages travel
// as deterministic CBOR using the "cbor" codec registered by this package,
// so no generated protobuf code is involved.
package rpc

import (
	"github.com/opencontainers/go-digest"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/manifest"
	"github.com/fontbakery/dashcache/pkg/meta"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

// CacheKey addresses a cached item.
type CacheKey struct {
	Namespace string `cbor:"namespace"`
	Digest    string `cbor:"digest"`
}

// CacheItem is one upload chunk.
type CacheItem struct {
	Namespace   string `cbor:"namespace,omitempty"`
	ContentType string `cbor:"content_type,omitempty"`
	Payload     []byte `cbor:"payload"`
	Last        bool   `cbor:"last,omitempty"`
}

// AnyPayload is a typed value: TypeURL is the stored content type.
type AnyPayload struct {
	TypeURL string `cbor:"type_url"`
	Value   []byte `cbor:"value"`
}

// Cache status values.
const (
	StatusDeleted  = "DELETED"
	StatusNotFound = "NOT_FOUND"
)

// CacheStatus is the result of a purge.
type CacheStatus struct {
	Status string `cbor:"status"`
}

// PokeRequest asks the Manifest service to check a collection.
type PokeRequest struct {
	Collection string `cbor:"collection"`
	Force      bool   `cbor:"force,omitempty"`
}

// Poke status values.
const (
	StatusOK   = "OK"
	StatusBusy = "BUSY"
)

// GenericResponse answers a poke.
type GenericResponse struct {
	Status  string                  `cbor:"status"`
	Message string                  `cbor:"message,omitempty"`
	Changes []meta.ChangeRecord     `cbor:"changes,omitempty"`
	Reports []manifest.FamilyReport `cbor:"reports,omitempty"`
}

// NewCacheKey converts a blob key to its wire form.
func NewCacheKey(k blob.Key) *CacheKey {
	return &CacheKey{Namespace: k.Namespace, Digest: k.Digest.String()}
}

// Key converts the wire key back, validating it.
func (k *CacheKey) Key() (blob.Key, error) {
	if k == nil {
		return blob.Key{}, xerrors.E(xerrors.KindInvalid, "key", "missing")
	}
	key := blob.Key{Namespace: k.Namespace, Digest: digest.Digest(k.Digest)}
	if err := key.Validate(); err != nil {
		return blob.Key{}, err
	}
	return key, nil
}
