// Package cachesvc implements the Cache service: streamed uploads into the
// blob store, typed retrieval and purge.
package cachesvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

const (
	DefaultMaxItemBytes   = 64 << 20
	DefaultIdleTimeout    = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Item is one chunk of an upload. Namespace and ContentType are taken from
// the first chunk; later chunks may leave them empty. The final chunk sets
// Last.
type Item struct {
	Namespace   string `cbor:"namespace,omitempty"`
	ContentType string `cbor:"content_type,omitempty"`
	Payload     []byte `cbor:"payload"`
	Last        bool   `cbor:"last,omitempty"`
}

// ItemStream yields upload chunks. Recv returns io.EOF after the last chunk.
// Implementations must unblock Recv once the upload's context is done.
type ItemStream interface {
	Recv() (Item, error)
}

// Payload is a typed container: TypeURL names the stored content type.
type Payload struct {
	TypeURL string
	Value   []byte
}

// Backend is the storage the service fronts. *blob.Store implements it.
type Backend interface {
	Put(ctx context.Context, namespace, contentType string, data []byte) (blob.Key, error)
	Get(ctx context.Context, key blob.Key) (blob.Object, error)
	Purge(ctx context.Context, key blob.Key) (blob.PurgeStatus, error)
}

// Options configures a Service.
type Options struct {
	Backend        Backend
	MaxItemBytes   int64
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Service is the Cache service.
type Service struct {
	backend        Backend
	maxItemBytes   int64
	idleTimeout    time.Duration
	requestTimeout time.Duration
	log            *slog.Logger
}

// New returns a Service. Zero limits take the package defaults.
func New(opts Options) (*Service, error) {
	if opts.Backend == nil {
		return nil, errors.New("cachesvc: backend is required")
	}
	if opts.MaxItemBytes <= 0 {
		opts.MaxItemBytes = DefaultMaxItemBytes
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		backend:        opts.Backend,
		maxItemBytes:   opts.MaxItemBytes,
		idleTimeout:    opts.IdleTimeout,
		requestTimeout: opts.RequestTimeout,
		log:            opts.Logger,
	}, nil
}

type recvResult struct {
	item Item
	err  error
}

// Put assembles the chunks of stream into one item and stores it. Nothing is
// stored unless the stream ends cleanly after a Last chunk; every other
// outcome is a KindInvalidStream error or the context's error.
func (s *Service) Put(ctx context.Context, stream ItemStream) (blob.Key, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan recvResult)
	go func() {
		for {
			item, err := stream.Recv()
			select {
			case chunks <- recvResult{item: item, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		buf       bytes.Buffer
		namespace string
		ctype     string
		received  int
		sawLast   bool
	)
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

recv:
	for {
		select {
		case <-ctx.Done():
			return blob.Key{}, fmt.Errorf("put: %w", ctx.Err())
		case <-idle.C:
			return blob.Key{}, s.reject(ctx, namespace, fmt.Errorf("no chunk within %s", s.idleTimeout))
		case r := <-chunks:
			if errors.Is(r.err, io.EOF) {
				if !sawLast {
					return blob.Key{}, s.reject(ctx, namespace, errors.New("stream ended without a final chunk"))
				}
				break recv
			}
			if r.err != nil {
				return blob.Key{}, s.reject(ctx, namespace, r.err)
			}
			if sawLast {
				return blob.Key{}, s.reject(ctx, namespace, errors.New("chunk after final chunk"))
			}
			item := r.item
			if received == 0 {
				namespace, ctype = item.Namespace, item.ContentType
				if err := blob.ValidateNamespace(namespace); err != nil {
					return blob.Key{}, s.reject(ctx, namespace, err)
				}
				if ctype == "" {
					return blob.Key{}, s.reject(ctx, namespace, errors.New("first chunk has no content type"))
				}
			} else if (item.Namespace != "" && item.Namespace != namespace) || (item.ContentType != "" && item.ContentType != ctype) {
				return blob.Key{}, s.reject(ctx, namespace, fmt.Errorf("chunk %d changes namespace or content type", received))
			}
			if int64(buf.Len())+int64(len(item.Payload)) > s.maxItemBytes {
				return blob.Key{}, s.reject(ctx, namespace, fmt.Errorf("item exceeds %d bytes", s.maxItemBytes))
			}
			buf.Write(item.Payload)
			received++
			sawLast = item.Last
			idle.Reset(s.idleTimeout)
		}
	}

	key, err := s.backend.Put(ctx, namespace, ctype, buf.Bytes())
	if err != nil {
		return blob.Key{}, err
	}
	s.log.InfoContext(ctx, "cache put", "key", key.String(), "content_type", ctype, "size", buf.Len(), "chunks", received)
	return key, nil
}

func (s *Service) reject(ctx context.Context, namespace string, err error) error {
	s.log.WarnContext(ctx, "cache put rejected", "namespace", namespace, "error", err)
	return xerrors.Wrap(xerrors.KindInvalidStream, "put", namespace, err)
}

// Get returns the stored item for key.
func (s *Service) Get(ctx context.Context, key blob.Key) (Payload, error) {
	if err := key.Validate(); err != nil {
		return Payload{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	obj, err := s.backend.Get(ctx, key)
	if err != nil {
		return Payload{}, err
	}
	return Payload{TypeURL: obj.ContentType, Value: obj.Data}, nil
}

// Purge removes key. Purging an unknown key reports blob.PurgeNotFound.
func (s *Service) Purge(ctx context.Context, key blob.Key) (blob.PurgeStatus, error) {
	if err := key.Validate(); err != nil {
		return blob.PurgeNotFound, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	status, err := s.backend.Purge(ctx, key)
	if err != nil {
		return blob.PurgeNotFound, err
	}
	s.log.InfoContext(ctx, "cache purge", "key", key.String(), "status", status.String())
	return status, nil
}
