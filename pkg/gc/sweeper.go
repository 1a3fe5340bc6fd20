package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fontbakery/dashcache/pkg/blob"
	"github.com/fontbakery/dashcache/pkg/meta"
)

// Options configures a Sweeper.
type Options struct {
	Store    meta.Store
	Payloads blob.PayloadStore
	// Lock is held while a batch is deleted. Writers hold its shared side
	// (see blob.Store.GCLock) so a payload is never removed under a Put.
	Lock sync.Locker
	// OnDelete is called for every payload removed.
	OnDelete  func(blob.ID)
	BatchSize int
	Logger    *slog.Logger
}

// Sweeper removes payload files that no cache entry references.
type Sweeper struct {
	store     meta.Store
	payloads  blob.PayloadStore
	lock      sync.Locker
	onDelete  func(blob.ID)
	batchSize int
	log       *slog.Logger
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// NewSweeper wires metadata and payload stores for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lock := opts.Lock
	if lock == nil {
		lock = noLock{}
	}
	return &Sweeper{
		store:     opts.Store,
		payloads:  opts.Payloads,
		lock:      lock,
		onDelete:  opts.OnDelete,
		batchSize: opts.BatchSize,
		log:       logger,
	}
}

// Sweep performs a best-effort GC pass, returning payloads deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.store == nil || s.payloads == nil {
		return 0, fmt.Errorf("gc sweeper missing dependencies")
	}
	limit := s.batchSize
	if limit <= 0 {
		limit = 128
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, more, err := s.sweepBatch(ctx, limit)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

func (s *Sweeper) sweepBatch(ctx context.Context, limit int) (int, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	ids, err := s.store.ListZeroRef(ctx, limit)
	if err != nil {
		return 0, false, err
	}
	var deleted int
	for _, id := range ids {
		removed, err := s.removePayload(ctx, id)
		if err != nil {
			return deleted, false, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, len(ids) == limit, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("gc sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("gc sweep", "deleted", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

func (s *Sweeper) removePayload(ctx context.Context, id blob.ID) (bool, error) {
	// A queued payload may have been referenced again since it was queued.
	refs, err := s.store.Refs(ctx, id)
	if err != nil {
		return false, err
	}
	if refs > 0 {
		return false, s.store.MarkGCComplete(ctx, id)
	}
	if err := s.payloads.Delete(ctx, id); err != nil {
		return false, err
	}
	if s.onDelete != nil {
		s.onDelete(id)
	}
	s.log.Debug("deleted payload", "blob", id)
	return true, s.store.MarkGCComplete(ctx, id)
}
