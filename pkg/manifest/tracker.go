// Package manifest detects updates of upstream font families and hands
// changed families to the snapshot coordinator.
package manifest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fontbakery/dashcache/pkg/family"
	"github.com/fontbakery/dashcache/pkg/meta"
	"github.com/fontbakery/dashcache/pkg/xerrors"
)

const (
	DefaultPokeTimeout = 5 * time.Minute
	DefaultPollRetries = 3
	DefaultRetryBase   = 500 * time.Millisecond
	DefaultParallel    = 4
)

// State is the phase of a collection's update cycle.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateDiffing
	StateUnchanged
	StateChangeDetected
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateDiffing:
		return "diffing"
	case StateUnchanged:
		return "unchanged"
	case StateChangeDetected:
		return "change-detected"
	default:
		return "idle"
	}
}

// PokeStatus tells whether a poke ran a cycle.
type PokeStatus int

const (
	// PokeAccepted means a cycle ran for this poke.
	PokeAccepted PokeStatus = iota
	// PokeBusy means a cycle was already in flight; the poke is merged into it.
	PokeBusy
)

func (s PokeStatus) String() string {
	if s == PokeBusy {
		return "BUSY"
	}
	return "OK"
}

// ReportStatus classifies a family's outcome in a cycle.
type ReportStatus string

const (
	ReportUpdated   ReportStatus = "updated"
	ReportUnchanged ReportStatus = "unchanged"
	ReportSkipped   ReportStatus = "skipped"
	ReportFailed    ReportStatus = "failed"
	ReportWarning   ReportStatus = "warning"
)

// FamilyReport is one line of a cycle's family report.
type FamilyReport struct {
	Family  string       `cbor:"family"`
	Status  ReportStatus `cbor:"status"`
	Message string       `cbor:"message,omitempty"`
}

// PokeResult is the outcome of Poke.
type PokeResult struct {
	Status     PokeStatus
	Collection string
	Changes    []meta.ChangeRecord
	Reports    []FamilyReport
}

// Committer snapshots a changed family. *snapshot.Coordinator implements it.
type Committer interface {
	Commit(ctx context.Context, collection, name string, files []family.File, expected meta.Version) (meta.ChangeRecord, error)
}

// Records reads the fingerprint table.
type Records interface {
	GetFamily(ctx context.Context, collection, name string) (meta.FamilyRecord, error)
	ListFamilies(ctx context.Context, collection string) ([]meta.FamilyRecord, error)
}

// Options configures a Tracker.
type Options struct {
	Source    Source
	Records   Records
	Committer Committer
	// Whitelist, when non-empty, restricts updates to the named families.
	Whitelist   []string
	PokeTimeout time.Duration
	// PollRetries is the number of retries of an unavailable source; a
	// negative value disables retrying.
	PollRetries int
	RetryBase   time.Duration
	// Parallel bounds concurrent commits per cycle.
	Parallel int
	Logger   *slog.Logger
}

// Tracker runs update cycles per collection. At most one cycle per
// collection is in flight.
type Tracker struct {
	source      Source
	records     Records
	committer   Committer
	whitelist   map[string]bool
	pokeTimeout time.Duration
	pollRetries int
	retryBase   time.Duration
	parallel    int
	log         *slog.Logger

	mu     sync.Mutex
	states map[string]State
	active map[string]bool
}

// New returns a Tracker.
func New(opts Options) (*Tracker, error) {
	if opts.Source == nil || opts.Records == nil || opts.Committer == nil {
		return nil, errors.New("manifest: source, records and committer are required")
	}
	if opts.PokeTimeout <= 0 {
		opts.PokeTimeout = DefaultPokeTimeout
	}
	if opts.PollRetries < 0 {
		opts.PollRetries = 0
	} else if opts.PollRetries == 0 {
		opts.PollRetries = DefaultPollRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.Parallel <= 0 {
		opts.Parallel = DefaultParallel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracker{
		source:      opts.Source,
		records:     opts.Records,
		committer:   opts.Committer,
		pokeTimeout: opts.PokeTimeout,
		pollRetries: opts.PollRetries,
		retryBase:   opts.RetryBase,
		parallel:    opts.Parallel,
		log:         opts.Logger,
		states:      make(map[string]State),
		active:      make(map[string]bool),
	}
	if len(opts.Whitelist) > 0 {
		t.whitelist = make(map[string]bool, len(opts.Whitelist))
		for _, name := range opts.Whitelist {
			t.whitelist[name] = true
		}
	}
	return t, nil
}

// State returns the current phase of collection.
func (t *Tracker) State(collection string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[collection]
}

// Poke runs one update cycle for collection and waits for it, bounded by the
// poke timeout. If a cycle for the collection is already running, Poke
// returns PokeBusy at once. With force, every family is snapshotted again
// even if its fingerprint is unchanged.
func (t *Tracker) Poke(ctx context.Context, collection string, force bool) (PokeResult, error) {
	if !t.acquire(collection) {
		t.log.InfoContext(ctx, "poke merged into running cycle", "collection", collection)
		return PokeResult{Status: PokeBusy, Collection: collection}, nil
	}
	defer t.release(collection)

	ctx, cancel := context.WithTimeout(ctx, t.pokeTimeout)
	defer cancel()
	result, err := t.cycle(ctx, collection, force)
	result.Status = PokeAccepted
	result.Collection = collection
	return result, err
}

// Run pokes every collection each interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, collections []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, collection := range collections {
			result, err := t.Poke(ctx, collection, false)
			if err != nil && ctx.Err() == nil {
				t.log.ErrorContext(ctx, "poll failed", "collection", collection, "error", err)
				continue
			}
			t.log.DebugContext(ctx, "poll finished", "collection", collection, "status", result.Status.String(), "changes", len(result.Changes))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) acquire(collection string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[collection] {
		return false
	}
	t.active[collection] = true
	return true
}

func (t *Tracker) release(collection string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, collection)
	t.states[collection] = StateIdle
}

func (t *Tracker) setState(collection string, s State) {
	t.mu.Lock()
	t.states[collection] = s
	t.mu.Unlock()
}

type pending struct {
	fam      Family
	fp       family.Fingerprint
	expected meta.Version
}

func (t *Tracker) cycle(ctx context.Context, collection string, force bool) (PokeResult, error) {
	t.setState(collection, StatePolling)
	listing, err := t.poll(ctx, collection)
	if err != nil {
		return PokeResult{}, err
	}

	t.setState(collection, StateDiffing)
	known, err := t.records.ListFamilies(ctx, collection)
	if err != nil {
		return PokeResult{}, err
	}
	committed := make(map[string]meta.Version, len(known))
	for _, rec := range known {
		committed[rec.Family] = rec.Version()
	}

	result := PokeResult{Reports: append([]FamilyReport(nil), listing.Reports...)}
	var work []pending
	for _, fam := range listing.Families {
		if t.whitelist != nil && !t.whitelist[fam.Name] {
			result.Reports = append(result.Reports, FamilyReport{Family: fam.Name, Status: ReportSkipped, Message: "not whitelisted"})
			continue
		}
		fp := family.Compute(fam.Files)
		expected, seen := committed[fam.Name]
		if seen && expected.Fingerprint == fp && !force {
			result.Reports = append(result.Reports, FamilyReport{Family: fam.Name, Status: ReportUnchanged})
			continue
		}
		work = append(work, pending{fam: fam, fp: fp, expected: expected})
	}
	if err := ctx.Err(); err != nil {
		return PokeResult{}, err
	}
	if len(work) == 0 {
		t.setState(collection, StateUnchanged)
		sortReports(result.Reports)
		return result, nil
	}
	t.setState(collection, StateChangeDetected)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(t.parallel)
	for _, w := range work {
		g.Go(func() error {
			change, report := t.commit(ctx, collection, w, force)
			mu.Lock()
			defer mu.Unlock()
			result.Reports = append(result.Reports, report)
			if report.Status == ReportUpdated {
				result.Changes = append(result.Changes, change)
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		sortReports(result.Reports)
		t.log.WarnContext(ctx, "update cycle interrupted", "collection", collection, "changes", len(result.Changes), "error", err)
		return result, err
	}

	sort.Slice(result.Changes, func(i, j int) bool { return result.Changes[i].Seq < result.Changes[j].Seq })
	sortReports(result.Reports)
	t.log.InfoContext(ctx, "update cycle finished", "collection", collection, "families", len(listing.Families), "changes", len(result.Changes))
	return result, nil
}

// commit snapshots one family, re-reading the table and retrying once if
// another writer got there first.
func (t *Tracker) commit(ctx context.Context, collection string, w pending, force bool) (meta.ChangeRecord, FamilyReport) {
	report := FamilyReport{Family: w.fam.Name}
	expected := w.expected
	for attempt := 0; ; attempt++ {
		change, err := t.committer.Commit(ctx, collection, w.fam.Name, w.fam.Files, expected)
		if err == nil {
			report.Status = ReportUpdated
			return change, report
		}
		if !xerrors.Is(err, xerrors.KindConflict) || attempt > 0 {
			report.Status = ReportFailed
			report.Message = err.Error()
			t.log.WarnContext(ctx, "family update failed", "collection", collection, "family", w.fam.Name, "error", err)
			return meta.ChangeRecord{}, report
		}
		rec, err := t.records.GetFamily(ctx, collection, w.fam.Name)
		switch {
		case xerrors.Is(err, xerrors.KindNotFound):
			expected = meta.Version{}
		case err != nil:
			report.Status = ReportFailed
			report.Message = err.Error()
			return meta.ChangeRecord{}, report
		default:
			expected = rec.Version()
		}
		if expected.Fingerprint == w.fp && !force {
			report.Status = ReportUnchanged
			report.Message = "already committed concurrently"
			return meta.ChangeRecord{}, report
		}
	}
}

func (t *Tracker) poll(ctx context.Context, collection string) (Listing, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.retryBase
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(t.pollRetries)), ctx)

	attempt := 0
	listing, err := backoff.RetryWithData(func() (Listing, error) {
		attempt++
		listing, err := t.source.Families(ctx, collection)
		if err == nil {
			return listing, nil
		}
		if !xerrors.Is(err, xerrors.KindUnavailable) {
			return Listing{}, backoff.Permanent(err)
		}
		t.log.WarnContext(ctx, "source unavailable", "collection", collection, "attempt", attempt, "error", err)
		return Listing{}, err
	}, policy)
	if err != nil {
		return Listing{}, err
	}
	return listing, nil
}

func sortReports(reports []FamilyReport) {
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].Family < reports[j].Family })
}
