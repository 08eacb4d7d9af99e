package gaps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"routeflow/internal/domain"
	"routeflow/internal/logging"
	"routeflow/internal/storage"
)

type Config struct {
	// Size is the span of the open tail gap beyond the last routed id.
	Size int64
	// StaleGapTime is how long a non-tail gap may stay open before it is
	// re-checked for data.
	StaleGapTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 50000000
	}
	if c.StaleGapTime <= 0 {
		c.StaleGapTime = time.Hour
	}
	return c
}

type Store interface {
	storage.GapStore
	CountChangesInRange(ctx context.Context, startID, endID int64) (int64, error)
	Begin(ctx context.Context) (storage.Tx, error)
}

// Tracker owns the set of id ranges that have not been confirmed routed. All
// mutations are written through a storage transaction first and applied in
// memory only once that transaction commits.
type Tracker struct {
	store  Store
	cfg    Config
	logger hclog.Logger
	now    func() time.Time

	mu     sync.Mutex
	gaps   []domain.DataGap
	loaded bool
}

func NewTracker(store Store, cfg Config, logger hclog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logging.OrNull(logger).Named("gaps"),
		now:    time.Now,
	}
}

// Load reads the persisted gaps. Overlaps are repaired, and a tail gap is
// seeded after the last routed id when none is stored.
func (t *Tracker) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored, err := t.store.LoadGaps(ctx)
	if err != nil {
		return fmt.Errorf("load gaps: %w", err)
	}
	next := Normalize(stored)
	if len(next) == 0 {
		last, err := t.store.LastRoutedChangeID(ctx)
		if err != nil {
			return fmt.Errorf("last routed change id: %w", err)
		}
		next = []domain.DataGap{{StartID: last + 1, EndID: last + t.cfg.Size, CreateTime: t.now().UTC()}}
		t.logger.Info("seeding tail gap", "start", last+1, "end", last+t.cfg.Size)
	}
	if err := t.persist(ctx, stored, next); err != nil {
		return err
	}
	t.gaps = next
	t.loaded = true
	return nil
}

func (t *Tracker) persist(ctx context.Context, before, after []domain.DataGap) error {
	deleted, inserted := Diff(before, after)
	if len(deleted) == 0 && len(inserted) == 0 {
		return nil
	}
	tx, err := t.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := write(ctx, tx, deleted, inserted); err != nil {
		return err
	}
	return tx.Commit()
}

func write(ctx context.Context, w storage.GapWriter, deleted, inserted []domain.DataGap) error {
	if err := w.DeleteGaps(ctx, deleted); err != nil {
		return err
	}
	return w.InsertGaps(ctx, inserted)
}

// Loaded reports whether Load has completed at least once.
func (t *Tracker) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// Gaps returns a copy of the current gaps in ascending order.
func (t *Tracker) Gaps() []domain.DataGap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.DataGap(nil), t.gaps...)
}

// NextScanStart is the smallest id not yet confirmed routed.
func (t *Tracker) NextScanStart() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.gaps) == 0 {
		return 0
	}
	return t.gaps[0].StartID
}

// Advance removes routedIDs from the gap set. The delta is written through w
// and commit is called while the tracker is locked, so concurrent channel
// commits apply in the same order in memory and in storage. Nothing changes
// in memory if writing or committing fails.
func (t *Tracker) Advance(ctx context.Context, w storage.GapWriter, routedIDs []int64, commit func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	next := t.extendTail(Subtract(t.gaps, routedIDs, now), maxID(routedIDs), now)
	deleted, inserted := Diff(t.gaps, next)
	if err := write(ctx, w, deleted, inserted); err != nil {
		return fmt.Errorf("write gaps: %w", err)
	}
	if err := commit(); err != nil {
		return err
	}
	t.gaps = next
	return nil
}

// Reopen puts ids back into the gap set, for changes whose routings were
// discarded.
func (t *Tracker) Reopen(ctx context.Context, w storage.GapWriter, ids []int64, commit func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := Reopen(t.gaps, ids, t.now().UTC())
	deleted, inserted := Diff(t.gaps, next)
	if err := write(ctx, w, deleted, inserted); err != nil {
		return fmt.Errorf("write gaps: %w", err)
	}
	if err := commit(); err != nil {
		return err
	}
	t.gaps = next
	return nil
}

// extendTail keeps an open gap beyond every routed id and keeps the tail at
// least half of the configured span. A tail that is passed by routed ids or
// widened is restamped, since its ids only now count as skipped.
func (t *Tracker) extendTail(gaps []domain.DataGap, maxRouted int64, now time.Time) []domain.DataGap {
	n := len(gaps)
	if n == 0 || gaps[n-1].EndID <= maxRouted {
		if n > 0 {
			gaps[n-1].CreateTime = now
		}
		start := maxRouted + 1
		return append(gaps, domain.DataGap{StartID: start, EndID: start + t.cfg.Size - 1, CreateTime: now})
	}
	tail := gaps[n-1]
	if tail.Size() < t.cfg.Size/2 {
		tail.EndID = tail.StartID + t.cfg.Size - 1
		tail.CreateTime = now
		gaps[n-1] = tail
	}
	return gaps
}

// RepairExpired re-checks every non-tail gap older than the stale threshold.
// A gap with no change rows is dropped; a gap that still holds rows gets a
// fresh grace period.
func (t *Tracker) RepairExpired(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.gaps) < 2 {
		return 0, nil
	}
	now := t.now().UTC()
	next := make([]domain.DataGap, 0, len(t.gaps))
	dropped := 0
	last := len(t.gaps) - 1
	for i, g := range t.gaps {
		if i == last || now.Sub(g.CreateTime) < t.cfg.StaleGapTime {
			next = append(next, g)
			continue
		}
		n, err := t.store.CountChangesInRange(ctx, g.StartID, g.EndID)
		if err != nil {
			return 0, fmt.Errorf("count changes in gap [%d,%d]: %w", g.StartID, g.EndID, err)
		}
		if n == 0 {
			t.logger.Info("expiring gap", "start", g.StartID, "end", g.EndID, "age", now.Sub(g.CreateTime).String())
			dropped++
			continue
		}
		t.logger.Debug("stale gap still holds changes", "start", g.StartID, "end", g.EndID, "changes", n)
		g.CreateTime = now
		next = append(next, g)
	}
	if err := t.persist(ctx, t.gaps, next); err != nil {
		return 0, err
	}
	t.gaps = next
	return dropped, nil
}

func maxID(ids []int64) int64 {
	var m int64
	for _, id := range ids {
		if id > m {
			m = id
		}
	}
	return m
}
