package gaps

import (
	"context"
	"errors"
	"testing"
	"time"

	"routeflow/internal/domain"
	"routeflow/internal/storage/sqlite"
)

func newTracker(t *testing.T, size int64) (*Tracker, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewTracker(s, Config{Size: size, StaleGapTime: time.Minute}, nil), s
}

func advance(t *testing.T, tr *Tracker, s *sqlite.Store, ids ...int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tr.Advance(ctx, tx, ids, tx.Commit); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSeedsTailGap(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(1, 1000)}) {
		t.Fatalf("seed gaps=%v", got)
	}
	stored, err := s.LoadGaps(ctx)
	if err != nil || !equalGaps(stored, []domain.DataGap{g(1, 1000)}) {
		t.Fatalf("stored gaps=%v err=%v", stored, err)
	}
	if tr.NextScanStart() != 1 {
		t.Fatalf("next scan start=%d", tr.NextScanStart())
	}
}

func TestAdvancePersistsAndResumes(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	advance(t, tr, s, 1, 2, 3, 5)

	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(4, 4), g(6, 1000)}) {
		t.Fatalf("gaps after advance=%v", got)
	}

	resumed := NewTracker(s, Config{Size: 1000}, nil)
	if err := resumed.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if resumed.NextScanStart() != 4 {
		t.Fatalf("resume should start at the first open id, got %d", resumed.NextScanStart())
	}
	if !equalGaps(resumed.Gaps(), tr.Gaps()) {
		t.Fatalf("persisted gaps %v differ from memory %v", resumed.Gaps(), tr.Gaps())
	}
}

func TestAdvanceFailedCommitLeavesGapsUntouched(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = tr.Advance(ctx, tx, []int64{1, 2}, func() error {
		_ = tx.Rollback()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(1, 1000)}) {
		t.Fatalf("memory changed after failed commit: %v", got)
	}
	stored, _ := s.LoadGaps(ctx)
	if !equalGaps(stored, []domain.DataGap{g(1, 1000)}) {
		t.Fatalf("storage changed after failed commit: %v", stored)
	}
}

func TestAdvanceExtendsTail(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 10)
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	advance(t, tr, s, 1, 2, 3, 4, 5, 6)
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(7, 16)}) {
		t.Fatalf("tail should be re-extended, got %v", got)
	}
	advance(t, tr, s, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16)
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(17, 26)}) {
		t.Fatalf("consumed tail should be replaced, got %v", got)
	}
}

func TestRepairExpired(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendChanges(ctx, []domain.CapturedChange{
		{ID: 1, TableName: "a", EventType: domain.EventInsert},
		{ID: 3, TableName: "a", EventType: domain.EventInsert, ChannelID: "slow"},
		{ID: 5, TableName: "a", EventType: domain.EventInsert},
	}); err != nil {
		t.Fatal(err)
	}
	// id 2 never materialized, id 3 waits on another channel
	advance(t, tr, s, 1, 5)
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(2, 4), g(6, 1000)}) {
		t.Fatalf("gaps=%v", got)
	}
	advance(t, tr, s, 4)

	if n, err := tr.RepairExpired(ctx); err != nil || n != 0 {
		t.Fatalf("fresh gaps must not expire: n=%d err=%v", n, err)
	}

	clock = clock.Add(2 * time.Minute)
	if n, err := tr.RepairExpired(ctx); err != nil || n != 0 {
		t.Fatalf("gap holding change 3 must survive: n=%d err=%v", n, err)
	}
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(2, 3), g(6, 1000)}) {
		t.Fatalf("gaps=%v", got)
	}

	advance(t, tr, s, 3)
	clock = clock.Add(2 * time.Minute)
	n, err := tr.RepairExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("empty stale gap should expire: n=%d err=%v", n, err)
	}
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(6, 1000)}) {
		t.Fatalf("gaps after repair=%v", got)
	}
	stored, _ := s.LoadGaps(ctx)
	if !equalGaps(stored, tr.Gaps()) {
		t.Fatalf("stored gaps %v differ from memory %v", stored, tr.Gaps())
	}
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	advance(t, tr, s, 1, 2, 3)
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Reopen(ctx, tx, []int64{2}, tx.Commit); err != nil {
		t.Fatal(err)
	}
	if tr.NextScanStart() != 2 {
		t.Fatalf("reopened id should be the next scan start, got %d", tr.NextScanStart())
	}
}

func TestSkippedIDInOldTailGetsGracePeriod(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	// the tail has been open for hours when id 2 is skipped
	clock = clock.Add(2 * time.Hour)
	advance(t, tr, s, 1, 3)
	if got := tr.Gaps(); !equalGaps(got, []domain.DataGap{g(2, 2), g(4, 1000)}) {
		t.Fatalf("gaps=%v", got)
	}
	if n, err := tr.RepairExpired(ctx); err != nil || n != 0 {
		t.Fatalf("gap observed just now was expired: n=%d err=%v gaps=%v", n, err, tr.Gaps())
	}

	// a row that shows up late inside the gap is still covered
	if _, err := s.AppendChanges(ctx, []domain.CapturedChange{{ID: 2, TableName: "a", EventType: domain.EventInsert}}); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(30 * time.Second)
	if n, err := tr.RepairExpired(ctx); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !Contains(tr.Gaps(), 2) {
		t.Fatalf("late row 2 lost its gap: %v", tr.Gaps())
	}
}

func TestRefreshedStaleGapIsPersisted(t *testing.T) {
	ctx := context.Background()
	tr, s := newTracker(t, 1000)
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendChanges(ctx, []domain.CapturedChange{
		{ID: 1, TableName: "a", EventType: domain.EventInsert},
		{ID: 2, TableName: "a", EventType: domain.EventInsert, ChannelID: "slow"},
		{ID: 3, TableName: "a", EventType: domain.EventInsert},
	}); err != nil {
		t.Fatal(err)
	}
	advance(t, tr, s, 1, 3)

	clock = clock.Add(5 * time.Minute)
	if n, err := tr.RepairExpired(ctx); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	stored, err := s.LoadGaps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !equalGaps(stored, []domain.DataGap{g(2, 2), g(4, 1000)}) || !stored[0].CreateTime.Equal(clock) {
		t.Fatalf("refreshed gap not persisted: %v", stored)
	}

	resumed := NewTracker(s, Config{Size: 1000, StaleGapTime: time.Minute}, nil)
	resumed.now = func() time.Time { return clock.Add(10 * time.Second) }
	if err := resumed.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if n, err := resumed.RepairExpired(ctx); err != nil || n != 0 || !Contains(resumed.Gaps(), 2) {
		t.Fatalf("restarted tracker re-checked a fresh gap: n=%d err=%v", n, err)
	}
}
