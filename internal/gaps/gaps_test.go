package gaps

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"routeflow/internal/domain"
)

func g(start, end int64) domain.DataGap {
	return domain.DataGap{StartID: start, EndID: end}
}

func equalGaps(a, b []domain.DataGap) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].StartID != b[i].StartID || a[i].EndID != b[i].EndID {
			return false
		}
	}
	return true
}

func TestSubtractSplitsAroundIDs(t *testing.T) {
	cases := []struct {
		name string
		in   []domain.DataGap
		ids  []int64
		want []domain.DataGap
	}{
		{name: "close whole gap", in: []domain.DataGap{g(100, 102)}, ids: []int64{100, 101, 102}, want: nil},
		{name: "shrink from left", in: []domain.DataGap{g(100, 200)}, ids: []int64{101, 100}, want: []domain.DataGap{g(102, 200)}},
		{name: "split interleaved", in: []domain.DataGap{g(400, 410)}, ids: []int64{400, 402, 404}, want: []domain.DataGap{g(401, 401), g(403, 403), g(405, 410)}},
		{name: "ids outside ignored", in: []domain.DataGap{g(10, 20)}, ids: []int64{5, 25}, want: []domain.DataGap{g(10, 20)}},
		{name: "duplicates", in: []domain.DataGap{g(1, 5)}, ids: []int64{3, 3, 3}, want: []domain.DataGap{g(1, 2), g(4, 5)}},
		{name: "multiple gaps", in: []domain.DataGap{g(1, 3), g(7, 9)}, ids: []int64{3, 7}, want: []domain.DataGap{g(1, 2), g(8, 9)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Subtract(tc.in, tc.ids, time.Time{}); !equalGaps(got, tc.want) {
				t.Fatalf("Subtract=%v want %v", got, tc.want)
			}
		})
	}
}

func TestSubtractNeverKeepsRoutedIDProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(raw []uint8) bool {
		in := []domain.DataGap{g(0, 99), g(150, 255)}
		ids := make([]int64, len(raw))
		for i, r := range raw {
			ids[i] = int64(r)
		}
		out := Subtract(in, ids, time.Time{})
		routed := map[int64]bool{}
		for _, id := range ids {
			routed[id] = true
			if Contains(out, id) {
				return false
			}
		}
		// every id that was in a gap and not routed is still covered
		for _, gap := range in {
			for id := gap.StartID; id <= gap.EndID; id++ {
				if !routed[id] && !Contains(out, id) {
					return false
				}
			}
		}
		for i := 1; i < len(out); i++ {
			if out[i].StartID <= out[i-1].EndID {
				return false
			}
		}
		return true
	}, cfg); err != nil {
		t.Fatalf("subtract property failed: %v", err)
	}
}

func TestSubtractStampsSplitPieces(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := old.Add(3 * time.Hour)
	in := []domain.DataGap{{StartID: 1, EndID: 5, CreateTime: old}, {StartID: 10, EndID: 1000, CreateTime: old}}
	out := Subtract(in, []int64{11}, now)
	if !equalGaps(out, []domain.DataGap{g(1, 5), g(10, 10), g(12, 1000)}) {
		t.Fatalf("Subtract=%v", out)
	}
	if !out[0].CreateTime.Equal(old) {
		t.Fatalf("untouched gap was restamped: %v", out[0].CreateTime)
	}
	for _, piece := range out[1:] {
		if !piece.CreateTime.Equal(now) {
			t.Fatalf("split piece [%d,%d] kept create time %v", piece.StartID, piece.EndID, piece.CreateTime)
		}
	}
}

func TestDiffSeesRefreshedCreateTime(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := []domain.DataGap{{StartID: 2, EndID: 3, CreateTime: old}}
	after := []domain.DataGap{{StartID: 2, EndID: 3, CreateTime: old.Add(time.Hour)}}
	deleted, inserted := Diff(before, after)
	if len(deleted) != 1 || len(inserted) != 1 || !inserted[0].CreateTime.Equal(after[0].CreateTime) {
		t.Fatalf("Diff deleted=%v inserted=%v", deleted, inserted)
	}
}

func TestNormalizeMergesOverlaps(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []domain.DataGap{g(50, 60), {StartID: 10, EndID: 30, CreateTime: old.Add(time.Hour)}, {StartID: 20, EndID: 40, CreateTime: old}, g(9, 5)}
	got := Normalize(in)
	if !equalGaps(got, []domain.DataGap{g(10, 40), g(50, 60)}) {
		t.Fatalf("Normalize=%v", got)
	}
	if !got[0].CreateTime.Equal(old) {
		t.Fatalf("merged gap should keep the oldest create time")
	}
}

func TestReopenAndDiff(t *testing.T) {
	before := []domain.DataGap{g(10, 20), g(100, 200)}
	after := Reopen(before, []int64{5, 15, 50, 50}, time.Now())
	if !equalGaps(after, []domain.DataGap{g(5, 5), g(10, 20), g(50, 50), g(100, 200)}) {
		t.Fatalf("Reopen=%v", after)
	}
	deleted, inserted := Diff(before, after)
	if len(deleted) != 0 || !equalGaps(inserted, []domain.DataGap{g(5, 5), g(50, 50)}) {
		t.Fatalf("Diff deleted=%v inserted=%v", deleted, inserted)
	}
	deleted, inserted = Diff(after, Subtract(after, []int64{150}, time.Now()))
	if !equalGaps(deleted, []domain.DataGap{g(100, 200)}) || !equalGaps(inserted, []domain.DataGap{g(100, 149), g(151, 200)}) {
		t.Fatalf("Diff after subtract deleted=%v inserted=%v", deleted, inserted)
	}
}
