package gaps

import (
	"sort"
	"time"

	"routeflow/internal/domain"
)

// Normalize sorts gaps by start id and merges overlapping ranges. Inverted
// ranges are dropped.
func Normalize(gaps []domain.DataGap) []domain.DataGap {
	in := make([]domain.DataGap, 0, len(gaps))
	for _, g := range gaps {
		if g.EndID >= g.StartID {
			in = append(in, g)
		}
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].StartID == in[j].StartID {
			return in[i].EndID < in[j].EndID
		}
		return in[i].StartID < in[j].StartID
	})
	out := make([]domain.DataGap, 0, len(in))
	for _, g := range in {
		if n := len(out); n > 0 && g.StartID <= out[n-1].EndID {
			last := &out[n-1]
			if g.EndID > last.EndID {
				last.EndID = g.EndID
			}
			if g.CreateTime.Before(last.CreateTime) {
				last.CreateTime = g.CreateTime
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

// Subtract removes ids from gaps, splitting any gap an id falls inside. ids
// need not be sorted; ids outside every gap are ignored. Pieces of a gap that
// lost ids are stamped with created; untouched gaps keep their create time.
func Subtract(gaps []domain.DataGap, ids []int64, created time.Time) []domain.DataGap {
	if len(ids) == 0 {
		return append([]domain.DataGap(nil), gaps...)
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]domain.DataGap, 0, len(gaps))
	for _, g := range gaps {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= g.StartID })
		if i == len(sorted) || sorted[i] > g.EndID {
			out = append(out, g)
			continue
		}
		start := g.StartID
		for ; i < len(sorted) && sorted[i] <= g.EndID; i++ {
			id := sorted[i]
			if id < start {
				continue
			}
			if id > start {
				out = append(out, domain.DataGap{StartID: start, EndID: id - 1, CreateTime: created})
			}
			start = id + 1
		}
		if start <= g.EndID {
			out = append(out, domain.DataGap{StartID: start, EndID: g.EndID, CreateTime: created})
		}
	}
	return out
}

// Reopen adds single-id gaps for ids not already covered.
func Reopen(gaps []domain.DataGap, ids []int64, created time.Time) []domain.DataGap {
	out := append([]domain.DataGap(nil), gaps...)
	for _, id := range ids {
		if Contains(gaps, id) {
			continue
		}
		out = append(out, domain.DataGap{StartID: id, EndID: id, CreateTime: created})
	}
	return Normalize(out)
}

// Contains reports whether id lies inside one of the sorted gaps.
func Contains(gaps []domain.DataGap, id int64) bool {
	i := sort.Search(len(gaps), func(i int) bool { return gaps[i].EndID >= id })
	return i < len(gaps) && gaps[i].StartID <= id
}

// Diff returns the gaps present only in before and only in after. A range
// whose create time changed shows up in both.
func Diff(before, after []domain.DataGap) (deleted, inserted []domain.DataGap) {
	type key struct{ start, end, created int64 }
	keyOf := func(g domain.DataGap) key {
		var ns int64
		if !g.CreateTime.IsZero() {
			ns = g.CreateTime.UnixNano()
		}
		return key{g.StartID, g.EndID, ns}
	}
	prev := make(map[key]struct{}, len(before))
	for _, g := range before {
		prev[keyOf(g)] = struct{}{}
	}
	next := make(map[key]struct{}, len(after))
	for _, g := range after {
		k := keyOf(g)
		next[k] = struct{}{}
		if _, ok := prev[k]; !ok {
			inserted = append(inserted, g)
		}
	}
	for _, g := range before {
		if _, ok := next[keyOf(g)]; !ok {
			deleted = append(deleted, g)
		}
	}
	return deleted, inserted
}
