package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"routeflow/internal/cluster"
	"routeflow/internal/domain"
	"routeflow/internal/gaps"
	"routeflow/internal/reader"
	"routeflow/internal/route"
	"routeflow/internal/storage"
	"routeflow/internal/storage/sqlite"
)

const (
	serverGroup = "server"
	clientGroup = "client"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func channel(id string, maxBatch int) domain.Channel {
	return domain.Channel{ID: id, MaxBatchSize: maxBatch, Enabled: true}
}

func binding(channelID, table, routerType string) domain.RouteBinding {
	return domain.RouteBinding{
		TriggerID: table,
		TableName: table,
		ChannelID: channelID,
		Enabled:   true,
		Router: domain.Router{
			ID:            "r_" + channelID + "_" + table,
			Type:          routerType,
			SourceGroupID: serverGroup,
			TargetGroupID: clientGroup,
			SyncOnInsert:  true,
			SyncOnUpdate:  true,
			SyncOnDelete:  true,
		},
	}
}

// setup saves ch, b and the local server node plus one client node per id.
func setup(t *testing.T, s *sqlite.Store, ch domain.Channel, b domain.RouteBinding, clients ...string) {
	t.Helper()
	ctx := context.Background()
	must(t, s.SaveChannel(ctx, ch))
	must(t, s.SaveRouteBinding(ctx, b))
	must(t, s.SaveNode(ctx, domain.Node{ID: "s0", GroupID: serverGroup, SyncEnabled: true}))
	for _, id := range clients {
		must(t, s.SaveNode(ctx, domain.Node{ID: id, GroupID: clientGroup, SyncEnabled: true}))
	}
	must(t, s.SaveNodeGroupLink(ctx, domain.NodeGroupLink{SourceGroupID: serverGroup, TargetGroupID: clientGroup}))
}

func newService(store storage.Store, opts Options) *Service {
	opts.NodeID = "s0"
	opts.GroupID = serverGroup
	return NewService(store, cluster.NewLocal(), opts)
}

func appendChanges(t *testing.T, s *sqlite.Store, changes ...domain.CapturedChange) []int64 {
	t.Helper()
	for i := range changes {
		if changes[i].TableName == "" {
			changes[i].TableName = "item"
		}
		if changes[i].EventType == "" {
			changes[i].EventType = domain.EventInsert
		}
	}
	ids, err := s.AppendChanges(context.Background(), changes)
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func batches(t *testing.T, s *sqlite.Store, status domain.BatchStatus) []domain.OutgoingBatch {
	t.Helper()
	out, err := s.ListBatches(context.Background(), storage.BatchFilter{Status: status})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// routings returns every committed routing keyed by change id.
func routings(t *testing.T, s *sqlite.Store) map[int64][]domain.ChangeRouting {
	t.Helper()
	out := make(map[int64][]domain.ChangeRouting)
	for _, b := range batches(t, s, "") {
		rs, err := s.ListRoutings(context.Background(), b.ID)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range rs {
			out[r.ChangeID] = append(out[r.ChangeID], r)
		}
	}
	return out
}

func pairs(t *testing.T, s *sqlite.Store) []string {
	t.Helper()
	var out []string
	for id, rs := range routings(t, s) {
		for _, r := range rs {
			out = append(out, fmt.Sprintf("%d/%s", id, r.NodeID))
		}
	}
	sort.Strings(out)
	return out
}

func pending(t *testing.T, svc *Service) []domain.DataGap {
	t.Helper()
	g, err := svc.PendingGaps(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return g
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []domain.OutgoingBatch
}

func (n *recordingNotifier) BatchesReady(_ context.Context, batches []domain.OutgoingBatch) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batches...)
	return nil
}

func TestOneTransactionRoutesToOneBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n2")
	appendChanges(t, s,
		domain.CapturedChange{ID: 100, TransactionID: "T1"},
		domain.CapturedChange{ID: 101, TransactionID: "T1"},
		domain.CapturedChange{ID: 102, TransactionID: "T1"},
	)
	notifier := &recordingNotifier{}
	svc := newService(s, Options{Notifier: notifier})

	n, err := svc.RunOnce(ctx, false)
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := batches(t, s, domain.BatchCommitted)
	if len(got) != 1 || got[0].NodeID != "n2" || got[0].Counters.DataEvents != 3 || got[0].Counters.Inserts != 3 {
		t.Fatalf("batches=%+v", got)
	}
	for id := int64(100); id <= 102; id++ {
		if gaps.Contains(pending(t, svc), id) {
			t.Fatalf("change %d still inside a gap", id)
		}
		if rs := routings(t, s)[id]; len(rs) != 1 || rs[0].BatchID != got[0].ID {
			t.Fatalf("change %d routings=%+v", id, rs)
		}
	}
	if len(notifier.batches) != 1 || notifier.batches[0].ID != got[0].ID {
		t.Fatalf("notified=%+v", notifier.batches)
	}
}

func TestCommonBatchFansOutToEveryNode(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1", "n2", "n3")
	appendChanges(t, s, domain.CapturedChange{ID: 200})
	svc := newService(s, Options{})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := batches(t, s, domain.BatchCommitted)
	if len(got) != 1 || !got[0].Common || got[0].NodeID != "n1,n2,n3" {
		t.Fatalf("batches=%+v", got)
	}
	rs := routings(t, s)[200]
	if len(rs) != 3 {
		t.Fatalf("routings=%+v", rs)
	}
	for _, r := range rs {
		if r.BatchID != got[0].ID {
			t.Fatalf("routing %+v not on the shared batch", r)
		}
	}
}

func TestBatchSizeOneClosesEveryChange(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 1), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{ID: 300}, domain.CapturedChange{ID: 301})
	svc := newService(s, Options{})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := batches(t, s, domain.BatchCommitted)
	if len(got) != 2 || got[0].Counters.DataEvents != 1 || got[1].Counters.DataEvents != 1 {
		t.Fatalf("batches=%+v", got)
	}
}

// failingStore fails every commit after the first allowed ones.
type failingStore struct {
	*sqlite.Store
	allowed atomic.Int32
}

type failingTx struct {
	storage.Tx
	s *failingStore
}

func (f *failingStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, s: f}, nil
}

func (tx *failingTx) Commit() error {
	if tx.s.allowed.Add(-1) < 0 {
		return errors.New("disk I/O error")
	}
	return tx.Tx.Commit()
}

func TestResumeAfterFailedCommit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s,
		domain.CapturedChange{ID: 1}, domain.CapturedChange{ID: 2},
		domain.CapturedChange{ID: 3}, domain.CapturedChange{ID: 4},
	)
	flaky := &failingStore{Store: s}
	svc := newService(flaky, Options{FlushEventThreshold: 1})
	// seeding the tail gap commits once before any change is routed
	flaky.allowed.Store(1)
	if g := pending(t, svc); len(g) != 1 || g[0].StartID != 1 {
		t.Fatalf("seeded gaps=%+v", g)
	}
	flaky.allowed.Store(2)

	n, err := svc.RunOnce(ctx, false)
	if err == nil || n != 2 {
		t.Fatalf("expected two routed and a failure, n=%d err=%v", n, err)
	}
	if ab := batches(t, s, domain.BatchAbandoned); len(ab) != 1 {
		t.Fatalf("failed flush should leave one abandoned batch, got %+v", ab)
	}

	restarted := newService(s, Options{FlushEventThreshold: 1})
	if g := pending(t, restarted); len(g) == 0 || g[0].StartID != 3 {
		t.Fatalf("resume should start at 3, gaps=%+v", g)
	}
	if n, err := restarted.RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	all := routings(t, s)
	for id := int64(1); id <= 4; id++ {
		if len(all[id]) != 1 {
			t.Fatalf("change %d routings=%+v", id, all[id])
		}
	}
}

func TestFlushThresholdClosesBatches(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{ID: 1}, domain.CapturedChange{ID: 2}, domain.CapturedChange{ID: 3}, domain.CapturedChange{ID: 4})
	svc := newService(s, Options{FlushEventThreshold: 2})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := batches(t, s, domain.BatchCommitted)
	if len(got) != 2 || got[0].Counters.DataEvents != 2 || got[1].Counters.DataEvents != 2 {
		t.Fatalf("threshold of 2 should yield two batches of 2, got %+v", got)
	}
}

func TestTransactionsAreNeverSplit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 2), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	var changes []domain.CapturedChange
	for id := int64(1); id <= 3; id++ {
		changes = append(changes, domain.CapturedChange{ID: id, TransactionID: "T1"})
	}
	for id := int64(4); id <= 7; id++ {
		changes = append(changes, domain.CapturedChange{ID: id, TransactionID: "T2"})
	}
	changes = append(changes, domain.CapturedChange{ID: 8})
	appendChanges(t, s, changes...)
	svc := newService(s, Options{FlushEventThreshold: 2})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 8 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	all := routings(t, s)
	batchOf := func(id int64) int64 { return all[id][0].BatchID }
	for _, group := range [][]int64{{1, 2, 3}, {4, 5, 6, 7}} {
		for _, id := range group[1:] {
			if batchOf(id) != batchOf(group[0]) {
				t.Fatalf("transaction of change %d split: %+v", group[0], all)
			}
		}
	}
	if batchOf(1) == batchOf(4) || batchOf(4) == batchOf(8) {
		t.Fatalf("transactions should close their batches: %+v", all)
	}
}

func TestCommonAndPerNodeBatchesRouteTheSame(t *testing.T) {
	ctx := context.Background()
	changes := []domain.CapturedChange{
		{ID: 1},
		{ID: 2, NodeList: []string{"n1", "n3"}},
		{ID: 3, TransactionID: "T1"},
		{ID: 4, TransactionID: "T1", NodeList: []string{"n2"}},
		{ID: 5},
	}
	run := func(pingBack bool) (*sqlite.Store, bool) {
		s := newStore(t)
		b := binding(domain.ChannelDefault, "item", route.TypeDefault)
		b.PingBack = pingBack
		setup(t, s, channel(domain.ChannelDefault, 10), b, "n1", "n2", "n3")
		appendChanges(t, s, append([]domain.CapturedChange(nil), changes...)...)
		svc := newService(s, Options{})
		if n, err := svc.RunOnce(ctx, false); err != nil || n != len(changes) {
			t.Fatalf("n=%d err=%v", n, err)
		}
		topo, err := svc.topology(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return s, commonEligible(topo.channels[0], topo)
	}
	common, eligible := run(false)
	perNode, notEligible := run(true)
	if !eligible || notEligible {
		t.Fatalf("eligibility common=%v per-node=%v", eligible, notEligible)
	}
	a, b := pairs(t, common), pairs(t, perNode)
	if strings.Join(a, " ") != strings.Join(b, " ") {
		t.Fatalf("common routings %v differ from per-node routings %v", a, b)
	}
	if len(a) != 3+2+3+1+3 {
		t.Fatalf("routings=%v", a)
	}
}

func TestCollisionDefersChangeToPerNodeBatches(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1", "n2", "n3")
	appendChanges(t, s,
		domain.CapturedChange{ID: 1, NodeList: []string{"n1", "n2"}},
		domain.CapturedChange{ID: 2, NodeList: []string{"n1", "n3"}},
	)
	svc := newService(s, Options{})
	svc.hash = func(string) uint64 { return 7 }

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("first run n=%d err=%v", n, err)
	}
	if !gaps.Contains(pending(t, svc), 2) {
		t.Fatalf("colliding change must stay pending")
	}
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("second run n=%d err=%v", n, err)
	}
	var perNode []string
	for _, r := range routings(t, s)[2] {
		perNode = append(perNode, r.NodeID)
	}
	sort.Strings(perNode)
	if strings.Join(perNode, ",") != "n1,n3" {
		t.Fatalf("deferred change routings=%v", perNode)
	}
	for _, b := range batches(t, s, domain.BatchCommitted)[1:] {
		if b.Common {
			t.Fatalf("deferred change should use per-node batches: %+v", b)
		}
	}
}

func TestCollisionInsideTransactionKeepsItWhole(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1", "n2", "n3")
	appendChanges(t, s,
		domain.CapturedChange{ID: 1, TransactionID: "T1", NodeList: []string{"n1", "n2"}},
		domain.CapturedChange{ID: 2, TransactionID: "T1", NodeList: []string{"n1", "n3"}},
	)
	svc := newService(s, Options{})
	svc.hash = func(string) uint64 { return 7 }

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 0 {
		t.Fatalf("first run n=%d err=%v", n, err)
	}
	if len(routings(t, s)) != 0 || !gaps.Contains(pending(t, svc), 1) || !gaps.Contains(pending(t, svc), 2) {
		t.Fatalf("part of T1 was committed: %+v", routings(t, s))
	}
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("second run n=%d err=%v", n, err)
	}
	all := routings(t, s)
	batchFor := func(id int64, node string) int64 {
		for _, r := range all[id] {
			if r.NodeID == node {
				return r.BatchID
			}
		}
		t.Fatalf("change %d not routed to %s: %+v", id, node, all[id])
		return 0
	}
	if batchFor(1, "n1") != batchFor(2, "n1") {
		t.Fatalf("T1 split for n1: %+v", all)
	}
	batchFor(1, "n2")
	batchFor(2, "n3")
	if gaps.Contains(pending(t, svc), 1) || gaps.Contains(pending(t, svc), 2) {
		t.Fatalf("T1 still pending: %+v", pending(t, svc))
	}
}

type delayRouter struct {
	at atomic.Int64
}

func (d *delayRouter) Route(_ context.Context, _ *route.Context, c *route.Change, nodes []domain.Node) (mapset.Set[string], error) {
	if c.ID == d.at.Load() {
		return nil, fmt.Errorf("waiting on parent row: %w", route.ErrDelay)
	}
	return route.NodeIDs(nodes), nil
}

func delayingService(t *testing.T, s *sqlite.Store, at int64) (*Service, *delayRouter) {
	t.Helper()
	d := &delayRouter{}
	d.at.Store(at)
	reg := route.DefaultRegistry()
	reg.Register("delaying", d)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", "delaying"), "n1")
	return newService(s, Options{Registry: reg}), d
}

func TestDelayCommitsCompletedTransactions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc, _ := delayingService(t, s, 3)
	appendChanges(t, s, domain.CapturedChange{ID: 1}, domain.CapturedChange{ID: 2}, domain.CapturedChange{ID: 3})

	n, err := svc.RunOnce(ctx, false)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !gaps.Contains(pending(t, svc), 3) {
		t.Fatalf("delayed change must stay pending")
	}
}

func TestDelayInsideTransactionDiscardsIt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc, d := delayingService(t, s, 2)
	appendChanges(t, s, domain.CapturedChange{ID: 1, TransactionID: "T1"}, domain.CapturedChange{ID: 2, TransactionID: "T1"})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(routings(t, s)) != 0 || !gaps.Contains(pending(t, svc), 1) {
		t.Fatalf("partial transaction must not be committed")
	}
	d.at.Store(0)
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestUnknownRouterTypeFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	b := binding(domain.ChannelDefault, "item", "bsh")
	setup(t, s, channel(domain.ChannelDefault, 10), b, "n1", "n2")
	appendChanges(t, s, domain.CapturedChange{ID: 1}, domain.CapturedChange{ID: 2})
	svc := newService(s, Options{})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if got := pairs(t, s); strings.Join(got, " ") != "1/n1 1/n2 2/n1 2/n2" {
		t.Fatalf("routings=%v", got)
	}
	if _, warned := svc.warnedTypes.Load(b.Router.ID); !warned {
		t.Fatalf("unknown router type should be reported")
	}
}

func TestChangesWithoutDestinationGoToUnroutedBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{ID: 1, TableName: "unbound"})
	svc := newService(s, Options{})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := batches(t, s, domain.BatchUnrouted)
	if len(got) != 1 || got[0].NodeID != domain.UnroutedNodeID {
		t.Fatalf("batches=%+v", got)
	}
	if len(batches(t, s, domain.BatchCommitted)) != 0 {
		t.Fatalf("unrouted change must not produce a sendable batch")
	}
}

func TestParallelChannelsSurviveAPanic(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for i, id := range []string{"a", "b", "c"} {
		ch := channel(id, 10)
		ch.ProcessingOrder = i
		setup(t, s, ch, binding(id, "item_"+id, route.TypeDefault), "n1")
	}
	ids := appendChanges(t, s,
		domain.CapturedChange{TableName: "item_a", ChannelID: "a"},
		domain.CapturedChange{TableName: "item_b", ChannelID: "b"},
		domain.CapturedChange{TableName: "item_c", ChannelID: "c"},
	)
	svc := newService(s, Options{Mode: ModeParallel, PoolSize: 2, WaitTimeout: 5 * time.Millisecond})
	svc.routeFn = func(ctx context.Context, ch domain.Channel, topo *topology) ChannelStats {
		if ch.ID == "b" {
			panic("corrupt router state")
		}
		return svc.routeChannel(ctx, ch, topo)
	}

	n, err := svc.RunOnce(ctx, false)
	if n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if err == nil || !strings.Contains(err.Error(), "channel b") || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected channel b panic in %v", err)
	}
	if !gaps.Contains(pending(t, svc), ids[1]) || gaps.Contains(pending(t, svc), ids[0]) {
		t.Fatalf("gaps=%+v", pending(t, svc))
	}
}

func TestAbandonedBatchesAreSweptAndRerouted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{ID: 1}, domain.CapturedChange{ID: 2})
	if n, err := newService(s, Options{}).RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	must(t, s.Exec(ctx, `UPDATE outgoing_batch SET status=?`, string(domain.BatchOpen)))

	svc := newService(s, Options{})
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if ab := batches(t, s, domain.BatchAbandoned); len(ab) != 1 {
		t.Fatalf("abandoned=%+v", ab)
	}
	ne := batches(t, s, domain.BatchCommitted)
	if len(ne) != 1 {
		t.Fatalf("committed=%+v", ne)
	}
	all := routings(t, s)
	if len(all[1]) != 1 || len(all[2]) != 1 || all[1][0].BatchID != ne[0].ID {
		t.Fatalf("routings=%+v", all)
	}
}

func TestUnroutedCount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{}, domain.CapturedChange{}, domain.CapturedChange{})
	svc := newService(s, Options{})

	if got, err := svc.UnroutedCount(ctx); err != nil || got != 3 {
		t.Fatalf("before routing got=%d err=%v", got, err)
	}
	if _, err := svc.RunOnce(ctx, false); err != nil {
		t.Fatal(err)
	}
	if got, err := svc.UnroutedCount(ctx); err != nil || got != 0 {
		t.Fatalf("after routing got=%d err=%v", got, err)
	}
}

func TestRouteLockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{})
	locker := cluster.NewLocal()
	if ok, err := locker.Acquire(ctx, cluster.LockRoute); err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	svc := NewService(s, locker, Options{NodeID: "s0", GroupID: serverGroup})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 0 {
		t.Fatalf("locked run n=%d err=%v", n, err)
	}
	if n, err := svc.RunOnce(ctx, true); err != nil || n != 1 {
		t.Fatalf("forced run n=%d err=%v", n, err)
	}
}

func TestReloadChannelIsPreRoutedWithLoadID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1", "n2")
	reload := channel(domain.ChannelReload, 10)
	reload.Reload = true
	reload.BatchAlgorithm = "reload"
	must(t, s.SaveChannel(ctx, reload))
	appendChanges(t, s, domain.CapturedChange{
		ChannelID: domain.ChannelReload,
		EventType: domain.EventReload,
		NodeList:  []string{"n1", "ghost"},
	})
	svc := newService(s, Options{})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	got := batches(t, s, domain.BatchCommitted)
	if len(got) != 1 || got[0].NodeID != "n1" || got[0].LoadID == 0 {
		t.Fatalf("batches=%+v", got)
	}
	for _, rs := range routings(t, s) {
		if rs[0].RouterID != preRoutedID {
			t.Fatalf("routing=%+v", rs[0])
		}
	}
}

func TestConfigurationChangeFlushesCaches(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	must(t, s.SaveChannel(ctx, channel(domain.ChannelConfig, 10)))
	must(t, s.SaveRouteBinding(ctx, binding(domain.ChannelConfig, "node", route.TypeConfigurationChanged)))
	svc := newService(s, Options{NodeCacheTTL: time.Hour, EligibilityCacheTTL: time.Hour})

	appendChanges(t, s, domain.CapturedChange{ID: 1, TableName: "node", ChannelID: domain.ChannelConfig})
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	must(t, s.SaveNode(ctx, domain.Node{ID: "n2", GroupID: clientGroup, SyncEnabled: true}))
	appendChanges(t, s, domain.CapturedChange{ID: 2})
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if got := pairs(t, s); strings.Join(got, " ") != "1/n1 2/n1 2/n2" {
		t.Fatalf("routings=%v", got)
	}
}

func TestOversizedRowRetriesWithWidePayloads(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	setup(t, s, channel(domain.ChannelDefault, 10), binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{RowData: `"` + strings.Repeat("x", 64) + `"`})
	svc := newService(s, Options{Reader: reader.Config{MaxPayloadBytes: 16}})

	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestExtraPassesWhileChannelReachesMax(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ch := channel(domain.ChannelDefault, 10)
	ch.MaxDataToRoute = 2
	setup(t, s, ch, binding(domain.ChannelDefault, "item", route.TypeDefault), "n1")
	appendChanges(t, s, domain.CapturedChange{}, domain.CapturedChange{}, domain.CapturedChange{}, domain.CapturedChange{}, domain.CapturedChange{})

	svc := newService(s, Options{MaxExtraPasses: 1})
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if n, err := svc.RunOnce(ctx, false); err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}
