package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"routeflow/internal/domain"
	"routeflow/internal/hashroute"
)

// ErrCollision is returned by Assign when a destination set hashes onto a
// different set already sharing a batch.
var ErrCollision = hashroute.ErrCollision

// IDSource hands out batch ids.
type IDSource func(ctx context.Context) (int64, error)

type Config struct {
	Channel   domain.Channel
	Algorithm Algorithm
	// Common shares one batch between all destinations of a destination set.
	Common bool
	NextID IDSource
	// Hash overrides the destination set hash.
	Hash func(string) uint64
	Now  func() time.Time
}

type open struct {
	batch    domain.OutgoingBatch
	routings []domain.ChangeRouting
}

// Pending is everything accumulated since the last drain.
type Pending struct {
	Batches   []domain.OutgoingBatch
	Routings  []domain.ChangeRouting
	RoutedIDs []int64
}

// Accumulator groups routed changes into batches for one channel pass. It is
// not safe for concurrent use.
type Accumulator struct {
	cfg   Config
	index *hashroute.SetIndex

	byNode  map[string]*open
	byHash  map[uint64]*open
	order   []*open
	closed  []*open
	touched map[*open]struct{}

	routed    []int64
	allocated []int64
	routings  int
}

func NewAccumulator(cfg Config) *Accumulator {
	if cfg.Algorithm == nil {
		cfg.Algorithm, _ = ForChannel(cfg.Channel)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	index := hashroute.NewSetIndex()
	if cfg.Hash != nil {
		index = hashroute.NewSetIndexWithHash(cfg.Hash)
	}
	return &Accumulator{
		cfg:     cfg,
		index:   index,
		byNode:  make(map[string]*open),
		byHash:  make(map[uint64]*open),
		touched: make(map[*open]struct{}),
	}
}

// Common reports whether destination sets share batches.
func (a *Accumulator) Common() bool {
	return a.cfg.Common
}

// Assign adds change to the batches of its destinations. An empty nodeIDs
// sends it to the unrouted batch. Nothing is assigned when an error is
// returned.
func (a *Accumulator) Assign(ctx context.Context, change domain.CapturedChange, routerID string, nodeIDs []string) error {
	nodes := uniqueSorted(nodeIDs)
	if len(nodes) == 0 {
		b, err := a.forNode(ctx, domain.UnroutedNodeID)
		if err != nil {
			return err
		}
		a.add(b, change, routerID, []string{domain.UnroutedNodeID})
		return nil
	}
	if a.cfg.Common {
		h, key, err := a.index.Ensure(nodes)
		if err != nil {
			return fmt.Errorf("change %d: %w", change.ID, err)
		}
		b, ok := a.byHash[h]
		if !ok {
			if b, err = a.openBatch(ctx, key); err != nil {
				return err
			}
			b.batch.Common = len(nodes) > 1
			b.batch.DestinationHash = h
			a.byHash[h] = b
		}
		a.add(b, change, routerID, nodes)
		return nil
	}
	targets := make([]*open, 0, len(nodes))
	for _, n := range nodes {
		b, err := a.forNode(ctx, n)
		if err != nil {
			return err
		}
		targets = append(targets, b)
	}
	for i, b := range targets {
		a.add(b, change, routerID, nodes[i:i+1])
	}
	return nil
}

func (a *Accumulator) forNode(ctx context.Context, nodeID string) (*open, error) {
	if b, ok := a.byNode[nodeID]; ok {
		return b, nil
	}
	b, err := a.openBatch(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	a.byNode[nodeID] = b
	return b, nil
}

func (a *Accumulator) openBatch(ctx context.Context, nodeID string) (*open, error) {
	id, err := a.cfg.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate batch id: %w", err)
	}
	a.allocated = append(a.allocated, id)
	b := &open{batch: domain.OutgoingBatch{
		ID:         id,
		NodeID:     nodeID,
		ChannelID:  a.cfg.Channel.ID,
		Status:     domain.BatchOpen,
		CreateTime: a.cfg.Now().UTC(),
	}}
	a.order = append(a.order, b)
	return b, nil
}

func (a *Accumulator) add(b *open, change domain.CapturedChange, routerID string, nodes []string) {
	b.batch.Counters.Count(change.EventType)
	for _, n := range nodes {
		b.routings = append(b.routings, domain.ChangeRouting{ChangeID: change.ID, BatchID: b.batch.ID, NodeID: n, RouterID: routerID})
	}
	a.routings += len(nodes)
	a.touched[b] = struct{}{}
}

// EndChange records that change has been fully assigned and applies the
// boundary policy. At a transaction boundary every open batch is checked;
// otherwise only the batches the change touched are.
func (a *Accumulator) EndChange(changeID int64, txBoundary bool) {
	a.routed = append(a.routed, changeID)
	var still []*open
	for _, b := range a.order {
		_, touched := a.touched[b]
		if (txBoundary || touched) && a.cfg.Algorithm.IsBoundaryReached(a.cfg.Channel, b.batch, txBoundary) {
			a.close(b)
			continue
		}
		still = append(still, b)
	}
	a.order = still
	a.touched = make(map[*open]struct{})
}

func (a *Accumulator) close(b *open) {
	b.batch.Status = domain.BatchClosing
	a.closed = append(a.closed, b)
	if a.byNode[b.batch.NodeID] == b {
		delete(a.byNode, b.batch.NodeID)
	}
	if a.byHash[b.batch.DestinationHash] == b {
		delete(a.byHash, b.batch.DestinationHash)
	}
}

// PendingRoutings is the number of change routings not yet drained.
func (a *Accumulator) PendingRoutings() int {
	return a.routings
}

// PendingChanges is the number of changes assigned since the last drain.
func (a *Accumulator) PendingChanges() int {
	return len(a.routed)
}

// Allocated returns the batch ids handed out since the last drain.
func (a *Accumulator) Allocated() []int64 {
	return append([]int64(nil), a.allocated...)
}

// Drain closes every open batch and returns the batches in their final
// state with their routings. The accumulator starts empty afterwards; hash
// registrations are kept so collisions are still detected.
func (a *Accumulator) Drain() Pending {
	for _, b := range a.order {
		a.close(b)
	}
	var p Pending
	for _, b := range a.closed {
		final := b.batch
		final.Status = domain.BatchCommitted
		if final.NodeID == domain.UnroutedNodeID {
			final.Status = domain.BatchUnrouted
		}
		p.Batches = append(p.Batches, final)
		p.Routings = append(p.Routings, b.routings...)
	}
	p.RoutedIDs = a.routed
	sort.Slice(p.Batches, func(i, j int) bool { return p.Batches[i].ID < p.Batches[j].ID })
	a.Reset()
	return p
}

// Reset discards everything accumulated since the last drain.
func (a *Accumulator) Reset() {
	a.byNode = make(map[string]*open)
	a.byHash = make(map[uint64]*open)
	a.order = nil
	a.closed = nil
	a.touched = make(map[*open]struct{})
	a.routed = nil
	a.allocated = nil
	a.routings = 0
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = hashroute.CanonicalizeNodeID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
