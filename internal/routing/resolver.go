package routing

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-hclog"

	"routeflow/internal/domain"
	"routeflow/internal/route"
)

// preRoutedID is recorded as the router of changes that carried their own
// destinations on a reload channel.
const preRoutedID = "preRouted"

// NodeFilter narrows the nodes a change may be routed to. It is applied after
// the group and link checks.
type NodeFilter func(ctx context.Context, c domain.CapturedChange, nodes []domain.Node) []domain.Node

type destination struct {
	routerID string
	nodeIDs  []string
}

// resolver computes destinations for the changes of one channel pass.
type resolver struct {
	s      *Service
	ch     domain.Channel
	topo   *topology
	rc     *route.Context
	logger hclog.Logger

	mismatches map[string]int
}

func newResolver(s *Service, ch domain.Channel, topo *topology, rc *route.Context, logger hclog.Logger) *resolver {
	return &resolver{s: s, ch: ch, topo: topo, rc: rc, logger: logger, mismatches: make(map[string]int)}
}

// resolve returns the destinations of c, one entry per router that selected
// at least one node. No entry means the change is unrouted.
func (r *resolver) resolve(ctx context.Context, c domain.CapturedChange) ([]destination, error) {
	if r.ch.IgnoreEnabled {
		return nil, nil
	}
	shape, err := r.s.shape(ctx, c)
	if err != nil {
		return nil, err
	}
	if r.ch.Reload && len(c.NodeList) > 0 {
		return r.preRouted(c), nil
	}

	var (
		out        []destination
		claimed    = mapset.NewSet[string]()
		candidates = mapset.NewSet[string]()
		explicit   mapset.Set[string]
	)
	if len(c.NodeList) > 0 {
		explicit = mapset.NewSet(c.NodeList...)
	}
	for _, b := range r.topo.bindingsFor(r.ch.ID, c, shape) {
		if !b.Router.Routes(c.EventType) {
			continue
		}
		if r.s.opts.GroupID != "" && b.Router.SourceGroupID != r.s.opts.GroupID {
			continue
		}
		nodes := r.available(ctx, b, c, claimed)
		for _, n := range nodes {
			candidates.Add(n.ID)
		}
		router, routerType := r.s.router(b.Router)
		r.rc.MarkUsed(routerType)

		change := route.NewChange(c, b.Router, shape)
		ids, err := router.Route(ctx, r.rc, change, nodes)
		if err != nil {
			return nil, fmt.Errorf("router %s on change %d: %w", b.Router.ID, c.ID, err)
		}
		if change.Mismatched() {
			r.mismatches[c.TableName]++
		}
		if ids == nil {
			continue
		}
		ids = ids.Intersect(route.NodeIDs(nodes))
		if explicit != nil {
			ids = ids.Intersect(explicit)
		}
		if ids.Cardinality() == 0 {
			continue
		}
		claimed = claimed.Union(ids)
		out = append(out, destination{routerID: b.Router.ID, nodeIDs: sorted(ids)})
	}
	if explicit != nil {
		if dropped := explicit.Difference(candidates); dropped.Cardinality() > 0 {
			r.logger.Warn("change names nodes it cannot be routed to", "change", c.ID, "nodes", sorted(dropped))
		}
	}
	return out, nil
}

// available lists the nodes binding b may route c to.
func (r *resolver) available(ctx context.Context, b domain.RouteBinding, c domain.CapturedChange, claimed mapset.Set[string]) []domain.Node {
	if !r.topo.linked(b.Router.SourceGroupID, b.Router.TargetGroupID) {
		return nil
	}
	var nodes []domain.Node
	for _, n := range r.topo.nodes {
		switch {
		case !n.SyncEnabled, n.GroupID != b.Router.TargetGroupID:
		case n.ID == r.s.opts.NodeID:
		case n.ID == c.SourceNodeID && !b.PingBack:
		case claimed.Contains(n.ID):
		default:
			nodes = append(nodes, n)
		}
	}
	if r.s.opts.NodeFilter != nil && len(nodes) > 0 {
		nodes = r.s.opts.NodeFilter(ctx, c, nodes)
	}
	return nodes
}

func (r *resolver) preRouted(c domain.CapturedChange) []destination {
	ids := mapset.NewSet[string]()
	for _, id := range c.NodeList {
		n, ok := r.topo.nodesByID[id]
		if !ok || !n.SyncEnabled || n.ID == r.s.opts.NodeID {
			continue
		}
		ids.Add(n.ID)
	}
	if ids.Cardinality() == 0 {
		return nil
	}
	return []destination{{routerID: preRoutedID, nodeIDs: sorted(ids)}}
}

// logMismatches reports column count mismatches seen during the pass, once
// per table.
func (r *resolver) logMismatches() {
	tables := make([]string, 0, len(r.mismatches))
	for t := range r.mismatches {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		r.logger.Warn("row data does not match table shape", "table", t, "changes", r.mismatches[t])
	}
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

func shapeKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
