package routing

import (
	"context"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"routeflow/internal/domain"
	"routeflow/internal/storage"
)

// topology is a snapshot of the routing configuration.
type topology struct {
	channels  []domain.Channel
	bindings  map[string][]domain.RouteBinding
	nodes     []domain.Node
	nodesByID map[string]domain.Node
	links     mapset.Set[string]
}

func loadTopology(ctx context.Context, store storage.ConfigStore) (*topology, error) {
	channels, err := store.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	bindings, err := store.RouteBindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load route bindings: %w", err)
	}
	nodes, err := store.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	links, err := store.NodeGroupLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load node group links: %w", err)
	}
	t := &topology{
		channels:  channels,
		bindings:  make(map[string][]domain.RouteBinding),
		nodes:     nodes,
		nodesByID: make(map[string]domain.Node, len(nodes)),
		links:     mapset.NewSet[string](),
	}
	for _, b := range bindings {
		t.bindings[b.ChannelID] = append(t.bindings[b.ChannelID], b)
	}
	for _, n := range nodes {
		t.nodesByID[n.ID] = n
	}
	for _, l := range links {
		t.links.Add(linkKey(l.SourceGroupID, l.TargetGroupID))
	}
	return t, nil
}

func linkKey(source, target string) string {
	return source + "\x00" + target
}

func (t *topology) linked(source, target string) bool {
	return t.links.Contains(linkKey(source, target))
}

// bindingsFor returns the enabled bindings of channelID that capture change.
func (t *topology) bindingsFor(channelID string, c domain.CapturedChange, shape domain.TableShape) []domain.RouteBinding {
	var out []domain.RouteBinding
	for _, b := range t.bindings[channelID] {
		if !b.Enabled {
			continue
		}
		if shape.TriggerID != "" && b.TriggerID == shape.TriggerID {
			out = append(out, b)
			continue
		}
		if strings.EqualFold(b.TableName, c.TableName) {
			out = append(out, b)
		}
	}
	return out
}
