package hashroute

import (
	"hash/fnv"
	"sort"
	"strings"
)

// CanonicalizeNodeID normalizes a node id before it is used as a set member.
func CanonicalizeNodeID(nodeID string) string {
	return strings.TrimSpace(nodeID)
}

// DestinationKey is the canonical form of a destination node set: trimmed,
// deduplicated, sorted and comma-joined.
func DestinationKey(nodeIDs []string) string {
	ids := make([]string, 0, len(nodeIDs))
	seen := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		id = CanonicalizeNodeID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func HashForKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

func HashForDestinations(nodeIDs []string) uint64 {
	return HashForKey(DestinationKey(nodeIDs))
}
