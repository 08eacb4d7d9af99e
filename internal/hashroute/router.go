package hashroute

import (
	"errors"
	"fmt"
)

// ErrCollision is returned when two different destination sets hash to the
// same value.
var ErrCollision = errors.New("destination set hash collision")

// SetIndex remembers which destination set owns each hash. It is not safe
// for concurrent use; one index belongs to one routing context.
type SetIndex struct {
	hash func(string) uint64
	sets map[uint64]string
}

func NewSetIndex() *SetIndex {
	return NewSetIndexWithHash(HashForKey)
}

// NewSetIndexWithHash builds an index over a caller supplied hash.
func NewSetIndexWithHash(hash func(string) uint64) *SetIndex {
	return &SetIndex{hash: hash, sets: make(map[uint64]string)}
}

// Ensure returns the hash for nodeIDs, registering the set on first use.
func (i *SetIndex) Ensure(nodeIDs []string) (uint64, string, error) {
	k := DestinationKey(nodeIDs)
	h := i.hash(k)
	if existing, ok := i.sets[h]; ok {
		if existing != k {
			return h, k, fmt.Errorf("%w: %q and %q share hash %d", ErrCollision, existing, k, h)
		}
		return h, k, nil
	}
	i.sets[h] = k
	return h, k, nil
}

func (i *SetIndex) Len() int {
	return len(i.sets)
}

func (i *SetIndex) Reset() {
	i.sets = make(map[uint64]string)
}
