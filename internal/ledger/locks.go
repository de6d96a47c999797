package ledger

import (
	"hash/fnv"
	"sort"
	"sync"
)

const lockStripes = 64

// stripedLocks serialises access per account key. Two transactions contend
// only when they touch a common account or collide on a stripe.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

// acquire locks every stripe covering keys in ascending order and returns the
// matching release function.
func (s *stripedLocks) acquire(keys []string) func() {
	set := make(map[int]struct{}, len(keys))
	for _, key := range keys {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		set[int(h.Sum32()%lockStripes)] = struct{}{}
	}
	indices := make([]int, 0, len(set))
	for idx := range set {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		s.stripes[idx].Lock()
	}
	return func() {
		for i := len(indices) - 1; i >= 0; i-- {
			s.stripes[indices[i]].Unlock()
		}
	}
}
