// Package device holds the camera identifier shared by the hardware and logic layers.
package device

import (
	"slices"
	"strconv"
)

// ID identifies one physical camera (and the LED that lights its sample).
// It is the V4L2 index of the capture node, e.g. 2 for /dev/video2.
type ID int

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

// Sorted returns a sorted copy of ids with duplicates removed.
func Sorted(ids []ID) []ID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Diff returns the ids present in next but not in prev (added) and
// those present in prev but not in next (removed). Both results are sorted.
func Diff(prev, next []ID) (added, removed []ID) {
	inPrev := make(map[ID]struct{}, len(prev))
	for _, id := range prev {
		inPrev[id] = struct{}{}
	}
	inNext := make(map[ID]struct{}, len(next))
	for _, id := range next {
		inNext[id] = struct{}{}
		if _, ok := inPrev[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev {
		if _, ok := inNext[id]; !ok {
			removed = append(removed, id)
		}
	}
	return Sorted(added), Sorted(removed)
}

// Ints converts ids to plain ints for JSON responses.
func Ints(ids []ID) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
