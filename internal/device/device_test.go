package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSorted_DedupesAndOrders(t *testing.T) {
	assert.Equal(t, []ID{0, 1, 3}, Sorted([]ID{3, 1, 0, 3, 1}))
	assert.Empty(t, Sorted(nil))
}

func TestDiff(t *testing.T) {
	cases := []struct {
		name          string
		prev, next    []ID
		added, remove []ID
	}{
		{"no change", []ID{0, 1}, []ID{1, 0}, nil, nil},
		{"plugged", []ID{0}, []ID{0, 2}, []ID{2}, nil},
		{"unplugged", []ID{0, 2}, []ID{2}, nil, []ID{0}},
		{"swap", []ID{0}, []ID{1}, []ID{1}, []ID{0}},
		{"from empty", nil, []ID{1, 0}, []ID{0, 1}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			added, removed := Diff(tc.prev, tc.next)
			assert.ElementsMatch(t, tc.added, added)
			assert.ElementsMatch(t, tc.remove, removed)
		})
	}
}

func TestInts(t *testing.T) {
	assert.Equal(t, []int{4, 0}, Ints([]ID{4, 0}))
	assert.Equal(t, "7", ID(7).String())
}
