package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalDeltas(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr []int64
		deltas     []int64
		total      int64
	}{
		{name: "first sample", prev: nil, curr: []int64{3, 4}, deltas: []int64{3, 4}, total: 7},
		{name: "steady", prev: []int64{3, 4}, curr: []int64{10, 6}, deltas: []int64{7, 2}, total: 9},
		{name: "worker added", prev: []int64{3}, curr: []int64{5, 8}, deltas: []int64{2, 8}, total: 10},
		{name: "no workers", prev: []int64{1}, curr: []int64{}, deltas: []int64{}, total: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltas, total := intervalDeltas(tt.prev, tt.curr)

			assert.Equal(t, tt.deltas, deltas)
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestFormatStats(t *testing.T) {
	assert.Equal(t, "rate=12.50,threads=3", formatStats("", false, []int64{1, 2}, 12.5, 3))
	assert.Equal(t, "id=run7,rate=1.00,threads=1", formatStats("run7", false, nil, 1, 1))
	assert.Equal(t, "id=run7, (4\t6\t) rate=10.00,threads=2", formatStats("run7", true, []int64{4, 6}, 10, 2))
	assert.Equal(t, " (5\t) rate=5.00,threads=1", formatStats("", true, []int64{5}, 5, 1))
}
