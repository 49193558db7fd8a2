package ratio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercent(t *testing.T) {
	tests := []struct {
		part, total int
		places      int32
		want        float64
	}{
		{0, 0, 1, 0},
		{3, 0, 1, 0},
		{1, 3, 1, 33.3},
		{2, 3, 1, 66.7},
		{1, 8, 1, 12.5},
		{1, 16, 1, 6.3},
		{1, 3, 2, 33.33},
		{1, 3, 0, 33},
		{1, 2, 0, 50},
		{5, 5, 1, 100},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Percent(tc.part, tc.total, tc.places), "Percent(%d, %d, %d)", tc.part, tc.total, tc.places)
	}
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.8, Round(0.75, 1))
	assert.Equal(t, 2.0, Round(1.999, 2))
	assert.Equal(t, 1.0, Round(1, 3))
}
