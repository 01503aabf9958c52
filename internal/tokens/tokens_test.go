package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicEstimate(t *testing.T) {
	h := Heuristic{}

	assert.Equal(t, 0, h.Estimate(""))
	assert.Equal(t, 1, h.Estimate("a"))
	assert.Equal(t, 1, h.Estimate("abcd"))
	assert.Equal(t, 2, h.Estimate("abcde"))
	assert.Equal(t, 25, h.Estimate(strings.Repeat("x", 100)))

	// multi-byte runes count by encoded size, not rune count
	assert.Equal(t, 3, h.Estimate("日本語"))
}

func TestNewFallsBackToHeuristic(t *testing.T) {
	est := New("heuristic")
	assert.Equal(t, "heuristic", est.Name())

	est = New("something-unknown")
	assert.Equal(t, "heuristic", est.Name())
}
