package viterbi

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paleolimbot/osmmatch/internal/transition"
)

// fixedTable answers T[t,i,j] from a literal map, for tests that pin down
// exact tensor values.
type fixedTable struct {
	vals map[[3]int]float64
}

func (f fixedTable) Get(t, i, j int) transition.Entry {
	return transition.Entry{Prob: f.vals[[3]int{t, i, j}]}
}

func TestDecodeLookaheadOneScenario(t *testing.T) {
	eprobs := [][]float64{{0.9, 0.1}, {0.1, 0.9}}
	table := fixedTable{vals: map[[3]int]float64{
		{0, 0, 1}: 1,
		{0, 1, 0}: 1,
		{0, 0, 0}: 0,
		{0, 1, 1}: 0,
	}}

	path := Decode(eprobs, table, 1)

	assert.Equal(t, 0, path[0].Index)
	assert.InDelta(t, 0.9, path[0].Prob, 1e-9)
	assert.Equal(t, 1, path[1].Index)
	assert.InDelta(t, 0.81, path[1].Prob, 1e-9)
}

func TestDecodeGreedyMatchesArgmaxWithAllOnesTransitions(t *testing.T) {
	eprobs := [][]float64{
		{0.2, 0.7, 0.1},
		{0.5, 0.4, 0.1},
		{0.3, 0.3, 0.9},
	}
	table := alwaysOneTable{}

	path := Decode(eprobs, table, 0)
	for tt, row := range eprobs {
		best := 0
		for i, p := range row {
			if p > row[best] {
				best = i
			}
		}
		assert.Equal(t, best, path[tt].Index, "t=%d", tt)
	}
}

type alwaysOneTable struct{}

func (alwaysOneTable) Get(t, i, j int) transition.Entry { return transition.Entry{Prob: 1} }

func TestLookaheadLogSumMatchesProductReduction(t *testing.T) {
	eprobs := [][]float64{
		{0.9, 0.1},
		{0.2, 0.8},
		{0.1, 0.9},
		{0.5, 0.5},
	}
	table := fixedTable{vals: map[[3]int]float64{
		{0, 0, 0}: 0.7, {0, 0, 1}: 0.3,
		{0, 1, 0}: 0.4, {0, 1, 1}: 0.6,
		{1, 0, 0}: 0.6, {1, 0, 1}: 0.4,
		{1, 1, 0}: 0.3, {1, 1, 1}: 0.7,
		{2, 0, 0}: 0.5, {2, 0, 1}: 0.5,
		{2, 1, 0}: 0.2, {2, 1, 1}: 0.8,
	}}

	wantFirst, wantVal := bestWithLookaheadProduct(eprobs, table, 1, 0, 0.9, 2)
	gotFirst, gotVal := bestWithLookaheadLogSum(eprobs, table, 1, 0, 0.9, 2)
	assert.Equal(t, wantFirst, gotFirst)
	assert.InDelta(t, wantVal, gotVal, 1e-9)
}

func TestDecodeResetsOnAllZeroTensor(t *testing.T) {
	eprobs := [][]float64{{1.0}, {1.0}}
	zeroTable := fixedTable{vals: map[[3]int]float64{}}

	path := Decode(eprobs, zeroTable, 0)
	assert.Equal(t, 0, path[0].Index)
	assert.True(t, path[1].NoPredecessor())
}
