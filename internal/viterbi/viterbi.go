// Package viterbi decodes the most likely sequence of candidate states from
// per-observation emission probabilities and a transition oracle, optionally
// looking ahead several future observations before committing to the
// current one.
package viterbi

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/paleolimbot/osmmatch/internal/transition"
)

// Step is one decoded element: the chosen candidate index at this
// observation and the probability that won it. Index is -1 when no
// resolvable successor existed (the "no predecessor" reset case).
type Step struct {
	Index int
	Prob  float64
}

// NoPredecessor reports whether a step represents the (∅, 0) reset case.
func (s Step) NoPredecessor() bool { return s.Index < 0 }

// Decode runs the Viterbi pass described above. eprobs[t] holds the
// emission probability of every candidate at observation t; table answers
// T[t,i,j] transition queries. lookahead is the number of future
// observations considered before committing to the current one (0
// reproduces a greedy decoder).
func Decode(eprobs [][]float64, table transition.Table, lookahead int) []Step {
	numT := len(eprobs)
	path := make([]Step, numT)

	for t := 0; t < numT; t++ {
		if t == 0 || path[t-1].NoPredecessor() {
			path[t] = argmax1D(eprobs[t])
			continue
		}

		k := lookahead
		if maxK := numT - t - 1; k > maxK {
			k = maxK
		}
		idx, prob := bestWithLookahead(eprobs, table, t, path[t-1].Index, path[t-1].Prob, k)
		if prob == 0 {
			path[t] = Step{Index: -1, Prob: 0}
		} else {
			path[t] = Step{Index: idx, Prob: prob}
		}
	}

	return path
}

// argmax1D picks the best candidate using only this observation's emission
// probabilities (used at t=0 and immediately after a reset).
func argmax1D(row []float64) Step {
	if len(row) == 0 {
		return Step{Index: -1, Prob: 0}
	}
	best := 0
	for i, p := range row {
		if p > row[best] {
			best = i
		}
	}
	if row[best] == 0 {
		return Step{Index: -1, Prob: 0}
	}
	return Step{Index: best, Prob: row[best]}
}

// bestWithLookahead builds the (k+1)-dimensional lookahead tensor and
// returns the argmax along its first axis together with
// the winning cumulative path value. prevI/prevProb are path[t-1]'s chosen
// index and probability; the tensor values accumulate onto prevProb since
// the decoder carries the full path probability forward, not just the
// probability of the newly examined steps.
//
// For k < 2 the per-chain product is accumulated inline with plain
// multiplication, which is all the small fixed-rank tensors at the default
// lookahead need. For k >= 2 a candidate chain's factors are
// instead reduced via gonum/mat: summing their logs with a VecDense dot
// product against a ones vector, then exponentiating, avoiding repeated
// underflow-prone multiplication once the chain grows past a couple of
// steps.
func bestWithLookahead(eprobs [][]float64, table transition.Table, t, prevI int, prevProb float64, k int) (int, float64) {
	if k < 2 {
		return bestWithLookaheadProduct(eprobs, table, t, prevI, prevProb, k)
	}
	return bestWithLookaheadLogSum(eprobs, table, t, prevI, prevProb, k)
}

func bestWithLookaheadProduct(eprobs [][]float64, table transition.Table, t, prevI int, prevProb float64, k int) (int, float64) {
	bestFirst := -1
	bestVal := 0.0

	var recurse func(plus, prevIdx int, acc float64, firstJ int)
	recurse = func(plus, prevIdx int, acc float64, firstJ int) {
		row := eprobs[t+plus]
		for j, e := range row {
			if e == 0 {
				continue
			}
			tp := table.Get(t+plus-1, prevIdx, j).Prob
			if tp == 0 {
				continue
			}
			val := acc * tp * e
			if val == 0 {
				continue
			}
			fj := firstJ
			if plus == 0 {
				fj = j
			}
			if plus == k {
				if val > bestVal {
					bestVal = val
					bestFirst = fj
				}
				continue
			}
			recurse(plus+1, j, val, fj)
		}
	}
	recurse(0, prevI, prevProb, -1)

	return bestFirst, bestVal
}

// bestWithLookaheadLogSum enumerates the same candidate chains as
// bestWithLookaheadProduct, but reduces each completed chain's factors
// (prevProb plus one transition*emission pair per lookahead step) with a
// gonum/mat dot product of logs rather than nested multiplication.
func bestWithLookaheadLogSum(eprobs [][]float64, table transition.Table, t, prevI int, prevProb float64, k int) (int, float64) {
	bestFirst := -1
	bestVal := 0.0

	var recurse func(plus, prevIdx int, factors []float64, firstJ int)
	recurse = func(plus, prevIdx int, factors []float64, firstJ int) {
		row := eprobs[t+plus]
		for j, e := range row {
			if e == 0 {
				continue
			}
			tp := table.Get(t+plus-1, prevIdx, j).Prob
			if tp == 0 {
				continue
			}

			fj := firstJ
			if plus == 0 {
				fj = j
			}
			next := append(append([]float64{}, factors...), tp, e)

			if plus == k {
				val := logSumExp(next)
				if val > bestVal {
					bestVal = val
					bestFirst = fj
				}
				continue
			}
			recurse(plus+1, j, next, fj)
		}
	}
	recurse(0, prevI, []float64{prevProb}, -1)

	return bestFirst, bestVal
}

// logSumExp returns the product of strictly positive factors via
// exp(sum(log(factors))), computed as a gonum/mat.VecDense dot product
// against a ones vector so the summation itself runs through gonum rather
// than a hand-rolled loop.
func logSumExp(factors []float64) float64 {
	logs := make([]float64, len(factors))
	for i, f := range factors {
		logs[i] = math.Log(f)
	}
	logVec := mat.NewVecDense(len(logs), logs)
	ones := make([]float64, len(logs))
	for i := range ones {
		ones[i] = 1
	}
	onesVec := mat.NewVecDense(len(ones), ones)
	return math.Exp(mat.Dot(logVec, onesVec))
}
