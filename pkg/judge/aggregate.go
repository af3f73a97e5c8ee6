// Copyright 2026 OpenCircle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package judge

import (
	"github.com/opencircle/loupe/pkg/store"
)

// DefaultStageWeights is the stage weighting for the overall
// aggregate: stage1, stage2, stage3.
var DefaultStageWeights = [3]float64{0.30, 0.35, 0.35}

var weightedSegments = [3]string{store.SegmentStage1, store.SegmentStage2, store.SegmentStage3}

// tieThreshold is the absolute weighted-score difference below which
// the implied winner is a tie.
const tieThreshold = 0.005

// weightedScores computes the per-side weighted aggregate: for each
// stage, the mean over criteria of that side's scores, summed with the
// stage weights.
func weightedScores(verdicts map[string]store.Verdict, weights [3]float64) (weightedA, weightedB float64) {
	for i, segment := range weightedSegments {
		v, ok := verdicts[segment]
		if !ok {
			continue
		}
		weightedA += weights[i] * meanScore(v.Scores[store.WinnerA])
		weightedB += weights[i] * meanScore(v.Scores[store.WinnerB])
	}
	return weightedA, weightedB
}

func meanScore(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// impliedWinner derives the winner from the weighted aggregates. The
// judge's stated overall winner remains authoritative in storage; a
// disagreement only produces a trace warning.
func impliedWinner(weightedA, weightedB float64) string {
	diff := weightedA - weightedB
	if diff < tieThreshold && diff > -tieThreshold {
		return store.WinnerTie
	}
	if diff > 0 {
		return store.WinnerA
	}
	return store.WinnerB
}

// qualityImprovement computes (winner − loser) / loser over the
// weighted aggregates. Nil when the denominator is zero or the verdict
// is a tie.
func qualityImprovement(weightedA, weightedB float64, winner string) *float64 {
	var win, lose float64
	switch winner {
	case store.WinnerA:
		win, lose = weightedA, weightedB
	case store.WinnerB:
		win, lose = weightedB, weightedA
	default:
		return nil
	}
	if lose == 0 {
		return nil
	}
	v := (win - lose) / lose * 100
	return &v
}

// costDeltas computes cost_B − cost_A and its percentage of cost_A.
// The percentage is nil when cost_A is zero.
func costDeltas(costA, costB float64) (diff float64, pct *float64) {
	diff = costB - costA
	if costA == 0 {
		return diff, nil
	}
	v := diff / costA * 100
	return diff, &v
}
