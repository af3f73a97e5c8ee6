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

package llm

import (
	"math"

	"github.com/opencircle/loupe/pkg/catalog"
)

// Cost computes input/output/total USD cost for a call from catalog
// pricing. All values are rounded to 1e-9 USD so that stored rollups
// sum exactly.
func Cost(p catalog.Pricing, inputTokens, outputTokens int) (inputCost, outputCost, totalCost float64) {
	inputCost = RoundUSD(float64(inputTokens) * p.InputPerMTokens / 1_000_000)
	outputCost = RoundUSD(float64(outputTokens) * p.OutputPerMTokens / 1_000_000)
	totalCost = RoundUSD(inputCost + outputCost)
	return inputCost, outputCost, totalCost
}

// RoundUSD rounds a dollar amount to 1e-9.
func RoundUSD(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
