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
	"fmt"
	"strings"

	"github.com/opencircle/loupe/pkg/store"
)

const judgeSystemPrompt = `You are an impartial evaluation judge. You compare two candidate outputs, labeled A and B, produced from the same source transcript. You do not know which system produced which candidate. Score each candidate per criterion on a 0.0 to 1.0 scale and pick a winner, or declare a tie when the candidates are equivalent.

Respond with a single JSON object and nothing else:
{"winner": "A" | "B" | "tie", "scores": {"A": {<criterion>: <number>}, "B": {<criterion>: <number>}}, "reasoning": "<string>"}`

// jsonOnlyPrefix is prepended to the user prompt on the full parse
// retry.
const jsonOnlyPrefix = "Respond with valid JSON only. Do not include markdown, code fences, or any text outside the JSON object.\n\n"

var segmentTitles = map[string]string{
	store.SegmentStage1: "fact extraction",
	store.SegmentStage2: "insights and reasoning",
	store.SegmentStage3: "executive summary",
}

// stagePrompt builds the user prompt for one stage comparison.
func stagePrompt(segment string, criteria []string, outputA, outputB string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Compare the two %s outputs below.\n\n", segmentTitles[segment])
	fmt.Fprintf(&b, "Evaluation criteria: %s.\n\n", strings.Join(criteria, ", "))
	fmt.Fprintf(&b, "=== Candidate A ===\n%s\n\n", outputA)
	fmt.Fprintf(&b, "=== Candidate B ===\n%s\n", outputB)
	return b.String()
}

// overallPrompt builds the user prompt for the overall verdict: all six
// outputs plus the three stage verdicts already produced. The judge may
// embed a markdown executive summary inside reasoning.
func overallPrompt(criteria []string, a, b *store.Analysis, verdicts map[string]store.Verdict) string {
	var sb strings.Builder
	sb.WriteString("Deliver an overall verdict across the full three-stage pipeline.\n\n")
	fmt.Fprintf(&sb, "Evaluation criteria: %s.\n\n", strings.Join(criteria, ", "))

	sections := []struct {
		title   string
		outA    string
		outB    string
		verdict string
	}{
		{"Stage 1 (facts)", a.FactsOutput, b.FactsOutput, store.SegmentStage1},
		{"Stage 2 (insights)", a.InsightsOutput, b.InsightsOutput, store.SegmentStage2},
		{"Stage 3 (summary)", a.SummaryOutput, b.SummaryOutput, store.SegmentStage3},
	}
	for _, s := range sections {
		v := verdicts[s.verdict]
		fmt.Fprintf(&sb, "## %s\n=== Candidate A ===\n%s\n\n=== Candidate B ===\n%s\n\nStage verdict: winner=%s, reasoning: %s\n\n",
			s.title, s.outA, s.outB, v.Winner, v.Reasoning)
	}

	sb.WriteString("Weigh all three stages and respond with the same JSON schema. You may include a markdown executive summary inside the reasoning string.\n")
	return sb.String()
}
