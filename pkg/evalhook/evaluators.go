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

package evalhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/llm/factory"
	"github.com/opencircle/loupe/pkg/types"
	"github.com/opencircle/loupe/pkg/vault"
)

const llmJudgeTimeout = 120 * time.Second

const llmJudgeSystem = `You are a quality evaluator. Score the provided pipeline output against the listed criteria on a 0.0 to 1.0 scale. Respond with a single JSON object and nothing else: {"score": <number>, "reason": "<string>"}`

// LLMJudge runs a single judge call against the analysis summary and
// passes when the score clears the threshold.
type LLMJudge struct {
	EvaluatorID string
	Model       string
	Criteria    []string
	Threshold   float64

	Catalog *catalog.Catalog
	Vault   *vault.Vault
	Build   factory.Func
}

func (e *LLMJudge) ID() string { return e.EvaluatorID }

// Evaluate scores the analysis summary with the judge model.
func (e *LLMJudge) Evaluate(ctx context.Context, in *Input) (*Outcome, error) {
	if in.Analysis == nil {
		return nil, fmt.Errorf("llm judge requires an analysis")
	}

	entry, err := e.Catalog.Lookup(e.Model)
	if err != nil {
		return nil, err
	}
	key, handle, err := e.Vault.Resolve(ctx, in.Analysis.Tenant, entry.Provider, in.Analysis.Project)
	if err != nil {
		return nil, err
	}
	provider, err := e.Build(entry, key)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Criteria: %s.\n\nTranscript:\n%s\n\nOutput under evaluation:\n%s\n",
		strings.Join(e.Criteria, ", "), in.Analysis.TranscriptInput, in.Analysis.SummaryOutput)

	callCtx, cancel := context.WithTimeout(ctx, llmJudgeTimeout)
	defer cancel()
	result, err := provider.Exec(callCtx, &types.ExecRequest{
		Model:       e.Model,
		Temperature: types.Float64(0),
		MaxTokens:   1000,
		Messages: []types.Message{
			{Role: "system", Content: llmJudgeSystem},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}
	e.Vault.MarkUsed(ctx, handle)

	var parsed struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	content := strings.TrimSpace(strings.Trim(strings.TrimSpace(result.Content), "`"))
	content = strings.TrimPrefix(content, "json")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return nil, fmt.Errorf("unparseable judge output: %w", err)
	}
	if parsed.Score < 0 {
		parsed.Score = 0
	}
	if parsed.Score > 1 {
		parsed.Score = 1
	}

	return &Outcome{
		Score:  parsed.Score,
		Passed: parsed.Score >= e.Threshold,
		Reason: parsed.Reason,
	}, nil
}

// RuleBased wraps a synchronous deterministic check.
type RuleBased struct {
	RuleID string
	Check  func(ctx context.Context, in *Input) (*Outcome, error)
}

func (e *RuleBased) ID() string { return e.RuleID }

func (e *RuleBased) Evaluate(ctx context.Context, in *Input) (*Outcome, error) {
	return e.Check(ctx, in)
}

// Heuristic wraps an opaque scoring implementation.
type Heuristic struct {
	Ref  string
	Impl func(ctx context.Context, in *Input) (*Outcome, error)
}

func (e *Heuristic) ID() string { return e.Ref }

func (e *Heuristic) Evaluate(ctx context.Context, in *Input) (*Outcome, error) {
	return e.Impl(ctx, in)
}

// NonEmptyOutputsRule is a built-in rule: every stage output present.
func NonEmptyOutputsRule() *RuleBased {
	return &RuleBased{
		RuleID: "nonempty_outputs",
		Check: func(_ context.Context, in *Input) (*Outcome, error) {
			if in.Analysis == nil {
				return nil, fmt.Errorf("rule requires an analysis")
			}
			a := in.Analysis
			if a.FactsOutput == "" || a.InsightsOutput == "" || a.SummaryOutput == "" {
				return &Outcome{Score: 0, Passed: false, Reason: "one or more stage outputs are empty"}, nil
			}
			return &Outcome{Score: 1, Passed: true, Reason: "all stage outputs present"}, nil
		},
	}
}
