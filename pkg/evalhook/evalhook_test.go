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
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencircle/loupe/pkg/store"
)

func newTestHook(t *testing.T) (*Hook, *Registry, *store.SQLite) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "loupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewSQLite(db, nil)
	require.NoError(t, err)

	registry := NewRegistry()
	return New(registry, st, nil), registry, st
}

func putAnalysis(t *testing.T, st *store.SQLite, id string, summary string) {
	t.Helper()
	require.NoError(t, st.PutAnalysis(context.Background(), &store.Analysis{
		ID:              id,
		Tenant:          "acme",
		Creator:         "alice",
		TranscriptInput: "transcript",
		FactsOutput:     "facts",
		InsightsOutput:  "insights",
		SummaryOutput:   summary,
	}))
}

func resultsByEvaluator(t *testing.T, st *store.SQLite, traceID string) map[string]*store.EvalResult {
	t.Helper()
	results, err := st.ListEvalResults(context.Background(), traceID)
	require.NoError(t, err)
	out := make(map[string]*store.EvalResult, len(results))
	for _, r := range results {
		out[r.EvaluatorID] = r
	}
	return out
}

func TestDispatchRecordsOutcomes(t *testing.T) {
	hook, registry, st := newTestHook(t)
	putAnalysis(t, st, "a1", "summary")

	registry.Register(NonEmptyOutputsRule())
	registry.Register(&Heuristic{
		Ref: "summary_length",
		Impl: func(_ context.Context, in *Input) (*Outcome, error) {
			if len(in.Analysis.SummaryOutput) < 3 {
				return &Outcome{Score: 0, Passed: false, Reason: "too short"}, nil
			}
			return &Outcome{Score: 0.8, Passed: true, Reason: "long enough"}, nil
		},
	})

	returned := hook.Dispatch(context.Background(), "tr-1", "a1", []string{"nonempty_outputs", "summary_length"})

	// One returned record per requested evaluator, in request order.
	require.Len(t, returned, 2)
	assert.Equal(t, "nonempty_outputs", returned[0].EvaluatorID)
	assert.Equal(t, "summary_length", returned[1].EvaluatorID)

	results := resultsByEvaluator(t, st, "tr-1")
	require.Len(t, results, 2)

	rule := results["nonempty_outputs"]
	require.NotNil(t, rule)
	assert.Equal(t, "ok", rule.Status)
	assert.True(t, rule.Passed)
	assert.Equal(t, 1.0, rule.Score)
	assert.Equal(t, "a1", rule.AnalysisID)

	heuristic := results["summary_length"]
	require.NotNil(t, heuristic)
	assert.True(t, heuristic.Passed)
	assert.Equal(t, 0.8, heuristic.Score)
}

func TestDispatchRecordsFailingRule(t *testing.T) {
	hook, registry, st := newTestHook(t)
	putAnalysis(t, st, "a1", "")

	registry.Register(NonEmptyOutputsRule())
	hook.Dispatch(context.Background(), "tr-1", "a1", []string{"nonempty_outputs"})

	results := resultsByEvaluator(t, st, "tr-1")
	rule := results["nonempty_outputs"]
	require.NotNil(t, rule)
	assert.Equal(t, "ok", rule.Status)
	assert.False(t, rule.Passed)
	assert.Equal(t, 0.0, rule.Score)
	assert.Contains(t, rule.Reason, "empty")
}

func TestDispatchUnknownEvaluator(t *testing.T) {
	hook, _, st := newTestHook(t)
	putAnalysis(t, st, "a1", "summary")

	hook.Dispatch(context.Background(), "tr-1", "a1", []string{"nope"})

	results := resultsByEvaluator(t, st, "tr-1")
	record := results["nope"]
	require.NotNil(t, record)
	assert.Equal(t, "error", record.Status)
	assert.Contains(t, record.Reason, "unknown evaluator")
	assert.False(t, record.Passed)
}

func TestDispatchRecordsEvaluatorErrors(t *testing.T) {
	hook, registry, st := newTestHook(t)
	putAnalysis(t, st, "a1", "summary")

	registry.Register(&RuleBased{
		RuleID: "exploding",
		Check: func(_ context.Context, _ *Input) (*Outcome, error) {
			return nil, fmt.Errorf("evaluator blew up")
		},
	})
	registry.Register(NonEmptyOutputsRule())

	// One evaluator failing never hides the others, and the failure is
	// visible in the returned records.
	returned := hook.Dispatch(context.Background(), "tr-1", "a1", []string{"exploding", "nonempty_outputs"})
	require.Len(t, returned, 2)
	assert.Equal(t, "error", returned[0].Status)
	assert.Contains(t, returned[0].Reason, "blew up")

	results := resultsByEvaluator(t, st, "tr-1")
	require.Len(t, results, 2)
	assert.Equal(t, "error", results["exploding"].Status)
	assert.Contains(t, results["exploding"].Reason, "blew up")
	assert.Equal(t, "ok", results["nonempty_outputs"].Status)
}

func TestDispatchMissingAnalysisStillRuns(t *testing.T) {
	hook, registry, st := newTestHook(t)

	registry.Register(&RuleBased{
		RuleID: "tolerates_nil",
		Check: func(_ context.Context, in *Input) (*Outcome, error) {
			if in.Analysis != nil {
				return nil, fmt.Errorf("expected no analysis")
			}
			return &Outcome{Score: 1, Passed: true, Reason: "trace-only"}, nil
		},
	})

	hook.Dispatch(context.Background(), "tr-1", "missing", []string{"tolerates_nil"})

	results := resultsByEvaluator(t, st, "tr-1")
	record := results["tolerates_nil"]
	require.NotNil(t, record)
	assert.Equal(t, "ok", record.Status)
	assert.True(t, record.Passed)
}

func TestDispatchNoIDsIsNoop(t *testing.T) {
	hook, _, st := newTestHook(t)
	assert.Nil(t, hook.Dispatch(context.Background(), "tr-1", "", nil))

	results, err := st.ListEvalResults(context.Background(), "tr-1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRegistryReplace(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&RuleBased{RuleID: "r", Check: func(_ context.Context, _ *Input) (*Outcome, error) {
		return &Outcome{Score: 0}, nil
	}})
	registry.Register(&RuleBased{RuleID: "r", Check: func(_ context.Context, _ *Input) (*Outcome, error) {
		return &Outcome{Score: 1}, nil
	}})

	e, ok := registry.Get("r")
	require.True(t, ok)
	out, err := e.Evaluate(context.Background(), &Input{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Score)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}
