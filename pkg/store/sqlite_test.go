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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLite(db, nil)
	require.NoError(t, err)
	return s
}

func testAnalysis(tenant, id string) *Analysis {
	return &Analysis{
		ID:              id,
		Tenant:          tenant,
		Creator:         "alice",
		Project:         "proj-x",
		TranscriptTitle: "call one",
		TranscriptInput: "customer: hello",
		FactsOutput:     "facts",
		InsightsOutput:  "insights",
		SummaryOutput:   "summary",
		StageParams: [3]StageParams{
			{Temperature: 0.2, MaxTokens: 1000},
			{Temperature: 0.3, MaxTokens: 1500},
			{Temperature: 1.0, MaxTokens: 2000},
		},
		SystemPrompts:   [3]string{"p1", "p2", "p3"},
		Models:          [3]string{"m-cheap", "m-cheap", "m-reason"},
		TotalTokens:     450,
		TotalCost:       0.0012,
		TotalDurationMS: 1234.5,
		ParentTraceID:   "trace-" + id,
	}
}

func testComparison(tenant, a, b string) *Comparison {
	improvement := 12.5
	return &Comparison{
		Tenant:            tenant,
		Creator:           "alice",
		AnalysisA:         a,
		AnalysisB:         b,
		JudgeModel:        "judge-m",
		JudgeModelVersion: "judge-m-2025-01-01",
		JudgeTemperature:  0.0,
		Criteria:          []string{"accuracy", "clarity"},
		Verdicts: map[string]Verdict{
			SegmentStage1: {Winner: WinnerA, Scores: map[string]map[string]float64{
				"A": {"accuracy": 0.9}, "B": {"accuracy": 0.7},
			}, Reasoning: "A is more grounded"},
			SegmentOverall: {Winner: WinnerA, Reasoning: "A overall"},
		},
		JudgeTraceID: "judge-trace",
		Metadata: ComparisonMetadata{
			CostA:                 0.001,
			CostB:                 0.002,
			TotalCost:             0.0005,
			CostDifference:        0.001,
			QualityImprovementPct: &improvement,
		},
	}
}

func TestAnalysisRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testAnalysis("acme", "a1")
	require.NoError(t, s.PutAnalysis(ctx, in))

	out, err := s.GetAnalysis(ctx, "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, in.TranscriptInput, out.TranscriptInput)
	assert.Equal(t, in.StageParams, out.StageParams)
	assert.Equal(t, in.SystemPrompts, out.SystemPrompts)
	assert.Equal(t, in.Models, out.Models)
	assert.Equal(t, 450, out.TotalTokens)
	assert.Equal(t, 0.0012, out.TotalCost)
	assert.Equal(t, "trace-a1", out.ParentTraceID)
	assert.False(t, out.CreatedAt.IsZero())

	// Tenant scoping.
	_, err = s.GetAnalysis(ctx, "globex", "a1")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "analysis", notFound.Kind)

	// Unscoped lookup still finds it.
	byID, err := s.GetAnalysisByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "acme", byID.Tenant)
}

func TestPutAnalysisAssignsID(t *testing.T) {
	s := newTestStore(t)

	a := testAnalysis("acme", "")
	require.NoError(t, s.PutAnalysis(context.Background(), a))
	assert.NotEmpty(t, a.ID)
}

func TestRenameAnalysis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a1")))
	require.NoError(t, s.RenameAnalysis(ctx, "acme", "a1", "renamed"))

	out, err := s.GetAnalysis(ctx, "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", out.TranscriptTitle)

	var notFound *NotFoundError
	require.ErrorAs(t, s.RenameAnalysis(ctx, "acme", "missing", "x"), &notFound)
	require.ErrorAs(t, s.RenameAnalysis(ctx, "globex", "a1", "x"), &notFound)
}

func TestListAnalysesKeysetPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a1", "a2", "a3"} {
		a := testAnalysis("acme", id)
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.PutAnalysis(ctx, a))
	}

	page, err := s.ListAnalyses(ctx, "acme", AnalysisFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a3", page[0].ID)
	assert.Equal(t, "a2", page[1].ID)

	page, err = s.ListAnalyses(ctx, "acme", AnalysisFilter{Limit: 2, AfterID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a1", page[0].ID)

	byCreator, err := s.ListAnalyses(ctx, "acme", AnalysisFilter{Creator: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, byCreator)
}

func TestComparisonRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a1")))
	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a2")))

	in := testComparison("acme", "a1", "a2")
	require.NoError(t, s.PutComparison(ctx, in))
	require.NotEmpty(t, in.ID)

	out, err := s.GetComparison(ctx, "acme", in.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", out.AnalysisA)
	assert.Equal(t, "a2", out.AnalysisB)
	assert.Equal(t, in.Criteria, out.Criteria)
	assert.Equal(t, WinnerA, out.Verdicts[SegmentStage1].Winner)
	assert.Equal(t, 0.9, out.Verdicts[SegmentStage1].Scores["A"]["accuracy"])
	require.NotNil(t, out.Metadata.QualityImprovementPct)
	assert.Equal(t, 12.5, *out.Metadata.QualityImprovementPct)
	assert.Nil(t, out.Metadata.CostDifferencePct)
}

func TestDuplicatePairRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a1")))
	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a2")))

	first := testComparison("acme", "a1", "a2")
	require.NoError(t, s.PutComparison(ctx, first))

	// Same pair, reversed order: still a duplicate.
	reversed := testComparison("acme", "a2", "a1")
	err := s.PutComparison(ctx, reversed)
	var dup *DuplicateConflictError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	// FindComparison agrees in both orders.
	id, err := s.FindComparison(ctx, "acme", "a2", "a1", "judge-m")
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	// A different judge model is a fresh comparison.
	other := testComparison("acme", "a1", "a2")
	other.JudgeModel = "judge-other"
	require.NoError(t, s.PutComparison(ctx, other))

	// Same pair under another tenant is independent.
	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("globex", "a1")))
	id, err = s.FindComparison(ctx, "globex", "a1", "a2", "judge-m")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestDeleteAnalysisCascadesComparisons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a1")))
	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a2")))
	c := testComparison("acme", "a1", "a2")
	require.NoError(t, s.PutComparison(ctx, c))

	require.NoError(t, s.DeleteAnalysis(ctx, "acme", "a1"))

	_, err := s.GetComparison(ctx, "acme", c.ID)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	// The surviving analysis can be compared again.
	require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", "a3")))
	require.NoError(t, s.PutComparison(ctx, testComparison("acme", "a2", "a3")))
}

func TestListComparisonsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, s.PutAnalysis(ctx, testAnalysis("acme", id)))
	}
	c1 := testComparison("acme", "a1", "a2")
	require.NoError(t, s.PutComparison(ctx, c1))
	c2 := testComparison("acme", "a2", "a3")
	c2.JudgeModel = "judge-other"
	require.NoError(t, s.PutComparison(ctx, c2))

	all, err := s.ListComparisons(ctx, "acme", ComparisonFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	involving, err := s.ListComparisons(ctx, "acme", ComparisonFilter{AnalysisID: "a1"})
	require.NoError(t, err)
	require.Len(t, involving, 1)
	assert.Equal(t, c1.ID, involving[0].ID)

	byJudge, err := s.ListComparisons(ctx, "acme", ComparisonFilter{JudgeModel: "judge-other"})
	require.NoError(t, err)
	require.Len(t, byJudge, 1)
	assert.Equal(t, c2.ID, byJudge[0].ID)
}

func TestAcquirePairBlocksSecondHolder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	release, err := s.AcquirePair(ctx, "acme", "a1", "a2", "judge-m")
	require.NoError(t, err)

	// Reversed order maps to the same lock; a bounded wait times out.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.AcquirePair(shortCtx, "acme", "a2", "a1", "judge-m")
	require.Error(t, err)

	// A different judge model uses a different lock.
	otherRelease, err := s.AcquirePair(ctx, "acme", "a1", "a2", "judge-other")
	require.NoError(t, err)
	otherRelease()

	release()
	release2, err := s.AcquirePair(ctx, "acme", "a1", "a2", "judge-m")
	require.NoError(t, err)
	release2()
}

func TestPairKeyAndLockIDSymmetry(t *testing.T) {
	lo, hi := PairKey("b", "a")
	assert.Equal(t, "a", lo)
	assert.Equal(t, "b", hi)

	assert.Equal(t,
		PairLockID("t", "a", "b", "j"),
		PairLockID("t", "b", "a", "j"))
	assert.NotEqual(t,
		PairLockID("t", "a", "b", "j"),
		PairLockID("t", "a", "b", "j2"))
	assert.NotEqual(t,
		PairLockID("t", "a", "b", "j"),
		PairLockID("t2", "a", "b", "j"))
}

func TestEvalResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := &EvalResult{TraceID: "tr-1", AnalysisID: "a1", EvaluatorID: "non_empty_outputs", Score: 1, Passed: true, Status: "ok"}
	require.NoError(t, s.PutEvalResult(ctx, r1))
	r2 := &EvalResult{TraceID: "tr-1", EvaluatorID: "missing", Reason: "unknown evaluator", Status: "error"}
	require.NoError(t, s.PutEvalResult(ctx, r2))
	require.NoError(t, s.PutEvalResult(ctx, &EvalResult{TraceID: "tr-2", EvaluatorID: "x", Status: "ok"}))

	out, err := s.ListEvalResults(ctx, "tr-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Passed)
	assert.Equal(t, "error", out[1].Status)
	assert.Equal(t, "unknown evaluator", out[1].Reason)
}
