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

// Package store persists analyses and comparisons and enforces the
// unordered-pair duplicate guard for judge runs. The default backend is
// sqlite; pkg/store/postgres provides a lib/pq backend with the same
// contract.
package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// Verdict segments, in aggregation order.
const (
	SegmentStage1  = "stage1"
	SegmentStage2  = "stage2"
	SegmentStage3  = "stage3"
	SegmentOverall = "overall"
)

// Winner labels as emitted by the judge.
const (
	WinnerA   = "A"
	WinnerB   = "B"
	WinnerTie = "tie"
)

// NotFoundError indicates a missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// DuplicateConflictError indicates a comparison already exists for the
// unordered pair and judge model. ExistingID lets callers redirect
// without re-spending judge cost.
type DuplicateConflictError struct {
	ExistingID string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("comparison already exists: %s", e.ExistingID)
}

// StageParams are the effective sampling parameters one stage ran with.
type StageParams struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// Analysis is the persisted pipeline artifact. Immutable after
// creation except for the title.
type Analysis struct {
	ID              string
	Tenant          string
	Creator         string
	Project         string
	TranscriptTitle string
	TranscriptInput string
	PIIRedacted     bool
	FactsOutput     string
	InsightsOutput  string
	SummaryOutput   string
	StageParams     [3]StageParams
	SystemPrompts   [3]string
	Models          [3]string
	TotalTokens     int
	TotalCost       float64
	TotalDurationMS float64
	ParentTraceID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Verdict is one judge verdict segment.
type Verdict struct {
	Winner    string                        `json:"winner"`
	Scores    map[string]map[string]float64 `json:"scores"`
	Reasoning string                        `json:"reasoning"`
}

// ComparisonMetadata carries the cost and quality deltas computed at
// judge time. Pct fields are nil when the denominator is zero.
type ComparisonMetadata struct {
	CostA                 float64  `json:"cost_a"`
	CostB                 float64  `json:"cost_b"`
	TokensA               int      `json:"tokens_a"`
	TokensB               int      `json:"tokens_b"`
	TotalCost             float64  `json:"total_cost"`
	DurationMS            float64  `json:"duration_ms"`
	CostDifference        float64  `json:"cost_difference"`
	CostDifferencePct     *float64 `json:"cost_difference_pct"`
	QualityImprovementPct *float64 `json:"quality_improvement_pct"`
}

// Comparison is the persisted judge verdict. Immutable after creation.
type Comparison struct {
	ID                string
	Tenant            string
	Creator           string
	AnalysisA         string
	AnalysisB         string
	JudgeModel        string
	JudgeModelVersion string
	JudgeTemperature  float64
	Criteria          []string
	Verdicts          map[string]Verdict
	JudgeTraceID      string
	Metadata          ComparisonMetadata
	CreatedAt         time.Time
}

// EvalResult is one evaluator outcome keyed by trace.
type EvalResult struct {
	ID          string
	TraceID     string
	AnalysisID  string
	EvaluatorID string
	Score       float64
	Passed      bool
	Reason      string
	Status      string // ok or error
	CreatedAt   time.Time
}

// AnalysisFilter narrows list_analyses. Zero values match everything.
type AnalysisFilter struct {
	Project string
	Creator string
	// AfterID enables keyset pagination: return rows created before the
	// row with this ID.
	AfterID string
	Limit   int
}

// ComparisonFilter narrows list_comparisons.
type ComparisonFilter struct {
	AnalysisID string
	JudgeModel string
	AfterID    string
	Limit      int
}

// Store is the persistence contract shared by the sqlite and postgres
// backends.
type Store interface {
	PutAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, tenant, id string) (*Analysis, error)
	// GetAnalysisByID loads an analysis regardless of tenant. The judge
	// preflight uses it to tell cross-tenant access apart from not-found.
	GetAnalysisByID(ctx context.Context, id string) (*Analysis, error)
	ListAnalyses(ctx context.Context, tenant string, f AnalysisFilter) ([]*Analysis, error)
	RenameAnalysis(ctx context.Context, tenant, id, title string) error
	DeleteAnalysis(ctx context.Context, tenant, id string) error

	// FindComparison returns the ID of an existing comparison for the
	// unordered pair and judge model, or "" if none exists.
	FindComparison(ctx context.Context, tenant, analysisA, analysisB, judgeModel string) (string, error)
	// PutComparison writes atomically and returns DuplicateConflictError
	// if a concurrent writer won the race.
	PutComparison(ctx context.Context, c *Comparison) error
	GetComparison(ctx context.Context, tenant, id string) (*Comparison, error)
	ListComparisons(ctx context.Context, tenant string, f ComparisonFilter) ([]*Comparison, error)
	DeleteComparison(ctx context.Context, tenant, id string) error

	// AcquirePair holds the duplicate-guard lock for the unordered pair
	// for the duration of a judge run. The returned release function
	// must always be called.
	AcquirePair(ctx context.Context, tenant, analysisA, analysisB, judgeModel string) (func(), error)

	PutEvalResult(ctx context.Context, r *EvalResult) error
	ListEvalResults(ctx context.Context, traceID string) ([]*EvalResult, error)
}

// PairKey canonicalizes the unordered analysis pair: lo < hi
// lexicographically, so (a,b) and (b,a) map to the same key.
func PairKey(analysisA, analysisB string) (lo, hi string) {
	if analysisA < analysisB {
		return analysisA, analysisB
	}
	return analysisB, analysisA
}

// PairLockID hashes the guard key into a signed 64-bit value, suitable
// for both the in-process mutex map and postgres advisory locks.
func PairLockID(tenant, analysisA, analysisB, judgeModel string) int64 {
	lo, hi := PairKey(analysisA, analysisB)
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", tenant, lo, hi, judgeModel)
	return int64(h.Sum64())
}
