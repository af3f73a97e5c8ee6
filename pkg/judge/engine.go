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

// Package judge implements blind A/B comparison of two completed
// analyses: per-stage judge calls plus an overall verdict, structural
// JSON auto-repair, weighted aggregation, and duplicate prevention.
package judge

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/llm"
	"github.com/opencircle/loupe/pkg/llm/factory"
	"github.com/opencircle/loupe/pkg/store"
	"github.com/opencircle/loupe/pkg/tracing"
	"github.com/opencircle/loupe/pkg/types"
	"github.com/opencircle/loupe/pkg/vault"
)

// Judge defaults.
const (
	DefaultTemperature    = 0.0
	DefaultStageBudget    = 3000
	DefaultOverallBudget  = 4000
	DefaultStageTimeout   = 120 * time.Second
	DefaultOverallTimeout = 180 * time.Second
	DefaultMaxRetries     = 2
	DefaultRetryBackoff   = 250 * time.Millisecond
)

// DefaultCriteria is the evaluation criteria set used when the caller
// provides none.
var DefaultCriteria = []string{"groundedness", "faithfulness", "completeness", "clarity", "accuracy"}

// Request is the judge input. An empty JudgeModel falls back to the
// engine's configured default model; JudgeTemperature nil means the
// engine's default temperature; empty Criteria means DefaultCriteria.
type Request struct {
	Tenant           string
	Creator          string
	AnalysisA        string
	AnalysisB        string
	JudgeModel       string
	JudgeTemperature *float64
	Criteria         []string
}

// Result is the judge output.
type Result struct {
	Comparison *store.Comparison
	TraceID    string
	// Warnings carries non-fatal diagnostics also recorded in trace
	// metadata (clamped scores, implied-winner disagreement).
	Warnings []string
}

// Options configure an Engine. Catalog, Vault, Build, Recorder, and
// Store are required.
type Options struct {
	Catalog  *catalog.Catalog
	Vault    *vault.Vault
	Build    factory.Func
	Recorder *tracing.Recorder
	Store    store.Store

	StageBudget    int           // default 3000
	OverallBudget  int           // default 4000
	StageTimeout   time.Duration // default 120s
	OverallTimeout time.Duration // default 180s
	MaxRetries     int           // transient retries per segment, default 2
	RetryBackoff   time.Duration // initial backoff, default 250ms
	StageWeights   [3]float64    // default 0.30/0.35/0.35

	// DefaultModel is used when the request names no judge model.
	// DefaultTemperature is used when the request carries none.
	DefaultModel       string
	DefaultTemperature float64

	Logger *zap.Logger
}

// Engine runs blind judge comparisons. Safe for concurrent use; at most
// one run per (tenant, unordered pair, judge model) writes at a time.
type Engine struct {
	catalog  *catalog.Catalog
	vault    *vault.Vault
	build    factory.Func
	recorder *tracing.Recorder
	store    store.Store

	stageBudget    int
	overallBudget  int
	stageTimeout   time.Duration
	overallTimeout time.Duration
	maxRetries     int
	retryBackoff   time.Duration
	stageWeights   [3]float64
	defaultModel   string
	defaultTemp    float64
	logger         *zap.Logger
}

// NewEngine creates a judge engine.
func NewEngine(o Options) (*Engine, error) {
	if o.Catalog == nil || o.Vault == nil || o.Build == nil || o.Recorder == nil || o.Store == nil {
		return nil, fmt.Errorf("catalog, vault, build, recorder, and store are required")
	}
	if o.StageBudget == 0 {
		o.StageBudget = DefaultStageBudget
	}
	if o.OverallBudget == 0 {
		o.OverallBudget = DefaultOverallBudget
	}
	if o.StageTimeout == 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	if o.OverallTimeout == 0 {
		o.OverallTimeout = DefaultOverallTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.StageWeights == [3]float64{} {
		o.StageWeights = DefaultStageWeights
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Engine{
		catalog:        o.Catalog,
		vault:          o.Vault,
		build:          o.Build,
		recorder:       o.Recorder,
		store:          o.Store,
		stageBudget:    o.StageBudget,
		overallBudget:  o.OverallBudget,
		stageTimeout:   o.StageTimeout,
		overallTimeout: o.OverallTimeout,
		maxRetries:     o.MaxRetries,
		retryBackoff:   o.RetryBackoff,
		stageWeights:   o.StageWeights,
		defaultModel:   o.DefaultModel,
		defaultTemp:    o.DefaultTemperature,
		logger:         o.Logger,
	}, nil
}

// Run executes the preflight chain, the four blind judge calls, and the
// atomic comparison write. On any fatal error no comparison is written;
// the judge traces remain for diagnostics.
func (e *Engine) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.AnalysisA == req.AnalysisB {
		return nil, &SameAnalysisError{ID: req.AnalysisA}
	}

	judgeModel := req.JudgeModel
	if judgeModel == "" {
		judgeModel = e.defaultModel
	}
	if judgeModel == "" {
		return nil, fmt.Errorf("judge model required")
	}

	a, err := e.loadAnalysis(ctx, req.Tenant, req.AnalysisA)
	if err != nil {
		return nil, err
	}
	b, err := e.loadAnalysis(ctx, req.Tenant, req.AnalysisB)
	if err != nil {
		return nil, err
	}
	if a.TranscriptInput != b.TranscriptInput {
		return nil, &TranscriptMismatchError{AnalysisA: a.ID, AnalysisB: b.ID}
	}

	// Hold the guard for the whole run so a concurrent identical
	// request blocks, then sees this run's row.
	release, err := e.store.AcquirePair(ctx, req.Tenant, req.AnalysisA, req.AnalysisB, judgeModel)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire duplicate guard: %w", err)
	}
	defer release()

	if existing, err := e.store.FindComparison(ctx, req.Tenant, req.AnalysisA, req.AnalysisB, judgeModel); err != nil {
		return nil, err
	} else if existing != "" {
		return nil, &store.DuplicateConflictError{ExistingID: existing}
	}

	entry, err := e.catalog.Lookup(judgeModel)
	if err != nil {
		return nil, err
	}

	temperature := e.defaultTemp
	if req.JudgeTemperature != nil {
		temperature = *req.JudgeTemperature
	}
	if temperature < 0 || temperature > 2 {
		return nil, fmt.Errorf("judge temperature must be in [0, 2]")
	}
	criteria := req.Criteria
	if len(criteria) == 0 {
		criteria = append([]string(nil), DefaultCriteria...)
	}

	// Blind labeling: a coin flip decides which analysis the judge sees
	// as A. The mapping never leaves this run.
	labelA, labelB := a, b
	if coinFlip() {
		labelA, labelB = b, a
	}

	// Credential scope: the shared project when both analyses agree on
	// one, otherwise the tenant default.
	project := a.Project
	if b.Project != project {
		project = ""
	}
	key, handle, err := e.vault.Resolve(ctx, req.Tenant, entry.Provider, project)
	if err != nil {
		return nil, err
	}
	provider, err := e.build(entry, key)
	if err != nil {
		return nil, err
	}

	parent, err := e.recorder.OpenParent(ctx, tracing.SourceJudge, "judge_comparison", req.Tenant, req.Creator, project)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	if err := e.recorder.SetModel(ctx, parent, judgeModel, entry.Provider); err != nil {
		e.logger.Warn("failed to set trace model", zap.Error(err))
	}

	run := &judgeRun{
		engine:      e,
		provider:    provider,
		profile:     mustProfile(entry),
		temperature: temperature,
		parent:      parent,
	}

	verdicts := make(map[string]store.Verdict, 4)
	var warnings []string
	var clamped []string
	var judgeTokens int
	var judgeCost float64
	start := time.Now()

	segments := []struct {
		name string
		outA string
		outB string
	}{
		{store.SegmentStage1, labelA.FactsOutput, labelB.FactsOutput},
		{store.SegmentStage2, labelA.InsightsOutput, labelB.InsightsOutput},
		{store.SegmentStage3, labelA.SummaryOutput, labelB.SummaryOutput},
	}
	for _, seg := range segments {
		outcome, usage, err := run.call(ctx, seg.name, stagePrompt(seg.name, criteria, seg.outA, seg.outB), e.stageBudget, e.stageTimeout)
		if err != nil {
			e.abort(ctx, parent, err)
			return nil, err
		}
		verdicts[seg.name] = outcome.Verdict
		warnings = append(warnings, clampWarnings(seg.name, outcome)...)
		clamped = append(clamped, clampedPaths(seg.name, outcome)...)
		judgeTokens += usage.TotalTokens
		judgeCost += usage.TotalCost
	}

	outcome, usage, err := run.call(ctx, store.SegmentOverall, overallPrompt(criteria, labelA, labelB, verdicts), e.overallBudget, e.overallTimeout)
	if err != nil {
		e.abort(ctx, parent, err)
		return nil, err
	}
	verdicts[store.SegmentOverall] = outcome.Verdict
	warnings = append(warnings, clampWarnings(store.SegmentOverall, outcome)...)
	clamped = append(clamped, clampedPaths(store.SegmentOverall, outcome)...)
	judgeTokens += usage.TotalTokens
	judgeCost += usage.TotalCost

	weightedA, weightedB := weightedScores(verdicts, e.stageWeights)
	implied := impliedWinner(weightedA, weightedB)
	if verdicts[store.SegmentOverall].Winner != implied {
		warnings = append(warnings, "judge_overall_disagrees_with_implied")
		e.logger.Warn("judge overall verdict disagrees with weighted aggregate",
			zap.String("overall_winner", verdicts[store.SegmentOverall].Winner),
			zap.String("implied_winner", implied),
			zap.Float64("weighted_a", weightedA),
			zap.Float64("weighted_b", weightedB))
	}

	costDiff, costPct := costDeltas(labelA.TotalCost, labelB.TotalCost)
	comparison := &store.Comparison{
		Tenant:            req.Tenant,
		Creator:           req.Creator,
		AnalysisA:         labelA.ID,
		AnalysisB:         labelB.ID,
		JudgeModel:        judgeModel,
		JudgeModelVersion: entry.ModelVersion,
		JudgeTemperature:  temperature,
		Criteria:          criteria,
		Verdicts:          verdicts,
		JudgeTraceID:      parent.TraceID,
		Metadata: store.ComparisonMetadata{
			CostA:                 labelA.TotalCost,
			CostB:                 labelB.TotalCost,
			TokensA:               labelA.TotalTokens,
			TokensB:               labelB.TotalTokens,
			TotalCost:             llm.RoundUSD(judgeCost),
			DurationMS:            float64(time.Since(start).Milliseconds()),
			CostDifference:        llm.RoundUSD(costDiff),
			CostDifferencePct:     costPct,
			QualityImprovementPct: qualityImprovement(weightedA, weightedB, verdicts[store.SegmentOverall].Winner),
		},
	}

	md := make(map[string]string, 2)
	if len(clamped) > 0 {
		if data, err := json.Marshal(clamped); err == nil {
			md["clamped_fields"] = string(data)
		}
	}
	if len(warnings) > 0 {
		if data, err := json.Marshal(warnings); err == nil {
			md["warnings"] = string(data)
		}
	}
	if len(md) > 0 {
		if err := e.recorder.LinkMetadata(ctx, parent, md); err != nil {
			e.logger.Warn("failed to attach trace warnings", zap.Error(err))
		}
	}

	if err := e.store.PutComparison(ctx, comparison); err != nil {
		e.abort(ctx, parent, err)
		return nil, err
	}

	if err := e.recorder.CloseParent(ctx, parent, tracing.StatusOK); err != nil {
		e.logger.Warn("failed to close judge trace", zap.Error(err))
	}
	e.vault.MarkUsed(ctx, handle)

	e.logger.Info("comparison completed",
		zap.String("comparison_id", comparison.ID),
		zap.String("winner", verdicts[store.SegmentOverall].Winner),
		zap.Int("judge_tokens", judgeTokens),
		zap.Float64("judge_cost", judgeCost))

	return &Result{Comparison: comparison, TraceID: parent.TraceID, Warnings: warnings}, nil
}

func (e *Engine) loadAnalysis(ctx context.Context, tenant, id string) (*store.Analysis, error) {
	a, err := e.store.GetAnalysisByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Tenant != tenant {
		return nil, &CrossTenantError{Tenant: tenant, Analysis: id}
	}
	return a, nil
}

func (e *Engine) abort(ctx context.Context, parent *tracing.ParentHandle, cause error) {
	status := tracing.StatusError
	switch {
	case errors.Is(cause, context.Canceled):
		status = tracing.StatusCancelled
	case errors.Is(cause, context.DeadlineExceeded):
		status = tracing.StatusTimeout
	}
	if err := e.recorder.CloseParent(ctx, parent, status); err != nil {
		e.logger.Warn("failed to close judge trace", zap.Error(err))
	}
}

// judgeRun holds the per-run call state shared by the four segments.
type judgeRun struct {
	engine      *Engine
	provider    types.Provider
	profile     catalog.ParameterProfile
	temperature float64
	parent      *tracing.ParentHandle
}

// call executes one judge segment: LLM call with the transient retry
// budget, repair-chain parse, and on parse failure one full retry with
// a JSON-only instruction and a +25% token budget. The segment's single
// span records every attempt.
func (r *judgeRun) call(ctx context.Context, segment, prompt string, budget int, timeout time.Duration) (*parseOutcome, *types.ExecResult, error) {
	span, err := r.engine.recorder.OpenSpan(ctx, r.parent, "judge_"+segment, tracing.SpanTypeLLM,
		r.provider.Model(),
		map[string]interface{}{
			"temperature": r.temperature,
			"max_tokens":  budget,
		},
		map[string]string{"segment": segment})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open span: %w", err)
	}

	outcome, usage, attempts, err := r.execParse(ctx, segment, prompt, budget, timeout)
	if err != nil {
		var parseErr *JudgeParseError
		if errors.As(err, &parseErr) {
			// Full retry: explicit JSON-only instruction, +25% budget.
			retryBudget := budget + budget/4
			var more int
			outcome, usage, more, err = r.execParse(ctx, segment, jsonOnlyPrefix+prompt, retryBudget, timeout)
			attempts += more
		}
	}
	if err != nil {
		msg := err.Error()
		status := tracing.StatusError
		if errors.Is(err, context.DeadlineExceeded) {
			status = tracing.StatusTimeout
		} else if errors.Is(err, context.Canceled) {
			status = tracing.StatusCancelled
		}
		if cerr := r.engine.recorder.CloseSpan(ctx, span, usage, status, msg, attempts); cerr != nil {
			r.engine.logger.Warn("failed to close span", zap.Error(cerr))
		}
		return nil, nil, err
	}

	if cerr := r.engine.recorder.CloseSpan(ctx, span, usage, tracing.StatusOK, "", attempts); cerr != nil {
		r.engine.logger.Warn("failed to close span", zap.Error(cerr))
	}
	return outcome, usage, nil
}

// execParse runs provider calls until one parses, a fatal error occurs,
// or the transient retry budget is spent.
func (r *judgeRun) execParse(ctx context.Context, segment, prompt string, budget int, timeout time.Duration) (*parseOutcome, *types.ExecResult, int, error) {
	attempts := 0
	for {
		attempts++
		outcome, usage, err := r.callOnce(ctx, segment, prompt, budget, timeout)
		if err == nil {
			return outcome, usage, attempts, nil
		}
		if !llm.IsTransient(err) || attempts > r.engine.maxRetries {
			return nil, usage, attempts, err
		}
		r.engine.logger.Warn("transient judge error, retrying",
			zap.String("segment", segment),
			zap.Int("attempt", attempts), zap.Error(err))
		if werr := r.engine.sleep(ctx, attempts); werr != nil {
			return nil, usage, attempts, werr
		}
	}
}

func (r *judgeRun) callOnce(ctx context.Context, segment, prompt string, budget int, timeout time.Duration) (*parseOutcome, *types.ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &types.ExecRequest{
		Model:       r.provider.Model(),
		Temperature: types.Float64(r.temperature),
		MaxTokens:   budget,
		Messages: []types.Message{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	if r.profile.SupportsResponseFormat {
		req.ResponseFormat = "json_object"
	}

	result, err := r.provider.Exec(callCtx, req)
	if err != nil {
		// Per-call deadline is transient; caller cancellation is not.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, &llm.TransientError{
				Provider: r.provider.Name(), Model: r.provider.Model(), Err: context.DeadlineExceeded,
			}
		}
		return nil, nil, err
	}

	outcome, err := parseVerdict(result.Content)
	if err != nil {
		return nil, result, &JudgeParseError{Segment: segment, Err: err}
	}
	return outcome, result, nil
}

// sleep blocks for the jittered exponential backoff or until ctx is
// done.
func (e *Engine) sleep(ctx context.Context, attempt int) error {
	d := e.retryBackoff << (attempt - 1)
	half := d / 2
	d = half + time.Duration(mrand.Int63n(int64(half)+1))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clampWarnings(segment string, outcome *parseOutcome) []string {
	var out []string
	for _, f := range outcome.ClampedFields {
		out = append(out, fmt.Sprintf("clamped_fields:%s.%s", segment, f))
	}
	if outcome.Truncated {
		out = append(out, "truncated_response:"+segment)
	}
	return out
}

// clampedPaths returns the segment-qualified score paths the parser
// clamped, stored under the clamped_fields trace metadata key.
func clampedPaths(segment string, outcome *parseOutcome) []string {
	var out []string
	for _, f := range outcome.ClampedFields {
		out = append(out, segment+"."+f)
	}
	return out
}

func mustProfile(entry catalog.Entry) catalog.ParameterProfile {
	p, err := entry.Profile()
	if err != nil {
		// Lookup already validated the family.
		return catalog.ParameterProfile{}
	}
	return p
}

// coinFlip returns an unbiased random bit from crypto/rand.
func coinFlip() bool {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]&1 == 1
}
