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

// Package pipeline implements the DTA pipeline: three sequential LLM
// stages (facts, insights, summary) with per-stage models and sampling
// parameters, full tracing, and all-or-nothing analysis persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
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

// Stage defaults.
const (
	DefaultStageTimeout = 120 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 250 * time.Millisecond
)

var stageNames = [3]string{"stage1_facts", "stage2_insights", "stage3_summary"}

// PipelineError reports which stage aborted the run.
type PipelineError struct {
	Stage int // 1-based
	Model string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed at stage %d (model %s): %v", e.Stage, e.Model, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Redactor is the pluggable PII pre-filter applied to the transcript
// before stage 1 when requested. The redacted text is what gets
// persisted.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
}

type noopRedactor struct{}

func (noopRedactor) Redact(_ context.Context, text string) (string, error) { return text, nil }

// NoopRedactor passes text through unchanged.
func NoopRedactor() Redactor { return noopRedactor{} }

// PostEvaluator dispatches registered evaluators after a successful
// run and returns their recorded outcomes. Evaluator failures are the
// hook's concern; the pipeline never fails because of them, but the
// outcomes ride along on the result so callers see them.
type PostEvaluator interface {
	Dispatch(ctx context.Context, traceID, analysisID string, evaluatorIDs []string) []*store.EvalResult
}

// StageConfig is the per-stage model and sampling configuration.
type StageConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	TopP         float64
	MaxTokens    int
}

// RunRequest is the pipeline input.
type RunRequest struct {
	Tenant      string
	Creator     string
	Project     string
	Title       string
	Transcript  string
	RedactPII   bool
	Stages      [3]StageConfig
	PostEvalIDs []string
}

// Result is the pipeline output. EvalResults holds the post-run
// evaluator outcomes, including failed ones, when evaluators were
// requested.
type Result struct {
	Analysis    *store.Analysis
	TraceID     string
	EvalResults []*store.EvalResult
}

// Options configure an Engine. Catalog, Vault, Build, Recorder, and
// Store are required.
type Options struct {
	Catalog  *catalog.Catalog
	Vault    *vault.Vault
	Build    factory.Func
	Recorder *tracing.Recorder
	Store    store.Store
	Redactor Redactor      // default: noop
	Evals    PostEvaluator // optional

	StageTimeout time.Duration // default 120s
	MaxRetries   int           // transient retries per stage, default 2
	RetryBackoff time.Duration // initial backoff, default 250ms
	Logger       *zap.Logger
}

// Engine orchestrates DTA pipeline runs. Safe for concurrent use; each
// run is sequential across its three stages.
type Engine struct {
	catalog  *catalog.Catalog
	vault    *vault.Vault
	build    factory.Func
	recorder *tracing.Recorder
	store    store.Store
	redactor Redactor
	evals    PostEvaluator

	stageTimeout time.Duration
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewEngine creates a pipeline engine.
func NewEngine(o Options) (*Engine, error) {
	if o.Catalog == nil || o.Vault == nil || o.Build == nil || o.Recorder == nil || o.Store == nil {
		return nil, fmt.Errorf("catalog, vault, build, recorder, and store are required")
	}
	if o.Redactor == nil {
		o.Redactor = NoopRedactor()
	}
	if o.StageTimeout == 0 {
		o.StageTimeout = DefaultStageTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Engine{
		catalog:      o.Catalog,
		vault:        o.Vault,
		build:        o.Build,
		recorder:     o.Recorder,
		store:        o.Store,
		redactor:     o.Redactor,
		evals:        o.Evals,
		stageTimeout: o.StageTimeout,
		maxRetries:   o.MaxRetries,
		retryBackoff: o.RetryBackoff,
		logger:       o.Logger,
	}, nil
}

// Run executes the three stages and persists the analysis. On any stage
// failure nothing is persisted except the diagnostic trace.
func (e *Engine) Run(ctx context.Context, req *RunRequest) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	transcript := req.Transcript
	if req.RedactPII {
		redacted, err := e.redactor.Redact(ctx, transcript)
		if err != nil {
			return nil, fmt.Errorf("redaction failed: %w", err)
		}
		transcript = redacted
	}

	name := req.Title
	if name == "" {
		name = "dta_pipeline"
	}
	parent, err := e.recorder.OpenParent(ctx, tracing.SourceDTAPipeline, name, req.Tenant, req.Creator, req.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace: %w", err)
	}
	md := map[string]string{"title": req.Title}
	if req.Project != "" {
		md["project"] = req.Project
	}
	if err := e.recorder.LinkMetadata(ctx, parent, md); err != nil {
		e.logger.Warn("failed to attach trace metadata", zap.Error(err))
	}

	analysis := &store.Analysis{
		Tenant:          req.Tenant,
		Creator:         req.Creator,
		Project:         req.Project,
		TranscriptTitle: req.Title,
		TranscriptInput: transcript,
		PIIRedacted:     req.RedactPII,
		ParentTraceID:   parent.TraceID,
	}

	var outputs [3]string
	for s := 0; s < 3; s++ {
		cfg := req.Stages[s]

		result, effective, err := e.runStage(ctx, parent, req, s, cfg, stageContext(s, transcript, outputs))
		if err != nil {
			status := statusFor(err)
			if cerr := e.recorder.CloseParent(ctx, parent, status); cerr != nil {
				e.logger.Warn("failed to close parent trace", zap.Error(cerr))
			}
			return nil, &PipelineError{Stage: s + 1, Model: cfg.Model, Err: err}
		}

		outputs[s] = result.Content
		analysis.Models[s] = cfg.Model
		analysis.SystemPrompts[s] = cfg.SystemPrompt
		analysis.StageParams[s] = store.StageParams{
			Temperature: effective,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
		}
		analysis.TotalTokens += result.TotalTokens
		analysis.TotalCost = llm.RoundUSD(analysis.TotalCost + result.TotalCost)
		analysis.TotalDurationMS += float64(result.DurationMS)
	}

	analysis.FactsOutput = outputs[0]
	analysis.InsightsOutput = outputs[1]
	analysis.SummaryOutput = outputs[2]

	if err := e.recorder.SetIO(ctx, parent, transcript, analysis.SummaryOutput); err != nil {
		e.logger.Warn("failed to record trace IO", zap.Error(err))
	}

	if err := e.store.PutAnalysis(ctx, analysis); err != nil {
		if cerr := e.recorder.CloseParent(ctx, parent, tracing.StatusError); cerr != nil {
			e.logger.Warn("failed to close parent trace", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to persist analysis: %w", err)
	}

	if err := e.recorder.CloseParent(ctx, parent, tracing.StatusOK); err != nil {
		e.logger.Warn("failed to close parent trace", zap.Error(err))
	}

	e.logger.Info("pipeline completed",
		zap.String("analysis_id", analysis.ID),
		zap.String("trace_id", parent.TraceID),
		zap.Int("total_tokens", analysis.TotalTokens),
		zap.Float64("total_cost", analysis.TotalCost))

	result := &Result{Analysis: analysis, TraceID: parent.TraceID}
	if e.evals != nil && len(req.PostEvalIDs) > 0 {
		result.EvalResults = e.evals.Dispatch(ctx, parent.TraceID, analysis.ID, req.PostEvalIDs)
	}
	return result, nil
}

// runStage executes one stage with the transient retry budget. Retries
// reuse the stage's single span; the attempt count lands on the span at
// close time. Returns the result and the effective temperature used.
func (e *Engine) runStage(ctx context.Context, parent *tracing.ParentHandle, req *RunRequest, s int, cfg StageConfig, input string) (*types.ExecResult, float64, error) {
	entry, err := e.catalog.Lookup(cfg.Model)
	if err != nil {
		return nil, 0, err
	}
	profile, err := entry.Profile()
	if err != nil {
		return nil, 0, err
	}
	effective := profile.EffectiveTemperature(cfg.Temperature)

	span, err := e.recorder.OpenSpan(ctx, parent, stageNames[s], tracing.SpanTypeLLM, cfg.Model,
		map[string]interface{}{
			"temperature": effective,
			"top_p":       cfg.TopP,
			"max_tokens":  cfg.MaxTokens,
		},
		map[string]string{"stage": fmt.Sprintf("%d", s+1)})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open span: %w", err)
	}

	key, handle, err := e.vault.Resolve(ctx, req.Tenant, entry.Provider, req.Project)
	if err != nil {
		e.closeSpan(ctx, span, nil, statusFor(err), err, 1)
		return nil, 0, err
	}

	provider, err := e.build(entry, key)
	if err != nil {
		e.closeSpan(ctx, span, nil, tracing.StatusError, err, 1)
		return nil, 0, err
	}

	execReq := &types.ExecRequest{
		Model:       cfg.Model,
		Temperature: types.Float64(cfg.Temperature),
		TopP:        types.Float64(cfg.TopP),
		MaxTokens:   cfg.MaxTokens,
		Messages: []types.Message{
			{Role: "system", Content: cfg.SystemPrompt},
			{Role: "user", Content: input},
		},
	}

	var result *types.ExecResult
	attempts := 0
	for {
		attempts++
		result, err = e.execOnce(ctx, provider, execReq)
		if err == nil {
			break
		}
		if !llm.IsTransient(err) || attempts > e.maxRetries {
			e.closeSpan(ctx, span, nil, statusFor(err), err, attempts)
			return nil, 0, err
		}
		e.logger.Warn("transient stage error, retrying",
			zap.Int("stage", s+1), zap.String("model", cfg.Model),
			zap.Int("attempt", attempts), zap.Error(err))
		if werr := e.sleep(ctx, attempts); werr != nil {
			e.closeSpan(ctx, span, nil, statusFor(werr), werr, attempts)
			return nil, 0, werr
		}
	}

	e.vault.MarkUsed(ctx, handle)
	e.closeSpan(ctx, span, result, tracing.StatusOK, nil, attempts)
	return result, effective, nil
}

func (e *Engine) execOnce(ctx context.Context, provider types.Provider, req *types.ExecRequest) (*types.ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()

	result, err := provider.Exec(callCtx, req)
	if err != nil {
		// Per-call deadline is transient; caller cancellation is not.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &llm.TransientError{
				Provider: provider.Name(), Model: provider.Model(), Err: context.DeadlineExceeded,
			}
		}
		return nil, err
	}
	if result.Content == "" {
		return nil, &llm.ProviderError{
			Provider: provider.Name(), Model: provider.Model(),
			Message: "empty completion",
		}
	}
	return result, nil
}

func (e *Engine) closeSpan(ctx context.Context, span *tracing.SpanHandle, result *types.ExecResult, status tracing.Status, err error, attempts int) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if cerr := e.recorder.CloseSpan(ctx, span, result, status, msg, attempts); cerr != nil {
		e.logger.Warn("failed to close span", zap.Error(cerr))
	}
}

// sleep blocks for the jittered exponential backoff or until ctx is
// done.
func (e *Engine) sleep(ctx context.Context, attempt int) error {
	d := e.retryBackoff << (attempt - 1)
	half := d / 2
	d = half + time.Duration(rand.Int63n(int64(half)+1))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stageContext composes the user message for a stage: the transcript
// for stage 1, the facts for stage 2, facts plus insights for stage 3.
func stageContext(s int, transcript string, outputs [3]string) string {
	switch s {
	case 0:
		return transcript
	case 1:
		return outputs[0]
	default:
		return outputs[0] + "\n\n" + outputs[1]
	}
}

func statusFor(err error) tracing.Status {
	switch {
	case errors.Is(err, context.Canceled):
		return tracing.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return tracing.StatusTimeout
	default:
		return tracing.StatusError
	}
}

func validateRequest(req *RunRequest) error {
	if req.Tenant == "" || req.Creator == "" {
		return fmt.Errorf("tenant and creator required")
	}
	if req.Transcript == "" {
		return fmt.Errorf("transcript required")
	}
	for i, s := range req.Stages {
		if s.Model == "" {
			return fmt.Errorf("stage %d: model required", i+1)
		}
		if s.MaxTokens < 1 {
			return fmt.Errorf("stage %d: max_tokens must be >= 1", i+1)
		}
		if s.Temperature < 0 || s.Temperature > 2 {
			return fmt.Errorf("stage %d: temperature must be in [0, 2]", i+1)
		}
		if s.TopP < 0 || s.TopP > 1 {
			return fmt.Errorf("stage %d: top_p must be in [0, 1]", i+1)
		}
	}
	return nil
}
