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

// Package evalhook dispatches registered evaluators against produced
// traces after a pipeline run. Evaluator failures are recorded and
// returned, never propagated: the hook cannot fail the pipeline that
// triggered it.
package evalhook

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencircle/loupe/pkg/store"
)

// maxConcurrency bounds parallel evaluator execution per dispatch.
const maxConcurrency = 4

// Outcome is a single evaluator's result.
type Outcome struct {
	Score  float64 // in [0, 1]
	Passed bool
	Reason string
}

// Input is what an evaluator sees: the trace under evaluation and the
// analysis that produced it, when one exists.
type Input struct {
	TraceID  string
	Analysis *store.Analysis
}

// Evaluator scores a produced trace.
type Evaluator interface {
	ID() string
	Evaluate(ctx context.Context, in *Input) (*Outcome, error)
}

// Registry maps evaluator IDs to implementations.
// Thread-safe.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates an empty evaluator registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]Evaluator)}
}

// Register adds an evaluator, replacing any previous one with the same
// ID.
func (r *Registry) Register(e Evaluator) {
	r.mu.Lock()
	r.evaluators[e.ID()] = e
	r.mu.Unlock()
}

// Get returns the evaluator for an ID.
func (r *Registry) Get(id string) (Evaluator, bool) {
	r.mu.RLock()
	e, ok := r.evaluators[id]
	r.mu.RUnlock()
	return e, ok
}

// Hook runs evaluators against traces and records their results.
type Hook struct {
	registry *Registry
	store    store.Store
	logger   *zap.Logger
}

// New creates an evaluation hook.
func New(registry *Registry, st store.Store, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{registry: registry, store: st, logger: logger}
}

// Dispatch runs the named evaluators against the trace with bounded
// concurrency and records every outcome. Unknown evaluator IDs and
// evaluator errors are recorded with status error. Returns one record
// per requested evaluator, in request order, so callers can surface
// failures without querying the store.
func (h *Hook) Dispatch(ctx context.Context, traceID, analysisID string, evaluatorIDs []string) []*store.EvalResult {
	if len(evaluatorIDs) == 0 {
		return nil
	}

	var analysis *store.Analysis
	if analysisID != "" {
		a, err := h.store.GetAnalysisByID(ctx, analysisID)
		if err != nil {
			h.logger.Warn("evaluation hook could not load analysis",
				zap.String("analysis_id", analysisID), zap.Error(err))
		} else {
			analysis = a
		}
	}
	in := &Input{TraceID: traceID, Analysis: analysis}

	records := make([]*store.EvalResult, len(evaluatorIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, id := range evaluatorIDs {
		i, id := i, id
		g.Go(func() error {
			records[i] = h.runOne(gctx, id, analysisID, in)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (h *Hook) runOne(ctx context.Context, evaluatorID, analysisID string, in *Input) *store.EvalResult {
	record := &store.EvalResult{
		TraceID:     in.TraceID,
		AnalysisID:  analysisID,
		EvaluatorID: evaluatorID,
		Status:      "ok",
	}

	eval, ok := h.registry.Get(evaluatorID)
	if !ok {
		record.Status = "error"
		record.Reason = fmt.Sprintf("unknown evaluator: %s", evaluatorID)
	} else {
		outcome, err := eval.Evaluate(ctx, in)
		if err != nil {
			record.Status = "error"
			record.Reason = err.Error()
			h.logger.Warn("evaluator failed",
				zap.String("evaluator_id", evaluatorID),
				zap.String("trace_id", in.TraceID), zap.Error(err))
		} else {
			record.Score = outcome.Score
			record.Passed = outcome.Passed
			record.Reason = outcome.Reason
		}
	}

	if err := h.store.PutEvalResult(ctx, record); err != nil {
		h.logger.Error("failed to store eval result",
			zap.String("evaluator_id", evaluatorID),
			zap.String("trace_id", in.TraceID), zap.Error(err))
	}
	return record
}
