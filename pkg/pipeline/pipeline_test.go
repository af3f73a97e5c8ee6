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

package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/llm"
	"github.com/opencircle/loupe/pkg/store"
	"github.com/opencircle/loupe/pkg/tracing"
	"github.com/opencircle/loupe/pkg/types"
	"github.com/opencircle/loupe/pkg/vault"
)

// stubProvider replays scripted outcomes, one per Exec call.
type stubProvider struct {
	mu       sync.Mutex
	model    string
	script   []stubCall
	requests []*types.ExecRequest
}

type stubCall struct {
	content string
	err     error
}

func (p *stubProvider) Exec(_ context.Context, req *types.ExecRequest) (*types.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	call := stubCall{content: "output"}
	if len(p.script) > 0 {
		call = p.script[0]
		p.script = p.script[1:]
	}
	if call.err != nil {
		return nil, call.err
	}
	return &types.ExecResult{
		Content:      call.content,
		InputTokens:  100,
		OutputTokens: 50,
		TotalTokens:  150,
		TotalCost:    0.0002,
		DurationMS:   10,
		FinishReason: "end_turn",
	}, nil
}

func (p *stubProvider) Name() string  { return "openai" }
func (p *stubProvider) Model() string { return p.model }

type fixture struct {
	engine   *Engine
	store    *store.SQLite
	recorder *tracing.Recorder
	provider *stubProvider
}

func catalogEntries() []catalog.Entry {
	return []catalog.Entry{
		{
			ModelName: "m-cheap", ModelVersion: "m-cheap-1", Provider: "openai",
			Family:  catalog.FamilyLegacyChat,
			Pricing: catalog.Pricing{InputPerMTokens: 1, OutputPerMTokens: 2, Currency: "USD"},
			Active:  true,
		},
		{
			ModelName: "m-reason", ModelVersion: "m-reason-1", Provider: "openai",
			Family:  catalog.FamilyReasoning,
			Pricing: catalog.Pricing{InputPerMTokens: 10, OutputPerMTokens: 40, Currency: "USD"},
			Active:  true,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "loupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.NewSQLite(db, nil)
	require.NoError(t, err)
	rec, err := tracing.NewRecorder(db, nil)
	require.NoError(t, err)
	v, err := vault.New(db, "test-passphrase", nil)
	require.NoError(t, err)
	_, err = v.Put(context.Background(), "acme", "", "openai", "sk-test", true)
	require.NoError(t, err)

	provider := &stubProvider{}
	engine, err := NewEngine(Options{
		Catalog:  catalog.NewFromEntries(catalogEntries(), nil),
		Vault:    v,
		Recorder: rec,
		Store:    st,
		Build: func(entry catalog.Entry, apiKey string) (types.Provider, error) {
			provider.mu.Lock()
			provider.model = entry.ModelName
			provider.mu.Unlock()
			return provider, nil
		},
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{engine: engine, store: st, recorder: rec, provider: provider}
}

func runRequest() *RunRequest {
	return &RunRequest{
		Tenant:     "acme",
		Creator:    "alice",
		Project:    "proj-x",
		Title:      "call one",
		Transcript: "customer: my invoice is wrong",
		Stages: [3]StageConfig{
			{Model: "m-cheap", SystemPrompt: "extract facts", Temperature: 0.2, MaxTokens: 1000},
			{Model: "m-cheap", SystemPrompt: "derive insights", Temperature: 0.3, MaxTokens: 1500},
			{Model: "m-cheap", SystemPrompt: "write summary", Temperature: 0.4, MaxTokens: 2000},
		},
	}
}

func TestRunPersistsAnalysisAndTrace(t *testing.T) {
	f := newFixture(t)
	f.provider.script = []stubCall{
		{content: "the facts"},
		{content: "the insights"},
		{content: "the summary"},
	}

	result, err := f.engine.Run(context.Background(), runRequest())
	require.NoError(t, err)
	require.NotNil(t, result.Analysis)

	a, err := f.store.GetAnalysis(context.Background(), "acme", result.Analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, "the facts", a.FactsOutput)
	assert.Equal(t, "the insights", a.InsightsOutput)
	assert.Equal(t, "the summary", a.SummaryOutput)
	assert.Equal(t, 450, a.TotalTokens)
	assert.Equal(t, 0.0006, a.TotalCost)
	assert.Equal(t, result.TraceID, a.ParentTraceID)
	assert.Equal(t, [3]string{"m-cheap", "m-cheap", "m-cheap"}, a.Models)
	assert.Equal(t, 0.2, a.StageParams[0].Temperature)

	// Stage chaining: stage 2 sees the facts, stage 3 facts plus insights.
	require.Len(t, f.provider.requests, 3)
	assert.Equal(t, "customer: my invoice is wrong", f.provider.requests[0].Messages[1].Content)
	assert.Equal(t, "the facts", f.provider.requests[1].Messages[1].Content)
	assert.Equal(t, "the facts\n\nthe insights", f.provider.requests[2].Messages[1].Content)
	assert.Equal(t, "extract facts", f.provider.requests[0].Messages[0].Content)

	tr, err := f.recorder.GetTrace(context.Background(), result.TraceID)
	require.NoError(t, err)
	assert.Equal(t, tracing.StatusOK, tr.Status)
	assert.Equal(t, tracing.SourceDTAPipeline, tr.Source)
	assert.Equal(t, 450, tr.TotalTokens)
	assert.Equal(t, "the summary", tr.OutputData)

	spans, err := f.recorder.GetSpans(context.Background(), result.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, "stage1_facts", spans[0].Name)
	assert.Equal(t, "stage3_summary", spans[2].Name)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.provider.script = []stubCall{
		{err: &llm.TransientError{Provider: "openai", Model: "m-cheap", StatusCode: 429}},
		{content: "the facts"},
		{content: "the insights"},
		{content: "the summary"},
	}

	result, err := f.engine.Run(context.Background(), runRequest())
	require.NoError(t, err)

	// The retry reuses stage 1's span; only the attempt count shows it.
	spans, err := f.recorder.GetSpans(context.Background(), result.TraceID)
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, 2, spans[0].Attempts)
	assert.Equal(t, tracing.StatusOK, spans[0].Status)
	assert.Equal(t, 1, spans[1].Attempts)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t)
	transient := &llm.TransientError{Provider: "openai", Model: "m-cheap", StatusCode: 503}
	f.provider.script = []stubCall{{err: transient}, {err: transient}, {err: transient}}

	_, err := f.engine.Run(context.Background(), runRequest())
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, 1, pipeErr.Stage)
	assert.Equal(t, "m-cheap", pipeErr.Model)
	assert.True(t, llm.IsTransient(pipeErr.Err))

	// Nothing persisted; the diagnostic trace remains.
	analyses, lerr := f.store.ListAnalyses(context.Background(), "acme", store.AnalysisFilter{})
	require.NoError(t, lerr)
	assert.Empty(t, analyses)

	traces, terr := f.recorder.FindTraces(context.Background(), tracing.TraceFilter{Tenant: "acme"})
	require.NoError(t, terr)
	require.Len(t, traces, 1)
	assert.Equal(t, tracing.StatusError, traces[0].Status)
}

func TestRunNonTransientFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.provider.script = []stubCall{
		{content: "the facts"},
		{err: &llm.ProviderError{Provider: "openai", Model: "m-cheap", StatusCode: 400, Message: "bad"}},
	}

	_, err := f.engine.Run(context.Background(), runRequest())
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, 2, pipeErr.Stage)
	assert.Len(t, f.provider.requests, 2)
}

func TestRunEmptyCompletionIsProviderError(t *testing.T) {
	f := newFixture(t)
	f.provider.script = []stubCall{{content: ""}}

	_, err := f.engine.Run(context.Background(), runRequest())
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	var provErr *llm.ProviderError
	require.ErrorAs(t, pipeErr.Err, &provErr)
	assert.Contains(t, provErr.Message, "empty completion")
}

func TestRunStoresEffectiveTemperatureForReasoningModels(t *testing.T) {
	f := newFixture(t)
	req := runRequest()
	req.Stages[2].Model = "m-reason"
	req.Stages[2].Temperature = 0.4

	result, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	a, err := f.store.GetAnalysis(context.Background(), "acme", result.Analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.StageParams[2].Temperature)
	assert.Equal(t, 0.4, a.StageParams[1].Temperature)
	assert.Equal(t, "m-reason", a.Models[2])
}

func TestRunUnknownModelFailsBeforeAnyCall(t *testing.T) {
	f := newFixture(t)
	req := runRequest()
	req.Stages[0].Model = "nope"

	_, err := f.engine.Run(context.Background(), req)
	var unknownErr *catalog.UnknownModelError
	require.ErrorAs(t, err, &unknownErr)
	assert.Empty(t, f.provider.requests)
}

func TestRunMissingCredential(t *testing.T) {
	f := newFixture(t)
	req := runRequest()
	req.Tenant = "globex"

	_, err := f.engine.Run(context.Background(), req)
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	var noCred *vault.NoCredentialError
	require.ErrorAs(t, pipeErr.Err, &noCred)
	assert.Empty(t, f.provider.requests)
}

func TestValidateRequest(t *testing.T) {
	f := newFixture(t)

	req := runRequest()
	req.Transcript = ""
	_, err := f.engine.Run(context.Background(), req)
	assert.ErrorContains(t, err, "transcript")

	req = runRequest()
	req.Stages[1].Temperature = 2.5
	_, err = f.engine.Run(context.Background(), req)
	assert.ErrorContains(t, err, "temperature")

	req = runRequest()
	req.Stages[0].MaxTokens = 0
	_, err = f.engine.Run(context.Background(), req)
	assert.ErrorContains(t, err, "max_tokens")
}

// recordingEvals captures post-run evaluator dispatches and returns a
// canned outcome per requested evaluator.
type recordingEvals struct {
	mu       sync.Mutex
	traceID  string
	analysis string
	ids      []string
}

func (r *recordingEvals) Dispatch(_ context.Context, traceID, analysisID string, evaluatorIDs []string) []*store.EvalResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traceID = traceID
	r.analysis = analysisID
	r.ids = evaluatorIDs

	records := make([]*store.EvalResult, len(evaluatorIDs))
	for i, id := range evaluatorIDs {
		records[i] = &store.EvalResult{
			TraceID:     traceID,
			AnalysisID:  analysisID,
			EvaluatorID: id,
			Status:      "error",
			Reason:      "unknown evaluator: " + id,
		}
	}
	return records
}

func TestRunDispatchesPostEvals(t *testing.T) {
	f := newFixture(t)
	evals := &recordingEvals{}
	f.engine.evals = evals

	req := runRequest()
	req.PostEvalIDs = []string{"non_empty_outputs"}

	result, err := f.engine.Run(context.Background(), req)
	require.NoError(t, err)

	evals.mu.Lock()
	defer evals.mu.Unlock()
	assert.Equal(t, result.TraceID, evals.traceID)
	assert.Equal(t, result.Analysis.ID, evals.analysis)
	assert.Equal(t, []string{"non_empty_outputs"}, evals.ids)

	// Evaluator outcomes ride along on the result, failures included.
	require.Len(t, result.EvalResults, 1)
	assert.Equal(t, "non_empty_outputs", result.EvalResults[0].EvaluatorID)
	assert.Equal(t, "error", result.EvalResults[0].Status)
	assert.Contains(t, result.EvalResults[0].Reason, "unknown evaluator")
}
