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

package tracing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY,
	otel_trace_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	tenant TEXT NOT NULL,
	creator TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	parent_trace_id TEXT NOT NULL DEFAULT '',
	input_data TEXT NOT NULL DEFAULT '',
	output_data TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	model_name TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0,
	duration_ms REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	closed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_traces_source ON traces(source);
CREATE INDEX IF NOT EXISTS idx_traces_parent ON traces(parent_trace_id);
CREATE INDEX IF NOT EXISTS idx_traces_tenant ON traces(tenant);

CREATE TABLE IF NOT EXISTS spans (
	id TEXT PRIMARY KEY,
	otel_span_id TEXT NOT NULL UNIQUE,
	trace_id TEXT NOT NULL,
	parent_span_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	span_type TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	duration_ms REAL NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	params_json TEXT NOT NULL DEFAULT '{}',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'ok',
	error_message TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 1,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
`

// ParentHandle refers to an open parent trace. Handles are single-run
// state; reopening a closed handle is rejected.
type ParentHandle struct {
	TraceID     string
	OTelTraceID string

	mu     sync.Mutex
	closed bool
}

// SpanHandle refers to an open child span.
type SpanHandle struct {
	SpanID     string
	OTelSpanID string
	TraceID    string
	start      time.Time

	mu     sync.Mutex
	closed bool
}

// Recorder writes traces and spans. Append-only: rows are inserted on
// open and finalized exactly once on close.
// Thread-safe for concurrent runs; each run owns its handles.
type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecorder creates a recorder and initializes its schema.
func NewRecorder(db *sql.DB, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing schema: %w", err)
	}
	return &Recorder{db: db, logger: logger}, nil
}

// OpenParent writes an ok-pending parent trace row and returns its
// handle.
func (r *Recorder) OpenParent(ctx context.Context, source Source, name, tenant, creator, project string) (*ParentHandle, error) {
	id := uuid.New().String()
	otelID := newOTelID(16)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO traces (id, otel_trace_id, name, status, tenant, creator, project, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, otelID, name, string(StatusOK), tenant, creator, project, string(source),
		time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to open parent trace: %w", err)
	}

	return &ParentHandle{TraceID: id, OTelTraceID: otelID}, nil
}

// LinkMetadata merges metadata keys into the parent trace. The
// parent_trace_id key is promoted to its dedicated searchable column.
func (r *Recorder) LinkMetadata(ctx context.Context, parent *ParentHandle, md map[string]string) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.closed {
		return fmt.Errorf("trace %s already closed", parent.TraceID)
	}

	if link, ok := md["parent_trace_id"]; ok {
		if _, err := r.db.ExecContext(ctx,
			`UPDATE traces SET parent_trace_id = ? WHERE id = ?`, link, parent.TraceID); err != nil {
			return fmt.Errorf("failed to link parent trace: %w", err)
		}
	}

	var existingJSON string
	if err := r.db.QueryRowContext(ctx,
		`SELECT metadata_json FROM traces WHERE id = ?`, parent.TraceID).Scan(&existingJSON); err != nil {
		return fmt.Errorf("failed to load trace metadata: %w", err)
	}
	existing := map[string]string{}
	_ = json.Unmarshal([]byte(existingJSON), &existing)
	for k, v := range md {
		if k == "parent_trace_id" {
			continue
		}
		existing[k] = v
	}
	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE traces SET metadata_json = ? WHERE id = ?`, string(merged), parent.TraceID); err != nil {
		return fmt.Errorf("failed to store trace metadata: %w", err)
	}
	return nil
}

// SetIO records the input and output payloads on the parent trace.
func (r *Recorder) SetIO(ctx context.Context, parent *ParentHandle, input, output string) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.closed {
		return fmt.Errorf("trace %s already closed", parent.TraceID)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE traces SET input_data = ?, output_data = ? WHERE id = ?`,
		input, output, parent.TraceID)
	if err != nil {
		return fmt.Errorf("failed to store trace IO: %w", err)
	}
	return nil
}

// OpenSpan writes a child span row with its start time.
func (r *Recorder) OpenSpan(ctx context.Context, parent *ParentHandle, name string, spanType SpanType, model string, params map[string]interface{}, md map[string]string) (*SpanHandle, error) {
	parent.mu.Lock()
	if parent.closed {
		parent.mu.Unlock()
		return nil, fmt.Errorf("cannot open span: trace %s already closed", parent.TraceID)
	}
	parent.mu.Unlock()

	id := uuid.New().String()
	otelID := newOTelID(8)
	start := time.Now()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal span params: %w", err)
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal span metadata: %w", err)
	}
	if params == nil {
		paramsJSON = []byte("{}")
	}
	if md == nil {
		mdJSON = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO spans (id, otel_span_id, trace_id, name, span_type, start_time, model, params_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, otelID, parent.TraceID, name, string(spanType), start.UnixNano(),
		model, string(paramsJSON), string(mdJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to open span: %w", err)
	}

	return &SpanHandle{SpanID: id, OTelSpanID: otelID, TraceID: parent.TraceID, start: start}, nil
}

// CloseSpan finalizes a span with its result or error. Attempts records
// how many adapter calls the span covers (retries reuse the span).
func (r *Recorder) CloseSpan(ctx context.Context, span *SpanHandle, result *types.ExecResult, status Status, errMsg string, attempts int) error {
	span.mu.Lock()
	defer span.mu.Unlock()
	if span.closed {
		return fmt.Errorf("span %s already closed", span.SpanID)
	}
	span.closed = true

	end := time.Now()
	durationMS := float64(end.UnixNano()-span.start.UnixNano()) / 1e6

	var promptTokens, completionTokens, totalTokens int
	var cost float64
	if result != nil {
		promptTokens = result.InputTokens
		completionTokens = result.OutputTokens
		totalTokens = result.TotalTokens
		cost = result.TotalCost
	}
	if attempts < 1 {
		attempts = 1
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE spans SET end_time = ?, duration_ms = ?, prompt_tokens = ?, completion_tokens = ?,
			total_tokens = ?, cost = ?, status = ?, error_message = ?, attempts = ?
		WHERE id = ?`,
		end.UnixNano(), durationMS, promptTokens, completionTokens,
		totalTokens, cost, string(status), errMsg, attempts, span.SpanID)
	if err != nil {
		return fmt.Errorf("failed to close span: %w", err)
	}
	return nil
}

// CloseParent aggregates child rollups and writes the final status.
// If any child span ended in error, the parent status is error
// regardless of the requested status (timeout and cancelled still win).
func (r *Recorder) CloseParent(ctx context.Context, parent *ParentHandle, status Status) error {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.closed {
		return fmt.Errorf("trace %s already closed", parent.TraceID)
	}
	parent.closed = true

	var inputTokens, outputTokens, totalTokens sql.NullInt64
	var totalCost, durationMS sql.NullFloat64
	var errorChildren int
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(cost), SUM(duration_ms),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		FROM spans WHERE trace_id = ?`, parent.TraceID).Scan(
		&inputTokens, &outputTokens, &totalTokens, &totalCost, &durationMS, &errorChildren)
	if err != nil {
		return fmt.Errorf("failed to aggregate child spans: %w", err)
	}

	if status == StatusOK && errorChildren > 0 {
		status = StatusError
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE traces SET status = ?, input_tokens = ?, output_tokens = ?, total_tokens = ?,
			total_cost = ?, duration_ms = ?, closed_at = ?
		WHERE id = ?`,
		string(status), inputTokens.Int64, outputTokens.Int64, totalTokens.Int64,
		totalCost.Float64, durationMS.Float64, time.Now().UnixNano(), parent.TraceID)
	if err != nil {
		return fmt.Errorf("failed to close parent trace: %w", err)
	}
	return nil
}

// SetModel records the model and provider on the parent trace, used for
// single-model traces such as judge runs.
func (r *Recorder) SetModel(ctx context.Context, parent *ParentHandle, model, provider string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE traces SET model_name = ?, provider = ? WHERE id = ?`,
		model, provider, parent.TraceID)
	if err != nil {
		return fmt.Errorf("failed to set trace model: %w", err)
	}
	return nil
}

// newOTelID returns n random bytes as lowercase hex (16 bytes for trace
// IDs, 8 for span IDs).
func newOTelID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
