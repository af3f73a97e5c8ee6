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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TraceFilter narrows FindTraces. Zero values match everything; Source
// and ParentTraceID filter on their dedicated indexed columns.
type TraceFilter struct {
	Tenant      string
	Source      Source
	ParentTrace string
	Limit       int
}

const traceColumns = `id, otel_trace_id, name, status, tenant, creator, project, source,
	parent_trace_id, input_data, output_data, metadata_json, model_name, provider,
	input_tokens, output_tokens, total_tokens, total_cost, duration_ms, created_at, closed_at`

func scanTrace(row interface{ Scan(...interface{}) error }) (*Trace, error) {
	var t Trace
	var metadata string
	var createdAt int64
	var closedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.OTelTraceID, &t.Name, &t.Status, &t.Tenant, &t.Creator,
		&t.Project, &t.Source, &t.ParentTrace, &t.InputData, &t.OutputData, &metadata,
		&t.ModelName, &t.Provider, &t.InputTokens, &t.OutputTokens, &t.TotalTokens,
		&t.TotalCost, &t.DurationMS, &createdAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt)
	if closedAt.Valid {
		t.ClosedAt = time.Unix(0, closedAt.Int64)
	}
	t.Metadata = map[string]string{}
	_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	return &t, nil
}

// GetTrace loads one trace by ID.
func (r *Recorder) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = ?`, id)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trace not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trace: %w", err)
	}
	return t, nil
}

// FindTraces returns traces matching the filter, newest-first.
func (r *Recorder) FindTraces(ctx context.Context, f TraceFilter) ([]*Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM traces WHERE 1=1`
	var args []interface{}

	if f.Tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, f.Tenant)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(f.Source))
	}
	if f.ParentTrace != "" {
		query += ` AND parent_trace_id = ?`
		args = append(args, f.ParentTrace)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var out []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetSpans returns a trace's child spans ordered by start time.
func (r *Recorder) GetSpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, otel_span_id, trace_id, parent_span_id, name, span_type,
			start_time, end_time, duration_ms, model, params_json,
			prompt_tokens, completion_tokens, total_tokens, cost,
			status, error_message, attempts, metadata_json
		FROM spans WHERE trace_id = ? ORDER BY start_time`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var out []*Span
	for rows.Next() {
		var s Span
		var params, metadata string
		var startTime int64
		var endTime sql.NullInt64
		if err := rows.Scan(&s.ID, &s.OTelSpanID, &s.TraceID, &s.ParentSpanID, &s.Name,
			&s.Type, &startTime, &endTime, &s.DurationMS, &s.Model, &params,
			&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.Cost,
			&s.Status, &s.ErrorMessage, &s.Attempts, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		s.StartTime = time.Unix(0, startTime)
		if endTime.Valid {
			s.EndTime = time.Unix(0, endTime.Int64)
		}
		s.Params = map[string]interface{}{}
		_ = json.Unmarshal([]byte(params), &s.Params)
		s.Metadata = map[string]string{}
		_ = json.Unmarshal([]byte(metadata), &s.Metadata)
		out = append(out, &s)
	}
	return out, rows.Err()
}
