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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS analyses (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	creator TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	transcript_title TEXT NOT NULL DEFAULT '',
	transcript_input TEXT NOT NULL,
	pii_redacted INTEGER NOT NULL DEFAULT 0,
	facts_output TEXT NOT NULL,
	insights_output TEXT NOT NULL,
	summary_output TEXT NOT NULL,
	stage_params_json TEXT NOT NULL,
	system_prompts_json TEXT NOT NULL,
	models_json TEXT NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0,
	total_duration_ms REAL NOT NULL DEFAULT 0,
	parent_trace_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant, created_at);

CREATE TABLE IF NOT EXISTS comparisons (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	creator TEXT NOT NULL,
	analysis_a TEXT NOT NULL,
	analysis_b TEXT NOT NULL,
	pair_lo TEXT NOT NULL,
	pair_hi TEXT NOT NULL,
	judge_model TEXT NOT NULL,
	judge_model_version TEXT NOT NULL,
	judge_temperature REAL NOT NULL,
	criteria_json TEXT NOT NULL,
	verdicts_json TEXT NOT NULL,
	judge_trace_id TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (analysis_a) REFERENCES analyses(id) ON DELETE CASCADE,
	FOREIGN KEY (analysis_b) REFERENCES analyses(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_comparisons_pair
	ON comparisons(tenant, pair_lo, pair_hi, judge_model);

CREATE INDEX IF NOT EXISTS idx_comparisons_tenant ON comparisons(tenant, created_at);

CREATE TABLE IF NOT EXISTS eval_results (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	analysis_id TEXT NOT NULL DEFAULT '',
	evaluator_id TEXT NOT NULL,
	score REAL NOT NULL DEFAULT 0,
	passed INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ok',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_eval_results_trace ON eval_results(trace_id);
`

const defaultListLimit = 50

// SQLite is the default storage backend.
// Thread-safe; the duplicate guard is an in-process keyed lock backed by
// the unique pair index at write time.
type SQLite struct {
	db     *sql.DB
	guard  *pairGuard
	logger *zap.Logger
}

// Open opens (or creates) a sqlite database at path with foreign keys
// and a busy timeout enabled. Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent runs.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLite creates the sqlite store and initializes its schema.
func NewSQLite(db *sql.DB, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &SQLite{db: db, guard: newPairGuard(), logger: logger}, nil
}

// PutAnalysis writes a completed analysis. Assigns ID and timestamps
// when unset.
func (s *SQLite) PutAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	stageParams, err := json.Marshal(a.StageParams)
	if err != nil {
		return fmt.Errorf("failed to marshal stage params: %w", err)
	}
	prompts, err := json.Marshal(a.SystemPrompts)
	if err != nil {
		return fmt.Errorf("failed to marshal system prompts: %w", err)
	}
	models, err := json.Marshal(a.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal models: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, tenant, creator, project, transcript_title, transcript_input,
			pii_redacted, facts_output, insights_output, summary_output,
			stage_params_json, system_prompts_json, models_json,
			total_tokens, total_cost, total_duration_ms, parent_trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Tenant, a.Creator, a.Project, a.TranscriptTitle, a.TranscriptInput,
		boolToInt(a.PIIRedacted), a.FactsOutput, a.InsightsOutput, a.SummaryOutput,
		string(stageParams), string(prompts), string(models),
		a.TotalTokens, a.TotalCost, a.TotalDurationMS, a.ParentTraceID,
		a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store analysis: %w", err)
	}
	return nil
}

const analysisColumns = `id, tenant, creator, project, transcript_title, transcript_input,
	pii_redacted, facts_output, insights_output, summary_output,
	stage_params_json, system_prompts_json, models_json,
	total_tokens, total_cost, total_duration_ms, parent_trace_id, created_at, updated_at`

func scanAnalysis(row interface{ Scan(...interface{}) error }) (*Analysis, error) {
	var a Analysis
	var redacted int
	var stageParams, prompts, models string
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.Tenant, &a.Creator, &a.Project, &a.TranscriptTitle, &a.TranscriptInput,
		&redacted, &a.FactsOutput, &a.InsightsOutput, &a.SummaryOutput,
		&stageParams, &prompts, &models,
		&a.TotalTokens, &a.TotalCost, &a.TotalDurationMS, &a.ParentTraceID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.PIIRedacted = redacted == 1
	a.CreatedAt = time.Unix(0, createdAt)
	a.UpdatedAt = time.Unix(0, updatedAt)
	if err := json.Unmarshal([]byte(stageParams), &a.StageParams); err != nil {
		return nil, fmt.Errorf("corrupt stage params for analysis %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(prompts), &a.SystemPrompts); err != nil {
		return nil, fmt.Errorf("corrupt system prompts for analysis %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(models), &a.Models); err != nil {
		return nil, fmt.Errorf("corrupt models for analysis %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetAnalysis loads one analysis scoped to the tenant.
func (s *SQLite) GetAnalysis(ctx context.Context, tenant, id string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = ? AND tenant = ?`, id, tenant)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "analysis", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	return a, nil
}

// GetAnalysisByID loads one analysis regardless of tenant.
func (s *SQLite) GetAnalysisByID(ctx context.Context, id string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "analysis", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	return a, nil
}

// ListAnalyses returns the tenant's analyses newest-first with keyset
// pagination.
func (s *SQLite) ListAnalyses(ctx context.Context, tenant string, f AnalysisFilter) ([]*Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE tenant = ?`
	args := []interface{}{tenant}

	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Creator != "" {
		query += ` AND creator = ?`
		args = append(args, f.Creator)
	}
	if f.AfterID != "" {
		query += ` AND created_at < (SELECT created_at FROM analyses WHERE id = ?)`
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var out []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RenameAnalysis updates the title, the only mutable field.
func (s *SQLite) RenameAnalysis(ctx context.Context, tenant, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET transcript_title = ?, updated_at = ? WHERE id = ? AND tenant = ?`,
		title, time.Now().UnixNano(), id, tenant)
	if err != nil {
		return fmt.Errorf("failed to rename analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "analysis", ID: id}
	}
	return nil
}

// DeleteAnalysis removes the analysis; comparisons referencing it are
// cascade-deleted by the foreign keys.
func (s *SQLite) DeleteAnalysis(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analyses WHERE id = ? AND tenant = ?`, id, tenant)
	if err != nil {
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "analysis", ID: id}
	}
	return nil
}

// FindComparison returns the existing comparison ID for the unordered
// pair and judge model, or "" if none exists.
func (s *SQLite) FindComparison(ctx context.Context, tenant, analysisA, analysisB, judgeModel string) (string, error) {
	lo, hi := PairKey(analysisA, analysisB)
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM comparisons
		WHERE tenant = ? AND pair_lo = ? AND pair_hi = ? AND judge_model = ?`,
		tenant, lo, hi, judgeModel).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("duplicate check failed: %w", err)
	}
	return id, nil
}

// PutComparison writes the comparison atomically. The unique pair index
// is the write-time re-check: a race loser gets DuplicateConflictError
// carrying the winner's ID.
func (s *SQLite) PutComparison(ctx context.Context, c *Comparison) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	lo, hi := PairKey(c.AnalysisA, c.AnalysisB)

	criteria, err := json.Marshal(c.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}
	verdicts, err := json.Marshal(c.Verdicts)
	if err != nil {
		return fmt.Errorf("failed to marshal verdicts: %w", err)
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comparisons (id, tenant, creator, analysis_a, analysis_b, pair_lo, pair_hi,
			judge_model, judge_model_version, judge_temperature,
			criteria_json, verdicts_json, judge_trace_id, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Tenant, c.Creator, c.AnalysisA, c.AnalysisB, lo, hi,
		c.JudgeModel, c.JudgeModelVersion, c.JudgeTemperature,
		string(criteria), string(verdicts), c.JudgeTraceID, string(metadata),
		c.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, ferr := s.FindComparison(ctx, c.Tenant, c.AnalysisA, c.AnalysisB, c.JudgeModel)
			if ferr == nil && existing != "" {
				return &DuplicateConflictError{ExistingID: existing}
			}
		}
		return fmt.Errorf("failed to store comparison: %w", err)
	}
	return nil
}

const comparisonColumns = `id, tenant, creator, analysis_a, analysis_b,
	judge_model, judge_model_version, judge_temperature,
	criteria_json, verdicts_json, judge_trace_id, metadata_json, created_at`

func scanComparison(row interface{ Scan(...interface{}) error }) (*Comparison, error) {
	var c Comparison
	var criteria, verdicts, metadata string
	var createdAt int64
	err := row.Scan(&c.ID, &c.Tenant, &c.Creator, &c.AnalysisA, &c.AnalysisB,
		&c.JudgeModel, &c.JudgeModelVersion, &c.JudgeTemperature,
		&criteria, &verdicts, &c.JudgeTraceID, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, createdAt)
	if err := json.Unmarshal([]byte(criteria), &c.Criteria); err != nil {
		return nil, fmt.Errorf("corrupt criteria for comparison %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(verdicts), &c.Verdicts); err != nil {
		return nil, fmt.Errorf("corrupt verdicts for comparison %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for comparison %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetComparison loads one comparison scoped to the tenant.
func (s *SQLite) GetComparison(ctx context.Context, tenant, id string) (*Comparison, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+comparisonColumns+` FROM comparisons WHERE id = ? AND tenant = ?`, id, tenant)
	c, err := scanComparison(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "comparison", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load comparison: %w", err)
	}
	return c, nil
}

// ListComparisons returns the tenant's comparisons newest-first.
func (s *SQLite) ListComparisons(ctx context.Context, tenant string, f ComparisonFilter) ([]*Comparison, error) {
	query := `SELECT ` + comparisonColumns + ` FROM comparisons WHERE tenant = ?`
	args := []interface{}{tenant}

	if f.AnalysisID != "" {
		query += ` AND (analysis_a = ? OR analysis_b = ?)`
		args = append(args, f.AnalysisID, f.AnalysisID)
	}
	if f.JudgeModel != "" {
		query += ` AND judge_model = ?`
		args = append(args, f.JudgeModel)
	}
	if f.AfterID != "" {
		query += ` AND created_at < (SELECT created_at FROM comparisons WHERE id = ?)`
		args = append(args, f.AfterID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list comparisons: %w", err)
	}
	defer rows.Close()

	var out []*Comparison
	for rows.Next() {
		c, err := scanComparison(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comparison: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteComparison removes one comparison.
func (s *SQLite) DeleteComparison(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM comparisons WHERE id = ? AND tenant = ?`, id, tenant)
	if err != nil {
		return fmt.Errorf("failed to delete comparison: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "comparison", ID: id}
	}
	return nil
}

// AcquirePair takes the in-process duplicate-guard lock for the
// unordered pair for the duration of a judge run.
func (s *SQLite) AcquirePair(ctx context.Context, tenant, analysisA, analysisB, judgeModel string) (func(), error) {
	return s.guard.acquire(ctx, PairLockID(tenant, analysisA, analysisB, judgeModel))
}

// PutEvalResult stores one evaluator outcome.
func (s *SQLite) PutEvalResult(ctx context.Context, r *EvalResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_results (id, trace_id, analysis_id, evaluator_id, score, passed, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TraceID, r.AnalysisID, r.EvaluatorID, r.Score, boolToInt(r.Passed),
		r.Reason, r.Status, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store eval result: %w", err)
	}
	return nil
}

// ListEvalResults returns the evaluator outcomes for a trace.
func (s *SQLite) ListEvalResults(ctx context.Context, traceID string) ([]*EvalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, analysis_id, evaluator_id, score, passed, reason, status, created_at
		FROM eval_results WHERE trace_id = ? ORDER BY created_at`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval results: %w", err)
	}
	defer rows.Close()

	var out []*EvalResult
	for rows.Next() {
		var r EvalResult
		var passed int
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.TraceID, &r.AnalysisID, &r.EvaluatorID,
			&r.Score, &passed, &r.Reason, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan eval result: %w", err)
		}
		r.Passed = passed == 1
		r.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLite)(nil)
