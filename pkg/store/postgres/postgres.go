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

// Package postgres is the lib/pq backend for the comparison store. It
// enforces the duplicate guard across processes: a session advisory
// lock held for the judge run plus a transaction advisory lock and
// unique index at write time.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/store"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	creator TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	transcript_title TEXT NOT NULL DEFAULT '',
	transcript_input TEXT NOT NULL,
	pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
	facts_output TEXT NOT NULL,
	insights_output TEXT NOT NULL,
	summary_output TEXT NOT NULL,
	stage_params_json JSONB NOT NULL,
	system_prompts_json JSONB NOT NULL,
	models_json JSONB NOT NULL,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	parent_trace_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant, created_at);

CREATE TABLE IF NOT EXISTS comparisons (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	creator TEXT NOT NULL,
	analysis_a TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	analysis_b TEXT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	pair_lo TEXT NOT NULL,
	pair_hi TEXT NOT NULL,
	judge_model TEXT NOT NULL,
	judge_model_version TEXT NOT NULL,
	judge_temperature DOUBLE PRECISION NOT NULL,
	criteria_json JSONB NOT NULL,
	verdicts_json JSONB NOT NULL,
	judge_trace_id TEXT NOT NULL DEFAULT '',
	metadata_json JSONB NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_comparisons_pair
	ON comparisons(tenant, pair_lo, pair_hi, judge_model);

CREATE INDEX IF NOT EXISTS idx_comparisons_tenant ON comparisons(tenant, created_at);

CREATE TABLE IF NOT EXISTS eval_results (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	analysis_id TEXT NOT NULL DEFAULT '',
	evaluator_id TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL DEFAULT 0,
	passed BOOLEAN NOT NULL DEFAULT FALSE,
	reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ok',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_eval_results_trace ON eval_results(trace_id);
`

const defaultListLimit = 50

// Store is the postgres-backed comparison store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects with lib/pq and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// New creates the postgres store and initializes its schema.
func New(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// PutAnalysis writes a completed analysis.
func (s *Store) PutAnalysis(ctx context.Context, a *store.Analysis) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		a.ID, a.Tenant, a.Creator, a.Project, a.TranscriptTitle, a.TranscriptInput,
		a.PIIRedacted, a.FactsOutput, a.InsightsOutput, a.SummaryOutput,
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

func scanAnalysis(row interface{ Scan(...interface{}) error }) (*store.Analysis, error) {
	var a store.Analysis
	var stageParams, prompts, models []byte
	var createdAt, updatedAt int64
	err := row.Scan(&a.ID, &a.Tenant, &a.Creator, &a.Project, &a.TranscriptTitle, &a.TranscriptInput,
		&a.PIIRedacted, &a.FactsOutput, &a.InsightsOutput, &a.SummaryOutput,
		&stageParams, &prompts, &models,
		&a.TotalTokens, &a.TotalCost, &a.TotalDurationMS, &a.ParentTraceID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(0, createdAt)
	a.UpdatedAt = time.Unix(0, updatedAt)
	if err := json.Unmarshal(stageParams, &a.StageParams); err != nil {
		return nil, fmt.Errorf("corrupt stage params for analysis %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(prompts, &a.SystemPrompts); err != nil {
		return nil, fmt.Errorf("corrupt system prompts for analysis %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(models, &a.Models); err != nil {
		return nil, fmt.Errorf("corrupt models for analysis %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetAnalysis loads one analysis scoped to the tenant.
func (s *Store) GetAnalysis(ctx context.Context, tenant, id string) (*store.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1 AND tenant = $2`, id, tenant)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Kind: "analysis", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	return a, nil
}

// GetAnalysisByID loads one analysis regardless of tenant.
func (s *Store) GetAnalysisByID(ctx context.Context, id string) (*store.Analysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Kind: "analysis", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	return a, nil
}

// ListAnalyses returns the tenant's analyses newest-first.
func (s *Store) ListAnalyses(ctx context.Context, tenant string, f store.AnalysisFilter) ([]*store.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE tenant = $1`
	args := []interface{}{tenant}

	if f.Project != "" {
		args = append(args, f.Project)
		query += fmt.Sprintf(` AND project = $%d`, len(args))
	}
	if f.Creator != "" {
		args = append(args, f.Creator)
		query += fmt.Sprintf(` AND creator = $%d`, len(args))
	}
	if f.AfterID != "" {
		args = append(args, f.AfterID)
		query += fmt.Sprintf(` AND created_at < (SELECT created_at FROM analyses WHERE id = $%d)`, len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var out []*store.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RenameAnalysis updates the title.
func (s *Store) RenameAnalysis(ctx context.Context, tenant, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analyses SET transcript_title = $1, updated_at = $2 WHERE id = $3 AND tenant = $4`,
		title, time.Now().UnixNano(), id, tenant)
	if err != nil {
		return fmt.Errorf("failed to rename analysis: %w", err)
	}
	return requireAffected(res, "analysis", id)
}

// DeleteAnalysis removes the analysis; comparisons cascade.
func (s *Store) DeleteAnalysis(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analyses WHERE id = $1 AND tenant = $2`, id, tenant)
	if err != nil {
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	return requireAffected(res, "analysis", id)
}

// FindComparison returns the existing comparison ID for the unordered
// pair and judge model, or "" if none exists.
func (s *Store) FindComparison(ctx context.Context, tenant, analysisA, analysisB, judgeModel string) (string, error) {
	lo, hi := store.PairKey(analysisA, analysisB)
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM comparisons
		WHERE tenant = $1 AND pair_lo = $2 AND pair_hi = $3 AND judge_model = $4`,
		tenant, lo, hi, judgeModel).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("duplicate check failed: %w", err)
	}
	return id, nil
}

// PutComparison inserts inside a transaction that first takes
// pg_advisory_xact_lock on the guard key; a unique violation from a
// race loser maps to DuplicateConflictError with the winner's ID.
func (s *Store) PutComparison(ctx context.Context, c *store.Comparison) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	lo, hi := store.PairKey(c.AnalysisA, c.AnalysisB)

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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockID := store.PairLockID(c.Tenant, c.AnalysisA, c.AnalysisB, c.JudgeModel)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO comparisons (id, tenant, creator, analysis_a, analysis_b, pair_lo, pair_hi,
			judge_model, judge_model_version, judge_temperature,
			criteria_json, verdicts_json, judge_trace_id, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.Tenant, c.Creator, c.AnalysisA, c.AnalysisB, lo, hi,
		c.JudgeModel, c.JudgeModelVersion, c.JudgeTemperature,
		string(criteria), string(verdicts), c.JudgeTraceID, string(metadata),
		c.CreatedAt.UnixNano())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			existing, ferr := s.FindComparison(ctx, c.Tenant, c.AnalysisA, c.AnalysisB, c.JudgeModel)
			if ferr == nil && existing != "" {
				return &store.DuplicateConflictError{ExistingID: existing}
			}
		}
		return fmt.Errorf("failed to store comparison: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const comparisonColumns = `id, tenant, creator, analysis_a, analysis_b,
	judge_model, judge_model_version, judge_temperature,
	criteria_json, verdicts_json, judge_trace_id, metadata_json, created_at`

func scanComparison(row interface{ Scan(...interface{}) error }) (*store.Comparison, error) {
	var c store.Comparison
	var criteria, verdicts, metadata []byte
	var createdAt int64
	err := row.Scan(&c.ID, &c.Tenant, &c.Creator, &c.AnalysisA, &c.AnalysisB,
		&c.JudgeModel, &c.JudgeModelVersion, &c.JudgeTemperature,
		&criteria, &verdicts, &c.JudgeTraceID, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, createdAt)
	if err := json.Unmarshal(criteria, &c.Criteria); err != nil {
		return nil, fmt.Errorf("corrupt criteria for comparison %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(verdicts, &c.Verdicts); err != nil {
		return nil, fmt.Errorf("corrupt verdicts for comparison %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for comparison %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetComparison loads one comparison scoped to the tenant.
func (s *Store) GetComparison(ctx context.Context, tenant, id string) (*store.Comparison, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+comparisonColumns+` FROM comparisons WHERE id = $1 AND tenant = $2`, id, tenant)
	c, err := scanComparison(row)
	if err == sql.ErrNoRows {
		return nil, &store.NotFoundError{Kind: "comparison", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load comparison: %w", err)
	}
	return c, nil
}

// ListComparisons returns the tenant's comparisons newest-first.
func (s *Store) ListComparisons(ctx context.Context, tenant string, f store.ComparisonFilter) ([]*store.Comparison, error) {
	query := `SELECT ` + comparisonColumns + ` FROM comparisons WHERE tenant = $1`
	args := []interface{}{tenant}

	if f.AnalysisID != "" {
		args = append(args, f.AnalysisID)
		query += fmt.Sprintf(` AND (analysis_a = $%d OR analysis_b = $%d)`, len(args), len(args))
	}
	if f.JudgeModel != "" {
		args = append(args, f.JudgeModel)
		query += fmt.Sprintf(` AND judge_model = $%d`, len(args))
	}
	if f.AfterID != "" {
		args = append(args, f.AfterID)
		query += fmt.Sprintf(` AND created_at < (SELECT created_at FROM comparisons WHERE id = $%d)`, len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list comparisons: %w", err)
	}
	defer rows.Close()

	var out []*store.Comparison
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
func (s *Store) DeleteComparison(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM comparisons WHERE id = $1 AND tenant = $2`, id, tenant)
	if err != nil {
		return fmt.Errorf("failed to delete comparison: %w", err)
	}
	return requireAffected(res, "comparison", id)
}

// AcquirePair takes a session advisory lock on a dedicated connection
// for the duration of a judge run, so the guard holds across processes.
func (s *Store) AcquirePair(ctx context.Context, tenant, analysisA, analysisB, judgeModel string) (func(), error) {
	lockID := store.PairLockID(tenant, analysisA, analysisB, judgeModel)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
			s.logger.Warn("failed to release advisory lock", zap.Int64("lock_id", lockID), zap.Error(err))
		}
		conn.Close()
	}, nil
}

// PutEvalResult stores one evaluator outcome.
func (s *Store) PutEvalResult(ctx context.Context, r *store.EvalResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_results (id, trace_id, analysis_id, evaluator_id, score, passed, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TraceID, r.AnalysisID, r.EvaluatorID, r.Score, r.Passed,
		r.Reason, r.Status, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store eval result: %w", err)
	}
	return nil
}

// ListEvalResults returns the evaluator outcomes for a trace.
func (s *Store) ListEvalResults(ctx context.Context, traceID string) ([]*store.EvalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, analysis_id, evaluator_id, score, passed, reason, status, created_at
		FROM eval_results WHERE trace_id = $1 ORDER BY created_at`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval results: %w", err)
	}
	defer rows.Close()

	var out []*store.EvalResult
	for rows.Next() {
		var r store.EvalResult
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.TraceID, &r.AnalysisID, &r.EvaluatorID,
			&r.Score, &r.Passed, &r.Reason, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan eval result: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &store.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
