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

// Package service is the caller-facing facade over the pipeline and
// judge engines and the stores. A transport layer (REST gateway, CLI)
// sits in front of it; this package owns none of that.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/judge"
	"github.com/opencircle/loupe/pkg/pipeline"
	"github.com/opencircle/loupe/pkg/store"
)

// Service exposes the core operations.
type Service struct {
	pipeline *pipeline.Engine
	judge    *judge.Engine
	store    store.Store
	logger   *zap.Logger
}

// New creates a service over already-wired engines.
func New(p *pipeline.Engine, j *judge.Engine, st store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pipeline: p, judge: j, store: st, logger: logger}
}

// CreateAnalysis runs the DTA pipeline and returns the persisted
// analysis.
func (s *Service) CreateAnalysis(ctx context.Context, req *pipeline.RunRequest) (*pipeline.Result, error) {
	return s.pipeline.Run(ctx, req)
}

// CreateComparison runs the blind judge and returns the persisted
// comparison.
func (s *Service) CreateComparison(ctx context.Context, req *judge.Request) (*judge.Result, error) {
	return s.judge.Run(ctx, req)
}

// GetAnalysis loads one analysis.
func (s *Service) GetAnalysis(ctx context.Context, tenant, id string) (*store.Analysis, error) {
	return s.store.GetAnalysis(ctx, tenant, id)
}

// ListAnalyses lists the tenant's analyses newest-first.
func (s *Service) ListAnalyses(ctx context.Context, tenant string, f store.AnalysisFilter) ([]*store.Analysis, error) {
	return s.store.ListAnalyses(ctx, tenant, f)
}

// RenameAnalysis updates an analysis title.
func (s *Service) RenameAnalysis(ctx context.Context, tenant, id, title string) error {
	return s.store.RenameAnalysis(ctx, tenant, id, title)
}

// DeleteAnalysis removes an analysis and every comparison referencing
// it.
func (s *Service) DeleteAnalysis(ctx context.Context, tenant, id string) error {
	return s.store.DeleteAnalysis(ctx, tenant, id)
}

// GetComparison loads one comparison.
func (s *Service) GetComparison(ctx context.Context, tenant, id string) (*store.Comparison, error) {
	return s.store.GetComparison(ctx, tenant, id)
}

// ListComparisons lists the tenant's comparisons newest-first.
func (s *Service) ListComparisons(ctx context.Context, tenant string, f store.ComparisonFilter) ([]*store.Comparison, error) {
	return s.store.ListComparisons(ctx, tenant, f)
}

// DeleteComparison removes one comparison.
func (s *Service) DeleteComparison(ctx context.Context, tenant, id string) error {
	return s.store.DeleteComparison(ctx, tenant, id)
}
