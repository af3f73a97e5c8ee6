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

package service

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/config"
	"github.com/opencircle/loupe/pkg/evalhook"
	"github.com/opencircle/loupe/pkg/judge"
	"github.com/opencircle/loupe/pkg/llm/factory"
	"github.com/opencircle/loupe/pkg/pipeline"
	"github.com/opencircle/loupe/pkg/store"
	"github.com/opencircle/loupe/pkg/store/postgres"
	"github.com/opencircle/loupe/pkg/tracing"
	"github.com/opencircle/loupe/pkg/vault"
)

// Build constructs the full service graph from configuration: catalog,
// vault, provider factory, trace recorder, store, both engines, and the
// evaluation hook. The returned close function releases the catalog
// watcher and the database.
func Build(cfg *config.Config, logger *zap.Logger) (*Service, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	cat, err := buildCatalog(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	// Vault and traces always live in the local sqlite file; only the
	// analysis/comparison store moves to postgres.
	localDB, err := store.Open(cfg.DatabasePath)
	if err != nil {
		cat.Close()
		return nil, nil, err
	}

	st, storeClose, err := buildStore(cfg, localDB, logger)
	if err != nil {
		cat.Close()
		localDB.Close()
		return nil, nil, err
	}
	closer := func() error {
		cat.Close()
		storeClose()
		return localDB.Close()
	}

	v, err := vault.New(localDB, cfg.CredentialEncryptionKey, logger)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("failed to initialize vault: %w", err)
	}

	recorder, err := tracing.NewRecorder(localDB, logger)
	if err != nil {
		closer()
		return nil, nil, err
	}

	f := factory.New(logger)
	for name, p := range cfg.Providers {
		f.SetOverride(name, factory.Override{
			BaseURL: p.BaseURL,
			Timeout: time.Duration(p.RequestTimeoutMS) * time.Millisecond,
		})
	}

	registry := evalhook.NewRegistry()
	registry.Register(evalhook.NonEmptyOutputsRule())
	hook := evalhook.New(registry, st, logger)

	maxRetries := 0
	for _, p := range cfg.Providers {
		if p.MaxRetries > maxRetries {
			maxRetries = p.MaxRetries
		}
	}

	pipe, err := pipeline.NewEngine(pipeline.Options{
		Catalog:    cat,
		Vault:      v,
		Build:      f.Build,
		Recorder:   recorder,
		Store:      st,
		Evals:      hook,
		MaxRetries: maxRetries,
		Logger:     logger,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	j, err := judge.NewEngine(judge.Options{
		Catalog:            cat,
		Vault:              v,
		Build:              f.Build,
		Recorder:           recorder,
		Store:              st,
		MaxRetries:         maxRetries,
		StageWeights:       cfg.StageWeights(),
		DefaultModel:       cfg.JudgeDefaultModel,
		DefaultTemperature: cfg.JudgeDefaultTemperature,
		Logger:             logger,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}

	return New(pipe, j, st, logger), closer, nil
}

func buildCatalog(cfg *config.Config, logger *zap.Logger) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.New(logger)
	}
	cat, err := catalog.NewFromFile(cfg.CatalogPath, logger)
	if err != nil {
		return nil, err
	}
	if cfg.CatalogWatch {
		if err := cat.Watch(); err != nil {
			cat.Close()
			return nil, err
		}
	}
	if cfg.CatalogRefresh != "" {
		if err := cat.StartRefresh(cfg.CatalogRefresh); err != nil {
			cat.Close()
			return nil, err
		}
	}
	return cat, nil
}

func buildStore(cfg *config.Config, localDB *sql.DB, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseDriver == "postgres" {
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		st, err := postgres.New(db, logger)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil
	}

	st, err := store.NewSQLite(localDB, logger)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {}, nil
}
