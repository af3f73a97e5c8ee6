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

// Package factory constructs provider adapters from catalog entries
// and resolved credentials.
package factory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/llm/anthropic"
	"github.com/opencircle/loupe/pkg/llm/openai"
	"github.com/opencircle/loupe/pkg/types"
)

// Func builds a provider adapter for a catalog entry using the given
// API key. The pipeline and judge engines depend on this signature so
// tests can substitute stub providers.
type Func func(entry catalog.Entry, apiKey string) (types.Provider, error)

// Override customizes per-provider transport settings
// ({provider}_base_url, {provider}_request_timeout_ms).
type Override struct {
	BaseURL string
	Timeout time.Duration
}

// Factory builds wire clients for the known provider families.
type Factory struct {
	overrides map[string]Override
	logger    *zap.Logger
}

// New creates a provider factory.
func New(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		overrides: make(map[string]Override),
		logger:    logger,
	}
}

// SetOverride registers transport settings for a provider name.
func (f *Factory) SetOverride(provider string, o Override) {
	f.overrides[provider] = o
}

// Provider constructs an adapter for the entry's provider.
func (f *Factory) Provider(entry catalog.Entry, apiKey string) (types.Provider, error) {
	o := f.overrides[entry.Provider]

	switch entry.Provider {
	case "openai", "azure_openai":
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: o.BaseURL,
			Timeout: o.Timeout,
			Entry:   entry,
			Logger:  f.logger,
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  apiKey,
			BaseURL: o.BaseURL,
			Timeout: o.Timeout,
			Entry:   entry,
			Logger:  f.logger,
		})
	default:
		return nil, fmt.Errorf("unsupported provider: %q", entry.Provider)
	}
}

// Build is a Func bound to this factory.
func (f *Factory) Build(entry catalog.Entry, apiKey string) (types.Provider, error) {
	return f.Provider(entry, apiKey)
}
