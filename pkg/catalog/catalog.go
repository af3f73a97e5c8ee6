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

// Package catalog provides the authoritative model catalog: the map of
// model name to provider, pricing, context window, capability flags,
// and parameter-compatibility profile.
//
// The catalog is read-mostly and safe for concurrent reads. Entries can
// be loaded from an embedded default, a YAML file, a file watch
// (fsnotify), or a periodic cron refresh.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var embeddedModels []byte

// UnknownModelError indicates a model name that cannot be resolved: it
// is absent from the catalog, inactive, or deprecated.
type UnknownModelError struct {
	Model  string
	Reason string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q: %s", e.Model, e.Reason)
}

// Pricing holds per-million-token prices.
type Pricing struct {
	InputPerMTokens  float64 `yaml:"input_per_m_tokens"`
	OutputPerMTokens float64 `yaml:"output_per_m_tokens"`
	Currency         string  `yaml:"currency"`
}

// ContextWindow holds the model's input and output token limits.
type ContextWindow struct {
	Input  int `yaml:"input"`
	Output int `yaml:"output"`
}

// Entry is a single catalog record.
type Entry struct {
	ModelName     string        `yaml:"model_name"`
	ModelVersion  string        `yaml:"model_version"`
	Provider      string        `yaml:"provider"`
	Family        Family        `yaml:"family"`
	Pricing       Pricing       `yaml:"pricing"`
	ContextWindow ContextWindow `yaml:"context_window"`
	Capabilities  []string      `yaml:"capabilities"`
	Active        bool          `yaml:"active"`
	Deprecated    bool          `yaml:"deprecated"`
	Recommended   bool          `yaml:"recommended"`
}

// Profile returns the parameter profile for this entry's family.
func (e Entry) Profile() (ParameterProfile, error) {
	return ProfileForFamily(e.Family)
}

// HasCapability reports whether the entry lists the given capability.
func (e Entry) HasCapability(name string) bool {
	for _, c := range e.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

type catalogFile struct {
	Models []Entry `yaml:"models"`
}

// Catalog is a process-wide read-mostly model registry.
// Thread-safe: reads take an RLock, reloads swap the map under a write
// lock.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	path    string
	logger  *zap.Logger

	watcher *fsnotify.Watcher
	cron    *cron.Cron
}

// New creates a catalog from the embedded default model set.
func New(logger *zap.Logger) (*Catalog, error) {
	return NewFromBytes(embeddedModels, logger)
}

// NewFromBytes creates a catalog from YAML bytes.
func NewFromBytes(data []byte, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{logger: logger}
	if err := c.loadBytes(data); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromFile creates a catalog from a YAML file on disk.
func NewFromFile(path string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromEntries creates a catalog from in-memory entries. Used by
// tests and by callers that manage their own catalog source.
func NewFromEntries(entries []Entry, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.ModelName] = e
	}
	return &Catalog{entries: m, logger: logger}
}

func (c *Catalog) loadBytes(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return fmt.Errorf("catalog contains no models")
	}

	m := make(map[string]Entry, len(f.Models))
	for _, e := range f.Models {
		if e.ModelName == "" {
			return fmt.Errorf("catalog entry missing model_name")
		}
		if _, err := ProfileForFamily(e.Family); err != nil {
			return fmt.Errorf("catalog entry %q: %w", e.ModelName, err)
		}
		if _, dup := m[e.ModelName]; dup {
			return fmt.Errorf("duplicate catalog entry: %q", e.ModelName)
		}
		m[e.ModelName] = e
	}

	c.mu.Lock()
	c.entries = m
	c.mu.Unlock()
	return nil
}

// Reload re-reads the catalog file. No-op error if the catalog was not
// created from a file.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}
	data, err := readFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	return c.loadBytes(data)
}

// Lookup resolves a model name to its catalog entry. Inactive and
// deprecated models are rejected with UnknownModelError.
func (c *Catalog) Lookup(modelName string) (Entry, error) {
	c.mu.RLock()
	e, ok := c.entries[modelName]
	c.mu.RUnlock()

	if !ok {
		return Entry{}, &UnknownModelError{Model: modelName, Reason: "not in catalog"}
	}
	if !e.Active {
		return Entry{}, &UnknownModelError{Model: modelName, Reason: "inactive"}
	}
	if e.Deprecated {
		return Entry{}, &UnknownModelError{Model: modelName, Reason: "deprecated"}
	}
	return e, nil
}

// ParameterProfile resolves a model name to its parameter profile.
func (c *Catalog) ParameterProfile(modelName string) (ParameterProfile, error) {
	e, err := c.Lookup(modelName)
	if err != nil {
		return ParameterProfile{}, err
	}
	return e.Profile()
}

// Recommended returns the active, non-deprecated entries flagged as
// recommended, sorted by model name.
func (c *Catalog) Recommended() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	for _, e := range c.entries {
		if e.Recommended && e.Active && !e.Deprecated {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}

// All returns every entry, sorted by model name.
func (c *Catalog) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}

// Watch reloads the catalog whenever the backing file changes.
// Returns immediately; reloads happen on a background goroutine until
// Close is called. Reload failures keep the previous entries.
func (c *Catalog) Watch() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}
	c.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					c.logger.Warn("catalog reload failed, keeping previous entries",
						zap.String("path", c.path), zap.Error(err))
					continue
				}
				c.logger.Info("catalog reloaded", zap.String("path", c.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// StartRefresh schedules a periodic reload using a cron expression
// (e.g. "@every 15m"). Reload failures keep the previous entries.
func (c *Catalog) StartRefresh(spec string) error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}

	cr := cron.New()
	_, err := cr.AddFunc(spec, func() {
		if err := c.Reload(); err != nil {
			c.logger.Warn("scheduled catalog refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	cr.Start()
	c.cron = cr
	return nil
}

// Close stops the file watcher and the refresh schedule, if running.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			return err
		}
		c.watcher = nil
	}
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
	return nil
}
