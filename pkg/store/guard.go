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
	"sync"
)

// pairGuard serializes judge runs per duplicate-guard key within one
// process. The sqlite backend combines it with a write-time unique
// re-check; multi-process deployments use the postgres backend's
// advisory locks instead.
type pairGuard struct {
	mu    sync.Mutex
	locks map[int64]*guardEntry
}

type guardEntry struct {
	ch   chan struct{} // capacity 1, holding the token means locked
	refs int
}

func newPairGuard() *pairGuard {
	return &pairGuard{locks: make(map[int64]*guardEntry)}
}

// acquire blocks until the key's lock is held or ctx is done. The
// release function is idempotent-unsafe: call it exactly once.
func (g *pairGuard) acquire(ctx context.Context, key int64) (func(), error) {
	g.mu.Lock()
	e, ok := g.locks[key]
	if !ok {
		e = &guardEntry{ch: make(chan struct{}, 1)}
		g.locks[key] = e
	}
	e.refs++
	g.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		g.put(key, e)
		return nil, ctx.Err()
	}

	return func() {
		<-e.ch
		g.put(key, e)
	}, nil
}

func (g *pairGuard) put(key int64, e *guardEntry) {
	g.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(g.locks, key)
	}
	g.mu.Unlock()
}
