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

package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencircle/loupe/pkg/store"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := New(db, "test-passphrase", nil)
	require.NoError(t, err)
	return v
}

func TestPutAndResolveRoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.Put(ctx, "acme", "", "openai", "sk-secret", true)
	require.NoError(t, err)

	key, handle, err := v.Resolve(ctx, "acme", "openai", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", key)
	assert.Equal(t, id, handle)
}

func TestResolveOrder(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Put(ctx, "acme", "", "openai", "sk-tenant-default", true)
	require.NoError(t, err)
	_, err = v.Put(ctx, "acme", "proj-x", "openai", "sk-project-default", true)
	require.NoError(t, err)

	// Project-scoped default wins when the project matches.
	key, _, err := v.Resolve(ctx, "acme", "openai", "proj-x")
	require.NoError(t, err)
	assert.Equal(t, "sk-project-default", key)

	// Unknown project falls back to the tenant-scoped default.
	key, _, err = v.Resolve(ctx, "acme", "openai", "proj-y")
	require.NoError(t, err)
	assert.Equal(t, "sk-tenant-default", key)

	key, _, err = v.Resolve(ctx, "acme", "openai", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-tenant-default", key)
}

func TestResolveFallsBackToMostRecentlyUsed(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	_, err := v.Put(ctx, "acme", "", "openai", "sk-one", false)
	require.NoError(t, err)
	idTwo, err := v.Put(ctx, "acme", "", "openai", "sk-two", false)
	require.NoError(t, err)

	v.MarkUsed(ctx, idTwo)

	key, handle, err := v.Resolve(ctx, "acme", "openai", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-two", key)
	assert.Equal(t, idTwo, handle)
}

func TestResolveNoCredential(t *testing.T) {
	v := newTestVault(t)

	_, _, err := v.Resolve(context.Background(), "acme", "anthropic", "")
	var noCred *NoCredentialError
	require.ErrorAs(t, err, &noCred)
	assert.Equal(t, "acme", noCred.Tenant)
	assert.Equal(t, "anthropic", noCred.Provider)

	// Tenants never see each other's credentials.
	_, err = v.Put(context.Background(), "other", "", "anthropic", "sk-other", true)
	require.NoError(t, err)
	_, _, err = v.Resolve(context.Background(), "acme", "anthropic", "")
	require.ErrorAs(t, err, &noCred)
}

func TestPutDemotesPreviousDefault(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	first, err := v.Put(ctx, "acme", "", "openai", "sk-old", true)
	require.NoError(t, err)
	second, err := v.Put(ctx, "acme", "", "openai", "sk-new", true)
	require.NoError(t, err)

	old, err := v.Get(ctx, first)
	require.NoError(t, err)
	assert.False(t, old.Default)

	cur, err := v.Get(ctx, second)
	require.NoError(t, err)
	assert.True(t, cur.Default)

	key, _, err := v.Resolve(ctx, "acme", "openai", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-new", key)
}

func TestDeactivate(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.Put(ctx, "acme", "", "openai", "sk-secret", true)
	require.NoError(t, err)
	require.NoError(t, v.Deactivate(ctx, id))

	_, _, err = v.Resolve(ctx, "acme", "openai", "")
	var noCred *NoCredentialError
	require.ErrorAs(t, err, &noCred)

	c, err := v.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, c.Active)
	assert.False(t, c.Default)

	assert.Error(t, v.Deactivate(ctx, "missing"))
}

func TestMarkUsedIncrementsCounter(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.Put(ctx, "acme", "", "openai", "sk-secret", true)
	require.NoError(t, err)

	v.MarkUsed(ctx, id)
	v.MarkUsed(ctx, id)

	c, err := v.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.UseCount)
	assert.NotEmpty(t, c.KeyHash)
}

func TestGetNeverExposesKeyMaterial(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	id, err := v.Put(ctx, "acme", "", "openai", "sk-secret", true)
	require.NoError(t, err)

	c, err := v.Get(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, c.KeyHash, "sk-secret")
	assert.Len(t, c.KeyHash, 64)
}
