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

// Package vault stores tenant-scoped provider API keys encrypted at
// rest and resolves them for outbound LLM calls.
//
// Resolution order is project-scoped active default, then tenant-scoped
// active default, then most-recently-used active credential. Keys are
// decrypted lazily per call and never logged.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"
)

// NoCredentialError indicates no active credential exists for the
// requested scope.
type NoCredentialError struct {
	Tenant   string
	Provider string
	Project  string
}

func (e *NoCredentialError) Error() string {
	if e.Project != "" {
		return fmt.Sprintf("no credential for tenant %s, provider %s, project %s",
			e.Tenant, e.Provider, e.Project)
	}
	return fmt.Sprintf("no credential for tenant %s, provider %s", e.Tenant, e.Provider)
}

// Credential describes a stored credential's metadata. The key material
// itself is never carried on this struct.
type Credential struct {
	ID        string
	Tenant    string
	Project   string
	Provider  string
	KeyHash   string
	Active    bool
	Default   bool
	UseCount  int64
	CreatedAt time.Time
}

// Vault is the encrypted credential store.
// Thread-safe: concurrent reads are allowed; writes within one scope
// are serialized by the storage layer's unique default index.
type Vault struct {
	db     *sql.DB
	aead   cipher.AEAD
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_meta (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	key_hash TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	is_default INTEGER NOT NULL DEFAULT 0,
	use_count INTEGER NOT NULL DEFAULT 0,
	last_used_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credentials_scope
	ON credentials(tenant, project, provider);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_one_default
	ON credentials(tenant, project, provider)
	WHERE is_default = 1 AND active = 1;
`

// New creates a vault on the given database, deriving the AEAD key
// from the configured encryption passphrase with scrypt. The salt is
// generated once and persisted alongside the credentials.
func New(db *sql.DB, encryptionKey string, logger *zap.Logger) (*Vault, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("credential encryption key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize vault schema: %w", err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		return nil, err
	}

	derived, err := scrypt.Key([]byte(encryptionKey), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(derived)
	zero(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	return &Vault{db: db, aead: aead, logger: logger}, nil
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow(`SELECT v FROM vault_meta WHERE k = 'kdf_salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load KDF salt: %w", err)
	}

	salt = make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO vault_meta (k, v) VALUES ('kdf_salt', ?)`, salt); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}

// Put stores a new credential for the scope. When makeDefault is set,
// any previous default in the same scope is demoted first.
func (v *Vault) Put(ctx context.Context, tenant, project, provider, secret string, makeDefault bool) (string, error) {
	if tenant == "" || provider == "" {
		return "", fmt.Errorf("tenant and provider required")
	}
	if secret == "" {
		return "", fmt.Errorf("secret required")
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := v.aead.Seal(nil, nonce, []byte(secret), nil)

	hash := sha256.Sum256([]byte(secret))
	id := uuid.New().String()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if makeDefault {
		_, err = tx.ExecContext(ctx, `
			UPDATE credentials SET is_default = 0
			WHERE tenant = ? AND project = ? AND provider = ? AND is_default = 1`,
			tenant, project, provider)
		if err != nil {
			return "", fmt.Errorf("failed to demote previous default: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (id, tenant, project, provider, ciphertext, nonce, key_hash, active, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, tenant, project, provider, ciphertext, nonce,
		hex.EncodeToString(hash[:]), boolToInt(makeDefault), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return id, nil
}

// Resolve finds and decrypts the credential for the scope, trying the
// project-scoped default, then the tenant-scoped default, then the most
// recently used active credential. The second return value is an opaque
// handle for MarkUsed.
func (v *Vault) Resolve(ctx context.Context, tenant, provider, project string) (string, string, error) {
	type lookup struct {
		query string
		args  []interface{}
	}

	lookups := make([]lookup, 0, 3)
	if project != "" {
		lookups = append(lookups, lookup{`
			SELECT id, ciphertext, nonce FROM credentials
			WHERE tenant = ? AND project = ? AND provider = ? AND active = 1 AND is_default = 1`,
			[]interface{}{tenant, project, provider}})
	}
	lookups = append(lookups,
		lookup{`
			SELECT id, ciphertext, nonce FROM credentials
			WHERE tenant = ? AND project = '' AND provider = ? AND active = 1 AND is_default = 1`,
			[]interface{}{tenant, provider}},
		lookup{`
			SELECT id, ciphertext, nonce FROM credentials
			WHERE tenant = ? AND provider = ? AND active = 1
			ORDER BY COALESCE(last_used_at, 0) DESC, created_at DESC
			LIMIT 1`,
			[]interface{}{tenant, provider}},
	)

	var id string
	var ciphertext, nonce []byte
	for _, l := range lookups {
		err := v.db.QueryRowContext(ctx, l.query, l.args...).Scan(&id, &ciphertext, &nonce)
		if err == nil {
			break
		}
		if err != sql.ErrNoRows {
			return "", "", fmt.Errorf("credential lookup failed: %w", err)
		}
	}
	if id == "" {
		return "", "", &NoCredentialError{Tenant: tenant, Provider: provider, Project: project}
	}

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", "", fmt.Errorf("credential decryption failed: %w", err)
	}
	key := string(plaintext)
	zero(plaintext)

	return key, id, nil
}

// MarkUsed updates usage counters for a resolved credential. Failures
// are logged and swallowed so they never fail the enclosing LLM call.
func (v *Vault) MarkUsed(ctx context.Context, handle string) {
	_, err := v.db.ExecContext(ctx, `
		UPDATE credentials SET use_count = use_count + 1, last_used_at = ?
		WHERE id = ?`,
		time.Now().Unix(), handle)
	if err != nil {
		v.logger.Warn("failed to update credential usage", zap.String("credential_id", handle), zap.Error(err))
	}
}

// Deactivate disables a credential.
func (v *Vault) Deactivate(ctx context.Context, id string) error {
	res, err := v.db.ExecContext(ctx, `UPDATE credentials SET active = 0, is_default = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("credential not found: %s", id)
	}
	return nil
}

// Get returns a credential's metadata without decrypting key material.
func (v *Vault) Get(ctx context.Context, id string) (*Credential, error) {
	var c Credential
	var active, def int
	var createdAt int64
	err := v.db.QueryRowContext(ctx, `
		SELECT id, tenant, project, provider, key_hash, active, is_default, use_count, created_at
		FROM credentials WHERE id = ?`, id).Scan(
		&c.ID, &c.Tenant, &c.Project, &c.Provider, &c.KeyHash, &active, &def, &c.UseCount, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("credential not found: %s", id)
		}
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	c.Active = active == 1
	c.Default = def == 1
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
