package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Scopes an API key may carry. Every authenticated key may read analyses;
// starting one needs ScopeAnalyze.
const (
	ScopeRead    = "read"
	ScopeAnalyze = "analyze"
)

// KnownScopes lists every scope the API checks.
var KnownScopes = []string{ScopeRead, ScopeAnalyze}

// APIKey authenticates a calling service such as the web frontend or a batch
// job. Only the bcrypt hash of the raw key is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

func (k *APIKey) Revoked() bool {
	return k.DeletedAt != nil
}

// ValidScope reports whether scope is one the API understands.
func ValidScope(scope string) bool {
	return slices.Contains(KnownScopes, scope)
}
