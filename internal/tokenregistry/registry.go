// Package tokenregistry implements C2, the agent token registry: opaque
// bearer tokens issued one per agent id, durable across restarts, verified
// in constant time (spec.md §4.2). Shaped after Nebo's internal/credential
// package (a small package-level API guarded by one mutex, backed by a
// store), with the encryption concern replaced by opaque-token issuance.
package tokenregistry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/store"
)

// ErrAlreadyRegistered is returned by Generate when the agent id already has
// a live token.
var ErrAlreadyRegistered = errors.New("agent id already has a token")

// ErrUnknownAgent is returned by Revoke when the agent id has no token.
var ErrUnknownAgent = errors.New("unknown agent id")

const tokenBytes = 24 // 192 bits, base64url-encoded

type record struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Registry issues and verifies opaque agent bearer tokens, durable via a
// store.Table keyed by agent id.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]string // agent_id -> token
	table *store.Table
	log   logging.Logger
}

// New loads a Registry from the given table, rebuilding its in-memory index
// from whatever was durably persisted.
func New(table *store.Table) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]string),
		table: table,
		log:   logging.Component("tokenregistry"),
	}
	recs, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("load token registry: %w", err)
	}
	for _, rec := range recs {
		var rr record
		if err := json.Unmarshal(rec.Value, &rr); err != nil {
			r.log.Errorf("skipping unreadable token record key=%s: %v", rec.Key, err)
			continue
		}
		r.byID[rr.AgentID] = rr.Token
	}
	return r, nil
}

// Generate mints a new opaque token for agentID. Fails if agentID already
// has a live token — callers must Revoke first to rotate.
func (r *Registry) Generate(agentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[agentID]; exists {
		return "", ErrAlreadyRegistered
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	rr := record{AgentID: agentID, Token: token}
	data, err := json.Marshal(rr)
	if err != nil {
		return "", fmt.Errorf("encode token record: %w", err)
	}
	if err := r.table.Insert(agentID, data); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}

	r.byID[agentID] = token
	return token, nil
}

// Verify returns the agent id owning token, and ok=false if no match.
// Comparison is constant-time to avoid timing side channels on the token
// value (spec.md §4.2).
func (r *Registry) Verify(token string) (agentID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, t := range r.byID {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return id, true
		}
	}
	return "", false
}

// Revoke removes agentID's token, if any.
func (r *Registry) Revoke(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[agentID]; !exists {
		return ErrUnknownAgent
	}
	if err := r.table.Delete(agentID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	delete(r.byID, agentID)
	return nil
}

// List returns every agent id currently holding a token.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
