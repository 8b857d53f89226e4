// Package inforequest implements the pending-input side channel an
// agent attaches to a run it holds the lease for. Responses are
// sealed through the crypto.Provider contract so the core never
// chooses or stores a key itself.
package inforequest

import (
	"context"

	"github.com/google/uuid"

	"github.com/orchestrator/controlplane/internal/apperr"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/crypto"
	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/store"
)

// Channel manages InfoRequest lifecycle for runs.
type Channel struct {
	store    store.Store
	clock    clock.Clock
	provider crypto.Provider
	// revealSecret, when set, is the shared key a requester must
	// supply to Get in order to receive a decrypted response; an empty
	// secret means the provider is NoopProvider and responses are
	// always returned plaintext.
	revealSecret string
}

// New constructs a Channel. provider seals responses at rest;
// revealSecret gates plaintext retrieval when provider is not a
// crypto.NoopProvider.
func New(st store.Store, clk clock.Clock, provider crypto.Provider, revealSecret string) *Channel {
	return &Channel{store: st, clock: clk, provider: provider, revealSecret: revealSecret}
}

// Create declares the set of input names an agent needs from the
// user while holding a run's lease.
func (c *Channel) Create(ctx context.Context, runID string, keys []domain.InfoRequestKey) (*domain.InfoRequest, error) {
	if runID == "" {
		return nil, apperr.Validation("run_id", "required")
	}
	if len(keys) == 0 {
		return nil, apperr.Validation("keys", "at least one key is required")
	}
	req := &domain.InfoRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		Keys:      keys,
		State:     domain.InfoPending,
		CreatedAt: c.clock.Now(),
	}
	if err := c.store.CreateInfoRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Respond seals the user-supplied answers and transitions the request
// to answered.
func (c *Channel) Respond(ctx context.Context, id string, response map[string]string) (*domain.InfoRequest, error) {
	req, err := c.store.GetInfoRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != domain.InfoPending {
		return nil, apperr.Conflict("info request already resolved")
	}
	ciphertext, err := c.provider.Seal(response)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	// Plaintext is handed to the store only for the no-op scheme; any
	// real provider means the store holds ciphertext exclusively and
	// Get must go through c.provider.Open to recover it.
	var plaintext map[string]string
	if c.provider.Tag() == (crypto.NoopProvider{}).Tag() {
		plaintext = response
	}
	return c.store.AnswerInfoRequest(ctx, id, plaintext, ciphertext, c.provider.Tag(), c.clock.Now())
}

// Cancel marks a pending request cancelled; no further response is accepted.
func (c *Channel) Cancel(ctx context.Context, id string) (*domain.InfoRequest, error) {
	return c.store.CancelInfoRequest(ctx, id)
}

// ListForRun returns every info request attached to runID.
func (c *Channel) ListForRun(ctx context.Context, runID string) ([]*domain.InfoRequest, error) {
	return c.store.ListInfoRequests(ctx, runID)
}

// Get returns the info request. If its response was sealed under a
// scheme other than NoopProvider, the plaintext response is only
// populated when revealKey matches the channel's configured shared
// key; otherwise the returned value's Response field is cleared
// (redacted) rather than erroring, since the request metadata itself
// is not secret.
func (c *Channel) Get(ctx context.Context, id, revealKey string) (*domain.InfoRequest, error) {
	req, err := c.store.GetInfoRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != domain.InfoAnswered || len(req.ResponseEncrypted) == 0 {
		return req, nil
	}
	if req.EncryptionTag == (crypto.NoopProvider{}).Tag() {
		return req, nil
	}
	if c.revealSecret == "" || revealKey != c.revealSecret {
		req.Response = nil
		return req, nil
	}
	plaintext, ok := c.provider.Open(req.ResponseEncrypted)
	if !ok {
		req.Response = nil
		return req, nil
	}
	req.Response = plaintext
	return req, nil
}
