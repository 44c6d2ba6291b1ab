package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/gantry/internal/store"
	"github.com/loomworks/gantry/model"
)

// TokenManager tracks the concurrently active execution positions of each
// instance. Tokens live in the store keyed by id; parent references are
// back-references only and are never traversed.
type TokenManager struct {
	store store.Store
}

// NewTokenManager creates a TokenManager over the given store.
func NewTokenManager(s store.Store) *TokenManager {
	return &TokenManager{store: s}
}

// Create spawns an active token at a node. parentTokenID may be empty for the
// root token.
func (t *TokenManager) Create(ctx context.Context, instanceID, nodeID, parentTokenID string) (model.Token, error) {
	tok := model.Token{
		ID:            uuid.NewString(),
		InstanceID:    instanceID,
		NodeID:        nodeID,
		ParentTokenID: parentTokenID,
		Status:        model.TokenStatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	if err := t.store.CreateToken(ctx, tok); err != nil {
		return model.Token{}, err
	}
	return tok, nil
}

// Move repositions an active token onto another node.
func (t *TokenManager) Move(ctx context.Context, tok model.Token, nodeID string) (model.Token, error) {
	tok.NodeID = nodeID
	if err := t.store.UpdateToken(ctx, tok); err != nil {
		return model.Token{}, err
	}
	return tok, nil
}

// Complete retires a single token.
func (t *TokenManager) Complete(ctx context.Context, tok model.Token) error {
	now := time.Now().UTC()
	tok.Status = model.TokenStatusCompleted
	tok.CompletedAt = &now
	return t.store.UpdateToken(ctx, tok)
}

// CompleteAt retires every active token positioned at a node and returns the
// number retired.
func (t *TokenManager) CompleteAt(ctx context.Context, instanceID, nodeID string) (int, error) {
	tokens, err := t.store.ListTokens(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, tok := range tokens {
		if tok.Status != model.TokenStatusActive || tok.NodeID != nodeID {
			continue
		}
		if err := t.Complete(ctx, tok); err != nil {
			return completed, err
		}
		completed++
	}
	return completed, nil
}

// ActiveAt returns the first active token positioned at a node, or false.
func (t *TokenManager) ActiveAt(ctx context.Context, instanceID, nodeID string) (model.Token, bool, error) {
	tokens, err := t.store.ListTokens(ctx, instanceID)
	if err != nil {
		return model.Token{}, false, err
	}
	for _, tok := range tokens {
		if tok.Status == model.TokenStatusActive && tok.NodeID == nodeID {
			return tok, true, nil
		}
	}
	return model.Token{}, false, nil
}

// CountActive returns the number of active tokens in an instance.
func (t *TokenManager) CountActive(ctx context.Context, instanceID string) (int, error) {
	tokens, err := t.store.ListTokens(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, tok := range tokens {
		if tok.Status == model.TokenStatusActive {
			count++
		}
	}
	return count, nil
}

// ActiveNodeIDs returns the node positions of all active tokens, in token
// creation order.
func (t *TokenManager) ActiveNodeIDs(ctx context.Context, instanceID string) ([]string, error) {
	tokens, err := t.store.ListTokens(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var nodeIDs []string
	for _, tok := range tokens {
		if tok.Status == model.TokenStatusActive {
			nodeIDs = append(nodeIDs, tok.NodeID)
		}
	}
	return nodeIDs, nil
}
