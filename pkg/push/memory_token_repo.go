package push

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTokenRepository keeps tokens in process memory. It backs limited mode
// when Redis is unavailable.
type MemoryTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{tokens: make(map[string]*Token)}
}

func (r *MemoryTokenRepository) Store(ctx context.Context, token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	t := *token
	r.tokens[token.Token] = &t
	return nil
}

func (r *MemoryTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Token
	for _, t := range r.tokens {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryTokenRepository) GetByToken(ctx context.Context, token string) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[token]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryTokenRepository) Delete(ctx context.Context, userID uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[token]; ok && t.UserID == userID {
		delete(r.tokens, token)
	}
	return nil
}

func (r *MemoryTokenRepository) MarkInactive(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[token]; ok {
		t.Active = false
	}
	return nil
}
