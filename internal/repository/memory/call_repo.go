// Package memory is an in-process call store. It backs limited mode when the
// database is unreachable, and the tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/repository"
	"callsignal-backend/pkg/constants"
)

// CallRepository keeps call sessions in a map. Every method runs under one
// mutex, so conditional updates and appends are atomic.
type CallRepository struct {
	mu    sync.Mutex
	calls map[uuid.UUID]*domain.CallSession
}

// NewCallRepository creates an empty store
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[uuid.UUID]*domain.CallSession)}
}

func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ID]; exists {
		return repository.ErrConflict
	}
	r.calls[call.ID] = call.Clone()
	return nil
}

func (r *CallRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return call.Clone(), nil
}

// mutate applies fn to the stored record when it exists. fn reports whether the
// record may be changed; returning false leaves it untouched.
func (r *CallRepository) mutate(id uuid.UUID, fn func(c *domain.CallSession) bool) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	next := call.Clone()
	if !fn(next) {
		return nil, repository.ErrConflict
	}
	r.calls[id] = next
	return next.Clone(), nil
}

func (r *CallRepository) SetOffer(ctx context.Context, id uuid.UUID, offer domain.SessionDescription) (*domain.CallSession, error) {
	return r.mutate(id, func(c *domain.CallSession) bool {
		if c.Metadata.Offer != nil || !ringing(c.Status) {
			return false
		}
		c.Metadata.Offer = &offer
		return true
	})
}

func (r *CallRepository) SetAnswer(ctx context.Context, id uuid.UUID, answer domain.SessionDescription) (*domain.CallSession, error) {
	return r.mutate(id, func(c *domain.CallSession) bool {
		if c.Metadata.Answer != nil || c.Metadata.Offer == nil || !ringing(c.Status) {
			return false
		}
		c.Metadata.Answer = &answer
		c.Status = domain.CallStatusActive
		return true
	})
}

func (r *CallRepository) AppendICECandidate(ctx context.Context, id uuid.UUID, role domain.Role, candidate domain.ICECandidate) (*domain.CallSession, error) {
	return r.mutate(id, func(c *domain.CallSession) bool {
		if c.Status.IsTerminal() {
			return false
		}
		ice := &c.Metadata.ICECandidates
		switch role {
		case domain.RoleInitiator:
			if len(ice.Initiator) >= constants.MaxICECandidatesPerRole {
				return false
			}
			ice.Initiator = append(ice.Initiator, candidate)
		case domain.RoleReceiver:
			if len(ice.Receiver) >= constants.MaxICECandidatesPerRole {
				return false
			}
			ice.Receiver = append(ice.Receiver, candidate)
		default:
			return false
		}
		return true
	})
}

func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CallStatus, endedAt *time.Time, duration *int) (*domain.CallSession, error) {
	return r.mutate(id, func(c *domain.CallSession) bool {
		if c.Status != from {
			return false
		}
		c.Status = to
		if endedAt != nil {
			t := *endedAt
			c.EndedAt = &t
		}
		if duration != nil {
			d := *duration
			c.Duration = &d
		}
		return true
	})
}

func (r *CallRepository) CancelPending(ctx context.Context, initiatorID, receiverID uuid.UUID, endedAt time.Time) ([]*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.CallSession
	for id, c := range r.calls {
		if c.InitiatorID != initiatorID || c.ReceiverID != receiverID || c.Status != domain.CallStatusPending {
			continue
		}
		next := c.Clone()
		next.Status = domain.CallStatusCancelled
		t := endedAt
		next.EndedAt = &t
		r.calls[id] = next
		out = append(out, next.Clone())
	}
	return out, nil
}

func (r *CallRepository) FindIncoming(ctx context.Context, receiverID uuid.UUID, since time.Time) (*domain.CallSession, error) {
	return r.newest(func(c *domain.CallSession) bool {
		return c.ReceiverID == receiverID &&
			c.Status == domain.CallStatusPending &&
			!c.StartedAt.Before(since)
	}), nil
}

func (r *CallRepository) FindActive(ctx context.Context, userID uuid.UUID) (*domain.CallSession, error) {
	return r.newest(func(c *domain.CallSession) bool {
		return (c.InitiatorID == userID || c.ReceiverID == userID) &&
			c.Status == domain.CallStatusActive
	}), nil
}

func (r *CallRepository) ListHistory(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter, limit int) ([]*domain.CallSession, error) {
	return r.list(func(c *domain.CallSession) bool {
		return matchesHistory(c, userID, filter)
	}, limit), nil
}

func (r *CallRepository) ListStale(ctx context.Context, statuses []domain.CallStatus, startedBefore time.Time, limit int) ([]*domain.CallSession, error) {
	return r.list(func(c *domain.CallSession) bool {
		if !c.StartedAt.Before(startedBefore) {
			return false
		}
		for _, s := range statuses {
			if c.Status == s {
				return true
			}
		}
		return false
	}, limit), nil
}

func (r *CallRepository) newest(match func(*domain.CallSession) bool) *domain.CallSession {
	found := r.list(match, 1)
	if len(found) == 0 {
		return nil
	}
	return found[0]
}

// list returns matching calls, newest first
func (r *CallRepository) list(match func(*domain.CallSession) bool, limit int) []*domain.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.CallSession
	for _, c := range r.calls {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func ringing(s domain.CallStatus) bool {
	return s == domain.CallStatusPending || s == domain.CallStatusAccepted
}

func matchesHistory(c *domain.CallSession, userID uuid.UUID, filter domain.HistoryFilter) bool {
	switch filter {
	case domain.HistorySent:
		return c.InitiatorID == userID && c.Status != domain.CallStatusPending
	case domain.HistoryReceived:
		return c.ReceiverID == userID && c.Status != domain.CallStatusPending
	case domain.HistoryMissed:
		return c.ReceiverID == userID && c.Status == domain.CallStatusMissed
	default:
		return (c.InitiatorID == userID || c.ReceiverID == userID) && c.Status != domain.CallStatusPending
	}
}
