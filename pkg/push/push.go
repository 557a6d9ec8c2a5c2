package push

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
	TokenTypeWeb  TokenType = "web"
)

// Valid reports whether t is a known token type
func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeAPNs || t == TokenTypeWeb
}

// Token represents a push notification token for a user
type Token struct {
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores device tokens per user
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
	MarkInactive(ctx context.Context, token string) error
}

// Service sends call notifications to every active device of a user
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken stores the token, reactivating it when it is already known
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err != nil {
		return fmt.Errorf("failed to look up token: %w", err)
	}
	if existing != nil && existing.UserID != token.UserID {
		// The device changed hands; drop it from the previous owner.
		if err := s.repo.Delete(ctx, existing.UserID, existing.Token); err != nil {
			return fmt.Errorf("failed to move token: %w", err)
		}
	}
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a token from a user
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// NotifyIncomingCall rings the receiver's devices
func (s *Service) NotifyIncomingCall(ctx context.Context, call *domain.CallSession) error {
	kind := "voice"
	if call.Type == domain.CallTypeVideo {
		kind = "video"
	}
	return s.send(ctx, call.ReceiverID, &Notification{
		Title:    "Incoming call",
		Body:     fmt.Sprintf("Incoming %s call", kind),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data:     callData(call, "call"),
	})
}

// NotifyMissedCall tells the receiver about a call that rang out
func (s *Service) NotifyMissedCall(ctx context.Context, call *domain.CallSession) error {
	return s.send(ctx, call.ReceiverID, &Notification{
		Title:    "Missed call",
		Body:     fmt.Sprintf("You missed a %s call", call.Type),
		Priority: "normal",
		Sound:    "default",
		Data:     callData(call, "missed_call"),
	})
}

func callData(call *domain.CallSession, kind string) map[string]string {
	return map[string]string{
		"type":      kind,
		"call_id":   call.ID.String(),
		"caller_id": call.InitiatorID.String(),
		"call_type": string(call.Type),
		"timestamp": strconv.FormatInt(call.StartedAt.Unix(), 10),
	}
}

func (s *Service) send(ctx context.Context, userID uuid.UUID, notification *Notification) error {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, t := range tokens {
		if t.Active {
			active = append(active, t.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens",
			zap.String("user_id", userID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	logger.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.String("type", notification.Data["type"]),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	for _, invalid := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, invalid); err != nil {
			logger.Warn("Failed to mark token as inactive",
				zap.String("token", maskPushToken(invalid)),
				zap.Error(err))
		}
	}
	return nil
}

// maskPushToken returns a safe masked version of a push token for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: sending notification",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications recorded so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
