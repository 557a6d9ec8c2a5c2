package push

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Send(ctx context.Context, n *Notification, tokens []string) (*SendResult, error) {
	args := m.Called(ctx, n, tokens)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SendResult), args.Error(1)
}

func TestNotifyIncomingCall_SendsToActiveTokens(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepository()
	provider := &MockProvider{}
	svc := NewService(provider, repo)

	receiver := uuid.New()
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: receiver, Token: "device-a", Type: TokenTypeFCM}))

	call := domain.NewCallSession(uuid.New(), receiver, domain.CallTypeVideo, time.Now())
	require.NoError(t, svc.NotifyIncomingCall(ctx, call))

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Incoming video call", sent[0].Body)
	assert.Equal(t, call.ID.String(), sent[0].Data["call_id"])
	assert.Equal(t, "high", sent[0].Priority)
}

func TestNotifyIncomingCall_NoTokensIsNoop(t *testing.T) {
	provider := new(mockProvider)
	svc := NewService(provider, NewMemoryTokenRepository())

	call := domain.NewCallSession(uuid.New(), uuid.New(), domain.CallTypeAudio, time.Now())

	assert.NoError(t, svc.NotifyIncomingCall(context.Background(), call))
	provider.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSend_MarksInvalidTokensInactive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepository()
	provider := new(mockProvider)
	svc := NewService(provider, repo)

	receiver := uuid.New()
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: receiver, Token: "stale", Type: TokenTypeAPNs}))

	provider.On("Send", ctx, mock.AnythingOfType("*push.Notification"), []string{"stale"}).
		Return(&SendResult{FailureCount: 1, InvalidTokens: []string{"stale"}}, nil)

	call := domain.NewCallSession(uuid.New(), receiver, domain.CallTypeAudio, time.Now())
	require.NoError(t, svc.NotifyMissedCall(ctx, call))

	tok, err := repo.GetByToken(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, tok.Active)
	provider.AssertExpectations(t)
}

func TestSend_ProviderError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepository()
	provider := new(mockProvider)
	svc := NewService(provider, repo)

	receiver := uuid.New()
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: receiver, Token: "t", Type: TokenTypeWeb}))
	provider.On("Send", ctx, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	call := domain.NewCallSession(uuid.New(), receiver, domain.CallTypeAudio, time.Now())
	assert.Error(t, svc.NotifyIncomingCall(ctx, call))
}

func TestRegisterToken_MovesDeviceBetweenUsers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryTokenRepository()
	svc := NewService(&MockProvider{}, repo)

	first, second := uuid.New(), uuid.New()
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: first, Token: "shared", Type: TokenTypeFCM}))
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: second, Token: "shared", Type: TokenTypeFCM}))

	firstTokens, _ := repo.GetByUserID(ctx, first)
	secondTokens, _ := repo.GetByUserID(ctx, second)
	assert.Empty(t, firstTokens)
	assert.Len(t, secondTokens, 1)
}

func TestMaskPushToken(t *testing.T) {
	assert.Equal(t, "********", maskPushToken("short"))
	assert.Equal(t, "abcdefgh...stuvwxyz", maskPushToken("abcdefghijklmnopqrstuvwxyz"))
}
