package callclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	callhandler "callsignal-backend/internal/handler/http/call"
	"callsignal-backend/internal/middleware"
	"callsignal-backend/internal/repository/memory"
	callsvc "callsignal-backend/internal/service/call"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/ice"
	"callsignal-backend/pkg/jwt"
	"callsignal-backend/pkg/resilience"
)

type apiServer struct {
	url string
	jwt *jwt.JWTManager
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtManager := jwt.NewJWTManager("client-test-secret", time.Minute)
	svc := callsvc.NewService(memory.NewCallRepository(), callsvc.Config{RingTimeout: time.Minute})

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, nil))
	callhandler.NewHandler(svc, ice.Default()).RegisterRoutes(v1)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &apiServer{url: srv.URL + "/v1", jwt: jwtManager}
}

func (s *apiServer) client(t *testing.T, user uuid.UUID) *Client {
	t.Helper()
	token, err := s.jwt.GenerateAccessToken(user, "")
	require.NoError(t, err)
	return New(s.url, token)
}

func TestClient_CallLifecycle(t *testing.T) {
	srv := newAPIServer(t)
	ctx := context.Background()
	aliceID, bobID := uuid.New(), uuid.New()
	alice, bob := srv.client(t, aliceID), srv.client(t, bobID)

	call, err := alice.CreateCall(ctx, bobID, domain.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, call.Status)
	assert.Equal(t, aliceID, call.InitiatorID)

	current, err := bob.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current.IncomingCall)
	assert.Equal(t, call.ID, current.IncomingCall.ID)

	offer := domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"}
	call, err = alice.PatchCall(ctx, call.ID, &domain.CallPatch{Action: domain.ActionOffer, Offer: &offer})
	require.NoError(t, err)
	require.NotNil(t, call.Metadata.Offer)

	call, err = bob.PatchCall(ctx, call.ID, &domain.CallPatch{Action: domain.ActionAccept})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, call.Status)

	fetched, err := alice.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, fetched.Status)

	ended, err := alice.DeleteCall(ctx, call.ID)
	require.NoError(t, err)
	assert.True(t, ended.Status.IsTerminal())

	servers, err := alice.ICEServers(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, servers)
}

func TestClient_DecodesErrorEnvelope(t *testing.T) {
	srv := newAPIServer(t)
	ctx := context.Background()
	aliceID, bobID := uuid.New(), uuid.New()

	call, err := srv.client(t, aliceID).CreateCall(ctx, bobID, domain.CallTypeVideo)
	require.NoError(t, err)

	_, err = srv.client(t, uuid.New()).GetCall(ctx, call.ID)
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeSignalingUnauthorized, appErr.Code)
	assert.Equal(t, http.StatusForbidden, appErr.StatusCode)

	_, err = srv.client(t, aliceID).GetCall(ctx, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	_, err = New(srv.url, "").GetCall(ctx, call.ID)
	appErr = apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.StatusCode)
}

func TestClient_RetriesUnavailableServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"call":{"id":"` + uuid.NewString() + `","status":"ended"}}`))
	}))
	defer srv.Close()

	breaker := resilience.New("signaling-test", resilience.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Retryable:      Retryable,
	}, nil)
	client := New(srv.URL, "token", WithBreaker(breaker))

	call, err := client.DeleteCall(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, call.Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_DoesNotRetryRejections(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"INVALID_TRANSITION","message":"Call is no longer ringing"}}`))
	}))
	defer srv.Close()

	client := New(srv.URL, "token", WithBreaker(resilience.New("signaling-test", resilience.Config{
		InitialBackoff: time.Millisecond,
		Retryable:      Retryable,
	}, nil)))

	_, err := client.PatchCall(context.Background(), uuid.New(), &domain.CallPatch{Action: domain.ActionAccept})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))
	assert.Equal(t, "Call is no longer ringing", apperrors.GetAppError(err).Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.True(t, Retryable(apperrors.NewWithStatus(apperrors.ErrCodeInternal, "boom", http.StatusBadGateway)))
	assert.True(t, Retryable(apperrors.NewWithStatus(apperrors.ErrCodeValidation, "slow down", http.StatusTooManyRequests)))
	assert.False(t, Retryable(apperrors.CallNotFoundError()))
}

func TestDecodeError_NonEnvelopeBody(t *testing.T) {
	err := decodeError(http.StatusServiceUnavailable, []byte("upstream down"))
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeServiceUnavail, appErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.StatusCode)
}
