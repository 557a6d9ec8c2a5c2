package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/repository/memory"
	"callsignal-backend/internal/service/call"
)

type wsFixture struct {
	server *httptest.Server
	svc    *call.Service
	hub    *CallEventHub
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewCallEventHub(nil, nil, HubConfig{MaxConnections: 4})
	svc := call.NewService(memory.NewCallRepository(), call.Config{},
		call.WithPublisher(NewFallbackPublisher(nil, hub)))

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		if id, err := uuid.Parse(c.Query("as")); err == nil {
			c.Set("user_id", id)
		}
		c.Next()
	}, hub.ServeWS(svc))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &wsFixture{server: server, svc: svc, hub: hub}
}

func (f *wsFixture) dial(user, callID uuid.UUID) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?call_id=" + callID.String() + "&as=" + user.String()
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) CallEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev CallEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestServeWS_StreamsSnapshots(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	session, err := f.svc.CreateCall(ctx, alice, &call.CreateCallInput{ReceiverID: bob, Type: domain.CallTypeVideo})
	require.NoError(t, err)

	conn, _, err := f.dial(bob, session.ID)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, EventTypeCall, first.Type)
	require.NotNil(t, first.Call)
	assert.Equal(t, domain.CallStatusPending, first.Call.Status)

	_, err = f.svc.PatchCall(ctx, alice, session.ID, &domain.CallPatch{
		Action: domain.ActionOffer,
		Offer:  &domain.SessionDescription{Type: "offer", SDP: "v=0\r\n"},
	})
	require.NoError(t, err)

	next := readEvent(t, conn)
	require.NotNil(t, next.Call.Metadata.Offer)
	assert.Equal(t, "v=0\r\n", next.Call.Metadata.Offer.SDP)

	assert.Eventually(t, func() bool { return f.hub.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServeWS_RejectsNonParticipant(t *testing.T) {
	f := newWSFixture(t)
	session, err := f.svc.CreateCall(context.Background(), uuid.New(), &call.CreateCallInput{ReceiverID: uuid.New(), Type: domain.CallTypeAudio})
	require.NoError(t, err)

	_, resp, err := f.dial(uuid.New(), session.ID)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = f.dial(uuid.New(), uuid.New())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeWS_ReleasesSlotOnClose(t *testing.T) {
	f := newWSFixture(t)
	alice, bob := uuid.New(), uuid.New()
	session, err := f.svc.CreateCall(context.Background(), alice, &call.CreateCallInput{ReceiverID: bob, Type: domain.CallTypeAudio})
	require.NoError(t, err)

	conn, _, err := f.dial(alice, session.ID)
	require.NoError(t, err)
	readEvent(t, conn)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCallEventHub_Close(t *testing.T) {
	f := newWSFixture(t)
	alice := uuid.New()
	session, err := f.svc.CreateCall(context.Background(), alice, &call.CreateCallInput{ReceiverID: uuid.New(), Type: domain.CallTypeAudio})
	require.NoError(t, err)

	conn, _, err := f.dial(alice, session.ID)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	f.hub.Close()
	f.hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "got %v", err)
	assert.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	delivered := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			f.hub.Deliver(session)
		}
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver blocked on a closed hub")
	}
}
