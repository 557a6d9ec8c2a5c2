package controller

import (
	"context"

	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
)

// State is the local state of the call the controller is driving
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting-media"
	StateInitiating      State = "initiating"
	StateRinging         State = "ringing"
	StateAccepted        State = "accepted"
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
	StateError           State = "error"
)

// InProgress reports whether a call cycle is running in this state
func (s State) InProgress() bool {
	switch s {
	case StateIdle, StateEnded, StateError:
		return false
	}
	return true
}

// SignalingStore is the server surface the controller signals through.
// Every method returns the full current snapshot of the session.
type SignalingStore interface {
	CreateCall(ctx context.Context, receiverID uuid.UUID, callType domain.CallType) (*domain.CallSession, error)
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	PatchCall(ctx context.Context, callID uuid.UUID, patch *domain.CallPatch) (*domain.CallSession, error)
	DeleteCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
}

// TrackKind is the media kind of a track
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// LocalTrack is one captured track whose enablement the controller owns
type LocalTrack interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
}

// MediaStream is the result of one media acquisition
type MediaStream interface {
	Tracks() []LocalTrack
	Stop()
}

// MediaAcquirer captures local audio, plus video for video calls
type MediaAcquirer interface {
	Acquire(ctx context.Context, callType domain.CallType) (MediaStream, error)
}

// ConnectionState mirrors the peer connection state reported by the transport
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// RemoteTrack is a track received from the peer
type RemoteTrack interface {
	ID() string
	StreamID() string
}

// TransportHandlers receive the transport's asynchronous events. They may be
// called from any goroutine.
type TransportHandlers struct {
	OnICECandidate          func(candidate domain.ICECandidate)
	OnConnectionStateChange func(state ConnectionState)
	OnTrack                 func(track RemoteTrack)
}

// TransportEngine is one peer connection
type TransportEngine interface {
	AddTrack(track LocalTrack) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	Close() error
}

// TransportFactory creates a transport per call
type TransportFactory interface {
	NewTransport(handlers TransportHandlers) (TransportEngine, error)
}
