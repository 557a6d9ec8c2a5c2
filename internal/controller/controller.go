// Package controller drives one side of a two-party call: it acquires media,
// signals through the call store by polling it, feeds the peer's session
// descriptions and ICE candidates into the transport, and tears everything
// down on every way a call can finish.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/constants"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
)

// ErrCallAborted is returned by InitiateCall and AnswerCall when the call was
// ended locally while they were still setting it up.
var ErrCallAborted = errors.New("call ended before it was established")

const (
	hangUpTimeout = 5 * time.Second
	outboxSize    = 64
)

// Controller owns the media, the transport and the timers of one call at a time.
// It is safe for concurrent use.
type Controller struct {
	userID     uuid.UUID
	store      SignalingStore
	media      MediaAcquirer
	transports TransportFactory

	pollInterval    time.Duration
	maxPollFailures int
	log             *zap.Logger
	now             func() time.Time

	mu           sync.Mutex
	gen          uint64
	state        State
	role         domain.Role
	session      *domain.CallSession
	err          error
	stream       MediaStream
	transport    TransportEngine
	outbox       chan domain.ICECandidate
	sessionCtx   context.Context
	cancel       context.CancelFunc
	pollFailures int

	// Signaling application state, reset per call
	remoteApplied bool
	localAnswer   *domain.SessionDescription
	answerSent    bool
	applied       map[string]struct{}
	pending       []domain.ICECandidate

	remoteTracks []RemoteTrack
	connectedAt  time.Time
	duration     time.Duration
	muted        bool
	videoOff     bool
	speakerOn    bool

	pollMu sync.Mutex
	wg     sync.WaitGroup
	events *eventBus
}

// Option configures a Controller
type Option func(*Controller)

// WithPollInterval sets how often the session snapshot is fetched
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxPollFailures sets how many fetches in a row may fail before the call is failed
func WithMaxPollFailures(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxPollFailures = n
		}
	}
}

// WithLogger sets the logger; the user id is added to every entry
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New creates an idle controller acting as userID
func New(userID uuid.UUID, store SignalingStore, media MediaAcquirer, transports TransportFactory, opts ...Option) *Controller {
	c := &Controller{
		userID:          userID,
		store:           store,
		media:           media,
		transports:      transports,
		pollInterval:    constants.DefaultPollInterval,
		maxPollFailures: constants.DefaultMaxPollFailures,
		log:             logger.Log,
		now:             time.Now,
		state:           StateIdle,
		applied:         make(map[string]struct{}),
		events:          newEventBus(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("user_id", userID.String()))
	return c
}

// InitiateCall calls peerID. It returns once the offer is stored and the call
// is ringing; the rest of the handshake happens in the background.
func (c *Controller) InitiateCall(ctx context.Context, peerID uuid.UUID, callType domain.CallType) error {
	if !callType.Valid() {
		return apperrors.ValidationError("Invalid call type")
	}
	if peerID == uuid.Nil || peerID == c.userID {
		return apperrors.ValidationError("Invalid receiver")
	}

	c.mu.Lock()
	if c.state.InProgress() || c.state == StateError {
		c.mu.Unlock()
		return apperrors.CallInProgressError()
	}
	gen, sessionCtx := c.beginLocked(domain.RoleInitiator)
	c.mu.Unlock()

	ctx, cancel := bindContext(ctx, sessionCtx)
	defer cancel()

	stream, err := c.media.Acquire(ctx, callType)
	if err != nil {
		return c.fail(gen, apperrors.MediaAccessDeniedError(err), false)
	}
	if !c.adoptStream(gen, stream) || !c.transition(gen, StateInitiating) {
		return ErrCallAborted
	}

	session, err := c.store.CreateCall(ctx, peerID, callType)
	if err != nil {
		return c.fail(gen, apperrors.SessionCreateFailedError(err), false)
	}
	if !c.adoptSession(gen, session) {
		c.hangUp(session.ID)
		return ErrCallAborted
	}

	transport, err := c.startTransport(gen, sessionCtx, session.ID)
	if err != nil {
		return c.fail(gen, err, true)
	}

	offer, err := transport.CreateOffer(ctx)
	if err == nil {
		err = transport.SetLocalDescription(offer)
	}
	if err != nil {
		return c.fail(gen, err, true)
	}

	updated, err := c.store.PatchCall(ctx, session.ID, &domain.CallPatch{Action: domain.ActionOffer, Offer: &offer})
	if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) {
		updated, err = c.storedOffer(ctx, session.ID, err)
	}
	if err != nil {
		return c.fail(gen, err, true)
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return ErrCallAborted
	}
	c.session = updated
	c.setStateLocked(StateRinging)
	c.mu.Unlock()

	c.log.Info("Call ringing",
		zap.String("call_id", session.ID.String()),
		zap.String("receiver_id", peerID.String()))

	c.startPolling(gen, false)
	return nil
}

// storedOffer re-reads a call whose offer write was refused. A retried write
// whose first attempt landed is refused too, and then the offer is in place.
func (c *Controller) storedOffer(ctx context.Context, callID uuid.UUID, refused error) (*domain.CallSession, error) {
	latest, err := c.store.GetCall(ctx, callID)
	if err != nil || latest.Status.IsTerminal() || latest.Metadata.Offer == nil {
		return nil, refused
	}
	return latest, nil
}

// AnswerCall accepts a ringing call addressed to this user. The offer is
// applied and answered by the first poll, which runs immediately.
func (c *Controller) AnswerCall(ctx context.Context, session *domain.CallSession) error {
	if session == nil {
		return apperrors.MissingFieldError("session")
	}
	if role, ok := session.RoleOf(c.userID); !ok || role != domain.RoleReceiver {
		return apperrors.SignalingUnauthorizedError("Only the receiver can answer a call")
	}
	if session.Status != domain.CallStatusPending {
		return apperrors.InvalidTransitionError("Call is no longer ringing")
	}

	c.mu.Lock()
	if c.state.InProgress() || c.state == StateError {
		c.mu.Unlock()
		return apperrors.CallInProgressError()
	}
	gen, sessionCtx := c.beginLocked(domain.RoleReceiver)
	c.session = session.Clone()
	c.mu.Unlock()

	ctx, cancel := bindContext(ctx, sessionCtx)
	defer cancel()

	accepted, err := c.store.PatchCall(ctx, session.ID, &domain.CallPatch{Action: domain.ActionAccept})
	if err != nil {
		return c.fail(gen, err, false)
	}
	if !c.adoptSession(gen, accepted) {
		return ErrCallAborted
	}

	// A denied camera leaves the call accepted on the server; the peer keeps ringing until it gives up.
	stream, err := c.media.Acquire(ctx, session.Type)
	if err != nil {
		return c.fail(gen, apperrors.MediaAccessDeniedError(err), false)
	}
	if !c.adoptStream(gen, stream) || !c.transition(gen, StateAccepted) {
		return ErrCallAborted
	}

	if _, err := c.startTransport(gen, sessionCtx, session.ID); err != nil {
		return c.fail(gen, err, true)
	}
	if !c.transition(gen, StateConnecting) {
		return ErrCallAborted
	}

	c.log.Info("Call accepted", zap.String("call_id", session.ID.String()))

	c.startPolling(gen, true)
	return nil
}

// RejectCall declines a ringing call without touching any local resources
func (c *Controller) RejectCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	return c.store.PatchCall(ctx, callID, &domain.CallPatch{Action: domain.ActionReject})
}

// EndCall hangs up. Local resources are released whether or not the store
// could be reached; the store's error is returned.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.InProgress() {
		c.mu.Unlock()
		return nil
	}
	gen := c.gen
	session := c.session
	c.setStateLocked(StateEnded)
	release := c.detachLocked()
	c.mu.Unlock()

	var err error
	if session != nil {
		var ended *domain.CallSession
		ended, err = c.store.DeleteCall(ctx, session.ID)
		if err != nil {
			c.log.Warn("Failed to end call on server",
				zap.String("call_id", session.ID.String()),
				zap.Error(err))
		} else {
			c.mu.Lock()
			if c.gen == gen {
				c.session = ended
			}
			c.mu.Unlock()
		}
	}

	release()
	return err
}

// ToggleMute flips the audio tracks and returns whether audio is now muted
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	c.enableTracksLocked(TrackKindAudio, !c.muted)
	return c.muted
}

// ToggleVideo flips the video tracks and returns whether video is now off
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !c.videoOff
	c.enableTracksLocked(TrackKindVideo, !c.videoOff)
	return c.videoOff
}

// ToggleSpeaker flips the loudspeaker preference. Routing audio is up to the caller.
func (c *Controller) ToggleSpeaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speakerOn = !c.speakerOn
	return c.speakerOn
}

// Dismiss acknowledges a finished or failed call and returns to idle
func (c *Controller) Dismiss() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.InProgress() {
		return apperrors.CallInProgressError()
	}
	c.err = nil
	c.session = nil
	c.remoteTracks = nil
	c.setStateLocked(StateIdle)
	return nil
}

// Close ends any call, waits for the background goroutines and closes every
// subscription. The controller must not be used afterwards.
func (c *Controller) Close(ctx context.Context) error {
	err := c.EndCall(ctx)
	c.wg.Wait()
	c.events.close()
	return err
}

// Subscribe returns a channel of this controller's events and a function that
// ends the subscription. Events are dropped for a subscriber that falls behind.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// State returns the current call state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the latest snapshot, or nil
func (c *Controller) Session() *domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// Role is the part this user plays in the current or last call
func (c *Controller) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Err is the reason for the error state
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Duration is how long the media has been connected, frozen once the call finishes
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connectedAt.IsZero() {
		return c.now().Sub(c.connectedAt)
	}
	return c.duration
}

// IsMuted reports whether the local audio is muted
func (c *Controller) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// IsVideoOff reports whether the local video is off
func (c *Controller) IsVideoOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOff
}

// IsSpeakerOn reports the loudspeaker preference
func (c *Controller) IsSpeakerOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerOn
}

// RemoteTracks returns the peer's tracks received so far in this call
func (c *Controller) RemoteTracks() []RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RemoteTrack(nil), c.remoteTracks...)
}

// beginLocked resets the per-call state and starts a new generation.
// Anything still running for an older generation discards its results.
func (c *Controller) beginLocked(role domain.Role) (uint64, context.Context) {
	c.gen++
	c.role = role
	c.session = nil
	c.err = nil
	c.pollFailures = 0
	c.remoteApplied = false
	c.localAnswer = nil
	c.answerSent = false
	c.applied = make(map[string]struct{})
	c.pending = nil
	c.remoteTracks = nil
	c.connectedAt = time.Time{}
	c.duration = 0
	c.muted = false
	c.videoOff = false
	c.outbox = make(chan domain.ICECandidate, outboxSize)
	c.sessionCtx, c.cancel = context.WithCancel(context.Background())
	c.setStateLocked(StateRequestingMedia)
	return c.gen, c.sessionCtx
}

func (c *Controller) currentLocked(gen uint64) bool {
	return c.gen == gen && c.state.InProgress()
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events.publish(Event{Type: EventState, State: s})
}

func (c *Controller) transition(gen uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return false
	}
	c.setStateLocked(s)
	return true
}

// goLocked runs fn on a tracked goroutine. The caller holds c.mu and has
// checked the generation, so nothing is started once a call has finished.
func (c *Controller) goLocked(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) adoptStream(gen uint64, stream MediaStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		stream.Stop()
		return false
	}
	c.stream = stream
	c.enableTracksLocked(TrackKindAudio, !c.muted)
	c.enableTracksLocked(TrackKindVideo, !c.videoOff)
	return true
}

func (c *Controller) adoptSession(gen uint64, session *domain.CallSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return false
	}
	c.session = session
	return true
}

func (c *Controller) enableTracksLocked(kind TrackKind, enabled bool) {
	if c.stream == nil {
		return
	}
	for _, track := range c.stream.Tracks() {
		if track.Kind() == kind {
			track.SetEnabled(enabled)
		}
	}
}

// startTransport creates the peer connection, attaches the local tracks and
// starts the goroutine that trickles local candidates to the store.
func (c *Controller) startTransport(gen uint64, sessionCtx context.Context, callID uuid.UUID) (TransportEngine, error) {
	transport, err := c.transports.NewTransport(TransportHandlers{
		OnICECandidate:          func(candidate domain.ICECandidate) { c.onLocalCandidate(gen, candidate) },
		OnConnectionStateChange: func(state ConnectionState) { c.onConnectionState(gen, state) },
		OnTrack:                 func(track RemoteTrack) { c.onRemoteTrack(gen, track) },
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		transport.Close()
		return nil, ErrCallAborted
	}
	c.transport = transport
	var tracks []LocalTrack
	if c.stream != nil {
		tracks = c.stream.Tracks()
	}
	outbox := c.outbox
	c.goLocked(func() { c.sendCandidates(sessionCtx, callID, outbox) })
	c.mu.Unlock()

	for _, track := range tracks {
		if err := transport.AddTrack(track); err != nil {
			return nil, err
		}
	}
	return transport, nil
}

// fail moves the call to the error state and releases it. With hangUp the
// server session is ended too, best effort.
func (c *Controller) fail(gen uint64, err error, hangUp bool) error {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return err
	}
	c.err = err
	c.setStateLocked(StateError)
	c.events.publish(Event{Type: EventError, Err: err})
	session, role := c.session, c.role
	release := c.detachLocked()
	c.mu.Unlock()

	fields := []zap.Field{zap.String("role", role.String()), zap.Error(err)}
	if session != nil {
		fields = append(fields, zap.String("call_id", session.ID.String()))
	}
	c.log.Warn("Call failed", fields...)

	release()
	if hangUp && session != nil {
		c.hangUp(session.ID)
	}
	return err
}

// detachLocked stops the timers and hands back a function that closes the
// transport and the media. Call it after leaving the in-progress states and
// run the returned function without holding c.mu.
func (c *Controller) detachLocked() func() {
	if c.cancel != nil {
		c.cancel()
	}
	if !c.connectedAt.IsZero() {
		c.duration = c.now().Sub(c.connectedAt)
		c.connectedAt = time.Time{}
	}
	transport, stream := c.transport, c.stream
	c.transport, c.stream = nil, nil
	c.pending = nil

	return func() {
		if transport != nil {
			if err := transport.Close(); err != nil {
				c.log.Debug("Failed to close transport", zap.Error(err))
			}
		}
		if stream != nil {
			stream.Stop()
		}
	}
}

func (c *Controller) hangUp(callID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), hangUpTimeout)
	defer cancel()
	if _, err := c.store.DeleteCall(ctx, callID); err != nil {
		c.log.Debug("Failed to hang up call",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}
}

// bindContext derives a context from parent that is also cancelled when the
// call's own context is.
func bindContext(parent, session context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
