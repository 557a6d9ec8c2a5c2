package controller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	apperrors "callsignal-backend/pkg/errors"
)

const durationTick = time.Second

func (c *Controller) startPolling(gen uint64, immediate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return
	}
	ctx := c.sessionCtx
	c.goLocked(func() {
		if immediate {
			c.spawnPoll(ctx, gen)
		}
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.spawnPoll(ctx, gen)
			}
		}
	})
}

// spawnPoll runs one poll without holding up the ticker
func (c *Controller) spawnPoll(ctx context.Context, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return
	}
	c.goLocked(func() { c.poll(ctx, gen) })
}

// poll fetches the snapshot and applies it. A poll that finds another one in
// flight does nothing.
func (c *Controller) poll(ctx context.Context, gen uint64) {
	if !c.pollMu.TryLock() {
		return
	}
	defer c.pollMu.Unlock()

	c.mu.Lock()
	if !c.currentLocked(gen) || c.session == nil {
		c.mu.Unlock()
		return
	}
	callID := c.session.ID
	c.mu.Unlock()

	snapshot, err := c.store.GetCall(ctx, callID)
	if err != nil {
		c.pollFailed(ctx, gen, err)
		return
	}
	c.apply(ctx, gen, snapshot)
}

func (c *Controller) pollFailed(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) ||
		apperrors.HasCode(err, apperrors.ErrCodeSignalingUnauthorized) {
		c.fail(gen, err, false)
		return
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	c.pollFailures++
	failures := c.pollFailures
	c.mu.Unlock()

	c.log.Debug("Call poll failed",
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if failures >= c.maxPollFailures {
		c.fail(gen, apperrors.SignalingUnreachableError(err), true)
	}
}

// apply brings the transport in line with a snapshot: a finished call ends
// the local one, the peer's description is applied once, and every peer
// candidate not seen before is applied or, without a remote description yet,
// buffered. The receiver then answers.
func (c *Controller) apply(ctx context.Context, gen uint64, snapshot *domain.CallSession) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	c.pollFailures = 0
	c.session = snapshot

	if snapshot.Status.IsTerminal() {
		c.setStateLocked(StateEnded)
		release := c.detachLocked()
		c.mu.Unlock()

		c.log.Info("Call finished",
			zap.String("call_id", snapshot.ID.String()),
			zap.String("status", string(snapshot.Status)))
		release()
		return
	}

	role, transport, remoteApplied := c.role, c.transport, c.remoteApplied
	c.mu.Unlock()

	if transport == nil {
		return
	}

	justApplied := false
	if !remoteApplied {
		if desc := remoteDescription(role, snapshot); desc != nil {
			if err := transport.SetRemoteDescription(*desc); err != nil {
				if ctx.Err() == nil {
					c.fail(gen, err, true)
				}
				return
			}
			justApplied = true
		}
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	var batch []domain.ICECandidate
	if justApplied {
		c.remoteApplied = true
		batch = c.pending
		c.pending = nil
		if c.state == StateRinging {
			c.setStateLocked(StateConnecting)
		}
	}
	ready := c.remoteApplied
	for _, candidate := range snapshot.Metadata.ICECandidates.For(role.Counterpart()) {
		key := candidate.Key()
		if _, seen := c.applied[key]; seen {
			continue
		}
		c.applied[key] = struct{}{}
		if ready {
			batch = append(batch, candidate)
		} else {
			c.pending = append(c.pending, candidate)
		}
	}
	answerDue := role == domain.RoleReceiver && ready && !c.answerSent
	c.mu.Unlock()

	for _, candidate := range batch {
		if err := transport.AddICECandidate(candidate); err != nil {
			c.log.Debug("Failed to add remote ICE candidate",
				zap.String("call_id", snapshot.ID.String()),
				zap.Error(err))
		}
	}

	if answerDue {
		c.sendAnswer(ctx, gen, transport, snapshot)
	}
}

// remoteDescription is the peer's half of the handshake in snapshot, or nil
func remoteDescription(role domain.Role, snapshot *domain.CallSession) *domain.SessionDescription {
	if role == domain.RoleInitiator {
		return snapshot.Metadata.Answer
	}
	return snapshot.Metadata.Offer
}

// sendAnswer stores the receiver's answer. The answer is created once; a write
// that fails on the way is repeated by the next poll with the same answer
// until a snapshot shows it stored.
func (c *Controller) sendAnswer(ctx context.Context, gen uint64, transport TransportEngine, snapshot *domain.CallSession) {
	if snapshot.Metadata.Answer != nil {
		c.mu.Lock()
		if c.currentLocked(gen) {
			c.answerSent = true
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	answer := c.localAnswer
	c.mu.Unlock()

	if answer == nil {
		created, err := transport.CreateAnswer(ctx)
		if err == nil {
			err = transport.SetLocalDescription(created)
		}
		if err != nil {
			if ctx.Err() == nil {
				c.fail(gen, err, true)
			}
			return
		}
		answer = &created
		c.mu.Lock()
		if c.currentLocked(gen) {
			c.localAnswer = answer
		}
		c.mu.Unlock()
	}

	updated, err := c.store.PatchCall(ctx, snapshot.ID, &domain.CallPatch{Action: domain.ActionAnswer, Answer: answer})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), apperrors.IsTemporary(err):
		// Either an earlier attempt landed or the call finished; the next
		// snapshot tells which.
		c.log.Debug("Answer not stored yet",
			zap.String("call_id", snapshot.ID.String()),
			zap.Error(err))
		return
	default:
		c.fail(gen, err, true)
		return
	}

	c.mu.Lock()
	if c.currentLocked(gen) {
		c.session = updated
		c.answerSent = true
	}
	c.mu.Unlock()
}

func (c *Controller) onLocalCandidate(gen uint64, candidate domain.ICECandidate) {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	outbox, ctx := c.outbox, c.sessionCtx
	c.mu.Unlock()

	select {
	case outbox <- candidate:
	case <-ctx.Done():
	}
}

// sendCandidates appends local candidates to the store in discovery order
func (c *Controller) sendCandidates(ctx context.Context, callID uuid.UUID, outbox <-chan domain.ICECandidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case candidate := <-outbox:
			c.sendCandidate(ctx, callID, candidate)
		}
	}
}

// sendCandidate retries a candidate the store could not be reached with until
// it is stored or the call finishes. Later candidates wait behind it.
func (c *Controller) sendCandidate(ctx context.Context, callID uuid.UUID, candidate domain.ICECandidate) {
	for {
		_, err := c.store.PatchCall(ctx, callID, &domain.CallPatch{
			Action:       domain.ActionICECandidate,
			ICECandidate: &candidate,
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		if !apperrors.IsTemporary(err) {
			c.log.Warn("Failed to send ICE candidate",
				zap.String("call_id", callID.String()),
				zap.Error(err))
			return
		}
		c.log.Debug("Retrying ICE candidate",
			zap.String("call_id", callID.String()),
			zap.Error(err))

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Controller) onConnectionState(gen uint64, state ConnectionState) {
	switch state {
	case ConnectionConnected:
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(gen) || c.state == StateConnected {
			return
		}
		c.connectedAt = c.now()
		c.setStateLocked(StateConnected)
		ctx := c.sessionCtx
		c.goLocked(func() { c.runDurationTimer(ctx, gen) })

	case ConnectionFailed, ConnectionDisconnected:
		c.fail(gen, apperrors.ConnectionLostError(), true)
	}
}

func (c *Controller) runDurationTimer(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(durationTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.currentLocked(gen) || c.connectedAt.IsZero() {
				c.mu.Unlock()
				return
			}
			elapsed := c.now().Sub(c.connectedAt)
			c.events.publish(Event{Type: EventDuration, Duration: elapsed})
			c.mu.Unlock()
		}
	}
}

func (c *Controller) onRemoteTrack(gen uint64, track RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return
	}
	c.remoteTracks = append(c.remoteTracks, track)
	c.events.publish(Event{Type: EventRemoteTrack, Track: track})
}
