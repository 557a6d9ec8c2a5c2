package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/repository"
	"callsignal-backend/pkg/constants"
	apperrors "callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// maxTransitionAttempts bounds the compare-and-set retries of a status change
const maxTransitionAttempts = 3

// Repository is the storage the service needs. Every write is a single
// conditional statement so concurrent participants never overwrite each other.
type Repository interface {
	Create(ctx context.Context, call *domain.CallSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error)
	SetOffer(ctx context.Context, id uuid.UUID, offer domain.SessionDescription) (*domain.CallSession, error)
	SetAnswer(ctx context.Context, id uuid.UUID, answer domain.SessionDescription) (*domain.CallSession, error)
	AppendICECandidate(ctx context.Context, id uuid.UUID, role domain.Role, candidate domain.ICECandidate) (*domain.CallSession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CallStatus, endedAt *time.Time, duration *int) (*domain.CallSession, error)
	CancelPending(ctx context.Context, initiatorID, receiverID uuid.UUID, endedAt time.Time) ([]*domain.CallSession, error)
	FindIncoming(ctx context.Context, receiverID uuid.UUID, since time.Time) (*domain.CallSession, error)
	FindActive(ctx context.Context, userID uuid.UUID) (*domain.CallSession, error)
	ListHistory(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter, limit int) ([]*domain.CallSession, error)
	ListStale(ctx context.Context, statuses []domain.CallStatus, startedBefore time.Time, limit int) ([]*domain.CallSession, error)
}

// Publisher fans a changed session out to realtime subscribers
type Publisher interface {
	PublishCall(ctx context.Context, call *domain.CallSession) error
}

// Notifier rings the receiver's devices
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, call *domain.CallSession) error
	NotifyMissedCall(ctx context.Context, call *domain.CallSession) error
}

// Config tunes the service
type Config struct {
	// RingTimeout turns calls nobody answered into missed calls. Zero disables it.
	RingTimeout  time.Duration
	HistoryLimit int
}

// Service applies the signaling action rules to call sessions
type Service struct {
	repo      Repository
	publisher Publisher
	notifier  Notifier
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// Option configures optional collaborators
type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new call service
func NewService(repo Repository, cfg Config, opts ...Option) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = constants.DefaultHistoryLimit
	}
	s := &Service{
		repo: repo,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateCallInput is the body of POST /calls
type CreateCallInput struct {
	ReceiverID uuid.UUID       `json:"receiverId"`
	Type       domain.CallType `json:"type"`
}

// CreateCall opens a pending call from initiatorID. Earlier pending calls from
// the same initiator to the same receiver are cancelled first.
func (s *Service) CreateCall(ctx context.Context, initiatorID uuid.UUID, input *CreateCallInput) (*domain.CallSession, error) {
	if input.ReceiverID == uuid.Nil {
		return nil, apperrors.MissingFieldError("receiverId")
	}
	if !input.Type.Valid() {
		return nil, apperrors.ValidationError("type must be audio or video")
	}
	if input.ReceiverID == initiatorID {
		return nil, apperrors.ValidationError("Cannot call yourself")
	}

	now := s.now()
	cancelled, err := s.repo.CancelPending(ctx, initiatorID, input.ReceiverID, now)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	for _, c := range cancelled {
		s.changed(ctx, domain.CallStatusPending, c)
	}

	call := domain.NewCallSession(initiatorID, input.ReceiverID, input.Type, now.UTC())
	if err := s.repo.Create(ctx, call); err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to create call record: %w", err))
	}

	logger.FromContext(ctx).Info("Call created",
		zap.String("call_id", call.ID.String()),
		zap.String("initiator_id", initiatorID.String()),
		zap.String("receiver_id", input.ReceiverID.String()),
		zap.String("type", string(call.Type)),
		zap.Int("cancelled_previous", len(cancelled)))

	if s.metrics != nil {
		s.metrics.RecordCall(string(call.Type), string(call.Status))
	}
	s.publish(ctx, call)

	if s.notifier != nil {
		err := s.notifier.NotifyIncomingCall(ctx, call)
		s.recordPush("incoming", err)
		if err != nil {
			logger.FromContext(ctx).Warn("Failed to send incoming call notification",
				zap.String("call_id", call.ID.String()),
				zap.Error(err))
		}
	}

	return call, nil
}

// GetCall returns the full snapshot to a participant
func (s *Service) GetCall(ctx context.Context, userID, callID uuid.UUID) (*domain.CallSession, error) {
	call, _, err := s.loadAsParticipant(ctx, userID, callID)
	if err != nil {
		return nil, err
	}
	return call, nil
}

// PatchCall applies one signaling action on behalf of userID
func (s *Service) PatchCall(ctx context.Context, userID, callID uuid.UUID, patch *domain.CallPatch) (*domain.CallSession, error) {
	call, role, err := s.loadAsParticipant(ctx, userID, callID)
	if err != nil {
		s.recordAction(patch.Action, err)
		return nil, err
	}

	var updated *domain.CallSession
	switch patch.Action {
	case domain.ActionOffer:
		updated, err = s.setOffer(ctx, call, role, patch.Offer)
	case domain.ActionAnswer:
		updated, err = s.setAnswer(ctx, call, role, patch.Answer)
	case domain.ActionICECandidate:
		updated, err = s.appendCandidate(ctx, call, role, patch.ICECandidate)
	case domain.ActionAccept:
		updated, err = s.accept(ctx, call, role)
	case domain.ActionReject:
		updated, err = s.reject(ctx, call, role)
	case domain.ActionEnd:
		updated, err = s.end(ctx, call)
	case domain.ActionStatus:
		updated, err = s.overrideStatus(ctx, call, patch.Status)
	default:
		err = apperrors.ValidationError(fmt.Sprintf("Unknown action %q", patch.Action))
	}

	s.recordAction(patch.Action, err)
	if err != nil {
		logger.FromContext(ctx).Debug("Call action rejected",
			zap.String("call_id", callID.String()),
			zap.String("action", string(patch.Action)),
			zap.String("role", role.String()),
			zap.Error(err))
		return nil, err
	}
	return updated, nil
}

// DeleteCall ends the call from userID's side. An active call ends with a
// duration; a ringing call is cancelled by the initiator or rejected by the
// receiver. Deleting a finished call returns it unchanged.
func (s *Service) DeleteCall(ctx context.Context, userID, callID uuid.UUID) (*domain.CallSession, error) {
	call, role, err := s.loadAsParticipant(ctx, userID, callID)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, call, func(c *domain.CallSession) (domain.CallStatus, bool, error) {
		switch {
		case c.Status.IsTerminal():
			return "", true, nil
		case c.Status == domain.CallStatusActive:
			return domain.CallStatusEnded, false, nil
		case role == domain.RoleInitiator:
			return domain.CallStatusCancelled, false, nil
		default:
			return domain.CallStatusRejected, false, nil
		}
	})
}

func (s *Service) setOffer(ctx context.Context, call *domain.CallSession, role domain.Role, offer *domain.SessionDescription) (*domain.CallSession, error) {
	if role != domain.RoleInitiator {
		return nil, apperrors.SignalingUnauthorizedError("Only the initiator can send an offer")
	}
	if err := validateDescription(offer, "offer"); err != nil {
		return nil, err
	}

	updated, err := s.repo.SetOffer(ctx, call.ID, *offer)
	if err != nil {
		return nil, mapRepoError(err, "Offer already set or call is no longer ringing")
	}
	s.changed(ctx, call.Status, updated)
	return updated, nil
}

func (s *Service) setAnswer(ctx context.Context, call *domain.CallSession, role domain.Role, answer *domain.SessionDescription) (*domain.CallSession, error) {
	if role != domain.RoleReceiver {
		return nil, apperrors.SignalingUnauthorizedError("Only the receiver can send an answer")
	}
	if err := validateDescription(answer, "answer"); err != nil {
		return nil, err
	}

	updated, err := s.repo.SetAnswer(ctx, call.ID, *answer)
	if err != nil {
		return nil, mapRepoError(err, "Answer already set, no offer yet, or call is no longer ringing")
	}
	s.changed(ctx, call.Status, updated)
	return updated, nil
}

func (s *Service) appendCandidate(ctx context.Context, call *domain.CallSession, role domain.Role, candidate *domain.ICECandidate) (*domain.CallSession, error) {
	if candidate == nil || candidate.Candidate == "" {
		return nil, apperrors.MissingFieldError("iceCandidate")
	}

	updated, err := s.repo.AppendICECandidate(ctx, call.ID, role, *candidate)
	if err != nil {
		return nil, mapRepoError(err, "Call has finished or candidate limit reached")
	}
	if s.metrics != nil {
		s.metrics.RecordICECandidate(role.String())
	}
	s.publish(ctx, updated)
	return updated, nil
}

func (s *Service) accept(ctx context.Context, call *domain.CallSession, role domain.Role) (*domain.CallSession, error) {
	if role != domain.RoleReceiver {
		return nil, apperrors.SignalingUnauthorizedError("Only the receiver can accept a call")
	}
	return s.transition(ctx, call, func(c *domain.CallSession) (domain.CallStatus, bool, error) {
		if c.Status == domain.CallStatusAccepted {
			return "", true, nil
		}
		if c.Status != domain.CallStatusPending {
			return "", false, apperrors.InvalidTransitionError(fmt.Sprintf("Cannot accept a call that is %s", c.Status))
		}
		return domain.CallStatusAccepted, false, nil
	})
}

func (s *Service) reject(ctx context.Context, call *domain.CallSession, role domain.Role) (*domain.CallSession, error) {
	if role != domain.RoleReceiver {
		return nil, apperrors.SignalingUnauthorizedError("Only the receiver can reject a call")
	}
	return s.transition(ctx, call, func(c *domain.CallSession) (domain.CallStatus, bool, error) {
		if c.Status != domain.CallStatusPending && c.Status != domain.CallStatusAccepted {
			return "", false, apperrors.InvalidTransitionError(fmt.Sprintf("Cannot reject a call that is %s", c.Status))
		}
		return domain.CallStatusRejected, false, nil
	})
}

func (s *Service) end(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error) {
	return s.transition(ctx, call, func(c *domain.CallSession) (domain.CallStatus, bool, error) {
		if c.Status.IsTerminal() {
			return "", true, nil
		}
		return domain.CallStatusEnded, false, nil
	})
}

func (s *Service) overrideStatus(ctx context.Context, call *domain.CallSession, status domain.CallStatus) (*domain.CallSession, error) {
	switch status {
	case domain.CallStatusEnded, domain.CallStatusMissed, domain.CallStatusRejected:
	case "":
		return nil, apperrors.MissingFieldError("status")
	default:
		return nil, apperrors.ValidationError("status must be ended, missed or rejected")
	}

	return s.transition(ctx, call, func(c *domain.CallSession) (domain.CallStatus, bool, error) {
		if !c.Status.CanTransition(status) {
			return "", false, apperrors.InvalidTransitionError(fmt.Sprintf("Cannot move a call from %s to %s", c.Status, status))
		}
		return status, false, nil
	})
}

// decideFunc picks the next status for the current snapshot. done reports that
// the call is already where the caller wants it and nothing should be written.
type decideFunc func(c *domain.CallSession) (next domain.CallStatus, done bool, err error)

// transition runs a compare-and-set status change, re-reading the call when
// another writer got there first.
func (s *Service) transition(ctx context.Context, call *domain.CallSession, decide decideFunc) (*domain.CallSession, error) {
	current := call
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := s.repo.GetByID(ctx, call.ID)
			if err != nil {
				return nil, mapRepoError(err, "")
			}
			current = fresh
		}

		next, done, err := decide(current)
		if err != nil {
			return nil, err
		}
		if done {
			return current, nil
		}
		if !current.Status.CanTransition(next) {
			return nil, apperrors.InvalidTransitionError(fmt.Sprintf("Cannot move a call from %s to %s", current.Status, next))
		}

		var endedAt *time.Time
		var duration *int
		if next.IsTerminal() {
			now := s.now().UTC()
			endedAt = &now
			if current.Status == domain.CallStatusActive {
				d := current.ElapsedSeconds(now)
				duration = &d
			}
		}

		updated, err := s.repo.UpdateStatus(ctx, current.ID, current.Status, next, endedAt, duration)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, mapRepoError(err, "")
		}
		s.changed(ctx, current.Status, updated)
		return updated, nil
	}
	return nil, apperrors.ConflictError("Call changed concurrently, retry")
}

// changed records and publishes a write that moved the call out of prev
func (s *Service) changed(ctx context.Context, prev domain.CallStatus, call *domain.CallSession) {
	if prev != call.Status {
		logger.FromContext(ctx).Info("Call status changed",
			zap.String("call_id", call.ID.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(call.Status)))
		if s.metrics != nil {
			s.metrics.RecordCall(string(call.Type), string(call.Status))
			if call.Duration != nil {
				s.metrics.RecordCallDuration(string(call.Type), *call.Duration)
			}
		}
	}
	s.publish(ctx, call)
}

func (s *Service) publish(ctx context.Context, call *domain.CallSession) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishCall(ctx, call); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish call update",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) recordAction(action domain.CallAction, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(apperrors.GetAppError(err).Code)
	}
	s.metrics.RecordCallAction(string(action), result)
}

func (s *Service) recordPush(kind string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordPushNotification(kind, result)
}

func (s *Service) loadAsParticipant(ctx context.Context, userID, callID uuid.UUID) (*domain.CallSession, domain.Role, error) {
	call, err := s.repo.GetByID(ctx, callID)
	if err != nil {
		return nil, 0, mapRepoError(err, "")
	}
	role, ok := call.RoleOf(userID)
	if !ok {
		return nil, 0, apperrors.SignalingUnauthorizedError("Not a participant in this call")
	}
	return call, role, nil
}

func validateDescription(sd *domain.SessionDescription, want string) error {
	if sd == nil || sd.SDP == "" {
		return apperrors.MissingFieldError(want)
	}
	if sd.Type != want {
		return apperrors.ValidationError(fmt.Sprintf("%s must have type %q", want, want))
	}
	if len(sd.SDP) > constants.MaxSDPLength {
		return apperrors.ValidationError(fmt.Sprintf("%s is too large", want))
	}
	return nil
}

func mapRepoError(err error, conflictMsg string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.CallNotFoundError()
	case errors.Is(err, repository.ErrConflict):
		if conflictMsg == "" {
			conflictMsg = "Call state does not allow this action"
		}
		return apperrors.InvalidTransitionError(conflictMsg)
	default:
		return apperrors.DatabaseError(err)
	}
}
