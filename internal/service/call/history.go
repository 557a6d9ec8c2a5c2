package call

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/constants"
	apperrors "callsignal-backend/pkg/errors"
)

// CurrentCalls is what a client polls to learn whether it is being rung or is
// already in a call
type CurrentCalls struct {
	IncomingCall *domain.CallSession `json:"incomingCall"`
	ActiveCall   *domain.CallSession `json:"activeCall"`
}

// Current returns the newest pending call addressed to userID within the ring
// window and the newest active call userID takes part in. Either may be nil.
func (s *Service) Current(ctx context.Context, userID uuid.UUID) (*CurrentCalls, error) {
	since := s.now().Add(-constants.RingWindow)

	incoming, err := s.repo.FindIncoming(ctx, userID, since)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	active, err := s.repo.FindActive(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return &CurrentCalls{IncomingCall: incoming, ActiveCall: active}, nil
}

// ParseHistoryFilter accepts an empty string as all
func ParseHistoryFilter(raw string) (domain.HistoryFilter, error) {
	switch f := domain.HistoryFilter(strings.ToLower(raw)); f {
	case "":
		return domain.HistoryAll, nil
	case domain.HistoryAll, domain.HistorySent, domain.HistoryReceived, domain.HistoryMissed:
		return f, nil
	}
	return "", apperrors.ValidationError("filter must be all, sent, received or missed")
}

// History lists finished and in-progress calls of userID, newest first.
// Pending calls are not part of history.
func (s *Service) History(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter, limit int) ([]domain.CallLogEntry, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	calls, err := s.repo.ListHistory(ctx, userID, filter, limit)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	entries := make([]domain.CallLogEntry, 0, len(calls))
	for _, c := range calls {
		entries = append(entries, domain.CallLogEntry{
			ID:          c.ID,
			Type:        c.Type,
			Status:      c.Status,
			IsOutgoing:  c.InitiatorID == userID,
			OtherUserID: c.OtherParty(userID),
			StartedAt:   c.StartedAt,
			EndedAt:     c.EndedAt,
			Duration:    c.Duration,
			Summary:     Summary(c),
		})
	}
	return entries, nil
}

// Summary renders a one-line description of a call for history lists,
// e.g. "Video call • 1m 5s" or "Missed voice call".
func Summary(c *domain.CallSession) string {
	label := "Voice call"
	if c.Type == domain.CallTypeVideo {
		label = "Video call"
	}

	switch c.Status {
	case domain.CallStatusEnded:
		if c.Duration != nil {
			return label + " • " + FormatDuration(*c.Duration)
		}
	case domain.CallStatusMissed:
		return "Missed " + strings.ToLower(label)
	case domain.CallStatusRejected:
		return label + " declined"
	case domain.CallStatusCancelled:
		return label + " cancelled"
	}
	return label
}

// FormatDuration renders seconds as "1h 2m 3s", "2m 5s" or "45s"
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds%3600/60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
