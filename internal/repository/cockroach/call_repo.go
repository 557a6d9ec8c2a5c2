package cockroach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/repository"
	"callsignal-backend/pkg/constants"
)

// Schema creates the call_sessions table. Signaling lives in jsonb columns so
// each role's candidate log can be appended in a single statement.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	call_id       UUID PRIMARY KEY,
	initiator_id  UUID NOT NULL,
	receiver_id   UUID NOT NULL,
	call_type     TEXT NOT NULL CHECK (call_type IN ('audio', 'video')),
	status        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	duration      INT,
	offer         JSONB,
	answer        JSONB,
	ice_initiator JSONB NOT NULL DEFAULT '[]'::JSONB,
	ice_receiver  JSONB NOT NULL DEFAULT '[]'::JSONB
);
CREATE INDEX IF NOT EXISTS call_sessions_receiver_idx ON call_sessions (receiver_id, status, started_at DESC);
CREATE INDEX IF NOT EXISTS call_sessions_initiator_idx ON call_sessions (initiator_id, status, started_at DESC);
CREATE INDEX IF NOT EXISTS call_sessions_status_idx ON call_sessions (status, started_at);
`

const selectColumns = `
	call_id, initiator_id, receiver_id, call_type, status,
	started_at, ended_at, duration, offer, answer, ice_initiator, ice_receiver`

const terminalStatuses = `('ended', 'rejected', 'cancelled', 'missed')`

// CallRepository handles call session storage on CockroachDB
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// EnsureSchema creates the table and indexes when missing
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create call schema: %w", err)
	}
	return nil
}

// Create inserts a new call session
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			call_id, initiator_id, receiver_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.InitiatorID,
		call.ReceiverID,
		string(call.Type),
		string(call.Status),
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}
	return nil
}

// GetByID retrieves a call session by ID
func (r *CallRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallSession, error) {
	query := `SELECT ` + selectColumns + ` FROM call_sessions WHERE call_id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// SetOffer stores the offer if none has been written and the call still rings
func (r *CallRepository) SetOffer(ctx context.Context, id uuid.UUID, offer domain.SessionDescription) (*domain.CallSession, error) {
	raw, err := json.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode offer: %w", err)
	}

	query := `
		UPDATE call_sessions
		SET offer = $2::JSONB
		WHERE call_id = $1
		  AND offer IS NULL
		  AND status IN ('pending', 'accepted')
		RETURNING ` + selectColumns

	return r.conditional(ctx, id, query, id, string(raw))
}

// SetAnswer stores the answer and moves the call to active in one statement
func (r *CallRepository) SetAnswer(ctx context.Context, id uuid.UUID, answer domain.SessionDescription) (*domain.CallSession, error) {
	raw, err := json.Marshal(answer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode answer: %w", err)
	}

	query := `
		UPDATE call_sessions
		SET answer = $2::JSONB, status = 'active'
		WHERE call_id = $1
		  AND answer IS NULL
		  AND offer IS NOT NULL
		  AND status IN ('pending', 'accepted')
		RETURNING ` + selectColumns

	return r.conditional(ctx, id, query, id, string(raw))
}

// AppendICECandidate appends to one role's candidate log without reading it first
func (r *CallRepository) AppendICECandidate(ctx context.Context, id uuid.UUID, role domain.Role, candidate domain.ICECandidate) (*domain.CallSession, error) {
	column, err := iceColumn(role)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode candidate: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE call_sessions
		SET %[1]s = %[1]s || jsonb_build_array($2::JSONB)
		WHERE call_id = $1
		  AND status NOT IN %[2]s
		  AND jsonb_array_length(%[1]s) < $3
		RETURNING `+selectColumns, column, terminalStatuses)

	return r.conditional(ctx, id, query, id, string(raw), constants.MaxICECandidatesPerRole)
}

// UpdateStatus moves the call from one status to another. It fails with
// ErrConflict when another writer changed the status first.
func (r *CallRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.CallStatus, endedAt *time.Time, duration *int) (*domain.CallSession, error) {
	query := `
		UPDATE call_sessions
		SET status = $3,
		    ended_at = COALESCE($4, ended_at),
		    duration = COALESCE($5, duration)
		WHERE call_id = $1 AND status = $2
		RETURNING ` + selectColumns

	return r.conditional(ctx, id, query, id, string(from), string(to), endedAt, duration)
}

// CancelPending cancels every pending call from initiator to receiver
func (r *CallRepository) CancelPending(ctx context.Context, initiatorID, receiverID uuid.UUID, endedAt time.Time) ([]*domain.CallSession, error) {
	query := `
		UPDATE call_sessions
		SET status = 'cancelled', ended_at = $3
		WHERE initiator_id = $1 AND receiver_id = $2 AND status = 'pending'
		RETURNING ` + selectColumns

	return r.query(ctx, "cancel pending calls", query, initiatorID, receiverID, endedAt)
}

// FindIncoming returns the newest pending call to receiverID started at or after since
func (r *CallRepository) FindIncoming(ctx context.Context, receiverID uuid.UUID, since time.Time) (*domain.CallSession, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM call_sessions
		WHERE receiver_id = $1 AND status = 'pending' AND started_at >= $2
		ORDER BY started_at DESC
		LIMIT 1
	`
	return r.first(ctx, "find incoming call", query, receiverID, since)
}

// FindActive returns the user's newest active call
func (r *CallRepository) FindActive(ctx context.Context, userID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM call_sessions
		WHERE (initiator_id = $1 OR receiver_id = $1) AND status = 'active'
		ORDER BY started_at DESC
		LIMIT 1
	`
	return r.first(ctx, "find active call", query, userID)
}

// ListHistory returns finished and in-progress calls for the user, newest first
func (r *CallRepository) ListHistory(ctx context.Context, userID uuid.UUID, filter domain.HistoryFilter, limit int) ([]*domain.CallSession, error) {
	var where string
	switch filter {
	case domain.HistorySent:
		where = `initiator_id = $1 AND status <> 'pending'`
	case domain.HistoryReceived:
		where = `receiver_id = $1 AND status <> 'pending'`
	case domain.HistoryMissed:
		where = `receiver_id = $1 AND status = 'missed'`
	default:
		where = `(initiator_id = $1 OR receiver_id = $1) AND status <> 'pending'`
	}

	query := `
		SELECT ` + selectColumns + `
		FROM call_sessions
		WHERE ` + where + `
		ORDER BY started_at DESC
		LIMIT $2
	`
	return r.query(ctx, "list call history", query, userID, limit)
}

// ListStale returns calls in one of statuses that started before the cutoff
func (r *CallRepository) ListStale(ctx context.Context, statuses []domain.CallStatus, startedBefore time.Time, limit int) ([]*domain.CallSession, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `
		SELECT ` + selectColumns + `
		FROM call_sessions
		WHERE status = ANY($1) AND started_at < $2
		ORDER BY started_at
		LIMIT $3
	`
	return r.query(ctx, "list stale calls", query, names, startedBefore, limit)
}

// conditional runs an UPDATE ... RETURNING. No returned row means either the
// call does not exist or its state rejected the write.
func (r *CallRepository) conditional(ctx context.Context, id uuid.UUID, query string, args ...any) (*domain.CallSession, error) {
	call, err := scanCall(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return call, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update call: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM call_sessions WHERE call_id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check call: %w", err)
	}
	if !exists {
		return nil, repository.ErrNotFound
	}
	return nil, repository.ErrConflict
}

func (r *CallRepository) first(ctx context.Context, op, query string, args ...any) (*domain.CallSession, error) {
	call, err := scanCall(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return call, nil
}

func (r *CallRepository) query(ctx context.Context, op, query string, args ...any) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	var calls []*domain.CallSession
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return calls, nil
}

func scanCall(row pgx.Row) (*domain.CallSession, error) {
	var (
		call                  domain.CallSession
		callType, status      string
		duration              *int64
		offer, answer         []byte
		iceInitiator, iceRecv []byte
	)

	err := row.Scan(
		&call.ID,
		&call.InitiatorID,
		&call.ReceiverID,
		&callType,
		&status,
		&call.StartedAt,
		&call.EndedAt,
		&duration,
		&offer,
		&answer,
		&iceInitiator,
		&iceRecv,
	)
	if err != nil {
		return nil, err
	}

	call.Type = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	if duration != nil {
		d := int(*duration)
		call.Duration = &d
	}
	if call.Metadata.Offer, err = decodeDescription(offer); err != nil {
		return nil, err
	}
	if call.Metadata.Answer, err = decodeDescription(answer); err != nil {
		return nil, err
	}
	if call.Metadata.ICECandidates.Initiator, err = decodeCandidates(iceInitiator); err != nil {
		return nil, err
	}
	if call.Metadata.ICECandidates.Receiver, err = decodeCandidates(iceRecv); err != nil {
		return nil, err
	}
	return &call, nil
}

func decodeDescription(raw []byte) (*domain.SessionDescription, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var sd domain.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("failed to decode session description: %w", err)
	}
	return &sd, nil
}

func decodeCandidates(raw []byte) ([]domain.ICECandidate, error) {
	out := []domain.ICECandidate{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode ice candidates: %w", err)
	}
	if out == nil {
		out = []domain.ICECandidate{}
	}
	return out, nil
}

func iceColumn(role domain.Role) (string, error) {
	switch role {
	case domain.RoleInitiator:
		return "ice_initiator", nil
	case domain.RoleReceiver:
		return "ice_receiver", nil
	}
	return "", fmt.Errorf("unknown role %v", role)
}
