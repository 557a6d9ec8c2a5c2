package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callsignal-backend/internal/database"
	"callsignal-backend/internal/domain"
)

// CallEventRepository fans call snapshots out over Redis Pub/Sub so every
// service instance can push them to its WebSocket subscribers
type CallEventRepository struct {
	client *database.RedisClient
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(client *database.RedisClient) *CallEventRepository {
	return &CallEventRepository{client: client}
}

// CallChannel is the Pub/Sub channel carrying updates of one call
func CallChannel(callID uuid.UUID) string {
	return fmt.Sprintf("call:%s", callID)
}

// PublishCall publishes the full snapshot of call
func (r *CallEventRepository) PublishCall(ctx context.Context, call *domain.CallSession) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}
	if err := r.client.SafePublish(ctx, CallChannel(call.ID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish call update: %w", err)
	}
	return nil
}

// Subscribe subscribes to the updates of one call. The caller must close the
// returned PubSub.
func (r *CallEventRepository) Subscribe(ctx context.Context, callID uuid.UUID) (*redis.PubSub, error) {
	pubsub := r.client.SafeSubscribe(ctx, CallChannel(callID))
	if pubsub == nil {
		return nil, database.ErrDegraded
	}
	return pubsub, nil
}

// DecodeCall parses a Pub/Sub payload back into a snapshot
func DecodeCall(payload string) (*domain.CallSession, error) {
	var call domain.CallSession
	if err := json.Unmarshal([]byte(payload), &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return &call, nil
}
