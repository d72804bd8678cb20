package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/models"
)

// UserChannel is the pub/sub channel carrying updates for one user.
func UserChannel(userID uuid.UUID) string {
	return fmt.Sprintf("user_updates:%s", userID.String())
}

// EventPublisher delivers live updates to a user's connected clients.
// Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage)
}

type RedisPublisher struct {
	redis  *redis.Client
	logger zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		redis:  client,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, userID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to encode update")
		return
	}
	if err := p.redis.Publish(ctx, UserChannel(userID), string(data)).Err(); err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to publish update")
	}
}

// NopPublisher drops every update; used when redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, uuid.UUID, models.WSMessage) {}
