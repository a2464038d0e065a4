package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/model"
)

const channelPattern = "notifications:*"

// ChannelFor возвращает канал Redis, в который публикуются уведомления пользователя.
func ChannelFor(userID string) string {
	return fmt.Sprintf("notifications:%s", userID)
}

// RedisSink публикует уведомления в Redis Pub/Sub, чтобы их получали другие экземпляры сервиса.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink подключается к Redis и проверяет соединение.
func NewRedisSink(ctx context.Context, addr string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSink{client: client}, nil
}

// Deliver публикует кадр в канал получателя.
func (s *RedisSink) Deliver(ctx context.Context, n model.Notification) error {
	payload, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.client.Publish(ctx, ChannelFor(n.UserID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Relay подписывается на каналы всех пользователей и передаёт кадры в local,
// обычно в Hub этого экземпляра. Возвращает управление после отмены контекста.
func (s *RedisSink) Relay(ctx context.Context, local Sink, logger *zap.Logger) error {
	sub := s.client.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			n, err := decodeEvent(msg.Payload)
			if err != nil {
				logger.Warn("skip malformed relay frame", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if err := local.Deliver(ctx, n); err != nil {
				logger.Warn("relay delivery failed", zap.String("userID", n.UserID), zap.Error(err))
			}
		}
	}
}

func decodeEvent(payload string) (model.Notification, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.Notification{}, err
	}
	if ev.Data.UserID == "" {
		return model.Notification{}, fmt.Errorf("event %q has no recipient", ev.Type)
	}
	return ev.Data, nil
}

// Close закрывает соединение с Redis.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
