package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Notifier surfaces a challenge notice to the operator channel.
type Notifier interface {
	OnCaptchaDetected(ctx context.Context, notice Notice) error
}

// Notifiers fans a notice out to every notifier and joins their errors.
type Notifiers []Notifier

func (n Notifiers) OnCaptchaDetected(ctx context.Context, notice Notice) error {
	var errs []error
	for _, notifier := range n {
		if err := notifier.OnCaptchaDetected(ctx, notice); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) OnCaptchaDetected(_ context.Context, notice Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(notice.Message,
		"stage", notice.Stage,
		"url", notice.URL,
		"signature", notice.Signature,
	)
	return nil
}

// Publisher is the subset of the redis client used for notices.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes notices as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  Publisher
	channel string
}

func NewRedisNotifier(client Publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "harvester:captcha"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) OnCaptchaDetected(ctx context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notice to %s: %w", r.channel, err)
	}
	return nil
}

// FuncNotifier adapts a function, e.g. a console prompt.
type FuncNotifier func(ctx context.Context, notice Notice) error

func (f FuncNotifier) OnCaptchaDetected(ctx context.Context, notice Notice) error {
	return f(ctx, notice)
}
