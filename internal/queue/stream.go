package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const EventBatchRequested = "batch.requested"

// StreamClient is the part of the Redis client the intake needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
}

// StreamIntake moves batch requests published on a Redis stream into a
// Queue. Messages carry event_type and a JSON payload.
type StreamIntake struct {
	client StreamClient
	queue  Queue
	cfg    StreamConfig
	logger *slog.Logger
}

func NewStreamIntake(client StreamClient, q Queue, cfg StreamConfig, logger *slog.Logger) *StreamIntake {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Group == "" {
		cfg.Group = "harvester"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "harvester-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &StreamIntake{
		client: client,
		queue:  q,
		cfg:    cfg,
		logger: logger.With("component", "stream_intake", "stream", cfg.Stream),
	}
}

// Run reads until ctx is done or the queue closes.
func (s *StreamIntake) Run(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.logger.Info("stream intake started", "group", s.cfg.Group)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    10,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to read from stream", "error", err)
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := s.handle(msg); err != nil {
					if errors.Is(err, ErrQueueClosed) {
						return nil
					}
					s.logger.Warn("dropping batch request", "message_id", msg.ID, "error", err)
				}

				if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err(); err != nil {
					s.logger.Error("failed to acknowledge message", "message_id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (s *StreamIntake) handle(msg redis.XMessage) error {
	if eventType, _ := msg.Values["event_type"].(string); eventType != EventBatchRequested {
		return nil
	}

	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return errors.New("missing payload")
	}

	var req BatchRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.queue.Push(&req); err != nil {
		return err
	}
	s.logger.Info("batch request queued", "message_id", msg.ID, "batch_id", req.ID)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
