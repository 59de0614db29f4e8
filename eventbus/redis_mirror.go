package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror copies bus events onto a Redis stream for consumers in other
// processes. Attached as a wildcard subscriber, a failed XADD is a failed
// delivery, so reliable events surface it to their publisher.
type RedisMirror struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror creates a mirror writing to stream, trimmed to roughly maxLen entries.
func NewRedisMirror(client redis.UniversalClient, stream string, maxLen int64, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stream == "" {
		stream = "taskcore:events"
	}
	return &RedisMirror{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With(zap.String("component", "redis_mirror")),
	}
}

// Attach subscribes the mirror to every event on bus.
func (m *RedisMirror) Attach(bus Bus) string {
	return bus.SubscribeAll(m.Handle)
}

// Handle appends event to the stream.
func (m *RedisMirror) Handle(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: m.stream,
		Values: map[string]any{
			"id":          event.ID,
			"type":        string(event.Type),
			"correlation": event.CorrelationID,
			"event":       data,
		},
	}
	if m.maxLen > 0 {
		args.MaxLen = m.maxLen
		args.Approx = true
	}
	if err := m.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", m.stream, err)
	}
	return nil
}

// Read returns up to count events after lastID ("-" or "" for the beginning)
// and the stream id of the last entry read.
func (m *RedisMirror) Read(ctx context.Context, lastID string, count int64) ([]Event, string, error) {
	start := "-"
	if lastID != "" && lastID != "-" {
		start = lastID
		count++
	}
	msgs, err := m.client.XRangeN(ctx, m.stream, start, "+", count).Result()
	if err != nil {
		return nil, lastID, fmt.Errorf("xrange %s: %w", m.stream, err)
	}

	events := make([]Event, 0, len(msgs))
	next := lastID
	for _, msg := range msgs {
		if msg.ID == lastID {
			continue
		}
		next = msg.ID
		raw, ok := msg.Values["event"].(string)
		if !ok {
			m.logger.Warn("skipping malformed stream entry", zap.String("stream_id", msg.ID))
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			m.logger.Warn("skipping undecodable stream entry", zap.String("stream_id", msg.ID), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, next, nil
}
