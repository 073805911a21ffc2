package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Mirror publishes audit entries to a Kafka topic keyed by user so
// downstream consumers see each user's entries in order. Publication is
// fire-and-forget; the store remains the source of truth.
type Mirror struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewMirror connects to the brokers and ensures the topic exists.
func NewMirror(brokers []string, topic string, logger *slog.Logger) (*Mirror, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admin := kadm.NewClient(client)
	resp, err := admin.CreateTopic(ctx, 3, 1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create audit topic %q: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("create audit topic %q: %w", topic, resp.Err)
	}

	return &Mirror{client: client, topic: topic, logger: logger}, nil
}

type mirroredEntry struct {
	EntryID    int64          `json:"entry_id"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Subject    string         `json:"subject"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// Publish produces the entry asynchronously. Failures are logged, never
// propagated; the persisted log is already durable.
func (m *Mirror) Publish(ctx context.Context, entry Entry) {
	payload, err := json.Marshal(mirroredEntry{
		EntryID:    entry.EntryID,
		UserID:     entry.UserID.String(),
		OccurredAt: entry.OccurredAt,
		Actor:      string(entry.Actor),
		Action:     string(entry.Action),
		Subject:    entry.Subject.String(),
		Before:     entry.Before,
		After:      entry.After,
		Notes:      entry.Notes,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "audit mirror marshal failed", "error", err)
		return
	}

	record := &kgo.Record{
		Topic: m.topic,
		Key:   []byte(entry.UserID.String()),
		Value: payload,
	}
	m.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			m.logger.Warn("audit mirror produce failed",
				"user_id", entry.UserID.String(),
				"entry_id", entry.EntryID,
				"error", err,
			)
		}
	})
}

// Close flushes pending records and releases the client.
func (m *Mirror) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.client.Flush(ctx)
	m.client.Close()
}
