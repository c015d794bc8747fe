// Package kafka publishes access grants to the topic the policy engine and
// group-membership consumers read.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"visabroker/internal/access"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher implements access.Syncer on a Kafka topic. Records are keyed by
// username so per-user grant updates stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects to the brokers and ensures the grant topic exists.
func NewPublisher(ctx context.Context, brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	// Best-effort topic bootstrap; brokers may also auto-create.
	adm := kadm.NewClient(client)
	if _, err := adm.CreateTopic(ctx, 1, 1, nil, topic); err != nil {
		logger.DebugContext(ctx, "grant topic create skipped", "topic", topic, "reason", err)
	}

	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// SyncAccess publishes one user's complete recomputed grant set.
func (p *Publisher) SyncAccess(ctx context.Context, grant *access.Grant) error {
	payload, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(grant.Username),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish grant for %s: %w", grant.Username, err)
	}
	p.logger.DebugContext(ctx, "published access grant", "user", grant.Username, "projects", len(grant.Projects))
	return nil
}

// Close flushes and releases the Kafka client.
func (p *Publisher) Close() {
	p.client.Close()
}
