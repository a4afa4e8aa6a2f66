package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/logger"
)

// Handler processes one consumed record. Returning an error only logs —
// the consumer group always commits after a poll batch, matching the
// reference codebase's at-least-once, idempotent-handler assumption (I3).
type Handler func(ctx context.Context, topic string, key, value []byte) error

// Consumer is a Kafka consumer-group subscriber, grounded on
// payment_success_consumer.go's PollFetches/EachRecord/manual-commit loop.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// ConsumerConfig configures a consumer-group subscription.
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	ClientID         string
	Topics           []string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
}

// NewConsumer dials the cluster as a member of GroupID, subscribed to Topics.
func NewConsumer(ctx context.Context, cfg *ConsumerConfig, handler Handler) (*Consumer, error) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.RebalanceTimeout == 0 {
		cfg.RebalanceTimeout = 60 * time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.RebalanceTimeout),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	return &Consumer{
		client:  client,
		handler: handler,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
// Every record is handled synchronously within the poll before the batch
// is committed — records for one requestId may land on different
// partitions, but each leg's handler is independently idempotent (I3).
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Get()
	log.Info("broker consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fetchErr := range errs {
				log.Error("broker fetch error", "topic", fetchErr.Topic, "partition", fetchErr.Partition, "error", fetchErr.Err)
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			if err := c.handler(ctx, record.Topic, record.Key, record.Value); err != nil {
				log.Error("broker handler failed", "topic", record.Topic, "error", err)
			}
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			log.Error("broker failed to commit offsets", "error", err)
		}
	}
}

// Stop terminates the poll loop and closes the underlying client.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.client.Close()
}
