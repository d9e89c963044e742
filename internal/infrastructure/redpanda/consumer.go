package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxPollRecords caps the records handled between two commits
	MaxPollRecords int
	// StartAtLatest makes a new group skip the existing backlog
	StartAtLatest bool
}

// DefaultConsumerConfig returns consumer defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    500,
	}
}

// MessageHandler handles one record. Records of a partition are handled in
// order; partitions run concurrently.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by a handler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func messageOf(r *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// Consumer reads a consumer group and commits offsets after each poll
type Consumer struct {
	client  *kgo.Client
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	read       atomic.Int64
	errs       atomic.Int64
	lastCommit atomic.Int64
}

// NewConsumer creates a consumer; Start begins polling
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartAtLatest {
		reset = kgo.NewOffset().AtEnd()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start begins consuming in the background
func (c *Consumer) Start() {
	go c.loop()
}

// Stop waits for the in-flight poll, commits and closes the client
func (c *Consumer) Stop() {
	c.cancel()
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("commit on stop failed", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) loop() {
	defer close(c.done)

	for {
		fetches := c.client.PollRecords(c.ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.errs.Add(1)
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func(records []*kgo.Record) {
				defer wg.Done()
				for _, r := range records {
					c.handle(r)
				}
			}(p.Records)
		})
		wg.Wait()

		c.commit()
		c.client.AllowRebalance()
	}
}

func (c *Consumer) commit() {
	err := c.client.CommitMarkedOffsets(c.ctx)
	switch {
	case err == nil:
		c.lastCommit.Store(time.Now().UnixNano())
	case c.ctx.Err() == nil:
		c.logger.Error("failed to commit offsets", zap.Error(err))
	}
}

// handle runs the handler for one record and marks it for commit whatever
// the outcome; failures are counted and logged.
func (c *Consumer) handle(r *kgo.Record) {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, r), "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", r.Topic),
			attribute.Int64("partition", int64(r.Partition)),
			attribute.Int64("offset", r.Offset),
		))
	defer span.End()
	defer c.client.MarkCommitRecords(r)

	if err := c.handler(ctx, messageOf(r)); err != nil {
		c.errs.Add(1)
		span.RecordError(err)
		c.logger.Error("message handler failed",
			zap.String("topic", r.Topic),
			zap.String("key", string(r.Key)),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return
	}
	c.read.Add(1)
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

// Stats returns a snapshot of the counters
func (c *Consumer) Stats() ConsumerStats {
	stats := ConsumerStats{
		MessagesRead: c.read.Load(),
		ErrorCount:   c.errs.Load(),
	}
	if ns := c.lastCommit.Load(); ns > 0 {
		stats.LastCommitTime = time.Unix(0, ns)
	}
	return stats
}
