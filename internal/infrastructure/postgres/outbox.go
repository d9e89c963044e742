package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID is the advisory lock a relay holds while it drains a batch
const relayLockID int64 = 0x72786f7574626f78

// OutboxEntry is one row of the outbox table
type OutboxEntry struct {
	ID            int64           `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	KafkaTopic    string          `db:"kafka_topic"`
	KafkaKey      string          `db:"kafka_key"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	RetryCount    int             `db:"retry_count"`
	LastError     *string         `db:"last_error"`
}

const entryColumns = `id, aggregate_id, aggregate_type, event_type, payload,
	kafka_topic, kafka_key, created_at, processed_at, retry_count, last_error`

// WriteEntry appends entry to the outbox inside the caller's transaction,
// filling in its ID and creation time
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

func queryEntries(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEntry])
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the most entries published per transaction
	BatchSize int
	// PollInterval is the pause between polls of an idle outbox
	PollInterval time.Duration
	// MaxRetries is how many failed publishes an entry gets before it is
	// dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    100 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "assessment.events.dlq",
	}
}

// Publisher sends one keyed record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay publishes committed outbox entries in id order
type Relay struct {
	pool      *pgxpool.Pool
	cfg       RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay; Start begins polling
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:      pool,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		done:      make(chan struct{}),
	}
}

// Start polls in the background until Stop
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	r.logger.Info("outbox relay polling",
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Duration("poll_interval", r.cfg.PollInterval))
}

// Stop waits for the batch in flight
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := r.RelayBatch(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox batch failed", zap.Error(err))
		}
		// a full batch means more is likely waiting
		if n == r.cfg.BatchSize {
			timer.Reset(0)
		} else {
			timer.Reset(r.cfg.PollInterval)
		}
	}
}

// RelayBatch publishes up to BatchSize pending entries and returns how many
// were attempted. It does nothing while another relay holds the lock.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("relay lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	entries, err := queryEntries(ctx, tx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, r.cfg.MaxRetries, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("load pending entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, e := range entries {
		if err := r.relay(ctx, tx, e); err != nil {
			r.logger.Warn("outbox entry not published",
				zap.Int64("id", e.ID),
				zap.String("event_type", e.EventType),
				zap.String("key", e.KafkaKey),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return len(entries), fmt.Errorf("commit relay batch: %w", err)
	}
	return len(entries), nil
}

// relay publishes one entry and records the result in tx
func (r *Relay) relay(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_type", e.EventType),
			attribute.String("prescription_code", e.KafkaKey),
		))
	defer span.End()

	pubErr := r.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload)
	if pubErr != nil {
		span.RecordError(pubErr)
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
			WHERE id = $1
		`, e.ID, pubErr.Error()); err != nil {
			r.logger.Error("failed to record publish failure", zap.Int64("id", e.ID), zap.Error(err))
		}
		return pubErr
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark entry %d processed: %w", e.ID, err)
	}
	return nil
}

// DeadLetter is the record published for an entry that exhausted its retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func deadLetterOf(e *OutboxEntry) DeadLetter {
	return DeadLetter{
		OriginalTopic: e.KafkaTopic,
		EventType:     e.EventType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		RetryCount:    e.RetryCount,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
	}
}

// MoveToDeadLetter publishes exhausted entries to the dead-letter topic and
// marks them processed. Entries whose dead letter could not be published
// stay in place for the next run.
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	exhausted, err := queryEntries(ctx, tx, `
		SELECT `+entryColumns+`
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		FOR UPDATE SKIP LOCKED
	`, r.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("load exhausted entries: %w", err)
	}

	moved := make([]int64, 0, len(exhausted))
	for _, e := range exhausted {
		body, err := json.Marshal(deadLetterOf(e))
		if err != nil {
			r.logger.Error("failed to encode dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := r.publisher.Publish(ctx, r.cfg.DeadLetterTopic, e.KafkaKey, body); err != nil {
			r.logger.Error("failed to publish dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		moved = append(moved, e.ID)
	}
	if len(moved) == 0 {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`, moved)
	if err != nil {
		return 0, fmt.Errorf("mark dead letters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupProcessed deletes entries processed more than olderThan ago
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox backlog
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats counts pending and exhausted entries and those processed in the
// last day
func (r *Relay) GetStats(ctx context.Context) (*OutboxStats, error) {
	var s OutboxStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, r.cfg.MaxRetries).Scan(&s.Pending, &s.Processed, &s.Failed, &s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("query outbox stats: %w", err)
	}
	return &s, nil
}
