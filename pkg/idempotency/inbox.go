// Package idempotency provides the Inbox pattern for exactly-once message
// processing. Consumers key entries by the event ID they are handling.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage means the key already finished
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress means another consumer holds a fresh claim on the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the handler failed terminally on an earlier delivery
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long finished keys are remembered
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED claim is considered abandoned
	RecoveryTimeout time.Duration
	// IsTerminal marks handler errors that must not be retried; nil treats
	// every error as recoverable
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns the inbox defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ProcessResult describes a handler run that went through the inbox
type ProcessResult struct {
	// Attempt is 1 on first delivery and counts up on redelivery
	Attempt int
	Result  json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox records which keys were handled so redelivered messages are skipped
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once
	running bool
}

// NewInbox creates an inbox on the inbox table
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		done:   make(chan struct{}),
	}
}

// claimSQL takes the key for this delivery. It inserts a new entry, or
// re-takes one that failed recoverably or whose claim went stale. No row
// comes back when the key is finished, failed, or freshly claimed.
const claimSQL = `
	INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
	VALUES ($1, $2, 'STARTED', $3, NOW() + make_interval(secs => $4))
	ON CONFLICT (idempotency_key) DO UPDATE
	SET status = 'STARTED',
	    attempts = inbox.attempts + 1,
	    updated_at = NOW()
	WHERE inbox.status = 'RECOVERABLE'
	   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
	RETURNING attempts
`

// Process runs fn unless key was already handled
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	var attempt int
	err := i.pool.QueryRow(ctx, claimSQL,
		key, handlerName, payload,
		i.config.DefaultTTL.Seconds(), i.config.RecoveryTimeout.Seconds(),
	).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, i.unclaimable(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("claim inbox key %s: %w", key, err)
	}
	span.SetAttributes(attribute.Int("attempt", attempt))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		span.RecordError(handlerErr)
		status := StatusRecoverable
		if i.config.IsTerminal != nil && i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.finish(ctx, key, status, nil, handlerErr.Error()); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	// the handler succeeded; a lost status update only means one redelivery
	if err := i.finish(ctx, key, StatusFinished, result, ""); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Attempt: attempt, Result: result}, nil
}

// unclaimable explains why a key could not be claimed
func (i *Inbox) unclaimable(ctx context.Context, key string) error {
	var status Status
	err := i.pool.QueryRow(ctx, `SELECT status FROM inbox WHERE idempotency_key = $1`, key).Scan(&status)
	if err != nil {
		return fmt.Errorf("read inbox key %s: %w", key, err)
	}
	switch status {
	case StatusFinished:
		return ErrDuplicateMessage
	case StatusFailed:
		return fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	default:
		return ErrMessageInProgress
	}
}

func (i *Inbox) finish(ctx context.Context, key string, status Status, result json.RawMessage, lastErr string) error {
	var errText *string
	if lastErr != "" {
		errText = &lastErr
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $2, result = $3, last_error = $4, updated_at = NOW()
		WHERE idempotency_key = $1
	`, key, status, result, errText)
	return err
}

// StartCleanup deletes expired entries every CleanupInterval until Stop
func (i *Inbox) StartCleanup() {
	i.started.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		i.cancel = cancel
		i.running = true
		go i.cleanupLoop(ctx)
		i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
	})
}

// Stop ends the cleanup loop. Call it from the goroutine that started it.
func (i *Inbox) Stop() {
	if !i.running {
		return
	}
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := i.DeleteExpired(ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// DeleteExpired removes settled entries past their expiry. Claims in
// progress are kept whatever their age.
func (i *Inbox) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		DELETE FROM inbox
		WHERE expires_at < NOW() AND status <> 'STARTED'
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InboxStats counts entries per status
type InboxStats map[Status]int64

// GetStats returns the number of entries in each status
func (i *Inbox) GetStats(ctx context.Context) (InboxStats, error) {
	rows, err := i.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query inbox stats: %w", err)
	}
	stats := InboxStats{}
	for rows.Next() {
		var (
			status Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats[status] = n
	}
	rows.Close()
	return stats, rows.Err()
}
