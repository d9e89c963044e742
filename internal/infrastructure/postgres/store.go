package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
	"github.com/drfirst/go-rxcourse/internal/domain/assessment"
	"github.com/drfirst/go-rxcourse/internal/domain/events"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

var (
	_ assessment.Store   = (*Store)(nil)
	_ prescription.Store = (*Store)(nil)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists prescriptions and assessments in PostgreSQL. Every write
// appends its domain event to the outbox in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a store publishing outbox events to topic
func NewStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// NewPool opens a connection pool and verifies connectivity
func NewPool(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindPrescriptionByCode returns prescription.ErrNotFound for unknown codes
func (s *Store) FindPrescriptionByCode(ctx context.Context, code string) (*prescription.Prescription, error) {
	return findPrescription(ctx, s.pool, code)
}

// CreatePrescription inserts a prescription and its PrescriptionCreated event
func (s *Store) CreatePrescription(ctx context.Context, p *prescription.Prescription) error {
	ctx, span := s.tracer.Start(ctx, "create_prescription",
		trace.WithAttributes(attribute.String("prescription_code", p.Code())))
	defer span.End()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var activated *time.Time
		if d, ok := p.ActivatedDate(); ok {
			t := d.Time()
			activated = &t
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (id, code, created_at, activated_date)
			VALUES ($1, $2, $3, $4)
		`, p.ID(), p.Code(), p.CreatedAt(), activated)
		if err != nil {
			span.RecordError(err)
			return mapError("create prescription", err,
				fmt.Sprintf("code %s already in use", p.Code()))
		}

		return s.writeEvent(ctx, tx, p.ID(), p.Code(), events.EventPrescriptionCreated,
			events.PrescriptionCreatedData{
				PrescriptionID: p.ID().String(),
				Code:           p.Code(),
				CreatedAt:      p.CreatedAt(),
			})
	})
}

// ActivatePrescription stores the activation date only if none is stored yet
func (s *Store) ActivatePrescription(ctx context.Context, p *prescription.Prescription) error {
	ctx, span := s.tracer.Start(ctx, "activate_prescription",
		trace.WithAttributes(attribute.String("prescription_code", p.Code())))
	defer span.End()

	d, ok := p.ActivatedDate()
	if !ok {
		return apperr.New(apperr.CodeInvalidArgument, "activate prescription", "no activation date set")
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE prescriptions
			SET activated_date = $1
			WHERE id = $2 AND activated_date IS NULL
		`, d.Time(), p.ID())
		if err != nil {
			span.RecordError(err)
			return mapError("activate prescription", err, "")
		}
		if tag.RowsAffected() == 0 {
			return apperr.Newf(apperr.CodeInvalidState, "activate prescription",
				"prescription %s already activated", p.Code())
		}

		return s.writeEvent(ctx, tx, p.ID(), p.Code(), events.EventPrescriptionActivated,
			events.PrescriptionActivatedData{
				PrescriptionID: p.ID().String(),
				Code:           p.Code(),
				ActivatedDate:  d.String(),
			})
	})
}

// ExistsAssessment reports whether an assessment exists for the day
func (s *Store) ExistsAssessment(ctx context.Context, prescriptionID uuid.UUID, date clock.Date) (bool, error) {
	return existsAssessment(ctx, s.pool, prescriptionID, date)
}

// SaveAssessment writes the assessment and its event in a new transaction
func (s *Store) SaveAssessment(ctx context.Context, a *assessment.Assessment) error {
	return s.WithinTx(ctx, func(ctx context.Context, repo assessment.Repository) error {
		return repo.SaveAssessment(ctx, a)
	})
}

// FindAssessmentsInWeekRange returns assessments ordered by week, then date
func (s *Store) FindAssessmentsInWeekRange(ctx context.Context, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*assessment.Assessment, error) {
	ctx, span := s.tracer.Start(ctx, "find_assessments",
		trace.WithAttributes(
			attribute.Int("start_week", startWeek),
			attribute.Int("end_week", endWeek),
		))
	defer span.End()

	items, err := findAssessments(ctx, s.pool, prescriptionID, startWeek, endWeek)
	if err != nil {
		span.RecordError(err)
	}
	return items, err
}

// WithinTx runs fn in one transaction; it commits only if fn returns nil
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo assessment.Repository) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{store: s, tx: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err, "concurrent write rejected")
	}
	return nil
}

func (s *Store) writeEvent(ctx context.Context, tx pgx.Tx, id uuid.UUID, code string, eventType events.EventType, data any) error {
	evt, err := events.New(id, code, eventType, data)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	if cid := events.CorrelationIDFrom(ctx); cid != "" {
		evt.WithCorrelation(cid)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	return WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   evt.AggregateID,
		AggregateType: evt.AggregateType,
		EventType:     string(evt.EventType),
		Payload:       payload,
		KafkaTopic:    s.topic,
		KafkaKey:      code,
	})
}

// txRepo binds repository reads and writes to one transaction
type txRepo struct {
	store *Store
	tx    pgx.Tx
}

func (r *txRepo) FindPrescriptionByCode(ctx context.Context, code string) (*prescription.Prescription, error) {
	return findPrescription(ctx, r.tx, code)
}

func (r *txRepo) ExistsAssessment(ctx context.Context, prescriptionID uuid.UUID, date clock.Date) (bool, error) {
	return existsAssessment(ctx, r.tx, prescriptionID, date)
}

func (r *txRepo) FindAssessmentsInWeekRange(ctx context.Context, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*assessment.Assessment, error) {
	return findAssessments(ctx, r.tx, prescriptionID, startWeek, endWeek)
}

func (r *txRepo) SaveAssessment(ctx context.Context, a *assessment.Assessment) error {
	pains, err := json.Marshal(painsOrEmpty(a.Pains))
	if err != nil {
		return fmt.Errorf("encode pain entries: %w", err)
	}

	// savepoint so a unique violation leaves the outer transaction usable
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	_, err = sp.Exec(ctx, `
		INSERT INTO daily_assessments
			(id, prescription_id, assessment_date, week, pain_score, stress_score, function_score, pains, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.PrescriptionID, a.Date.Time(), a.Week,
		a.PainScore, a.StressScore, a.FunctionScore, pains, a.CreatedAt)
	if err != nil {
		return mapError("save assessment", err,
			fmt.Sprintf("assessment for %s on %s already recorded", a.PrescriptionCode, a.Date))
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}

	return r.store.writeEvent(ctx, r.tx, a.PrescriptionID, a.PrescriptionCode, events.EventAssessmentRecorded,
		events.AssessmentRecordedData{
			AssessmentID:   a.ID.String(),
			PrescriptionID: a.PrescriptionID.String(),
			Code:           a.PrescriptionCode,
			Date:           a.Date.String(),
			Week:           a.Week,
			PainScore:      a.PainScore,
			StressScore:    a.StressScore,
			FunctionScore:  a.FunctionScore,
			PainEntries:    len(a.Pains),
		})
}

func findPrescription(ctx context.Context, q querier, code string) (*prescription.Prescription, error) {
	var (
		id        uuid.UUID
		stored    string
		createdAt time.Time
		activated *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT id, code, created_at, activated_date
		FROM prescriptions
		WHERE code = $1
	`, code).Scan(&id, &stored, &createdAt, &activated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.ErrNotFound
		}
		return nil, fmt.Errorf("query prescription: %w", err)
	}

	var activatedDate *clock.Date
	if activated != nil {
		d := clock.DateOf(activated.UTC())
		activatedDate = &d
	}
	return prescription.Restore(id, stored, createdAt, activatedDate), nil
}

func existsAssessment(ctx context.Context, q querier, prescriptionID uuid.UUID, date clock.Date) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM daily_assessments
			WHERE prescription_id = $1 AND assessment_date = $2
		)
	`, prescriptionID, date.Time()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query assessment: %w", err)
	}
	return exists, nil
}

func findAssessments(ctx context.Context, q querier, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*assessment.Assessment, error) {
	rows, err := q.Query(ctx, `
		SELECT a.id, a.prescription_id, p.code, a.assessment_date, a.week,
		       a.pain_score, a.stress_score, a.function_score, a.pains, a.created_at
		FROM daily_assessments a
		JOIN prescriptions p ON p.id = a.prescription_id
		WHERE a.prescription_id = $1
		  AND a.week BETWEEN $2 AND $3
		ORDER BY a.week ASC, a.assessment_date ASC
	`, prescriptionID, startWeek, endWeek)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var items []*assessment.Assessment
	for rows.Next() {
		var (
			a     assessment.Assessment
			date  time.Time
			pains []byte
		)
		if err := rows.Scan(&a.ID, &a.PrescriptionID, &a.PrescriptionCode, &date, &a.Week,
			&a.PainScore, &a.StressScore, &a.FunctionScore, &pains, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		a.Date = clock.DateOf(date.UTC())
		if err := json.Unmarshal(pains, &a.Pains); err != nil {
			return nil, fmt.Errorf("decode pain entries of %s: %w", a.ID, err)
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func painsOrEmpty(p []assessment.PainEntry) []assessment.PainEntry {
	if p == nil {
		return []assessment.PainEntry{}
	}
	return p
}
