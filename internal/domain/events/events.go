// Package events defines the domain change events written to the outbox.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPrescriptionActivated EventType = "PrescriptionActivated"
	EventAssessmentRecorded    EventType = "AssessmentRecorded"
)

// AggregateTypePrescription is the only aggregate emitting events
const AggregateTypePrescription = "Prescription"

// Event represents a domain event
type Event struct {
	ID               string          `json:"id"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	PrescriptionCode string          `json:"prescription_code"`
	EventType        EventType       `json:"event_type"`
	EventData        json.RawMessage `json:"event_data"`
	Timestamp        time.Time       `json:"timestamp"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
}

// New creates an event for the prescription identified by id and code
func New(prescriptionID uuid.UUID, code string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:               uuid.New().String(),
		AggregateID:      prescriptionID.String(),
		AggregateType:    AggregateTypePrescription,
		PrescriptionCode: code,
		EventType:        eventType,
		EventData:        eventData,
		Timestamp:        time.Now().UTC(),
	}, nil
}

// Decode parses an event envelope
func Decode(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

type correlationKey struct{}

// ContextWithCorrelationID stores the ID that events created under ctx carry
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation ID stored in ctx, if any
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelation sets the correlation ID, usually the HTTP request ID
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescriptionCreatedData contains prescription creation details
type PrescriptionCreatedData struct {
	PrescriptionID string    `json:"prescription_id"`
	Code           string    `json:"code"`
	CreatedAt      time.Time `json:"created_at"`
}

// PrescriptionActivatedData contains activation details
type PrescriptionActivatedData struct {
	PrescriptionID string `json:"prescription_id"`
	Code           string `json:"code"`
	ActivatedDate  string `json:"activated_date"`
}

// AssessmentRecordedData contains the recorded assessment summary
type AssessmentRecordedData struct {
	AssessmentID   string `json:"assessment_id"`
	PrescriptionID string `json:"prescription_id"`
	Code           string `json:"code"`
	Date           string `json:"date"`
	Week           int    `json:"week"`
	PainScore      int    `json:"pain_score"`
	StressScore    int    `json:"stress_score"`
	FunctionScore  int    `json:"function_score"`
	PainEntries    int    `json:"pain_entries"`
}
