package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndDecode(t *testing.T) {
	id := uuid.New()
	evt, err := New(id, "ABCD1234", EventAssessmentRecorded, AssessmentRecordedData{
		AssessmentID: uuid.NewString(),
		Code:         "ABCD1234",
		Date:         "2024-06-14",
		Week:         2,
		PainEntries:  2,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(evt.WithCorrelation("req-42"))
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, id.String(), got.AggregateID)
	assert.Equal(t, AggregateTypePrescription, got.AggregateType)
	assert.Equal(t, "ABCD1234", got.PrescriptionCode)
	assert.Equal(t, EventAssessmentRecorded, got.EventType)
	assert.Equal(t, "req-42", got.CorrelationID)

	var data AssessmentRecordedData
	require.NoError(t, json.Unmarshal(got.EventData, &data))
	assert.Equal(t, 2, data.Week)
}

func TestEventIDsAreUnique(t *testing.T) {
	a, err := New(uuid.New(), "ABCD1234", EventPrescriptionCreated, nil)
	require.NoError(t, err)
	b, err := New(uuid.New(), "ABCD1234", EventPrescriptionCreated, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{"))
	assert.Error(t, err)
}

func TestCorrelationContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationIDFrom(ctx))
	assert.Equal(t, "req-1", CorrelationIDFrom(ContextWithCorrelationID(ctx, "req-1")))
}
