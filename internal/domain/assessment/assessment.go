// Package assessment records daily self-reported assessments against a
// treatment course and aggregates them into weekly trends.
package assessment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/prescription"
)

// Score and entry limits
const (
	MinScore       = 0
	MaxScore       = 10
	MaxPainEntries = 6
)

// Location is a body region where pain can be reported
type Location string

const (
	LocationLeftJaw     Location = "LEFT_JAW"
	LocationRightJaw    Location = "RIGHT_JAW"
	LocationLeftTemple  Location = "LEFT_TEMPLE"
	LocationRightTemple Location = "RIGHT_TEMPLE"
	LocationNeck        Location = "NECK"
	LocationChin        Location = "CHIN"
)

// Locations lists every location in declaration order
var Locations = []Location{
	LocationLeftJaw,
	LocationRightJaw,
	LocationLeftTemple,
	LocationRightTemple,
	LocationNeck,
	LocationChin,
}

// Valid reports whether l is one of the known locations
func (l Location) Valid() bool {
	return l.index() >= 0
}

func (l Location) index() int {
	for i, known := range Locations {
		if l == known {
			return i
		}
	}
	return -1
}

// PainEntry is one reported pain site
type PainEntry struct {
	Location  Location `json:"location"`
	Intensity int      `json:"intensity"`
	Note      string   `json:"note,omitempty"`
}

// Assessment is one day's self-report. Its pain entries are owned by it and
// are stored and removed together with it.
type Assessment struct {
	ID               uuid.UUID
	PrescriptionID   uuid.UUID
	PrescriptionCode string
	Date             clock.Date
	Week             int
	PainScore        int
	StressScore      int
	FunctionScore    int
	Pains            []PainEntry
	CreatedAt        time.Time
}

// Repository is the persistence port used by the service
type Repository interface {
	FindPrescriptionByCode(ctx context.Context, code string) (*prescription.Prescription, error)
	ExistsAssessment(ctx context.Context, prescriptionID uuid.UUID, date clock.Date) (bool, error)
	// SaveAssessment writes the assessment and its pain entries atomically and
	// fails with a conflict error if (prescription, date) is already taken.
	SaveAssessment(ctx context.Context, a *Assessment) error
	// FindAssessmentsInWeekRange returns assessments ordered by week, then date.
	FindAssessmentsInWeekRange(ctx context.Context, prescriptionID uuid.UUID, startWeek, endWeek int) ([]*Assessment, error)
}

// Store is a Repository that can run a unit of work in one transaction
type Store interface {
	Repository
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
