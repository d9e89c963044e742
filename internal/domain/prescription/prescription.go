// Package prescription implements the treatment course prescription aggregate.
package prescription

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxcourse/internal/clock"
	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
)

// ErrNotFound is returned by stores when no prescription has the requested code
var ErrNotFound = errors.New("prescription not found")

// Prescription is the aggregate root of a treatment course
type Prescription struct {
	id            uuid.UUID
	code          string
	createdAt     time.Time
	activatedDate *clock.Date
}

// New creates a prescription that has not been activated yet
func New(code string, createdAt time.Time) *Prescription {
	return &Prescription{
		id:        uuid.New(),
		code:      code,
		createdAt: createdAt.UTC(),
	}
}

// Restore rebuilds a prescription from stored fields
func Restore(id uuid.UUID, code string, createdAt time.Time, activatedDate *clock.Date) *Prescription {
	p := &Prescription{id: id, code: code, createdAt: createdAt}
	if activatedDate != nil {
		d := *activatedDate
		p.activatedDate = &d
	}
	return p
}

// ID returns the prescription ID
func (p *Prescription) ID() uuid.UUID { return p.id }

// Code returns the 8-character prescription code
func (p *Prescription) Code() string { return p.code }

// CreatedAt returns the creation instant
func (p *Prescription) CreatedAt() time.Time { return p.createdAt }

// ActivatedDate returns the activation date and whether one is set
func (p *Prescription) ActivatedDate() (clock.Date, bool) {
	if p.activatedDate == nil {
		return clock.Date{}, false
	}
	return *p.activatedDate, true
}

// IsActivated reports whether the course has started
func (p *Prescription) IsActivated() bool { return p.activatedDate != nil }

// Activate starts the course on the given date. Activation happens once and
// only while the prescription is still waiting.
func (p *Prescription) Activate(on clock.Date, cal clock.Calendar) error {
	if p.activatedDate != nil {
		return apperr.Newf(apperr.CodeInvalidState, "activate prescription",
			"prescription %s already activated on %s", p.code, p.activatedDate)
	}
	if status := p.StatusOn(on, cal); status != StatusWaiting {
		return apperr.Newf(apperr.CodeInvalidState, "activate prescription",
			"prescription %s cannot be activated while %s", p.code, status)
	}
	d := on
	p.activatedDate = &d
	return nil
}
