package scenario

import (
	"errors"
	"time"
)

// Type classifies a scenario.
type Type string

const (
	TypeActual   Type = "actual"
	TypeBudget   Type = "budget"
	TypeForecast Type = "forecast"
	TypeWhatIf   Type = "what_if"
	TypeStress   Type = "stress"
	TypeCustom   Type = "custom"
)

// Status enumerates the scenario lifecycle.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusFinal    Status = "final"
	StatusArchived Status = "archived"
	StatusLocked   Status = "locked"
)

// Scenario is a named version of financial data inside a fiscal year.
type Scenario struct {
	ID           int64
	FiscalYearID int64
	Code         string
	Name         string
	Type         Type
	Status       Status
	ParentID     *int64
	Revision     int
	IsBaseline   bool
	Description  string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateInput describes a new scenario.
type CreateInput struct {
	FiscalYearID int64  `validate:"required"`
	Code         string `validate:"required,max=32"`
	Name         string `validate:"required"`
	Type         Type   `validate:"required,oneof=actual budget forecast what_if stress custom"`
	ParentID     *int64
	Description  string
	Actor        string `validate:"required"`
}

// CloneInput copies a scenario and its data.
type CloneInput struct {
	SourceID int64  `validate:"required"`
	NewCode  string `validate:"required,max=32"`
	Name     string
	Actor    string `validate:"required"`
}

// TransitionInput moves a scenario to a new status.
type TransitionInput struct {
	ScenarioID int64  `validate:"required"`
	Status     Status `validate:"required,oneof=draft active final archived locked"`
	Actor      string `validate:"required"`
	Override   bool
}

var transitions = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusLocked, StatusArchived},
	StatusActive: {StatusFinal, StatusLocked, StatusArchived},
	StatusFinal:  {StatusArchived, StatusLocked},
}

// CanTransition reports whether current may move to target. Leaving locked is an
// administrator unlock back to final.
func CanTransition(current, target Status, override bool) bool {
	if current == StatusLocked {
		return target == StatusFinal && override
	}
	for _, allowed := range transitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("scenario: not found")
	ErrInvalidInput      = errors.New("scenario: invalid input")
	ErrDuplicateCode     = errors.New("scenario: duplicate code")
	ErrInvalidTransition = errors.New("scenario: invalid status transition")
	ErrCloneIncomplete   = errors.New("scenario: clone incomplete")
	ErrArchived          = errors.New("scenario: archived")
)
