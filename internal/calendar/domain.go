package calendar

import (
	"errors"
	"sort"
	"time"
)

// YearStatus enumerates fiscal year lifecycle states.
type YearStatus string

const (
	YearDraft    YearStatus = "draft"
	YearActive   YearStatus = "active"
	YearLocked   YearStatus = "locked"
	YearArchived YearStatus = "archived"
)

// PeriodType classifies a period.
type PeriodType string

const (
	PeriodMonth   PeriodType = "month"
	PeriodQuarter PeriodType = "quarter"
	PeriodCustom  PeriodType = "custom"
)

// PeriodStatus mirrors shared.PeriodStatus* values.
type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "open"
	PeriodClosed PeriodStatus = "closed"
	PeriodLocked PeriodStatus = "locked"
)

// FiscalYear is the top-level reporting window.
type FiscalYear struct {
	ID        int64
	Code      string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Status    YearStatus
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period is a reporting window inside a fiscal year. Periods nest through ParentID.
type Period struct {
	ID           int64
	FiscalYearID int64
	Code         string
	Name         string
	Type         PeriodType
	StartDate    time.Time
	EndDate      time.Time
	Status       PeriodStatus
	ParentID     *int64
	ClosedAt     *time.Time
	LockedBy     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contains reports whether date falls inside the period, inclusive.
func (p Period) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(p.StartDate) && !d.After(p.EndDate)
}

// CreateYearInput describes a new fiscal year.
type CreateYearInput struct {
	Code      string    `validate:"required,max=32"`
	Name      string    `validate:"required"`
	StartDate time.Time `validate:"required"`
	EndDate   time.Time `validate:"required"`
	Actor     string    `validate:"required"`
}

// CreatePeriodInput describes a new period.
type CreatePeriodInput struct {
	FiscalYearID int64      `validate:"required"`
	Code         string     `validate:"required,max=32"`
	Name         string     `validate:"required"`
	Type         PeriodType `validate:"required,oneof=month quarter custom"`
	StartDate    time.Time  `validate:"required"`
	EndDate      time.Time  `validate:"required"`
	ParentID     *int64
	Actor        string `validate:"required"`
}

// TransitionPeriodInput moves a period between statuses.
type TransitionPeriodInput struct {
	PeriodID int64        `validate:"required"`
	Status   PeriodStatus `validate:"required,oneof=open closed locked"`
	Actor    string       `validate:"required"`
	Override bool
}

// TransitionYearInput moves a fiscal year between statuses.
type TransitionYearInput struct {
	FiscalYearID int64      `validate:"required"`
	Status       YearStatus `validate:"required,oneof=draft active locked archived"`
	Actor        string     `validate:"required"`
	Override     bool
}

var (
	ErrNotFound          = errors.New("calendar: not found")
	ErrInvalidInput      = errors.New("calendar: invalid input")
	ErrDuplicateCode     = errors.New("calendar: duplicate code")
	ErrRangeViolation    = errors.New("calendar: date range violation")
	ErrYearClosed        = errors.New("calendar: fiscal year locked or archived")
	ErrInvalidTransition = errors.New("calendar: invalid status transition")
	ErrPostingInProgress = errors.New("calendar: journal batches in flight on period")
	ErrIncompletePeriods = errors.New("calendar: periods still open")
)

// validateYearTransition encodes draft→active→locked→archived with an audited
// locked→active unlock.
func validateYearTransition(current, target YearStatus, override bool) error {
	switch {
	case current == YearDraft && target == YearActive,
		current == YearActive && target == YearLocked,
		current == YearLocked && target == YearArchived:
		return nil
	case current == YearLocked && target == YearActive && override:
		return nil
	}
	return ErrInvalidTransition
}

// Rollup returns rootID plus the ids of every descendant among periods, ordered.
func Rollup(periods []Period, rootID int64) []int64 {
	children := make(map[int64][]int64)
	for _, p := range periods {
		if p.ParentID != nil {
			children[*p.ParentID] = append(children[*p.ParentID], p.ID)
		}
	}
	out := []int64{rootID}
	seen := map[int64]bool{rootID: true}
	queue := []int64{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
