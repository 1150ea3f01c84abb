package journal

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the batch lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusPosted    Status = "posted"
	StatusReversed  Status = "reversed"
)

// Type classifies why a batch exists.
type Type string

const (
	TypeManual     Type = "manual"
	TypeAdjustment Type = "adjustment"
	TypeCorrection Type = "correction"
	TypeAccrual    Type = "accrual"
	TypeRecurring  Type = "recurring"
)

// Batch groups balanced journal lines that post together.
type Batch struct {
	ID              int64
	Number          string
	Reference       uuid.UUID
	PeriodID        int64
	ScenarioID      int64
	EntityID        *int64
	Category        string
	JournalType     Type
	Description     string
	Status          Status
	TotalDebits     decimal.Decimal
	TotalCredits    decimal.Decimal
	IsBalanced      bool
	TemplateID      *int64
	AutoReverseDate *time.Time
	ReversalOf      *int64
	ReversedBy      *int64
	CreatedBy       string
	SubmittedBy     string
	SubmittedAt     *time.Time
	ApprovedBy      string
	ApprovedAt      *time.Time
	PostedBy        string
	PostedAt        *time.Time
	ReversedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Line is one debit and/or credit movement inside a batch.
type Line struct {
	ID              int64
	BatchID         int64
	LineNumber      int
	TransactionDate time.Time
	PeriodCode      string
	EntityID        int64
	DebitAccountID  *int64
	CreditAccountID *int64
	Amount          decimal.Decimal
	Currency        string
	ExchangeRate    decimal.Decimal
	BaseAmount      decimal.Decimal
	FromEntityID    *int64
	ToEntityID      *int64
	Description     string
}

// Period is the calendar view the journal needs for posting checks.
type Period struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	Status    string
}

// CurrencyUsage counts the lines of a period entered in one currency during
// one calendar month. Rates are resolved per month, so coverage checks work
// on this grain.
type CurrencyUsage struct {
	Month    time.Time
	Currency string
	Lines    int
}

// Locked reports whether the period rejects postings.
func (p Period) Locked() bool {
	return p.Status == "locked"
}

// Closed reports whether the period has been soft-closed. Drafts may still be
// edited and submitted, but nothing posts into it until it is reopened.
func (p Period) Closed() bool {
	return p.Status == "closed"
}

// Contains reports whether date falls inside the period, inclusive.
func (p Period) Contains(date time.Time) bool {
	y, m, d := date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return !day.Before(p.StartDate) && !day.After(p.EndDate)
}

// CreateBatchInput describes a new draft batch.
type CreateBatchInput struct {
	PeriodID        int64  `validate:"required"`
	ScenarioID      int64  `validate:"required"`
	EntityID        *int64 `validate:"omitempty,gt=0"`
	Category        string `validate:"max=64"`
	JournalType     Type   `validate:"required,oneof=manual adjustment correction accrual recurring"`
	Description     string `validate:"max=500"`
	TemplateID      *int64
	AutoReverseDate *time.Time
	Actor           string `validate:"required"`
}

// LineInput describes a line edit. A nil ExchangeRate is resolved from FX quotes
// for foreign currencies.
type LineInput struct {
	TransactionDate time.Time
	EntityID        int64
	DebitAccountID  *int64
	CreditAccountID *int64
	Amount          decimal.Decimal
	Currency        string
	ExchangeRate    *decimal.Decimal
	FromEntityID    *int64
	ToEntityID      *int64
	Description     string
}

// ReverseInput reverses a posted batch. Date moves the mirror batch into the
// period containing it; zero keeps the original period.
type ReverseInput struct {
	BatchID int64  `validate:"required"`
	Actor   string `validate:"required"`
	Reason  string
	Date    *time.Time
}

// ListFilter narrows List.
type ListFilter struct {
	PeriodID   int64
	ScenarioID int64
	Status     Status
	Limit      int
	Offset     int
}

// ApprovalRule decides how many distinct approvers a batch needs.
type ApprovalRule struct {
	ID                int64
	Name              string
	MinAmount         decimal.Decimal
	Category          string
	EntityID          *int64
	JournalType       Type
	RequiredApprovers int
	Active            bool
}

// Recurrence schedules template generation.
type Recurrence string

const (
	RecurrenceNone      Recurrence = "none"
	RecurrenceMonthly   Recurrence = "monthly"
	RecurrenceQuarterly Recurrence = "quarterly"
	RecurrenceYearly    Recurrence = "yearly"
)

// Next advances from by one recurrence interval.
func (r Recurrence) Next(from time.Time) (time.Time, bool) {
	switch r {
	case RecurrenceMonthly:
		return from.AddDate(0, 1, 0), true
	case RecurrenceQuarterly:
		return from.AddDate(0, 3, 0), true
	case RecurrenceYearly:
		return from.AddDate(1, 0, 0), true
	}
	return time.Time{}, false
}

// Template is a reusable batch definition.
type Template struct {
	ID          int64
	Name        string
	Category    string
	JournalType Type
	Description string
	ScenarioID  int64
	EntityID    *int64
	Lines       []TemplateLine
	Recurrence  Recurrence
	NextRunDate *time.Time
	Active      bool
}

// TemplateLine is a line blueprint.
type TemplateLine struct {
	EntityID        int64           `json:"entity_id"`
	DebitAccountID  *int64          `json:"debit_account_id,omitempty"`
	CreditAccountID *int64          `json:"credit_account_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description,omitempty"`
}

// GenerateInput instantiates a template into a draft batch.
type GenerateInput struct {
	TemplateID      int64     `validate:"required"`
	PeriodID        int64     `validate:"required"`
	ScenarioID      int64
	TransactionDate time.Time `validate:"required"`
	Actor           string    `validate:"required"`
	// Advance moves a recurring template's next run date forward.
	Advance bool
}

var (
	ErrNotFound          = errors.New("journal: not found")
	ErrInvalidInput      = errors.New("journal: invalid input")
	ErrInvalidLine       = errors.New("journal: invalid line")
	ErrInvalidCurrency   = errors.New("journal: invalid currency")
	ErrRateUnavailable   = errors.New("journal: exchange rate unavailable")
	ErrDateOutOfRange    = errors.New("journal: transaction date outside period")
	ErrPeriodLocked      = errors.New("journal: period locked")
	ErrPeriodClosed      = errors.New("journal: period closed")
	ErrInvalidTransition = errors.New("journal: invalid status transition")
	ErrEmptyBatch        = errors.New("journal: batch has no lines")
	ErrUnbalanced        = errors.New("journal: batch not balanced")
	ErrDuplicateApproval = errors.New("journal: approver already approved")
	ErrSelfApproval      = errors.New("journal: submitter cannot approve")
	ErrAlreadyReversed   = errors.New("journal: batch already reversed")
	ErrTemplateInactive  = errors.New("journal: template inactive")
)
