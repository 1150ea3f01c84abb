package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-consol/internal/platform/db"
)

// AuditLog represents a record stored in audit_logs. Rows are append-only.
type AuditLog struct {
	ID       int64
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Before   map[string]any
	After    map[string]any
	Meta     map[string]any
	At       time.Time
}

// Validate ensures the minimum attribution fields are present.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if l.Actor == "" {
		return errors.New("audit log requires actor")
	}
	return nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db db.DBTX
}

// NewAuditLogger returns a new AuditLogger bound to a pool or an open transaction.
func NewAuditLogger(conn db.DBTX) *AuditLogger {
	return &AuditLogger{db: conn}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	before, err := marshalSnapshot(log.Before)
	if err != nil {
		return err
	}
	after, err := marshalSnapshot(log.After)
	if err != nil {
		return err
	}
	meta, err := marshalSnapshot(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, before_value, after_value, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`, log.Actor, log.Action, log.Entity, log.EntityID, before, after, meta, at)
	return err
}

func marshalSnapshot(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
