// Package memstore provides an in-memory scenariodata.Tx for service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

type state struct {
	statuses  map[int64]string
	rows      map[int64]scenariodata.Row
	lineage   map[int64]scenariodata.Lineage
	audits    []shared.AuditLog
	nextRow   int64
	nextEntry int64
}

func (s *state) clone() *state {
	out := &state{
		statuses:  make(map[int64]string, len(s.statuses)),
		rows:      make(map[int64]scenariodata.Row, len(s.rows)),
		lineage:   make(map[int64]scenariodata.Lineage, len(s.lineage)),
		audits:    append([]shared.AuditLog(nil), s.audits...),
		nextRow:   s.nextRow,
		nextEntry: s.nextEntry,
	}
	for k, v := range s.statuses {
		out.statuses[k] = v
	}
	for k, v := range s.rows {
		out.rows[k] = v
	}
	for k, v := range s.lineage {
		out.lineage[k] = v
	}
	return out
}

// Store keeps committed state. Transactions run against a copy that replaces the
// committed state only when the callback succeeds.
type Store struct {
	mu    sync.Mutex
	state *state
	// FailCopy forces CopyScenario to report a short count.
	FailCopy bool
}

// New constructs an empty store.
func New() *Store {
	return &Store{state: &state{
		statuses: make(map[int64]string),
		rows:     make(map[int64]scenariodata.Row),
		lineage:  make(map[int64]scenariodata.Lineage),
	}}
}

// WithTx runs fn in an isolated transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{st: s.state.clone(), failCopy: s.FailCopy}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// Query implements the scenariodata read path.
func (s *Store) Query(ctx context.Context, filter scenariodata.Filter) ([]scenariodata.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&Tx{st: s.state}).QueryRows(ctx, filter)
}

// SetScenarioStatus registers or updates a scenario outside a transaction.
func (s *Store) SetScenarioStatus(scenarioID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.statuses[scenarioID] = status
}

// Audits returns committed audit entries.
func (s *Store) Audits() []shared.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shared.AuditLog(nil), s.state.audits...)
}

// Rows returns every committed row ordered by key.
func (s *Store) Rows() []scenariodata.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRows(s.state.rows)
}

// LineageCount returns the number of committed lineage entries.
func (s *Store) LineageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.lineage)
}

// Repository adapts Store to scenariodata.Repository.
type Repository struct{ *Store }

// WithTx implements scenariodata.Repository.
func (r Repository) WithTx(ctx context.Context, fn func(context.Context, scenariodata.Tx) error) error {
	return r.Store.WithTx(ctx, func(ctx context.Context, tx *Tx) error { return fn(ctx, tx) })
}

// Tx is the in-memory transaction.
type Tx struct {
	st       *state
	failCopy bool
}

// SetScenarioStatus registers a scenario inside the transaction.
func (t *Tx) SetScenarioStatus(scenarioID int64, status string) {
	t.st.statuses[scenarioID] = status
}

func (t *Tx) ScenarioStatus(_ context.Context, scenarioID int64) (string, error) {
	status, ok := t.st.statuses[scenarioID]
	if !ok {
		return "", fmt.Errorf("%w: %d", scenariodata.ErrScenarioNotFound, scenarioID)
	}
	return status, nil
}

func (t *Tx) FindRow(_ context.Context, key scenariodata.Key) (scenariodata.Row, bool, error) {
	for _, row := range t.st.rows {
		if row.Key == key {
			return row, true, nil
		}
	}
	return scenariodata.Row{}, false, nil
}

func (t *Tx) GetRow(_ context.Context, id int64) (scenariodata.Row, error) {
	row, ok := t.st.rows[id]
	if !ok {
		return scenariodata.Row{}, fmt.Errorf("%w: %d", scenariodata.ErrRowNotFound, id)
	}
	return row, nil
}

func (t *Tx) InsertRow(_ context.Context, row scenariodata.Row) (scenariodata.Row, error) {
	for _, existing := range t.st.rows {
		if existing.Key == row.Key {
			return scenariodata.Row{}, fmt.Errorf("memstore: duplicate key %s", row.Key)
		}
	}
	t.st.nextRow++
	now := time.Now()
	row.ID = t.st.nextRow
	row.CreatedAt = now
	row.UpdatedAt = now
	t.st.rows[row.ID] = row
	return row, nil
}

func (t *Tx) UpdateRow(_ context.Context, row scenariodata.Row) error {
	if _, ok := t.st.rows[row.ID]; !ok {
		return fmt.Errorf("%w: %d", scenariodata.ErrRowNotFound, row.ID)
	}
	row.UpdatedAt = time.Now()
	t.st.rows[row.ID] = row
	return nil
}

func (t *Tx) DeleteRow(_ context.Context, id int64) error {
	delete(t.st.rows, id)
	for entryID, entry := range t.st.lineage {
		if entry.DataID == id {
			delete(t.st.lineage, entryID)
		}
	}
	return nil
}

func (t *Tx) InsertLineage(_ context.Context, entry scenariodata.Lineage) error {
	t.st.nextEntry++
	entry.ID = t.st.nextEntry
	entry.CreatedAt = time.Now()
	t.st.lineage[entry.ID] = entry
	return nil
}

func (t *Tx) ListLineage(_ context.Context, kind scenariodata.SourceKind, sourceID, scenarioID int64, periodIDs []int64) ([]scenariodata.Lineage, error) {
	var out []scenariodata.Lineage
	for _, entry := range t.st.lineage {
		if entry.SourceKind != kind || entry.SourceID != sourceID {
			continue
		}
		row, ok := t.st.rows[entry.DataID]
		if !ok || row.ScenarioID != scenarioID {
			continue
		}
		if len(periodIDs) > 0 && !contains(periodIDs, row.PeriodID) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tx) DeleteLineage(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(t.st.lineage, id)
	}
	return nil
}

func (t *Tx) CountLineage(_ context.Context, dataID int64) (int, error) {
	n := 0
	for _, entry := range t.st.lineage {
		if entry.DataID == dataID {
			n++
		}
	}
	return n, nil
}

func (t *Tx) QueryRows(_ context.Context, filter scenariodata.Filter) ([]scenariodata.Row, error) {
	var out []scenariodata.Row
	for _, row := range sortedRows(t.st.rows) {
		if filter.Match(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *Tx) CopyScenario(ctx context.Context, fromScenarioID, toScenarioID int64) (int64, error) {
	var copied int64
	for _, row := range sortedRows(t.st.rows) {
		if row.ScenarioID != fromScenarioID {
			continue
		}
		sourceID := row.ID
		row.ScenarioID = toScenarioID
		inserted, err := t.InsertRow(ctx, row)
		if err != nil {
			return 0, err
		}
		for _, entry := range t.sortedLineage() {
			if entry.DataID != sourceID {
				continue
			}
			entry.DataID = inserted.ID
			if err := t.InsertLineage(ctx, entry); err != nil {
				return 0, err
			}
		}
		copied++
	}
	if t.failCopy && copied > 0 {
		copied--
	}
	return copied, nil
}

func (t *Tx) CountRows(_ context.Context, scenarioID int64) (int64, error) {
	var n int64
	for _, row := range t.st.rows {
		if row.ScenarioID == scenarioID {
			n++
		}
	}
	return n, nil
}

func (t *Tx) RecordAudit(_ context.Context, entry shared.AuditLog) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	entry.ID = int64(len(t.st.audits) + 1)
	t.st.audits = append(t.st.audits, entry)
	return nil
}

func (t *Tx) sortedLineage() []scenariodata.Lineage {
	out := make([]scenariodata.Lineage, 0, len(t.st.lineage))
	for _, entry := range t.st.lineage {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedRows(rows map[int64]scenariodata.Row) []scenariodata.Row {
	out := make([]scenariodata.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
