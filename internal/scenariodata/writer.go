package scenariodata

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

// Tx is the transactional storage contract behind the data store. Journal posting,
// rule runs and scenario cloning all write through one Tx per unit of work.
type Tx interface {
	ScenarioStatus(ctx context.Context, scenarioID int64) (string, error)
	FindRow(ctx context.Context, key Key) (Row, bool, error)
	GetRow(ctx context.Context, id int64) (Row, error)
	InsertRow(ctx context.Context, row Row) (Row, error)
	UpdateRow(ctx context.Context, row Row) error
	DeleteRow(ctx context.Context, id int64) error
	InsertLineage(ctx context.Context, entry Lineage) error
	ListLineage(ctx context.Context, kind SourceKind, sourceID, scenarioID int64, periodIDs []int64) ([]Lineage, error)
	DeleteLineage(ctx context.Context, ids []int64) error
	CountLineage(ctx context.Context, dataID int64) (int, error)
	QueryRows(ctx context.Context, filter Filter) ([]Row, error)
	CopyScenario(ctx context.Context, fromScenarioID, toScenarioID int64) (int64, error)
	CountRows(ctx context.Context, scenarioID int64) (int64, error)
	RecordAudit(ctx context.Context, entry shared.AuditLog) error
}

// Status value that blocks writes. Kept as a string so the data store does not
// import the scenario registry.
const lockedStatus = "locked"

// Writer applies contributions inside a single transaction.
type Writer struct {
	tx       Tx
	writable map[int64]bool
}

// NewWriter binds a writer to tx.
func NewWriter(tx Tx) *Writer {
	return &Writer{tx: tx, writable: make(map[int64]bool)}
}

// EnsureWritable fails with ErrScenarioLocked when the scenario is locked.
func (w *Writer) EnsureWritable(ctx context.Context, scenarioID int64) error {
	if ok, seen := w.writable[scenarioID]; seen {
		if !ok {
			return fmt.Errorf("%w: scenario %d", ErrScenarioLocked, scenarioID)
		}
		return nil
	}
	status, err := w.tx.ScenarioStatus(ctx, scenarioID)
	if err != nil {
		return err
	}
	w.writable[scenarioID] = status != lockedStatus
	if status == lockedStatus {
		return fmt.Errorf("%w: scenario %d", ErrScenarioLocked, scenarioID)
	}
	return nil
}

// Apply upserts the key with the write's policy and records the contribution.
func (w *Writer) Apply(ctx context.Context, in Write) (Row, error) {
	if err := in.Validate(); err != nil {
		return Row{}, err
	}
	if err := w.EnsureWritable(ctx, in.ScenarioID); err != nil {
		return Row{}, err
	}
	row, found, err := w.tx.FindRow(ctx, in.Key)
	if err != nil {
		return Row{}, err
	}
	delta := in.Amount
	if !found {
		row = Row{
			Key:                in.Key,
			Amount:             in.Amount,
			Currency:           in.Currency,
			SourceSystem:       in.SourceSystem,
			ImportBatchID:      in.ImportBatchID,
			CalculationFormula: in.CalculationFormula,
			Notes:              in.Notes,
		}
		row, err = w.tx.InsertRow(ctx, row)
		if err != nil {
			return Row{}, err
		}
	} else {
		switch in.Policy {
		case PolicyOverwrite:
			delta = in.Amount.Sub(row.Amount)
			row.Amount = in.Amount
		case PolicyAccumulate:
			row.Amount = row.Amount.Add(in.Amount)
		}
		mergeAttributes(&row, in)
		if err := w.tx.UpdateRow(ctx, row); err != nil {
			return Row{}, err
		}
	}
	if err := w.tx.InsertLineage(ctx, Lineage{
		DataID:     row.ID,
		SourceKind: in.Source,
		SourceID:   in.SourceID,
		RunID:      in.RunID,
		Amount:     delta,
	}); err != nil {
		return Row{}, err
	}
	return row, nil
}

// ApplyAll applies writes serialized in key order.
func (w *Writer) ApplyAll(ctx context.Context, writes []Write) ([]Row, error) {
	ordered := make([]Write, len(writes))
	copy(ordered, writes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Key.Less(ordered[j].Key) })
	rows := make([]Row, 0, len(ordered))
	for _, write := range ordered {
		row, err := w.Apply(ctx, write)
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", write.Key, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Retract subtracts every contribution of a source within the scenario and
// periods. Derived rows that return to zero without remaining lineage are removed.
// It returns the number of rows touched.
func (w *Writer) Retract(ctx context.Context, kind SourceKind, sourceID, scenarioID int64, periodIDs []int64) (int, error) {
	if err := w.EnsureWritable(ctx, scenarioID); err != nil {
		return 0, err
	}
	entries, err := w.tx.ListLineage(ctx, kind, sourceID, scenarioID, periodIDs)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	sums := make(map[int64]decimal.Decimal)
	ids := make([]int64, 0, len(entries))
	dataIDs := make([]int64, 0)
	for _, entry := range entries {
		if _, ok := sums[entry.DataID]; !ok {
			dataIDs = append(dataIDs, entry.DataID)
		}
		sums[entry.DataID] = sums[entry.DataID].Add(entry.Amount)
		ids = append(ids, entry.ID)
	}
	if err := w.tx.DeleteLineage(ctx, ids); err != nil {
		return 0, err
	}
	sort.Slice(dataIDs, func(i, j int) bool { return dataIDs[i] < dataIDs[j] })
	for _, dataID := range dataIDs {
		row, err := w.tx.GetRow(ctx, dataID)
		if err != nil {
			return 0, err
		}
		row.Amount = row.Amount.Sub(sums[dataID])
		if row.Derived() && row.Amount.IsZero() {
			remaining, err := w.tx.CountLineage(ctx, dataID)
			if err != nil {
				return 0, err
			}
			if remaining == 0 {
				if err := w.tx.DeleteRow(ctx, dataID); err != nil {
					return 0, err
				}
				continue
			}
		}
		if err := w.tx.UpdateRow(ctx, row); err != nil {
			return 0, err
		}
	}
	return len(dataIDs), nil
}

// Contributions returns the recorded per-row amounts of a source, keyed by row key.
func (w *Writer) Contributions(ctx context.Context, kind SourceKind, sourceID, scenarioID int64, periodIDs []int64) (map[Key]decimal.Decimal, error) {
	entries, err := w.tx.ListLineage(ctx, kind, sourceID, scenarioID, periodIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[Key]decimal.Decimal)
	rows := make(map[int64]Key)
	for _, entry := range entries {
		key, ok := rows[entry.DataID]
		if !ok {
			row, err := w.tx.GetRow(ctx, entry.DataID)
			if err != nil {
				return nil, err
			}
			key = row.Key
			rows[entry.DataID] = key
		}
		out[key] = out[key].Add(entry.Amount)
	}
	return out, nil
}

func mergeAttributes(row *Row, in Write) {
	if in.SourceSystem != "" {
		row.SourceSystem = in.SourceSystem
	}
	if in.ImportBatchID != nil {
		row.ImportBatchID = in.ImportBatchID
	}
	if in.CalculationFormula != "" {
		row.CalculationFormula = in.CalculationFormula
	}
	if in.Notes != "" {
		row.Notes = in.Notes
	}
}
