package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// WriteCSV menulis baris timeline ke CSV.
func WriteCSV(w io.Writer, rows []TimelineRow) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()
	if err := writer.Write([]string{"ID", "At", "Actor", "Action", "Entity", "EntityID", "Before", "After", "Meta"}); err != nil {
		return err
	}
	for _, row := range rows {
		before, err := snapshotText(row.Before)
		if err != nil {
			return err
		}
		after, err := snapshotText(row.After)
		if err != nil {
			return err
		}
		meta, err := snapshotText(row.Meta)
		if err != nil {
			return err
		}
		if err := writer.Write([]string{
			strconv.FormatInt(row.ID, 10),
			row.At.UTC().Format(time.RFC3339),
			row.Actor,
			row.Action,
			row.Entity,
			row.EntityID,
			before,
			after,
			meta,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func snapshotText(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
