package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
)

// ParseDatasetCSV reads rows of userInput,expectedOutput[,context]. A header
// row naming userInput is skipped. context is a JSON string array or a single
// string.
func ParseDatasetCSV(r io.Reader) ([]domain.DataItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var rows []domain.DataItem
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "userInput") {
			continue
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			return nil, fmt.Errorf("csv line %d: userInput is required: %w", line, errclass.ErrConfiguration)
		}
		row := domain.DataItem{UserInput: rec[0]}
		if len(rec) > 1 {
			row.ExpectedOutput = rec[1]
		}
		if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
			row.Context = parseContext(rec[2])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseContext(s string) []string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var list []string
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			return list
		}
	}
	return []string{s}
}

// ParseDatasetJSON reads a JSON array of data items.
func ParseDatasetJSON(r io.Reader) ([]domain.DataItem, error) {
	var rows []domain.DataItem
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode dataset json: %w", err)
	}
	for i, row := range rows {
		if strings.TrimSpace(row.UserInput) == "" {
			return nil, fmt.Errorf("row %d: userInput is required: %w", i, errclass.ErrConfiguration)
		}
	}
	return rows, nil
}

// ImportDataset stores a new dataset with its rows. Row ids are generated
// when missing.
func (e *Engine) ImportDataset(ctx context.Context, teamID, name string, rows []domain.DataItem) (domain.Dataset, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(name) == "" {
		return domain.Dataset{}, fmt.Errorf("team and name are required: %w", errclass.ErrConfiguration)
	}
	ts := e.timestamp()
	ds := domain.Dataset{ID: uuid.NewString(), TeamID: teamID, Name: name, CreatedAt: ts}
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.NewString()
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dataset{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDataset(ctx, tx, ds); err != nil {
		return domain.Dataset{}, err
	}
	if err := e.Repo.InsertDatasetRows(ctx, tx, ds.ID, ts, rows, 0); err != nil {
		return domain.Dataset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dataset{}, err
	}
	e.Logger.Info("dataset imported", "dataset_id", ds.ID, "rows", len(rows))
	return ds, nil
}
