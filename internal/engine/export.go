package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"evalflow/internal/domain"
	"evalflow/internal/repo"
)

const (
	ExportJSON = "json"
	ExportCSV  = "csv"
)

// ExportRow is one item in exported results.
type ExportRow struct {
	ItemID         string        `json:"itemId"`
	UserInput      string        `json:"userInput"`
	ExpectedOutput string        `json:"expectedOutput"`
	ActualOutput   string        `json:"actualOutput"`
	Score          *float64      `json:"score,omitempty"`
	Status         domain.Status `json:"status"`
	ErrorMessage   string        `json:"errorMessage,omitempty"`
	FinishTime     string        `json:"finishTime,omitempty"`
}

var exportHeader = table.Row{"ItemId", "UserInput", "ExpectedOutput", "ActualOutput", "Score", "Status", "ErrorMessage", "FinishTime"}

// ExportRows projects every item of the task into an export row.
func (e *Engine) ExportRows(ctx context.Context, taskID string) ([]ExportRow, error) {
	items, err := e.ListItems(ctx, repo.ItemFilters{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	rows := make([]ExportRow, 0, len(items))
	for _, it := range items {
		row := ExportRow{
			ItemID:         it.ID,
			UserInput:      it.DataItem.UserInput,
			ExpectedOutput: it.DataItem.ExpectedOutput,
			Status:         it.Status,
			ErrorMessage:   it.ErrorMessage,
		}
		if it.TargetOutput != nil {
			row.ActualOutput = it.TargetOutput.ActualOutput
		}
		if s, ok := it.Score(); ok {
			row.Score = &s
		}
		if it.FinishTime != nil {
			row.FinishTime = *it.FinishTime
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ExportResults writes the items of a task as json or csv.
func (e *Engine) ExportResults(ctx context.Context, taskID, format string, w io.Writer) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != ExportJSON && format != ExportCSV {
		return fmt.Errorf("unsupported export format %q", format)
	}
	rows, err := e.ExportRows(ctx, taskID)
	if err != nil {
		return err
	}
	if format == ExportJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	t := table.NewWriter()
	t.AppendHeader(exportHeader)
	for _, r := range rows {
		score := ""
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', -1, 64)
		}
		t.AppendRow(table.Row{r.ItemID, r.UserInput, r.ExpectedOutput, r.ActualOutput, score, string(r.Status), r.ErrorMessage, r.FinishTime})
	}
	_, err = io.WriteString(w, t.RenderCSV()+"\n")
	return err
}
