package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"evalflow/internal/domain"
)

const itemColumns = `id,task_id,seq,data_item_json,target_json,evaluators_json,target_output_json,evaluator_outputs_json,retry,error_message,finish_time,created_at,updated_at`

// StoppedMessage is written to items that were still pending when their task was stopped.
const StoppedMessage = "manually stopped"

func scanItem(row rowScanner) (domain.Item, error) {
	var it domain.Item
	var dataJSON, targetJSON, evaluatorsJSON, targetOutJSON, outputsJSON sql.NullString
	var errorMessage, finishTime sql.NullString
	err := row.Scan(&it.ID, &it.TaskID, &it.Seq, &dataJSON, &targetJSON, &evaluatorsJSON, &targetOutJSON, &outputsJSON,
		&it.Retry, &errorMessage, &finishTime, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.ErrorMessage = errorMessage.String
	if finishTime.Valid {
		it.FinishTime = &finishTime.String
	}
	if err := unmarshalJSON(dataJSON, &it.DataItem); err != nil {
		return it, err
	}
	if err := unmarshalJSON(targetJSON, &it.Target); err != nil {
		return it, err
	}
	if err := unmarshalJSON(evaluatorsJSON, &it.Evaluators); err != nil {
		return it, err
	}
	if targetOutJSON.Valid && targetOutJSON.String != "null" {
		var out domain.TargetOutput
		if err := unmarshalJSON(targetOutJSON, &out); err != nil {
			return it, err
		}
		it.TargetOutput = &out
	}
	if err := unmarshalJSON(outputsJSON, &it.EvaluatorOutputs); err != nil {
		return it, err
	}
	if len(it.EvaluatorOutputs) < len(it.Evaluators) {
		padded := make([]*domain.EvaluatorOutput, len(it.Evaluators))
		copy(padded, it.EvaluatorOutputs)
		it.EvaluatorOutputs = padded
	}
	return it, nil
}

func emptyOutputs(n int) string {
	if n <= 0 {
		return "[]"
	}
	return "[" + strings.TrimSuffix(strings.Repeat("null,", n), ",") + "]"
}

// InsertItems writes items in one statement per row; callers pass a transaction for atomicity.
func (r Repo) InsertItems(ctx context.Context, ex Execer, items []domain.Item) error {
	for _, it := range items {
		dataJSON, err := marshalJSON(it.DataItem)
		if err != nil {
			return err
		}
		targetJSON, err := marshalJSON(it.Target)
		if err != nil {
			return err
		}
		evaluatorsJSON, err := marshalJSON(it.Evaluators)
		if err != nil {
			return err
		}
		if _, err := r.q(ex).ExecContext(ctx, `INSERT INTO items(id,task_id,seq,data_item_json,target_json,evaluators_json,target_output_json,evaluator_outputs_json,retry,error_message,finish_time,created_at,updated_at)
VALUES (?,?,?,?,?,?,NULL,?,?,NULL,NULL,?,?)`,
			it.ID, it.TaskID, it.Seq, dataJSON, targetJSON, evaluatorsJSON, emptyOutputs(len(it.Evaluators)), it.Retry, it.CreatedAt, it.UpdatedAt); err != nil {
			return fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
}

type ItemFilters struct {
	TaskID   string
	Pending  *bool
	HasError *bool
	Limit    int
	Offset   int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.Item, error) {
	clauses := []string{"task_id=?"}
	args := []any{f.TaskID}
	if f.Pending != nil {
		if *f.Pending {
			clauses = append(clauses, "finish_time IS NULL")
		} else {
			clauses = append(clauses, "finish_time IS NOT NULL")
		}
	}
	if f.HasError != nil {
		if *f.HasError {
			clauses = append(clauses, "error_message IS NOT NULL")
		} else {
			clauses = append(clauses, "error_message IS NULL")
		}
	}
	query := `SELECT ` + itemColumns + ` FROM items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq, id`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ItemExists reports which of the given ids still have an item row.
func (r Repo) ItemExists(ctx context.Context, ids []string) (map[string]bool, error) {
	return r.existing(ctx, "items", ids)
}

func (r Repo) CountItems(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

// CountPending counts items that have not reached a terminal transition.
func (r Repo) CountPending(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE task_id=? AND finish_time IS NULL`, taskID).Scan(&n)
	return n, err
}

// CountFinished splits finished items into completed and errored.
func (r Repo) CountFinished(ctx context.Context, taskID string) (completed, errored int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN error_message IS NULL THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END),0)
FROM items WHERE task_id=? AND finish_time IS NOT NULL`, taskID).Scan(&completed, &errored)
	return completed, errored, err
}

// SaveTargetOutput checkpoints the target output of an item.
func (r Repo) SaveTargetOutput(ctx context.Context, itemID string, out domain.TargetOutput, now string) error {
	payload, err := marshalJSON(out)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET target_output_json=?, updated_at=? WHERE id=?`, payload, now, itemID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SaveEvaluatorOutput checkpoints one evaluator output without touching its siblings.
func (r Repo) SaveEvaluatorOutput(ctx context.Context, itemID string, index int, out domain.EvaluatorOutput, now string) error {
	payload, err := marshalJSON(out)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET evaluator_outputs_json=json_set(evaluator_outputs_json, printf('$[%d]', ?), json(?)), updated_at=? WHERE id=?`,
		index, payload, now, itemID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// The terminal transitions below only touch pending items. They return
// ErrNotFound when the item is gone or was finished elsewhere, e.g. stopped.

// MarkItemCompleted finishes an item successfully.
func (r Repo) MarkItemCompleted(ctx context.Context, itemID, finishTime string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET finish_time=?, error_message=NULL, updated_at=? WHERE id=? AND finish_time IS NULL`, finishTime, finishTime, itemID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// MarkItemRetrying keeps the item pending with a reduced retry budget.
func (r Repo) MarkItemRetrying(ctx context.Context, itemID string, retry int, errorMessage, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET retry=?, error_message=?, updated_at=? WHERE id=? AND finish_time IS NULL`,
		retry, nullable(errorMessage), now, itemID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// MarkItemError finishes an item with an error and no retry budget left.
func (r Repo) MarkItemError(ctx context.Context, itemID, errorMessage, finishTime string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE items SET retry=0, error_message=?, finish_time=?, updated_at=? WHERE id=? AND finish_time IS NULL`,
		errorMessage, finishTime, finishTime, itemID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SetItemErrorMessage records an error without changing retry or terminal state.
func (r Repo) SetItemErrorMessage(ctx context.Context, itemID, errorMessage, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE items SET error_message=?, updated_at=? WHERE id=?`, nullable(errorMessage), now, itemID)
	return err
}

// ResetItem clears checkpoints and terminal fields so the item can run again.
func (r Repo) ResetItem(ctx context.Context, ex Execer, itemID string, retry int, now string) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE items SET target_output_json=NULL,
  evaluator_outputs_json=(SELECT json_group_array(json('null')) FROM json_each(items.evaluators_json)),
  retry=?, error_message=NULL, finish_time=NULL, updated_at=? WHERE id=?`, retry, now, itemID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ErrorItems lists finished items carrying an error message.
func (r Repo) ErrorItems(ctx context.Context, taskID string) ([]domain.Item, error) {
	yes := true
	no := false
	return r.ListItems(ctx, ItemFilters{TaskID: taskID, Pending: &no, HasError: &yes})
}

// MarkItemsStopped errors every pending item of a task and returns how many changed.
func (r Repo) MarkItemsStopped(ctx context.Context, ex Execer, taskID, finishTime string) (int64, error) {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE items SET error_message=?, finish_time=?, updated_at=?, retry=0 WHERE task_id=? AND finish_time IS NULL`,
		StoppedMessage, finishTime, finishTime, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const successfulOutputs = `FROM items i, json_each(i.evaluator_outputs_json) o
WHERE i.task_id=? AND json_type(o.value)='object' AND json_extract(o.value,'$.status')='success'
  AND json_type(o.value,'$.data.score') IN ('integer','real')`

// AverageScore is the mean of every successful evaluator score of the task.
func (r Repo) AverageScore(ctx context.Context, taskID string) (*float64, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(json_extract(o.value,'$.data.score')) `+successfulOutputs, taskID).Scan(&avg)
	if err != nil {
		return nil, err
	}
	if !avg.Valid {
		return nil, nil
	}
	v := avg.Float64
	return &v, nil
}

// HasSuccessfulOutput reports whether any item of the task produced a usable score.
func (r Repo) HasSuccessfulOutput(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) `+successfulOutputs, taskID).Scan(&n)
	return n > 0, err
}

// MetricScores returns every successful score recorded for metricID.
func (r Repo) MetricScores(ctx context.Context, taskID, metricID string) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT json_extract(o.value,'$.data.score') `+successfulOutputs+`
  AND json_extract(o.value,'$.metricId')=? ORDER BY i.seq`, taskID, metricID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// MetricRow is one scored example used when writing a summary report.
type MetricRow struct {
	ItemID         string
	UserInput      string
	ExpectedOutput string
	ActualOutput   string
	Score          float64
	Reason         string
}

// MetricRows loads scored examples for metricID, lowest scores below threshold first.
func (r Repo) MetricRows(ctx context.Context, taskID, metricID string, threshold float64) ([]MetricRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT i.id,
  COALESCE(json_extract(i.data_item_json,'$.userInput'),''),
  COALESCE(json_extract(i.data_item_json,'$.expectedOutput'),''),
  COALESCE(json_extract(i.target_output_json,'$.actualOutput'),''),
  json_extract(o.value,'$.data.score'),
  COALESCE(json_extract(o.value,'$.data.reason'),'')
`+successfulOutputs+`
  AND json_extract(o.value,'$.metricId')=?
ORDER BY CASE WHEN json_extract(o.value,'$.data.score') < ? THEN 0 ELSE 1 END,
  json_extract(o.value,'$.data.score') ASC, i.seq`, taskID, metricID, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MetricRow
	for rows.Next() {
		var m MetricRow
		if err := rows.Scan(&m.ItemID, &m.UserInput, &m.ExpectedOutput, &m.ActualOutput, &m.Score, &m.Reason); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MetricCounts reports successful and above-threshold output counts for metricID.
func (r Repo) MetricCounts(ctx context.Context, taskID, metricID string, threshold float64) (total, above int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN json_extract(o.value,'$.data.score') >= ? THEN 1 ELSE 0 END),0)
`+successfulOutputs+` AND json_extract(o.value,'$.metricId')=?`, threshold, taskID, metricID).Scan(&total, &above)
	return total, above, err
}

// UserInputs returns the distinct user inputs of a task's items.
func (r Repo) UserInputs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT json_extract(data_item_json,'$.userInput') FROM items
WHERE task_id=? AND json_extract(data_item_json,'$.userInput') IS NOT NULL`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
