package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"evalflow/internal/domain"
)

const taskColumns = `id,team_id,tmb_id,name,description,dataset_id,target_json,evaluators_json,summary_configs_json,usage_id,language,avg_score,pause_reason,error_message,created_at,started_at,finish_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var tmbID, description, language, pauseReason, errorMessage, startedAt, finishTime sql.NullString
	var targetJSON, evaluatorsJSON, summaryJSON sql.NullString
	var avgScore sql.NullFloat64
	err := row.Scan(&t.ID, &t.TeamID, &tmbID, &t.Name, &description, &t.DatasetID, &targetJSON, &evaluatorsJSON, &summaryJSON,
		&t.UsageID, &language, &avgScore, &pauseReason, &errorMessage, &t.CreatedAt, &startedAt, &finishTime)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TmbID = tmbID.String
	t.Description = description.String
	t.Language = language.String
	t.PauseReason = pauseReason.String
	t.ErrorMessage = errorMessage.String
	if avgScore.Valid {
		v := avgScore.Float64
		t.AvgScore = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if finishTime.Valid {
		t.FinishTime = &finishTime.String
	}
	if err := unmarshalJSON(targetJSON, &t.Target); err != nil {
		return t, err
	}
	if err := unmarshalJSON(evaluatorsJSON, &t.Evaluators); err != nil {
		return t, err
	}
	if err := unmarshalJSON(summaryJSON, &t.SummaryConfigs); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, ex Execer, t domain.Task) error {
	if len(t.SummaryConfigs) != len(t.Evaluators) {
		return fmt.Errorf("task %s: %d summary configs for %d evaluators", t.ID, len(t.SummaryConfigs), len(t.Evaluators))
	}
	targetJSON, err := marshalJSON(t.Target)
	if err != nil {
		return err
	}
	evaluatorsJSON, err := marshalJSON(t.Evaluators)
	if err != nil {
		return err
	}
	summaryJSON, err := marshalJSON(t.SummaryConfigs)
	if err != nil {
		return err
	}
	_, err = r.q(ex).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TeamID, nullable(t.TmbID), t.Name, nullable(t.Description), t.DatasetID, targetJSON, evaluatorsJSON, summaryJSON,
		t.UsageID, nullable(t.Language), nullableFloatPtr(t.AvgScore), nullable(t.PauseReason), nullable(t.ErrorMessage),
		t.CreatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishTime))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	TeamID     string
	Unfinished bool
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.Unfinished {
		clauses = append(clauses, "finish_time IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskExists reports which of the given ids still have a task row.
func (r Repo) TaskExists(ctx context.Context, ids []string) (map[string]bool, error) {
	return r.existing(ctx, "tasks", ids)
}

// existsBatch bounds the IN list; SQLite caps bound variables per statement.
const existsBatch = 500

func (r Repo) existing(ctx context.Context, table string, ids []string) (map[string]bool, error) {
	res := make(map[string]bool, len(ids))
	seen := make(map[string]bool, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	for start := 0; start < len(uniq); start += existsBatch {
		end := min(start+existsBatch, len(uniq))
		if err := r.existingBatch(ctx, table, uniq[start:end], res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) existingBatch(ctx context.Context, table string, ids []string, res map[string]bool) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id IN (%s)`, table, placeholders(len(ids))), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		res[id] = true
	}
	return rows.Err()
}

func (r Repo) MarkTaskStarted(ctx context.Context, ex Execer, id, startedAt string) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET started_at=COALESCE(started_at, ?) WHERE id=? AND finish_time IS NULL`, startedAt, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// FinishTask sets the terminal fields once. It reports false when the task was
// already finished or no longer exists.
func (r Repo) FinishTask(ctx context.Context, ex Execer, id, finishTime string, avgScore *float64, errorMessage string) (bool, error) {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET finish_time=?, avg_score=?, error_message=?, pause_reason=NULL WHERE id=? AND finish_time IS NULL`,
		finishTime, nullableFloatPtr(avgScore), nullable(errorMessage), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTask records a terminal task error, overriding any previous finish state.
func (r Repo) FailTask(ctx context.Context, ex Execer, id, errorMessage, finishTime string) error {
	_, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET error_message=?, finish_time=? WHERE id=?`, errorMessage, finishTime, id)
	return err
}

// ReopenTask clears the terminal fields so a manual retry can finish the task again.
func (r Repo) ReopenTask(ctx context.Context, ex Execer, id string) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET finish_time=NULL, avg_score=NULL, error_message=NULL WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) PauseTask(ctx context.Context, ex Execer, id, reason, errorMessage string) (bool, error) {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET pause_reason=?, error_message=? WHERE id=? AND finish_time IS NULL AND pause_reason IS NULL`,
		reason, errorMessage, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ClearTaskPause(ctx context.Context, ex Execer, id string) error {
	_, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET pause_reason=NULL, error_message=NULL WHERE id=? AND finish_time IS NULL`, id)
	return err
}

func (r Repo) UpdateTaskEvaluators(ctx context.Context, ex Execer, id string, evaluators []domain.Evaluator) error {
	payload, err := marshalJSON(evaluators)
	if err != nil {
		return err
	}
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET evaluators_json=? WHERE id=?`, payload, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// UpdateSummaryConfig replaces the summary entry at index in place.
func (r Repo) UpdateSummaryConfig(ctx context.Context, ex Execer, id string, index int, sc domain.SummaryConfig) error {
	payload, err := marshalJSON(sc)
	if err != nil {
		return err
	}
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET summary_configs_json=json_set(summary_configs_json, printf('$[%d]', ?), json(?)) WHERE id=?`,
		index, payload, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SetTaskLanguage stores the detected language unless one is already set.
func (r Repo) SetTaskLanguage(ctx context.Context, id, language string) (string, error) {
	if _, err := r.DB.ExecContext(ctx, `UPDATE tasks SET language=? WHERE id=? AND (language IS NULL OR language='')`, language, id); err != nil {
		return "", err
	}
	var stored sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT language FROM tasks WHERE id=?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return stored.String, err
}

func (r Repo) DeleteTask(ctx context.Context, ex Execer, id string) error {
	res, err := r.q(ex).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// StalledTaskIDs lists started, unfinished, unpaused tasks that have items but none pending.
func (r Repo) StalledTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id FROM tasks t
WHERE t.finish_time IS NULL AND t.pause_reason IS NULL AND t.started_at IS NOT NULL
  AND EXISTS (SELECT 1 FROM items i WHERE i.task_id=t.id)
  AND NOT EXISTS (SELECT 1 FROM items i WHERE i.task_id=t.id AND i.finish_time IS NULL)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
