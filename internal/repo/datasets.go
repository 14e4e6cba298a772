package repo

import (
	"context"
	"database/sql"

	"evalflow/internal/domain"
)

func (r Repo) InsertDataset(ctx context.Context, ex Execer, d domain.Dataset) error {
	_, err := r.q(ex).ExecContext(ctx, `INSERT INTO datasets(id,team_id,name,created_at) VALUES (?,?,?,?)`, d.ID, d.TeamID, d.Name, d.CreatedAt)
	return err
}

// InsertDatasetRows appends rows; Seq is assigned by the caller.
func (r Repo) InsertDatasetRows(ctx context.Context, ex Execer, datasetID, createdAt string, rows []domain.DataItem, startSeq int) error {
	for i, row := range rows {
		var contextJSON, paramsJSON any
		if len(row.Context) > 0 {
			s, err := marshalJSON(row.Context)
			if err != nil {
				return err
			}
			contextJSON = s
		}
		if len(row.TargetCallParams) > 0 {
			s, err := marshalJSON(row.TargetCallParams)
			if err != nil {
				return err
			}
			paramsJSON = s
		}
		if _, err := r.q(ex).ExecContext(ctx, `INSERT INTO dataset_rows(id,dataset_id,seq,user_input,expected_output,context_json,call_params_json,created_at)
VALUES (?,?,?,?,?,?,?,?)`, row.ID, datasetID, startSeq+i, row.UserInput, nullable(row.ExpectedOutput), contextJSON, paramsJSON, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetDataset(ctx context.Context, id string) (domain.Dataset, error) {
	var d domain.Dataset
	err := r.DB.QueryRowContext(ctx, `SELECT id,team_id,name,created_at FROM datasets WHERE id=?`, id).Scan(&d.ID, &d.TeamID, &d.Name, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDatasets(ctx context.Context, teamID string) ([]domain.Dataset, error) {
	query := `SELECT id,team_id,name,created_at FROM datasets`
	var args []any
	if teamID != "" {
		query += ` WHERE team_id=?`
		args = append(args, teamID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dataset
	for rows.Next() {
		var d domain.Dataset
		if err := rows.Scan(&d.ID, &d.TeamID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DatasetRows returns the rows of a dataset in insertion order.
func (r Repo) DatasetRows(ctx context.Context, datasetID string) ([]domain.DataItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_input,expected_output,context_json,call_params_json FROM dataset_rows WHERE dataset_id=? ORDER BY seq, id`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DataItem
	for rows.Next() {
		var d domain.DataItem
		var expected, contextJSON, paramsJSON sql.NullString
		if err := rows.Scan(&d.ID, &d.UserInput, &expected, &contextJSON, &paramsJSON); err != nil {
			return nil, err
		}
		d.ExpectedOutput = expected.String
		if err := unmarshalJSON(contextJSON, &d.Context); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(paramsJSON, &d.TargetCallParams); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountDatasetRows(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset_rows WHERE dataset_id=?`, datasetID).Scan(&n)
	return n, err
}
