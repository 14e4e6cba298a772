package repo

import (
	"context"
	"database/sql"

	"evalflow/internal/domain"
)

// InsertUsage records one billable call and charges the team's quota row, if any.
func (r Repo) InsertUsage(ctx context.Context, u domain.UsageRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO usages(usage_id,task_id,team_id,kind,list_index,model,input_tokens,output_tokens,total_points,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`, u.UsageID, u.TaskID, u.TeamID, string(u.Kind), u.Kind.ListIndex(), nullable(u.Model),
		u.InputTokens, u.OutputTokens, u.TotalPoints, u.CreatedAt); err != nil {
		return err
	}
	if u.TotalPoints > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE team_quotas SET points_used=points_used+?, updated_at=? WHERE team_id=?`,
			u.TotalPoints, u.CreatedAt, u.TeamID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UsageTotals sums usage by kind for a usage ledger id.
func (r Repo) UsageTotals(ctx context.Context, usageID string) (map[domain.UsageKind]domain.Usage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, SUM(input_tokens), SUM(output_tokens), SUM(total_points) FROM usages
WHERE usage_id=? GROUP BY kind, list_index ORDER BY list_index`, usageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.UsageKind]domain.Usage{}
	for rows.Next() {
		var kind string
		var u domain.Usage
		if err := rows.Scan(&kind, &u.InputTokens, &u.OutputTokens, &u.TotalPoints); err != nil {
			return nil, err
		}
		res[domain.UsageKind(kind)] = u
	}
	return res, rows.Err()
}

type TeamQuota struct {
	TeamID      string
	PointsLimit float64
	PointsUsed  float64
	UpdatedAt   string
}

func (r Repo) GetTeamQuota(ctx context.Context, teamID string) (TeamQuota, error) {
	var q TeamQuota
	err := r.DB.QueryRowContext(ctx, `SELECT team_id,points_limit,points_used,updated_at FROM team_quotas WHERE team_id=?`, teamID).
		Scan(&q.TeamID, &q.PointsLimit, &q.PointsUsed, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

// SetTeamQuota sets the limit and, when reset is true, zeroes the used points.
func (r Repo) SetTeamQuota(ctx context.Context, teamID string, limit float64, reset bool, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO team_quotas(team_id,points_limit,points_used,updated_at) VALUES (?,?,0,?)
ON CONFLICT(team_id) DO UPDATE SET points_limit=excluded.points_limit,
  points_used=CASE WHEN ? THEN 0 ELSE team_quotas.points_used END, updated_at=excluded.updated_at`, teamID, limit, now, reset)
	return err
}
