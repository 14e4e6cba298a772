// Package quota checks team points before billable calls and records usage.
// Checks are advisory: two concurrent attempts may both pass and both spend.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evalflow/internal/domain"
	"evalflow/internal/errclass"
	"evalflow/internal/repo"
)

// ErrInsufficient is returned when a team has used up its points.
var ErrInsufficient = fmt.Errorf("team points exhausted: %w", errclass.ErrResourceExhausted)

// Store is the subset of the repo the quota needs.
type Store interface {
	GetTeamQuota(ctx context.Context, teamID string) (repo.TeamQuota, error)
	InsertUsage(ctx context.Context, u domain.UsageRecord) error
}

type Checker struct {
	Store Store
}

// Check fails with ErrInsufficient when the team has a limit and no points left.
// Teams without a quota row are unlimited.
func (c Checker) Check(ctx context.Context, teamID string) error {
	q, err := c.Store.GetTeamQuota(ctx, teamID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load quota for team %s: %w", teamID, err)
	}
	if q.PointsUsed >= q.PointsLimit {
		return fmt.Errorf("team %s used %.2f of %.2f points: %w", teamID, q.PointsUsed, q.PointsLimit, ErrInsufficient)
	}
	return nil
}

// Pricer converts token counts into points.
type Pricer func(model string, inputTokens, outputTokens int) float64

// DefaultPricer charges one point per thousand tokens.
func DefaultPricer(_ string, inputTokens, outputTokens int) float64 {
	return float64(inputTokens+outputTokens) / 1000
}

type Recorder struct {
	Store  Store
	Pricer Pricer
	Now    func() time.Time
}

// Record stores one usage row per entry of usages, pricing entries that carry
// no points of their own.
func (r Recorder) Record(ctx context.Context, task domain.Task, kind domain.UsageKind, usages []domain.Usage) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	pricer := r.Pricer
	if pricer == nil {
		pricer = DefaultPricer
	}
	for _, u := range usages {
		points := u.TotalPoints
		if points == 0 {
			points = pricer(u.Model, u.InputTokens, u.OutputTokens)
		}
		rec := domain.UsageRecord{
			UsageID:      task.UsageID,
			TaskID:       task.ID,
			TeamID:       task.TeamID,
			Kind:         kind,
			Model:        u.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			TotalPoints:  points,
			CreatedAt:    domain.FormatTime(now()),
		}
		if err := r.Store.InsertUsage(ctx, rec); err != nil {
			return fmt.Errorf("record %s usage for task %s: %w", kind, task.ID, err)
		}
	}
	return nil
}
