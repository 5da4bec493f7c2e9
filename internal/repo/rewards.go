package repo

import (
	"context"
	"fmt"

	"missionline/internal/domain"
)

// CreditReward records a credit once per key and reports whether this call did it.
func (r Repo) CreditReward(ctx context.Context, c domain.RewardCredit) (bool, error) {
	if c.Key == "" || c.ActorID == "" {
		return false, fmt.Errorf("reward key and actor required")
	}
	if c.Amount < 0 {
		return false, fmt.Errorf("reward amount must be zero or more")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO rewards(key,actor_id,mission_id,amount,reason,created_at) VALUES (?,?,?,?,?,?)`,
		c.Key, c.ActorID, c.MissionID, c.Amount, c.Reason, nanos(c.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("credit reward: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TotalXP sums every credit of an actor.
func (r Repo) TotalXP(ctx context.Context, actorID string) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount),0) FROM rewards WHERE actor_id=?`, actorID).Scan(&total)
	return total, err
}

func (r Repo) ListRewards(ctx context.Context, actorID string) ([]domain.RewardCredit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,actor_id,mission_id,amount,reason,created_at FROM rewards WHERE actor_id=? ORDER BY created_at ASC, key ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RewardCredit{}
	for rows.Next() {
		var (
			c       domain.RewardCredit
			created int64
		)
		if err := rows.Scan(&c.Key, &c.ActorID, &c.MissionID, &c.Amount, &c.Reason, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromNanos(created)
		res = append(res, c)
	}
	return res, rows.Err()
}
