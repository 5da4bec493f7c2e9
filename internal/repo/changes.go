package repo

import (
	"context"

	"missionline/internal/events"
	"missionline/internal/feed"
)

// ChangesAfter returns up to limit change-log rows with a sequence above cursor, in order.
func (r Repo) ChangesAfter(ctx context.Context, cursor int64, limit int) ([]feed.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+events.Columns+` FROM changes WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []feed.Change
	for rows.Next() {
		c, err := events.Scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) LatestChangeID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM changes`).Scan(&id)
	return id, err
}
