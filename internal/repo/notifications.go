package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/domain"
)

// RecordNotification stores a notification for its recipient.
func (r Repo) RecordNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.InsertNotification(ctx, n)
	return err
}

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.RecipientID == "" || n.Title == "" {
		return domain.Notification{}, fmt.Errorf("notification recipient and title required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,recipient_id,type,title,body,link,read,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Body, nullable(n.Link), boolInt(n.Read), nanos(n.CreatedAt))
	if err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (r Repo) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id,recipient_id,type,title,body,link,read,created_at FROM notifications WHERE recipient_id=?`
	args := []any{recipientID}
	if unreadOnly {
		query += " AND read=0"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Notification{}
	for rows.Next() {
		var (
			n       domain.Notification
			link    sql.NullString
			read    int
			created int64
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Body, &link, &read, &created); err != nil {
			return nil, err
		}
		n.Link = link.String
		n.Read = read != 0
		n.CreatedAt = fromNanos(created)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
