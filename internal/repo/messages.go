package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/feed"
)

const messageSelect = `SELECT g.id,g.mission_id,g.author_id,g.content,g.created_at,a.id,a.first_name,a.last_name
FROM messages g
LEFT JOIN actors a ON a.id = g.author_id`

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var (
		m                  domain.Message
		created            int64
		aID, aFirst, aLast sql.NullString
	)
	if err := row.Scan(&m.ID, &m.MissionID, &m.AuthorID, &m.Content, &created, &aID, &aFirst, &aLast); err != nil {
		return m, err
	}
	m.CreatedAt = fromNanos(created)
	m.AuthorName = displayName(aID, aFirst, aLast)
	if m.AuthorName == "" {
		m.AuthorName = domain.UnknownActorName
	}
	return m, nil
}

// ListMessages returns a thread oldest first.
func (r Repo) ListMessages(ctx context.Context, missionID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, messageSelect+` WHERE g.mission_id=? ORDER BY g.created_at ASC, g.rowid ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertMessage stores m under a new id. The mission must exist.
func (r Repo) InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	var saved domain.Message
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, err = r.InsertMessageTx(ctx, tx, m)
		return err
	})
	return saved, err
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) (domain.Message, error) {
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return domain.Message{}, fmt.Errorf("message content required")
	}
	if m.AuthorID == "" {
		return domain.Message{}, fmt.Errorf("message author required")
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM missions WHERE id=?`, m.MissionID).Scan(&exists); err != nil {
		return domain.Message{}, err
	}
	if exists == 0 {
		return domain.Message{}, ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = r.now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages(id,mission_id,author_id,content,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.MissionID, m.AuthorID, m.Content, nanos(m.CreatedAt)); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	saved, err := scanMessage(tx.QueryRowContext(ctx, messageSelect+` WHERE g.id=?`, m.ID))
	if err != nil {
		return domain.Message{}, err
	}
	row := saved
	row.AuthorName = ""
	if _, err := r.Events.Append(ctx, tx, feed.Change{
		Type: feed.ChangeInsert, Table: feed.TableMessages, EntityID: saved.ID, MissionID: saved.MissionID,
		ActorID: saved.AuthorID, At: saved.CreatedAt, Message: &row,
	}); err != nil {
		return domain.Message{}, err
	}
	return saved, nil
}
