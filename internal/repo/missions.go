package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"missionline/internal/domain"
	"missionline/internal/feed"
)

const missionSelect = `SELECT m.id,m.title,m.description,m.status,m.urgency,m.xp_reward,m.assigned_to,m.created_by,
m.needs_attachment,m.attachment_url,m.completion_notes,m.cancellation_reason,m.deadline,m.created_at,m.updated_at,
a.id,a.first_name,a.last_name,c.id,c.first_name,c.last_name
FROM missions m
LEFT JOIN actors a ON a.id = m.assigned_to
LEFT JOIN actors c ON c.id = m.created_by`

func scanMission(row interface{ Scan(...any) error }) (domain.Mission, error) {
	var (
		m                                   domain.Mission
		status, urgency                     string
		assigned, attachment, notes, reason sql.NullString
		deadline                            sql.NullInt64
		created, updated                    int64
		needs                               int
		aID, aFirst, aLast                  sql.NullString
		cID, cFirst, cLast                  sql.NullString
	)
	err := row.Scan(&m.ID, &m.Title, &m.Description, &status, &urgency, &m.XPReward, &assigned, &m.CreatedBy,
		&needs, &attachment, &notes, &reason, &deadline, &created, &updated,
		&aID, &aFirst, &aLast, &cID, &cFirst, &cLast)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.Status(status)
	m.Urgency = domain.Urgency(urgency)
	m.AssignedTo = stringPtr(assigned)
	m.NeedsAttachment = needs != 0
	m.AttachmentURL = stringPtr(attachment)
	m.CompletionNotes = stringPtr(notes)
	m.CancellationReason = stringPtr(reason)
	m.Deadline = timePtr(deadline)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	m.AssigneeName = displayName(aID, aFirst, aLast)
	m.CreatorName = displayName(cID, cFirst, cLast)
	return m, nil
}

// ListMissions returns missions newest first.
func (r Repo) ListMissions(ctx context.Context, f domain.MissionFilter) ([]domain.Mission, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "m.status=?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "m.assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "m.created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := missionSelect
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY m.created_at DESC, m.id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return getMission(ctx, r.DB, id)
}

func getMission(ctx context.Context, q queryer, id string) (domain.Mission, error) {
	return scanMission(q.QueryRowContext(ctx, missionSelect+" WHERE m.id=?", id))
}

// InsertMission stores a new mission. Timestamps default to now.
func (r Repo) InsertMission(ctx context.Context, m domain.Mission) (domain.Mission, error) {
	var created domain.Mission
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = r.InsertMissionTx(ctx, tx, m)
		return err
	})
	return created, err
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) (domain.Mission, error) {
	if m.ID == "" || strings.TrimSpace(m.Title) == "" {
		return domain.Mission{}, fmt.Errorf("mission id and title required")
	}
	if !m.Status.Valid() {
		return domain.Mission{}, fmt.Errorf("invalid mission status %q", m.Status)
	}
	now := r.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Urgency == "" {
		m.Urgency = domain.UrgencyMedium
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,title,description,status,urgency,xp_reward,assigned_to,created_by,needs_attachment,
attachment_url,completion_notes,cancellation_reason,deadline,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Title, m.Description, string(m.Status), string(m.Urgency), m.XPReward, nullableStringPtr(m.AssignedTo), m.CreatedBy,
		boolInt(m.NeedsAttachment), nullableStringPtr(m.AttachmentURL), nullableStringPtr(m.CompletionNotes),
		nullableStringPtr(m.CancellationReason), nullableTime(m.Deadline), nanos(m.CreatedAt), nanos(m.UpdatedAt))
	if err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	stored, err := getMission(ctx, tx, m.ID)
	if err != nil {
		return domain.Mission{}, err
	}
	if _, err := r.Events.Append(ctx, tx, feed.Change{
		Type: feed.ChangeInsert, Table: feed.TableMissions, EntityID: m.ID, MissionID: m.ID,
		ActorID: m.CreatedBy, At: now, Mission: rawRow(stored),
	}); err != nil {
		return domain.Mission{}, err
	}
	return stored, nil
}

// UpdateMission writes patch only while the mission is in the expected state. It
// returns ErrConflict when the status or holder moved and ErrNotFound when the
// mission is gone.
func (r Repo) UpdateMission(ctx context.Context, id string, expect domain.Expectation, patch domain.MissionPatch) (domain.Mission, error) {
	var updated domain.Mission
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		updated, err = r.UpdateMissionTx(ctx, tx, id, expect, patch)
		return err
	})
	return updated, err
}

func (r Repo) UpdateMissionTx(ctx context.Context, tx *sql.Tx, id string, expect domain.Expectation, patch domain.MissionPatch) (domain.Mission, error) {
	now := r.now()
	fields := []string{"updated_at=?"}
	args := []any{nanos(now)}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return domain.Mission{}, fmt.Errorf("invalid mission status %q", *patch.Status)
		}
		fields = append(fields, "status=?")
		args = append(args, string(*patch.Status))
	}
	if patch.AssignedTo != nil {
		fields = append(fields, "assigned_to=?")
		args = append(args, nullableStringPtr(patch.AssignedTo))
	}
	if patch.AttachmentURL != nil {
		fields = append(fields, "attachment_url=?")
		args = append(args, nullableStringPtr(patch.AttachmentURL))
	}
	if patch.CompletionNotes != nil {
		fields = append(fields, "completion_notes=?")
		args = append(args, nullableStringPtr(patch.CompletionNotes))
	}
	if patch.CancellationReason != nil {
		fields = append(fields, "cancellation_reason=?")
		args = append(args, nullableStringPtr(patch.CancellationReason))
	}
	where := "id=? AND status=?"
	args = append(args, id, string(expect.Status))
	switch {
	case expect.AssignedTo == nil:
	case *expect.AssignedTo == "":
		where += " AND assigned_to IS NULL"
	default:
		where += " AND assigned_to=?"
		args = append(args, *expect.AssignedTo)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE missions SET %s WHERE %s`, strings.Join(fields, ","), where), args...)
	if err != nil {
		return domain.Mission{}, fmt.Errorf("update mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getMission(ctx, tx, id); err != nil {
			return domain.Mission{}, err
		}
		return domain.Mission{}, ErrConflict
	}
	updated, err := getMission(ctx, tx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if _, err := r.Events.Append(ctx, tx, feed.Change{
		Type: feed.ChangeUpdate, Table: feed.TableMissions, EntityID: id, MissionID: id,
		ActorID: actorFrom(ctx), At: now, Mission: rawRow(updated),
	}); err != nil {
		return domain.Mission{}, err
	}
	return updated, nil
}

func (r Repo) DeleteMission(ctx context.Context, id string) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM missions WHERE id=?`, id)
		if err != nil {
			return fmt.Errorf("delete mission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = r.Events.Append(ctx, tx, feed.Change{
			Type: feed.ChangeDelete, Table: feed.TableMissions, EntityID: id, MissionID: id,
			ActorID: actorFrom(ctx), At: r.now(),
		})
		return err
	})
}

// rawRow drops the joined display fields: the change log carries the row as written.
func rawRow(m domain.Mission) *domain.Mission {
	m.AssigneeName = ""
	m.CreatorName = ""
	return &m
}
