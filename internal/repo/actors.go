package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

type actorKey struct{}

// WithActor tags ctx with the acting actor so change-log rows record who wrote them.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// UpsertActor creates or updates a profile. The role is canonicalized first.
func (r Repo) UpsertActor(ctx context.Context, a domain.Actor) (domain.Actor, error) {
	if strings.TrimSpace(a.ID) == "" {
		return domain.Actor{}, fmt.Errorf("actor id required")
	}
	role, err := domain.ParseRole(string(a.Role))
	if err != nil {
		return domain.Actor{}, err
	}
	a.Role = role
	now := nanos(r.now())
	_, err = r.DB.ExecContext(ctx, `INSERT INTO actors(id,role,first_name,last_name,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, first_name=excluded.first_name, last_name=excluded.last_name, updated_at=excluded.updated_at`,
		a.ID, string(a.Role), strings.TrimSpace(a.FirstName), strings.TrimSpace(a.LastName), now, now)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("upsert actor: %w", err)
	}
	return r.GetActor(ctx, a.ID)
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var (
		a    domain.Actor
		role string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,first_name,last_name FROM actors WHERE id=?`, id).
		Scan(&a.ID, &role, &a.FirstName, &a.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Role, err = domain.ParseRole(role)
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,first_name,last_name FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Actor{}
	for rows.Next() {
		var (
			a    domain.Actor
			role string
		)
		if err := rows.Scan(&a.ID, &role, &a.FirstName, &a.LastName); err != nil {
			return nil, err
		}
		if a.Role, err = domain.ParseRole(role); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
