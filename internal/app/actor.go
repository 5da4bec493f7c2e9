package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

// ActorSource reads and stores actor profiles.
type ActorSource interface {
	GetActor(ctx context.Context, id string) (domain.Actor, error)
	UpsertActor(ctx context.Context, a domain.Actor) (domain.Actor, error)
}

// ResolveActor picks the acting profile. It prefers the override, then the configured
// default. When role is given and the profile is missing it is created on the fly.
func ResolveActor(ctx context.Context, actors ActorSource, actorOverride, defaultActor, role string) (domain.Actor, error) {
	actorID := strings.TrimSpace(actorOverride)
	if actorID == "" {
		actorID = strings.TrimSpace(defaultActor)
	}
	if actorID == "" {
		return domain.Actor{}, fmt.Errorf("actor not specified; use --actor")
	}
	a, err := actors.GetActor(ctx, actorID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Actor{}, err
	}
	if strings.TrimSpace(role) == "" {
		return domain.Actor{}, fmt.Errorf("actor %s not found; create it with `ml actor set %s --role <role>`", actorID, actorID)
	}
	r, err := domain.ParseRole(role)
	if err != nil {
		return domain.Actor{}, err
	}
	return actors.UpsertActor(ctx, domain.Actor{ID: actorID, Role: r})
}
