package auth

import (
	"fmt"

	"missionline/internal/domain"
)

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	ActorID string
	Action  string
	Role    domain.Role
	Reason  string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s forbidden for actor %s: %s", e.Action, e.ActorID, e.Reason)
	}
	return fmt.Sprintf("%s requires role %s", e.Action, e.Role)
}

// RequireRole rejects actors whose canonical role differs from role.
func RequireRole(actor domain.Actor, role domain.Role, action string) error {
	if actor.Role != role {
		return ForbiddenError{ActorID: actor.ID, Action: action, Role: role}
	}
	return nil
}

// RequireHolder rejects actors that are not the mission's current assignee.
func RequireHolder(actor domain.Actor, m domain.Mission, action string) error {
	if !m.IsAssignedTo(actor.ID) {
		return ForbiddenError{ActorID: actor.ID, Action: action, Role: domain.RoleAssignee, Reason: "mission is assigned to someone else"}
	}
	return nil
}
