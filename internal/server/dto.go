package server

import (
	"time"

	"missionline/internal/dispatch"
	"missionline/internal/domain"
)

// Request payloads

// CreateMissionRequest carries a mission record built by the client's lifecycle engine.
type CreateMissionRequest struct {
	ID              string     `json:"id,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status,omitempty" enum:"open,assigned"`
	Urgency         string     `json:"urgency,omitempty" enum:"low,medium,high,critical"`
	XPReward        int        `json:"xp_reward" minimum:"0"`
	AssignedTo      *string    `json:"assigned_to,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	NeedsAttachment bool       `json:"needs_attachment,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty" format:"date-time"`
}

// UpdateMissionRequest applies Patch only while the mission is still in status Expect
// and, when ExpectAssignee is set, held by that actor.
type UpdateMissionRequest struct {
	Expect         string              `json:"expect" enum:"open,assigned,in_progress,awaiting_validation,completed,cancelled"`
	ExpectAssignee *string             `json:"expect_assignee,omitempty"`
	Patch          domain.MissionPatch `json:"patch"`
}

type CreateMessageRequest struct {
	AuthorID string `json:"author_id,omitempty"`
	Content  string `json:"content"`
}

type UpsertActorRequest struct {
	Role      string `json:"role" example:"technician"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type CreateNotificationRequest struct {
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type,omitempty" example:"mission"`
	Title       string `json:"title"`
	Body        string `json:"body,omitempty"`
	Link        string `json:"link,omitempty" example:"/missions/42"`
}

// CreditRewardRequest credits Amount to ActorID unless Key was already credited.
type CreditRewardRequest struct {
	Key       string `json:"key" example:"mission:42:completion"`
	ActorID   string `json:"actor_id"`
	MissionID string `json:"mission_id,omitempty"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreditResponse struct {
	Credited bool `json:"credited"`
}

type XPResponse struct {
	ActorID string `json:"actor_id"`
	Total   int    `json:"total"`
	Level   int    `json:"level"`
	Title   string `json:"title"`
	// Into is the XP earned inside the current level; Span is zero at the top level.
	Into int `json:"into"`
	Span int `json:"span"`
}

func xpResponse(actorID string, total int) XPResponse {
	level := dispatch.LevelForXP(total)
	into, span := dispatch.Progress(total)
	return XPResponse{
		ActorID: actorID,
		Total:   total,
		Level:   level,
		Title:   dispatch.LevelTitle(level),
		Into:    into,
		Span:    span,
	}
}
