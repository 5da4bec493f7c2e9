package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a conditional write found the record in a different state.
	ErrConflict = errors.New("conflict")
)

type Status string

const (
	StatusOpen               Status = "open"
	StatusAssigned           Status = "assigned"
	StatusInProgress         Status = "in_progress"
	StatusAwaitingValidation Status = "awaiting_validation"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusInProgress, StatusAwaitingValidation, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return u, nil
	case "":
		return UrgencyMedium, nil
	}
	return "", fmt.Errorf("invalid urgency %q", s)
}

type Role string

const (
	RoleAssigner Role = "assigner"
	RoleAssignee Role = "assignee"
)

// ParseRole canonicalizes the role spellings found in stored profiles.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assigner", "manager":
		return RoleAssigner, nil
	case "assignee", "technician", "technicien":
		return RoleAssignee, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

const UnknownActorName = "Unknown user"

type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role" enum:"assigner,assignee"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (a Actor) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name == "" {
		return a.ID
	}
	return name
}

type Mission struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	Status             Status     `json:"status" enum:"open,assigned,in_progress,awaiting_validation,completed,cancelled"`
	Urgency            Urgency    `json:"urgency" enum:"low,medium,high,critical"`
	XPReward           int        `json:"xp_reward" minimum:"0"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	CreatedBy          string     `json:"created_by"`
	NeedsAttachment    bool       `json:"needs_attachment"`
	AttachmentURL      *string    `json:"attachment_url,omitempty"`
	CompletionNotes    *string    `json:"completion_notes,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty" format:"date-time"`
	CreatedAt          time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt          time.Time  `json:"updated_at" format:"date-time"`
	AssigneeName       string     `json:"assignee_name,omitempty"`
	CreatorName        string     `json:"creator_name,omitempty"`
}

// IsAssignedTo reports whether actorID holds the mission.
func (m Mission) IsAssignedTo(actorID string) bool {
	return m.AssignedTo != nil && *m.AssignedTo == actorID
}

// MissionFilter narrows a mission listing. Zero fields match everything.
type MissionFilter struct {
	Status     Status
	AssignedTo string
	CreatedBy  string
	Limit      int
}

// MissionPatch lists the columns a lifecycle transition writes. Nil fields are left untouched.
type MissionPatch struct {
	Status             *Status `json:"status,omitempty"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	AttachmentURL      *string `json:"attachment_url,omitempty"`
	CompletionNotes    *string `json:"completion_notes,omitempty"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`
}

func (p MissionPatch) Empty() bool {
	return p.Status == nil && p.AssignedTo == nil && p.AttachmentURL == nil &&
		p.CompletionNotes == nil && p.CancellationReason == nil
}

// Apply returns a copy of m with the patch written over it.
func (p MissionPatch) Apply(m Mission) Mission {
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.AssignedTo != nil {
		v := *p.AssignedTo
		m.AssignedTo = &v
		m.AssigneeName = ""
	}
	if p.AttachmentURL != nil {
		v := *p.AttachmentURL
		m.AttachmentURL = &v
	}
	if p.CompletionNotes != nil {
		v := *p.CompletionNotes
		m.CompletionNotes = &v
	}
	if p.CancellationReason != nil {
		v := *p.CancellationReason
		m.CancellationReason = &v
	}
	return m
}

// Holds reports whether every field set in the patch already has that value on m.
func (p MissionPatch) Holds(m Mission) bool {
	if p.Status != nil && m.Status != *p.Status {
		return false
	}
	return sameString(p.AssignedTo, m.AssignedTo) &&
		sameString(p.AttachmentURL, m.AttachmentURL) &&
		sameString(p.CompletionNotes, m.CompletionNotes) &&
		sameString(p.CancellationReason, m.CancellationReason)
}

// Expectation is the stored state a conditional write requires. A nil AssignedTo
// leaves the holder unchecked; an empty one requires the mission to be unassigned.
type Expectation struct {
	Status     Status  `json:"status"`
	AssignedTo *string `json:"assigned_to,omitempty"`
}

func ExpectStatus(s Status) Expectation {
	return Expectation{Status: s}
}

// Holds reports whether m is in the expected state.
func (e Expectation) Holds(m Mission) bool {
	if m.Status != e.Status {
		return false
	}
	if e.AssignedTo == nil {
		return true
	}
	if *e.AssignedTo == "" {
		return m.AssignedTo == nil || *m.AssignedTo == ""
	}
	return m.IsAssignedTo(*e.AssignedTo)
}

func sameString(want, got *string) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}

type Message struct {
	ID         string    `json:"id"`
	MissionID  string    `json:"mission_id"`
	AuthorID   string    `json:"author_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
	AuthorName string    `json:"author_name,omitempty"`
}

// ThreadEntry is either a pending local message (TempID set) or a confirmed one.
type ThreadEntry struct {
	TempID  string  `json:"temp_id,omitempty"`
	Message Message `json:"message"`
}

func Pending(tempID string, m Message) ThreadEntry {
	m.ID = ""
	return ThreadEntry{TempID: tempID, Message: m}
}

func Confirmed(m Message) ThreadEntry {
	return ThreadEntry{Message: m}
}

func (e ThreadEntry) IsPending() bool { return e.TempID != "" }

type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Link        string    `json:"link,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type RewardCredit struct {
	Key       string    `json:"key"`
	ActorID   string    `json:"actor_id"`
	MissionID string    `json:"mission_id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

func MissionLink(missionID string) string {
	return "/missions/" + missionID
}
