package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine/auth"
)

type Event string

const (
	EventClaim   Event = "claim"
	EventAssign  Event = "assign"
	EventStart   Event = "start"
	EventSubmit  Event = "submit"
	EventApprove Event = "approve"
	EventReject  Event = "reject"
	EventCancel  Event = "cancel"
)

func ParseEvent(s string) (Event, error) {
	ev := Event(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[ev]; !ok {
		return "", fmt.Errorf("unknown event %q", s)
	}
	return ev, nil
}

// Payload carries the free-form inputs some transitions need.
type Payload struct {
	AssigneeID    string `json:"assignee_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Intent is an authorized, conditional mutation: apply Patch only while the
// mission is still in status Expect and, when ExpectAssignee is set, still held by
// that actor. An empty ExpectAssignee requires the mission to be unassigned.
type Intent struct {
	MissionID      string              `json:"mission_id"`
	Event          Event               `json:"event"`
	ActorID        string              `json:"actor_id"`
	Expect         domain.Status       `json:"expect"`
	ExpectAssignee *string             `json:"expect_assignee,omitempty"`
	Patch          domain.MissionPatch `json:"patch"`
}

// Expectation is the precondition the store checks when writing the intent.
func (i Intent) Expectation() domain.Expectation {
	return domain.Expectation{Status: i.Expect, AssignedTo: i.ExpectAssignee}
}

func (i Intent) Target() domain.Status {
	if i.Patch.Status == nil {
		return i.Expect
	}
	return *i.Patch.Status
}

func (i Intent) Apply(m domain.Mission) domain.Mission {
	return i.Patch.Apply(m)
}

// Applicable reports whether the intent's precondition holds on m.
func (i Intent) Applicable(m domain.Mission) bool {
	return i.Expectation().Holds(m)
}

// SatisfiedBy reports whether m already reflects the intent's effect. A transition
// that keeps the holder is only satisfied while the same actor holds the mission.
func (i Intent) SatisfiedBy(m domain.Mission) bool {
	if m.Status != i.Target() || !i.Patch.Holds(m) {
		return false
	}
	if i.Patch.AssignedTo == nil && i.ExpectAssignee != nil && *i.ExpectAssignee != "" {
		return m.IsAssignedTo(*i.ExpectAssignee)
	}
	return true
}

type transition struct {
	from []domain.Status
	to   []domain.Status
	role domain.Role
}

func (t transition) leaves(s domain.Status) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

var transitions = map[Event]transition{
	EventClaim: {
		from: []domain.Status{domain.StatusOpen},
		to:   []domain.Status{domain.StatusAssigned},
		role: domain.RoleAssignee,
	},
	EventAssign: {
		from: []domain.Status{domain.StatusOpen, domain.StatusAssigned},
		to:   []domain.Status{domain.StatusAssigned},
		role: domain.RoleAssigner,
	},
	EventStart: {
		from: []domain.Status{domain.StatusAssigned},
		to:   []domain.Status{domain.StatusInProgress},
		role: domain.RoleAssignee,
	},
	EventSubmit: {
		from: []domain.Status{domain.StatusInProgress},
		to:   []domain.Status{domain.StatusCompleted, domain.StatusAwaitingValidation},
		role: domain.RoleAssignee,
	},
	EventApprove: {
		from: []domain.Status{domain.StatusAwaitingValidation},
		to:   []domain.Status{domain.StatusCompleted},
		role: domain.RoleAssigner,
	},
	EventReject: {
		from: []domain.Status{domain.StatusAwaitingValidation},
		to:   []domain.Status{domain.StatusInProgress},
		role: domain.RoleAssigner,
	},
	EventCancel: {
		from: []domain.Status{domain.StatusAssigned, domain.StatusInProgress, domain.StatusAwaitingValidation},
		to:   []domain.Status{domain.StatusCancelled},
		role: domain.RoleAssigner,
	},
}

// StatusChangeAllowed reports whether some lifecycle event moves a mission from
// one status to the other.
func StatusChangeAllowed(from, to domain.Status) bool {
	for _, t := range transitions {
		if !t.leaves(from) {
			continue
		}
		for _, s := range t.to {
			if s == to {
				return true
			}
		}
	}
	return false
}

// Decide checks the edge, then the role, then the guard, and returns the intent for
// a legal transition. It performs no I/O.
func Decide(m domain.Mission, actor domain.Actor, ev Event, p Payload) (Intent, error) {
	t, ok := transitions[ev]
	if !ok || !t.leaves(m.Status) {
		return Intent{}, InvalidTransitionError{From: m.Status, Event: ev}
	}
	if err := auth.RequireRole(actor, t.role, string(ev)); err != nil {
		return Intent{}, err
	}
	intent := Intent{MissionID: m.ID, Event: ev, ActorID: actor.ID, Expect: m.Status}
	switch ev {
	case EventClaim:
		intent.ExpectAssignee = str("")
		intent.Patch = domain.MissionPatch{Status: status(domain.StatusAssigned), AssignedTo: str(actor.ID)}
	case EventAssign:
		assignee := strings.TrimSpace(p.AssigneeID)
		if assignee == "" {
			return Intent{}, ValidationError{Field: "assignee_id", Reason: "an assignee is required"}
		}
		intent.ExpectAssignee = str("")
		if m.AssignedTo != nil {
			intent.ExpectAssignee = str(*m.AssignedTo)
		}
		intent.Patch = domain.MissionPatch{Status: status(domain.StatusAssigned), AssignedTo: str(assignee)}
	case EventStart:
		if err := auth.RequireHolder(actor, m, string(ev)); err != nil {
			return Intent{}, err
		}
		intent.ExpectAssignee = str(actor.ID)
		intent.Patch = domain.MissionPatch{Status: status(domain.StatusInProgress)}
	case EventSubmit:
		if err := auth.RequireHolder(actor, m, string(ev)); err != nil {
			return Intent{}, err
		}
		intent.ExpectAssignee = str(actor.ID)
		attachment := strings.TrimSpace(p.AttachmentURL)
		if m.NeedsAttachment && attachment == "" && (m.AttachmentURL == nil || strings.TrimSpace(*m.AttachmentURL) == "") {
			return Intent{}, ValidationError{Field: "attachment_url", Reason: "this mission needs a deliverable before submission"}
		}
		to := domain.StatusCompleted
		if m.NeedsAttachment {
			to = domain.StatusAwaitingValidation
		}
		intent.Patch = domain.MissionPatch{Status: status(to)}
		if attachment != "" {
			intent.Patch.AttachmentURL = str(attachment)
		}
		if notes := strings.TrimSpace(p.Notes); notes != "" {
			intent.Patch.CompletionNotes = str(notes)
		}
	case EventApprove:
		intent.Patch = domain.MissionPatch{Status: status(domain.StatusCompleted)}
	case EventReject:
		reason := strings.TrimSpace(p.Reason)
		if reason == "" {
			return Intent{}, ValidationError{Field: "reason", Reason: "a rejection reason is required"}
		}
		intent.Patch = domain.MissionPatch{Status: status(domain.StatusInProgress), CompletionNotes: str(reason)}
	case EventCancel:
		reason := strings.TrimSpace(p.Reason)
		if reason == "" {
			return Intent{}, ValidationError{Field: "reason", Reason: "a cancellation reason is required"}
		}
		intent.Patch = domain.MissionPatch{Status: status(domain.StatusCancelled), CancellationReason: str(reason)}
	}
	return intent, nil
}

// Engine holds the non-pure inputs of mission creation.
type Engine struct {
	Config *config.Config
	Now    func() time.Time
}

func New(cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{Config: cfg, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// MissionCreateOptions are parameters for creating a mission.
type MissionCreateOptions struct {
	ID              string
	Title           string
	Description     string
	Urgency         string
	XPReward        *int
	AssigneeID      string
	NeedsAttachment bool
	Deadline        *time.Time
}

// NewMission validates a creation request and builds the initial record. Naming an
// assignee creates the mission directly in the assigned state.
func (e Engine) NewMission(actor domain.Actor, opts MissionCreateOptions) (domain.Mission, error) {
	if err := auth.RequireRole(actor, domain.RoleAssigner, "create"); err != nil {
		return domain.Mission{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Mission{}, ValidationError{Field: "title", Reason: "a title is required"}
	}
	urgency, err := domain.ParseUrgency(opts.Urgency)
	if err != nil {
		return domain.Mission{}, ValidationError{Field: "urgency", Reason: err.Error()}
	}
	xp := 0
	if e.Config != nil {
		xp = e.Config.Rewards.DefaultXP
	}
	if opts.XPReward != nil {
		xp = *opts.XPReward
	}
	if xp < 0 {
		return domain.Mission{}, ValidationError{Field: "xp_reward", Reason: "must be zero or more"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	m := domain.Mission{
		ID:              id,
		Title:           title,
		Description:     strings.TrimSpace(opts.Description),
		Status:          domain.StatusOpen,
		Urgency:         urgency,
		XPReward:        xp,
		CreatedBy:       actor.ID,
		NeedsAttachment: opts.NeedsAttachment,
		Deadline:        opts.Deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if assignee := strings.TrimSpace(opts.AssigneeID); assignee != "" {
		m.Status = domain.StatusAssigned
		m.AssignedTo = &assignee
	}
	return m, nil
}

func status(s domain.Status) *domain.Status { return &s }

func str(s string) *string { return &s }
