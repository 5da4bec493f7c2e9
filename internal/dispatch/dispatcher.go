// Package dispatch derives notifications and reward credits from confirmed
// mission transitions.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
)

const notificationType = "mission"

// Effects records side effects. CreditReward must ignore a key it has already
// credited and report whether this call credited it.
type Effects interface {
	CreditReward(ctx context.Context, credit domain.RewardCredit) (bool, error)
	RecordNotification(ctx context.Context, n domain.Notification) error
}

// Plan is the set of side effects owed for one confirmed change.
type Plan struct {
	Notifications []domain.Notification
	Credits       []domain.RewardCredit
}

func (p Plan) Empty() bool {
	return len(p.Notifications) == 0 && len(p.Credits) == 0
}

type Dispatcher struct {
	effects Effects
	bonus   int
	log     zerolog.Logger
}

func New(effects Effects, cfg *config.Config, log zerolog.Logger) *Dispatcher {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Dispatcher{
		effects: effects,
		bonus:   cfg.Rewards.SubmissionBonus,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

// Plan computes the effects for a confirmed transition from before to after.
func (d *Dispatcher) Plan(ev engine.Event, actor domain.Actor, before, after domain.Mission, p engine.Payload) Plan {
	var plan Plan
	notify := func(recipient, title, body string) {
		if recipient == "" {
			return
		}
		plan.Notifications = append(plan.Notifications, domain.Notification{
			RecipientID: recipient,
			Type:        notificationType,
			Title:       title,
			Body:        body,
			Link:        domain.MissionLink(after.ID),
		})
	}
	assignee := ""
	if after.AssignedTo != nil {
		assignee = *after.AssignedTo
	}

	switch ev {
	case engine.EventClaim:
		notify(after.CreatedBy, "Mission claimed", fmt.Sprintf("%s claimed %q.", actor.DisplayName(), after.Title))
	case engine.EventAssign:
		notify(assignee, "New mission assigned", fmt.Sprintf("You were assigned %q.", after.Title))
	case engine.EventStart:
		if after.CreatedBy != actor.ID {
			notify(after.CreatedBy, "Mission started", fmt.Sprintf("%s started %q.", actor.DisplayName(), after.Title))
		}
	case engine.EventSubmit:
		if after.Status == domain.StatusAwaitingValidation {
			notify(after.CreatedBy, "Deliverable submitted", fmt.Sprintf("%q is waiting for your validation.", after.Title))
		} else {
			notify(after.CreatedBy, "Mission completed", fmt.Sprintf("%s completed %q.", actor.DisplayName(), after.Title))
		}
	case engine.EventApprove:
		notify(assignee, "Mission approved", fmt.Sprintf("%q was approved.", after.Title))
	case engine.EventReject:
		notify(assignee, "Mission rejected", fmt.Sprintf("%q was rejected: %s", after.Title, p.Reason))
	case engine.EventCancel:
		if assignee != "" && assignee != actor.ID {
			notify(assignee, "Mission cancelled", fmt.Sprintf("%q was cancelled: %s", after.Title, p.Reason))
		}
	}

	if after.Status == domain.StatusCompleted && assignee != "" && after.XPReward > 0 &&
		(before.Status == domain.StatusAwaitingValidation || before.Status == domain.StatusInProgress) {
		plan.Credits = append(plan.Credits, domain.RewardCredit{
			Key:       CompletionKey(after.ID),
			ActorID:   assignee,
			MissionID: after.ID,
			Amount:    after.XPReward,
			Reason:    "completion",
		})
	}
	if ev == engine.EventSubmit && after.NeedsAttachment && after.Status == domain.StatusAwaitingValidation &&
		assignee != "" && d.bonus > 0 {
		plan.Credits = append(plan.Credits, domain.RewardCredit{
			Key:       SubmissionKey(after.ID),
			ActorID:   assignee,
			MissionID: after.ID,
			Amount:    d.bonus,
			Reason:    "submission",
		})
	}
	return plan
}

// PlanCreated computes the effects of creating a mission.
func (d *Dispatcher) PlanCreated(m domain.Mission) Plan {
	var plan Plan
	if m.AssignedTo != nil && *m.AssignedTo != "" {
		plan.Notifications = append(plan.Notifications, domain.Notification{
			RecipientID: *m.AssignedTo,
			Type:        notificationType,
			Title:       "New mission assigned",
			Body:        fmt.Sprintf("You were assigned %q.", m.Title),
			Link:        domain.MissionLink(m.ID),
		})
	}
	return plan
}

// Dispatch records every effect of plan. A failing effect does not stop the others;
// the joined error is returned for the caller to surface as a notice.
func (d *Dispatcher) Dispatch(ctx context.Context, plan Plan) error {
	var errs []error
	for _, c := range plan.Credits {
		credited, err := d.effects.CreditReward(ctx, c)
		if err != nil {
			d.log.Warn().Err(err).Str("key", c.Key).Msg("credit reward failed")
			errs = append(errs, fmt.Errorf("credit %s: %w", c.Key, err))
			continue
		}
		if !credited {
			d.log.Debug().Str("key", c.Key).Msg("reward already credited")
		}
	}
	for _, n := range plan.Notifications {
		if err := d.effects.RecordNotification(ctx, n); err != nil {
			d.log.Warn().Err(err).Str("recipient_id", n.RecipientID).Msg("record notification failed")
			errs = append(errs, fmt.Errorf("notify %s: %w", n.RecipientID, err))
		}
	}
	return errors.Join(errs...)
}

func CompletionKey(missionID string) string { return "mission:" + missionID + ":completion" }

func SubmissionKey(missionID string) string { return "mission:" + missionID + ":submission" }
