package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/domain"
	"missionline/internal/engine"
)

type memEffects struct {
	mu            sync.Mutex
	credited      map[string]domain.RewardCredit
	notifications []domain.Notification
	notifyErr     error
}

func newMemEffects() *memEffects {
	return &memEffects{credited: map[string]domain.RewardCredit{}}
}

func (m *memEffects) CreditReward(_ context.Context, c domain.RewardCredit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credited[c.Key]; ok {
		return false, nil
	}
	m.credited[c.Key] = c
	return true, nil
}

func (m *memEffects) RecordNotification(_ context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *memEffects) total(actorID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, c := range m.credited {
		if c.ActorID == actorID {
			sum += c.Amount
		}
	}
	return sum
}

var (
	boss = domain.Actor{ID: "boss", Role: domain.RoleAssigner, FirstName: "Maya"}
	tech = domain.Actor{ID: "tech", Role: domain.RoleAssignee, FirstName: "Theo"}
)

func mission(status domain.Status) domain.Mission {
	assignee := "tech"
	return domain.Mission{ID: "m1", Title: "Pump", Status: status, XPReward: 50, CreatedBy: "boss", AssignedTo: &assignee}
}

func newDispatcher(e Effects) *Dispatcher {
	return New(e, nil, zerolog.Nop())
}

func TestRepeatedApproveCreditsOnce(t *testing.T) {
	ctx := context.Background()
	effects := newMemEffects()
	d := newDispatcher(effects)

	plan := d.Plan(engine.EventApprove, boss, mission(domain.StatusAwaitingValidation), mission(domain.StatusCompleted), engine.Payload{})
	require.Len(t, plan.Credits, 1)
	assert.Equal(t, CompletionKey("m1"), plan.Credits[0].Key)

	require.NoError(t, d.Dispatch(ctx, plan))
	require.NoError(t, d.Dispatch(ctx, plan))
	assert.Equal(t, 50, effects.total("tech"))
	assert.Len(t, effects.notifications, 2)
}

func TestDirectSubmitCreditsCompletion(t *testing.T) {
	d := newDispatcher(newMemEffects())
	plan := d.Plan(engine.EventSubmit, tech, mission(domain.StatusInProgress), mission(domain.StatusCompleted), engine.Payload{})
	require.Len(t, plan.Credits, 1)
	assert.Equal(t, 50, plan.Credits[0].Amount)
	require.Len(t, plan.Notifications, 1)
	assert.Equal(t, "Mission completed", plan.Notifications[0].Title)
	assert.Equal(t, "boss", plan.Notifications[0].RecipientID)
}

func TestAttachmentSubmitCreditsBonusOnly(t *testing.T) {
	d := newDispatcher(newMemEffects())
	before := mission(domain.StatusInProgress)
	before.NeedsAttachment = true
	after := mission(domain.StatusAwaitingValidation)
	after.NeedsAttachment = true

	plan := d.Plan(engine.EventSubmit, tech, before, after, engine.Payload{AttachmentURL: "https://files/report.pdf"})
	require.Len(t, plan.Credits, 1)
	assert.Equal(t, SubmissionKey("m1"), plan.Credits[0].Key)
	assert.Equal(t, 10, plan.Credits[0].Amount)
	assert.Equal(t, "Deliverable submitted", plan.Notifications[0].Title)
}

func TestNoRewardOutsideCompletionEdges(t *testing.T) {
	d := newDispatcher(newMemEffects())
	for _, tc := range []struct {
		ev            engine.Event
		before, after domain.Status
	}{
		{engine.EventStart, domain.StatusAssigned, domain.StatusInProgress},
		{engine.EventReject, domain.StatusAwaitingValidation, domain.StatusInProgress},
		{engine.EventCancel, domain.StatusInProgress, domain.StatusCancelled},
	} {
		plan := d.Plan(tc.ev, boss, mission(tc.before), mission(tc.after), engine.Payload{Reason: "r"})
		assert.Empty(t, plan.Credits, tc.ev)
	}
}

func TestNotificationRecipients(t *testing.T) {
	d := newDispatcher(newMemEffects())
	open := mission(domain.StatusOpen)
	open.AssignedTo = nil

	claim := d.Plan(engine.EventClaim, tech, open, mission(domain.StatusAssigned), engine.Payload{})
	require.Len(t, claim.Notifications, 1)
	assert.Equal(t, "boss", claim.Notifications[0].RecipientID)
	assert.Equal(t, "/missions/m1", claim.Notifications[0].Link)
	assert.Equal(t, "mission", claim.Notifications[0].Type)

	cancel := d.Plan(engine.EventCancel, boss, mission(domain.StatusInProgress), mission(domain.StatusCancelled), engine.Payload{Reason: "no budget"})
	require.Len(t, cancel.Notifications, 1)
	assert.Equal(t, "tech", cancel.Notifications[0].RecipientID)
	assert.Contains(t, cancel.Notifications[0].Body, "no budget")

	reject := d.Plan(engine.EventReject, boss, mission(domain.StatusAwaitingValidation), mission(domain.StatusInProgress), engine.Payload{Reason: "blurry photo"})
	assert.Contains(t, reject.Notifications[0].Body, "blurry photo")

	selfStart := mission(domain.StatusInProgress)
	selfStart.CreatedBy = "tech"
	assert.True(t, d.Plan(engine.EventStart, tech, mission(domain.StatusAssigned), selfStart, engine.Payload{}).Empty())
}

func TestPlanCreatedNotifiesAssignee(t *testing.T) {
	d := newDispatcher(newMemEffects())
	plan := d.PlanCreated(mission(domain.StatusAssigned))
	require.Len(t, plan.Notifications, 1)
	assert.Equal(t, "tech", plan.Notifications[0].RecipientID)

	unassigned := mission(domain.StatusOpen)
	unassigned.AssignedTo = nil
	assert.True(t, d.PlanCreated(unassigned).Empty())
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	effects := newMemEffects()
	effects.notifyErr = errors.New("offline")
	d := newDispatcher(effects)
	plan := d.Plan(engine.EventApprove, boss, mission(domain.StatusAwaitingValidation), mission(domain.StatusCompleted), engine.Payload{})

	err := d.Dispatch(context.Background(), plan)
	assert.ErrorContains(t, err, "offline")
	assert.Equal(t, 50, effects.total("tech"))
}

func TestLevels(t *testing.T) {
	assert.Equal(t, 1, LevelForXP(0))
	assert.Equal(t, 1, LevelForXP(199))
	assert.Equal(t, 2, LevelForXP(200))
	assert.Equal(t, 6, LevelForXP(15000))
	assert.Equal(t, 10, LevelForXP(1_000_000))
	assert.Equal(t, "Recruit", LevelTitle(0))
	assert.Equal(t, "Industrial Legend", LevelTitle(11))

	into, span := Progress(500)
	assert.Equal(t, 300, into)
	assert.Equal(t, 600, span)
	_, span = Progress(300000)
	assert.Zero(t, span)
}
