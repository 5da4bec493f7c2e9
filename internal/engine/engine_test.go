package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
)

var (
	manager = domain.Actor{ID: "m1", Role: domain.RoleAssigner, FirstName: "Mia"}
	techT1  = domain.Actor{ID: "t1", Role: domain.RoleAssignee, FirstName: "Theo"}
	techT2  = domain.Actor{ID: "t2", Role: domain.RoleAssignee, FirstName: "Tara"}
)

func mission(status domain.Status, assignee string, needsAttachment bool) domain.Mission {
	m := domain.Mission{
		ID:              "mis-1",
		Title:           "Replace router",
		Status:          status,
		Urgency:         domain.UrgencyMedium,
		XPReward:        50,
		CreatedBy:       manager.ID,
		NeedsAttachment: needsAttachment,
	}
	if assignee != "" {
		m.AssignedTo = &assignee
	}
	return m
}

// walk decides and applies a transition, failing the test on error.
func walk(t *testing.T, m domain.Mission, actor domain.Actor, ev engine.Event, p engine.Payload) domain.Mission {
	t.Helper()
	intent, err := engine.Decide(m, actor, ev, p)
	require.NoError(t, err, "%s from %s", ev, m.Status)
	require.True(t, intent.Applicable(m))
	next := intent.Apply(m)
	require.True(t, intent.SatisfiedBy(next))
	return next
}

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name    string
		mission domain.Mission
		actor   domain.Actor
		event   engine.Event
		payload engine.Payload
		want    domain.Status
	}{
		{"claim open", mission(domain.StatusOpen, "", false), techT1, engine.EventClaim, engine.Payload{}, domain.StatusAssigned},
		{"assign open", mission(domain.StatusOpen, "", false), manager, engine.EventAssign, engine.Payload{AssigneeID: "t2"}, domain.StatusAssigned},
		{"reassign", mission(domain.StatusAssigned, "t1", false), manager, engine.EventAssign, engine.Payload{AssigneeID: "t2"}, domain.StatusAssigned},
		{"start", mission(domain.StatusAssigned, "t1", false), techT1, engine.EventStart, engine.Payload{}, domain.StatusInProgress},
		{"submit plain", mission(domain.StatusInProgress, "t1", false), techT1, engine.EventSubmit, engine.Payload{Notes: "ok"}, domain.StatusCompleted},
		{"submit deliverable", mission(domain.StatusInProgress, "t1", true), techT1, engine.EventSubmit, engine.Payload{AttachmentURL: "f.pdf"}, domain.StatusAwaitingValidation},
		{"approve", mission(domain.StatusAwaitingValidation, "t1", true), manager, engine.EventApprove, engine.Payload{}, domain.StatusCompleted},
		{"reject", mission(domain.StatusAwaitingValidation, "t1", true), manager, engine.EventReject, engine.Payload{Reason: "redo"}, domain.StatusInProgress},
		{"cancel assigned", mission(domain.StatusAssigned, "t1", false), manager, engine.EventCancel, engine.Payload{Reason: "dup"}, domain.StatusCancelled},
		{"cancel in progress", mission(domain.StatusInProgress, "t1", false), manager, engine.EventCancel, engine.Payload{Reason: "dup"}, domain.StatusCancelled},
		{"cancel awaiting", mission(domain.StatusAwaitingValidation, "t1", true), manager, engine.EventCancel, engine.Payload{Reason: "dup"}, domain.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := engine.Decide(tt.mission, tt.actor, tt.event, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.mission.Status, intent.Expect)
			assert.Equal(t, tt.want, intent.Target())
			assert.Equal(t, tt.want, intent.Apply(tt.mission).Status)
		})
	}
}

func TestDecideRejectsMissingEdges(t *testing.T) {
	all := []engine.Event{
		engine.EventClaim, engine.EventAssign, engine.EventStart, engine.EventSubmit,
		engine.EventApprove, engine.EventReject, engine.EventCancel,
	}
	for _, ev := range all {
		for _, actor := range []domain.Actor{manager, techT1} {
			m := mission(domain.StatusCompleted, "t1", false)
			_, err := engine.Decide(m, actor, ev, engine.Payload{Reason: "x", AssigneeID: "t2"})
			var ie engine.InvalidTransitionError
			require.ErrorAs(t, err, &ie, "%s by %s", ev, actor.ID)
			assert.Equal(t, domain.StatusCompleted, ie.From)
		}
	}
	// open has no submit or approve edge, so it cannot jump to completed.
	for _, ev := range []engine.Event{engine.EventSubmit, engine.EventApprove} {
		for _, actor := range []domain.Actor{manager, techT1} {
			_, err := engine.Decide(mission(domain.StatusOpen, "", false), actor, ev, engine.Payload{})
			assert.Equal(t, engine.KindInvalidTransition, engine.Classify(err))
		}
	}
	_, err := engine.Decide(mission(domain.StatusOpen, "", false), manager, engine.EventCancel, engine.Payload{Reason: "x"})
	assert.Equal(t, engine.KindInvalidTransition, engine.Classify(err))
}

func TestDecideRoleGate(t *testing.T) {
	_, err := engine.Decide(mission(domain.StatusOpen, "", false), manager, engine.EventClaim, engine.Payload{})
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.RoleAssignee, fe.Role)

	_, err = engine.Decide(mission(domain.StatusAwaitingValidation, "t1", true), techT1, engine.EventApprove, engine.Payload{})
	assert.Equal(t, engine.KindForbidden, engine.Classify(err))

	_, err = engine.Decide(mission(domain.StatusAssigned, "t1", false), techT2, engine.EventStart, engine.Payload{})
	assert.Equal(t, engine.KindForbidden, engine.Classify(err))

	_, err = engine.Decide(mission(domain.StatusInProgress, "t1", false), techT2, engine.EventSubmit, engine.Payload{})
	assert.Equal(t, engine.KindForbidden, engine.Classify(err))
}

func TestDecideCheckOrder(t *testing.T) {
	// wrong role and empty reason: the role check wins over the guard.
	_, err := engine.Decide(mission(domain.StatusInProgress, "t1", false), techT1, engine.EventCancel, engine.Payload{})
	assert.Equal(t, engine.KindForbidden, engine.Classify(err))
	// missing edge and wrong role: the edge check wins.
	_, err = engine.Decide(mission(domain.StatusOpen, "", false), techT1, engine.EventApprove, engine.Payload{})
	assert.Equal(t, engine.KindInvalidTransition, engine.Classify(err))
}

func TestCancelNeedsReason(t *testing.T) {
	m := mission(domain.StatusInProgress, "t1", false)
	for _, reason := range []string{"", "   "} {
		_, err := engine.Decide(m, manager, engine.EventCancel, engine.Payload{Reason: reason})
		var ve engine.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "reason", ve.Field)
	}
	next := walk(t, m, manager, engine.EventCancel, engine.Payload{Reason: "client withdrew"})
	require.NotNil(t, next.CancellationReason)
	assert.Equal(t, "client withdrew", *next.CancellationReason)
	assert.True(t, next.IsAssignedTo("t1"))
}

func TestRejectNeedsReason(t *testing.T) {
	m := mission(domain.StatusAwaitingValidation, "t1", true)
	_, err := engine.Decide(m, manager, engine.EventReject, engine.Payload{})
	assert.Equal(t, engine.KindValidation, engine.Classify(err))
}

func TestAssignNeedsAssignee(t *testing.T) {
	_, err := engine.Decide(mission(domain.StatusOpen, "", false), manager, engine.EventAssign, engine.Payload{})
	assert.Equal(t, engine.KindValidation, engine.Classify(err))
}

func TestClaimIsConditionalOnOpen(t *testing.T) {
	m := mission(domain.StatusOpen, "", false)
	i1, err := engine.Decide(m, techT1, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	i2, err := engine.Decide(m, techT2, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)

	won := i1.Apply(m)
	assert.True(t, i1.SatisfiedBy(won))
	assert.False(t, i2.Applicable(won), "claim must not apply once the mission left open")
	assert.False(t, i2.SatisfiedBy(won), "a different assignee does not confirm the loser's claim")
}

func TestHolderTransitionsPinTheAssignee(t *testing.T) {
	m := mission(domain.StatusAssigned, "t1", false)
	start, err := engine.Decide(m, techT1, engine.EventStart, engine.Payload{})
	require.NoError(t, err)
	require.NotNil(t, start.ExpectAssignee)
	assert.Equal(t, "t1", *start.ExpectAssignee)

	reassign, err := engine.Decide(m, manager, engine.EventAssign, engine.Payload{AssigneeID: "t2"})
	require.NoError(t, err)
	require.NotNil(t, reassign.ExpectAssignee)
	assert.Equal(t, "t1", *reassign.ExpectAssignee)

	moved := reassign.Apply(m)
	assert.False(t, start.Applicable(moved), "a stale holder must not start after reassignment")

	startedByT2 := walk(t, moved, techT2, engine.EventStart, engine.Payload{})
	assert.False(t, start.SatisfiedBy(startedByT2), "another holder's start does not confirm t1's")

	again, err := engine.Decide(m, manager, engine.EventAssign, engine.Payload{AssigneeID: "t1"})
	require.NoError(t, err)
	assert.False(t, again.Applicable(moved), "a concurrent assign must see the holder it replaced")
}

func TestStatusChangeAllowed(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusOpen, domain.StatusAssigned, true},
		{domain.StatusAssigned, domain.StatusAssigned, true},
		{domain.StatusAssigned, domain.StatusInProgress, true},
		{domain.StatusInProgress, domain.StatusCompleted, true},
		{domain.StatusInProgress, domain.StatusAwaitingValidation, true},
		{domain.StatusAwaitingValidation, domain.StatusInProgress, true},
		{domain.StatusAwaitingValidation, domain.StatusCancelled, true},
		{domain.StatusOpen, domain.StatusCompleted, false},
		{domain.StatusOpen, domain.StatusCancelled, false},
		{domain.StatusCompleted, domain.StatusInProgress, false},
		{domain.StatusCancelled, domain.StatusAssigned, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.StatusChangeAllowed(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestAttachmentScenario(t *testing.T) {
	m := mission(domain.StatusInProgress, "t1", true)

	_, err := engine.Decide(m, techT1, engine.EventSubmit, engine.Payload{Notes: "ok"})
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "attachment_url", ve.Field)

	m = walk(t, m, techT1, engine.EventSubmit, engine.Payload{Notes: "ok", AttachmentURL: "f.pdf"})
	assert.Equal(t, domain.StatusAwaitingValidation, m.Status)
	require.NotNil(t, m.AttachmentURL)
	assert.Equal(t, "f.pdf", *m.AttachmentURL)

	m = walk(t, m, manager, engine.EventReject, engine.Payload{Reason: "redo"})
	assert.Equal(t, domain.StatusInProgress, m.Status)

	// the stored attachment satisfies the guard on resubmission.
	m = walk(t, m, techT1, engine.EventSubmit, engine.Payload{Notes: "fixed"})
	assert.Equal(t, domain.StatusAwaitingValidation, m.Status)

	m = walk(t, m, manager, engine.EventApprove, engine.Payload{})
	assert.Equal(t, domain.StatusCompleted, m.Status)

	_, err = engine.Decide(m, manager, engine.EventApprove, engine.Payload{})
	assert.Equal(t, engine.KindInvalidTransition, engine.Classify(err))
}

func TestNewMission(t *testing.T) {
	e := engine.New(config.Default())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	m, err := e.NewMission(manager, engine.MissionCreateOptions{Title: "Audit"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, m.Status)
	assert.Equal(t, 50, m.XPReward)
	assert.Equal(t, domain.UrgencyMedium, m.Urgency)
	assert.NotEmpty(t, m.ID)
	assert.Nil(t, m.AssignedTo)

	m, err = e.NewMission(manager, engine.MissionCreateOptions{Title: "Audit", AssigneeID: "t1", Urgency: "HIGH"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, m.Status)
	assert.True(t, m.IsAssignedTo("t1"))
	assert.Equal(t, domain.UrgencyHigh, m.Urgency)

	_, err = e.NewMission(techT1, engine.MissionCreateOptions{Title: "Audit"})
	assert.Equal(t, engine.KindForbidden, engine.Classify(err))

	_, err = e.NewMission(manager, engine.MissionCreateOptions{Title: " "})
	assert.Equal(t, engine.KindValidation, engine.Classify(err))

	neg := -1
	_, err = e.NewMission(manager, engine.MissionCreateOptions{Title: "Audit", XPReward: &neg})
	assert.Equal(t, engine.KindValidation, engine.Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, engine.KindNone, engine.Classify(nil))
	assert.Equal(t, engine.KindConflict, engine.Classify(&engine.ConflictError{MissionID: "x"}))
	assert.Equal(t, engine.KindConflict, engine.Classify(engine.ErrMutationPending))
	assert.Equal(t, engine.KindTransient, engine.Classify(&engine.TransientError{Op: "update", Err: errors.New("boom")}))
	assert.Equal(t, engine.KindNotFound, engine.Classify(domain.ErrNotFound))
	assert.Equal(t, engine.KindInternal, engine.Classify(errors.New("boom")))
	assert.True(t, engine.Local(engine.ValidationError{Field: "reason"}))
	assert.False(t, engine.Local(&engine.ConflictError{MissionID: "x"}))
}
