package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/entity"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// memStore is a conditional-write store with hooks that run before a write lands.
type memStore struct {
	mu       sync.Mutex
	missions map[string]domain.Mission
	messages []domain.Message
	clock    time.Time

	beforeUpdate func()
	beforeInsert func(m domain.Message)
	updateErr    error
	insertErr    error
}

func newMemStore(ms ...domain.Mission) *memStore {
	s := &memStore{missions: map[string]domain.Mission{}, clock: t0}
	for _, m := range ms {
		s.missions[m.ID] = m
	}
	return s
}

func (s *memStore) GetMission(_ context.Context, id string) (domain.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return domain.Mission{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memStore) UpdateMission(_ context.Context, id string, expect domain.Expectation, patch domain.MissionPatch) (domain.Mission, error) {
	if s.beforeUpdate != nil {
		s.beforeUpdate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return domain.Mission{}, s.updateErr
	}
	m, ok := s.missions[id]
	if !ok {
		return domain.Mission{}, domain.ErrNotFound
	}
	if !expect.Holds(m) {
		return domain.Mission{}, domain.ErrConflict
	}
	s.clock = s.clock.Add(time.Second)
	m = patch.Apply(m)
	m.UpdatedAt = s.clock
	s.missions[id] = m
	return m, nil
}

// forceUpdate writes as another client would.
func (s *memStore) forceUpdate(id string, patch domain.MissionPatch) domain.Mission {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	m := patch.Apply(s.missions[id])
	m.UpdatedAt = s.clock
	s.missions[id] = m
	return m
}

func (s *memStore) InsertMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	s.mu.Lock()
	if s.insertErr != nil {
		s.mu.Unlock()
		return domain.Message{}, s.insertErr
	}
	m.ID = fmt.Sprintf("msg-%d", len(s.messages)+1)
	m.CreatedAt = s.clock
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	if s.beforeInsert != nil {
		s.beforeInsert(m)
	}
	return m, nil
}

func openMission() domain.Mission {
	return domain.Mission{ID: "m1", Title: "Fix the pump", Status: domain.StatusOpen, CreatedBy: "boss", CreatedAt: t0, UpdatedAt: t0}
}

var (
	theo = domain.Actor{ID: "theo", Role: domain.RoleAssignee, FirstName: "Theo"}
	tina = domain.Actor{ID: "tina", Role: domain.RoleAssignee, FirstName: "Tina"}
)

func newReconciler(store Store, entities *entity.Store) *Reconciler {
	n := 0
	return New(store, entities, WithClock(func() time.Time { return t0.Add(time.Hour) }), WithTempIDs(func() string {
		n++
		return fmt.Sprintf("temp-%d", n)
	}))
}

func TestClaimSuccessKeepsAuthoritativeRow(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)

	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	updated, err := r.ApplyIntent(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, updated.Status)

	got, ok := entities.Mission("m1")
	require.True(t, ok)
	assert.True(t, got.IsAssignedTo("theo"))
	assert.Equal(t, updated.UpdatedAt, got.UpdatedAt)
	assert.False(t, r.Pending("m1"))
}

func TestLosingClaimRollsBackToWinner(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)

	var seen []domain.Mission
	entities.OnChange(func(c entity.Change) {
		if m, ok := entities.Mission(c.MissionID); ok {
			seen = append(seen, m)
		}
	})
	store.beforeUpdate = func() {
		store.forceUpdate("m1", domain.MissionPatch{Status: ptr(domain.StatusAssigned), AssignedTo: ptr("tina")})
	}

	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	_, err = r.ApplyIntent(ctx, intent)

	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.NotNil(t, conflict.Current)
	assert.True(t, conflict.Current.IsAssignedTo("tina"))
	assert.Equal(t, engine.KindConflict, engine.Classify(err))

	got, _ := entities.Mission("m1")
	assert.True(t, got.IsAssignedTo("tina"))
	require.Len(t, seen, 2)
	assert.True(t, seen[0].IsAssignedTo("theo"), "optimistic claim shown first")
	assert.True(t, seen[1].IsAssignedTo("tina"))
}

func TestTransientFailureRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	m := openMission()
	m.Status = domain.StatusAssigned
	m.AssignedTo = ptr("theo")
	store := newMemStore(m)
	store.updateErr = errors.New("connection reset")
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: m})
	r := newReconciler(store, entities)

	intent, err := engine.Decide(m, theo, engine.EventStart, engine.Payload{})
	require.NoError(t, err)
	_, err = r.ApplyIntent(ctx, intent)
	assert.Equal(t, engine.KindTransient, engine.Classify(err))

	got, _ := entities.Mission("m1")
	assert.Equal(t, domain.StatusAssigned, got.Status)
	assert.False(t, r.Pending("m1"))
}

func TestSecondMutationWhilePendingIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)

	release := make(chan struct{})
	entered := make(chan struct{})
	store.beforeUpdate = func() {
		close(entered)
		<-release
	}
	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.ApplyIntent(ctx, intent)
		done <- err
	}()
	<-entered
	assert.True(t, r.Pending("m1"))
	_, err = r.ApplyIntent(ctx, intent)
	assert.ErrorIs(t, err, engine.ErrMutationPending)

	close(release)
	require.NoError(t, <-done)
}

func TestAuthoritativeEventsDuringPendingWrite(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)

	var during domain.Mission
	store.beforeUpdate = func() {
		// An unrelated edit arrives while the claim is in flight: the claim stays visible.
		edited := openMission()
		edited.Title = "Fix the big pump"
		edited.UpdatedAt = t0.Add(500 * time.Millisecond)
		store.mu.Lock()
		store.missions["m1"] = edited
		store.mu.Unlock()
		r.Authoritative(edited)
		during, _ = entities.Mission("m1")
	}
	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	_, err = r.ApplyIntent(ctx, intent)
	require.NoError(t, err)

	assert.Equal(t, "Fix the big pump", during.Title)
	assert.True(t, during.IsAssignedTo("theo"))
	final, _ := entities.Mission("m1")
	assert.Equal(t, "Fix the big pump", final.Title)
	assert.True(t, final.IsAssignedTo("theo"))
}

func TestAuthoritativeEventIsIdempotent(t *testing.T) {
	entities := entity.NewStore()
	r := newReconciler(newMemStore(), entities)
	changes := 0
	entities.OnChange(func(entity.Change) { changes++ })

	m := openMission()
	r.Authoritative(m)
	r.Authoritative(m)
	assert.Equal(t, 1, changes)

	r.Removed("m1")
	r.Removed("m1")
	assert.Equal(t, 2, changes)
}

func TestMissionRemovedDuringWrite(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)
	store.beforeUpdate = func() {
		store.mu.Lock()
		delete(store.missions, "m1")
		store.mu.Unlock()
		r.Removed("m1")
	}

	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	_, err = r.ApplyIntent(ctx, intent)
	var conflict *engine.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Nil(t, conflict.Current)
	_, ok := entities.Mission("m1")
	assert.False(t, ok)
}

func loadThread(entities *entity.Store) {
	entities.Apply(entity.SetThread{MissionID: "m1", Entries: nil})
}

func TestSendEchoBeforeResponseLeavesOneEntry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	loadThread(entities)
	r := newReconciler(store, entities)

	store.beforeInsert = func(m domain.Message) {
		m.AuthorName = "Theo"
		r.MessageArrived(m)
	}
	saved, err := r.Send(ctx, "m1", theo, "Done")
	require.NoError(t, err)

	thread, _ := entities.Thread("m1")
	require.Len(t, thread, 1)
	assert.False(t, thread[0].IsPending())
	assert.Equal(t, saved.ID, thread[0].Message.ID)

	// A late duplicate of the echo changes nothing.
	r.MessageArrived(saved)
	thread, _ = entities.Thread("m1")
	assert.Len(t, thread, 1)
}

func TestSendResponseBeforeEcho(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	loadThread(entities)
	r := newReconciler(store, entities)

	saved, err := r.Send(ctx, "m1", theo, "  On my way ")
	require.NoError(t, err)
	assert.Equal(t, "On my way", saved.Content)
	r.MessageArrived(saved)

	thread, _ := entities.Thread("m1")
	require.Len(t, thread, 1)
	assert.Equal(t, "Theo", thread[0].Message.AuthorName)
}

func TestIdenticalSendsStayDistinct(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	loadThread(entities)
	r := newReconciler(store, entities)

	first, err := r.Send(ctx, "m1", theo, "ok")
	require.NoError(t, err)
	second, err := r.Send(ctx, "m1", theo, "ok")
	require.NoError(t, err)
	r.MessageArrived(second)
	r.MessageArrived(first)

	thread, _ := entities.Thread("m1")
	require.Len(t, thread, 2)
	assert.Equal(t, first.ID, thread[0].Message.ID)
	assert.Equal(t, second.ID, thread[1].Message.ID)
}

func TestFailedSendLeavesNoGhost(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	store.insertErr = errors.New("timeout")
	entities := entity.NewStore()
	loadThread(entities)
	r := newReconciler(store, entities)

	var peak int
	entities.OnChange(func(c entity.Change) {
		if th, ok := entities.Thread("m1"); ok && len(th) > peak {
			peak = len(th)
		}
	})
	_, err := r.Send(ctx, "m1", tina, "Need parts")
	assert.Equal(t, engine.KindTransient, engine.Classify(err))
	assert.Equal(t, 1, peak, "placeholder shown while sending")

	thread, _ := entities.Thread("m1")
	assert.Empty(t, thread)
}

func TestEmptyMessageIsRejectedLocally(t *testing.T) {
	r := newReconciler(newMemStore(), entity.NewStore())
	_, err := r.Send(context.Background(), "m1", theo, "   ")
	assert.True(t, engine.Local(err))
}

func TestMergeMessageIgnoresOtherAuthorsPending(t *testing.T) {
	entries := []domain.ThreadEntry{domain.Pending("temp-1", domain.Message{AuthorID: "theo", Content: "hi"})}
	entries = MergeMessage(entries, domain.Message{ID: "x", AuthorID: "tina", Content: "hi"})
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsPending())
}

func ptr[T any](v T) *T { return &v }

func TestReloadKeepsPendingOverlay(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)

	var during domain.Mission
	store.beforeUpdate = func() {
		other := openMission()
		other.ID = "m2"
		r.Reload([]domain.Mission{openMission(), other})
		during, _ = entities.Mission("m1")
	}
	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	_, err = r.ApplyIntent(ctx, intent)
	require.NoError(t, err)

	assert.True(t, during.IsAssignedTo("theo"))
	assert.Len(t, entities.Missions(), 2)
}

func TestLoadThreadOrdersConfirmedBeforePending(t *testing.T) {
	pushed := domain.Message{ID: "b", AuthorID: "tina", Content: "late", CreatedAt: t0.Add(2 * time.Minute)}
	entries := []domain.ThreadEntry{
		domain.Confirmed(pushed),
		domain.Pending("temp-1", domain.Message{AuthorID: "theo", Content: "typing"}),
	}
	listed := []domain.Message{
		{ID: "a", AuthorID: "theo", Content: "first", CreatedAt: t0},
		pushed,
	}
	got := LoadThread(entries, listed)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Message.ID)
	assert.Equal(t, "b", got[1].Message.ID)
	assert.True(t, got[2].IsPending())
}

func TestReloadDoesNotRegressNewerPush(t *testing.T) {
	entities := entity.NewStore()
	r := newReconciler(newMemStore(), entities)

	listed := openMission()
	listed.UpdatedAt = t0.Add(100 * time.Second)
	pushed := openMission()
	pushed.Status = domain.StatusCancelled
	pushed.CancellationReason = ptr("duplicate")
	pushed.UpdatedAt = t0.Add(200 * time.Second)

	r.Authoritative(pushed)
	r.Reload([]domain.Mission{listed})
	got, ok := entities.Mission("m1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, pushed.UpdatedAt, got.UpdatedAt)

	r.Authoritative(listed)
	got, _ = entities.Mission("m1")
	assert.Equal(t, domain.StatusCancelled, got.Status, "an older push is ignored")

	newer := listed
	newer.Title = "Fix the pump again"
	newer.UpdatedAt = t0.Add(300 * time.Second)
	r.Reload([]domain.Mission{newer})
	got, _ = entities.Mission("m1")
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Equal(t, "Fix the pump again", got.Title)
}

func TestReloadDuringWriteKeepsNewerBase(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openMission())
	entities := entity.NewStore()
	entities.Apply(entity.PutMission{Mission: openMission()})
	r := newReconciler(store, entities)

	var during domain.Mission
	store.beforeUpdate = func() {
		edited := openMission()
		edited.Title = "Fix the big pump"
		edited.UpdatedAt = t0.Add(500 * time.Millisecond)
		r.Authoritative(edited)
		r.Reload([]domain.Mission{openMission()})
		during, _ = entities.Mission("m1")
	}
	intent, err := engine.Decide(openMission(), theo, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)
	_, err = r.ApplyIntent(ctx, intent)
	require.NoError(t, err)

	assert.Equal(t, "Fix the big pump", during.Title)
	assert.True(t, during.IsAssignedTo("theo"))
}
