package missionlinesdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/dispatch"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/feed"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/server"
)

var (
	_ app.Store        = (*Client)(nil)
	_ dispatch.Effects = (*Client)(nil)
	_ feed.Source      = (*Client)(nil)
)

type testServer struct {
	url    string
	repo   repo.Repo
	poller *feed.Poller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.New(conn)
	for _, a := range []domain.Actor{
		{ID: "boss", Role: domain.RoleAssigner, FirstName: "Maya"},
		{ID: "tech", Role: domain.RoleAssignee, FirstName: "Theo"},
	} {
		_, err := r.UpsertActor(ctx, a)
		require.NoError(t, err)
	}
	hub := feed.NewHub()
	p := &feed.Poller{Log: r, Publisher: hub}
	_, err = p.Poll(ctx)
	require.NoError(t, err)

	handler, err := server.New(server.Config{
		Repo:     r,
		Feed:     hub,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret"},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, repo: r, poller: p}
}

func (s *testServer) login(t *testing.T, actorID string) *Client {
	t.Helper()
	c := New(s.url, "")
	_, err := c.DevLogin(context.Background(), actorID)
	require.NoError(t, err)
	return c
}

func TestClientConditionalWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	boss := s.login(t, "boss")
	tech := s.login(t, "tech")

	me, err := tech.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAssignee, me.Role)

	m, err := boss.InsertMission(ctx, domain.Mission{ID: "m-1", Title: "Fix pump", Status: domain.StatusOpen, Urgency: domain.UrgencyMedium, XPReward: 50, CreatedBy: "boss"})
	require.NoError(t, err)
	assert.Equal(t, "Maya", m.CreatorName)

	assigned := domain.StatusAssigned
	who := "tech"
	patch := domain.MissionPatch{Status: &assigned, AssignedTo: &who}
	unassigned := ""
	claim := domain.Expectation{Status: domain.StatusOpen, AssignedTo: &unassigned}
	got, err := tech.UpdateMission(ctx, m.ID, claim, patch)
	require.NoError(t, err)
	assert.True(t, got.IsAssignedTo("tech"))

	_, err = tech.UpdateMission(ctx, m.ID, domain.ExpectStatus(domain.StatusOpen), patch)
	assert.True(t, IsConflict(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "conflict", apiErr.Code)

	inProgress := domain.StatusInProgress
	other := "boss"
	_, err = tech.UpdateMission(ctx, m.ID, domain.Expectation{Status: domain.StatusAssigned, AssignedTo: &other},
		domain.MissionPatch{Status: &inProgress})
	assert.True(t, IsConflict(err), "holder precondition travels over the wire")

	completed := domain.StatusCompleted
	_, err = tech.UpdateMission(ctx, m.ID, domain.ExpectStatus(domain.StatusAssigned), domain.MissionPatch{Status: &completed})
	var invalidChange engine.ValidationError
	require.ErrorAs(t, err, &invalidChange)
	assert.Equal(t, "patch.status", invalidChange.Field)

	_, err = tech.GetMission(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = boss.InsertMission(ctx, domain.Mission{Title: " "})
	var invalid engine.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "title", invalid.Field)

	list, err := boss.ListMissions(ctx, domain.MissionFilter{AssignedTo: "tech"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	credited, err := boss.CreditReward(ctx, domain.RewardCredit{Key: "k1", ActorID: "tech", Amount: 250})
	require.NoError(t, err)
	assert.True(t, credited)
	credited, err = boss.CreditReward(ctx, domain.RewardCredit{Key: "k1", ActorID: "tech", Amount: 250})
	require.NoError(t, err)
	assert.False(t, credited)
	xp, err := tech.XP(ctx, "tech")
	require.NoError(t, err)
	assert.Equal(t, 250, xp.Total)
	assert.Equal(t, 2, xp.Level)

	require.NoError(t, boss.DeleteMission(ctx, m.ID))
	_, err = boss.GetMission(ctx, m.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestClientUnreachableIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", "token")
	c.Timeout = time.Second
	_, err := c.GetMission(context.Background(), "m-1")
	assert.Equal(t, engine.KindTransient, engine.Classify(err))
}

func TestSubscribeReceivesScopedChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestServer(t)
	boss := s.login(t, "boss")

	missions, err := boss.Subscribe(ctx, feed.AllMissions())
	require.NoError(t, err)
	thread, err := boss.Subscribe(ctx, feed.Thread("m-1"))
	require.NoError(t, err)
	defer thread.Close()

	_, err = boss.InsertMission(ctx, domain.Mission{ID: "m-1", Title: "Fix pump", Status: domain.StatusOpen, XPReward: 10, CreatedBy: "boss"})
	require.NoError(t, err)
	_, err = boss.InsertMessage(ctx, domain.Message{MissionID: "m-1", Content: "on my way"})
	require.NoError(t, err)
	_, err = s.poller.Poll(ctx)
	require.NoError(t, err)

	select {
	case c := <-missions.Events():
		assert.Equal(t, feed.ChangeInsert, c.Type)
		assert.Equal(t, "m-1", c.MissionID)
	case <-time.After(3 * time.Second):
		t.Fatal("no mission change")
	}
	select {
	case c := <-thread.Events():
		assert.Equal(t, feed.TableMessages, c.Table)
		require.NotNil(t, c.Message)
		assert.Equal(t, "on my way", c.Message.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("no thread change")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-missions.Events():
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.NoError(t, missions.Close())
}

func TestAppClientOverHTTP(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	cfg := config.Default()

	open := func(actorID string) *app.Client {
		sdk := s.login(t, actorID)
		actor, err := sdk.Me(ctx)
		require.NoError(t, err)
		c := app.New(actor, sdk, sdk, sdk, app.Options{Config: cfg, Logger: zerolog.Nop()})
		require.NoError(t, c.Start(ctx))
		t.Cleanup(c.Close)
		return c
	}
	boss, tech := open("boss"), open("tech")

	xp := 40
	m, err := boss.CreateMission(ctx, engine.MissionCreateOptions{Title: "Check boiler", XPReward: &xp})
	require.NoError(t, err)
	_, err = tech.ListMissions(ctx)
	require.NoError(t, err)
	_, err = tech.RequestTransition(ctx, m.ID, engine.EventClaim, engine.Payload{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _ = s.poller.Poll(ctx)
		got, ok := boss.Mission(m.ID)
		return ok && got.IsAssignedTo("tech")
	}, 3*time.Second, 20*time.Millisecond)

	notes, err := s.repo.ListNotifications(ctx, "boss", false, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Mission claimed", notes[0].Title)
}
