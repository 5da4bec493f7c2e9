// Package app is the UI-facing facade: it wires the lifecycle engine, the entity
// store, the realtime multiplexer, reconciliation and the dispatcher for one actor.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"missionline/internal/config"
	"missionline/internal/dispatch"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/entity"
	"missionline/internal/feed"
	"missionline/internal/realtime"
	"missionline/internal/reconcile"
)

const resyncTimeout = 10 * time.Second

// Store is the persistent store the client reads and writes.
type Store interface {
	ListMissions(ctx context.Context, f domain.MissionFilter) ([]domain.Mission, error)
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	InsertMission(ctx context.Context, m domain.Mission) (domain.Mission, error)
	UpdateMission(ctx context.Context, id string, expect domain.Expectation, patch domain.MissionPatch) (domain.Mission, error)
	ListMessages(ctx context.Context, missionID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	GetActor(ctx context.Context, id string) (domain.Actor, error)
}

// Notice is a non-fatal problem surfaced to the user, such as a failed side effect.
type Notice struct {
	Kind      engine.Kind
	MissionID string
	Message   string
	Err       error
}

type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Now    func() time.Time
}

type Client struct {
	actor    domain.Actor
	store    Store
	entities *entity.Store
	mux      *realtime.Multiplexer
	rec      *reconcile.Reconciler
	disp     *dispatch.Dispatcher
	eng      engine.Engine
	log      zerolog.Logger

	mu       sync.Mutex
	notices  map[int]func(Notice)
	nextID   int
	started  bool
	closed   bool
	loopDone chan struct{}
}

func New(actor domain.Actor, store Store, effects dispatch.Effects, source feed.Source, opts Options) *Client {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger.With().Str("component", "app").Str("actor_id", actor.ID).Logger()
	entities := entity.NewStore()
	recOpts := []reconcile.Option{reconcile.WithLogger(opts.Logger)}
	eng := engine.New(cfg)
	if opts.Now != nil {
		recOpts = append(recOpts, reconcile.WithClock(opts.Now))
		eng.Now = opts.Now
	}
	return &Client{
		actor:    actor,
		store:    store,
		entities: entities,
		mux: realtime.New(source, store, realtime.Options{
			LookupTimeout: cfg.Realtime.LookupTimeout,
			Buffer:        cfg.Realtime.SubscriberBuffer,
			Logger:        opts.Logger,
		}),
		rec:      reconcile.New(store, entities, recOpts...),
		disp:     dispatch.New(effects, cfg, opts.Logger),
		eng:      eng,
		log:      log,
		notices:  map[int]func(Notice){},
		loopDone: make(chan struct{}),
	}
}

func (c *Client) Actor() domain.Actor { return c.actor }

// Start opens the global mission subscription and starts the event loop. Calling it
// again is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	if c.started {
		return nil
	}
	if err := c.mux.Start(ctx); err != nil {
		return err
	}
	c.started = true
	go c.loop()
	return nil
}

// Close tears down every subscription and waits for the event loop to exit.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()
	c.mux.Close()
	if started {
		<-c.loopDone
	}
}

// loop applies multiplexer events one at a time.
func (c *Client) loop() {
	defer close(c.loopDone)
	for ev := range c.mux.Events() {
		switch ev := ev.(type) {
		case realtime.MissionChanged:
			c.rec.Authoritative(ev.Mission)
		case realtime.MissionRemoved:
			c.rec.Removed(ev.MissionID)
		case realtime.MessageArrived:
			c.rec.MessageArrived(ev.Message)
		case realtime.Resync:
			c.resync(ev.Scope)
		}
	}
}

// resync re-reads a scope whose feed lost changes.
func (c *Client) resync(scope feed.Scope) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if !scope.IsThread() {
		if _, err := c.ListMissions(ctx); err != nil {
			c.log.Warn().Err(err).Msg("resync missions failed")
		}
		return
	}
	if _, loaded := c.entities.Thread(scope.MissionID); !loaded {
		return
	}
	msgs, err := c.store.ListMessages(ctx, scope.MissionID)
	if err != nil {
		c.log.Warn().Err(err).Str("mission_id", scope.MissionID).Msg("resync thread failed")
		return
	}
	c.entities.Apply(entity.ThreadPatch{MissionID: scope.MissionID, Fn: func(es []domain.ThreadEntry) []domain.ThreadEntry {
		return reconcile.LoadThread(es, msgs)
	}})
}

// ListMissions reloads every mission from the store and returns the local view.
func (c *Client) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	missions, err := c.store.ListMissions(ctx, domain.MissionFilter{})
	if err != nil {
		return nil, &engine.TransientError{Op: "list missions", Err: err}
	}
	c.rec.Reload(missions)
	return c.entities.Missions(), nil
}

// Missions returns the local view without a read.
func (c *Client) Missions() []domain.Mission {
	return c.entities.Missions()
}

func (c *Client) Mission(id string) (domain.Mission, bool) {
	return c.entities.Mission(id)
}

// GetThread subscribes to a mission's messages and loads its history. The
// subscription opens first so nothing written during the read is missed.
func (c *Client) GetThread(ctx context.Context, missionID string) ([]domain.ThreadEntry, error) {
	if _, loaded := c.entities.Thread(missionID); !loaded {
		c.entities.Apply(entity.SetThread{MissionID: missionID})
	}
	if err := c.mux.OpenThread(ctx, missionID); err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(ctx, missionID)
	if err != nil {
		return nil, &engine.TransientError{Op: "list messages", Err: err}
	}
	c.entities.Apply(entity.ThreadPatch{MissionID: missionID, Fn: func(es []domain.ThreadEntry) []domain.ThreadEntry {
		return reconcile.LoadThread(es, msgs)
	}})
	entries, _ := c.entities.Thread(missionID)
	return entries, nil
}

// Thread returns a loaded thread without a read.
func (c *Client) Thread(missionID string) ([]domain.ThreadEntry, bool) {
	return c.entities.Thread(missionID)
}

// CloseThread ends the thread subscription and forgets its messages.
func (c *Client) CloseThread(missionID string) {
	c.mux.CloseThread(missionID)
	c.entities.Apply(entity.DropThread{MissionID: missionID})
}

// RequestTransition runs ev against the current local snapshot, applies it
// optimistically, writes it, and dispatches its side effects once confirmed.
func (c *Client) RequestTransition(ctx context.Context, missionID string, ev engine.Event, p engine.Payload) (domain.Mission, error) {
	before, ok := c.entities.Mission(missionID)
	if !ok {
		m, err := c.store.GetMission(ctx, missionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Mission{}, err
			}
			return domain.Mission{}, &engine.TransientError{Op: "read mission", Err: err}
		}
		c.rec.Authoritative(m)
		before = m
	}
	intent, err := engine.Decide(before, c.actor, ev, p)
	if err != nil {
		return domain.Mission{}, err
	}
	after, err := c.rec.ApplyIntent(ctx, intent)
	if err != nil {
		c.noticeFor(missionID, err)
		return domain.Mission{}, err
	}
	c.log.Info().Str("mission_id", missionID).Str("event", string(ev)).Str("status", string(after.Status)).Msg("transition confirmed")

	if ev == engine.EventReject {
		body := fmt.Sprintf("Mission rejected. Reason: %s", p.Reason)
		if _, err := c.rec.Send(ctx, missionID, c.actor, body); err != nil {
			c.notify(Notice{Kind: engine.Classify(err), MissionID: missionID, Message: "rejection note was not posted", Err: err})
		}
	}
	if err := c.disp.Dispatch(ctx, c.disp.Plan(ev, c.actor, before, after, p)); err != nil {
		c.notify(Notice{Kind: engine.KindTransient, MissionID: missionID, Message: "some notifications or rewards were not recorded", Err: err})
	}
	return after, nil
}

// SendMessage posts to a mission thread. The message shows as pending until confirmed.
func (c *Client) SendMessage(ctx context.Context, missionID, content string) (domain.Message, error) {
	m, err := c.rec.Send(ctx, missionID, c.actor, content)
	if err != nil && !engine.Local(err) {
		c.noticeFor(missionID, err)
	}
	return m, err
}

// CreateMission validates and stores a new mission and notifies a named assignee.
func (c *Client) CreateMission(ctx context.Context, opts engine.MissionCreateOptions) (domain.Mission, error) {
	m, err := c.eng.NewMission(c.actor, opts)
	if err != nil {
		return domain.Mission{}, err
	}
	created, err := c.store.InsertMission(ctx, m)
	if err != nil {
		return domain.Mission{}, &engine.TransientError{Op: "create mission", Err: err}
	}
	c.rec.Authoritative(created)
	if err := c.disp.Dispatch(ctx, c.disp.PlanCreated(created)); err != nil {
		c.notify(Notice{Kind: engine.KindTransient, MissionID: created.ID, Message: "assignee was not notified", Err: err})
	}
	return created, nil
}

// OnChange registers fn for entity store changes and returns its unregister func.
func (c *Client) OnChange(fn func(entity.Change)) func() {
	return c.entities.OnChange(fn)
}

// OnNotice registers fn for non-fatal notices and returns its unregister func.
func (c *Client) OnNotice(fn func(Notice)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.notices[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.notices, id)
		c.mu.Unlock()
	}
}

func (c *Client) noticeFor(missionID string, err error) {
	kind := engine.Classify(err)
	msg := err.Error()
	switch kind {
	case engine.KindConflict:
		msg = "someone else changed this mission first; showing the latest version"
	case engine.KindTransient:
		msg = "could not reach the server; your change was not saved"
	}
	c.notify(Notice{Kind: kind, MissionID: missionID, Message: msg, Err: err})
}

func (c *Client) notify(n Notice) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.notices))
	for id := range c.notices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Notice), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.notices[id])
	}
	c.mu.Unlock()
	c.log.Warn().Err(n.Err).Str("mission_id", n.MissionID).Str("kind", string(n.Kind)).Msg(n.Message)
	for _, fn := range fns {
		fn(n)
	}
}
