// Package realtime turns the raw change feed into one stream of typed events:
// a single global mission subscription plus at most one subscription per open thread.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"missionline/internal/domain"
	"missionline/internal/feed"
)

const (
	defaultLookupTimeout = 3 * time.Second
	defaultBuffer        = 64
)

var ErrClosed = errors.New("multiplexer closed")

// Fetcher performs the follow-up reads for pushed changes.
type Fetcher interface {
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	GetActor(ctx context.Context, id string) (domain.Actor, error)
}

// Event is one of MissionChanged, MissionRemoved, MessageArrived or Resync.
type Event interface {
	isEvent()
}

// MissionChanged carries a freshly read mission.
type MissionChanged struct {
	Mission domain.Mission
}

type MissionRemoved struct {
	MissionID string
}

// MessageArrived carries a confirmed message with its author's display name resolved.
type MessageArrived struct {
	MissionID string
	Message   domain.Message
}

// Resync reports that changes for Scope were lost; the consumer must re-read it.
type Resync struct {
	Scope feed.Scope
}

func (MissionChanged) isEvent() {}
func (MissionRemoved) isEvent() {}
func (MessageArrived) isEvent() {}
func (Resync) isEvent()         {}

type Options struct {
	LookupTimeout time.Duration
	Buffer        int
	Logger        zerolog.Logger
}

type Multiplexer struct {
	source feed.Source
	fetch  Fetcher
	opts   Options
	log    zerolog.Logger
	out    chan Event

	mu      sync.Mutex
	global  *pump
	threads map[string]*pump
	closed  bool
	wg      sync.WaitGroup
}

type pump struct {
	scope  feed.Scope
	sub    feed.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func New(source feed.Source, fetch Fetcher, opts Options) *Multiplexer {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Multiplexer{
		source:  source,
		fetch:   fetch,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "realtime").Logger(),
		out:     make(chan Event, opts.Buffer),
		threads: map[string]*pump{},
	}
}

// Events is closed after Close returns.
func (m *Multiplexer) Events() <-chan Event { return m.out }

// Start opens the global mission subscription. Calling it again is a no-op.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.global != nil {
		return nil
	}
	p, err := m.open(ctx, feed.AllMissions())
	if err != nil {
		return err
	}
	m.global = p
	return nil
}

// OpenThread subscribes to a mission's messages. It is idempotent per mission.
func (m *Multiplexer) OpenThread(ctx context.Context, missionID string) error {
	if missionID == "" {
		return fmt.Errorf("mission id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.threads[missionID]; ok {
		return nil
	}
	p, err := m.open(ctx, feed.Thread(missionID))
	if err != nil {
		return err
	}
	m.threads[missionID] = p
	return nil
}

// CloseThread tears the thread subscription down and returns once its pump has exited.
func (m *Multiplexer) CloseThread(missionID string) {
	m.mu.Lock()
	p, ok := m.threads[missionID]
	delete(m.threads, missionID)
	m.mu.Unlock()
	if ok {
		m.stop(p)
	}
}

// OpenThreads lists the missions with a live thread subscription.
func (m *Multiplexer) OpenThreads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every subscription and closes Events.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pumps := make([]*pump, 0, len(m.threads)+1)
	if m.global != nil {
		pumps = append(pumps, m.global)
	}
	for _, p := range m.threads {
		pumps = append(pumps, p)
	}
	m.global = nil
	m.threads = map[string]*pump{}
	m.mu.Unlock()
	for _, p := range pumps {
		m.stop(p)
	}
	m.wg.Wait()
	close(m.out)
}

// open must be called with m.mu held.
func (m *Multiplexer) open(ctx context.Context, scope feed.Scope) (*pump, error) {
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := m.source.Subscribe(pctx, scope)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}
	p := &pump{scope: scope, sub: sub, cancel: cancel, done: make(chan struct{})}
	m.wg.Add(1)
	go m.run(pctx, p)
	m.log.Debug().Str("scope", scope.Key()).Msg("subscription opened")
	return p, nil
}

func (m *Multiplexer) stop(p *pump) {
	p.cancel()
	if err := p.sub.Close(); err != nil {
		m.log.Warn().Err(err).Str("scope", p.scope.Key()).Msg("close subscription")
	}
	<-p.done
	m.log.Debug().Str("scope", p.scope.Key()).Msg("subscription closed")
}

func (m *Multiplexer) run(ctx context.Context, p *pump) {
	defer m.wg.Done()
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-p.sub.Events():
			if !ok {
				return
			}
			ev, ok := m.translate(ctx, p.scope, c)
			if !ok {
				continue
			}
			select {
			case m.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Multiplexer) translate(ctx context.Context, scope feed.Scope, c feed.Change) (Event, bool) {
	if !scope.Match(c) {
		return nil, false
	}
	if c.Type == feed.ChangeResync {
		m.log.Info().Str("scope", scope.Key()).Msg("feed overflowed; resyncing")
		return Resync{Scope: scope}, true
	}
	if scope.IsThread() {
		return m.translateMessage(ctx, c)
	}
	return m.translateMission(ctx, c)
}

func (m *Multiplexer) translateMission(ctx context.Context, c feed.Change) (Event, bool) {
	id := c.EntityID
	if id == "" {
		return nil, false
	}
	switch c.Type {
	case feed.ChangeDelete:
		return MissionRemoved{MissionID: id}, true
	case feed.ChangeInsert, feed.ChangeUpdate:
		mission, err := m.fetch.GetMission(ctx, id)
		switch {
		case err == nil:
			return MissionChanged{Mission: mission}, true
		case errors.Is(err, domain.ErrNotFound):
			return MissionRemoved{MissionID: id}, true
		case ctx.Err() != nil:
			return nil, false
		}
		// Fall back to the pushed row; joined names refresh on the next read.
		m.log.Warn().Err(err).Str("mission_id", id).Msg("re-read mission failed")
		if c.Mission != nil {
			return MissionChanged{Mission: *c.Mission}, true
		}
		return nil, false
	}
	return nil, false
}

func (m *Multiplexer) translateMessage(ctx context.Context, c feed.Change) (Event, bool) {
	if c.Type != feed.ChangeInsert || c.Message == nil {
		return nil, false
	}
	msg := *c.Message
	if msg.MissionID == "" {
		msg.MissionID = c.MissionID
	}
	if msg.AuthorName == "" {
		msg.AuthorName = m.authorName(ctx, msg.AuthorID)
	}
	return MessageArrived{MissionID: msg.MissionID, Message: msg}, true
}

func (m *Multiplexer) authorName(ctx context.Context, actorID string) string {
	lctx, cancel := context.WithTimeout(ctx, m.opts.LookupTimeout)
	defer cancel()
	actor, err := m.fetch.GetActor(lctx, actorID)
	if err != nil {
		m.log.Debug().Err(err).Str("actor_id", actorID).Msg("author lookup failed")
		return domain.UnknownActorName
	}
	return actor.DisplayName()
}
