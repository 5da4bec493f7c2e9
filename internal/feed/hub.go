package feed

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultSubscriberCapacity = 64
	defaultDedupeWindow       = 1024
)

// HubOption customizes Hub construction.
type HubOption func(*Hub)

func HubWithLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l.With().Str("component", "feed.hub").Logger() }
}

// HubWithSubscriberCapacity overrides the buffered channel size per subscriber.
func HubWithSubscriberCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// HubWithDedupeWindow controls how many recent sequence numbers are remembered.
func HubWithDedupeWindow(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.dedupeWindow = n
		}
	}
}

// Hub fans published changes out to in-process subscribers keyed by scope. A slow
// subscriber never blocks the publisher: when its queue is full the buffered changes
// are replaced by a single resync marker for its scope.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	recent       map[int64]struct{}
	recentOrder  []int64
	capacity     int
	dedupeWindow int
	log          zerolog.Logger
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		recent:       map[int64]struct{}{},
		capacity:     defaultSubscriberCapacity,
		dedupeWindow: defaultDedupeWindow,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers for changes in scope. The subscription also ends when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, scope Scope) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := scope.Key()
	sub := &subscriber{ch: make(chan Change, h.capacity), log: h.log, scope: key}
	h.mu.Lock()
	if h.subscribers[key] == nil {
		h.subscribers[key] = map[*subscriber]struct{}{}
	}
	h.subscribers[key][sub] = struct{}{}
	h.mu.Unlock()
	sub.mu.Lock()
	sub.remove = func() { h.removeSubscriber(key, sub) }
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Unlock()
	h.log.Debug().Str("scope", key).Msg("subscribed")
	return sub, nil
}

// Publish delivers c to every subscriber of its scope. Changes with a sequence number
// already seen are dropped.
func (h *Hub) Publish(_ context.Context, c Change) error {
	if c.Seq > 0 && h.isDuplicate(c.Seq) {
		return nil
	}
	key := ScopeOf(c).Key()
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[key]))
	for sub := range h.subscribers[key] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(c)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for scope.
func (h *Hub) Subscribers(scope Scope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scope.Key()])
}

func (h *Hub) removeSubscriber(key string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
}

func (h *Hub) isDuplicate(seq int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.recent[seq]; ok {
		return true
	}
	h.recent[seq] = struct{}{}
	h.recentOrder = append(h.recentOrder, seq)
	if len(h.recentOrder) > h.dedupeWindow {
		delete(h.recent, h.recentOrder[0])
		h.recentOrder = h.recentOrder[1:]
	}
	return false
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Change
	closed bool
	scope  string
	log    zerolog.Logger
	remove func()
	stop   func() bool
}

func (s *subscriber) Events() <-chan Change { return s.ch }

func (s *subscriber) deliver(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- c:
		return
	default:
	}
	dropped := 0
	for len(s.ch) > 0 {
		<-s.ch
		dropped++
	}
	// c is committed before it is published, so the re-read covers it too.
	s.ch <- Resync(ScopeOf(c))
	s.log.Warn().
		Str("scope", s.scope).
		Int("dropped", dropped+1).
		Msg("subscriber queue full; replaced with resync")
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	stop, remove := s.stop, s.remove
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if remove != nil {
		remove()
	}
	return nil
}
