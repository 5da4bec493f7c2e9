// Package redisfeed fans the change feed out over Redis pub/sub so several server
// processes share one change log, with a Redis lock electing the process that polls it.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"missionline/internal/feed"
)

const (
	DefaultPrefix = "missionline:feed:"
	defaultBuffer = 64
	leaderKey     = "leader"
	cursorKey     = "cursor"
)

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

func channel(prefix string, s feed.Scope) string {
	return prefix + s.Key()
}

// Publisher sends each change to the channel of its scope.
type Publisher struct {
	Client redis.UniversalClient
	Prefix string
}

func (p Publisher) Publish(ctx context.Context, c feed.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return p.Client.Publish(ctx, channel(prefix, feed.ScopeOf(c)), data).Err()
}

// Source subscribes to scope channels directly.
type Source struct {
	Client redis.UniversalClient
	Prefix string
	Buffer int
	Logger zerolog.Logger
}

func (s Source) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

func (s Source) Subscribe(ctx context.Context, scope feed.Scope) (feed.Subscription, error) {
	ps := s.Client.Subscribe(ctx, channel(s.prefix(), scope))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}
	return s.start(ctx, ps), nil
}

// Relay republishes every change seen on Redis into pub until ctx is done. Each
// process relays into its local hub so its own subscribers see changes polled
// elsewhere.
func (s Source) Relay(ctx context.Context, pub feed.Publisher) error {
	ps := s.Client.PSubscribe(ctx, s.prefix()+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("psubscribe %s*: %w", s.prefix(), err)
	}
	sub := s.start(ctx, ps)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := pub.Publish(ctx, c); err != nil {
				s.Logger.Warn().Err(err).Int64("seq", c.Seq).Msg("relay change failed")
			}
		}
	}
}

func (s Source) start(ctx context.Context, ps *redis.PubSub) *subscription {
	buf := s.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	sub := &subscription{ps: ps, ch: make(chan feed.Change, buf), done: make(chan struct{})}
	go sub.pump(ctx, s.Logger)
	return sub
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan feed.Change
	done chan struct{}
	once sync.Once
}

func (s *subscription) Events() <-chan feed.Change { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) pump(ctx context.Context, log zerolog.Logger) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var c feed.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop undecodable change")
				continue
			}
			select {
			case s.ch <- c:
			case <-s.done:
				return
			case <-ctx.Done():
				_ = s.Close()
				return
			}
		}
	}
}

// advanceCursor stores ARGV[1] unless the stored cursor is already further along.
var advanceCursor = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// Leader holds a Redis lock while this process polls the change log, and keeps the
// published cursor next to it so the next leader resumes where this one stopped.
type Leader struct {
	client    redis.UniversalClient
	locker    *redislock.Client
	key       string
	cursorKey string
	ttl       time.Duration

	mu   sync.Mutex
	lock *redislock.Lock
}

func NewLeader(client redis.UniversalClient, prefix string, ttl time.Duration) *Leader {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Leader{
		client:    client,
		locker:    redislock.New(client),
		key:       prefix + leaderKey,
		cursorKey: prefix + cursorKey,
		ttl:       ttl,
	}
}

func (l *Leader) LoadCursor(ctx context.Context) (int64, bool, error) {
	v, err := l.client.Get(ctx, l.cursorKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load feed cursor: %w", err)
	}
	return v, true, nil
}

// SaveCursor only moves the stored cursor forward.
func (l *Leader) SaveCursor(ctx context.Context, cursor int64) error {
	if err := advanceCursor.Run(ctx, l.client, []string{l.cursorKey}, cursor).Err(); err != nil {
		return fmt.Errorf("save feed cursor: %w", err)
	}
	return nil
}

// Acquire refreshes a held lock or tries to obtain a free one.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil {
		err := l.lock.Refresh(ctx, l.ttl, nil)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redislock.ErrNotObtained) {
			return false, fmt.Errorf("refresh leader lock: %w", err)
		}
		l.lock = nil
	}
	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain leader lock: %w", err)
	}
	l.lock = lock
	return true, nil
}

func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil
	}
	err := l.lock.Release(ctx)
	l.lock = nil
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
