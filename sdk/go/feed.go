package missionlinesdk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"missionline/internal/engine"
	"missionline/internal/feed"
)

const readyTimeout = 10 * time.Second

// frame mirrors the server's feed socket message.
type frame struct {
	Type   string       `json:"type"`
	Scope  string       `json:"scope,omitempty"`
	Change *feed.Change `json:"change,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Subscribe opens the change feed for scope. It returns once the server reports
// the subscription live, so no change written after Subscribe returns is missed.
func (c *Client) Subscribe(ctx context.Context, scope feed.Scope) (feed.Subscription, error) {
	cfg, err := c.feedConfig(scope)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, &engine.TransientError{Op: "open feed " + scope.Key(), Err: err}
	}

	_ = conn.SetReadDeadline(time.Now().Add(readyTimeout))
	var first frame
	if err := websocket.JSON.Receive(conn, &first); err != nil {
		_ = conn.Close()
		return nil, &engine.TransientError{Op: "open feed " + scope.Key(), Err: err}
	}
	if first.Type != "ready" {
		_ = conn.Close()
		return nil, &engine.TransientError{Op: "open feed " + scope.Key(), Err: fmt.Errorf("unexpected frame %q: %s", first.Type, first.Error)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &socketSubscription{
		conn:   conn,
		events: make(chan feed.Change, 64),
		done:   make(chan struct{}),
	}
	go s.read()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (c *Client) feedConfig(scope feed.Scope) (*websocket.Config, error) {
	base, err := url.Parse(c.base())
	if err != nil {
		return nil, err
	}
	origin := *base
	target := *base
	switch base.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(base.Path, "/") + "/v0/feed"
	q := url.Values{}
	if scope.IsThread() {
		q.Set("scope", "thread")
		q.Set("mission_id", scope.MissionID)
	} else {
		q.Set("scope", "missions")
	}
	target.RawQuery = q.Encode()

	cfg, err := websocket.NewConfig(target.String(), origin.String())
	if err != nil {
		return nil, err
	}
	c.authorize(cfg.Header)
	return cfg, nil
}

type socketSubscription struct {
	conn   *websocket.Conn
	events chan feed.Change

	once sync.Once
	done chan struct{}
}

func (s *socketSubscription) Events() <-chan feed.Change { return s.events }

func (s *socketSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// read forwards change frames until the socket closes. It is the only writer of
// events and closes it on exit.
func (s *socketSubscription) read() {
	defer close(s.events)
	defer func() { _ = s.Close() }()
	for {
		var f frame
		if err := websocket.JSON.Receive(s.conn, &f); err != nil {
			return
		}
		if f.Type != "change" || f.Change == nil {
			continue
		}
		select {
		case s.events <- *f.Change:
		case <-s.done:
			return
		}
	}
}
