package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"missionline/internal/feed"
)

// FeedFrame is one server-to-client message on the feed socket. The first frame
// is "ready" once the subscription is live; every later frame is a "change".
type FeedFrame struct {
	Type   string       `json:"type"`
	Scope  string       `json:"scope,omitempty"`
	Change *feed.Change `json:"change,omitempty"`
	Error  string       `json:"error,omitempty"`
}

const (
	FrameReady  = "ready"
	FrameChange = "change"
	FrameError  = "error"
)

type scopeKey struct{}

// ScopeQuery encodes scope as the feed endpoint's query string.
func ScopeQuery(scope feed.Scope) url.Values {
	q := url.Values{}
	if scope.IsThread() {
		q.Set("scope", "thread")
		q.Set("mission_id", scope.MissionID)
		return q
	}
	q.Set("scope", "missions")
	return q
}

func scopeFromQuery(q url.Values) (feed.Scope, error) {
	switch strings.TrimSpace(q.Get("scope")) {
	case "", "missions":
		return feed.AllMissions(), nil
	case "thread":
		id := strings.TrimSpace(q.Get("mission_id"))
		if id == "" {
			return feed.Scope{}, fmt.Errorf("mission_id is required for thread scope")
		}
		return feed.Thread(id), nil
	}
	return feed.Scope{}, fmt.Errorf("invalid scope %q", q.Get("scope"))
}

func registerFeed(r chi.Router, basePath string, source feed.Source, log zerolog.Logger) {
	log = log.With().Str("component", "server.feed").Logger()
	ws := websocket.Handler(func(conn *websocket.Conn) {
		serveFeed(conn, source, log)
	})
	r.Get(path.Join(basePath, "feed"), func(w http.ResponseWriter, req *http.Request) {
		scope, err := scopeFromQuery(req.URL.Query())
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		ws.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), scopeKey{}, scope)))
	})
}

func serveFeed(conn *websocket.Conn, source feed.Source, log zerolog.Logger) {
	defer func() {
		_ = conn.Close()
	}()
	req := conn.Request()
	scope, _ := req.Context().Value(scopeKey{}).(feed.Scope)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := source.Subscribe(ctx, scope)
	if err != nil {
		_ = websocket.JSON.Send(conn, FeedFrame{Type: FrameError, Error: err.Error()})
		return
	}
	defer sub.Close()
	log.Debug().Str("scope", scope.Key()).Msg("feed client connected")
	defer log.Debug().Str("scope", scope.Key()).Msg("feed client disconnected")

	// Clients send nothing; a read error means the peer went away.
	go func() {
		defer cancel()
		var discard []byte
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	if err := websocket.JSON.Send(conn, FeedFrame{Type: FrameReady, Scope: scope.Key()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, FeedFrame{Type: FrameChange, Scope: scope.Key(), Change: &c}); err != nil {
				log.Debug().Err(err).Str("scope", scope.Key()).Msg("feed write failed")
				return
			}
		}
	}
}
