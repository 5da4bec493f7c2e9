// Package feed defines the change-feed contract and its in-process implementations.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	// ChangeResync replaces changes a subscriber lost to overflow; the consumer
	// re-reads its whole scope.
	ChangeResync ChangeType = "resync"
)

const (
	TableMissions = "missions"
	TableMessages = "messages"
)

// Change is one row-level notification. Mission or Message carries the row as
// written; consumers may still re-read it for joined fields.
type Change struct {
	Seq       int64           `json:"seq"`
	Type      ChangeType      `json:"type" enum:"insert,update,delete,resync"`
	Table     string          `json:"table" enum:"missions,messages"`
	EntityID  string          `json:"entity_id"`
	MissionID string          `json:"mission_id"`
	ActorID   string          `json:"actor_id,omitempty"`
	At        time.Time       `json:"at" format:"date-time"`
	Mission   *domain.Mission `json:"mission,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
}

// Scope selects either all mission changes or the messages of one mission.
type Scope struct {
	MissionID string
}

func AllMissions() Scope { return Scope{} }

func Thread(missionID string) Scope { return Scope{MissionID: missionID} }

func (s Scope) IsThread() bool { return s.MissionID != "" }

func (s Scope) Key() string {
	if s.IsThread() {
		return "thread:" + s.MissionID
	}
	return "missions"
}

func (s Scope) String() string { return s.Key() }

// ParseScope is the inverse of Scope.Key.
func ParseScope(key string) (Scope, error) {
	key = strings.TrimSpace(key)
	if key == "missions" {
		return AllMissions(), nil
	}
	if id, ok := strings.CutPrefix(key, "thread:"); ok && id != "" {
		return Thread(id), nil
	}
	return Scope{}, fmt.Errorf("invalid scope %q", key)
}

func (s Scope) Match(c Change) bool {
	if s.IsThread() {
		return c.Table == TableMessages && c.MissionID == s.MissionID
	}
	return c.Table == TableMissions
}

// Resync is the marker delivered in place of changes lost from scope.
func Resync(s Scope) Change {
	if s.IsThread() {
		return Change{Type: ChangeResync, Table: TableMessages, MissionID: s.MissionID}
	}
	return Change{Type: ChangeResync, Table: TableMissions}
}

// ScopeOf returns the scope a change is delivered to.
func ScopeOf(c Change) Scope {
	if c.Table == TableMessages {
		return Thread(c.MissionID)
	}
	return AllMissions()
}

// Subscription is a live stream of changes. Close is idempotent and closes Events.
type Subscription interface {
	Events() <-chan Change
	Close() error
}

type Source interface {
	Subscribe(ctx context.Context, scope Scope) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, c Change) error
}
