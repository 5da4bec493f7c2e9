// Package reconcile applies local changes optimistically to the entity store and
// settles them against the authoritative store and the change feed.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/entity"
)

// Store is the authoritative store the reconciler writes to.
type Store interface {
	GetMission(ctx context.Context, id string) (domain.Mission, error)
	UpdateMission(ctx context.Context, id string, expect domain.Expectation, patch domain.MissionPatch) (domain.Mission, error)
	InsertMessage(ctx context.Context, m domain.Message) (domain.Message, error)
}

type Reconciler struct {
	store    Store
	entities *entity.Store
	log      zerolog.Logger
	now      func() time.Time
	tempID   func() string

	mu      sync.Mutex
	pending map[string]*pendingMutation
}

// pendingMutation is the overlay for one unconfirmed mission write. base is the
// latest authoritative snapshot seen while the write is in flight.
type pendingMutation struct {
	intent     engine.Intent
	base       domain.Mission
	removed    bool
	conflicted bool
}

type Option func(*Reconciler)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l.With().Str("component", "reconcile").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithTempIDs(fn func() string) Option {
	return func(r *Reconciler) { r.tempID = fn }
}

func New(store Store, entities *entity.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		entities: entities,
		log:      zerolog.Nop(),
		now:      time.Now,
		tempID:   func() string { return "temp-" + uuid.NewString() },
		pending:  map[string]*pendingMutation{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending reports whether a write for the mission is unconfirmed.
func (r *Reconciler) Pending(missionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[missionID]
	return ok
}

// ApplyIntent shows the intent's effect immediately, performs the conditional write,
// and settles: on success the store keeps the authoritative row, on conflict it is
// reset to a fresh read, on any other failure it is rolled back to the last
// authoritative snapshot.
func (r *Reconciler) ApplyIntent(ctx context.Context, intent engine.Intent) (domain.Mission, error) {
	id := intent.MissionID
	r.mu.Lock()
	if _, busy := r.pending[id]; busy {
		r.mu.Unlock()
		return domain.Mission{}, engine.ErrMutationPending
	}
	base, ok := r.entities.Mission(id)
	if !ok {
		r.mu.Unlock()
		return domain.Mission{}, domain.ErrNotFound
	}
	r.pending[id] = &pendingMutation{intent: intent, base: base}
	optimistic := intent.Apply(base)
	optimistic.UpdatedAt = r.now().UTC()
	r.entities.Apply(entity.PutMission{Mission: optimistic})
	r.mu.Unlock()

	updated, err := r.store.UpdateMission(ctx, id, intent.Expectation(), intent.Patch)
	switch {
	case err == nil:
		r.settle(id, &updated)
		return updated, nil
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		current, gerr := r.store.GetMission(ctx, id)
		switch {
		case gerr == nil:
			r.settle(id, &current)
			r.log.Info().Str("mission_id", id).Str("event", string(intent.Event)).Str("status", string(current.Status)).Msg("transition lost to a concurrent change")
			return domain.Mission{}, &engine.ConflictError{MissionID: id, Current: &current}
		case errors.Is(gerr, domain.ErrNotFound):
			r.settleRemoved(id)
			return domain.Mission{}, &engine.ConflictError{MissionID: id}
		}
		r.settle(id, nil)
		return domain.Mission{}, &engine.TransientError{Op: "re-read mission after conflict", Err: gerr}
	default:
		r.settle(id, nil)
		r.log.Warn().Err(err).Str("mission_id", id).Str("event", string(intent.Event)).Msg("transition write failed; rolled back")
		return domain.Mission{}, &engine.TransientError{Op: "update mission", Err: err}
	}
}

// settle drops the overlay and puts the freshest authoritative row in the store: the
// write's own result or a newer snapshot that arrived while it was in flight. A nil
// result restores the snapshot.
func (r *Reconciler) settle(id string, result *domain.Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	if !ok {
		if result != nil {
			r.entities.Apply(entity.PutMission{Mission: *result})
		}
		return
	}
	if p.removed {
		r.entities.Apply(entity.RemoveMission{MissionID: id})
		return
	}
	final := p.base
	if result != nil && !p.base.UpdatedAt.After(result.UpdatedAt) {
		final = *result
	}
	r.entities.Apply(entity.PutMission{Mission: final})
}

func (r *Reconciler) settleRemoved(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.entities.Apply(entity.RemoveMission{MissionID: id})
}

// Authoritative merges a mission read from the store. While a write is pending the
// snapshot becomes its new base and the intent is re-applied if it still can be.
func (r *Reconciler) Authoritative(m domain.Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[m.ID]
	if !ok {
		if r.stale(m) {
			return
		}
		r.entities.Apply(entity.PutMission{Mission: m})
		return
	}
	if !p.removed && p.base.UpdatedAt.After(m.UpdatedAt) {
		return
	}
	p.base = m
	p.removed = false
	switch {
	case p.intent.SatisfiedBy(m):
		r.entities.Apply(entity.PutMission{Mission: m})
	case p.intent.Applicable(m):
		r.entities.Apply(entity.PutMission{Mission: p.intent.Apply(m)})
	default:
		if !p.conflicted {
			r.log.Debug().Str("mission_id", m.ID).Str("status", string(m.Status)).Msg("pending transition diverged from pushed state")
		}
		p.conflicted = true
		r.entities.Apply(entity.PutMission{Mission: m})
	}
}

// Reload replaces the mission collection with a full read, keeping the overlay of
// every pending write. A listed row older than the one already held is ignored.
func (r *Reconciler) Reload(missions []domain.Mission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shown := make([]domain.Mission, 0, len(missions))
	seen := make(map[string]bool, len(missions))
	for _, m := range missions {
		seen[m.ID] = true
		p, ok := r.pending[m.ID]
		if !ok {
			if r.stale(m) {
				m, _ = r.entities.Mission(m.ID)
			}
			shown = append(shown, m)
			continue
		}
		if !p.removed && p.base.UpdatedAt.After(m.UpdatedAt) {
			m = p.base
		}
		p.base = m
		p.removed = false
		if p.intent.Applicable(m) {
			m = p.intent.Apply(m)
		}
		shown = append(shown, m)
	}
	for id, p := range r.pending {
		if !seen[id] {
			p.removed = true
		}
	}
	r.entities.Apply(entity.ReplaceMissions{Missions: shown})
}

// stale reports whether the store already holds a newer version of m.
func (r *Reconciler) stale(m domain.Mission) bool {
	held, ok := r.entities.Mission(m.ID)
	return ok && held.UpdatedAt.After(m.UpdatedAt)
}

// Removed drops a mission deleted upstream.
func (r *Reconciler) Removed(missionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[missionID]; ok {
		p.removed = true
	}
	r.entities.Apply(entity.RemoveMission{MissionID: missionID})
}

// MessageArrived merges a confirmed message into its thread, if the thread is loaded.
func (r *Reconciler) MessageArrived(m domain.Message) {
	r.entities.Apply(entity.ThreadPatch{MissionID: m.MissionID, Fn: func(es []domain.ThreadEntry) []domain.ThreadEntry {
		return MergeMessage(es, m)
	}})
}

// Send appends a pending message, writes it, and settles the placeholder. Sends are
// not retried.
func (r *Reconciler) Send(ctx context.Context, missionID string, author domain.Actor, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, engine.ValidationError{Field: "content", Reason: "message is empty"}
	}
	tempID := r.tempID()
	local := domain.Message{
		MissionID:  missionID,
		AuthorID:   author.ID,
		Content:    content,
		CreatedAt:  r.now().UTC(),
		AuthorName: author.DisplayName(),
	}
	r.entities.Apply(entity.ThreadPatch{MissionID: missionID, Fn: func(es []domain.ThreadEntry) []domain.ThreadEntry {
		return append(es, domain.Pending(tempID, local))
	}})

	saved, err := r.store.InsertMessage(ctx, domain.Message{MissionID: missionID, AuthorID: author.ID, Content: content})
	if err != nil {
		r.entities.Apply(entity.ThreadPatch{MissionID: missionID, Fn: func(es []domain.ThreadEntry) []domain.ThreadEntry {
			return dropFailed(es, tempID, local)
		}})
		r.log.Warn().Err(err).Str("mission_id", missionID).Msg("send message failed")
		return domain.Message{}, &engine.TransientError{Op: "send message", Err: err}
	}
	if saved.AuthorName == "" {
		saved.AuthorName = local.AuthorName
	}
	r.entities.Apply(entity.ThreadPatch{MissionID: missionID, Fn: func(es []domain.ThreadEntry) []domain.ThreadEntry {
		return confirmSend(es, tempID, saved)
	}})
	return saved, nil
}
