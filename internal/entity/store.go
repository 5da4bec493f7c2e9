// Package entity holds the local snapshot of missions and open threads.
// Every mutation goes through Store.Apply.
package entity

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"missionline/internal/domain"
)

type ChangeKind string

const (
	ChangeMission        ChangeKind = "mission"
	ChangeMissionRemoved ChangeKind = "mission_removed"
	ChangeMissions       ChangeKind = "missions"
	ChangeThread         ChangeKind = "thread"
)

// Change tells listeners what a patch altered.
type Change struct {
	Kind      ChangeKind
	MissionID string
}

// Patch is a mutation of the store. The set of patches is closed.
type Patch interface {
	apply(s *state) []Change
}

type state struct {
	missions map[string]domain.Mission
	threads  map[string][]domain.ThreadEntry
}

// PutMission inserts or replaces a mission.
type PutMission struct {
	Mission domain.Mission
}

func (p PutMission) apply(s *state) []Change {
	m := normalizeMission(p.Mission)
	if cur, ok := s.missions[m.ID]; ok && reflect.DeepEqual(cur, m) {
		return nil
	}
	s.missions[m.ID] = m
	return []Change{{Kind: ChangeMission, MissionID: m.ID}}
}

type RemoveMission struct {
	MissionID string
}

func (p RemoveMission) apply(s *state) []Change {
	if _, ok := s.missions[p.MissionID]; !ok {
		return nil
	}
	delete(s.missions, p.MissionID)
	return []Change{{Kind: ChangeMissionRemoved, MissionID: p.MissionID}}
}

// ReplaceMissions swaps the whole collection, as after a full reload.
type ReplaceMissions struct {
	Missions []domain.Mission
}

func (p ReplaceMissions) apply(s *state) []Change {
	next := make(map[string]domain.Mission, len(p.Missions))
	for _, m := range p.Missions {
		next[m.ID] = normalizeMission(m)
	}
	if reflect.DeepEqual(next, s.missions) {
		return nil
	}
	s.missions = next
	return []Change{{Kind: ChangeMissions}}
}

// UpdateMission rewrites a mission in place. Fn runs under the store lock and must not
// call back into the store; returning false leaves the mission unchanged.
type UpdateMission struct {
	MissionID string
	Fn        func(cur domain.Mission, exists bool) (domain.Mission, bool)
}

func (p UpdateMission) apply(s *state) []Change {
	cur, exists := s.missions[p.MissionID]
	next, ok := p.Fn(cur, exists)
	if !ok {
		return nil
	}
	return PutMission{Mission: next}.apply(s)
}

// SetThread loads a thread. A thread must be loaded before ThreadPatch affects it.
type SetThread struct {
	MissionID string
	Entries   []domain.ThreadEntry
}

func (p SetThread) apply(s *state) []Change {
	entries := cloneEntries(p.Entries)
	if cur, ok := s.threads[p.MissionID]; ok && reflect.DeepEqual(cur, entries) {
		return nil
	}
	s.threads[p.MissionID] = entries
	return []Change{{Kind: ChangeThread, MissionID: p.MissionID}}
}

type DropThread struct {
	MissionID string
}

func (p DropThread) apply(s *state) []Change {
	if _, ok := s.threads[p.MissionID]; !ok {
		return nil
	}
	delete(s.threads, p.MissionID)
	return nil
}

// ThreadPatch rewrites a loaded thread. Fn runs under the store lock and receives a copy.
type ThreadPatch struct {
	MissionID string
	Fn        func([]domain.ThreadEntry) []domain.ThreadEntry
}

func (p ThreadPatch) apply(s *state) []Change {
	cur, ok := s.threads[p.MissionID]
	if !ok {
		return nil
	}
	next := p.Fn(cloneEntries(cur))
	return SetThread{MissionID: p.MissionID, Entries: next}.apply(s)
}

// Store is the single owner of canonical mission and message state on this side of
// the feed. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	state     state
	listeners map[int]func(Change)
	nextID    int
}

func NewStore() *Store {
	return &Store{
		state: state{
			missions: map[string]domain.Mission{},
			threads:  map[string][]domain.ThreadEntry{},
		},
		listeners: map[int]func(Change){},
	}
}

// Apply runs patch atomically and notifies listeners after the lock is released.
// It reports whether anything changed.
func (s *Store) Apply(patch Patch) bool {
	s.mu.Lock()
	changes := patch.apply(&s.state)
	var listeners []func(Change)
	if len(changes) > 0 {
		listeners = make([]func(Change), 0, len(s.listeners))
		ids := make([]int, 0, len(s.listeners))
		for id := range s.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			listeners = append(listeners, s.listeners[id])
		}
	}
	s.mu.Unlock()
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
	return len(changes) > 0
}

// OnChange registers fn and returns a function that unregisters it.
func (s *Store) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) Mission(id string) (domain.Mission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.missions[id]
	return m, ok
}

// Missions returns all missions, newest first.
func (s *Store) Missions() []domain.Mission {
	s.mu.Lock()
	out := make([]domain.Mission, 0, len(s.state.missions))
	for _, m := range s.state.missions {
		out = append(out, m)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Thread returns a copy of a loaded thread.
func (s *Store) Thread(missionID string) ([]domain.ThreadEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.state.threads[missionID]
	if !ok {
		return nil, false
	}
	return cloneEntries(entries), true
}

func cloneEntries(in []domain.ThreadEntry) []domain.ThreadEntry {
	out := make([]domain.ThreadEntry, len(in))
	copy(out, in)
	for i := range out {
		out[i].Message.CreatedAt = normalizeTime(out[i].Message.CreatedAt)
	}
	return out
}

// normalizeMission strips monotonic readings and locations so equal instants compare equal.
func normalizeMission(m domain.Mission) domain.Mission {
	m.CreatedAt = normalizeTime(m.CreatedAt)
	m.UpdatedAt = normalizeTime(m.UpdatedAt)
	if m.Deadline != nil {
		d := normalizeTime(*m.Deadline)
		m.Deadline = &d
	}
	return m
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}
