// Package dispatch implements the four work-distribution policies. Each
// policy is a pure function from a Context (task plus a snapshot of
// available workers) to an optional Result; returning nil means the task
// stays pending.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/task"
)

// Policy names one distribution algorithm.
type Policy string

const (
	PolicyRoundRobin Policy = "round-robin"
	PolicyLoadBased  Policy = "load-based"
	PolicySkillBased Policy = "skill-based"
	PolicySticky     Policy = "sticky"
)

// ParsePolicy validates a policy name, defaulting empty to load-based.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyRoundRobin, PolicyLoadBased, PolicySkillBased, PolicySticky:
		return Policy(s)
	}
	return PolicyLoadBased
}

// SelectPolicy picks the policy for a task from its own routing fields:
// explicit hint, then sticky key, then required skills, then the default.
func SelectPolicy(t *task.Task, def Policy) Policy {
	if t.RoutingHint != "" {
		return ParsePolicy(t.RoutingHint)
	}
	if t.StickyKey != "" {
		return PolicySticky
	}
	if len(t.RequiredSkills) > 0 {
		return PolicySkillBased
	}
	return def
}

// Context is the input to a policy: the task, a snapshot of available
// workers (non-offline, free capacity, sorted by id) and shared policy
// state.
type Context struct {
	Task    *task.Task
	Workers []registry.Worker
	State   *State
}

// Result is a routing decision.
type Result struct {
	WorkerID string
	Reason   string
}

// State carries the mutable policy state shared across claims: the
// round-robin cursor and the sticky-map mirror. The mutex is short-lived
// and never held across KV calls.
type State struct {
	mu     sync.Mutex
	cursor int
	sticky map[string]string
}

// NewState returns empty policy state. The cursor starts at -1 so the
// first round-robin pick is W[0].
func NewState() *State {
	return &State{cursor: -1, sticky: make(map[string]string)}
}

func (s *State) nextIndex(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = (s.cursor + 1) % n
	return s.cursor
}

// StickyGet looks up a sticky binding in the mirror.
func (s *State) StickyGet(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sticky[key]
	return id, ok
}

// StickyBind records a sticky binding in the mirror.
func (s *State) StickyBind(key, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky[key] = workerID
}

// StickySnapshot copies the mirror for persistence.
func (s *State) StickySnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.sticky))
	for k, v := range s.sticky {
		out[k] = v
	}
	return out
}

// LoadSticky replaces the mirror, used when reloading persisted state.
func (s *State) LoadSticky(m map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sticky = make(map[string]string, len(m))
	for k, v := range m {
		s.sticky[k] = v
	}
}

// RoundRobin picks workers in rotation for fairness. It never falls back;
// placement quality is not its concern.
func RoundRobin(c Context) *Result {
	if len(c.Workers) == 0 {
		return nil
	}
	w := c.Workers[c.State.nextIndex(len(c.Workers))]
	return &Result{WorkerID: w.ID, Reason: "round-robin rotation"}
}

// LoadBased ranks candidates by load ratio ascending, breaking ties by
// larger absolute free slots, then by id for determinism.
func LoadBased(c Context) *Result {
	best := -1
	for i := range c.Workers {
		if best < 0 || lessLoaded(&c.Workers[i], &c.Workers[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	w := c.Workers[best]
	return &Result{
		WorkerID: w.ID,
		Reason:   fmt.Sprintf("lowest load ratio %.2f (%d/%d)", w.LoadRatio(), w.CurrentLoad, w.Capacity),
	}
}

func lessLoaded(a, b *registry.Worker) bool {
	ra, rb := a.LoadRatio(), b.LoadRatio()
	if ra != rb {
		return ra < rb
	}
	if a.FreeSlots() != b.FreeSlots() {
		return a.FreeSlots() > b.FreeSlots()
	}
	return a.ID < b.ID
}

// SkillBased scores candidates as 0.7*skill-match + 0.3*(1-load ratio).
// When the task requires skills and no candidate matches any of them, the
// task waits rather than landing on an unskilled worker.
func SkillBased(c Context) *Result {
	required := c.Task.RequiredSkills

	best := -1
	bestScore := -1.0
	anyMatch := false
	for i := range c.Workers {
		w := &c.Workers[i]
		match := skillMatch(required, w)
		if match > 0 {
			anyMatch = true
		}
		score := 0.7*match + 0.3*(1-w.LoadRatio())
		if score > bestScore || (score == bestScore && w.ID < c.Workers[best].ID) {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return nil
	}
	if len(required) > 0 && !anyMatch {
		return nil
	}
	w := c.Workers[best]
	return &Result{
		WorkerID: w.ID,
		Reason:   fmt.Sprintf("skill score %.2f (match %.2f)", bestScore, skillMatch(required, &w)),
	}
}

// skillMatch is |required ∩ skills| / |required|, defined as 1 when no
// skills are required.
func skillMatch(required []string, w *registry.Worker) float64 {
	if len(required) == 0 {
		return 1
	}
	hits := 0
	for _, skill := range required {
		if w.HasSkill(skill) {
			hits++
		}
	}
	return float64(hits) / float64(len(required))
}

// StickyLookup resolves a sticky key to a worker id from durable state.
// The engine backs it with the KV hash so a fresh instance can honor
// bindings written by a peer.
type StickyLookup func(key string) (string, bool)

// Sticky routes a task to the worker its sticky key is bound to. When the
// bound worker is gone, offline or full, it falls through to load-based;
// the second return value reports that the binding must be rewritten to
// the new winner.
func Sticky(c Context, lookup StickyLookup) (*Result, bool) {
	key := c.Task.StickyKey

	boundID, ok := c.State.StickyGet(key)
	if !ok && lookup != nil {
		if id, found := lookup(key); found {
			boundID = id
			ok = true
			c.State.StickyBind(key, id)
		}
	}

	if ok {
		for i := range c.Workers {
			if c.Workers[i].ID == boundID {
				return &Result{WorkerID: boundID, Reason: "sticky binding for " + key}, false
			}
		}
	}

	res := LoadBased(c)
	if res == nil {
		return nil, false
	}
	res.Reason = "sticky rebind for " + key + ": " + res.Reason
	c.State.StickyBind(key, res.WorkerID)
	return res, true
}
