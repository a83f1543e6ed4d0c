// Package debugger keeps per-process debugging sessions for executions.
//
// A session is enabled for one execution. While enabled, workers in this
// process halt before dispatching a node that has a breakpoint, or before
// every node when no breakpoint is set, until Step grants the next dispatch.
// Sessions live in memory only; other processes do not see them.
package debugger

import (
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Snapshot describes a session.
type Snapshot struct {
	ExecutionID  string    `json:"execution_id"`
	Enabled      bool      `json:"enabled"`
	Breakpoints  []string  `json:"breakpoints"`
	PendingSteps int       `json:"pending_steps"`
	HaltedAt     string    `json:"halted_at,omitempty"`
	HaltedSince  time.Time `json:"halted_since,omitzero"`
}

type session struct {
	enabled     bool
	breakpoints map[string]bool
	steps       int
	haltedAt    string
	haltedSince time.Time
}

// Store holds the sessions of one process.
type Store struct {
	mu       deadlock.RWMutex
	sessions map[string]*session
	clock    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session), clock: time.Now}
}

func (s *Store) get(id string) *session {
	ss, ok := s.sessions[id]
	if !ok {
		ss = &session{breakpoints: map[string]bool{}}
		s.sessions[id] = ss
	}
	return ss
}

// Enable starts debugging an execution.
func (s *Store) Enable(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(executionID).enabled = true
}

// Disable stops debugging and forgets the session.
func (s *Store) Disable(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, executionID)
}

// Enabled reports whether a session is active.
func (s *Store) Enabled(executionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.sessions[executionID]
	return ok && ss.enabled
}

func (s *Store) SetBreakpoint(executionID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(executionID).breakpoints[nodeID] = true
}

func (s *Store) ClearBreakpoint(executionID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[executionID]; ok {
		delete(ss.breakpoints, nodeID)
	}
}

// Step lets one halted dispatch proceed.
func (s *Store) Step(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.get(executionID)
	ss.steps++
	ss.haltedAt = ""
	ss.haltedSince = time.Time{}
}

// ShouldHalt is asked by a worker before dispatching nodeID. It consumes a
// pending step if one is available. hit is true the first time the session
// halts at nodeID.
func (s *Store) ShouldHalt(executionID, nodeID string) (halt, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[executionID]
	if !ok || !ss.enabled {
		return false, false
	}
	if len(ss.breakpoints) > 0 && !ss.breakpoints[nodeID] {
		return false, false
	}
	if ss.steps > 0 {
		ss.steps--
		return false, false
	}
	if ss.haltedAt == nodeID {
		return true, false
	}
	ss.haltedAt = nodeID
	ss.haltedSince = s.clock()
	return true, true
}

// Inspect returns the session state. The zero Snapshot is returned for
// executions without a session.
func (s *Store) Inspect(executionID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{ExecutionID: executionID, Breakpoints: []string{}}
	ss, ok := s.sessions[executionID]
	if !ok {
		return snap
	}
	for id := range ss.breakpoints {
		snap.Breakpoints = append(snap.Breakpoints, id)
	}
	sort.Strings(snap.Breakpoints)
	snap.Enabled = ss.enabled
	snap.PendingSteps = ss.steps
	snap.HaltedAt = ss.haltedAt
	snap.HaltedSince = ss.haltedSince
	return snap
}
