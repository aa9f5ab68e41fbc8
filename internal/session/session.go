// Package session keeps the server-wide registry of live sessions. It is
// diagnostic state only: nothing in the protocol depends on it.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sheerbytes/lockstep/pkg/protocol"
)

// Info describes one live session.
type Info struct {
	ID          string
	RemoteAddr  string
	Transport   string
	State       protocol.State
	LastCommand string
	StartedAt   time.Time
	BytesIn     int64
	BytesOut    int64
}

// Registry maps session IDs to their current Info. All access goes through
// one mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Info
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Info),
		now:      time.Now,
	}
}

// TryRegister adds a session unless limit sessions are already live. A
// limit of zero or less means unbounded.
func (r *Registry) TryRegister(remoteAddr, transport string, limit int) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit > 0 && len(r.sessions) >= limit {
		return Info{}, false
	}

	info := &Info{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		Transport:  transport,
		State:      protocol.StateReady,
		StartedAt:  r.now(),
	}
	r.sessions[info.ID] = info
	return *info, true
}

// SetState records a state change and the command that caused it.
// Unknown IDs are ignored.
func (r *Registry) SetState(id string, state protocol.State, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[id]; ok {
		info.State = state
		if command != "" {
			info.LastCommand = command
		}
	}
}

// SetBytes records the cumulative byte counters of a session.
func (r *Registry) SetBytes(id string, in, out int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.sessions[id]; ok {
		info.BytesIn = in
		info.BytesOut = out
	}
}

// Get returns the Info for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Remove deletes id and returns its final Info with State Closed.
func (r *Registry) Remove(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	delete(r.sessions, id)
	info.State = protocol.StateClosed
	return *info, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns all live sessions, oldest first.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, *info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
