package mcp

import "sync"

// SessionRegistry maps caller IDs (requesters and reviewers) to MCP
// session IDs. Populated automatically when callers invoke any tool that
// identifies them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // callerID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a caller ID with a session ID. An existing mapping
// is overwritten (reconnect).
func (r *SessionRegistry) Register(callerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[callerID] = sessionID
}

// SessionFor returns the session ID for the given caller, if connected.
func (r *SessionRegistry) SessionFor(callerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[callerID]
	return sid, ok
}

// All returns a snapshot of the distinct connected session IDs.
func (r *SessionRegistry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.sessions))
	out := make([]string, 0, len(r.sessions))
	for _, sid := range r.sessions {
		if !seen[sid] {
			seen[sid] = true
			out = append(out, sid)
		}
	}
	return out
}

// Remove deletes all caller mappings for the given session ID. Called
// when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}
