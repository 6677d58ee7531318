package session

import (
	"fmt"
	"sync"
	"time"

	"elisa/internal/logging"
	"elisa/internal/spec"
)

// Store holds sessions in memory. A periodic tick prunes sessions older
// than maxAge; terminal sessions linger for a grace period so a client can
// still read the tail of the event stream.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxAge time.Duration
	grace  time.Duration
	stop   chan struct{}
	once   sync.Once
}

// NewStore creates a store and starts its pruning loop.
func NewStore(maxAge, pruneTick, grace time.Duration) *Store {
	st := &Store{
		sessions: make(map[string]*Session),
		maxAge:   maxAge,
		grace:    grace,
		stop:     make(chan struct{}),
	}
	go st.pruneLoop(pruneTick)
	return st
}

// Create registers a new session for a validated spec.
func (st *Store) Create(s spec.ProjectSpec, workDir, restartMode string, userWorkspace bool) *Session {
	sess := newSession(s, workDir, restartMode, userWorkspace)
	st.mu.Lock()
	st.sessions[sess.ID] = sess
	st.mu.Unlock()
	logging.Info("session created", "session", sess.ID, "workdir", workDir, "mode", restartMode)
	return sess
}

// Get looks up a session by id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	return sess, nil
}

// Remove destroys a session immediately.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		sess.Cancel()
		sess.Bus.Close()
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close stops the pruning loop.
func (st *Store) Close() {
	st.once.Do(func() { close(st.stop) })
}

func (st *Store) pruneLoop(tick time.Duration) {
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.Prune(time.Now())
		case <-st.stop:
			return
		}
	}
}

// Prune removes expired sessions as of now. Exported for tests.
func (st *Store) Prune(now time.Time) {
	st.mu.Lock()
	var expired []*Session
	for id, sess := range st.sessions {
		remove := false
		if now.Sub(sess.CreatedAt) > st.maxAge {
			remove = true
		}
		if sess.Terminal() && !sess.EndedAt().IsZero() && now.Sub(sess.EndedAt()) > st.grace {
			remove = true
		}
		if remove {
			delete(st.sessions, id)
			expired = append(expired, sess)
		}
	}
	st.mu.Unlock()

	for _, sess := range expired {
		logging.Info("session pruned", "session", sess.ID, "state", sess.State())
		sess.Cancel()
		sess.Bus.Close()
	}
}
