package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/chatdrive/chatdrive/internal/logging"
	"github.com/chatdrive/chatdrive/internal/metrics"
	"github.com/chatdrive/chatdrive/internal/transport"
)

// PendingKey returns the owner key used for a login that has not yet been
// tied to a user.
func PendingKey(identity string) string {
	return "pending_" + identity
}

// Info describes one registered session.
type Info struct {
	Owner     string `json:"owner"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// Registry holds at most one live Session per owner key. It is safe for
// concurrent use.
type Registry struct {
	dial transport.Dialer
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry that builds bindings with dial.
func NewRegistry(dial transport.Dialer, opts Options) *Registry {
	return &Registry{
		dial:     dial,
		opts:     opts,
		log:      logging.Component(opts.Logger, "registry"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for owner, creating it if absent. A new session's
// binding is seeded with savedToken when non-empty; savedToken is ignored
// when the session already exists. Concurrent first calls for the same
// owner observe the same Session.
func (r *Registry) Get(owner, savedToken string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[owner]; ok {
		return s, nil
	}

	// Dialing under r.mu relies on Dialers doing no network I/O.
	client, err := r.dial(owner, savedToken)
	if err != nil {
		return nil, fmt.Errorf("creating transport client for %q: %w", owner, err)
	}
	s := New(owner, client, r.opts)
	r.sessions[owner] = s
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.log.Debug("session created", "owner", owner, "session", s.ID(), "resumed", savedToken != "")
	return s, nil
}

// Lookup returns the session for owner without creating one.
func (r *Registry) Lookup(owner string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[owner]
	return s, ok
}

// Remove disconnects and discards the session for owner. A later Get builds
// a fresh session. Removing an unknown owner is a no-op.
func (r *Registry) Remove(ctx context.Context, owner string) error {
	r.mu.Lock()
	s, ok := r.sessions[owner]
	if ok {
		delete(r.sessions, owner)
		metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.log.Debug("session removed", "owner", owner, "session", s.ID())
	return s.Close(ctx)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot lists registered sessions ordered by owner.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for owner, s := range r.sessions {
		out = append(out, Info{Owner: owner, SessionID: s.ID(), State: s.State().String()})
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.Owner, b.Owner) })
	return out
}

// Close disconnects and discards every session.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	metrics.SessionsActive.Set(0)
	r.mu.Unlock()

	var errs []error
	for owner, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing session for %q: %w", owner, err))
		}
	}
	return errors.Join(errs...)
}
