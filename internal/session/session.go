// Package session manages authenticated transport sessions: the login state
// machine, the reconnect-and-retry policy around remote calls, and the
// registry that maps owners to their one live session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	cderrors "github.com/chatdrive/chatdrive/internal/errors"
	"github.com/chatdrive/chatdrive/internal/logging"
	"github.com/chatdrive/chatdrive/internal/metrics"
	"github.com/chatdrive/chatdrive/internal/transport"
)

// State is the authentication state of a Session.
type State int

const (
	// Disconnected means no connection is open.
	Disconnected State = iota
	// Connected means the connection is open but not logged in.
	Connected
	// AwaitingCode means a login code was requested and SubmitCode is next.
	AwaitingCode
	// AwaitingPassword means the code was accepted and a second factor is needed.
	AwaitingPassword
	// Authenticated means remote calls can be made.
	Authenticated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case AwaitingCode:
		return "awaiting_code"
	case AwaitingPassword:
		return "awaiting_password"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultReconnectDelay is the pause between a connection fault and the
// reconnect attempt when Options leaves it unset.
const DefaultReconnectDelay = 500 * time.Millisecond

// Options configures sessions created by a Registry or New.
type Options struct {
	// ReconnectDelay is the pause before reconnecting after a connection
	// fault. Must be positive; zero selects DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// Logger receives session events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Session owns one transport binding for one owner. All calls on a Session
// are serialized: public methods and Run wait for any in-flight operation of
// the same session to finish.
type Session struct {
	id             string
	owner          string
	client         transport.Client
	sem            *semaphore.Weighted
	reconnectDelay time.Duration
	log            *slog.Logger

	// mu guards the fields below for readers that do not hold sem.
	mu       sync.Mutex
	state    State
	identity string
	codeHash string
	// faulted is set when a call failed even after reconnecting. The probe
	// reports false until Connect clears it.
	faulted bool
}

// New wraps client in a Session for owner. The session starts Disconnected.
func New(owner string, client transport.Client, opts Options) *Session {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	id := uuid.NewString()
	return &Session{
		id:             id,
		owner:          owner,
		client:         client,
		sem:            semaphore.NewWeighted(1),
		reconnectDelay: delay,
		log:            logging.Component(opts.Logger, "session").With("owner", owner, "session", id),
	}
}

// ID returns the unique instance ID of the session.
func (s *Session) ID() string { return s.id }

// Owner returns the owner key the session was created for.
func (s *Session) Owner() string { return s.owner }

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identity passed to the last RequestCode.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// MaxPayload returns the binding's per-message payload limit in bytes, zero
// meaning unlimited.
func (s *Session) MaxPayload() int64 {
	return s.client.MaxPayload()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *Session) release() {
	s.sem.Release(1)
}

// Connect opens the connection. It is a no-op when already connected, and
// clears the fault latch set by a failed retry.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	s.faulted = false
	s.mu.Unlock()
	return s.connectLocked(ctx)
}

// connectLocked opens the connection. The caller holds sem.
func (s *Session) connectLocked(ctx context.Context) error {
	if s.client.Connected() && s.State() != Disconnected {
		return nil
	}
	if err := s.client.Connect(ctx); err != nil {
		s.log.Warn("connect failed", "error", err)
		return cderrors.ErrTransportUnavailable.Wrap(err)
	}
	s.mu.Lock()
	if s.state == Disconnected {
		s.state = Connected
	}
	s.mu.Unlock()
	s.log.Debug("connected")
	return nil
}

// RequestCode asks the transport to send a login code to identity. The
// connection is opened first if needed.
func (s *Session) RequestCode(ctx context.Context, identity string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	switch s.State() {
	case Authenticated, AwaitingPassword:
		return cderrors.ErrInvalidState.Wrap(fmt.Errorf("cannot request a code while %s", s.State()))
	case Disconnected:
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
	}

	var hash string
	err := s.call(ctx, "send_code", func(ctx context.Context, c transport.Client) error {
		var err error
		hash, err = c.SendCode(ctx, identity)
		return err
	})
	if err != nil {
		return mapAuthError(err)
	}

	s.mu.Lock()
	s.identity = identity
	s.codeHash = hash
	s.state = AwaitingCode
	s.mu.Unlock()
	s.log.Info("login code requested", "identity", identity)
	return nil
}

// SubmitCode completes a login started by RequestCode and returns the
// resulting state.
//
// From AwaitingCode a correct code authenticates the session unless the
// account has a second factor. Then, if password is empty, the session moves
// to AwaitingPassword and ErrPasswordRequired is returned; otherwise the
// password is checked immediately. A wrong code returns ErrInvalidCode and
// leaves the session in AwaitingCode. From AwaitingPassword, password is
// checked and a wrong one returns ErrInvalidPassword.
func (s *Session) SubmitCode(ctx context.Context, code, password string) (State, error) {
	if err := s.acquire(ctx); err != nil {
		return s.State(), err
	}
	defer s.release()

	s.mu.Lock()
	state, identity, hash := s.state, s.identity, s.codeHash
	s.mu.Unlock()

	switch state {
	case AwaitingCode:
		err := s.call(ctx, "sign_in", func(ctx context.Context, c transport.Client) error {
			return c.SignIn(ctx, identity, code, hash)
		})
		switch {
		case err == nil:
			s.authenticated()
			return Authenticated, nil
		case errors.Is(err, transport.ErrPasswordNeeded):
			s.setState(AwaitingPassword)
			if password == "" {
				s.log.Info("second factor required")
				return AwaitingPassword, cderrors.ErrPasswordRequired
			}
		default:
			return s.State(), mapAuthError(err)
		}
	case AwaitingPassword:
		if password == "" {
			return AwaitingPassword, cderrors.ErrPasswordRequired
		}
	default:
		return state, cderrors.ErrInvalidState.Wrap(fmt.Errorf("cannot submit a code while %s", state))
	}

	err := s.call(ctx, "check_password", func(ctx context.Context, c transport.Client) error {
		return c.CheckPassword(ctx, password)
	})
	if err != nil {
		return s.State(), mapAuthError(err)
	}
	s.authenticated()
	return Authenticated, nil
}

func (s *Session) authenticated() {
	s.mu.Lock()
	s.state = Authenticated
	s.codeHash = ""
	s.mu.Unlock()
	s.log.Info("session authenticated")
}

// IsAuthenticated probes whether the session is logged in, opening the
// connection first if needed. It returns false after a call failed despite
// a reconnect, until Connect is called.
func (s *Session) IsAuthenticated(ctx context.Context) bool {
	if err := s.acquire(ctx); err != nil {
		return false
	}
	defer s.release()
	return s.probeLocked(ctx)
}

func (s *Session) probeLocked(ctx context.Context) bool {
	s.mu.Lock()
	faulted := s.faulted
	s.mu.Unlock()
	if faulted {
		return false
	}

	if !s.client.Connected() || s.State() == Disconnected {
		if err := s.connectLocked(ctx); err != nil {
			return false
		}
	}

	var ok bool
	err := s.call(ctx, "authorized", func(ctx context.Context, c transport.Client) error {
		var err error
		ok, err = c.Authorized(ctx)
		return err
	})
	if err != nil {
		s.log.Debug("authorization probe failed", "error", err)
		return false
	}

	switch st := s.State(); {
	case ok && st != Authenticated:
		s.setState(Authenticated)
	case !ok && st == Authenticated:
		s.setState(Connected)
	}
	return ok
}

// Logout revokes the remote authorization and disconnects. The disconnect
// happens even when revocation fails; the revocation error is returned.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	var logoutErr error
	if s.client.Connected() {
		logoutErr = s.client.LogOut(ctx)
		if logoutErr != nil {
			s.log.Warn("remote logout failed", "error", logoutErr)
		}
	}
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Warn("disconnect failed", "error", err)
	}

	s.mu.Lock()
	s.state = Disconnected
	s.identity = ""
	s.codeHash = ""
	s.faulted = false
	s.mu.Unlock()
	s.log.Info("logged out")

	if logoutErr != nil {
		return fmt.Errorf("revoking session: %w", logoutErr)
	}
	return nil
}

// ExportToken returns the binding's durable credential material for an
// authenticated session, for the caller to persist.
func (s *Session) ExportToken(ctx context.Context) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	if s.State() != Authenticated {
		return "", cderrors.ErrNotAuthenticated
	}
	return s.client.ExportSession(ctx)
}

// Close disconnects without revoking remote credentials.
func (s *Session) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	err := s.client.Disconnect(ctx)
	s.setState(Disconnected)
	return err
}

// Conn is the handle passed to a Run callback. It is valid only until the
// callback returns.
type Conn struct {
	s *Session
}

// Do performs one remote call with the session's reconnect-and-retry policy.
// op names the call in logs and metrics.
func (c *Conn) Do(ctx context.Context, op string, fn func(ctx context.Context, client transport.Client) error) error {
	return c.s.call(ctx, op, fn)
}

// MaxPayload returns the binding's per-message payload limit.
func (c *Conn) MaxPayload() int64 {
	return c.s.client.MaxPayload()
}

// Logger returns the session's logger.
func (c *Conn) Logger() *slog.Logger {
	return c.s.log
}

// Run executes fn with exclusive use of the session. The session must be
// authenticated; if it is not connected yet, including after a fault left it
// Disconnected, a fresh connection is opened and probed first. It returns
// ErrTransportUnavailable when that connect fails and ErrNotAuthenticated
// when the account is not logged in.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context, c *Conn) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if s.State() != Authenticated || !s.client.Connected() {
		s.mu.Lock()
		s.faulted = false
		s.mu.Unlock()
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
		if !s.probeLocked(ctx) {
			return cderrors.ErrNotAuthenticated
		}
	}
	return fn(ctx, &Conn{s: s})
}

// call runs fn against the client. A connection fault triggers exactly one
// disconnect, reconnect and replay. If the reconnect fails or the replay
// faults again, the original fault is returned as ErrTransportUnavailable
// and the session is left Disconnected with the fault latch set. Other
// errors are returned unchanged. The caller holds sem.
func (s *Session) call(ctx context.Context, op string, fn func(context.Context, transport.Client) error) error {
	var (
		attempt      int
		firstFault   error
		reconnectErr error
	)

	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.reconnectDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if err := s.reconnectLocked(ctx); err != nil {
				reconnectErr = err
				return err
			}
		}

		err := fn(ctx, s.client)
		if err == nil {
			return nil
		}
		if s.client.IsConnectionFault(err) {
			if firstFault == nil {
				firstFault = err
				s.log.Warn("connection fault, reconnecting", "op", op, "error", err)
			}
			return retry.RetryableError(err)
		}
		return err
	})

	metrics.TransportCallsTotal.WithLabelValues(op, metrics.Status(err)).Inc()

	switch {
	case err == nil:
		return nil
	case reconnectErr != nil:
		s.latchFault(ctx, op, reconnectErr)
		return cderrors.ErrTransportUnavailable.Wrap(firstFault)
	case firstFault != nil && s.client.IsConnectionFault(err):
		s.latchFault(ctx, op, err)
		return cderrors.ErrTransportUnavailable.Wrap(firstFault)
	default:
		return err
	}
}

// reconnectLocked drops and reopens the connection.
func (s *Session) reconnectLocked(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Debug("disconnect before reconnect failed", "error", err)
	}
	err := s.client.Connect(ctx)
	metrics.ReconnectsTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		s.log.Warn("reconnect failed", "error", err)
		return err
	}
	s.log.Info("reconnected")
	return nil
}

func (s *Session) latchFault(ctx context.Context, op string, cause error) {
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Debug("disconnect after fault failed", "error", err)
	}
	s.mu.Lock()
	s.state = Disconnected
	s.faulted = true
	s.mu.Unlock()
	s.log.Error("call failed after reconnect", "op", op, "error", cause)
}

// mapAuthError converts binding login errors to error kinds. Errors that
// already carry a kind are returned unchanged.
func mapAuthError(err error) error {
	if cderrors.KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, transport.ErrInvalidIdentity):
		return cderrors.ErrInvalidIdentity.Wrap(err)
	case errors.Is(err, transport.ErrInvalidCode):
		return cderrors.ErrInvalidCode.Wrap(err)
	case errors.Is(err, transport.ErrInvalidPassword):
		return cderrors.ErrInvalidPassword.Wrap(err)
	case errors.Is(err, transport.ErrPasswordNeeded):
		return cderrors.ErrPasswordRequired.Wrap(err)
	default:
		return err
	}
}
