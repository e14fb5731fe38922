// Package memory implements an in-process emulation of a messaging service
// and a transport.Client bound to it.
//
// The emulated service keeps accounts (identity, login code, optional
// second-factor password), their authorizations, and each account's storage
// chat. It is used by tests, which can inject faults per operation, and by
// local development, where the state can be snapshotted to SQLite so it
// survives restarts.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatdrive/chatdrive/internal/transport"
)

// Op names an operation of the emulated service for fault injection and
// call accounting.
type Op string

const (
	OpConnect       Op = "connect"
	OpSendCode      Op = "send_code"
	OpSignIn        Op = "sign_in"
	OpCheckPassword Op = "check_password"
	OpAuthorized    Op = "authorized"
	OpLogOut        Op = "log_out"
	OpSend          Op = "send"
	OpFetch         Op = "fetch"
	OpDownload      Op = "download"
	OpDelete        Op = "delete"
	OpForward       Op = "forward"
	OpEdit          Op = "edit"
)

// ErrConnectionLost is the fault the emulated service reports when a
// connection drops mid-call. Injecting it also closes the calling client's
// connection.
var ErrConnectionLost = errors.New("memory: connection lost")

// account is one emulated account and its storage chat.
type account struct {
	Phone    string
	Code     string
	Password string
	Messages map[transport.MessageID]*message
	// codeHashes holds verification handles issued by SendCode.
	codeHashes map[string]bool
}

// message is one stored message.
type message struct {
	ID       transport.MessageID
	Caption  string
	Name     string
	Data     []byte
	HasMedia bool
}

// Options configures a Service.
type Options struct {
	// MaxPayload is the largest accepted document in bytes; 0 is unlimited.
	MaxPayload int64
	// SnapshotPath enables SQLite snapshot persistence when non-empty.
	SnapshotPath string
	// SnapshotInterval enables periodic snapshots when positive.
	SnapshotInterval time.Duration
	// Logger receives snapshot errors. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service is the emulated messaging service. It is safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	accounts map[string]*account // key: phone
	authKeys map[string]string   // key: auth key, value: phone
	nextID   transport.MessageID
	faults   map[Op][]error
	calls    map[Op]int

	maxPayload       int64
	snapshotPath     string
	snapshotInterval time.Duration
	log              *slog.Logger
	stopCh           chan struct{}
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

// New creates an empty, memory-only Service.
func New() *Service {
	s, _ := Open(Options{})
	return s
}

// Open creates a Service. If opts.SnapshotPath is set, an existing snapshot
// is loaded and, when opts.SnapshotInterval is positive, a background
// goroutine writes periodic snapshots until Close.
func Open(opts Options) (*Service, error) {
	s := &Service{
		accounts:         make(map[string]*account),
		authKeys:         make(map[string]string),
		faults:           make(map[Op][]error),
		calls:            make(map[Op]int),
		maxPayload:       opts.MaxPayload,
		snapshotPath:     opts.SnapshotPath,
		snapshotInterval: opts.SnapshotInterval,
		log:              opts.Logger,
		stopCh:           make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	if s.snapshotPath != "" {
		if err := s.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if s.snapshotInterval > 0 {
			s.wg.Add(1)
			go s.snapshotLoop()
		}
	}
	return s, nil
}

// AddAccount registers an account. A non-empty password makes the account
// require a second factor at login. Re-adding an account replaces its
// credentials and keeps its stored messages.
func (s *Service) AddAccount(phone, code, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[phone]; ok {
		a.Code = code
		a.Password = password
		return
	}
	s.accounts[phone] = newAccount(phone, code, password)
}

func newAccount(phone, code, password string) *account {
	return &account{
		Phone:      phone,
		Code:       code,
		Password:   password,
		Messages:   make(map[transport.MessageID]*message),
		codeHashes: make(map[string]bool),
	}
}

// Authorize issues an auth key for phone without the code flow and returns
// a session token a Dialer can resume from.
func (s *Service) Authorize(phone string) (string, error) {
	s.mu.Lock()
	if _, ok := s.accounts[phone]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("memory: unknown account %q", phone)
	}
	key := s.issueAuthKeyLocked(phone)
	s.mu.Unlock()
	return encodeToken(tokenEnvelope{Version: tokenVersion, Phone: phone, AuthKey: key})
}

// AddTextMessage stores a message without media in phone's storage chat and
// returns its ID. Tests use it to produce mediumless block references.
func (s *Service) AddTextMessage(phone, text string) (transport.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[phone]
	if !ok {
		return 0, fmt.Errorf("memory: unknown account %q", phone)
	}
	id := s.allocIDLocked()
	a.Messages[id] = &message{ID: id, Caption: text}
	return id, nil
}

// Messages returns the stored messages of phone's storage chat in ID order.
func (s *Service) Messages(phone string) []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[phone]
	if !ok {
		return nil
	}
	out := make([]transport.Message, 0, len(a.Messages))
	for _, id := range sortedIDs(a.Messages) {
		m := a.Messages[id]
		out = append(out, transport.Message{
			ID:       m.ID,
			Caption:  m.Caption,
			HasMedia: m.HasMedia,
			Name:     m.Name,
			Size:     int64(len(m.Data)),
		})
	}
	return out
}

// FailNext queues err to be returned by the next call of op, across all
// clients. Multiple queued errors are returned in order.
func (s *Service) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Calls returns how many times op has been invoked, including failed calls.
func (s *Service) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Dialer returns a transport.Dialer producing clients bound to s.
func (s *Service) Dialer() transport.Dialer {
	return func(owner, token string) (transport.Client, error) {
		return s.NewClient(owner, token)
	}
}

// NewClient returns a client bound to s, resuming from token when non-empty.
func (s *Service) NewClient(owner, token string) (*Client, error) {
	c := &Client{svc: s, owner: owner}
	if token != "" {
		env, err := decodeToken(token)
		if err != nil {
			return nil, err
		}
		c.phone = env.Phone
		c.authKey = env.AuthKey
	}
	return c, nil
}

// Close stops the snapshot goroutine and writes a final snapshot when
// persistence is enabled. It is safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.snapshotPath != "" {
			if werr := s.writeSnapshot(); werr != nil {
				err = fmt.Errorf("writing final snapshot: %w", werr)
			}
		}
	})
	return err
}

// enter records a call of op and returns any fault queued for it.
func (s *Service) enter(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[op]++
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.faults[op] = queue[1:]
	return err
}

func (s *Service) allocIDLocked() transport.MessageID {
	s.nextID++
	return s.nextID
}

func (s *Service) issueAuthKeyLocked(phone string) string {
	key := newHandle()
	s.authKeys[key] = phone
	return key
}

// accountForKeyLocked resolves an auth key to its account.
func (s *Service) accountForKeyLocked(key string) (*account, bool) {
	if key == "" {
		return nil, false
	}
	phone, ok := s.authKeys[key]
	if !ok {
		return nil, false
	}
	a, ok := s.accounts[phone]
	return a, ok
}
