package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/chatdrive/chatdrive/internal/transport"
	"github.com/chatdrive/chatdrive/internal/uid"
)

// Client is a transport.Client bound to an emulated Service. Like real
// bindings it is not safe for concurrent use.
type Client struct {
	svc       *Service
	owner     string
	connected bool

	// phone and authKey identify the logged-in account.
	phone   string
	authKey string
	// pendingPhone is set between SignIn and CheckPassword.
	pendingPhone string
}

var _ transport.Client = (*Client)(nil)

// call records op, applies injected faults and checks the connection.
func (c *Client) call(op Op) error {
	if err := c.svc.enter(op); err != nil {
		if errors.Is(err, ErrConnectionLost) {
			c.connected = false
		}
		return err
	}
	if !c.connected {
		return transport.ErrNotConnected
	}
	return nil
}

// Connect opens the emulated connection.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected {
		return nil
	}
	if err := c.svc.enter(OpConnect); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// Disconnect closes the emulated connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// Connected reports whether Connect has succeeded since the last drop.
func (c *Client) Connected() bool {
	return c.connected
}

// SendCode issues a verification handle for identity.
func (c *Client) SendCode(ctx context.Context, identity string) (string, error) {
	if err := c.call(OpSendCode); err != nil {
		return "", err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[identity]
	if !ok {
		return "", fmt.Errorf("%w: unknown phone %q", transport.ErrInvalidIdentity, identity)
	}
	hash := newHandle()
	a.codeHashes[hash] = true
	return hash, nil
}

// SignIn checks the code against the handle issued by SendCode.
func (c *Client) SignIn(ctx context.Context, identity, code, codeHash string) error {
	if err := c.call(OpSignIn); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[identity]
	if !ok {
		return fmt.Errorf("%w: unknown phone %q", transport.ErrInvalidIdentity, identity)
	}
	if !a.codeHashes[codeHash] || code != a.Code {
		return transport.ErrInvalidCode
	}
	if a.Password != "" {
		c.pendingPhone = identity
		return transport.ErrPasswordNeeded
	}
	delete(a.codeHashes, codeHash)
	c.phone = identity
	c.authKey = s.issueAuthKeyLocked(identity)
	return nil
}

// CheckPassword completes a second-factor login started by SignIn.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	if err := c.call(OpCheckPassword); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[c.pendingPhone]
	if !ok {
		return transport.ErrUnauthorized
	}
	if password != a.Password {
		return transport.ErrInvalidPassword
	}
	c.phone = c.pendingPhone
	c.pendingPhone = ""
	c.authKey = s.issueAuthKeyLocked(c.phone)
	return nil
}

// Authorized reports whether the client holds a live auth key.
func (c *Client) Authorized(ctx context.Context) (bool, error) {
	if err := c.call(OpAuthorized); err != nil {
		return false, err
	}
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	_, ok := c.svc.accountForKeyLocked(c.authKey)
	return ok, nil
}

// LogOut revokes the client's auth key.
func (c *Client) LogOut(ctx context.Context) error {
	if err := c.call(OpLogOut); err != nil {
		return err
	}
	c.svc.mu.Lock()
	delete(c.svc.authKeys, c.authKey)
	c.svc.mu.Unlock()
	c.authKey = ""
	c.phone = ""
	c.pendingPhone = ""
	return nil
}

// ExportSession encodes the client's auth key as a token.
func (c *Client) ExportSession(ctx context.Context) (string, error) {
	if c.authKey == "" {
		return "", transport.ErrUnauthorized
	}
	return encodeToken(tokenEnvelope{Version: tokenVersion, Phone: c.phone, AuthKey: c.authKey})
}

// self resolves the logged-in account. The caller must hold svc.mu.
func (c *Client) selfLocked() (*account, error) {
	a, ok := c.svc.accountForKeyLocked(c.authKey)
	if !ok {
		return nil, transport.ErrUnauthorized
	}
	return a, nil
}

// SendDocument stores doc as a new message.
func (c *Client) SendDocument(ctx context.Context, doc transport.Document) (transport.MessageID, error) {
	if err := c.call(OpSend); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(doc.Body)
	if err != nil {
		return 0, fmt.Errorf("reading document body: %w", err)
	}
	if int64(len(data)) != doc.Size {
		return 0, fmt.Errorf("document body is %d bytes, declared %d", len(data), doc.Size)
	}

	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxPayload > 0 && int64(len(data)) > s.maxPayload {
		return 0, fmt.Errorf("document of %d bytes exceeds the %d byte limit", len(data), s.maxPayload)
	}
	a, err := c.selfLocked()
	if err != nil {
		return 0, err
	}
	id := s.allocIDLocked()
	a.Messages[id] = &message{ID: id, Caption: doc.Caption, Name: doc.Name, Data: data, HasMedia: true}
	return id, nil
}

// Fetch returns message metadata.
func (c *Client) Fetch(ctx context.Context, id transport.MessageID) (*transport.Message, error) {
	if err := c.call(OpFetch); err != nil {
		return nil, err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := c.selfLocked()
	if err != nil {
		return nil, err
	}
	m, ok := a.Messages[id]
	if !ok {
		return nil, transport.ErrMessageNotFound
	}
	return &transport.Message{
		ID:       m.ID,
		Caption:  m.Caption,
		HasMedia: m.HasMedia,
		Name:     m.Name,
		Size:     int64(len(m.Data)),
	}, nil
}

// Download writes the document of msg to w.
func (c *Client) Download(ctx context.Context, msg *transport.Message, w io.Writer) (int64, error) {
	if err := c.call(OpDownload); err != nil {
		return 0, err
	}
	s := c.svc
	s.mu.Lock()
	a, err := c.selfLocked()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	m, ok := a.Messages[msg.ID]
	if !ok {
		s.mu.Unlock()
		return 0, transport.ErrMessageNotFound
	}
	if !m.HasMedia {
		s.mu.Unlock()
		return 0, transport.ErrNoMedia
	}
	data := bytes.Clone(m.Data)
	s.mu.Unlock()

	return io.Copy(w, bytes.NewReader(data))
}

// Delete removes messages. IDs that do not exist are ignored.
func (c *Client) Delete(ctx context.Context, ids []transport.MessageID) error {
	if err := c.call(OpDelete); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := c.selfLocked()
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(a.Messages, id)
	}
	return nil
}

// Forward copies a message into a new message.
func (c *Client) Forward(ctx context.Context, id transport.MessageID) (transport.MessageID, error) {
	if err := c.call(OpForward); err != nil {
		return 0, err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := c.selfLocked()
	if err != nil {
		return 0, err
	}
	m, ok := a.Messages[id]
	if !ok {
		return 0, transport.ErrMessageNotFound
	}
	newID := s.allocIDLocked()
	a.Messages[newID] = &message{
		ID:       newID,
		Caption:  m.Caption,
		Name:     m.Name,
		Data:     bytes.Clone(m.Data),
		HasMedia: m.HasMedia,
	}
	return newID, nil
}

// EditCaption replaces a message caption.
func (c *Client) EditCaption(ctx context.Context, id transport.MessageID, caption string) error {
	if err := c.call(OpEdit); err != nil {
		return err
	}
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := c.selfLocked()
	if err != nil {
		return err
	}
	m, ok := a.Messages[id]
	if !ok {
		return transport.ErrMessageNotFound
	}
	m.Caption = caption
	return nil
}

// IsConnectionFault classifies dropped-connection errors.
func (c *Client) IsConnectionFault(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, transport.ErrNotConnected)
}

// MaxPayload returns the service's per-message limit.
func (c *Client) MaxPayload() int64 {
	return c.svc.maxPayload
}

// newHandle returns a random opaque handle for code hashes and auth keys.
func newHandle() string {
	return uid.New()
}

// sortedIDs returns the keys of m in ascending order.
func sortedIDs(m map[transport.MessageID]*message) []transport.MessageID {
	ids := make([]transport.MessageID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
