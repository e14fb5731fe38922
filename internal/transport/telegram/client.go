// Package telegram is the MTProto transport binding. Every block is a
// document message in the account's Saved Messages chat.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gotd/td/session"
	gotelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/chatdrive/chatdrive/internal/transport"
)

// DefaultMaxPayload is the per-document limit for regular accounts, less a
// margin for framing.
const DefaultMaxPayload int64 = 2000 * 1024 * 1024

// Options configures the binding.
type Options struct {
	// APIID and APIHash are the application credentials from my.telegram.org.
	APIID   int
	APIHash string
	// DeviceModel is reported to the service at login.
	DeviceModel string
	Logger      *slog.Logger
}

// NewDialer returns a transport.Dialer that builds MTProto clients. The
// token is a session blob previously returned by ExportSession.
func NewDialer(opts Options) transport.Dialer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(owner, token string) (transport.Client, error) {
		storage := &session.StorageMemory{}
		if token != "" {
			data, err := base64.StdEncoding.DecodeString(token)
			if err != nil {
				return nil, fmt.Errorf("decoding telegram session: %w", err)
			}
			if err := storage.StoreSession(context.Background(), data); err != nil {
				return nil, fmt.Errorf("loading telegram session: %w", err)
			}
		}
		return &Client{
			opts:    opts,
			storage: storage,
			log:     opts.Logger.With("owner", owner),
		}, nil
	}
}

// Client is a transport.Client over one MTProto connection.
type Client struct {
	opts    Options
	storage *session.StorageMemory
	log     *slog.Logger

	mu     sync.Mutex
	client *gotelegram.Client
	api    *tg.Client
	cancel context.CancelFunc
	done   chan error
	alive  atomic.Bool
}

var _ transport.Client = (*Client)(nil)

// Connect starts the client's run loop and waits until it is ready for
// requests.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive.Load() {
		return nil
	}
	c.stopLocked()

	client := gotelegram.NewClient(c.opts.APIID, c.opts.APIHash, gotelegram.Options{
		SessionStorage: c.storage,
		Device:         gotelegram.DeviceConfig{DeviceModel: c.opts.DeviceModel},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		err := client.Run(runCtx, func(ctx context.Context) error {
			c.alive.Store(true)
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.alive.Store(false)
		done <- err
	}()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		if err == nil {
			err = transport.ErrNotConnected
		}
		return fmt.Errorf("telegram connect: %w", err)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}

	c.client = client
	c.api = client.API()
	c.cancel = cancel
	c.done = done
	c.log.Debug("telegram connected")
	return nil
}

// Disconnect stops the run loop and waits for it to exit.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return nil
}

func (c *Client) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	if err := <-c.done; err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("telegram run loop exited", "error", err)
	}
	c.cancel = nil
	c.done = nil
	c.client = nil
	c.api = nil
	c.alive.Store(false)
}

func (c *Client) Connected() bool {
	return c.alive.Load()
}

// rpc returns the raw API while the connection is up.
func (c *Client) rpc() (*gotelegram.Client, *tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive.Load() || c.api == nil {
		return nil, nil, transport.ErrNotConnected
	}
	return c.client, c.api, nil
}

func (c *Client) SendCode(ctx context.Context, identity string) (string, error) {
	client, _, err := c.rpc()
	if err != nil {
		return "", err
	}
	sent, err := client.Auth().SendCode(ctx, identity, auth.SendCodeOptions{})
	if err != nil {
		if tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED", "PHONE_NUMBER_FLOOD", "PHONE_NUMBER_UNOCCUPIED") {
			return "", fmt.Errorf("%w: %v", transport.ErrInvalidIdentity, err)
		}
		return "", err
	}
	s, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("unexpected sent code type %T", sent)
	}
	return s.PhoneCodeHash, nil
}

func (c *Client) SignIn(ctx context.Context, identity, code, codeHash string) error {
	client, _, err := c.rpc()
	if err != nil {
		return err
	}
	_, err = client.Auth().SignIn(ctx, identity, code, codeHash)
	return mapSignInError(err)
}

func (c *Client) CheckPassword(ctx context.Context, password string) error {
	client, _, err := c.rpc()
	if err != nil {
		return err
	}
	_, err = client.Auth().Password(ctx, password)
	return mapPasswordError(err)
}

func (c *Client) Authorized(ctx context.Context) (bool, error) {
	client, _, err := c.rpc()
	if err != nil {
		return false, err
	}
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Authorized, nil
}

func (c *Client) LogOut(ctx context.Context) error {
	_, api, err := c.rpc()
	if err != nil {
		return err
	}
	if _, err := api.AuthLogOut(ctx); err != nil {
		return err
	}
	return c.storage.StoreSession(ctx, nil)
}

// ExportSession returns the base64 session blob Dialer resumes from.
func (c *Client) ExportSession(ctx context.Context) (string, error) {
	data, err := c.storage.LoadSession(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", transport.ErrUnauthorized
		}
		return "", err
	}
	if len(data) == 0 {
		return "", transport.ErrUnauthorized
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) SendDocument(ctx context.Context, doc transport.Document) (transport.MessageID, error) {
	_, api, err := c.rpc()
	if err != nil {
		return 0, err
	}
	name := doc.Name
	if name == "" {
		name = "block.bin"
	}
	file, err := uploader.NewUploader(api).FromReader(ctx, name, doc.Body)
	if err != nil {
		return 0, fmt.Errorf("uploading document: %w", err)
	}
	randomID := rand.Int64()
	updates, err := api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer: &tg.InputPeerSelf{},
		Media: &tg.InputMediaUploadedDocument{
			File:       file,
			MimeType:   "application/octet-stream",
			ForceFile:  true,
			Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: name}},
		},
		Message:  doc.Caption,
		RandomID: randomID,
	})
	if err != nil {
		return 0, err
	}
	return sentMessageID(updates, randomID)
}

// message fetches the raw message for id from Saved Messages.
func (c *Client) message(ctx context.Context, api *tg.Client, id transport.MessageID) (*tg.Message, error) {
	res, err := api.MessagesGetMessages(ctx, []tg.InputMessageClass{&tg.InputMessageID{ID: int(id)}})
	if err != nil {
		if tgerr.Is(err, "MESSAGE_IDS_EMPTY", "MESSAGE_ID_INVALID") {
			return nil, transport.ErrMessageNotFound
		}
		return nil, err
	}
	var msgs []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		msgs = r.Messages
	case *tg.MessagesMessagesSlice:
		msgs = r.Messages
	case *tg.MessagesChannelMessages:
		msgs = r.Messages
	}
	for _, m := range msgs {
		if msg, ok := m.(*tg.Message); ok && msg.ID == int(id) {
			return msg, nil
		}
	}
	return nil, transport.ErrMessageNotFound
}

func (c *Client) Fetch(ctx context.Context, id transport.MessageID) (*transport.Message, error) {
	_, api, err := c.rpc()
	if err != nil {
		return nil, err
	}
	msg, err := c.message(ctx, api, id)
	if err != nil {
		return nil, err
	}
	out := &transport.Message{ID: id, Caption: msg.Message}
	if doc, ok := document(msg); ok {
		out.HasMedia = true
		out.Size = doc.Size
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				out.Name = fn.FileName
			}
		}
	}
	return out, nil
}

// Download re-reads the message so the file reference is fresh.
func (c *Client) Download(ctx context.Context, m *transport.Message, w io.Writer) (int64, error) {
	_, api, err := c.rpc()
	if err != nil {
		return 0, err
	}
	msg, err := c.message(ctx, api, m.ID)
	if err != nil {
		return 0, err
	}
	doc, ok := document(msg)
	if !ok {
		return 0, transport.ErrNoMedia
	}
	loc := &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}
	cw := &countingWriter{w: w}
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, cw); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func (c *Client) Delete(ctx context.Context, ids []transport.MessageID) error {
	_, api, err := c.rpc()
	if err != nil {
		return err
	}
	raw := make([]int, len(ids))
	for i, id := range ids {
		raw[i] = int(id)
	}
	_, err = api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{Revoke: true, ID: raw})
	return err
}

// Forward re-sends the message to Saved Messages without the forward
// header, so the copy's caption stays editable.
func (c *Client) Forward(ctx context.Context, id transport.MessageID) (transport.MessageID, error) {
	_, api, err := c.rpc()
	if err != nil {
		return 0, err
	}
	randomID := rand.Int64()
	updates, err := api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   &tg.InputPeerSelf{},
		ToPeer:     &tg.InputPeerSelf{},
		ID:         []int{int(id)},
		RandomID:   []int64{randomID},
		DropAuthor: true,
	})
	if err != nil {
		if tgerr.Is(err, "MESSAGE_ID_INVALID", "MESSAGE_IDS_EMPTY") {
			return 0, transport.ErrMessageNotFound
		}
		return 0, err
	}
	return sentMessageID(updates, randomID)
}

func (c *Client) EditCaption(ctx context.Context, id transport.MessageID, caption string) error {
	_, api, err := c.rpc()
	if err != nil {
		return err
	}
	_, err = api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    &tg.InputPeerSelf{},
		ID:      int(id),
		Message: caption,
	})
	switch {
	case err == nil, tgerr.Is(err, "MESSAGE_NOT_MODIFIED"):
		return nil
	case tgerr.Is(err, "MESSAGE_ID_INVALID"):
		return transport.ErrMessageNotFound
	default:
		return err
	}
}

// IsConnectionFault reports network-level failures and server-side errors.
// RPC errors with a 4xx code (bad input, flood waits, auth) are not faults.
func (c *Client) IsConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrNotConnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) MaxPayload() int64 {
	return DefaultMaxPayload
}

// sentMessageID finds the ID the service assigned to the message sent with
// randomID.
func sentMessageID(updates tg.UpdatesClass, randomID int64) (transport.MessageID, error) {
	var list []tg.UpdateClass
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return transport.MessageID(u.ID), nil
	case *tg.Updates:
		list = u.Updates
	case *tg.UpdatesCombined:
		list = u.Updates
	}

	var fallback int
	for _, upd := range list {
		switch u := upd.(type) {
		case *tg.UpdateMessageID:
			if u.RandomID == randomID {
				return transport.MessageID(u.ID), nil
			}
		case *tg.UpdateNewMessage:
			if m, ok := u.Message.(*tg.Message); ok && fallback == 0 {
				fallback = m.ID
			}
		}
	}
	if fallback != 0 {
		return transport.MessageID(fallback), nil
	}
	return 0, fmt.Errorf("no message id in %T", updates)
}

func document(msg *tg.Message) (*tg.Document, bool) {
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil, false
	}
	doc, ok := media.Document.(*tg.Document)
	return doc, ok
}

func mapSignInError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return transport.ErrPasswordNeeded
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY", "PHONE_CODE_HASH_EMPTY"):
		return fmt.Errorf("%w: %v", transport.ErrInvalidCode, err)
	default:
		return err
	}
}

func mapPasswordError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return fmt.Errorf("%w: %v", transport.ErrInvalidPassword, err)
	default:
		return err
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
