// Package transport defines the contract between chatdrive's session layer
// and a remote messaging service binding.
//
// A binding wraps one account on one service. Every stored chunk is a
// document message in the account's own storage chat ("saved messages");
// the message ID the service assigns is the block reference. Bindings are
// not required to be safe for concurrent use: the session layer serializes
// all calls to a Client.
package transport

import (
	"context"
	"errors"
	"io"
)

// MessageID identifies a stored message within an account's storage chat.
// IDs are assigned by the service and never reused.
type MessageID int64

// Document is a payload to be stored as one message.
type Document struct {
	// Name is the file name attached to the stored document.
	Name string
	// Size is the exact number of bytes Body yields.
	Size int64
	// Body supplies the payload. It is read to EOF exactly once.
	Body io.Reader
	// Caption is the human-readable text stored alongside the document.
	Caption string
}

// Message is a stored message as returned by Fetch.
type Message struct {
	ID      MessageID
	Caption string
	// HasMedia reports whether the message carries a downloadable document.
	HasMedia bool
	// Name is the document's file name, when present.
	Name string
	// Size is the document size in bytes, when known.
	Size int64
}

// Client is a binding to one account on a remote messaging service.
type Client interface {
	// Connect opens the underlying connection. It is a no-op when already
	// connected.
	Connect(ctx context.Context) error
	// Disconnect closes the underlying connection. It is a no-op when
	// already disconnected.
	Disconnect(ctx context.Context) error
	// Connected reports whether the underlying connection is open.
	Connected() bool

	// SendCode asks the service to deliver a login code for identity and
	// returns the verification handle SignIn needs.
	SendCode(ctx context.Context, identity string) (codeHash string, err error)
	// SignIn completes a code login. It returns ErrPasswordNeeded when the
	// account has a second factor.
	SignIn(ctx context.Context, identity, code, codeHash string) error
	// CheckPassword completes a second-factor login.
	CheckPassword(ctx context.Context, password string) error
	// Authorized reports whether the connection is logged in.
	Authorized(ctx context.Context) (bool, error)
	// LogOut revokes the remote authorization.
	LogOut(ctx context.Context) error
	// ExportSession returns durable credential material that a later
	// Dialer call can resume from.
	ExportSession(ctx context.Context) (string, error)

	// SendDocument stores doc in the storage chat and returns its ID.
	SendDocument(ctx context.Context, doc Document) (MessageID, error)
	// Fetch returns the stored message with the given ID. It returns
	// ErrMessageNotFound when the message does not exist.
	Fetch(ctx context.Context, id MessageID) (*Message, error)
	// Download writes the document attached to msg to w.
	Download(ctx context.Context, msg *Message, w io.Writer) (int64, error)
	// Delete removes the given messages.
	Delete(ctx context.Context, ids []MessageID) error
	// Forward duplicates a stored message into the storage chat and
	// returns the ID of the copy.
	Forward(ctx context.Context, id MessageID) (MessageID, error)
	// EditCaption replaces the caption of a stored message.
	EditCaption(ctx context.Context, id MessageID, caption string) error

	// IsConnectionFault reports whether err was caused by a dropped or
	// unusable connection and is worth one reconnect-and-replay.
	IsConnectionFault(err error) bool
	// MaxPayload is the largest document the service accepts, in bytes.
	// Zero means no limit.
	MaxPayload() int64
}

// Dialer constructs the binding for one owner. token is durable credential
// material previously returned by ExportSession, or empty for a fresh login.
// Dialers must not perform network I/O; Connect does that.
type Dialer func(owner, token string) (Client, error)

// Errors returned by bindings. The session layer maps them to the error
// kinds in internal/errors.
var (
	// ErrPasswordNeeded is returned by SignIn when a second factor is required.
	ErrPasswordNeeded = errors.New("transport: second-factor password needed")
	// ErrInvalidIdentity is returned by SendCode for a rejected identity.
	ErrInvalidIdentity = errors.New("transport: identity rejected")
	// ErrInvalidCode is returned by SignIn for a wrong or expired code.
	ErrInvalidCode = errors.New("transport: code invalid")
	// ErrInvalidPassword is returned by CheckPassword for a wrong password.
	ErrInvalidPassword = errors.New("transport: password invalid")
	// ErrMessageNotFound is returned by Fetch when the message does not exist.
	ErrMessageNotFound = errors.New("transport: message not found")
	// ErrNoMedia is returned by Download when msg has no document.
	ErrNoMedia = errors.New("transport: message has no media")
	// ErrNotConnected is returned by calls made while disconnected.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrUnauthorized is returned by calls that need a logged-in account.
	ErrUnauthorized = errors.New("transport: not authorized")
)
