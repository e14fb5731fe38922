// Package s3store is a transport binding that keeps one account's message
// stream in an S3-compatible bucket.
//
// Key mapping:
//
//	Messages:  {prefix}{account}/{message_id as 20 zero-padded digits}
//
// Captions and document names travel as object metadata. Forward is a
// server-side copy and a caption edit is a copy onto the same key with the
// metadata replaced. There is no interactive login: sessions resume from a
// Token holding static keys.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/chatdrive/chatdrive/internal/transport"
)

// DefaultMaxPayload is the largest single PutObject S3 accepts.
const DefaultMaxPayload int64 = 5 * 1024 * 1024 * 1024

const (
	metaCaption = "caption"
	metaName    = "name"
)

// S3API is the subset of the S3 client the binding uses. Tests supply a mock.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// APIFactory builds an S3API for a set of static credentials.
type APIFactory func(ctx context.Context, tok Token) (S3API, error)

// Options configures the binding.
type Options struct {
	Bucket       string
	Region       string
	Prefix       string
	EndpointURL  string
	UsePathStyle bool
	// MaxPayload overrides DefaultMaxPayload when positive.
	MaxPayload int64
	// NewAPI overrides how the S3 client is built. Tests set it.
	NewAPI APIFactory
	Logger *slog.Logger
}

// NewDialer returns a transport.Dialer for the bucket in opts.
func NewDialer(opts Options) transport.Dialer {
	if opts.NewAPI == nil {
		opts.NewAPI = defaultAPIFactory(opts)
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(owner, token string) (transport.Client, error) {
		c := &Client{opts: opts, owner: owner}
		if token != "" {
			tok, err := DecodeToken(token)
			if err != nil {
				return nil, err
			}
			c.token = &tok
		}
		return c, nil
	}
}

// defaultAPIFactory builds a real S3 client with static credentials, with
// optional overrides for custom endpoint and path-style addressing.
func defaultAPIFactory(opts Options) APIFactory {
	return func(ctx context.Context, tok Token) (S3API, error) {
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(opts.Region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(tok.AccessKeyID, tok.SecretAccessKey, tok.SessionToken),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}

		var s3Opts []func(*s3.Options)
		if opts.EndpointURL != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(opts.EndpointURL)
			})
		}
		if opts.UsePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) {
				o.UsePathStyle = true
			})
		}
		return s3.NewFromConfig(cfg, s3Opts...), nil
	}
}

// Client is a transport.Client over one account namespace of a bucket.
type Client struct {
	opts  Options
	owner string
	token *Token

	api       S3API
	connected bool
	lastID    transport.MessageID
}

var _ transport.Client = (*Client)(nil)

// Connect builds the S3 client and checks the bucket is reachable.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected {
		return nil
	}
	if c.token != nil && c.api == nil {
		api, err := c.opts.NewAPI(ctx, *c.token)
		if err != nil {
			return err
		}
		c.api = api
	}
	if c.api != nil {
		if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.opts.Bucket)}); err != nil {
			return fmt.Errorf("cannot access bucket %q: %w", c.opts.Bucket, err)
		}
	}
	c.connected = true
	c.opts.Logger.Debug("s3store connected", "owner", c.owner, "bucket", c.opts.Bucket)
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

func (c *Client) Connected() bool {
	return c.connected
}

// ready checks the client can make authorized calls.
func (c *Client) ready() error {
	if !c.connected {
		return transport.ErrNotConnected
	}
	if c.token == nil || c.api == nil {
		return transport.ErrUnauthorized
	}
	return nil
}

// SendCode always fails: the binding has no interactive login.
func (c *Client) SendCode(ctx context.Context, identity string) (string, error) {
	if !c.connected {
		return "", transport.ErrNotConnected
	}
	return "", fmt.Errorf("%w: s3store sessions resume from saved keys only", transport.ErrInvalidIdentity)
}

func (c *Client) SignIn(ctx context.Context, identity, code, codeHash string) error {
	return transport.ErrUnauthorized
}

func (c *Client) CheckPassword(ctx context.Context, password string) error {
	return transport.ErrUnauthorized
}

// Authorized reports whether the client holds keys the bucket accepts.
func (c *Client) Authorized(ctx context.Context) (bool, error) {
	if !c.connected {
		return false, transport.ErrNotConnected
	}
	return c.token != nil && c.api != nil, nil
}

// LogOut forgets the keys. Static keys cannot be revoked from here.
func (c *Client) LogOut(ctx context.Context) error {
	c.token = nil
	c.api = nil
	return nil
}

func (c *Client) ExportSession(ctx context.Context) (string, error) {
	if c.token == nil {
		return "", transport.ErrUnauthorized
	}
	return EncodeToken(*c.token)
}

func (c *Client) key(id transport.MessageID) string {
	return fmt.Sprintf("%s%s/%020d", c.opts.Prefix, c.token.Account, int64(id))
}

// idJitter is the number of random low digits appended to the clock part
// of a message ID, separating IDs issued in the same microsecond by
// different processes.
const idJitter = 1000

// maxPutAttempts bounds the fresh IDs SendDocument tries when a key is taken.
const maxPutAttempts = 3

// nextID issues a message ID later than any this client issued before. IDs
// are the current time in microseconds followed by three random digits.
func (c *Client) nextID() transport.MessageID {
	id := transport.MessageID(time.Now().UnixMicro()*idJitter + rand.Int64N(idJitter))
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func (c *Client) SendDocument(ctx context.Context, doc transport.Document) (transport.MessageID, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	// Puts are create-only so an ID taken by another writer is never
	// overwritten. A taken key is retried under a fresh ID when the body
	// can be rewound.
	for attempt := 1; ; attempt++ {
		id := c.nextID()
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.opts.Bucket),
			Key:           aws.String(c.key(id)),
			Body:          doc.Body,
			ContentLength: aws.Int64(doc.Size),
			ContentType:   aws.String("application/octet-stream"),
			Metadata:      encodeMetadata(doc.Caption, doc.Name),
			IfNoneMatch:   aws.String("*"),
		})
		if err == nil {
			return id, nil
		}
		seeker, ok := doc.Body.(io.Seeker)
		if !isPreconditionFailed(err) || !ok || attempt == maxPutAttempts {
			return 0, fmt.Errorf("putting object: %w", err)
		}
		if _, serr := seeker.Seek(0, io.SeekStart); serr != nil {
			return 0, fmt.Errorf("putting object: rewinding body: %w", serr)
		}
		c.opts.Logger.Debug("message key taken, retrying", "owner", c.owner, "id", id)
	}
}

func (c *Client) Fetch(ctx context.Context, id transport.MessageID) (*transport.Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	resp, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(c.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, transport.ErrMessageNotFound
		}
		return nil, fmt.Errorf("heading object: %w", err)
	}
	caption, name := decodeMetadata(resp.Metadata)
	return &transport.Message{
		ID:       id,
		Caption:  caption,
		HasMedia: true,
		Name:     name,
		Size:     aws.ToInt64(resp.ContentLength),
	}, nil
}

func (c *Client) Download(ctx context.Context, msg *transport.Message, w io.Writer) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(c.key(msg.ID)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, transport.ErrMessageNotFound
		}
		return 0, fmt.Errorf("getting object: %w", err)
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Delete removes the objects for ids. S3 deletes are idempotent, so
// missing IDs are not an error.
func (c *Client) Delete(ctx context.Context, ids []transport.MessageID) error {
	if err := c.ready(); err != nil {
		return err
	}
	for _, id := range ids {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.opts.Bucket),
			Key:    aws.String(c.key(id)),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("deleting object %d: %w", id, err)
		}
	}
	return nil
}

// Forward copies the object for id to a new message ID.
func (c *Client) Forward(ctx context.Context, id transport.MessageID) (transport.MessageID, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	newID := c.nextID()
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.opts.Bucket),
		Key:        aws.String(c.key(newID)),
		CopySource: aws.String(c.opts.Bucket + "/" + c.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, transport.ErrMessageNotFound
		}
		return 0, fmt.Errorf("copying object: %w", err)
	}
	return newID, nil
}

// EditCaption rewrites the object's metadata in place.
func (c *Client) EditCaption(ctx context.Context, id transport.MessageID, caption string) error {
	msg, err := c.Fetch(ctx, id)
	if err != nil {
		return err
	}
	key := c.key(id)
	_, err = c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(c.opts.Bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(c.opts.Bucket + "/" + key),
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       aws.String("application/octet-stream"),
		Metadata:          encodeMetadata(caption, msg.Name),
	})
	if err != nil {
		if isNotFound(err) {
			return transport.ErrMessageNotFound
		}
		return fmt.Errorf("replacing object metadata: %w", err)
	}
	return nil
}

// IsConnectionFault reports errors from the network path or a server-side
// failure that a fresh connection may not hit again.
func (c *Client) IsConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrNotConnected) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "InternalError", "ServiceUnavailable", "SlowDown":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return true
	}
	return false
}

func (c *Client) MaxPayload() int64 {
	return c.opts.MaxPayload
}

// encodeMetadata escapes values so they survive S3's ASCII-only metadata.
func encodeMetadata(caption, name string) map[string]string {
	return map[string]string{
		metaCaption: url.QueryEscape(caption),
		metaName:    url.QueryEscape(name),
	}
}

func decodeMetadata(md map[string]string) (caption, name string) {
	get := func(k string) string {
		for mk, v := range md {
			if strings.EqualFold(mk, k) {
				if s, err := url.QueryUnescape(v); err == nil {
					return s
				}
				return v
			}
		}
		return ""
	}
	return get(metaCaption), get(metaName)
}

// isPreconditionFailed reports whether a conditional write lost because the
// key already exists.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 412
}

// isNotFound checks for the ways S3 reports a missing key.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
