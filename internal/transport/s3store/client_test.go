package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/chatdrive/chatdrive/internal/logging"
	"github.com/chatdrive/chatdrive/internal/transport"
)

type mockObject struct {
	data     []byte
	metadata map[string]string
}

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	objects map[string]mockObject
	// bucketErr is returned by HeadBucket when set.
	bucketErr error

	headBucketCalls int
	copyObjectCalls int
	putObjectCalls  int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]mockObject)}
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(params.Key)
	m.putObjectCalls++
	if _, exists := m.objects[key]; exists && aws.ToString(params.IfNoneMatch) == "*" {
		return nil, &mockAPIError{code: "PreconditionFailed", message: "At least one of the pre-conditions you specified did not hold", httpStatus: 412}
	}
	m.objects[key] = mockObject{data: data, metadata: maps.Clone(params.Metadata)}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      maps.Clone(obj.metadata),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.copyObjectCalls++
	// CopySource format: "bucket/key"
	parts := strings.SplitN(aws.ToString(params.CopySource), "/", 2)
	if len(parts) < 2 {
		return nil, &mockAPIError{code: "NoSuchKey", message: "Invalid copy source", httpStatus: 404}
	}
	src, ok := m.objects[parts[1]]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	md := src.metadata
	if params.MetadataDirective == types.MetadataDirectiveReplace {
		md = params.Metadata
	}
	m.objects[aws.ToString(params.Key)] = mockObject{
		data:     bytes.Clone(src.data),
		metadata: maps.Clone(md),
	}
	return &s3.CopyObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.headBucketCalls++
	if m.bucketErr != nil {
		return nil, m.bucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

// mockAPIError implements smithy.APIError for the mock client.
type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

func (e *mockAPIError) HTTPStatusCode() int {
	return e.httpStatus
}

var _ smithy.APIError = (*mockAPIError)(nil)

// --- Test helpers ---

func testToken(t *testing.T) string {
	t.Helper()
	tok, err := EncodeToken(Token{Account: "alice", AccessKeyID: "AKID", SecretAccessKey: "secret"})
	if err != nil {
		t.Fatalf("EncodeToken failed: %v", err)
	}
	return tok
}

func newTestClient(t *testing.T, token string) (*Client, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	dial := NewDialer(Options{
		Bucket:     "chat",
		Prefix:     "cd/",
		MaxPayload: 64,
		NewAPI: func(ctx context.Context, tok Token) (S3API, error) {
			return mock, nil
		},
		Logger: logging.Discard(),
	})
	c, err := dial("alice", token)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return c.(*Client), mock
}

func send(t *testing.T, c *Client, body, caption, name string) transport.MessageID {
	t.Helper()
	id, err := c.SendDocument(context.Background(), transport.Document{
		Name: name, Size: int64(len(body)), Body: strings.NewReader(body), Caption: caption,
	})
	if err != nil {
		t.Fatalf("SendDocument failed: %v", err)
	}
	return id
}

// --- Tests ---

func TestTokenRoundTrip(t *testing.T) {
	s := testToken(t)
	tok, err := DecodeToken(s)
	if err != nil {
		t.Fatalf("DecodeToken failed: %v", err)
	}
	if tok.Account != "alice" || tok.AccessKeyID != "AKID" || tok.SecretAccessKey != "secret" || tok.Version != tokenVersion {
		t.Errorf("DecodeToken = %+v", tok)
	}
	if _, err := DecodeToken("!!"); err == nil {
		t.Error("expected error for malformed token")
	}
	partial, _ := EncodeToken(Token{Account: "alice"})
	if _, err := DecodeToken(partial); err == nil {
		t.Error("expected error for token without keys")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	dial := NewDialer(Options{Bucket: "chat"})
	if _, err := dial("alice", "garbage"); err == nil {
		t.Error("expected error for garbage token")
	}
}

func TestFreshClientIsUnauthorized(t *testing.T) {
	c, mock := newTestClient(t, "")
	ctx := context.Background()

	ok, err := c.Authorized(ctx)
	if err != nil || ok {
		t.Errorf("Authorized = %v, %v; want false, nil", ok, err)
	}
	if _, err := c.SendCode(ctx, "alice"); !errors.Is(err, transport.ErrInvalidIdentity) {
		t.Errorf("SendCode error = %v, want ErrInvalidIdentity", err)
	}
	if _, err := c.Fetch(ctx, 1); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("Fetch error = %v, want ErrUnauthorized", err)
	}
	if mock.headBucketCalls != 0 {
		t.Errorf("HeadBucket called %d times without keys", mock.headBucketCalls)
	}
}

func TestConnectChecksBucket(t *testing.T) {
	mock := newMockS3Client()
	mock.bucketErr = &mockAPIError{code: "NoSuchBucket", message: "gone", httpStatus: 404}
	dial := NewDialer(Options{
		Bucket: "chat",
		NewAPI: func(ctx context.Context, tok Token) (S3API, error) { return mock, nil },
		Logger: logging.Discard(),
	})
	c, err := dial("alice", testToken(t))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail for a missing bucket")
	}
	if c.Connected() {
		t.Error("client reports connected after failed Connect")
	}
}

func TestSendFetchDownload(t *testing.T) {
	c, mock := newTestClient(t, testToken(t))
	ctx := context.Background()

	id := send(t, c, "hello", "Codeword: x | Part: 1/1", "hello world.txt")
	if _, ok := mock.objects[fmt.Sprintf("cd/alice/%020d", int64(id))]; !ok {
		t.Fatalf("object not stored under the account key; have %d objects", len(mock.objects))
	}

	msg, err := c.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !msg.HasMedia || msg.Caption != "Codeword: x | Part: 1/1" || msg.Name != "hello world.txt" || msg.Size != 5 {
		t.Errorf("Fetch = %+v", msg)
	}

	var buf bytes.Buffer
	n, err := c.Download(ctx, msg, &buf)
	if err != nil || n != 5 || buf.String() != "hello" {
		t.Errorf("Download = (%d, %q, %v)", n, buf.String(), err)
	}

	if _, err := c.Fetch(ctx, id+1000); !errors.Is(err, transport.ErrMessageNotFound) {
		t.Errorf("Fetch missing error = %v, want ErrMessageNotFound", err)
	}
}

func TestMessageIDsIncrease(t *testing.T) {
	c, _ := newTestClient(t, testToken(t))
	prev := send(t, c, "a", "", "")
	for range 10 {
		id := send(t, c, "a", "", "")
		if id <= prev {
			t.Fatalf("message ID %d not after %d", id, prev)
		}
		prev = id
	}
}

func TestSendDoesNotOverwriteTakenKey(t *testing.T) {
	c, mock := newTestClient(t, testToken(t))
	ctx := context.Background()

	// Another writer already holds the key this client issues next.
	c.lastID = 1 << 62
	taken := c.lastID + 1
	mock.objects[c.key(taken)] = mockObject{data: []byte("theirs")}

	id, err := c.SendDocument(ctx, transport.Document{
		Name: "f", Size: 4, Body: strings.NewReader("mine"), Caption: "c",
	})
	if err != nil {
		t.Fatalf("SendDocument failed: %v", err)
	}
	if id == taken {
		t.Fatalf("SendDocument reused taken ID %d", id)
	}
	if got := string(mock.objects[c.key(taken)].data); got != "theirs" {
		t.Errorf("taken object = %q, want it untouched", got)
	}
	if got := string(mock.objects[c.key(id)].data); got != "mine" {
		t.Errorf("stored object = %q, want the full resent body", got)
	}
	if mock.putObjectCalls != 2 {
		t.Errorf("PutObject calls = %d, want 2", mock.putObjectCalls)
	}
}

func TestSendGivesUpOnUnseekableBody(t *testing.T) {
	c, mock := newTestClient(t, testToken(t))

	c.lastID = 1 << 62
	mock.objects[c.key(c.lastID+1)] = mockObject{data: []byte("theirs")}

	_, err := c.SendDocument(context.Background(), transport.Document{
		Name: "f", Size: 4, Body: io.MultiReader(strings.NewReader("mine")), Caption: "c",
	})
	if err == nil {
		t.Fatal("expected error for a taken key with a body that cannot be resent")
	}
	if !isPreconditionFailed(err) {
		t.Errorf("error = %v, want a precondition failure", err)
	}
}

func TestMessageIDsSpreadWithinMicrosecond(t *testing.T) {
	c, _ := newTestClient(t, testToken(t))
	seen := make(map[transport.MessageID]bool)
	for range 1000 {
		id := c.nextID()
		if seen[id] {
			t.Fatalf("nextID repeated %d", id)
		}
		seen[id] = true
	}
	// The clock part leaves room for the random digits.
	if id := c.nextID(); int64(id) < time.Now().UnixMicro()*(idJitter/10) {
		t.Errorf("nextID = %d lacks the random low digits", id)
	}
}

func TestForwardAndEditCaption(t *testing.T) {
	c, _ := newTestClient(t, testToken(t))
	ctx := context.Background()

	orig := send(t, c, "data", "Codeword: a | Part: 1/1", "f.bin")
	cp, err := c.Forward(ctx, orig)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if cp == orig {
		t.Fatal("Forward returned the original ID")
	}
	if err := c.EditCaption(ctx, cp, "Codeword: b | Part: 1/1"); err != nil {
		t.Fatalf("EditCaption failed: %v", err)
	}

	origMsg, _ := c.Fetch(ctx, orig)
	cpMsg, _ := c.Fetch(ctx, cp)
	if origMsg.Caption != "Codeword: a | Part: 1/1" {
		t.Errorf("original caption changed to %q", origMsg.Caption)
	}
	if cpMsg.Caption != "Codeword: b | Part: 1/1" || cpMsg.Name != "f.bin" {
		t.Errorf("copy = %+v", cpMsg)
	}

	if err := c.Delete(ctx, []transport.MessageID{orig}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var buf bytes.Buffer
	if _, err := c.Download(ctx, cpMsg, &buf); err != nil || buf.String() != "data" {
		t.Errorf("copy after deleting original = (%q, %v)", buf.String(), err)
	}

	if _, err := c.Forward(ctx, orig); !errors.Is(err, transport.ErrMessageNotFound) {
		t.Errorf("Forward deleted error = %v, want ErrMessageNotFound", err)
	}
	if err := c.EditCaption(ctx, orig, "x"); !errors.Is(err, transport.ErrMessageNotFound) {
		t.Errorf("EditCaption deleted error = %v, want ErrMessageNotFound", err)
	}
}

func TestLogOutAndExport(t *testing.T) {
	tok := testToken(t)
	c, _ := newTestClient(t, tok)
	ctx := context.Background()

	got, err := c.ExportSession(ctx)
	if err != nil {
		t.Fatalf("ExportSession failed: %v", err)
	}
	if got != tok {
		t.Errorf("ExportSession = %q, want %q", got, tok)
	}
	if err := c.LogOut(ctx); err != nil {
		t.Fatalf("LogOut failed: %v", err)
	}
	if ok, _ := c.Authorized(ctx); ok {
		t.Error("still authorized after LogOut")
	}
	if _, err := c.ExportSession(ctx); !errors.Is(err, transport.ErrUnauthorized) {
		t.Errorf("ExportSession after LogOut error = %v", err)
	}
}

func TestDisconnectedCallsFail(t *testing.T) {
	c, _ := newTestClient(t, testToken(t))
	ctx := context.Background()
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	_, err := c.Fetch(ctx, 1)
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Fetch error = %v, want ErrNotConnected", err)
	}
	if !c.IsConnectionFault(err) {
		t.Error("ErrNotConnected not classified as a connection fault")
	}
}

func TestIsConnectionFault(t *testing.T) {
	c := &Client{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", transport.ErrNotConnected, true},
		{"reset", fmt.Errorf("put: %w", syscall.ECONNRESET), true},
		{"short body", io.ErrUnexpectedEOF, true},
		{"slow down", &mockAPIError{code: "SlowDown", httpStatus: 503}, true},
		{"internal", &mockAPIError{code: "InternalError", httpStatus: 500}, true},
		{"bad gateway", &mockAPIError{code: "BadGateway", httpStatus: 502}, true},
		{"not found", &mockAPIError{code: "NoSuchKey", httpStatus: 404}, false},
		{"denied", &mockAPIError{code: "AccessDenied", httpStatus: 403}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := c.IsConnectionFault(tt.err); got != tt.want {
			t.Errorf("IsConnectionFault(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMaxPayloadDefault(t *testing.T) {
	dial := NewDialer(Options{Bucket: "chat"})
	c, err := dial("alice", "")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if got := c.MaxPayload(); got != DefaultMaxPayload {
		t.Errorf("MaxPayload = %d, want %d", got, DefaultMaxPayload)
	}
}
