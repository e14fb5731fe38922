package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/chatdrive/chatdrive/internal/transport/memory"
)

func digestOf(data []byte) string {
	d := NewDigester()
	d.Write(data)
	return d.Digest()
}

func TestDigest(t *testing.T) {
	a := digestOf([]byte("hello"))
	if !strings.HasPrefix(a, "blake3:") || len(a) != len("blake3:")+64 {
		t.Fatalf("digest = %q", a)
	}
	if a == digestOf([]byte("hellp")) {
		t.Error("different inputs produced the same digest")
	}
}

func TestDigesterVerify(t *testing.T) {
	want := digestOf([]byte("0123456789"))

	d := NewDigester()
	d.Write([]byte("01234"))
	d.Write([]byte("56789"))
	if err := d.Verify(want); err != nil {
		t.Errorf("Verify of incremental writes: %v", err)
	}
	if err := d.Verify(""); err != nil {
		t.Errorf("Verify with no digest: %v", err)
	}
	if err := d.Verify("sha1:abcd"); err == nil {
		t.Error("expected error for unsupported digest")
	}

	other := NewDigester()
	other.Write([]byte("0123"))
	if err := other.Verify(want); err == nil {
		t.Error("expected mismatch for truncated content")
	}
}

func TestDigestSectionRereadsAndSkips(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxyz")
	d := NewDigester()
	s := newDigestSection(io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data))), d)

	buf := make([]byte, 5)
	if n, err := s.Read(buf); n != 5 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	// Rewind and read everything, as a replayed send does.
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	got, err := io.ReadAll(s)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadAll = %q, %v", got, err)
	}
	// Skip ahead and read the tail again.
	if _, err := s.Seek(-3, io.SeekEnd); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if _, err := io.ReadAll(s); err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if err := s.finish(); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if got, want := d.Digest(), digestOf(data); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestDigestSectionFinishCoversUnreadBytes(t *testing.T) {
	data := []byte("0123456789")
	d := NewDigester()
	s := newDigestSection(io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data))), d)

	if _, err := s.Seek(6, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := s.Read(buf); err != nil || string(buf) != "67" {
		t.Fatalf("Read = %q, %v", buf, err)
	}
	if err := s.finish(); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if got, want := d.Digest(), digestOf(data); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
	if _, err := s.Seek(-1, io.SeekStart); err == nil {
		t.Error("expected error for a negative position")
	}
}

// countingSource is a random-access source that counts the bytes read from it.
type countingSource struct {
	r    *bytes.Reader
	read int64
}

func (c *countingSource) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.r.ReadAt(p, off)
	c.read += int64(n)
	return n, err
}

func TestUploadDigestsInOnePass(t *testing.T) {
	_, sess, st := newTestEnv(t, Options{})
	data := payload(3*testChunkSize + 5)
	src := &countingSource{r: bytes.NewReader(data)}

	d := NewDigester()
	m, err := st.upload(context.Background(), sess, src, int64(len(data)), "c", "f", d)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if len(m) != 4 {
		t.Fatalf("manifest has %d blocks, want 4", len(m))
	}
	if src.read != int64(len(data)) {
		t.Errorf("source read %d bytes, want %d", src.read, len(data))
	}
	if got, want := d.Digest(), digestOf(data); got != want {
		t.Errorf("digest = %s, want %s", got, want)
	}
}

func TestUploadDigestSurvivesReplay(t *testing.T) {
	data := payload(2*testChunkSize + 3)
	for _, mode := range []string{"seekable", "sequential"} {
		svc, sess, st := newTestEnv(t, Options{})
		svc.FailNext(memory.OpSend, nil)
		svc.FailNext(memory.OpSend, memory.ErrConnectionLost)

		var src io.Reader = bytes.NewReader(data)
		if mode == "sequential" {
			src = io.MultiReader(bytes.NewReader(data))
		}
		d := NewDigester()
		if _, err := st.upload(context.Background(), sess, src, int64(len(data)), "c", "f", d); err != nil {
			t.Fatalf("upload(%s) failed: %v", mode, err)
		}
		if got, want := d.Digest(), digestOf(data); got != want {
			t.Errorf("upload(%s) digest = %s, want %s", mode, got, want)
		}
	}
}
