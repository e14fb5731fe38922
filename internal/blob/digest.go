package blob

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

const digestPrefix = "blake3:"

// Digester computes the content digest of the bytes written to it.
type Digester struct {
	h *blake3.Hasher
}

// NewDigester returns an empty Digester.
func NewDigester() *Digester {
	return &Digester{h: blake3.New()}
}

// Write adds p to the digest. It never fails.
func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Digest returns the digest of everything written so far, in the form
// "blake3:<hex>".
func (d *Digester) Digest() string {
	return digestPrefix + hex.EncodeToString(d.h.Sum(nil))
}

// Verify reports an error when want is a digest that does not match the
// bytes written. An empty want always matches.
func (d *Digester) Verify(want string) error {
	if want == "" {
		return nil
	}
	if !strings.HasPrefix(want, digestPrefix) {
		return fmt.Errorf("unsupported digest %q", want)
	}
	if got := d.Digest(); got != want {
		return fmt.Errorf("content digest mismatch: got %s, want %s", got, want)
	}
	return nil
}

// digestSection is a chunk body that feeds every byte of the chunk to d
// exactly once and in order, however often the transport rewinds and
// rereads it. Bytes the reader skips over are read back from the section
// before later ones are added.
type digestSection struct {
	sr     *io.SectionReader
	d      *Digester
	pos    int64
	hashed int64
}

func newDigestSection(sr *io.SectionReader, d *Digester) *digestSection {
	return &digestSection{sr: sr, d: d}
}

func (s *digestSection) Read(p []byte) (int, error) {
	if s.pos >= s.sr.Size() {
		return 0, io.EOF
	}
	if err := s.catchUp(s.pos); err != nil {
		return 0, err
	}
	n, err := s.sr.ReadAt(p, s.pos)
	if err == io.EOF && n > 0 {
		err = nil
	}
	if end := s.pos + int64(n); end > s.hashed {
		s.d.Write(p[s.hashed-s.pos : n])
		s.hashed = end
	}
	s.pos += int64(n)
	return n, err
}

func (s *digestSection) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.pos
	case io.SeekEnd:
		offset += s.sr.Size()
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("seek: negative position %d", offset)
	}
	s.pos = offset
	return offset, nil
}

// finish adds any bytes of the chunk the transport did not read.
func (s *digestSection) finish() error {
	return s.catchUp(s.sr.Size())
}

func (s *digestSection) catchUp(to int64) error {
	to = min(to, s.sr.Size())
	if to <= s.hashed {
		return nil
	}
	if _, err := io.Copy(s.d, io.NewSectionReader(s.sr, s.hashed, to-s.hashed)); err != nil {
		return fmt.Errorf("digesting chunk: %w", err)
	}
	s.hashed = to
	return nil
}
