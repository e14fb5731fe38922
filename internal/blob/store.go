// Package blob stores files as chunked document messages through a
// transport session and reads, copies and deletes them by manifest.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	cderrors "github.com/chatdrive/chatdrive/internal/errors"
	"github.com/chatdrive/chatdrive/internal/logging"
	"github.com/chatdrive/chatdrive/internal/metrics"
	"github.com/chatdrive/chatdrive/internal/session"
	"github.com/chatdrive/chatdrive/internal/transport"
)

// DefaultChunkSize is the chunk ceiling used when Options leaves it unset:
// 2000 MiB, under the per-message limit of the reference transport.
const DefaultChunkSize int64 = 2000 * 1024 * 1024

// PartialPolicy decides what happens to blocks already stored by an upload
// or copy that fails part-way.
type PartialPolicy string

const (
	// PartialKeep leaves issued blocks in place. The caller discards the
	// failed attempt and the blocks stay orphaned in the account.
	PartialKeep PartialPolicy = "keep"
	// PartialDelete makes a best-effort attempt to delete issued blocks
	// before the error is returned.
	PartialDelete PartialPolicy = "delete"
)

// ParsePartialPolicy parses a policy name. The empty string is PartialKeep.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch PartialPolicy(s) {
	case "", PartialKeep:
		return PartialKeep, nil
	case PartialDelete:
		return PartialDelete, nil
	default:
		return "", fmt.Errorf("unknown partial failure policy %q", s)
	}
}

// Options configures a Store.
type Options struct {
	// ChunkSize is the configured chunk ceiling in bytes. The effective
	// ceiling is the smaller of this and the binding's MaxPayload.
	ChunkSize int64
	// CaptionPrefix labels the content ID in captions.
	CaptionPrefix string
	// Partial is the partial-failure policy for Upload and Copy.
	Partial PartialPolicy
	// SpoolDir holds temporary chunk files for sources without random
	// access. Defaults to os.TempDir().
	SpoolDir string
	// Logger receives operation logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store runs blob operations against sessions. A Store holds no per-file
// state and is safe for concurrent use; operations on one session queue
// behind each other.
type Store struct {
	chunkSize int64
	prefix    string
	partial   PartialPolicy
	spoolDir  string
	log       *slog.Logger
}

// NewStore creates a Store.
func NewStore(opts Options) *Store {
	st := &Store{
		chunkSize: opts.ChunkSize,
		prefix:    opts.CaptionPrefix,
		partial:   opts.Partial,
		spoolDir:  opts.SpoolDir,
		log:       logging.Component(opts.Logger, "blob"),
	}
	if st.chunkSize <= 0 {
		st.chunkSize = DefaultChunkSize
	}
	if st.prefix == "" {
		st.prefix = DefaultCaptionPrefix
	}
	if st.partial == "" {
		st.partial = PartialKeep
	}
	return st
}

// effectiveChunkSize returns the chunk ceiling for the session's binding.
func (st *Store) effectiveChunkSize(c *session.Conn) int64 {
	size := st.chunkSize
	if limit := c.MaxPayload(); limit > 0 && limit < size {
		size = limit
	}
	return size
}

func observe(op string, start time.Time, err error) {
	metrics.BlobOperationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	metrics.BlobOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Upload stores size bytes from src as one or more chunks captioned with
// contentID and returns the manifest in chunk order. A src implementing
// io.ReaderAt is read from offset 0; other sources are read sequentially
// and each chunk is spooled to a temporary file so it can be resent after a
// reconnect.
//
// If a chunk cannot be stored the error is ErrUploadFailed carrying the
// chunk's ordinal, and no manifest is returned.
func (st *Store) Upload(ctx context.Context, sess *session.Session, src io.Reader, size int64, contentID, name string) (Manifest, error) {
	return st.upload(ctx, sess, src, size, contentID, name, nil)
}

// upload is Upload that also feeds the source bytes, in order, to d when it
// is non-nil.
func (st *Store) upload(ctx context.Context, sess *session.Session, src io.Reader, size int64, contentID, name string, d *Digester) (Manifest, error) {
	start := time.Now()
	if contentID == "" {
		return nil, errors.New("upload: empty content ID")
	}

	var manifest Manifest
	err := sess.Run(ctx, func(ctx context.Context, c *session.Conn) error {
		limit := st.effectiveChunkSize(c)

		var chunks iter.Seq2[Chunk, error]
		ra, seekable := src.(io.ReaderAt)
		if seekable {
			chunks = SplitAt(ra, size, limit)
		} else {
			chunks = Split(src, size, limit)
		}

		ordinal := 1
		for ch, err := range chunks {
			if err != nil {
				return st.abandon(ctx, c, manifest, cderrors.ErrUploadFailed.At(ordinal).Wrap(err))
			}
			ordinal = ch.Ordinal

			id, err := st.storeChunk(ctx, c, ch, seekable, contentID, name, d)
			if err != nil {
				return st.abandon(ctx, c, manifest, cderrors.ErrUploadFailed.At(ch.Ordinal).Wrap(err))
			}
			manifest = append(manifest, id)
			metrics.ChunkSize.Observe(float64(ch.Size))
			metrics.BytesUploadedTotal.Add(float64(ch.Size))
			c.Logger().Debug("chunk stored", "content_id", contentID, "ordinal", ch.Ordinal, "total", ch.Total, "ref", id)
		}
		return nil
	})
	observe("upload", start, err)
	if err != nil {
		st.log.Warn("upload failed", "owner", sess.Owner(), "content_id", contentID, "error", err)
		return nil, err
	}

	st.log.Info("upload complete", "owner", sess.Owner(), "content_id", contentID, "size", size, "chunks", len(manifest))
	return manifest, nil
}

// storeChunk sends one chunk. The body is rewound before every attempt so a
// replay after a reconnect resends the whole chunk.
func (st *Store) storeChunk(ctx context.Context, c *session.Conn, ch Chunk, seekable bool, contentID, name string, d *Digester) (transport.MessageID, error) {
	var (
		body    io.ReadSeeker
		section *digestSection
	)
	if seekable {
		body = ch.Body.(io.ReadSeeker)
		if sr, ok := ch.Body.(*io.SectionReader); ok && d != nil {
			section = newDigestSection(sr, d)
			body = section
		}
	} else {
		f, err := st.spool(ch, d)
		if err != nil {
			return 0, err
		}
		defer func() {
			f.Close()
			os.Remove(f.Name())
		}()
		body = io.NewSectionReader(f, 0, ch.Size)
	}

	doc := transport.Document{
		Name:    chunkName(name, ch.Ordinal, ch.Total),
		Size:    ch.Size,
		Caption: Caption(st.prefix, contentID, ch.Ordinal, ch.Total),
	}

	var id transport.MessageID
	err := c.Do(ctx, "send", func(ctx context.Context, client transport.Client) error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding chunk %d: %w", ch.Ordinal, err)
		}
		doc.Body = body
		var err error
		id, err = client.SendDocument(ctx, doc)
		return err
	})
	if err == nil && section != nil {
		err = section.finish()
	}
	return id, err
}

// spool copies a sequential chunk into a temporary file, feeding the bytes
// to d when it is non-nil.
func (st *Store) spool(ch Chunk, d *Digester) (*os.File, error) {
	f, err := os.CreateTemp(st.spoolDir, "chatdrive-chunk-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	var w io.Writer = f
	if d != nil {
		w = io.MultiWriter(f, d)
	}
	n, err := io.Copy(w, ch.Body)
	if err == nil && n != ch.Size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("spooling chunk %d: %w", ch.Ordinal, err)
	}
	return f, nil
}

// UploadFile uploads the local file at path and records its content digest,
// computed from the same reads that send the chunks. An empty name defaults
// to the file's base name. The file itself is left untouched.
func (st *Store) UploadFile(ctx context.Context, sess *session.Session, path, contentID, name string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%s is not a regular file", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	digest := NewDigester()
	manifest, err := st.upload(ctx, sess, f, info.Size(), contentID, name, digest)
	if err != nil {
		return File{}, err
	}
	return File{
		ContentID: contentID,
		Name:      name,
		Size:      info.Size(),
		MIMEType:  detectMIMEType(name),
		Digest:    digest.Digest(),
		Manifest:  manifest,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func detectMIMEType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Download writes the file described by m to w and returns the number of
// bytes written. A block that no longer resolves to stored media fails the
// download with ErrBlockUnavailable before anything is written.
func (st *Store) Download(ctx context.Context, sess *session.Session, m Manifest, w io.Writer) (int64, error) {
	start := time.Now()
	var n int64
	err := sess.Run(ctx, func(ctx context.Context, c *session.Conn) error {
		var err error
		n, err = Reassemble(ctx, w, m, connSource{c})
		return err
	})
	metrics.BytesDownloadedTotal.Add(float64(n))
	observe("download", start, err)
	if err != nil {
		st.log.Warn("download failed", "owner", sess.Owner(), "blocks", len(m), "error", err)
		return n, err
	}
	st.log.Debug("download complete", "owner", sess.Owner(), "blocks", len(m), "bytes", n)
	return n, nil
}

// connSource adapts a session connection to BlockSource.
type connSource struct {
	c *session.Conn
}

func (s connSource) Resolve(ctx context.Context, ref transport.MessageID) (*transport.Message, error) {
	var msg *transport.Message
	err := s.c.Do(ctx, "fetch", func(ctx context.Context, client transport.Client) error {
		var err error
		msg, err = client.Fetch(ctx, ref)
		return err
	})
	return msg, err
}

// Stream downloads msg into w. A replay after a reconnect restarts the
// download and skips the bytes already delivered to w.
func (s connSource) Stream(ctx context.Context, msg *transport.Message, w io.Writer) (int64, error) {
	var delivered int64
	err := s.c.Do(ctx, "download", func(ctx context.Context, client transport.Client) error {
		sw := &skipWriter{w: w, skip: delivered}
		_, err := client.Download(ctx, msg, sw)
		delivered += sw.passed
		return err
	})
	return delivered, err
}

// skipWriter drops the first skip bytes and forwards the rest to w.
type skipWriter struct {
	w      io.Writer
	skip   int64
	passed int64
}

func (s *skipWriter) Write(p []byte) (int, error) {
	if s.skip >= int64(len(p)) {
		s.skip -= int64(len(p))
		return len(p), nil
	}
	skipped := int(s.skip)
	s.skip = 0
	n, err := s.w.Write(p[skipped:])
	s.passed += int64(n)
	return skipped + n, err
}

// BlockFailure records one block Delete could not remove.
type BlockFailure struct {
	Ordinal int
	Ref     transport.MessageID
	Err     error
}

// DeleteReport lists the outcome of a Delete per block.
type DeleteReport struct {
	Deleted []transport.MessageID
	Failed  []BlockFailure
}

// Complete reports whether every block was removed.
func (r DeleteReport) Complete() bool {
	return len(r.Failed) == 0
}

// Delete removes every block of m, one at a time. A block that cannot be
// removed is logged and recorded in the report and does not stop removal of
// the rest. The error is non-nil only when the session could not be used at
// all.
func (st *Store) Delete(ctx context.Context, sess *session.Session, m Manifest) (DeleteReport, error) {
	start := time.Now()
	var report DeleteReport
	err := sess.Run(ctx, func(ctx context.Context, c *session.Conn) error {
		report = st.deleteBlocks(ctx, c, m)
		return nil
	})
	observe("delete", start, err)
	if err != nil {
		return report, err
	}
	st.log.Info("delete complete", "owner", sess.Owner(), "deleted", len(report.Deleted), "failed", len(report.Failed))
	return report, nil
}

func (st *Store) deleteBlocks(ctx context.Context, c *session.Conn, m Manifest) DeleteReport {
	var report DeleteReport
	for i, ref := range m {
		err := c.Do(ctx, "delete", func(ctx context.Context, client transport.Client) error {
			return client.Delete(ctx, []transport.MessageID{ref})
		})
		if err != nil {
			metrics.BlockDeleteFailuresTotal.Inc()
			c.Logger().Warn("block delete failed", "ordinal", i+1, "ref", ref, "error", err)
			report.Failed = append(report.Failed, BlockFailure{Ordinal: i + 1, Ref: ref, Err: err})
			continue
		}
		report.Deleted = append(report.Deleted, ref)
	}
	return report
}

// Copy duplicates every block of m and recaptions the duplicates with
// newContentID, returning the new manifest. The copy is independent of the
// source: deleting one does not affect the other. If a block cannot be
// duplicated the error is ErrCopyFailed carrying its ordinal.
func (st *Store) Copy(ctx context.Context, sess *session.Session, m Manifest, newContentID string) (Manifest, error) {
	start := time.Now()
	if newContentID == "" {
		return nil, errors.New("copy: empty content ID")
	}

	copied := make(Manifest, 0, len(m))
	err := sess.Run(ctx, func(ctx context.Context, c *session.Conn) error {
		total := len(m)
		for i, ref := range m {
			ordinal := i + 1
			var dup transport.MessageID
			err := c.Do(ctx, "forward", func(ctx context.Context, client transport.Client) error {
				var err error
				dup, err = client.Forward(ctx, ref)
				return err
			})
			if err != nil {
				return st.abandon(ctx, c, copied, cderrors.ErrCopyFailed.At(ordinal).ForRef(int64(ref)).Wrap(err))
			}

			caption := Caption(st.prefix, newContentID, ordinal, total)
			err = c.Do(ctx, "edit", func(ctx context.Context, client transport.Client) error {
				return client.EditCaption(ctx, dup, caption)
			})
			if err != nil {
				return st.abandon(ctx, c, append(copied, dup), cderrors.ErrCopyFailed.At(ordinal).ForRef(int64(ref)).Wrap(err))
			}
			copied = append(copied, dup)
		}
		return nil
	})
	observe("copy", start, err)
	if err != nil {
		st.log.Warn("copy failed", "owner", sess.Owner(), "content_id", newContentID, "error", err)
		return nil, err
	}
	st.log.Info("copy complete", "owner", sess.Owner(), "content_id", newContentID, "blocks", len(copied))
	return copied, nil
}

// abandon applies the partial-failure policy to the blocks issued by a
// failed attempt and returns cause.
func (st *Store) abandon(ctx context.Context, c *session.Conn, issued Manifest, cause error) error {
	if len(issued) == 0 {
		return cause
	}
	if st.partial != PartialDelete {
		c.Logger().Warn("leaving blocks of failed attempt", "refs", issued.String())
		return cause
	}
	report := st.deleteBlocks(ctx, c, issued)
	c.Logger().Info("removed blocks of failed attempt", "deleted", len(report.Deleted), "failed", len(report.Failed))
	return cause
}
