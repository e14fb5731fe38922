package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	cderrors "github.com/chatdrive/chatdrive/internal/errors"
	"github.com/chatdrive/chatdrive/internal/transport"
)

// Chunk is one piece of a source produced by Split.
type Chunk struct {
	// Ordinal is the 1-based position of the chunk.
	Ordinal int
	// Total is the number of chunks the source splits into.
	Total int
	// Size is the exact number of bytes Body yields.
	Size int64
	// Body reads the chunk's bytes from the shared source. It is valid only
	// until the iteration advances.
	Body io.Reader
}

// ChunkCount returns how many chunks a source of size bytes splits into with
// a ceiling of maxChunk bytes per chunk. An empty source is one empty chunk.
func ChunkCount(size, maxChunk int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + maxChunk - 1) / maxChunk)
}

// Split returns a lazy sequence of chunks of src, which must yield exactly
// size bytes. Every chunk but the last holds maxChunk bytes. Chunks are read
// straight from src, so each must be consumed (or abandoned) before the next
// is requested; unread bytes are skipped. If src ends early the sequence
// yields io.ErrUnexpectedEOF.
func Split(src io.Reader, size, maxChunk int64) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if size < 0 {
			yield(Chunk{}, fmt.Errorf("source size unknown (%d)", size))
			return
		}
		if maxChunk <= 0 {
			yield(Chunk{}, fmt.Errorf("invalid chunk size %d", maxChunk))
			return
		}

		total := ChunkCount(size, maxChunk)
		remaining := size
		for ordinal := 1; ordinal <= total; ordinal++ {
			n := min(maxChunk, remaining)
			lr := &io.LimitedReader{R: src, N: n}
			if !yield(Chunk{Ordinal: ordinal, Total: total, Size: n, Body: lr}, nil) {
				return
			}

			if lr.N > 0 {
				if _, err := io.Copy(io.Discard, lr); err != nil {
					yield(Chunk{}, fmt.Errorf("reading chunk %d: %w", ordinal, err))
					return
				}
			}
			if lr.N > 0 {
				yield(Chunk{}, fmt.Errorf("chunk %d: %w", ordinal, io.ErrUnexpectedEOF))
				return
			}
			remaining -= n
		}
	}
}

// SplitAt is Split for sources with random access. Each chunk's Body is an
// io.SectionReader over src, so chunks can be re-read and need not be
// consumed in order. src is read from offset 0.
func SplitAt(src io.ReaderAt, size, maxChunk int64) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if size < 0 {
			yield(Chunk{}, fmt.Errorf("source size unknown (%d)", size))
			return
		}
		if maxChunk <= 0 {
			yield(Chunk{}, fmt.Errorf("invalid chunk size %d", maxChunk))
			return
		}

		total := ChunkCount(size, maxChunk)
		var off int64
		for ordinal := 1; ordinal <= total; ordinal++ {
			n := min(maxChunk, size-off)
			if !yield(Chunk{Ordinal: ordinal, Total: total, Size: n, Body: io.NewSectionReader(src, off, n)}, nil) {
				return
			}
			off += n
		}
	}
}

// BlockSource resolves and streams stored blocks for Reassemble.
type BlockSource interface {
	// Resolve returns the stored message for ref.
	Resolve(ctx context.Context, ref transport.MessageID) (*transport.Message, error)
	// Stream writes the document of msg to w.
	Stream(ctx context.Context, msg *transport.Message, w io.Writer) (int64, error)
}

// Reassemble writes the blocks of m to w in manifest order. Every block is
// resolved before the first byte is written, so a missing or mediumless
// block fails with ErrBlockUnavailable naming its 1-based position and
// leaves w untouched. Errors that are not about block availability are
// returned unchanged.
func Reassemble(ctx context.Context, w io.Writer, m Manifest, src BlockSource) (int64, error) {
	msgs := make([]*transport.Message, len(m))
	for i, ref := range m {
		msg, err := src.Resolve(ctx, ref)
		if err != nil {
			return 0, blockError(err, i+1, ref)
		}
		if msg == nil || !msg.HasMedia {
			return 0, cderrors.ErrBlockUnavailable.At(i + 1).ForRef(int64(ref)).Wrap(transport.ErrNoMedia)
		}
		msgs[i] = msg
	}

	var written int64
	for i, msg := range msgs {
		n, err := src.Stream(ctx, msg, w)
		written += n
		if err != nil {
			return written, blockError(err, i+1, m[i])
		}
	}
	return written, nil
}

// blockError classifies a per-block failure.
func blockError(err error, ordinal int, ref transport.MessageID) error {
	if errors.Is(err, transport.ErrMessageNotFound) || errors.Is(err, transport.ErrNoMedia) {
		return cderrors.ErrBlockUnavailable.At(ordinal).ForRef(int64(ref)).Wrap(err)
	}
	return err
}
