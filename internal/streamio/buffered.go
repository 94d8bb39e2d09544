// Package streamio provides a generic buffered, seekable byte source
// (BufferedInput) and its piece-aware specialization for reading out of a
// partially-downloaded torrent save file (TorrentInput).
package streamio

import (
	"context"
	"sync"

	"torrentstream/internal/xerr"
)

// Filler fills a BufferedInput's window so that it covers at least byte
// viewOffset, then reports the new window back via SetWindow. Implemented
// by TorrentInput; kept as an interface so BufferedInput stays generic
// over "how do we get more bytes" the way the teacher's Buffer and
// CircularBuffer separate windowing from the data source.
type Filler interface {
	FillBuffer(ctx context.Context, viewOffset int64) error
}

// BufferedInput is a buffered, seekable byte source over a logical byte
// range of fixed Size. It satisfies reads from its resident window
// [bufStart, bufEnd) and calls the Filler on a miss.
type BufferedInput struct {
	size int64

	mu       sync.Mutex
	position int64
	bufStart int64
	bufEnd   int64
	buf      []byte
	closed   bool

	filler Filler
}

// NewBufferedInput constructs an empty-windowed input of the given size,
// delegating fills to filler.
func NewBufferedInput(size int64, filler Filler) *BufferedInput {
	return &BufferedInput{size: size, filler: filler}
}

// Size is the total logical size of the input; constant for its lifetime.
func (b *BufferedInput) Size() int64 { return b.size }

// Position returns the current file-relative read cursor.
func (b *BufferedInput) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Seek repositions the cursor. offset must be in [0, size].
func (b *BufferedInput) Seek(offset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset > b.size {
		return xerr.New(xerr.OutOfRange, "BufferedInput.Seek", nil)
	}
	b.position = offset
	return nil
}

// Read fills out with bytes starting at the current cursor, advancing it
// by the number of bytes read. An empty out returns (0, nil). Returns
// (-1, nil) at EOF (position == size), otherwise returns at least 1 byte
// (possibly fewer than len(out)) and nil, or an error with the cursor and
// buffer left untouched. May block inside the Filler.
func (b *BufferedInput) Read(ctx context.Context, out []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, xerr.New(xerr.IOError, "BufferedInput.Read", errClosed)
	}
	if len(out) == 0 {
		return 0, nil
	}
	if b.position == b.size {
		return -1, nil
	}

	if b.position < b.bufStart || b.position >= b.bufEnd {
		if err := b.filler.FillBuffer(ctx, b.position); err != nil {
			return 0, err
		}
	}

	n := copy(out, b.buf[b.position-b.bufStart:b.bufEnd-b.bufStart])
	b.position += int64(n)
	return n, nil
}

// SetWindow installs a newly-filled buffer window. Called by the Filler
// from inside FillBuffer, while BufferedInput's mutex is already held by
// the Read call that triggered the fill.
func (b *BufferedInput) SetWindow(start, end int64, data []byte) {
	b.bufStart = start
	b.bufEnd = end
	b.buf = data
}

// Close marks the input closed. Idempotent.
func (b *BufferedInput) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var errClosed = closedError{}

type closedError struct{}

func (closedError) Error() string { return "input is closed" }
