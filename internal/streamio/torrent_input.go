package streamio

import (
	"context"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"

	"torrentstream/internal/piece"
	"torrentstream/internal/xerr"
)

// DiskReaderAt is the subset of *os.File that TorrentInput needs to pull
// bytes out of the file being streamed; offsets are file-relative (0 is
// the file's first byte). Accepting an interface rather than *os.File
// keeps the fillBuffer algorithm testable without a real file on disk.
type DiskReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// LogicalFileView is a file's byte range inside a torrent's concatenated
// piece stream: the pieces that cover it, and where it starts.
type LogicalFileView struct {
	Pieces             *piece.List
	LogicalStartOffset int64
	Size               int64
}

// FindPieceIndex converts a file-relative viewOffset to the absolute
// piece index that contains it, or -1 if no piece in Pieces covers it.
func (v *LogicalFileView) FindPieceIndex(viewOffset int64) (int32, error) {
	if viewOffset < 0 {
		return -1, xerr.New(xerr.InvariantViolation, "LogicalFileView.FindPieceIndex",
			fmt.Errorf("negative viewOffset %d", viewOffset))
	}
	absolute := v.LogicalStartOffset + viewOffset
	return v.Pieces.FindByAbsoluteOffset(absolute), nil
}

// fileEnd is the absolute offset of the last byte belonging to this file.
func (v *LogicalFileView) fileEnd() int64 { return v.LogicalStartOffset + v.Size - 1 }

// ComputeMaxBufferSizeForward returns how many bytes starting at
// viewOffset are safe to bulk-read in one shot: the run of FINISHED
// pieces starting at viewOffset's piece, clamped to cap and to the file's
// logical end.
func (v *LogicalFileView) ComputeMaxBufferSizeForward(viewOffset, cap int64) (int64, error) {
	idx, err := v.FindPieceIndex(viewOffset)
	if err != nil {
		return 0, err
	}
	if idx == -1 {
		return 0, xerr.New(xerr.InvariantViolation, "LogicalFileView.ComputeMaxBufferSizeForward",
			fmt.Errorf("viewOffset %d not covered by any piece", viewOffset))
	}
	start, _ := v.Pieces.GetByPieceIndex(idx)
	return v.computeMaxForwardFrom(viewOffset, cap, start), nil
}

func (v *LogicalFileView) computeMaxForwardFrom(viewOffset, cap int64, start *piece.Piece) int64 {
	curr := start
	currOffset := v.LogicalStartOffset + viewOffset
	var acc int64
	for {
		if curr.State() != piece.Finished {
			return acc
		}
		endOfCurr := curr.DataLastOffset()
		if end := v.fileEnd(); endOfCurr > end {
			endOfCurr = end
		}
		acc += endOfCurr - currOffset + 1
		if acc >= cap {
			return cap
		}
		next, ok := v.Pieces.GetByPieceIndex(curr.PieceIndex + 1)
		if !ok {
			return acc
		}
		currOffset = endOfCurr + 1
		curr = next
	}
}

// ComputeMaxBufferSizeBackward returns how many bytes immediately before
// viewOffset (exclusive of the byte at viewOffset itself) are safe to
// bulk-read in one shot, clamped to cap and to the file's logical start.
func (v *LogicalFileView) ComputeMaxBufferSizeBackward(viewOffset, cap int64) (int64, error) {
	idx, err := v.FindPieceIndex(viewOffset)
	if err != nil {
		return 0, err
	}
	if idx == -1 {
		return 0, xerr.New(xerr.InvariantViolation, "LogicalFileView.ComputeMaxBufferSizeBackward",
			fmt.Errorf("viewOffset %d not covered by any piece", viewOffset))
	}
	start, _ := v.Pieces.GetByPieceIndex(idx)
	return v.computeMaxBackwardFrom(viewOffset, cap, start), nil
}

func (v *LogicalFileView) computeMaxBackwardFrom(viewOffset, cap int64, start *piece.Piece) int64 {
	curr := start
	currOffset := v.LogicalStartOffset + viewOffset
	var acc int64
	for {
		if curr.State() != piece.Finished {
			return acc
		}
		lowBound := curr.DataStartOffset
		if lowBound < v.LogicalStartOffset {
			lowBound = v.LogicalStartOffset
		}
		acc += currOffset - lowBound
		if acc >= cap {
			return cap
		}
		prev, ok := v.Pieces.GetByPieceIndex(curr.PieceIndex - 1)
		if !ok {
			return acc
		}
		currOffset = lowBound
		curr = prev
	}
}

// validate checks the three constructor invariants from the fillBuffer
// contract: the piece list covers the file, and the file's first and
// last bytes each fall inside some piece.
func (v *LogicalFileView) validate() error {
	if v.Pieces.Len() == 0 {
		return xerr.New(xerr.InvariantViolation, "LogicalFileView.validate", fmt.Errorf("empty piece list"))
	}
	covered := v.Pieces.MaxOffset() - v.Pieces.MinOffset() + 1
	needed := v.Size + (v.LogicalStartOffset - v.Pieces.MinOffset())
	if covered < needed {
		return xerr.New(xerr.InvariantViolation, "LogicalFileView.validate",
			fmt.Errorf("pieces cover %d bytes, file needs %d", covered, needed))
	}
	if idx, err := v.FindPieceIndex(0); err != nil || idx == -1 {
		return xerr.New(xerr.InvariantViolation, "LogicalFileView.validate",
			fmt.Errorf("file start is not inside any piece"))
	}
	if v.Size > 0 {
		if idx, err := v.FindPieceIndex(v.Size - 1); err != nil || idx == -1 {
			return xerr.New(xerr.InvariantViolation, "LogicalFileView.validate",
				fmt.Errorf("file end is not inside any piece"))
		}
	}
	return nil
}

// WaitHook is invoked when fillBuffer must block on a piece that is not
// yet FINISHED; the session layer implements this as a piece-deadline
// request to the engine (setPieceDeadline(index, 0)).
type WaitHook func(p *piece.Piece)

// TorrentInput is a BufferedInput specialized to a torrent save file: on
// a buffer miss it waits for the needed piece to finish, then coalesces
// every adjacent already-finished piece around the cursor into one disk
// read.
type TorrentInput struct {
	*BufferedInput

	view       *LogicalFileView
	disk       DiskReaderAt
	onWait     WaitHook
	bufferSize int64
	tracer     opentracing.Tracer
}

// Option configures a TorrentInput at construction time.
type Option func(*TorrentInput)

// WithTracer installs an opentracing.Tracer used to span the suspension
// points named in the concurrency model (the piece await, and the wait
// hook). Defaults to opentracing.NoopTracer.
func WithTracer(t opentracing.Tracer) Option {
	return func(ti *TorrentInput) { ti.tracer = t }
}

const defaultBufferSize = 1 << 20 // 1MiB bulk-read cap

// NewTorrentInput builds a TorrentInput over view, reading bulk data from
// disk via ReadAt. onWait is called (possibly nil) whenever a read must
// block on a piece that has not finished yet. Fails with
// INVARIANT_VIOLATION if the constructor preconditions in §4.3 aren't
// met.
func NewTorrentInput(disk DiskReaderAt, view *LogicalFileView, onWait WaitHook, bufferSize int64, opts ...Option) (*TorrentInput, error) {
	if err := view.validate(); err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	ti := &TorrentInput{
		view:       view,
		disk:       disk,
		onWait:     onWait,
		bufferSize: bufferSize,
		tracer:     opentracing.NoopTracer{},
	}
	for _, opt := range opts {
		opt(ti)
	}
	ti.BufferedInput = NewBufferedInput(view.Size, ti)
	return ti, nil
}

// FillBuffer implements Filler. See spec §4.3.1: locate the piece under
// the cursor, wait for it if unfinished, measure the forward/backward
// run of already-finished pieces, and issue exactly one seek+read.
func (t *TorrentInput) FillBuffer(ctx context.Context, viewOffset int64) error {
	idx, err := t.view.FindPieceIndex(viewOffset)
	if err != nil {
		return err
	}
	if idx == -1 {
		return xerr.New(xerr.InvariantViolation, "TorrentInput.FillBuffer",
			fmt.Errorf("viewOffset %d not covered by any piece", viewOffset))
	}
	pc, ok := t.view.Pieces.GetByPieceIndex(idx)
	if !ok {
		return xerr.New(xerr.InvariantViolation, "TorrentInput.FillBuffer",
			fmt.Errorf("piece index %d missing from list", idx))
	}

	if pc.State() != piece.Finished {
		if t.onWait != nil {
			span, waitCtx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer, "TorrentInput.onWait")
			t.onWait(pc)
			span.Finish()
			ctx = waitCtx
		}
		span, waitCtx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer, "Piece.AwaitFinished")
		err := pc.AwaitFinished(waitCtx)
		span.Finish()
		if err != nil {
			return err
		}
	}

	maxFwd := t.view.computeMaxForwardFrom(viewOffset, t.bufferSize, pc)
	maxBack := t.view.computeMaxBackwardFrom(viewOffset, t.bufferSize, pc)

	readStart := viewOffset - maxBack
	if readStart < 0 {
		readStart = 0
	}
	readEnd := viewOffset + maxFwd
	if readEnd > t.view.Size {
		readEnd = t.view.Size
	}

	buf := make([]byte, readEnd-readStart)
	if _, err := t.disk.ReadAt(buf, readStart); err != nil && err != io.EOF {
		return xerr.New(xerr.IOError, "TorrentInput.FillBuffer", err)
	}

	t.SetWindow(readStart, readEnd, buf)
	return nil
}

// asReadSeekCloser adapts TorrentInput's bespoke (-1-at-EOF, ctx-aware)
// contract to the stdlib io.ReadSeekCloser a media player actually wants.
type asReadSeekCloser struct {
	t   *TorrentInput
	ctx context.Context
}

// AsReadSeekCloser returns a standard io.ReadSeekCloser bound to ctx for
// its blocking reads, translating the -1-EOF convention into io.EOF and
// CANCELLED xerr.Errors into ctx.Err().
func (t *TorrentInput) AsReadSeekCloser(ctx context.Context) io.ReadSeekCloser {
	return &asReadSeekCloser{t: t, ctx: ctx}
}

func (a *asReadSeekCloser) Read(p []byte) (int, error) {
	n, err := a.t.Read(a.ctx, p)
	if err != nil {
		return 0, err
	}
	if n == -1 {
		return 0, io.EOF
	}
	return n, nil
}

func (a *asReadSeekCloser) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = a.t.Position() + offset
	case io.SeekEnd:
		target = a.t.Size() + offset
	default:
		return 0, xerr.New(xerr.OutOfRange, "TorrentInput.Seek", fmt.Errorf("invalid whence %d", whence))
	}
	if err := a.t.Seek(target); err != nil {
		return 0, err
	}
	return target, nil
}

func (a *asReadSeekCloser) Close() error { return a.t.Close() }
