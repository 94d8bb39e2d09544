// Package piece models a single piece of a torrent's global piece space
// and the ordered list of pieces that backs a file view, per the
// streaming read plane's data model.
package piece

import (
	"context"
	"sync"
	"sync/atomic"

	"torrentstream/internal/xerr"
)

// State is the engine-reported progress of a single piece.
type State int32

const (
	NotAvailable State = iota
	Ready
	Downloading
	Finished
	Failed
	Checking
)

func (s State) String() string {
	switch s {
	case NotAvailable:
		return "NOT_AVAILABLE"
	case Ready:
		return "READY"
	case Downloading:
		return "DOWNLOADING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	case Checking:
		return "CHECKING"
	default:
		return "UNKNOWN"
	}
}

// Piece is the immutable identity plus mutable state of one piece in the
// torrent's absolute piece space. The zero value is not usable; construct
// with New.
type Piece struct {
	PieceIndex      int32
	DataStartOffset int64
	Size            int64

	state atomic.Int32

	mu         sync.Mutex
	finishedCh chan struct{}
}

// New builds a piece with the given identity and an initial state.
func New(pieceIndex int32, dataStartOffset, size int64, initial State) *Piece {
	p := &Piece{
		PieceIndex:      pieceIndex,
		DataStartOffset: dataStartOffset,
		Size:            size,
	}
	p.state.Store(int32(initial))
	return p
}

// DataLastOffset is the absolute offset of the last byte of this piece.
func (p *Piece) DataLastOffset() int64 {
	return p.DataStartOffset + p.Size - 1
}

// State returns the current piece state. Safe for concurrent use; the
// engine-callback side is the only writer.
func (p *Piece) State() State {
	return State(p.state.Load())
}

// SetState transitions the piece. Transitioning into Finished closes the
// broadcast latch exactly once, unblocking every current and future
// AwaitFinished caller; it is safe to call this more than once with
// Finished (idempotent) and to go Failed -> Downloading on retry.
func (p *Piece) SetState(s State) {
	if s != Finished {
		p.state.Store(int32(s))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	wasFinished := State(p.state.Load()) == Finished
	p.state.Store(int32(Finished))
	if wasFinished {
		return
	}
	if p.finishedCh == nil {
		p.finishedCh = make(chan struct{})
	}
	close(p.finishedCh)
}

// latch returns the lazily-created finished channel, allocating it on
// first use so pieces that never get waited on never pay for one.
func (p *Piece) latch() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finishedCh == nil {
		p.finishedCh = make(chan struct{})
	}
	return p.finishedCh
}

// AwaitFinished blocks until the piece reaches Finished, or ctx is done.
// It completes immediately if the piece is already Finished. Once it has
// returned nil for a piece, every subsequent call for that piece returns
// nil immediately (broadcast latch, one signal, many observers).
func (p *Piece) AwaitFinished(ctx context.Context) error {
	if State(p.state.Load()) == Finished {
		return nil
	}
	ch := p.latch()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return xerr.New(xerr.Cancelled, "Piece.AwaitFinished", ctx.Err())
	}
}
