package streamio

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentstream/internal/piece"
	"torrentstream/internal/xerr"
)

// memDisk is a DiskReaderAt over an in-memory save file, for tests.
type memDisk struct{ data []byte }

func (m *memDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func buildPieces(n int, pieceLen int64) []*piece.Piece {
	ps := make([]*piece.Piece, n)
	for i := 0; i < n; i++ {
		ps[i] = piece.New(int32(i), int64(i)*pieceLen, pieceLen, piece.NotAvailable)
	}
	return ps
}

// S1 — aligned single-piece read.
func TestTorrentInput_S1_AlignedSinglePieceRead(t *testing.T) {
	const pieceLen = 1024
	const numPieces = 1000
	pieces := buildPieces(numPieces, pieceLen)
	list := piece.NewList(pieces)
	pieces[0].SetState(piece.Finished)

	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 0, Size: pieceLen * numPieces}
	disk := &memDisk{data: make([]byte, pieceLen*numPieces)}

	ti, err := NewTorrentInput(disk, view, nil, 4096)
	require.NoError(t, err)

	require.NoError(t, ti.Seek(0))
	buf := make([]byte, 512)
	n, err := ti.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, int64(512), ti.Position())
}

// S2 — straddling start.
func TestTorrentInput_S2_StraddlingStart(t *testing.T) {
	pieces := []*piece.Piece{
		piece.New(1000, 1000, 16, piece.NotAvailable),
		piece.New(1001, 1016, 16, piece.NotAvailable),
		piece.New(1002, 1032, 16, piece.NotAvailable),
	}
	list := piece.NewList(pieces)
	pieces[1].SetState(piece.Finished) // only the middle piece

	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 1008, Size: 40}

	fwd, err := view.ComputeMaxBufferSizeForward(10, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(14), fwd) // 1031-1018+1

	back, err := view.ComputeMaxBufferSizeBackward(10, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), back) // 1018 - max(1016,1008)
}

// S3 — wait path: onWait invoked exactly once, then the harness finishes
// the piece and the read completes.
func TestTorrentInput_S3_WaitPath(t *testing.T) {
	pieces := buildPieces(4, 16)
	list := piece.NewList(pieces)
	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 0, Size: 64}
	disk := &memDisk{data: bytes.Repeat([]byte{0xAB}, 64)}

	var waited []int32
	onWait := func(p *piece.Piece) { waited = append(waited, p.PieceIndex) }

	ti, err := NewTorrentInput(disk, view, onWait, 1024)
	require.NoError(t, err)

	resultCh := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		buf := make([]byte, 4)
		n, err := ti.Read(context.Background(), buf)
		resultCh <- struct {
			n   int
			err error
		}{n, err}
	}()

	time.Sleep(20 * time.Millisecond)
	pieces[0].SetState(piece.Finished)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, 4, res.n)
	case <-time.After(time.Second):
		t.Fatal("read never completed after piece finished")
	}

	assert.Equal(t, []int32{0}, waited)
}

// S4 — cancellation: read completes with CANCELLED, position unchanged.
func TestTorrentInput_S4_Cancellation(t *testing.T) {
	pieces := buildPieces(4, 16)
	list := piece.NewList(pieces)
	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 0, Size: 64}
	disk := &memDisk{data: make([]byte, 64)}

	ti, err := NewTorrentInput(disk, view, nil, 1024)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	buf := make([]byte, 4)
	_, err = ti.Read(ctx, buf)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.Cancelled))
	assert.Equal(t, int64(0), ti.Position())
}

func TestTorrentInput_ConstructorInvariant_FileStartUncovered(t *testing.T) {
	pieces := []*piece.Piece{piece.New(5, 500, 16, piece.NotAvailable)}
	list := piece.NewList(pieces)
	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 0, Size: 10}

	_, err := NewTorrentInput(&memDisk{data: make([]byte, 16)}, view, nil, 1024)
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.InvariantViolation))
}

func TestTorrentInput_RoundTrip_SeekThenRead(t *testing.T) {
	pieces := buildPieces(4, 16)
	list := piece.NewList(pieces)
	for _, p := range pieces {
		p.SetState(piece.Finished)
	}
	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 0, Size: 64}
	disk := &memDisk{data: bytes.Repeat([]byte{1}, 64)}

	ti, err := NewTorrentInput(disk, view, nil, 1024)
	require.NoError(t, err)

	require.NoError(t, ti.Seek(20))
	buf := make([]byte, 10)
	n, err := ti.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, int64(20+n), ti.Position())
}

func TestAsReadSeekCloser_EOF(t *testing.T) {
	pieces := buildPieces(1, 16)
	pieces[0].SetState(piece.Finished)
	list := piece.NewList(pieces)
	view := &LogicalFileView{Pieces: list, LogicalStartOffset: 0, Size: 16}
	disk := &memDisk{data: make([]byte, 16)}

	ti, err := NewTorrentInput(disk, view, nil, 1024)
	require.NoError(t, err)

	rsc := ti.AsReadSeekCloser(context.Background())
	_, err = rsc.Seek(16, 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := rsc.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}
