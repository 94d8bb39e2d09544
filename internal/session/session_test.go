package session

import (
	"testing"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentstream/internal/engine"
	"torrentstream/internal/engine/enginetest"
	"torrentstream/internal/piece"
	"torrentstream/internal/streamio"
)

func startedHandle(t *testing.T) (*enginetest.Session, *enginetest.Handle) {
	t.Helper()
	es := enginetest.NewSession()
	h := es.CreateTorrentHandle().(*enginetest.Handle)
	a := es.CreateTorrentAddInfo()
	a.SetMagnetURI("magnet:?xt=urn:btih:deadbeef")
	ok, err := es.StartDownload(h, a, t.TempDir())
	require.NoError(t, err)
	require.True(t, ok)
	return es, h
}

func TestDispatcher_DropsUnknownHandle(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), opentracing.NoopTracer{})
	called := false
	d.Dispatch(engine.HandleId(999), func(*Session) { called = true })
	assert.False(t, called)
}

func TestDispatcher_RegisterUnregister(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), opentracing.NoopTracer{})
	_, h := startedHandle(t)
	s := New(h, nil, zerolog.Nop(), opentracing.NoopTracer{}, 4)
	d.Register(s)

	done := make(chan struct{})
	d.Dispatch(h.ID(), func(s *Session) { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registered session never received dispatched action")
	}

	d.Unregister(h.ID())
	called := false
	d.Dispatch(h.ID(), func(*Session) { called = true })
	assert.False(t, called)
}

func TestSession_StatsOrdering(t *testing.T) {
	_, h := startedHandle(t)
	s := New(h, nil, zerolog.Nop(), opentracing.NoopTracer{}, 4)
	defer s.close()

	s.OnStatsUpdate(engine.TorrentStats{TotalDone: 1})
	s.OnStatsUpdate(engine.TorrentStats{TotalDone: 2})

	first := <-s.Stats()
	second := <-s.Stats()
	assert.Equal(t, int64(1), first.TotalDone)
	assert.Equal(t, int64(2), second.TotalDone)
}

func TestSession_OnPieceFinished_TransitionsPiece(t *testing.T) {
	_, h := startedHandle(t)
	p := piece.New(0, 0, 16, piece.NotAvailable)
	h.SetPieces(piece.NewList([]*piece.Piece{p}))

	s := New(h, nil, zerolog.Nop(), opentracing.NoopTracer{}, 4)
	defer s.close()

	s.OnPieceFinished(0)
	assert.Equal(t, piece.Finished, p.State())
}

func TestSession_OpenFile_CachesAndReuses(t *testing.T) {
	_, h := startedHandle(t)
	pieces := []*piece.Piece{piece.New(0, 0, 16, piece.Finished)}
	h.SetPieces(piece.NewList(pieces))

	opens := 0
	openFiles := func(fileIndex int) (streamio.DiskReaderAt, error) {
		opens++
		return &fakeDisk{data: make([]byte, 16)}, nil
	}

	s := New(h, openFiles, zerolog.Nop(), opentracing.NoopTracer{}, 4)
	defer s.close()

	view := &streamio.LogicalFileView{Pieces: piece.NewList(pieces), LogicalStartOffset: 0, Size: 16}
	ti1, err := s.OpenFile(0, view)
	require.NoError(t, err)
	ti2, err := s.OpenFile(0, view)
	require.NoError(t, err)

	assert.Same(t, ti1, ti2)
	assert.Equal(t, 1, opens)
}

func TestSession_DeprioritizeAllExcept(t *testing.T) {
	_, h := startedHandle(t)
	s := New(h, nil, zerolog.Nop(), opentracing.NoopTracer{}, 4)
	defer s.close()

	s.DeprioritizeAllExcept(1, 3)
	assert.Equal(t, engine.PriorityIgnore, h.FilePriority(0))
	assert.Equal(t, engine.PriorityHigh, h.FilePriority(1))
	assert.Equal(t, engine.PriorityIgnore, h.FilePriority(2))
}

type fakeDisk struct{ data []byte }

func (f *fakeDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}
