package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentstream/internal/engine"
	"torrentstream/internal/piece"
)

func TestSession_StartDownload_RegistersHandle(t *testing.T) {
	s := NewSession()
	h := s.CreateTorrentHandle()
	a := s.CreateTorrentAddInfo()
	a.SetMagnetURI("magnet:?xt=urn:btih:deadbeef")

	ok, err := s.StartDownload(h, a, "/tmp/downloads")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.IsValid())

	got := s.Handle(h.ID())
	require.NotNil(t, got)
	assert.Equal(t, h, got)
}

func TestSession_StartDownload_Rejected(t *testing.T) {
	s := NewSession()
	s.RejectNextStart()
	h := s.CreateTorrentHandle()
	a := s.CreateTorrentAddInfo()
	a.SetMagnetURI("magnet:?xt=urn:btih:deadbeef")

	ok, err := s.StartDownload(h, a, "/tmp/downloads")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSession_ReleaseHandle_InvalidatesIt(t *testing.T) {
	s := NewSession()
	h := s.CreateTorrentHandle()
	a := s.CreateTorrentAddInfo()
	a.SetMagnetURI("magnet:?xt=urn:btih:deadbeef")
	_, _ = s.StartDownload(h, a, "/tmp")

	s.ReleaseHandle(h)
	assert.False(t, h.IsValid())
	assert.Nil(t, h.GetState())
	assert.Nil(t, s.Handle(h.ID()))
}

func TestHandle_FinishPiece_UnblocksAwait(t *testing.T) {
	s := NewSession()
	h := s.CreateTorrentHandle().(*Handle)
	a := s.CreateTorrentAddInfo()
	a.SetMagnetURI("magnet:?xt=urn:btih:deadbeef")
	_, _ = s.StartDownload(h, a, "/tmp")

	p := piece.New(0, 0, 16, piece.NotAvailable)
	h.SetPieces(piece.NewList([]*piece.Piece{p}))

	errCh := make(chan error, 1)
	go func() { errCh <- p.AwaitFinished(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	h.FinishPiece(0)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FinishPiece did not unblock AwaitFinished")
	}
}

func TestHandle_SetPieceDeadline_RecordsRequests(t *testing.T) {
	h := &Handle{id: 1}
	h.SetPieceDeadline(3, 0)
	h.SetPieceDeadline(5, 2000)
	assert.Equal(t, []int32{3, 5}, h.DeadlinesRequested())
}

func TestHandle_FilePriority_DefaultsNormal(t *testing.T) {
	h := &Handle{id: 1}
	assert.Equal(t, engine.PriorityNormal, h.FilePriority(0))
	h.SetFilePriority(0, engine.PriorityHigh)
	assert.Equal(t, engine.PriorityHigh, h.FilePriority(0))
}
