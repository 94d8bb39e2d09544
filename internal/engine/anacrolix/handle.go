package anacrolix

import (
	"fmt"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/types"

	"torrentstream/internal/engine"
	"torrentstream/internal/piece"
	"torrentstream/internal/session"
)

// Handle wraps a *torrent.Torrent as an engine.TorrentHandle. Zero value
// is a handle not yet bound by StartDownload.
type Handle struct {
	session        *Session
	t              *torrent.Torrent
	resumeDataPath string
	saveDir        string
	released       bool

	id      engine.HandleId
	idIsSet bool

	piecesMu sync.Mutex
	pieces   *piece.List
}

func (h *Handle) ID() engine.HandleId {
	if !h.idIsSet && h.t != nil {
		// anacrolix/torrent's InfoHash is stable for the torrent's
		// lifetime; fold it down to an int64 handle id.
		hash := h.t.InfoHash()
		var v int64
		for i := 0; i < 8; i++ {
			v = v<<8 | int64(hash[i])
		}
		h.id = engine.HandleId(v)
		h.idIsSet = true
	}
	return h.id
}

func (h *Handle) IsValid() bool { return h.t != nil && !h.released }

func (h *Handle) GetState() *engine.HandleState {
	if h.released || h.t == nil {
		return nil
	}
	var s engine.HandleState
	select {
	case <-h.t.Closed():
		return nil
	default:
	}
	info := h.t.Info()
	switch {
	case info == nil:
		s = engine.DownloadingMetadata
	case h.t.BytesMissing() == 0:
		s = engine.Seeding
	default:
		s = engine.Downloading
	}
	return &s
}

func (h *Handle) PostStatusUpdates() {
	// No-op in this adapter: no TorrentStats callback is produced.
}

func (h *Handle) PostSaveResume() {
	// anacrolix/torrent has no built-in resume-data blob; the downloader
	// facade persists {magnet URI or .torrent path, resumeDataPath} to
	// bbolt directly instead of round-tripping through this hook.
}

func (h *Handle) Resume() {
	if h.t != nil {
		h.t.DownloadAll()
	}
}

func (h *Handle) SetFilePriority(index int, p engine.FilePriority) {
	if h.t == nil {
		return
	}
	files := h.t.Files()
	if index < 0 || index >= len(files) {
		return
	}
	files[index].SetPriority(toTorrentPriority(p))
}

// toTorrentPriority maps the engine-agnostic §4.4 {IGNORE,LOW,NORMAL,HIGH}
// band onto anacrolix/torrent's priority levels. anacrolix/torrent has no
// level below PiecePriorityNormal other than "not wanted", which IGNORE
// already claims, so the whole scale is shifted up one notch rather than
// collapsing LOW into NORMAL: every engine.FilePriority value ends up on
// its own distinct torrent.PiecePriority band.
func toTorrentPriority(p engine.FilePriority) types.PiecePriority {
	switch p {
	case engine.PriorityIgnore:
		return torrent.PiecePriorityNone
	case engine.PriorityLow:
		return torrent.PiecePriorityNormal
	case engine.PriorityNormal:
		return torrent.PiecePriorityHigh
	case engine.PriorityHigh:
		return torrent.PiecePriorityReadahead
	default:
		return torrent.PiecePriorityNormal
	}
}

func (h *Handle) ReloadFile() (*engine.TorrentDescriptor, error) {
	if h.t == nil {
		return nil, fmt.Errorf("anacrolix: handle not started")
	}
	info := h.t.Info()
	if info == nil {
		return nil, fmt.Errorf("anacrolix: metadata not yet available")
	}

	files := h.t.Files()
	descFiles := make([]engine.TorrentFileInfo, len(files))
	for i, f := range files {
		descFiles[i] = engine.TorrentFileInfo{
			Name: f.DisplayPath(),
			Path: f.Path(),
			Size: f.Length(),
		}
	}

	numPieces := h.t.NumPieces()
	lastPieceSize := info.PieceLength
	if total := h.t.Length(); numPieces > 0 {
		if rem := total % info.PieceLength; rem != 0 {
			lastPieceSize = rem
		}
	}

	return &engine.TorrentDescriptor{
		Name:          info.Name,
		NumPieces:     int32(numPieces),
		PieceLength:   info.PieceLength,
		LastPieceSize: lastPieceSize,
		Files:         descFiles,
	}, nil
}

// clientNameString type-asserts the atomic.Value stored in PeerClientName,
// which holds a string once set and is nil beforehand.
func clientNameString(v any) string {
	s, _ := v.(string)
	return s
}

func (h *Handle) GetPeers() ([]engine.PeerInfo, error) {
	if h.t == nil {
		return nil, fmt.Errorf("anacrolix: handle not started")
	}
	conns := h.t.PeerConns()
	out := make([]engine.PeerInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, engine.PeerInfo{
			Handle:   h.ID(),
			ID:       c.PeerID,
			Client:   clientNameString(c.PeerClientName.Load()),
			IPAddr:   c.RemoteAddr.String(),
			Progress: float32(c.PeerPieces().GetCardinality()) / float32(h.t.NumPieces()),
		})
	}
	return out, nil
}

// SetPieceDeadline maps the generic millisecond-deadline hint onto
// anacrolix/torrent's priority levels, following the same
// Now/High/Normal banding the teacher's updatePiecePriorities uses:
// deadlineMs == 0 is "most urgent".
func (h *Handle) SetPieceDeadline(index int32, deadlineMs int) {
	if h.t == nil {
		return
	}
	p := h.t.Piece(int(index))
	switch {
	case deadlineMs <= 0:
		p.SetPriority(torrent.PiecePriorityNow)
	case deadlineMs < 2000:
		p.SetPriority(torrent.PiecePriorityHigh)
	default:
		p.SetPriority(torrent.PiecePriorityNormal)
	}
}

func (h *Handle) ClearPieceDeadlines() {
	if h.t == nil {
		return
	}
	for i := 0; i < h.t.NumPieces(); i++ {
		h.t.Piece(i).SetPriority(torrent.PiecePriorityNormal)
	}
}

func (h *Handle) AddTracker(url string, tier int, failLimit int) {
	if h.t == nil {
		return
	}
	h.t.AddTrackers([][]string{{url}})
}

func (h *Handle) GetMagnetURI() (string, bool) {
	if h.t == nil {
		return "", false
	}
	return h.t.Metainfo().Magnet(nil, nil).String(), true
}

// Pieces returns this torrent's absolute piece.List, building it once
// metadata becomes available and memoizing it thereafter. Returning the
// same *piece.List (and the same *piece.Piece instances within it) on
// every call is load-bearing: the session layer locates a piece via this
// list and calls SetState on it, and that mutation must be visible to
// every streamio.TorrentInput awaiting the same *piece.Piece a
// LogicalFileView was built from. Rebuilding the list per call would
// produce throwaway Pieces whose SetState nobody is listening to.
func (h *Handle) Pieces() *piece.List {
	if h.t == nil || h.t.Info() == nil {
		return nil
	}
	h.piecesMu.Lock()
	defer h.piecesMu.Unlock()
	if h.pieces != nil {
		return h.pieces
	}

	info := h.t.Info()
	n := h.t.NumPieces()
	pieces := make([]*piece.Piece, n)
	for i := 0; i < n; i++ {
		start := int64(i) * info.PieceLength
		size := info.PieceLength
		if i == n-1 {
			if rem := h.t.Length() - start; rem > 0 {
				size = rem
			}
		}
		state := piece.NotAvailable
		tp := h.t.Piece(i)
		if tp.State().Complete {
			state = piece.Finished
		}
		pieces[i] = piece.New(int32(i), start, size, state)
	}
	h.pieces = piece.NewList(pieces)
	return h.pieces
}

// watchPieceCompletion subscribes to anacrolix/torrent's piece-state-change
// feed and dispatches each newly-completed piece into the session layer as
// an OnPieceFinished callback (§4.5), which is what actually closes the
// Piece.AwaitFinished latch a suspended streamio.TorrentInput is blocked
// on (§4.3.1). One subscription per handle, torn down when the torrent is
// dropped.
func (h *Handle) watchPieceCompletion(d *session.Dispatcher) {
	sub := h.t.SubscribePieceStateChanges()
	go func() {
		<-h.t.Closed()
		sub.Close()
	}()
	go func() {
		for psc := range sub.Values {
			if !psc.Complete {
				continue
			}
			idx := int32(psc.Index)
			d.Dispatch(h.ID(), func(s *session.Session) {
				s.OnPieceFinished(idx)
			})
		}
	}()
}

// File returns the underlying *torrent.File for fileIndex, for the
// session layer to construct a DiskReaderAt from.
func (h *Handle) File(fileIndex int) (*torrent.File, error) {
	if h.t == nil {
		return nil, fmt.Errorf("anacrolix: handle not started")
	}
	files := h.t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("anacrolix: invalid file index %d", fileIndex)
	}
	return files[fileIndex], nil
}
