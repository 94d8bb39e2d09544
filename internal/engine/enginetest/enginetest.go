// Package enginetest is a deterministic, in-memory engine.TorrentManagerSession
// suitable for driving the piece state machine synchronously under test,
// per spec §9's "engine polymorphism" requirement that a test variant
// satisfy the §4.4 contract bit-for-bit without a real BitTorrent engine.
package enginetest

import (
	"sync"

	"torrentstream/internal/engine"
	"torrentstream/internal/piece"
)

// Session is a test double for engine.TorrentManagerSession. Callers
// drive it directly: construct handles, feed them a piece.List via
// Handle.SetPieces, and flip piece states with Handle.FinishPiece to
// simulate the engine finishing downloads.
type Session struct {
	mu      sync.Mutex
	nextID  engine.HandleId
	handles map[engine.HandleId]*Handle
	cfg     engine.Config
	rejectNextStart bool
}

func NewSession() *Session {
	return &Session{handles: make(map[engine.HandleId]*Handle)}
}

// RejectNextStart makes the next StartDownload call return (false, nil),
// simulating the engine refusing a malformed or duplicate add.
func (s *Session) RejectNextStart() { s.rejectNextStart = true }

func (s *Session) CreateTorrentHandle() engine.TorrentHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := &Handle{id: s.nextID, state: engine.QueuedForChecking}
	return h
}

func (s *Session) CreateTorrentAddInfo() engine.TorrentAddInfo {
	return &AddInfo{}
}

func (s *Session) StartDownload(hh engine.TorrentHandle, aa engine.TorrentAddInfo, saveDir string) (bool, error) {
	h := hh.(*Handle)
	a := aa.(*AddInfo)

	s.mu.Lock()
	reject := s.rejectNextStart
	s.rejectNextStart = false
	s.mu.Unlock()
	if reject {
		return false, nil
	}

	h.mu.Lock()
	h.started = true
	h.saveDir = saveDir
	h.magnetURI = a.magnetURI
	h.resumeDataPath = a.resumeDataPath
	h.state = engine.Downloading
	h.mu.Unlock()

	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	return true, nil
}

func (s *Session) ReleaseHandle(hh engine.TorrentHandle) {
	h, ok := hh.(*Handle)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		h.mu.Lock()
		if h.state != engine.Finished && h.state != engine.Seeding {
			h.state = engine.Downloading
		}
		h.mu.Unlock()
	}
}

func (s *Session) ApplyConfig(cfg engine.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns the most recently applied engine.Config, for assertions.
func (s *Session) Config() engine.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Handle returns the live test handle for id, or nil if released/unknown.
func (s *Session) Handle(id engine.HandleId) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// Handle is the test double for engine.TorrentHandle. All state mutation
// is synchronous and under mu, so tests never race with assertions.
type Handle struct {
	id       engine.HandleId
	mu       sync.Mutex
	started  bool
	released bool
	state    engine.HandleState

	saveDir        string
	magnetURI      string
	resumeDataPath string

	pieces         *piece.List
	filePriorities map[int]engine.FilePriority
	peers          []engine.PeerInfo
	descriptor     *engine.TorrentDescriptor

	deadlines map[int32]int

	waited []int32 // piece indices passed to SetPieceDeadline, for assertions
}

func (h *Handle) ID() engine.HandleId { return h.id }

func (h *Handle) IsValid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.released
}

func (h *Handle) GetState() *engine.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	s := h.state
	return &s
}

func (h *Handle) PostStatusUpdates() {}
func (h *Handle) PostSaveResume()    {}

func (h *Handle) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = engine.Downloading
}

func (h *Handle) SetFilePriority(index int, p engine.FilePriority) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.filePriorities == nil {
		h.filePriorities = make(map[int]engine.FilePriority)
	}
	h.filePriorities[index] = p
}

// FilePriority returns the priority last set for index (NORMAL by
// default), for test assertions.
func (h *Handle) FilePriority(index int) engine.FilePriority {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.filePriorities[index]; ok {
		return p
	}
	return engine.PriorityNormal
}

func (h *Handle) ReloadFile() (*engine.TorrentDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.descriptor == nil {
		return nil, engineErrorf("enginetest: no descriptor set; call SetDescriptor first")
	}
	return h.descriptor, nil
}

// SetDescriptor installs the TorrentDescriptor ReloadFile will return,
// simulating metadata having arrived.
func (h *Handle) SetDescriptor(d *engine.TorrentDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descriptor = d
}

func (h *Handle) GetPeers() ([]engine.PeerInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers, nil
}

// SetPeers installs the snapshot GetPeers returns.
func (h *Handle) SetPeers(peers []engine.PeerInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = peers
}

func (h *Handle) SetPieceDeadline(index int32, deadlineMs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deadlines == nil {
		h.deadlines = make(map[int32]int)
	}
	h.deadlines[index] = deadlineMs
	h.waited = append(h.waited, index)
}

func (h *Handle) ClearPieceDeadlines() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deadlines = nil
}

func (h *Handle) AddTracker(url string, tier int, failLimit int) {}

func (h *Handle) GetMagnetURI() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.magnetURI, h.magnetURI != ""
}

func (h *Handle) Pieces() *piece.List {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pieces
}

// SetPieces installs the piece.List this handle serves, simulating the
// engine having obtained metadata.
func (h *Handle) SetPieces(l *piece.List) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pieces = l
}

// FinishPiece transitions a piece to FINISHED, the moment-of-truth action
// that unblocks every streamio.TorrentInput awaiting it, simulating an
// engine piece-completion callback.
func (h *Handle) FinishPiece(absoluteIndex int32) {
	h.mu.Lock()
	l := h.pieces
	h.mu.Unlock()
	if l == nil {
		return
	}
	if p, ok := l.GetByPieceIndex(absoluteIndex); ok {
		p.SetState(piece.Finished)
	}
}

// DeadlinesRequested returns the piece indices passed to SetPieceDeadline,
// in call order, for S3-style "onWait invoked exactly once" assertions.
func (h *Handle) DeadlinesRequested() []int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int32(nil), h.waited...)
}

// AddInfo is the test double's engine.TorrentAddInfo builder.
type AddInfo struct {
	magnetURI       string
	torrentFilePath string
	resumeDataPath  string
}

func (a *AddInfo) SetMagnetURI(uri string)        { a.magnetURI = uri }
func (a *AddInfo) SetTorrentFilePath(path string) { a.torrentFilePath = path }
func (a *AddInfo) SetResumeDataPath(path string)  { a.resumeDataPath = path }

type testError string

func (e testError) Error() string { return string(e) }

func engineErrorf(msg string) error { return testError(msg) }
