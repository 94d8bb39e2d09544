// Package engine defines the abstraction boundary between the core and
// whatever BitTorrent engine actually implements the protocol: piece
// deadlines, file priorities, state/peer/stats callbacks, and resume-data
// persistence. Two variants satisfy this contract: internal/engine/anacrolix
// (production, wrapping anacrolix/torrent) and internal/engine/enginetest
// (a deterministic test double).
package engine

import "torrentstream/internal/piece"

// HandleId is the 64-bit opaque identifier the engine assigns to a torrent.
// Unique per engine instance for the torrent's lifetime.
type HandleId int64

// FilePriority controls how hard the engine tries to complete a file's
// pieces relative to the rest of the torrent.
type FilePriority int

const (
	PriorityIgnore FilePriority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

// HandleState mirrors the engine's torrent lifecycle states. Opaque to
// the core beyond the set of values.
type HandleState int

const (
	QueuedForChecking HandleState = iota
	CheckingFiles
	DownloadingMetadata
	Downloading
	Finished
	Seeding
	Allocating
	CheckingResumeData
)

// TorrentFileInfo describes one file inside a torrent.
type TorrentFileInfo struct {
	Name string
	Path string
	Size int64
}

// TorrentDescriptor is a torrent's metadata, available once the engine has
// obtained it (GotInfo-equivalent).
type TorrentDescriptor struct {
	Name           string
	NumPieces      int32
	PieceLength    int64
	LastPieceSize  int64
	Files          []TorrentFileInfo
}

// PeerInfo is a snapshot of one connected peer.
type PeerInfo struct {
	Handle         HandleId
	ID             [20]byte
	Client         string
	IPAddr         string
	IPPort         uint16
	Progress       float32
	TotalDownload  int64
	TotalUpload    int64
	Flags          uint64
}

// TorrentStats is a point-in-time snapshot of a torrent's transfer state.
type TorrentStats struct {
	Total                   int64
	TotalDone               int64
	AllTimeUpload           int64
	AllTimeDownload         int64
	DownloadPayloadRate     int64
	UploadPayloadRate       int64
	Progress                float32
	TotalPayloadDownload    int64
	TotalPayloadUpload      int64
}

// TorrentResumeData is an opaque bytes-in/bytes-out artifact the engine
// produces on request and that can be handed back via
// TorrentAddInfo.SetResumeDataPath on a later add.
type TorrentResumeData interface {
	SaveToPath(path string) error
}

// TorrentHandle is the engine's live reference to one torrent.
type TorrentHandle interface {
	ID() HandleId
	IsValid() bool
	// GetState returns nil if the engine session backing this handle has
	// been closed; callers should treat that as ENGINE_CLOSED and release
	// the handle.
	GetState() *HandleState

	PostStatusUpdates()
	PostSaveResume()
	Resume()

	SetFilePriority(index int, priority FilePriority)

	ReloadFile() (*TorrentDescriptor, error)
	GetPeers() ([]PeerInfo, error)

	// SetPieceDeadline hints the engine to complete the piece by
	// now+deadlineMs. A later call for the same piece overrides an
	// earlier one. deadlineMs == 0 means "most urgent".
	SetPieceDeadline(index int32, deadlineMs int)
	ClearPieceDeadlines()

	AddTracker(url string, tier int, failLimit int)
	GetMagnetURI() (string, bool)

	// Pieces returns the torrent's absolute piece list, once metadata is
	// available. The session layer looks pieces up in it to mark them
	// FINISHED when the engine reports them complete.
	Pieces() *piece.List
}

// TorrentAddInfo is a write-only builder describing a torrent to add.
// Exactly one of SetMagnetURI / SetTorrentFilePath must be called.
type TorrentAddInfo interface {
	SetMagnetURI(uri string)
	SetTorrentFilePath(path string)
	SetResumeDataPath(path string)
}

// TorrentManagerSession owns handles for one engine instance.
type TorrentManagerSession interface {
	CreateTorrentHandle() TorrentHandle
	CreateTorrentAddInfo() TorrentAddInfo

	// StartDownload binds addInfo to handle and begins the download into
	// saveDir. Returns false (not an error) if the engine rejected the
	// add outright (duplicate, malformed metadata); callers surface that
	// as START_REJECTED.
	StartDownload(handle TorrentHandle, addInfo TorrentAddInfo, saveDir string) (bool, error)

	ReleaseHandle(handle TorrentHandle)
	Resume()
	ApplyConfig(cfg Config)
}

// Config is the subset of engine tuning knobs the session layer can push
// into a live TorrentManagerSession.
type Config struct {
	MaxConnections    int
	DownloadRateLimit int64 // bytes/sec, 0 = unlimited
	UploadRateLimit   int64 // bytes/sec, 0 = unlimited
}
