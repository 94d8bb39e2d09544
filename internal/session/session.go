package session

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"

	"torrentstream/internal/engine"
	"torrentstream/internal/piece"
	"torrentstream/internal/streamio"
	"torrentstream/internal/xerr"
)

const callbackQueueSize = 64

// openInputsCacheSize bounds how many (HandleId, fileIndex) TorrentInputs
// a Session keeps open concurrently. Eviction closes the evicted input.
const openInputsCacheSize = 8

// DiskReaderFactory opens a streamio.DiskReaderAt for one file of the
// torrent this session tracks. Supplied by the downloader facade, which
// knows the concrete engine (e.g. anacrolix.NewFileDiskReader).
type DiskReaderFactory func(fileIndex int) (streamio.DiskReaderAt, error)

// Session is the core's per-torrent object: it owns the live
// engine.TorrentHandle, serializes engine callbacks in arrival order
// (§4.5, §5), republishes them as observable streams, and hands out
// cached streamio.TorrentInput instances for the session's files.
type Session struct {
	handle engine.TorrentHandle
	logger zerolog.Logger
	tracer opentracing.Tracer

	openFiles DiskReaderFactory

	queue chan func(*Session)
	done  chan struct{}
	wg    sync.WaitGroup

	statsCh chan engine.TorrentStats

	mu     sync.Mutex
	peers  []engine.PeerInfo
	inputs *lru.Cache // fileIndex -> *cachedInput
	closed bool
}

type cachedInput struct {
	ti   *streamio.TorrentInput
	view *streamio.LogicalFileView
}

// New constructs a Session bound to handle and starts its callback-queue
// worker. statsBuffer sizes the Stats() channel (§9 supplemented "stats
// subscription" feature).
func New(handle engine.TorrentHandle, openFiles DiskReaderFactory, logger zerolog.Logger, tracer opentracing.Tracer, statsBuffer int) *Session {
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	if statsBuffer <= 0 {
		statsBuffer = 16
	}
	s := &Session{
		handle:    handle,
		logger:    logger,
		tracer:    tracer,
		openFiles: openFiles,
		queue:     make(chan func(*Session), callbackQueueSize),
		done:      make(chan struct{}),
		statsCh:   make(chan engine.TorrentStats, statsBuffer),
	}
	cache, err := lru.NewWithEvict(openInputsCacheSize, func(_ interface{}, v interface{}) {
		if ci, ok := v.(*cachedInput); ok {
			_ = ci.ti.Close()
		}
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// openInputsCacheSize never is.
		panic(fmt.Sprintf("session: lru.NewWithEvict: %v", err))
	}
	s.inputs = cache

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) ID() engine.HandleId { return s.handle.ID() }

// enqueue schedules action for this session's worker goroutine. Per §9
// "dispatcher backpressure", this is the bounded-work handoff: it blocks
// only if the session's own queue is saturated, never on session-side
// processing itself.
func (s *Session) enqueue(action func(*Session)) {
	select {
	case s.queue <- action:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case action := <-s.queue:
			action(s)
		case <-s.done:
			for {
				select {
				case action := <-s.queue:
					action(s)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	close(s.statsCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.inputs.Keys() {
		if v, ok := s.inputs.Peek(key); ok {
			if ci, ok := v.(*cachedInput); ok {
				_ = ci.ti.Close()
			}
		}
	}
	s.inputs.Purge()
}

// OnStatsUpdate is the engine callback for a TorrentStats delivery
// (§4.5). It republishes onto Stats(), dropping the update if no
// consumer is keeping up rather than blocking the session worker.
func (s *Session) OnStatsUpdate(stats engine.TorrentStats) {
	select {
	case s.statsCh <- stats:
	default:
		s.logger.Warn().Int64("handle", int64(s.ID())).Msg("stats subscriber not keeping up, dropping update")
	}
}

// Stats returns the channel of TorrentStats snapshots delivered in
// engine order (§8 S6), supplementing the one-shot postStatusUpdates
// call from §4.4.
func (s *Session) Stats() <-chan engine.TorrentStats { return s.statsCh }

// OnSaveResumeData is the engine callback for a resume-data delivery
// (§4.5); it persists the blob via data.SaveToPath.
func (s *Session) OnSaveResumeData(data engine.TorrentResumeData, path string) error {
	if err := data.SaveToPath(path); err != nil {
		return xerr.New(xerr.IOError, "Session.OnSaveResumeData", err)
	}
	return nil
}

// OnPieceFinished transitions the corresponding piece to FINISHED,
// releasing every streamio.TorrentInput blocked in AwaitFinished for it
// (§4.5's "this is how awaitFinished in §4.3 returns").
func (s *Session) OnPieceFinished(absoluteIndex int32) {
	list := s.handle.Pieces()
	if list == nil {
		return
	}
	if p, ok := list.GetByPieceIndex(absoluteIndex); ok {
		p.SetState(piece.Finished)
	}
}

// SetPeers installs the latest peer snapshot (§9 "peer snapshot
// plumbing").
func (s *Session) SetPeers(peers []engine.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = peers
}

// Peers returns the most recently delivered peer snapshot.
func (s *Session) Peers() []engine.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.PeerInfo(nil), s.peers...)
}

// SetFilePriority is a passthrough to the handle (§4.4 setFilePriority).
func (s *Session) SetFilePriority(fileIndex int, p engine.FilePriority) {
	s.handle.SetFilePriority(fileIndex, p)
}

// DeprioritizeAllExcept biases the swarm toward keepFileIndex, the file
// currently being streamed, leaving every other file at IGNORE. This is
// the §9-supplemented replacement for the teacher's fixed piece-index
// window: here the "window" is simply "the file under an open reader."
func (s *Session) DeprioritizeAllExcept(keepFileIndex int, numFiles int) {
	for i := 0; i < numFiles; i++ {
		if i == keepFileIndex {
			s.handle.SetFilePriority(i, engine.PriorityHigh)
			continue
		}
		s.handle.SetFilePriority(i, engine.PriorityIgnore)
	}
}

// OpenFile returns a streamio.TorrentInput for fileIndex, reusing a
// cached one if present. The underlying *streamio.TorrentInput is shared
// across callers that open the same file concurrently; its internal
// mutex (see streamio.BufferedInput) serializes their reads, the
// "defensive" resolution of §9's concurrent-reads open question.
func (s *Session) OpenFile(fileIndex int, view *streamio.LogicalFileView) (*streamio.TorrentInput, error) {
	s.mu.Lock()
	if v, ok := s.inputs.Get(fileIndex); ok {
		ci := v.(*cachedInput)
		s.mu.Unlock()
		return ci.ti, nil
	}
	s.mu.Unlock()

	disk, err := s.openFiles(fileIndex)
	if err != nil {
		return nil, xerr.New(xerr.IOError, "Session.OpenFile", err)
	}

	ti, err := streamio.NewTorrentInput(disk, view, s.onWait(fileIndex), 0, streamio.WithTracer(s.tracer))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.inputs.Add(fileIndex, &cachedInput{ti: ti, view: view})
	s.mu.Unlock()
	return ti, nil
}

// onWait implements the §4.3.1 fillBuffer hook: a blocked read asks the
// engine to prioritize the piece it is waiting on, via setPieceDeadline
// with the "most urgent" sentinel of 0ms (§9's resolved open question).
func (s *Session) onWait(fileIndex int) streamio.WaitHook {
	return func(p *piece.Piece) {
		s.handle.SetPieceDeadline(p.PieceIndex, 0)
	}
}
