// Package downloader implements the lifecycle facade (C7): creating and
// starting sessions, persisting resume state, and tearing everything
// down on shutdown.
package downloader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"torrentstream/internal/engine"
	"torrentstream/internal/session"
	"torrentstream/internal/xerr"
)

// Downloader holds the engine session (native), the session dispatcher,
// and the resume registry, mirroring the teacher's Manager.
type Downloader struct {
	native     engine.TorrentManagerSession
	dispatcher *session.Dispatcher
	registry   *Registry
	openFiles  func(handle engine.TorrentHandle) session.DiskReaderFactory
	logger     zerolog.Logger
	tracer     opentracing.Tracer
	dataRoot   string
	statsBuffer int

	mu       sync.Mutex
	sessions map[engine.HandleId]*session.Session
	handles  map[engine.HandleId]engine.TorrentHandle
}

// pieceCompletionWirer is implemented by engine adapters (e.g.
// anacrolix.Session) that need a reference to the dispatcher so their own
// piece-completion callbacks can reach session.Session.OnPieceFinished.
type pieceCompletionWirer interface {
	SetDispatcher(d *session.Dispatcher)
}

// Option configures optional Downloader behavior.
type Option func(*Downloader)

func WithTracer(t opentracing.Tracer) Option {
	return func(d *Downloader) { d.tracer = t }
}

func WithStatsBuffer(n int) Option {
	return func(d *Downloader) { d.statsBuffer = n }
}

// New constructs a Downloader. openFiles builds the per-handle
// DiskReaderFactory the session layer uses to open files for streaming
// (e.g. wrapping anacrolix.NewFileDiskReader).
func New(native engine.TorrentManagerSession, registry *Registry, dataRoot string, openFiles func(engine.TorrentHandle) session.DiskReaderFactory, logger zerolog.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		native:      native,
		dispatcher:  session.NewDispatcher(logger, opentracing.NoopTracer{}),
		registry:    registry,
		openFiles:   openFiles,
		logger:      logger,
		tracer:      opentracing.NoopTracer{},
		dataRoot:    dataRoot,
		statsBuffer: 16,
		sessions:    make(map[engine.HandleId]*session.Session),
		handles:     make(map[engine.HandleId]engine.TorrentHandle),
	}
	for _, opt := range opts {
		opt(d)
	}
	if w, ok := native.(pieceCompletionWirer); ok {
		w.SetDispatcher(d.dispatcher)
	}
	return d
}

// Dispatcher exposes the dispatcher so an engine adapter's callback
// goroutines can route events into it.
func (d *Downloader) Dispatcher() *session.Dispatcher { return d.dispatcher }

// AddTorrent adds a torrent from a magnet URI or a .torrent file path
// (detected by the "magnet:" prefix), optionally seeded with a
// previously saved resume-data path, and returns the resulting session.
func (d *Downloader) AddTorrent(magnetOrFile string, resumeDataPath string) (*session.Session, error) {
	handle := d.native.CreateTorrentHandle()
	addInfo := d.native.CreateTorrentAddInfo()

	if strings.HasPrefix(magnetOrFile, "magnet:") {
		addInfo.SetMagnetURI(magnetOrFile)
	} else {
		addInfo.SetTorrentFilePath(magnetOrFile)
	}
	if resumeDataPath != "" {
		addInfo.SetResumeDataPath(resumeDataPath)
	}

	ok, err := d.native.StartDownload(handle, addInfo, d.dataRoot)
	if err != nil {
		return nil, xerr.New(xerr.StartRejected, "Downloader.AddTorrent", err)
	}
	if !ok {
		return nil, xerr.New(xerr.StartRejected, "Downloader.AddTorrent", nil)
	}

	s := session.New(handle, d.openFiles(handle), d.logger, d.tracer, d.statsBuffer)
	d.dispatcher.Register(s)

	d.mu.Lock()
	d.sessions[handle.ID()] = s
	d.handles[handle.ID()] = handle
	d.mu.Unlock()

	if d.registry != nil {
		rec := registryRecord{MagnetOrPath: magnetOrFile, ResumeDataPath: resumeDataPath}
		if err := d.registry.Put(handle.ID(), rec); err != nil {
			d.logger.Warn().Err(err).Int64("handle", int64(handle.ID())).Msg("failed to persist resume registry record")
		}
	}

	return s, nil
}

// Session returns the live session for id, if any.
func (d *Downloader) Session(id engine.HandleId) (*session.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

// ApplyConfig forwards a new engine.Config to the live native session
// (§4.4 applyConfig).
func (d *Downloader) ApplyConfig(cfg engine.Config) {
	d.native.ApplyConfig(cfg)
}

// releaseOne tears down a single session: unregisters it from the
// dispatcher (which drains and closes it), releases its handle, and
// drops its resume registry record.
func (d *Downloader) releaseOne(id engine.HandleId) error {
	d.dispatcher.Unregister(id)

	d.mu.Lock()
	handle := d.handles[id]
	delete(d.sessions, id)
	delete(d.handles, id)
	d.mu.Unlock()

	if handle != nil {
		d.native.ReleaseHandle(handle)
	}

	if d.registry != nil {
		if err := d.registry.Delete(id); err != nil {
			return fmt.Errorf("downloader: delete registry record for %d: %w", id, err)
		}
	}
	return nil
}

// Close releases every active session concurrently and closes the
// resume registry, mirroring the teacher's Manager.Close
// errgroup-based teardown.
func (d *Downloader) Close() error {
	d.mu.Lock()
	ids := make([]engine.HandleId, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return d.releaseOne(id)
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error().Err(err).Msg("error releasing sessions during close")
	}

	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			return fmt.Errorf("downloader: close registry: %w", err)
		}
	}
	return nil
}
