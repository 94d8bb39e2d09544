// Package anacrolix adapts github.com/anacrolix/torrent into the
// engine.TorrentManagerSession / engine.TorrentHandle contract.
package anacrolix

import (
	"fmt"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"torrentstream/internal/engine"
	"torrentstream/internal/session"
)

// Session wraps a *torrent.Client as an engine.TorrentManagerSession.
type Session struct {
	client *torrent.Client
	logger zerolog.Logger

	mu          sync.Mutex
	downloadLim *rate.Limiter
	uploadLim   *rate.Limiter
	dispatcher  *session.Dispatcher
}

// NewSession constructs the production engine session. dataDir is the
// torrent client's save directory for every torrent; the saveDir passed
// to StartDownload is recorded on the handle but does not change where
// data is written.
func NewSession(cfg engine.Config, dataDir string, logger zerolog.Logger) (*Session, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = dataDir
	clientConfig.Seed = true
	if cfg.MaxConnections > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.MaxConnections
		clientConfig.HalfOpenConnsPerTorrent = cfg.MaxConnections / 2
		clientConfig.TorrentPeersHighWater = cfg.MaxConnections * 2
		clientConfig.TorrentPeersLowWater = cfg.MaxConnections
	}

	var downloadLim, uploadLim *rate.Limiter
	if cfg.DownloadRateLimit > 0 {
		downloadLim = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), int(cfg.DownloadRateLimit))
		clientConfig.DownloadRateLimiter = downloadLim
	}
	if cfg.UploadRateLimit > 0 {
		uploadLim = rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), int(cfg.UploadRateLimit))
		clientConfig.UploadRateLimiter = uploadLim
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("anacrolix: new client: %w", err)
	}

	return &Session{
		client:      client,
		logger:      logger,
		downloadLim: downloadLim,
		uploadLim:   uploadLim,
	}, nil
}

func (s *Session) CreateTorrentHandle() engine.TorrentHandle {
	return &Handle{session: s}
}

// SetDispatcher installs the session dispatcher that StartDownload wires
// each new handle's piece-completion subscription into. Called once by
// the downloader facade right after constructing both sides; a handle
// started before this is called never gets its await latches signaled.
func (s *Session) SetDispatcher(d *session.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

func (s *Session) CreateTorrentAddInfo() engine.TorrentAddInfo {
	return &AddInfo{}
}

// StartDownload binds addInfo to handle and begins the download. See
// engine.TorrentManagerSession for the contract.
func (s *Session) StartDownload(h engine.TorrentHandle, a engine.TorrentAddInfo, saveDir string) (bool, error) {
	handle, ok := h.(*Handle)
	if !ok {
		return false, fmt.Errorf("anacrolix: foreign handle type %T", h)
	}
	addInfo, ok := a.(*AddInfo)
	if !ok {
		return false, fmt.Errorf("anacrolix: foreign add-info type %T", a)
	}
	if handle.t != nil {
		return false, fmt.Errorf("anacrolix: handle already started")
	}

	var t *torrent.Torrent
	var err error
	switch {
	case addInfo.magnetURI != "":
		t, err = s.client.AddMagnet(addInfo.magnetURI)
	case addInfo.torrentFilePath != "":
		t, err = s.client.AddTorrentFromFile(addInfo.torrentFilePath)
	default:
		return false, fmt.Errorf("anacrolix: add-info has neither magnet uri nor torrent file path")
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("engine rejected add")
		return false, nil
	}

	handle.t = t
	handle.resumeDataPath = addInfo.resumeDataPath
	handle.saveDir = saveDir

	s.mu.Lock()
	dispatcher := s.dispatcher
	s.mu.Unlock()
	if dispatcher != nil {
		handle.watchPieceCompletion(dispatcher)
	}
	return true, nil
}

func (s *Session) ReleaseHandle(h engine.TorrentHandle) {
	handle, ok := h.(*Handle)
	if !ok || handle.t == nil {
		return
	}
	handle.t.Drop()
	handle.released = true
}

func (s *Session) Resume() {
	for _, t := range s.client.Torrents() {
		t.DownloadAll()
	}
}

// ApplyConfig pushes rate-limiter changes into the live client. Only a
// limiter that was enabled at construction is updated, and a zero limit
// leaves its current value in place. MaxConnections is a
// client-construction-time setting in anacrolix/torrent and is not
// changed here.
func (s *Session) ApplyConfig(cfg engine.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadLim != nil && cfg.DownloadRateLimit > 0 {
		s.downloadLim.SetLimit(rate.Limit(cfg.DownloadRateLimit))
		s.downloadLim.SetBurst(int(cfg.DownloadRateLimit))
	}
	if s.uploadLim != nil && cfg.UploadRateLimit > 0 {
		s.uploadLim.SetLimit(rate.Limit(cfg.UploadRateLimit))
		s.uploadLim.SetBurst(int(cfg.UploadRateLimit))
	}
}

// Close shuts down the underlying client. Not part of the engine
// interface (the interface has no lifecycle-close concept beyond
// ReleaseHandle); Downloader.Close does not call it.
func (s *Session) Close() error {
	errs := s.client.Close()
	if len(errs) > 0 {
		return fmt.Errorf("anacrolix: %d errors closing client: %v", len(errs), errs[0])
	}
	return nil
}
