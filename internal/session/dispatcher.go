// Package session implements the download-session dispatch fabric (C6):
// routing engine callbacks to the in-process Session object by handle
// identifier, and the per-torrent Session state that bridges engine
// events into streamio.TorrentInput piece completions.
package session

import (
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"

	"torrentstream/internal/engine"
)

// Dispatcher maps a HandleId to its live Session and routes engine
// callbacks to it. Callbacks for an unregistered id are dropped silently
// (§4.5, §8 S5) because that is the expected shape of a callback that
// arrives after ReleaseHandle. Each session's callbacks are processed by
// a dedicated goroutine draining a buffered channel, so a single handle's
// events are strictly ordered and the engine's callback thread (which
// calls Dispatch) is never blocked on session-side work (§9 "dispatcher
// backpressure").
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[engine.HandleId]*Session
	logger   zerolog.Logger
	tracer   opentracing.Tracer
}

// NewDispatcher constructs an empty dispatcher. tracer may be
// opentracing.NoopTracer{} if no tracing backend is installed.
func NewDispatcher(logger zerolog.Logger, tracer opentracing.Tracer) *Dispatcher {
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	return &Dispatcher{
		sessions: make(map[engine.HandleId]*Session),
		logger:   logger,
		tracer:   tracer,
	}
}

// Register begins routing callbacks for s.ID() to s. Called by the
// downloader facade once StartDownload succeeds.
func (d *Dispatcher) Register(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ID()] = s
}

// Unregister stops routing callbacks for id and drains the session's
// event queue. Called by the downloader facade on ReleaseHandle.
func (d *Dispatcher) Unregister(id engine.HandleId) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if ok {
		s.close()
	}
}

// Lookup returns the session registered for id, if any.
func (d *Dispatcher) Lookup(id engine.HandleId) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Dispatch enqueues action to run against the session registered for id.
// If no session is registered, action is dropped without error — this is
// the only contract §4.5 makes (S5: dispatchToSession never invokes f for
// an unregistered id). Dispatch never blocks on session-side processing;
// it only blocks if the session's bounded queue is full, which bounds the
// engine callback thread's worst case instead of leaving it unbounded.
func (d *Dispatcher) Dispatch(id engine.HandleId, action func(*Session)) {
	span := d.tracer.StartSpan("Dispatcher.Dispatch")
	defer span.Finish()

	d.mu.RLock()
	s, ok := d.sessions[id]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug().Int64("handle", int64(id)).Msg("dropped callback for unknown handle")
		return
	}
	s.enqueue(action)
}
