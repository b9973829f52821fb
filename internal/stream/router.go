// Package stream routes binary upload connections to per-session sinks.
//
// Every session id moves through Unopened, Streaming and Finalized exactly
// once. A session whose close could not be recorded waits in Closing, with
// its bytes kept on disk, until a later attempt lands. The slot for a session id is guarded by its own mutex, so chunks for
// one session apply in order while different sessions never contend.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/guard"
	"github.com/lgulliver/masterbase/internal/session"
	"github.com/lgulliver/masterbase/internal/storage"
	"github.com/lgulliver/masterbase/pkg/config"
	"github.com/rs/zerolog/log"
)

const (
	// FlushWrite syncs the sink after every chunk
	FlushWrite = "write"
	// FlushPeriodic syncs sinks on a timer and on finalize
	FlushPeriodic = "periodic"

	periodicFlushInterval = 5 * time.Second
	persistAttempts       = 3
)

type state int

const (
	stateUnopened state = iota
	stateStreaming
	// the sink is closed and its bytes wait for the registry write
	stateClosing
	stateFinalized
)

func (s state) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateStreaming:
		return "streaming"
	case stateClosing:
		return "closing"
	default:
		return "finalized"
	}
}

type slot struct {
	mu          sync.Mutex
	state       state
	apiKey      string
	sink        storage.Sink
	pending     string // sink name whose payload is not yet persisted
	failed      bool   // persist the pending payload with the failure marker
	written     int64
	connected   bool
	evicted     bool
	touched     time.Time
	finalizedAt time.Time
}

// Router owns the slot table for every session id it has seen
type Router struct {
	guard    *guard.Guard
	registry *session.Registry
	storage  storage.Backend
	archiver *storage.Archiver
	cfg      config.StreamConfig

	slots      sync.Map // session id -> *slot
	now        func() time.Time
	newBackOff func() backoff.BackOff

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter creates a router and starts its background maintenance.
// archiver may be nil.
func NewRouter(g *guard.Guard, reg *session.Registry, backend storage.Backend, archiver *storage.Archiver, cfg config.StreamConfig) *Router {
	r := newRouter(g, reg, backend, archiver, cfg)
	r.start()
	return r
}

func newRouter(g *guard.Guard, reg *session.Registry, backend storage.Backend, archiver *storage.Archiver, cfg config.StreamConfig) *Router {
	if cfg.FlushMode == "" {
		cfg.FlushMode = FlushWrite
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = time.Hour
	}

	return &Router{
		guard:      g,
		registry:   reg,
		storage:    backend,
		archiver:   archiver,
		cfg:        cfg,
		now:        time.Now,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		stop:       make(chan struct{}),
	}
}

func (r *Router) start() {
	r.wg.Add(1)
	go r.cleanupRoutine()
}

// SinkName is the storage path of the in-progress upload for sessionID
func SinkName(sessionID string) string {
	return sessionID + ".dem"
}

// lockSlot returns the locked slot for sessionID, creating it if needed
func (r *Router) lockSlot(sessionID string) *slot {
	for {
		v, _ := r.slots.LoadOrStore(sessionID, &slot{touched: r.now()})
		s := v.(*slot)
		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		s.touched = r.now()
		return s
	}
}

// Accept authorizes a new upload connection for the pair. A session that is
// already finalized or already has a live connection is a conflict.
func (r *Router) Accept(ctx context.Context, apiKey, sessionID string) (*Conn, error) {
	if err := r.guard.RequireValidKey(ctx, apiKey); err != nil {
		return nil, err
	}
	if err := r.guard.RequireActive(ctx, apiKey, sessionID); err != nil {
		return nil, err
	}

	s := r.lockSlot(sessionID)
	defer s.mu.Unlock()

	switch s.state {
	case stateFinalized:
		return nil, fmt.Errorf("%w: session already finalized", common.ErrConflict)
	case stateClosing:
		return nil, fmt.Errorf("%w: session upload is still being persisted", common.ErrConflict)
	}
	if s.connected {
		return nil, fmt.Errorf("%w: session already has a live connection", common.ErrConflict)
	}
	s.connected = true
	s.apiKey = apiKey

	log.Debug().Str("session_id", sessionID).Str("state", s.state.String()).Msg("upload connection accepted")
	return &Conn{router: r, apiKey: apiKey, sessionID: sessionID}, nil
}

// HandleChunk applies one frame to the session's slot
func (r *Router) HandleChunk(ctx context.Context, apiKey, sessionID string, frame Frame) error {
	s := r.lockSlot(sessionID)
	defer s.mu.Unlock()

	switch s.state {
	case stateFinalized:
		log.Debug().
			Str("session_id", sessionID).
			Str("frame", frame.Type.String()).
			Msg("dropping frame for finalized session")
		return nil

	case stateClosing:
		if frame.Type == FrameEnd {
			_, err := r.persistLocked(ctx, s, apiKey, sessionID)
			return err
		}
		log.Debug().Str("session_id", sessionID).Msg("dropping data for session awaiting persistence")
		return nil

	case stateUnopened:
		if frame.Type == FrameEnd {
			_, err := r.finalizeLocked(ctx, s, apiKey, sessionID)
			return err
		}
		if err := r.guard.RequireActive(ctx, apiKey, sessionID); err != nil {
			return err
		}
		sink, err := r.storage.OpenSink(ctx, SinkName(sessionID))
		if err != nil {
			return r.failLocked(ctx, s, apiKey, sessionID, err)
		}
		s.sink = sink
		s.apiKey = apiKey
		s.state = stateStreaming
		log.Info().Str("session_id", sessionID).Msg("demo upload started")
		return r.writeLocked(ctx, s, apiKey, sessionID, frame.Payload)

	default:
		if frame.Type == FrameEnd {
			_, err := r.finalizeLocked(ctx, s, apiKey, sessionID)
			return err
		}
		return r.writeLocked(ctx, s, apiKey, sessionID, frame.Payload)
	}
}

// HandleDisconnect treats a dropped connection as an implicit END when the
// session is streaming. An unopened session stays active so the client can
// reconnect.
func (r *Router) HandleDisconnect(ctx context.Context, apiKey, sessionID string) error {
	s := r.lockSlot(sessionID)
	defer s.mu.Unlock()

	s.connected = false
	switch s.state {
	case stateStreaming:
		log.Info().Str("session_id", sessionID).Int64("bytes", s.written).Msg("upload connection dropped, finalizing")
		_, err := r.finalizeLocked(ctx, s, apiKey, sessionID)
		return err
	case stateClosing:
		_, err := r.persistLocked(ctx, s, apiKey, sessionID)
		return err
	default:
		return nil
	}
}

// Close is the explicit close path. It finalizes a live stream with its
// payload, or closes an unopened session without one. The result is true only
// for the call that moved the session to closed.
func (r *Router) Close(ctx context.Context, apiKey, sessionID string) (bool, error) {
	s := r.lockSlot(sessionID)
	defer s.mu.Unlock()

	switch s.state {
	case stateStreaming:
		return r.finalizeLocked(ctx, s, apiKey, sessionID)
	case stateClosing:
		return r.persistLocked(ctx, s, apiKey, sessionID)
	case stateFinalized:
		return r.registry.CloseSession(ctx, apiKey, sessionID, nil)
	default:
		closed, err := r.registry.CloseSession(ctx, apiKey, sessionID, nil)
		if err != nil {
			return false, err
		}
		s.state = stateFinalized
		s.finalizedAt = r.now()
		return closed, nil
	}
}

func (r *Router) writeLocked(ctx context.Context, s *slot, apiKey, sessionID string, chunk []byte) error {
	if len(chunk) > 0 {
		n, err := s.sink.Write(chunk)
		s.written += int64(n)
		if err != nil {
			return r.failLocked(ctx, s, apiKey, sessionID, err)
		}
	}
	if r.cfg.FlushMode == FlushWrite {
		if err := s.sink.Sync(); err != nil {
			return r.failLocked(ctx, s, apiKey, sessionID, err)
		}
	}
	return nil
}

// finalizeLocked closes the sink and persists its contents as the session
// payload. An unopened slot closes with an empty payload.
func (r *Router) finalizeLocked(ctx context.Context, s *slot, apiKey, sessionID string) (bool, error) {
	s.apiKey = apiKey
	if s.sink != nil {
		if err := s.sink.Sync(); err != nil {
			return false, r.failLocked(ctx, s, apiKey, sessionID, err)
		}
		if err := s.sink.Close(); err != nil {
			return false, r.failLocked(ctx, s, apiKey, sessionID, err)
		}
		s.pending = s.sink.Name()
		s.sink = nil
	}
	s.state = stateClosing

	return r.persistLocked(ctx, s, apiKey, sessionID)
}

// failLocked aborts the stream after a storage error. Whatever reached the
// sink is attached to the session, which is closed with the failure marker.
func (r *Router) failLocked(ctx context.Context, s *slot, apiKey, sessionID string, cause error) error {
	log.Error().Err(cause).Str("session_id", sessionID).Int64("bytes", s.written).Msg("demo storage failure, aborting stream")

	s.apiKey = apiKey
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("closing broken sink")
		}
		s.pending = s.sink.Name()
		s.sink = nil
	}
	s.failed = true
	s.state = stateClosing

	if _, err := r.persistLocked(ctx, s, apiKey, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to mark session as failed")
	}
	return fmt.Errorf("%w: %v", common.ErrStorageFailure, cause)
}

// persistLocked moves a closing slot to Finalized once the registry has
// recorded the close. If every attempt fails the slot stays closing with its
// local file, and the next END, disconnect, explicit close, sweep or
// shutdown tries again.
func (r *Router) persistLocked(ctx context.Context, s *slot, apiKey, sessionID string) (bool, error) {
	payload := []byte{}
	if s.pending != "" {
		data, err := r.readBack(ctx, s.pending)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("could not read back demo")
			s.failed = true
		} else {
			payload = data
		}
	}

	failed := s.failed
	var closed bool
	var err error
	if !failed {
		closed, err = r.retry(ctx, func() (bool, error) {
			return r.registry.CloseSession(ctx, apiKey, sessionID, payload)
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist finalized demo, marking upload failed")
			failed = true
		}
	}
	if failed {
		closed, err = r.retry(ctx, func() (bool, error) {
			return r.registry.MarkFailed(ctx, apiKey, sessionID, payload)
		})
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("file", s.pending).Msg("session close not recorded, keeping local copy")
		return false, fmt.Errorf("%w: %v", common.ErrStorageFailure, err)
	}

	s.state = stateFinalized
	s.finalizedAt = r.now()
	sinkName := s.pending
	s.pending = ""
	s.failed = false

	if !closed {
		log.Warn().Str("session_id", sessionID).Msg("session was already closed, payload not attached")
		return false, nil
	}

	log.Info().
		Str("session_id", sessionID).
		Int("bytes", len(payload)).
		Bool("upload_failed", failed).
		Msg("demo upload finalized")

	if r.archiver != nil && !failed {
		if err := r.archiver.Archive(ctx, sessionID, bytes.NewReader(payload)); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("failed to archive demo")
		}
	}
	if sinkName != "" {
		if err := r.storage.Delete(ctx, sinkName); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove local demo file")
		}
	}
	return true, nil
}

func (r *Router) retry(ctx context.Context, op func() (bool, error)) (bool, error) {
	return backoff.Retry(ctx, op, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(persistAttempts))
}

func (r *Router) readBack(ctx context.Context, name string) ([]byte, error) {
	rc, err := r.storage.Retrieve(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read back demo: %w", err)
	}
	return data, nil
}

// cleanupRoutine evicts old tombstones and, in periodic mode, flushes sinks
func (r *Router) cleanupRoutine() {
	defer r.wg.Done()

	sweep := time.NewTicker(sweepInterval(r.cfg.TombstoneTTL))
	defer sweep.Stop()

	var flushC <-chan time.Time
	if r.cfg.FlushMode == FlushPeriodic {
		flush := time.NewTicker(periodicFlushInterval)
		defer flush.Stop()
		flushC = flush.C
	}

	for {
		select {
		case <-r.stop:
			return
		case <-sweep.C:
			r.retryPending()
			r.sweep()
		case <-flushC:
			r.flushAll()
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// sweep drops finalized slots older than the tombstone TTL and idle unopened
// slots. A session whose tombstone is gone is still closed in the registry,
// so it can never be accepted again.
func (r *Router) sweep() int {
	now := r.now()
	evicted := 0

	r.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		defer s.mu.Unlock()

		expired := false
		switch s.state {
		case stateFinalized:
			expired = now.Sub(s.finalizedAt) >= r.cfg.TombstoneTTL
		case stateUnopened:
			expired = !s.connected && now.Sub(s.touched) >= r.cfg.TombstoneTTL
		}
		if expired && r.slots.CompareAndDelete(key, s) {
			s.evicted = true
			evicted++
		}
		return true
	})

	if evicted > 0 {
		log.Debug().Int("count", evicted).Msg("evicted stream slots")
	}
	return evicted
}

// retryPending persists closing slots whose registry write failed earlier
func (r *Router) retryPending() {
	ctx := context.Background()
	r.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.state == stateClosing {
			if _, err := r.persistLocked(ctx, s, s.apiKey, key.(string)); err != nil {
				log.Warn().Err(err).Str("session_id", key.(string)).Msg("retrying demo persistence failed")
			}
		}
		return true
	})
}

func (r *Router) flushAll() {
	r.slots.Range(func(key, value any) bool {
		s := value.(*slot)
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.state == stateStreaming && s.sink != nil {
			if err := s.sink.Sync(); err != nil {
				log.Warn().Err(err).Str("session_id", key.(string)).Msg("periodic flush failed")
			}
		}
		return true
	})
}

// Shutdown stops background work and finalizes every live stream so no
// partial upload is left open
func (r *Router) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	var errs []error
	r.slots.Range(func(key, value any) bool {
		sessionID := key.(string)
		s := value.(*slot)
		s.mu.Lock()
		defer s.mu.Unlock()

		var err error
		switch s.state {
		case stateStreaming:
			_, err = r.finalizeLocked(ctx, s, s.apiKey, sessionID)
		case stateClosing:
			_, err = r.persistLocked(ctx, s, s.apiKey, sessionID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sessionID, err))
		}
		return true
	})
	return errors.Join(errs...)
}

// Conn is one accepted upload connection
type Conn struct {
	router    *Router
	apiKey    string
	sessionID string

	closeOnce sync.Once
	closeErr  error
}

// SessionID returns the session this connection uploads to
func (c *Conn) SessionID() string { return c.sessionID }

// Receive decodes one binary message and applies it
func (c *Conn) Receive(ctx context.Context, msg []byte) error {
	frame, err := DecodeFrame(msg, c.router.cfg.MaxFrameSize)
	if err != nil {
		return err
	}
	return c.router.HandleChunk(ctx, c.apiKey, c.sessionID, frame)
}

// Finalized reports whether the session has reached its terminal state
func (c *Conn) Finalized() bool {
	v, ok := c.router.slots.Load(c.sessionID)
	if !ok {
		return true
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateFinalized
}

// Close reports the disconnect to the router. Only the first call has any effect.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.router.HandleDisconnect(ctx, c.apiKey, c.sessionID)
	})
	return c.closeErr
}
