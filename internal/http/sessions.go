package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecascade/internal/dataset"
	"tilecascade/internal/metrics"
	"tilecascade/internal/refine"
	"tilecascade/internal/tile"
	"tilecascade/internal/tileset"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one viewport consumer. The tileset is not reentrant, so every
// access goes through mu.
type Session struct {
	ID      string
	Dataset *dataset.Dataset

	mu       sync.Mutex
	ts       *tileset.Tileset
	cancel   context.CancelFunc
	lastUsed time.Time
}

// With runs fn while holding the session lock.
func (s *Session) With(fn func(ts *tileset.Tileset)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	fn(s.ts)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts.Finalize()
	s.cancel()
}

type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	registry *dataset.Registry
	opts     tileset.Options
	sched    tileset.Scheduler
	baseCtx  context.Context
	log      *zap.Logger
}

// NewSessions creates the session table. Loads of every session share sched
// and stop when ctx is cancelled.
func NewSessions(ctx context.Context, registry *dataset.Registry, opts tileset.Options, sched tileset.Scheduler, log *zap.Logger) *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
		registry: registry,
		opts:     opts,
		sched:    sched,
		baseCtx:  ctx,
		log:      log,
	}
}

// Create opens a session on datasetID. An empty strategy keeps the
// configured default.
func (m *Sessions) Create(datasetID, strategy string) (*Session, error) {
	d, err := m.registry.Get(datasetID)
	if err != nil {
		return nil, err
	}

	opts := d.Options(m.opts)
	if strategy != "" {
		s, err := refine.Parse(strategy)
		if err != nil {
			return nil, err
		}
		opts.Strategy = s
	}

	id := uuid.New().String()
	log := m.log.With(zap.String("session", id), zap.String("dataset", d.ID))
	ctx, cancel := context.WithCancel(m.baseCtx)

	ts := tileset.New(opts, d.Loader, d.Index, log,
		tileset.WithScheduler(m.sched),
		tileset.WithMetadata(d.Metadata),
		tileset.WithBaseContext(ctx),
		tileset.WithCallbacks(tileset.Callbacks{
			OnTileError: func(err error, h *tile.Header) {
				log.Debug("tile unavailable", zap.String("tile", h.Coordinate().String()), zap.Error(err))
			},
		}),
	)

	s := &Session{ID: id, Dataset: d, ts: ts, cancel: cancel, lastUsed: time.Now()}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	log.Info("session created", zap.String("strategy", opts.Strategy.String()))
	return s, nil
}

func (m *Sessions) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Delete finalizes the session's tileset and forgets it.
func (m *Sessions) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.close()
	metrics.ActiveSessions.Dec()
	m.log.Info("session closed", zap.String("session", id))
	return nil
}

// Expire closes sessions idle for longer than maxIdle and returns how many
// were closed.
func (m *Sessions) Expire(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	var stale []string
	m.mu.RLock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if m.Delete(id) == nil {
			n++
		}
	}
	return n
}

// Close finalizes every session.
func (m *Sessions) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Delete(id)
	}
}

func (m *Sessions) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
