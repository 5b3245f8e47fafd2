// Package session manages conversational session lifecycle: lookup by
// external key, activity tracking, and idle eviction.
package session

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

const evictionInterval = time.Minute

// Manager resolves external requester keys to sessions and evicts sessions
// that have gone idle past their TTL.
type Manager struct {
	store store.Store
	cfg   config.SessionConfig

	evictionTick time.Duration
}

// NewManager creates a Manager. An unset TTL defaults to 60 minutes.
func NewManager(st store.Store, cfg config.SessionConfig) *Manager {
	if cfg.IdleTTLMinutes <= 0 {
		cfg.IdleTTLMinutes = 60
	}
	return &Manager{store: st, cfg: cfg, evictionTick: evictionInterval}
}

// GetOrCreate returns the session for an external key, creating one on first
// contact. Every call counts as activity: the session's message count and
// last-activity timestamp advance.
func (m *Manager) GetOrCreate(ctx context.Context, externalKey string, sessionContext map[string]any) (*model.Session, error) {
	if externalKey == "" {
		return nil, eris.New("session: external key required")
	}

	sess, err := m.store.GetSessionByKey(ctx, externalKey)
	if err != nil {
		return nil, eris.Wrap(err, "session: lookup")
	}
	if sess == nil {
		sess, err = m.store.CreateSession(ctx, externalKey, sessionContext)
		if err != nil {
			return nil, eris.Wrap(err, "session: create")
		}
		zap.L().Info("session created",
			zap.String("session_id", sess.ID),
			zap.String("external_key", externalKey))
		return sess, nil
	}

	now := time.Now().UTC()
	if err := m.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, eris.Wrap(err, "session: touch")
	}
	sess.MessageCount++
	sess.LastActivityAt = now
	return sess, nil
}

// Get returns a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	return m.store.GetSession(ctx, id)
}

// EvictIdle removes sessions whose last activity is older than the TTL and
// returns how many were removed.
func (m *Manager) EvictIdle(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.IdleTTLMinutes) * time.Minute)
	n, err := m.store.EvictIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "session: evict idle")
	}
	if n > 0 {
		zap.L().Info("idle sessions evicted", zap.Int("count", n))
	}
	return n, nil
}

// RunEviction evicts idle sessions on an interval until ctx is cancelled.
func (m *Manager) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(m.evictionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.EvictIdle(ctx); err != nil {
			zap.L().Warn("session eviction failed", zap.Error(err))
		}
	}
}
