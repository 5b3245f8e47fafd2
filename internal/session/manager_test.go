package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

func newManager(t *testing.T, ttlMinutes int) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, config.SessionConfig{IdleTTLMinutes: ttlMinutes}), st
}

func TestGetOrCreate_NewKey(t *testing.T) {
	m, _ := newManager(t, 30)

	sess, err := m.GetOrCreate(context.Background(), "client-a", map[string]any{"origin": "mcp"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "client-a", sess.ExternalKey)
	assert.Equal(t, 0, sess.MessageCount)
}

func TestGetOrCreate_ExistingKeyTouches(t *testing.T) {
	m, _ := newManager(t, 30)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "client-a", nil)
	require.NoError(t, err)

	second, err := m.GetOrCreate(ctx, "client-a", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.MessageCount)

	stored, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MessageCount)
	assert.False(t, stored.LastActivityAt.Before(stored.CreatedAt))
}

func TestGetOrCreate_DistinctKeysDistinctSessions(t *testing.T) {
	m, _ := newManager(t, 30)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, "client-a", nil)
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "client-b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGetOrCreate_EmptyKeyRejected(t *testing.T) {
	m, _ := newManager(t, 30)
	_, err := m.GetOrCreate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestEvictIdle(t *testing.T) {
	m, st := newManager(t, 30)
	ctx := context.Background()

	idle, err := m.GetOrCreate(ctx, "idle-client", nil)
	require.NoError(t, err)
	active, err := m.GetOrCreate(ctx, "active-client", nil)
	require.NoError(t, err)

	// Backdate the idle session past the TTL.
	require.NoError(t, st.TouchSession(ctx, idle.ID, time.Now().UTC().Add(-45*time.Minute)))

	n, err := m.EvictIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(ctx, idle.ID)
	assert.Error(t, err)
	_, err = m.Get(ctx, active.ID)
	assert.NoError(t, err)
}

func TestEvictIdle_NothingIdle(t *testing.T) {
	m, _ := newManager(t, 30)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "client-a", nil)
	require.NoError(t, err)

	n, err := m.EvictIdle(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunEviction_StopsOnCancel(t *testing.T) {
	m, st := newManager(t, 30)
	m.evictionTick = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := m.GetOrCreate(ctx, "idle-client", nil)
	require.NoError(t, err)
	require.NoError(t, st.TouchSession(ctx, sess.ID, time.Now().UTC().Add(-2*time.Hour)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RunEviction(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(ctx, sess.ID); err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err = m.Get(ctx, sess.ID)
	assert.Error(t, err)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("eviction loop did not stop")
	}
}
