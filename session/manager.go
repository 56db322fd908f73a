package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/revo-live/config"
	"github.com/room4-2/revo-live/functions"
	"github.com/room4-2/revo-live/live"
	"github.com/room4-2/revo-live/observe"
)

const (
	cleanupInterval = time.Minute
	redisTimeout    = 2 * time.Second
)

// ErrMaxSessions is returned by CreateSession when the server is full.
var ErrMaxSessions = errors.New("session: maximum sessions reached")

// Manager manages all client sessions and guarantees a vehicle is live in
// at most one of them.
type Manager struct {
	sessions map[string]*ClientSession
	claims   map[string]*ClientSession // vehicle id -> live holder
	mu       sync.RWMutex

	redis   *redis.Client
	config  *config.Config
	dialer  live.Dialer
	writer  InstructionWriter
	toolbox *live.Toolbox
	metrics *observe.Metrics
	logger  *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRedis mirrors sessions and claims into rdb. A nil client disables the
// mirror.
func WithRedis(rdb *redis.Client) ManagerOption {
	return func(m *Manager) { m.redis = rdb }
}

// WithLogger sets the manager logger; sessions derive theirs from it.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the instruments handed to every engine.
func WithMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a session manager. The writer may be nil, in which case
// vehicles without a stored instruction get FallbackInstruction.
func NewManager(cfg *config.Config, dialer live.Dialer, writer InstructionWriter, opts ...ManagerOption) *Manager {
	tb := live.NewToolbox()
	functions.Register(tb)

	m := &Manager{
		sessions: make(map[string]*ClientSession),
		claims:   make(map[string]*ClientSession),
		config:   cfg,
		dialer:   dialer,
		writer:   writer,
		toolbox:  tb,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// ConnectRedis returns a client for cfg, or nil when Redis does not answer.
func ConnectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, session registry is in-memory only", "addr", cfg.RedisURL, "error", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// CreateSession creates a new client session
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	session := newClientSession(sessionID, clientConn, sm)
	sm.sessions[sessionID] = session
	sm.storeSession(ctx, session)
	return session, nil
}

// storeSession mirrors a session into Redis.
func (sm *Manager) storeSession(ctx context.Context, session *ClientSession) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	key := "session:" + session.ID
	pipe := sm.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"created_at":    session.CreatedAt.Format(time.RFC3339),
		"last_activity": session.LastActivity().Format(time.RFC3339),
		"status":        "active",
		"vehicle_id":    session.VehicleID(),
	})
	pipe.SAdd(ctx, "active_sessions", session.ID)
	pipe.Expire(ctx, key, sm.config.SessionTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.logger.Warn("redis store session", "session_id", shortID(session.ID), "error", err)
	}
}

// touchSession refreshes the mirrored vehicle binding and activity.
func (sm *Manager) touchSession(session *ClientSession) {
	sm.storeSession(context.Background(), session)
}

// claim makes session the live holder of vehicleID. A previous holder is
// evicted.
func (sm *Manager) claim(vehicleID string, session *ClientSession) {
	sm.mu.Lock()
	prev := sm.claims[vehicleID]
	sm.claims[vehicleID] = session
	sm.mu.Unlock()

	if prev != nil && prev != session {
		prev.evict(vehicleID)
	}

	if sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		if err := sm.redis.Set(ctx, "vehicle:"+vehicleID, session.ID, sm.config.SessionTimeout).Err(); err != nil {
			sm.logger.Warn("redis claim vehicle", "vehicle_id", vehicleID, "error", err)
		}
	}
}

// release drops session's claim on vehicleID, if it still holds it.
func (sm *Manager) release(vehicleID string, session *ClientSession) {
	sm.mu.Lock()
	held := sm.claims[vehicleID] == session
	if held {
		delete(sm.claims, vehicleID)
	}
	sm.mu.Unlock()

	if held && sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		if err := sm.redis.Del(ctx, "vehicle:"+vehicleID).Err(); err != nil {
			sm.logger.Warn("redis release vehicle", "vehicle_id", vehicleID, "error", err)
		}
	}
}

// Holder returns the session holding the live claim on vehicleID.
func (sm *Manager) Holder(vehicleID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.claims[vehicleID]
	return s, ok
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	if !exists {
		return nil
	}

	_ = session.Close()
	sm.forget(ctx, sessionID)
	return nil
}

func (sm *Manager) forget(ctx context.Context, sessionID string) {
	if sm.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	pipe := sm.redis.TxPipeline()
	pipe.Del(ctx, "session:"+sessionID)
	pipe.SRem(ctx, "active_sessions", sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		sm.logger.Warn("redis remove session", "session_id", shortID(sessionID), "error", err)
	}
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	now := time.Now()

	sm.mu.Lock()
	var stale []*ClientSession
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			stale = append(stale, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range stale {
		sm.logger.Info("closing inactive session", "session_id", shortID(session.ID))
		_ = session.Close()
		sm.forget(ctx, session.ID)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions. It
// returns when ctx is done.
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*ClientSession, 0, len(sm.sessions))
	for id, session := range sm.sessions {
		sessions = append(sessions, session)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, session := range sessions {
		_ = session.Close()
		sm.forget(context.Background(), session.ID)
	}

	if sm.redis != nil {
		_ = sm.redis.Close()
	}
}
