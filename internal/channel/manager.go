package channel

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// EventHandler processes one inbound event of a session.
type EventHandler interface {
	Handle(ctx context.Context, session Session, event domain.InboundEvent)
}

// Manager owns connected sessions and runs one listener goroutine per session.
// Events of a session are handled sequentially in arrival order.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession
	handler  EventHandler
	logger   *zap.Logger
	wg       sync.WaitGroup
}

type managedSession struct {
	session Session
	cancel  context.CancelFunc
}

// NewManager builds a manager dispatching events to handler.
func NewManager(handler EventHandler, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*managedSession),
		handler:  handler,
		logger:   logger,
	}
}

// SetHandler replaces the event handler. It must be called before Register.
func (m *Manager) SetHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Register starts listening to session. A session registered twice replaces
// the previous listener, and a different previous session is closed.
func (m *Manager) Register(ctx context.Context, session Session) {
	listenCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	prev, replaced := m.sessions[session.ID()]
	m.sessions[session.ID()] = &managedSession{session: session, cancel: cancel}
	handler := m.handler
	m.mu.Unlock()

	if replaced {
		prev.cancel()
		if prev.session != session {
			if err := prev.session.Close(); err != nil {
				m.logger.Warn("closing replaced channel session failed",
					zap.String("session_id", session.ID()), zap.Error(err))
			}
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.listen(listenCtx, session, handler)
	}()
	m.logger.Info("channel session registered",
		zap.String("session_id", session.ID()),
		zap.String("tenant_id", session.TenantID()),
	)
}

func (m *Manager) listen(ctx context.Context, session Session, handler EventHandler) {
	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				m.logger.Info("channel session event stream closed", zap.String("session_id", session.ID()))
				return
			}
			m.dispatch(ctx, session, handler, event)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, session Session, handler EventHandler, event domain.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while handling inbound event",
				zap.String("session_id", session.ID()),
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	handler.Handle(ctx, session, event)
}

// Get returns a registered session.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	managed, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return managed.session, nil
}

// ForTenant returns any registered session of the tenant.
func (m *Manager) ForTenant(tenantID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, managed := range m.sessions {
		if managed.session.TenantID() == tenantID {
			return managed.session, nil
		}
	}
	return nil, ErrSessionNotFound
}

// Unregister stops the listener of a session and closes it.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	managed, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	managed.cancel()
	if err := managed.session.Close(); err != nil {
		m.logger.Warn("closing channel session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Shutdown stops all listeners, closes sessions and waits for in-flight events.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unregister(id)
	}
	m.wg.Wait()
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
