package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatdesk-io/chatdesk/internal/config"
)

// SessionLookup resolves sessions by id.
type SessionLookup interface {
	Get(sessionID string) (Session, error)
}

// Sender delivers outbound messages with per-session rate limiting and
// bounded retries.
type Sender struct {
	sessions SessionLookup
	cfg      config.RouterConfig
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender builds a sender.
func NewSender(sessions SessionLookup, cfg config.RouterConfig, logger *zap.Logger) *Sender {
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = 3
	}
	return &Sender{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepContext,
	}
}

// Mark prefixes body with the echo marker unless it already carries it.
func Mark(body string) string {
	if strings.HasPrefix(body, EchoMarker) {
		return body
	}
	return EchoMarker + body
}

// SendText sends body to the recipient through the session, returning the channel
// message id.
func (s *Sender) SendText(ctx context.Context, sessionID string, to Recipient, body string) (string, error) {
	marked := Mark(body)
	return s.do(ctx, sessionID, to.IsGroup, func(ctx context.Context, session Session) (string, error) {
		return session.SendText(ctx, to, marked)
	})
}

// SendMedia sends an attachment, marking its caption.
func (s *Sender) SendMedia(ctx context.Context, sessionID string, to Recipient, media OutboundMedia) (string, error) {
	media.Caption = Mark(media.Caption)
	return s.do(ctx, sessionID, to.IsGroup, func(ctx context.Context, session Session) (string, error) {
		return session.SendMedia(ctx, to, media)
	})
}

func (s *Sender) do(ctx context.Context, sessionID string, isGroup bool, send func(context.Context, Session) (string, error)) (string, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	if err := s.limiter(sessionID).Wait(ctx); err != nil {
		return "", err
	}

	timeout := s.cfg.SendTimeout
	if isGroup && s.cfg.GroupSendTimeout > 0 {
		timeout = s.cfg.GroupSendTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.SendAttempts; attempt++ {
		id, err := s.attempt(ctx, session, timeout, send)
		if err == nil {
			return id, nil
		}
		lastErr = err
		s.logger.Warn("outbound send failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == s.cfg.SendAttempts {
			break
		}
		if err := s.sleep(ctx, s.cfg.SendBackoff*time.Duration(attempt)); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("send failed after %d attempts: %w", s.cfg.SendAttempts, lastErr)
}

func (s *Sender) attempt(ctx context.Context, session Session, timeout time.Duration, send func(context.Context, Session) (string, error)) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return send(ctx, session)
}

func (s *Sender) limiter(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		limit := rate.Inf
		if s.cfg.SendRatePerSecond > 0 {
			limit = rate.Limit(s.cfg.SendRatePerSecond)
		}
		burst := s.cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		s.limiters[sessionID] = l
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
