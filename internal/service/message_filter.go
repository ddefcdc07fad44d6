package service

import (
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// IgnoreReason explains why an inbound event was dropped.
type IgnoreReason string

const (
	IgnoreSystem         IgnoreReason = "system"
	IgnoreEcho           IgnoreReason = "echo"
	IgnoreGroupBlocked   IgnoreReason = "group_blocked"
	IgnoreStaleHistory   IgnoreReason = "stale_history"
	IgnoreSessionBacklog IgnoreReason = "session_backlog"
)

// FilterDecision is the outcome of ShouldProcess.
type FilterDecision struct {
	Process bool
	Reason  IgnoreReason
}

var processDecision = FilterDecision{Process: true}

func ignore(reason IgnoreReason) FilterDecision {
	return FilterDecision{Reason: reason}
}

// MessageFilter classifies inbound events as signal or noise. It has no side
// effects and fails open.
type MessageFilter struct {
	now    func() time.Time
	logger *zap.Logger
}

// NewMessageFilter builds a filter using now as its clock.
func NewMessageFilter(now func() time.Time, logger *zap.Logger) *MessageFilter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageFilter{now: now, logger: logger}
}

type filterRule func(event domain.InboundEvent, sessionStartedAt time.Time, cfg domain.TenantConfig, now time.Time) (IgnoreReason, bool)

var filterRules = []filterRule{
	systemRule,
	echoRule,
	groupPolicyRule,
	historyWindowRule,
	sessionBacklogRule,
}

// ShouldProcess applies the rules in order; the first match wins.
func (f *MessageFilter) ShouldProcess(event domain.InboundEvent, sessionStartedAt time.Time, cfg domain.TenantConfig) FilterDecision {
	now := f.now()
	for _, rule := range filterRules {
		reason, matched := f.evaluate(rule, event, sessionStartedAt, cfg, now)
		if matched {
			return ignore(reason)
		}
	}
	return processDecision
}

func (f *MessageFilter) evaluate(rule filterRule, event domain.InboundEvent, sessionStartedAt time.Time, cfg domain.TenantConfig, now time.Time) (reason IgnoreReason, matched bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("message filter rule panicked; processing event",
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			reason, matched = "", false
		}
	}()
	return rule(event, sessionStartedAt, cfg, now)
}

func systemRule(event domain.InboundEvent, _ time.Time, _ domain.TenantConfig, _ time.Time) (IgnoreReason, bool) {
	return IgnoreSystem, event.Kind == domain.KindSystem || event.SystemKind != domain.SystemNone
}

// echoRule prefers the transport's origin flag and only falls back to the
// outbound marker when the origin is unknown.
func echoRule(event domain.InboundEvent, _ time.Time, _ domain.TenantConfig, _ time.Time) (IgnoreReason, bool) {
	if event.OriginKnown {
		return IgnoreEcho, event.FromMe
	}
	return IgnoreEcho, strings.HasPrefix(event.Body, channel.EchoMarker)
}

func groupPolicyRule(event domain.InboundEvent, _ time.Time, cfg domain.TenantConfig, _ time.Time) (IgnoreReason, bool) {
	return IgnoreGroupBlocked, event.IsGroup && cfg.BlocksGroups()
}

func historyWindowRule(event domain.InboundEvent, _ time.Time, cfg domain.TenantConfig, now time.Time) (IgnoreReason, bool) {
	if event.Timestamp.IsZero() || cfg.HistoryWindow <= 0 {
		return IgnoreStaleHistory, false
	}
	return IgnoreStaleHistory, event.Timestamp.Before(now.Add(-cfg.HistoryWindow))
}

func sessionBacklogRule(event domain.InboundEvent, sessionStartedAt time.Time, cfg domain.TenantConfig, _ time.Time) (IgnoreReason, bool) {
	if sessionStartedAt.IsZero() || event.Timestamp.IsZero() {
		return IgnoreSessionBacklog, false
	}
	return IgnoreSessionBacklog, event.Timestamp.Before(sessionStartedAt.Add(-cfg.SessionMargin))
}
