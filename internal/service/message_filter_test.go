package service

import (
	"testing"
	"time"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/domain"
)

func textEvent(body string, at time.Time) domain.InboundEvent {
	return domain.InboundEvent{
		ID:            "evt-1",
		SessionID:     "s1",
		TenantID:      "t1",
		ChatAddress:   "5511999990000@s.whatsapp.net",
		SenderAddress: "5511999990000@s.whatsapp.net",
		SenderName:    "Ana",
		OriginKnown:   true,
		Timestamp:     at,
		Kind:          domain.KindText,
		Body:          body,
	}
}

func TestMessageFilter(t *testing.T) {
	filter := NewMessageFilter(fixedClock, nil)
	started := testNow.Add(-time.Hour)

	cases := []struct {
		name    string
		event   func() domain.InboundEvent
		cfg     domain.TenantConfig
		started time.Time
		want    FilterDecision
	}{
		{
			name:  "fresh text is processed",
			event: func() domain.InboundEvent { return textEvent("hi", testNow.Add(-time.Minute)) },
			cfg:   testConfig(),
			want:  processDecision,
		},
		{
			name: "revocation is system noise",
			event: func() domain.InboundEvent {
				e := textEvent("", testNow)
				e.Kind = domain.KindSystem
				e.SystemKind = domain.SystemRevoke
				return e
			},
			cfg:  testConfig(),
			want: ignore(IgnoreSystem),
		},
		{
			name: "structural echo",
			event: func() domain.InboundEvent {
				e := textEvent("sent from phone", testNow)
				e.FromMe = true
				return e
			},
			cfg:  testConfig(),
			want: ignore(IgnoreEcho),
		},
		{
			name: "origin flag wins over marker",
			event: func() domain.InboundEvent {
				return textEvent(channel.EchoMarker+"looks like ours", testNow)
			},
			cfg:  testConfig(),
			want: processDecision,
		},
		{
			name: "marker echo when origin unknown",
			event: func() domain.InboundEvent {
				e := textEvent(channel.EchoMarker+"Hello!", testNow)
				e.OriginKnown = false
				return e
			},
			cfg:  testConfig(),
			want: ignore(IgnoreEcho),
		},
		{
			name: "blocked group",
			event: func() domain.InboundEvent {
				e := textEvent("hi all", testNow)
				e.IsGroup = true
				return e
			},
			cfg:  testConfig(func(c *domain.TenantConfig) { c.GroupPolicy = domain.GroupPolicyBlock }),
			want: ignore(IgnoreGroupBlocked),
		},
		{
			name:  "ten day old message with seven day window",
			event: func() domain.InboundEvent { return textEvent("old", testNow.Add(-10*24*time.Hour)) },
			cfg:   testConfig(),
			want:  ignore(IgnoreStaleHistory),
		},
		{
			name:  "ten day old message with fourteen day window",
			event: func() domain.InboundEvent { return textEvent("old", testNow.Add(-10*24*time.Hour)) },
			cfg:   testConfig(func(c *domain.TenantConfig) { c.HistoryWindow = 14 * 24 * time.Hour }),
			want:  processDecision,
		},
		{
			name:    "backlog before session start",
			event:   func() domain.InboundEvent { return textEvent("queued offline", started.Add(-2*time.Minute)) },
			cfg:     testConfig(),
			started: started,
			want:    ignore(IgnoreSessionBacklog),
		},
		{
			name:    "inside session margin",
			event:   func() domain.InboundEvent { return textEvent("just before", started.Add(-10*time.Second)) },
			cfg:     testConfig(),
			started: started,
			want:    processDecision,
		},
		{
			name:    "unknown session start disables backlog rule",
			event:   func() domain.InboundEvent { return textEvent("queued offline", started.Add(-2*time.Minute)) },
			cfg:     testConfig(),
			started: time.Time{},
			want:    processDecision,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := filter.ShouldProcess(tc.event(), tc.started, tc.cfg)
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestMessageFilterRulesInOrder(t *testing.T) {
	filter := NewMessageFilter(fixedClock, nil)
	e := textEvent("old echo", testNow.Add(-30*24*time.Hour))
	e.FromMe = true

	got := filter.ShouldProcess(e, time.Time{}, testConfig())
	if got.Reason != IgnoreEcho {
		t.Fatalf("expected echo to win over stale history, got %s", got.Reason)
	}
}
