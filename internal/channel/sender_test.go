package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/config"
)

type staticLookup map[string]Session

func (l staticLookup) Get(id string) (Session, error) {
	s, ok := l[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func newTestSender(session *fakeSession) (*Sender, *[]time.Duration) {
	cfg := config.RouterConfig{
		SendAttempts:     3,
		SendBackoff:      time.Second,
		SendTimeout:      time.Second,
		GroupSendTimeout: 2 * time.Second,
	}
	s := NewSender(staticLookup{session.id: session}, cfg, zap.NewNop())
	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return s, &waits
}

func TestSenderMarksBody(t *testing.T) {
	session := newFakeSession("s1")
	sender, _ := newTestSender(session)

	id, err := sender.SendText(context.Background(), "s1", Recipient{Address: "5511999"}, "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if id != "msg-5511999" {
		t.Errorf("id = %q", id)
	}
	sent := session.sentMessages()
	if len(sent) != 1 || sent[0] != "5511999|"+EchoMarker+"hello" {
		t.Fatalf("sent = %q", sent)
	}

	if got := Mark(EchoMarker + "x"); strings.Count(got, EchoMarker) != 1 {
		t.Errorf("Mark should not double prefix: %q", got)
	}
}

func TestSenderRetriesWithIncreasingBackoff(t *testing.T) {
	session := newFakeSession("s1")
	session.failures = 2
	sender, waits := newTestSender(session)

	if _, err := sender.SendText(context.Background(), "s1", Recipient{Address: "a"}, "hi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Fatalf("backoff waits = %v", *waits)
	}
}

func TestSenderGivesUpAfterAttempts(t *testing.T) {
	session := newFakeSession("s1")
	session.failures = 5
	sender, waits := newTestSender(session)

	if _, err := sender.SendText(context.Background(), "s1", Recipient{Address: "a", IsGroup: true}, "hi"); err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if len(*waits) != 2 {
		t.Fatalf("expected 2 waits between 3 attempts, got %v", *waits)
	}
	if session.failures != 2 {
		t.Fatalf("expected exactly 3 attempts, remaining failures = %d", session.failures)
	}
}

func TestSenderUnknownSession(t *testing.T) {
	session := newFakeSession("s1")
	sender, _ := newTestSender(session)
	if _, err := sender.SendText(context.Background(), "missing", Recipient{Address: "a"}, "hi"); err != ErrSessionNotFound {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
