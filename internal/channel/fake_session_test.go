package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

type fakeSession struct {
	id       string
	tenantID string
	events   chan domain.InboundEvent

	mu       sync.Mutex
	sent     []string
	failures int
	closed   bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, tenantID: "t1", events: make(chan domain.InboundEvent, 16)}
}

func (f *fakeSession) ID() string                         { return f.id }
func (f *fakeSession) TenantID() string                   { return f.tenantID }
func (f *fakeSession) StartedAt() time.Time               { return time.Time{} }
func (f *fakeSession) Events() <-chan domain.InboundEvent { return f.events }

func (f *fakeSession) SendText(_ context.Context, to Recipient, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New("connection dropped")
	}
	f.sent = append(f.sent, to.Address+"|"+body)
	return "msg-" + to.Address, nil
}

func (f *fakeSession) SendMedia(ctx context.Context, to Recipient, media OutboundMedia) (string, error) {
	return f.SendText(ctx, to, media.Caption)
}

func (f *fakeSession) FetchGroupMetadata(context.Context, string) (GroupMetadata, error) {
	return GroupMetadata{}, nil
}

func (f *fakeSession) FetchProfilePicture(context.Context, Recipient) (string, error) { return "", nil }

func (f *fakeSession) DownloadMedia(context.Context, *domain.MediaRef) ([]byte, error) {
	return nil, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
