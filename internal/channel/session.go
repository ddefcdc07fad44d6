// Package channel connects chat transport sessions to the inbound pipeline
// and delivers outbound messages through them.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// EchoMarker prefixes every outbound body so the system can recognize its own
// messages when the transport does not report their origin.
const EchoMarker = "\u200e"

// ErrSessionNotFound is returned when no connected session has the given id.
var ErrSessionNotFound = errors.New("channel session not found")

// OutboundMedia is an attachment to send.
type OutboundMedia struct {
	Data     []byte
	MimeType string
	FileName string
	Caption  string
}

// Recipient is a normalized destination address.
type Recipient struct {
	Address string
	IsGroup bool
}

// GroupMetadata describes a group conversation.
type GroupMetadata struct {
	Address      string
	Name         string
	Participants int
}

// Session is one connected transport account.
type Session interface {
	ID() string
	TenantID() string
	// StartedAt is the zero time when the session start is unknown.
	StartedAt() time.Time
	Events() <-chan domain.InboundEvent
	SendText(ctx context.Context, to Recipient, body string) (string, error)
	SendMedia(ctx context.Context, to Recipient, media OutboundMedia) (string, error)
	FetchGroupMetadata(ctx context.Context, address string) (GroupMetadata, error)
	FetchProfilePicture(ctx context.Context, who Recipient) (string, error)
	DownloadMedia(ctx context.Context, ref *domain.MediaRef) ([]byte, error)
	Close() error
}
