// Package whatsapp implements channel sessions on top of whatsmeow devices.
package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/domain"
)

const channelName = "whatsapp"

// Session is a connected whatsmeow client bound to a tenant.
type Session struct {
	id       string
	tenantID string
	client   *whatsmeow.Client
	events   chan domain.InboundEvent
	done     chan struct{}
	logger   *zap.Logger

	mu        sync.RWMutex
	startedAt time.Time
	handlerID uint32
	closeOnce sync.Once
}

var _ channel.Session = (*Session)(nil)

func newSession(id, tenantID string, client *whatsmeow.Client, buffer int, logger *zap.Logger) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Session{
		id:       id,
		tenantID: tenantID,
		client:   client,
		events:   make(chan domain.InboundEvent, buffer),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("session_id", id), zap.String("tenant_id", tenantID)),
	}
	s.handlerID = client.AddEventHandler(s.onEvent)
	return s
}

func (s *Session) ID() string       { return s.id }
func (s *Session) TenantID() string { return s.tenantID }
func (s *Session) Channel() string  { return channelName }

// StartedAt is the time the client last connected.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *Session) Events() <-chan domain.InboundEvent {
	return s.events
}

func (s *Session) onEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		s.mu.Lock()
		if s.startedAt.IsZero() {
			s.startedAt = time.Now()
		}
		s.mu.Unlock()
		s.logger.Info("whatsapp session connected")
	case *events.Disconnected:
		s.logger.Warn("whatsapp session disconnected")
	case *events.LoggedOut:
		s.logger.Error("whatsapp session logged out; pairing required", zap.String("reason", evt.Reason.String()))
	case *events.Message:
		s.push(mapMessage(s.id, s.tenantID, evt))
	}
}

// push blocks while the listener is behind so events keep their order.
func (s *Session) push(event domain.InboundEvent) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

func (s *Session) SendText(ctx context.Context, to channel.Recipient, body string) (string, error) {
	jid, err := parseJID(to.Address, to.IsGroup)
	if err != nil {
		return "", err
	}
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *Session) SendMedia(ctx context.Context, to channel.Recipient, media channel.OutboundMedia) (string, error) {
	jid, err := parseJID(to.Address, to.IsGroup)
	if err != nil {
		return "", err
	}
	mediaType := uploadType(media.MimeType)
	uploaded, err := s.client.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}

	msg := &waE2E.Message{}
	switch mediaType {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			Caption:       optional(media.Caption),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			Caption:       optional(media.Caption),
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
		}
	default:
		fileName := media.FileName
		if fileName == "" {
			fileName = "attachment"
		}
		msg.DocumentMessage = &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
			Mimetype:      proto.String(media.MimeType),
			FileName:      proto.String(fileName),
			Caption:       optional(media.Caption),
		}
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (s *Session) FetchGroupMetadata(ctx context.Context, address string) (channel.GroupMetadata, error) {
	jid, err := parseJID(address, true)
	if err != nil {
		return channel.GroupMetadata{}, err
	}
	info, err := s.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return channel.GroupMetadata{}, err
	}
	return channel.GroupMetadata{
		Address:      jid.User,
		Name:         info.Name,
		Participants: len(info.Participants),
	}, nil
}

// FetchProfilePicture returns an empty URL when the contact has no picture
// or hides it.
func (s *Session) FetchProfilePicture(ctx context.Context, who channel.Recipient) (string, error) {
	jid, err := parseJID(who.Address, who.IsGroup)
	if err != nil {
		return "", err
	}
	info, err := s.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (s *Session) DownloadMedia(ctx context.Context, ref *domain.MediaRef) ([]byte, error) {
	if ref == nil {
		return nil, fmt.Errorf("nil media reference")
	}
	downloadable, ok := ref.Handle.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("media reference %T is not downloadable", ref.Handle)
	}
	return s.client.Download(ctx, downloadable)
}

// Close detaches the event handler and disconnects the client.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.RemoveEventHandler(s.handlerID)
		s.client.Disconnect()
	})
	return nil
}

func uploadType(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
