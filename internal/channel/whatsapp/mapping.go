package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

// mapMessage normalizes a whatsmeow message event. The media handle is the
// downloadable sub-message itself.
func mapMessage(sessionID, tenantID string, evt *events.Message) domain.InboundEvent {
	info := evt.Info
	out := domain.InboundEvent{
		ID:            string(info.ID),
		SessionID:     sessionID,
		TenantID:      tenantID,
		ChatAddress:   info.Chat.String(),
		SenderAddress: info.Sender.ToNonAD().String(),
		SenderName:    info.PushName,
		IsGroup:       info.IsGroup,
		FromMe:        info.IsFromMe,
		OriginKnown:   true,
		Timestamp:     info.Timestamp,
	}

	if info.Chat == types.StatusBroadcastJID {
		out.Kind = domain.KindSystem
		out.SystemKind = domain.SystemStatusBroadcast
		return out
	}

	msg := evt.Message
	if msg == nil {
		out.Kind = domain.KindSystem
		out.SystemKind = domain.SystemStub
		return out
	}

	switch {
	case msg.GetProtocolMessage() != nil:
		out.Kind = domain.KindSystem
		out.SystemKind = domain.SystemStub
		if msg.GetProtocolMessage().GetType() == waE2E.ProtocolMessage_REVOKE {
			out.SystemKind = domain.SystemRevoke
		}
	case msg.GetConversation() != "":
		out.Kind = domain.KindText
		out.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		out.Kind = domain.KindText
		out.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		out.Kind = domain.KindImage
		out.Body = img.GetCaption()
		out.Media = &domain.MediaRef{MimeType: img.GetMimetype(), Caption: img.GetCaption(), Handle: img}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		out.Kind = domain.KindVideo
		out.Body = vid.GetCaption()
		out.Media = &domain.MediaRef{MimeType: vid.GetMimetype(), Caption: vid.GetCaption(), Handle: vid}
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		out.Kind = domain.KindAudio
		out.Media = &domain.MediaRef{MimeType: aud.GetMimetype(), Handle: aud}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		out.Kind = domain.KindDocument
		out.Body = doc.GetCaption()
		out.Media = &domain.MediaRef{
			MimeType: doc.GetMimetype(),
			FileName: doc.GetFileName(),
			Caption:  doc.GetCaption(),
			Handle:   doc,
		}
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		out.Kind = domain.KindLocation
		out.Body = formatLocation(loc)
	case msg.GetReactionMessage() != nil:
		out.Kind = domain.KindReaction
		out.Body = msg.GetReactionMessage().GetText()
	case isEmpty(msg):
		out.Kind = domain.KindSystem
		out.SystemKind = domain.SystemStub
	default:
		out.Kind = domain.KindUnrecognized
	}
	return out
}

func formatLocation(loc *waE2E.LocationMessage) string {
	coords := fmt.Sprintf("geo:%.6f,%.6f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())
	label := strings.TrimSpace(strings.Join([]string{loc.GetName(), loc.GetAddress()}, " "))
	if label == "" {
		return coords
	}
	return label + "\n" + coords
}

// isEmpty reports whether the envelope carries no payload at all, which is
// what key distribution and sender-key stubs look like after decryption.
func isEmpty(msg *waE2E.Message) bool {
	if msg.GetSenderKeyDistributionMessage() != nil || msg.GetMessageContextInfo() != nil {
		return msg.GetConversation() == "" &&
			msg.GetStickerMessage() == nil &&
			msg.GetContactMessage() == nil &&
			msg.GetPollCreationMessage() == nil
	}
	return false
}

// parseJID turns a normalized address or a raw JID into a JID.
func parseJID(address string, isGroup bool) (types.JID, error) {
	if strings.Contains(address, "@") {
		return types.ParseJID(address)
	}
	if address == "" {
		return types.JID{}, fmt.Errorf("empty address")
	}
	if isGroup {
		return types.NewJID(address, types.GroupServer), nil
	}
	return types.NewJID(strings.TrimPrefix(address, "+"), types.DefaultUserServer), nil
}
