package domain

import "time"

// MessageKind is the closed set of inbound payload kinds.
type MessageKind string

const (
	KindText         MessageKind = "text"
	KindImage        MessageKind = "image"
	KindVideo        MessageKind = "video"
	KindAudio        MessageKind = "audio"
	KindDocument     MessageKind = "document"
	KindLocation     MessageKind = "location"
	KindReaction     MessageKind = "reaction"
	KindSystem       MessageKind = "system"
	KindUnrecognized MessageKind = "unrecognized"
)

// HasMedia reports whether the kind carries a downloadable attachment.
func (k MessageKind) HasMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

// SystemKind distinguishes protocol noise.
type SystemKind string

const (
	SystemNone            SystemKind = ""
	SystemRevoke          SystemKind = "revoke"
	SystemStatusBroadcast SystemKind = "status_broadcast"
	SystemStub            SystemKind = "stub"
)

// MediaRef points at an attachment the session can download.
type MediaRef struct {
	MimeType string
	FileName string
	Caption  string
	// Handle is opaque to everything but the session that produced it.
	Handle any
}

// InboundEvent is a transport event normalized for the pipeline.
type InboundEvent struct {
	ID            string
	SessionID     string
	TenantID      string
	ChatAddress   string
	SenderAddress string
	SenderName    string
	IsGroup       bool
	FromMe        bool
	// OriginKnown is true when the transport reports FromMe structurally.
	OriginKnown bool
	Timestamp   time.Time
	Kind        MessageKind
	SystemKind  SystemKind
	Body        string
	Media       *MediaRef
}

// MessageDirection records who produced a message.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// DeliveryStatus tracks the outcome of an outbound send.
type DeliveryStatus string

const (
	DeliveryReceived DeliveryStatus = "received"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
)

// Message is a persisted conversation entry attached to a ticket.
type Message struct {
	ID             string
	TenantID       string
	TicketID       string
	ContactID      string
	ExternalID     string
	Direction      MessageDirection
	Kind           MessageKind
	Body           string
	MediaURL       string
	MediaType      string
	DeliveryStatus DeliveryStatus
	SentAt         time.Time
	CreatedAt      time.Time
}
