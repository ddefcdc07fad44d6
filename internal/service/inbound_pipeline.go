package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/observability"
	"github.com/chatdesk-io/chatdesk/internal/repository"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

// Outcome is the result of handling one inbound event.
type Outcome string

const (
	OutcomeProcessed   Outcome = "processed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeRating      Outcome = "rating"
	OutcomeAbandoned   Outcome = "abandoned"
	OutcomeFailed      Outcome = "failed"
)

func ignoredOutcome(reason IgnoreReason) Outcome {
	return Outcome("ignored:" + string(reason))
}

// MediaSaver stores downloaded attachments and returns their public URL.
type MediaSaver interface {
	Save(ctx context.Context, tenantID, fileName, mimeType string, data []byte) (string, error)
}

// InboundPipeline turns transport events into ticket messages. It implements
// channel.EventHandler.
type InboundPipeline struct {
	tenants   TenantConfigSource
	filter    *MessageFilter
	receipts  repository.ReceiptRepository
	contacts  *ContactResolver
	lifecycle *TicketLifecycleManager
	rating    *RatingTracker
	router    *ConversationRouter
	tickets   repository.TicketRepository
	messages  repository.MessageRepository
	media     MediaSaver
	events    ticketEvents
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// PipelineDependencies bundles collaborators of InboundPipeline.
type PipelineDependencies struct {
	Tenants     TenantConfigSource
	Filter      *MessageFilter
	ReceiptRepo repository.ReceiptRepository
	Contacts    *ContactResolver
	Lifecycle   *TicketLifecycleManager
	Rating      *RatingTracker
	Router      *ConversationRouter
	TicketRepo  repository.TicketRepository
	MessageRepo repository.MessageRepository
	Media       MediaSaver
	Dispatcher  events.Dispatcher
	Projector   *Projector
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// NewInboundPipeline constructs the pipeline.
func NewInboundPipeline(deps PipelineDependencies) *InboundPipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboundPipeline{
		tenants:   deps.Tenants,
		filter:    deps.Filter,
		receipts:  deps.ReceiptRepo,
		contacts:  deps.Contacts,
		lifecycle: deps.Lifecycle,
		rating:    deps.Rating,
		router:    deps.Router,
		tickets:   deps.TicketRepo,
		messages:  deps.MessageRepo,
		media:     deps.Media,
		events:    newTicketEvents(deps.Dispatcher, deps.Projector, deps.Now),
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// Handle processes one event. Errors and panics are logged and never
// propagate to the session listener.
func (p *InboundPipeline) Handle(ctx context.Context, session channel.Session, event domain.InboundEvent) {
	outcome := OutcomeFailed
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeFailed
			p.logger.Error("inbound handler panicked",
				zap.String("session_id", session.ID()),
				zap.String("event_id", event.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		p.metrics.RecordInbound(string(outcome))
	}()

	var err error
	outcome, err = p.Process(ctx, session, event)
	switch {
	case err == nil:
		p.logger.Debug("inbound event handled",
			zap.String("session_id", session.ID()),
			zap.String("event_id", event.ID),
			zap.String("outcome", string(outcome)),
		)
	case apperrors.IsPoison(err):
		outcome = OutcomeAbandoned
		p.logger.Error("abandoning inbound event",
			zap.String("session_id", session.ID()),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	default:
		outcome = OutcomeFailed
		p.logger.Error("inbound event failed",
			zap.String("session_id", session.ID()),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// Process runs the pipeline for one event and reports what happened.
func (p *InboundPipeline) Process(ctx context.Context, session channel.Session, event domain.InboundEvent) (Outcome, error) {
	if event.TenantID == "" {
		event.TenantID = session.TenantID()
	}
	if event.SessionID == "" {
		event.SessionID = session.ID()
	}

	cfg, err := p.tenants.Resolve(ctx, event.TenantID)
	if err != nil {
		return OutcomeFailed, err
	}

	if decision := p.filter.ShouldProcess(event, session.StartedAt(), cfg); !decision.Process {
		return ignoredOutcome(decision.Reason), nil
	}

	if !conversational(event.Kind) {
		return OutcomeUnsupported, nil
	}

	// without a message id there is nothing to deduplicate on
	if event.ID == "" {
		p.logger.Warn("inbound event without message id; processing without dedup",
			zap.String("tenant_id", event.TenantID),
			zap.String("session_id", event.SessionID))
	} else {
		claimed, err := p.receipts.Claim(ctx, event.SessionID, event.ID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("claim receipt: %w", err)
		}
		if !claimed {
			return OutcomeDuplicate, nil
		}
	}

	sender, ticketContact, err := p.resolveContacts(ctx, session, event)
	if err != nil {
		return OutcomeFailed, classifyStoreError(err)
	}

	found, err := p.lifecycle.FindOrCreate(ctx, ticketContact, TicketSource{SessionID: event.SessionID, Channel: channelName(session)}, cfg)
	if err != nil {
		return OutcomeFailed, err
	}
	ticket := found.Ticket

	if p.rating != nil && !event.IsGroup {
		consumed, err := p.rating.HandleReply(ctx, event, ticket, found.Tracking, cfg)
		if err != nil {
			return OutcomeFailed, err
		}
		if consumed {
			return OutcomeRating, nil
		}
	}

	msg := p.buildMessage(ctx, session, event, ticket, sender)
	if err := p.messages.Create(ctx, msg); err != nil {
		return OutcomeFailed, classifyStoreError(err)
	}
	preview := messagePreview(msg)
	if err := p.tickets.TouchInbound(ctx, ticket.ID, preview); err != nil {
		return OutcomeFailed, err
	}
	ticket.UnreadCount++
	ticket.LastMessage = preview
	p.events.updated(ctx, ticket)

	if p.shouldRoute(ticket, cfg) {
		if _, err := p.router.Route(ctx, ticket, event.Body, cfg); err != nil {
			return OutcomeFailed, fmt.Errorf("route ticket: %w", err)
		}
	}
	return OutcomeProcessed, nil
}

// resolveContacts returns the sender and the contact the ticket attaches to.
// For groups the latter is the group itself.
func (p *InboundPipeline) resolveContacts(ctx context.Context, session channel.Session, event domain.InboundEvent) (*domain.Contact, *domain.Contact, error) {
	senderAddress := event.SenderAddress
	if senderAddress == "" {
		senderAddress = event.ChatAddress
	}
	sender, err := p.contacts.Resolve(ctx, session, senderAddress, event.SenderName, false, event.TenantID)
	if err != nil {
		return nil, nil, err
	}
	if !event.IsGroup {
		return sender, sender, nil
	}
	group, err := p.contacts.ResolveGroup(ctx, session, event.ChatAddress, event.TenantID)
	if err != nil {
		return nil, nil, err
	}
	return sender, group, nil
}

// buildMessage downloads media when present. A failed download is stored as
// an empty text stub.
func (p *InboundPipeline) buildMessage(ctx context.Context, session channel.Session, event domain.InboundEvent, ticket *domain.Ticket, sender *domain.Contact) *domain.Message {
	msg := &domain.Message{
		TenantID:       ticket.TenantID,
		TicketID:       ticket.ID,
		ContactID:      sender.ID,
		ExternalID:     event.ID,
		Direction:      domain.DirectionInbound,
		Kind:           event.Kind,
		Body:           event.Body,
		DeliveryStatus: domain.DeliveryReceived,
		SentAt:         event.Timestamp,
	}
	if !event.Kind.HasMedia() {
		return msg
	}

	url, err := p.saveMedia(ctx, session, event)
	if err != nil {
		p.logger.Warn("media unavailable; storing text stub",
			zap.String("event_id", event.ID),
			zap.String("ticket_id", ticket.ID),
			zap.Error(err),
		)
		msg.Kind = domain.KindText
		msg.Body = ""
		return msg
	}
	msg.MediaURL = url
	msg.MediaType = event.Media.MimeType
	if msg.Body == "" {
		msg.Body = event.Media.Caption
	}
	return msg
}

func (p *InboundPipeline) saveMedia(ctx context.Context, session channel.Session, event domain.InboundEvent) (string, error) {
	if event.Media == nil {
		return "", fmt.Errorf("%s message without media reference", event.Kind)
	}
	if p.media == nil {
		return "", fmt.Errorf("no media store configured")
	}
	data, err := session.DownloadMedia(ctx, event.Media)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	return p.media.Save(ctx, event.TenantID, event.Media.FileName, event.Media.MimeType, data)
}

// shouldRoute reports whether the message is menu input.
func (p *InboundPipeline) shouldRoute(ticket *domain.Ticket, cfg domain.TenantConfig) bool {
	if p.router == nil || ticket.IsGroup || ticket.AgentID != nil || !cfg.AutomationEnabled {
		return false
	}
	if ticket.Status != domain.TicketStatusPending {
		return false
	}
	return ticket.QueueID == nil || ticket.ChatbotActive
}

func conversational(kind domain.MessageKind) bool {
	switch kind {
	case domain.KindText, domain.KindLocation, domain.KindImage, domain.KindVideo, domain.KindAudio, domain.KindDocument:
		return true
	case domain.KindReaction, domain.KindSystem, domain.KindUnrecognized:
		return false
	}
	return false
}

func messagePreview(msg *domain.Message) string {
	if body := strings.TrimSpace(msg.Body); body != "" {
		return body
	}
	if msg.MediaURL != "" {
		return "[" + string(msg.Kind) + "]"
	}
	return ""
}

func channelName(session channel.Session) string {
	if named, ok := session.(interface{ Channel() string }); ok {
		return named.Channel()
	}
	return "whatsapp"
}
