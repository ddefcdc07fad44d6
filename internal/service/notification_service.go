package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/events"
)

const (
	defaultBroadcastBuffer = 1024
	broadcastTimeout       = 5 * time.Second
)

// Publisher delivers payloads to real-time subscribers of a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// NotificationService forwards ticket events to the real-time broadcaster.
// Publishing is fire-and-forget: events are queued and dropped when the queue
// is full, so the ticket flow never waits on the broadcaster.
type NotificationService struct {
	dispatcher events.Dispatcher
	publisher  Publisher
	queue      chan events.Event
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, publisher Publisher, logger *zap.Logger, buffer int) *NotificationService {
	if buffer <= 0 {
		buffer = defaultBroadcastBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		publisher:  publisher,
		queue:      make(chan events.Event, buffer),
		logger:     logger,
	}
}

// RegisterHandlers subscribes to ticket events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventTicketCreated, n.enqueue)
	n.dispatcher.Subscribe(events.EventTicketUpdated, n.enqueue)
	n.dispatcher.Subscribe(events.EventTicketRemovedFromStatusList, n.enqueue)
}

func (n *NotificationService) enqueue(_ context.Context, event events.Event) error {
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("broadcast queue full; dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID))
	}
	return nil
}

// Run publishes queued events until ctx is done.
func (n *NotificationService) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			n.publish(ctx, event)
		}
	}
}

func (n *NotificationService) publish(ctx context.Context, event events.Event) {
	if n.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	if err := n.publisher.Publish(ctx, events.TenantTopic(event.TenantID), event); err != nil {
		n.logger.Warn("broadcast failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err))
	}
}
