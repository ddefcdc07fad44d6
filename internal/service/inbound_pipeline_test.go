package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

type pipelineFixture struct {
	tickets    *fakeTickets
	contacts   *fakeContacts
	messages   *fakeMessages
	receipts   *fakeReceipts
	notifier   *fakeNotifier
	media      *fakeMediaSaver
	tenants    *staticTenants
	dispatcher *recordingDispatcher
	session    *testSession
	scheduled  int
	pipeline   *InboundPipeline
}

func newPipelineFixture(mutate ...func(*domain.TenantConfig)) *pipelineFixture {
	f := &pipelineFixture{
		tickets:    newFakeTickets(),
		contacts:   newFakeContacts(),
		messages:   &fakeMessages{},
		receipts:   &fakeReceipts{},
		notifier:   &fakeNotifier{},
		media:      &fakeMediaSaver{},
		tenants:    &staticTenants{cfg: testConfig(mutate...)},
		dispatcher: &recordingDispatcher{},
		session:    newTestSession(),
	}
	queues := menuFixture()
	rating := NewRatingTracker(RatingDependencies{
		TicketRepo: f.tickets,
		Tenants:    f.tenants,
		Notifier:   f.notifier,
		Schedule:   func(time.Duration, func()) { f.scheduled++ },
		Now:        fixedClock,
	})
	lifecycle := NewTicketLifecycleManager(LifecycleDependencies{
		TicketRepo: f.tickets,
		AgentRepo:  &fakeAgents{},
		QueueRepo:  queues,
		Tenants:    f.tenants,
		Rating:     rating,
		Notifier:   f.notifier,
		Dispatcher: f.dispatcher,
		Now:        fixedClock,
	})
	rating.SetCloser(lifecycle)
	router := NewConversationRouter(RouterDependencies{
		QueueRepo: queues,
		Applier:   lifecycle,
		Notifier:  f.notifier,
		Now:       fixedClock,
	})
	f.pipeline = NewInboundPipeline(PipelineDependencies{
		Tenants:     f.tenants,
		Filter:      NewMessageFilter(fixedClock, nil),
		ReceiptRepo: f.receipts,
		Contacts:    NewContactResolver(f.contacts, nil),
		Lifecycle:   lifecycle,
		Rating:      rating,
		Router:      router,
		TicketRepo:  f.tickets,
		MessageRepo: f.messages,
		Media:       f.media,
		Dispatcher:  f.dispatcher,
		Now:         fixedClock,
	})
	return f
}

func inbound(id, body string) domain.InboundEvent {
	evt := textEvent(body, testNow.Add(-time.Minute))
	evt.ID = id
	return evt
}

func (f *pipelineFixture) process(t *testing.T, evt domain.InboundEvent) Outcome {
	t.Helper()
	outcome, err := f.pipeline.Process(context.Background(), f.session, evt)
	if err != nil {
		t.Fatalf("process %s: %v", evt.ID, err)
	}
	return outcome
}

func TestPipelineCreatesTicketAndPresentsMenu(t *testing.T) {
	f := newPipelineFixture()

	if got := f.process(t, inbound("e1", "hello")); got != OutcomeProcessed {
		t.Fatalf("unexpected outcome %s", got)
	}
	if f.contacts.count() != 1 {
		t.Fatalf("expected one contact, got %d", f.contacts.count())
	}
	tickets := f.tickets.all()
	if len(tickets) != 1 || tickets[0].Status != domain.TicketStatusPending || tickets[0].Channel != "whatsapp" {
		t.Fatalf("unexpected tickets %+v", tickets)
	}
	if tickets[0].UnreadCount != 1 || tickets[0].LastMessage != "hello" {
		t.Fatalf("ticket not touched: %+v", tickets[0])
	}
	stored := f.messages.byDirection(domain.DirectionInbound)
	if len(stored) != 1 || stored[0].Body != "hello" || stored[0].ExternalID != "e1" {
		t.Fatalf("unexpected messages %+v", stored)
	}
	bodies := f.notifier.bodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "*1* - Sales") {
		t.Fatalf("expected queue menu, got %q", bodies)
	}

	if got := f.process(t, inbound("e2", "1")); got != OutcomeProcessed {
		t.Fatalf("unexpected outcome %s", got)
	}
	tickets = f.tickets.all()
	if len(tickets) != 1 {
		t.Fatalf("second message must reuse the ticket, got %d tickets", len(tickets))
	}
	if tickets[0].QueueID == nil || *tickets[0].QueueID != "q-sales" || !tickets[0].ChatbotActive {
		t.Fatalf("queue choice not applied: %+v", tickets[0])
	}
}

func TestPipelineDropsDuplicatesAndEchoes(t *testing.T) {
	f := newPipelineFixture()
	f.process(t, inbound("e1", "hello"))

	if got := f.process(t, inbound("e1", "hello")); got != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", got)
	}

	echo := inbound("e2", "sent from the phone")
	echo.FromMe = true
	if got := f.process(t, echo); got != ignoredOutcome(IgnoreEcho) {
		t.Fatalf("expected echo, got %s", got)
	}
	if n := len(f.messages.byDirection(domain.DirectionInbound)); n != 1 {
		t.Fatalf("expected one stored message, got %d", n)
	}
}

func TestPipelineProcessesEventsWithoutMessageID(t *testing.T) {
	f := newPipelineFixture()

	for _, body := range []string{"hello", "anyone there?"} {
		if got := f.process(t, inbound("", body)); got != OutcomeProcessed {
			t.Fatalf("event without id must be processed, got %s", got)
		}
	}
	if n := len(f.messages.byDirection(domain.DirectionInbound)); n != 2 {
		t.Fatalf("expected both messages stored, got %d", n)
	}
	if len(f.receipts.seen) != 0 {
		t.Fatalf("no receipt may be claimed for an empty id, got %v", f.receipts.seen)
	}
}

func TestPipelineSkipsUnsupportedKinds(t *testing.T) {
	f := newPipelineFixture()
	reaction := inbound("e1", "👍")
	reaction.Kind = domain.KindReaction

	if got := f.process(t, reaction); got != OutcomeUnsupported {
		t.Fatalf("expected unsupported, got %s", got)
	}
	if len(f.tickets.all()) != 0 || f.contacts.count() != 0 {
		t.Fatalf("unsupported events must not create records")
	}
	if len(f.receipts.seen) != 0 {
		t.Fatalf("unsupported events must not claim a receipt")
	}
}

func TestPipelineStoresMedia(t *testing.T) {
	f := newPipelineFixture()
	f.session.media = []byte("jpeg")
	img := inbound("e1", "")
	img.Kind = domain.KindImage
	img.Media = &domain.MediaRef{MimeType: "image/jpeg", Caption: "receipt"}

	f.process(t, img)
	stored := f.messages.byDirection(domain.DirectionInbound)
	if len(stored) != 1 {
		t.Fatalf("expected one message, got %d", len(stored))
	}
	msg := stored[0]
	if msg.Kind != domain.KindImage || msg.MediaURL != "/media/t1/file-1" || msg.MediaType != "image/jpeg" || msg.Body != "receipt" {
		t.Fatalf("unexpected media message %+v", msg)
	}
}

func TestPipelineStoresStubWhenMediaFails(t *testing.T) {
	f := newPipelineFixture()
	f.session.mediaErr = errors.New("expired media key")
	audio := inbound("e1", "")
	audio.Kind = domain.KindAudio
	audio.Media = &domain.MediaRef{MimeType: "audio/ogg"}

	if got := f.process(t, audio); got != OutcomeProcessed {
		t.Fatalf("media failure must not fail the event, got %s", got)
	}
	msg := f.messages.byDirection(domain.DirectionInbound)[0]
	if msg.Kind != domain.KindText || msg.Body != "" || msg.MediaURL != "" {
		t.Fatalf("expected text stub, got %+v", msg)
	}
	if len(f.media.saved) != 0 {
		t.Fatalf("nothing should be saved")
	}
}

func TestPipelineConsumesRatingReply(t *testing.T) {
	f := newPipelineFixture(func(c *domain.TenantConfig) { c.RatingEnabled = true })
	ctx := context.Background()
	f.process(t, inbound("e1", "hello"))

	ticket := f.tickets.all()[0]
	tracking := f.tickets.trackingOf(ticket.ID)
	requested := testNow.Add(-time.Hour)
	tracking.RatingRequestedAt = &requested
	if err := f.tickets.UpdateTracking(ctx, tracking); err != nil {
		t.Fatalf("tracking: %v", err)
	}

	if got := f.process(t, inbound("e2", "3")); got != OutcomeRating {
		t.Fatalf("expected rating, got %s", got)
	}
	if n := len(f.messages.byDirection(domain.DirectionInbound)); n != 1 {
		t.Fatalf("rating reply must not be stored as a message, got %d", n)
	}
	if tr := f.tickets.trackingOf(ticket.ID); !tr.Rated || *tr.Rating != 3 {
		t.Fatalf("rating not stored: %+v", tr)
	}
	if f.scheduled != 1 {
		t.Fatalf("expected deferred close, got %d", f.scheduled)
	}
}

func TestPipelineAttachesGroupMessagesToGroupContact(t *testing.T) {
	f := newPipelineFixture()
	f.session.groupName = "Logistics"
	evt := inbound("e1", "truck is late")
	evt.IsGroup = true
	evt.ChatAddress = "120363000000@g.us"
	evt.SenderAddress = "5511888880000@s.whatsapp.net"
	evt.SenderName = "Rui"

	if got := f.process(t, evt); got != OutcomeProcessed {
		t.Fatalf("unexpected outcome %s", got)
	}
	ticket := f.tickets.all()[0]
	if !ticket.IsGroup {
		t.Fatalf("ticket must be a group ticket")
	}
	group, err := f.contacts.GetByID(context.Background(), ticket.ContactID)
	if err != nil || !group.IsGroup || group.Name != "Logistics" {
		t.Fatalf("ticket must belong to the group contact, got %+v %v", group, err)
	}
	msg := f.messages.byDirection(domain.DirectionInbound)[0]
	sender, _ := f.contacts.GetByID(context.Background(), msg.ContactID)
	if sender == nil || sender.Address != "5511888880000" {
		t.Fatalf("message must keep the participant as sender, got %+v", sender)
	}
	if len(f.notifier.bodies()) != 0 {
		t.Fatalf("groups never see the menu, got %q", f.notifier.bodies())
	}
}

func TestPipelineUnknownTenantIsAbandoned(t *testing.T) {
	f := newPipelineFixture()
	f.tenants.err = apperrors.NewDataInconsistency("unknown tenant", nil)

	_, err := f.pipeline.Process(context.Background(), f.session, inbound("e1", "hello"))
	if !apperrors.IsPoison(err) {
		t.Fatalf("expected poison error, got %v", err)
	}

	f.pipeline.Handle(context.Background(), f.session, inbound("e1", "hello"))
	if len(f.tickets.all()) != 0 || len(f.receipts.seen) != 0 {
		t.Fatalf("abandoned event must leave no trace")
	}
}

func TestPipelineReceiptErrorFailsEvent(t *testing.T) {
	f := newPipelineFixture()
	f.receipts.err = errors.New("connection reset")

	_, err := f.pipeline.Process(context.Background(), f.session, inbound("e1", "hello"))
	if err == nil {
		t.Fatalf("expected receipt failure")
	}
	if len(f.tickets.all()) != 0 {
		t.Fatalf("no ticket may be created without a receipt")
	}
}
