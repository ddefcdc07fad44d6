package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

type lifecycleFixture struct {
	tickets    *fakeTickets
	agents     *fakeAgents
	queues     *fakeQueues
	tenants    *staticTenants
	notifier   *fakeNotifier
	dispatcher *recordingDispatcher
	rating     *RatingTracker
	manager    *TicketLifecycleManager
}

func newLifecycleFixture(mutate ...func(*domain.TenantConfig)) *lifecycleFixture {
	f := &lifecycleFixture{
		tickets: newFakeTickets(),
		agents: &fakeAgents{agents: []domain.Agent{
			{ID: "a1", TenantID: "t1", Name: "Alice", Active: true, QueueIDs: []string{"q-sales", "q-support"}},
			{ID: "a2", TenantID: "t1", Name: "Bob", Active: true},
		}},
		queues:     menuFixture(),
		tenants:    &staticTenants{cfg: testConfig(mutate...)},
		notifier:   &fakeNotifier{},
		dispatcher: &recordingDispatcher{},
	}
	f.rating = NewRatingTracker(RatingDependencies{
		TicketRepo: f.tickets,
		Tenants:    f.tenants,
		Notifier:   f.notifier,
		Schedule:   func(time.Duration, func()) {},
		Now:        fixedClock,
	})
	f.manager = NewTicketLifecycleManager(LifecycleDependencies{
		TicketRepo: f.tickets,
		AgentRepo:  f.agents,
		QueueRepo:  f.queues,
		Tenants:    f.tenants,
		Rating:     f.rating,
		Notifier:   f.notifier,
		Dispatcher: f.dispatcher,
		Now:        fixedClock,
	})
	f.rating.SetCloser(f.manager)
	return f
}

func agentActor(id string) domain.Actor {
	return domain.Actor{Type: domain.ActorAgent, AgentID: strPtr(id), TenantID: "t1"}
}

var ana = &domain.Contact{ID: "c1", TenantID: "t1", Address: "5511999990000", Name: "Ana"}

func TestFindOrCreateCreatesThenReuses(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	source := TicketSource{SessionID: "s1", Channel: "whatsapp"}

	first, err := f.manager.FindOrCreate(ctx, ana, source, f.tenants.cfg)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if !first.IsNew || first.Ticket.Status != domain.TicketStatusPending || first.Tracking == nil {
		t.Fatalf("expected new pending ticket with tracking, got %+v", first)
	}
	if first.Ticket.Channel != "whatsapp" || first.Ticket.SessionID != "s1" {
		t.Fatalf("source not recorded: %+v", first.Ticket)
	}
	history := f.tickets.historyOf(first.Ticket.ID)
	if len(history) != 1 || history[0].ChangeType != domain.ChangeTypeCreated {
		t.Fatalf("expected CREATED history, got %+v", history)
	}
	if f.dispatcher.count(events.EventTicketCreated) != 1 {
		t.Fatalf("expected created event, got %v", f.dispatcher.types())
	}

	second, err := f.manager.FindOrCreate(ctx, ana, TicketSource{SessionID: "s2", Channel: "whatsapp"}, f.tenants.cfg)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if second.IsNew || second.Reopened || second.Ticket.ID != first.Ticket.ID {
		t.Fatalf("expected the active ticket to be reused, got %+v", second)
	}
	if second.Ticket.SessionID != "s2" {
		t.Fatalf("session should follow the latest message, got %s", second.Ticket.SessionID)
	}
	if f.dispatcher.count(events.EventTicketCreated) != 1 {
		t.Fatalf("reuse must not publish another created event")
	}
}

func TestFindOrCreateResurrectsClosedTicket(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	closed := f.tickets.put(domain.Ticket{
		TenantID:      "t1",
		ContactID:     ana.ID,
		Status:        domain.TicketStatusClosed,
		QueueID:       strPtr("q-sales"),
		AgentID:       strPtr("a1"),
		MenuOptionID:  strPtr("o1"),
		ChatbotActive: true,
		UnreadCount:   4,
		UpdatedAt:     testNow.Add(-90 * 24 * time.Hour),
	})
	rating := 2
	finished := testNow.Add(-90 * 24 * time.Hour)
	_ = f.tickets.UpdateTracking(ctx, &domain.TicketTracking{
		TicketID: closed.ID, TenantID: "t1", AgentID: strPtr("a1"),
		FinishedAt: &finished, Rated: true, Rating: &rating,
	})

	res, err := f.manager.FindOrCreate(ctx, ana, TicketSource{SessionID: "s1"}, f.tenants.cfg)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if !res.Reopened || res.IsNew || res.Ticket.ID != closed.ID {
		t.Fatalf("expected resurrection of %s, got %+v", closed.ID, res)
	}
	tk := res.Ticket
	if tk.Status != domain.TicketStatusPending || tk.QueueID != nil || tk.AgentID != nil || tk.MenuOptionID != nil || tk.ChatbotActive || tk.UnreadCount != 0 {
		t.Fatalf("routing not reset: %+v", tk)
	}
	tr := f.tickets.trackingOf(closed.ID)
	if tr.Rated || tr.Rating != nil || tr.FinishedAt != nil || tr.AgentID != nil || tr.QueuedAt == nil {
		t.Fatalf("tracking not reset: %+v", tr)
	}
	history := f.tickets.historyOf(closed.ID)
	if len(history) != 1 || history[0].ChangeType != domain.ChangeTypeReopened {
		t.Fatalf("expected REOPENED history, got %+v", history)
	}
	if f.dispatcher.count(events.EventTicketRemovedFromStatusList) != 1 {
		t.Fatalf("expected the ticket to leave the closed list, got %v", f.dispatcher.types())
	}
}

func TestFindOrCreateReopenWindow(t *testing.T) {
	f := newLifecycleFixture(func(c *domain.TenantConfig) { c.ReopenWindow = 24 * time.Hour })
	ctx := context.Background()
	old := f.tickets.put(domain.Ticket{
		TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusClosed,
		UpdatedAt: testNow.Add(-48 * time.Hour),
	})

	res, err := f.manager.FindOrCreate(ctx, ana, TicketSource{SessionID: "s1"}, f.tenants.cfg)
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if !res.IsNew || res.Ticket.ID == old.ID {
		t.Fatalf("stale closed ticket must start a new one, got %+v", res)
	}

	group := &domain.Contact{ID: "g1", TenantID: "t1", Address: "120363000000", IsGroup: true}
	groupTicket := f.tickets.put(domain.Ticket{
		TenantID: "t1", ContactID: group.ID, Status: domain.TicketStatusClosed, IsGroup: true,
		UpdatedAt: testNow.Add(-48 * time.Hour),
	})
	res, err = f.manager.FindOrCreate(ctx, group, TicketSource{SessionID: "s1"}, f.tenants.cfg)
	if err != nil {
		t.Fatalf("find or create group: %v", err)
	}
	if !res.Reopened || res.Ticket.ID != groupTicket.ID {
		t.Fatalf("groups always resurrect their ticket, got %+v", res)
	}
}

func TestFindOrCreateConcurrentEventsShareOneTicket(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.manager.FindOrCreate(ctx, ana, TicketSource{SessionID: "s1"}, f.tenants.cfg)
			if err != nil {
				t.Errorf("find or create: %v", err)
				return
			}
			ids[i] = res.Ticket.ID
		}(i)
	}
	wg.Wait()

	active := 0
	for _, tk := range f.tickets.all() {
		if tk.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active ticket, got %d", active)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("all events must share one ticket, got %v", ids)
		}
	}
}

func TestFindOrCreateForeignKeyViolationIsPoison(t *testing.T) {
	f := newLifecycleFixture()
	f.tickets.createErr = &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"}

	_, err := f.manager.FindOrCreate(context.Background(), ana, TicketSource{SessionID: "s1"}, f.tenants.cfg)
	if !apperrors.IsPoison(err) {
		t.Fatalf("expected data inconsistency, got %v", err)
	}
}

func TestAcceptOpensTicketForAgent(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	tk := f.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusPending, QueueID: strPtr("q-sales")})

	opened, err := f.manager.Accept(ctx, tk.ID, agentActor("a1"))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if opened.Status != domain.TicketStatusOpen || opened.AgentID == nil || *opened.AgentID != "a1" {
		t.Fatalf("unexpected ticket %+v", opened)
	}
	tr := f.tickets.trackingOf(tk.ID)
	if tr.StartedAt == nil || tr.AgentID == nil || *tr.AgentID != "a1" {
		t.Fatalf("tracking not updated: %+v", tr)
	}

	var changes []domain.TicketChangeType
	for _, h := range f.tickets.historyOf(tk.ID) {
		changes = append(changes, h.ChangeType)
	}
	if len(changes) != 2 || changes[0] != domain.ChangeTypeStatus || changes[1] != domain.ChangeTypeAgent {
		t.Fatalf("unexpected history %v", changes)
	}
	if f.dispatcher.count(events.EventTicketRemovedFromStatusList) != 1 {
		t.Fatalf("expected status list change, got %v", f.dispatcher.types())
	}

	again, err := f.manager.Accept(ctx, tk.ID, agentActor("a1"))
	if err != nil || again.Status != domain.TicketStatusOpen {
		t.Fatalf("accepting twice must be a no-op: %v", err)
	}
	if len(f.tickets.historyOf(tk.ID)) != 2 {
		t.Fatalf("no-op transition must not add history")
	}
}

func TestAcceptWithoutQueue(t *testing.T) {
	ctx := context.Background()

	withMenu := newLifecycleFixture()
	tk := withMenu.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusPending})
	_, err := withMenu.manager.Accept(ctx, tk.ID, agentActor("a1"))
	var domainErr *apperrors.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperrors.CodeConflict {
		t.Fatalf("expected conflict while the menu is in charge, got %v", err)
	}

	manual := newLifecycleFixture(func(c *domain.TenantConfig) { c.AutomationEnabled = false })
	manual.tickets.put(domain.Ticket{TenantID: "t1", ContactID: "c9", Status: domain.TicketStatusOpen, QueueID: strPtr("q-sales")})
	tk = manual.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusPending})
	opened, err := manual.manager.Accept(ctx, tk.ID, agentActor("a1"))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if opened.QueueID == nil || *opened.QueueID != "q-support" {
		t.Fatalf("expected the agent's least loaded queue, got %v", opened.QueueID)
	}
}

func TestTransitionValidation(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	tk := f.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusPending, QueueID: strPtr("q-sales")})

	if _, err := f.manager.Transition(ctx, tk.ID, domain.TransitionRequest{Status: "archived"}, agentActor("a1")); err == nil {
		t.Fatalf("unknown status must fail")
	}
	if _, err := f.manager.Transition(ctx, tk.ID, domain.TransitionRequest{Status: domain.TicketStatusOpen}, domain.SystemActor); err == nil {
		t.Fatalf("opening without agent must fail")
	}
	other := domain.Actor{Type: domain.ActorAgent, AgentID: strPtr("x"), TenantID: "t2"}
	if _, err := f.manager.Accept(ctx, tk.ID, other); !apperrors.IsNotFound(err) {
		t.Fatalf("other tenants must not see the ticket, got %v", err)
	}
	if _, err := f.manager.Accept(ctx, "missing", agentActor("a1")); !apperrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCloseWithRatingIsIntercepted(t *testing.T) {
	f := newLifecycleFixture(func(c *domain.TenantConfig) {
		c.RatingEnabled = true
		c.FarewellMessage = "Thanks for contacting us!"
	})
	ctx := context.Background()
	tk := f.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusOpen, QueueID: strPtr("q-sales"), AgentID: strPtr("a1")})
	if _, err := f.tickets.EnsureTracking(ctx, tk); err != nil {
		t.Fatalf("tracking: %v", err)
	}

	res, err := f.manager.Close(ctx, tk.ID, false, agentActor("a1"))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Status != domain.TicketStatusOpen {
		t.Fatalf("rating must keep the ticket open, got %s", res.Status)
	}
	if f.tickets.trackingOf(tk.ID).RatingRequestedAt == nil {
		t.Fatalf("rating request not recorded")
	}
	if len(f.notifier.bodies()) != 1 {
		t.Fatalf("expected only the survey, got %q", f.notifier.bodies())
	}

	res, err = f.manager.Close(ctx, tk.ID, false, agentActor("a1"))
	if err != nil || res.Status != domain.TicketStatusOpen {
		t.Fatalf("pending survey must keep intercepting, got %v %v", res, err)
	}

	res, err = f.manager.Close(ctx, tk.ID, true, agentActor("a1"))
	if err != nil {
		t.Fatalf("force close: %v", err)
	}
	if res.Status != domain.TicketStatusClosed {
		t.Fatalf("force close must close, got %s", res.Status)
	}
	if f.tickets.trackingOf(tk.ID).FinishedAt == nil {
		t.Fatalf("finished time not recorded")
	}
	bodies := f.notifier.bodies()
	if bodies[len(bodies)-1] != "Thanks for contacting us!" {
		t.Fatalf("expected farewell, got %q", bodies)
	}

	_, err = f.manager.Release(ctx, tk.ID, agentActor("a1"))
	var domainErr *apperrors.DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != apperrors.CodeConflict {
		t.Fatalf("closed ticket must not be reopened by agents, got %v", err)
	}
}

func TestCloseGroupSkipsRating(t *testing.T) {
	f := newLifecycleFixture(func(c *domain.TenantConfig) { c.RatingEnabled = true })
	tk := f.tickets.put(domain.Ticket{TenantID: "t1", ContactID: "g1", Status: domain.TicketStatusOpen, IsGroup: true, AgentID: strPtr("a1")})

	res, err := f.manager.Close(context.Background(), tk.ID, false, agentActor("a1"))
	if err != nil || res.Status != domain.TicketStatusClosed {
		t.Fatalf("group tickets close directly, got %v %v", res, err)
	}
}

func TestTransferSendsNoticeAndLeavesPending(t *testing.T) {
	f := newLifecycleFixture(func(c *domain.TenantConfig) { c.TransferMessage = "Moving you to {queue}." })
	ctx := context.Background()
	tk := f.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusOpen, QueueID: strPtr("q-sales"), AgentID: strPtr("a1")})

	res, err := f.manager.Transfer(ctx, tk.ID, strPtr("q-support"), nil, agentActor("a1"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != domain.TicketStatusPending || res.AgentID != nil || *res.QueueID != "q-support" {
		t.Fatalf("unexpected ticket after transfer %+v", res)
	}
	bodies := f.notifier.bodies()
	if len(bodies) != 1 || bodies[0] != "Moving you to Support." {
		t.Fatalf("unexpected notice %q", bodies)
	}

	res, err = f.manager.Transfer(ctx, tk.ID, nil, strPtr("a2"), agentActor("a1"))
	if err != nil {
		t.Fatalf("transfer to agent: %v", err)
	}
	if res.Status != domain.TicketStatusPending || *res.AgentID != "a2" {
		t.Fatalf("a pending ticket stays pending when handed to an agent, got %+v", res)
	}

	if _, err := f.manager.Transfer(ctx, tk.ID, nil, nil, agentActor("a1")); err == nil {
		t.Fatalf("transfer without target must fail")
	}

	_, err = f.manager.Transfer(ctx, tk.ID, strPtr("q-sales"), strPtr("a2"), agentActor("a1"))
	if de := apperrors.ToDomainError(err); de == nil || de.Code != apperrors.CodeValidation {
		t.Fatalf("agent outside the queue must be rejected, got %v", err)
	}
}

func TestApplyRoutingRecordsQueueChange(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	tk := f.tickets.put(domain.Ticket{TenantID: "t1", ContactID: ana.ID, Status: domain.TicketStatusPending})

	res, err := f.manager.ApplyRouting(ctx, tk.ID, RoutingUpdate{QueueID: strPtr("q-sales"), ChatbotActive: true})
	if err != nil {
		t.Fatalf("apply routing: %v", err)
	}
	if !res.ChatbotActive || *res.QueueID != "q-sales" {
		t.Fatalf("unexpected ticket %+v", res)
	}
	history := f.tickets.historyOf(tk.ID)
	if len(history) != 1 || history[0].ChangeType != domain.ChangeTypeQueue || history[0].ActorType != domain.ActorContact {
		t.Fatalf("unexpected history %+v", history)
	}
	if f.dispatcher.count(events.EventTicketUpdated) != 1 {
		t.Fatalf("expected one update event, got %v", f.dispatcher.types())
	}

	if _, err := f.manager.ApplyRouting(ctx, tk.ID, RoutingUpdate{QueueID: strPtr("q-sales"), ChatbotActive: true}); err != nil {
		t.Fatalf("apply routing: %v", err)
	}
	if f.dispatcher.count(events.EventTicketUpdated) != 1 {
		t.Fatalf("unchanged routing must not publish")
	}
}
