package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/config"
	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

var testNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func strPtr(s string) *string { return &s }

func testConfig(mutate ...func(*domain.TenantConfig)) domain.TenantConfig {
	cfg := BuildTenantConfig("t1", nil, config.RouterConfig{
		HistoryWindowDays:    7,
		SessionMarginSeconds: 30,
		RatingWindow:         24 * time.Hour,
	})
	for _, fn := range mutate {
		fn(&cfg)
	}
	return cfg
}

// staticTenants resolves every tenant to the same configuration.
type staticTenants struct {
	cfg domain.TenantConfig
	err error
}

func (s *staticTenants) Resolve(_ context.Context, tenantID string) (domain.TenantConfig, error) {
	if s.err != nil {
		return domain.TenantConfig{}, s.err
	}
	cfg := s.cfg
	cfg.TenantID = tenantID
	return cfg, nil
}

// fakeTickets is an in-memory TicketRepository. Lock helpers serialize on a
// single mutex, which is stricter than the per-contact database lock.
type fakeTickets struct {
	lockMu sync.Mutex

	mu       sync.Mutex
	seq      int
	order    []string
	tickets  map[string]*domain.Ticket
	tracking map[string]*domain.TicketTracking
	history  []domain.TicketHistory
	now      func() time.Time

	createErr error
	// claimedByOther makes AssignIfUnassigned lose the race for these ids.
	claimedByOther map[string]bool
}

var _ repository.TicketRepository = (*fakeTickets)(nil)

func newFakeTickets() *fakeTickets {
	return &fakeTickets{
		tickets:        make(map[string]*domain.Ticket),
		tracking:       make(map[string]*domain.TicketTracking),
		now:            fixedClock,
		claimedByOther: make(map[string]bool),
	}
}

func (f *fakeTickets) put(t domain.Ticket) *domain.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == "" {
		f.seq++
		t.ID = fmt.Sprintf("ticket-%d", f.seq)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = f.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if _, ok := f.tickets[t.ID]; !ok {
		f.order = append(f.order, t.ID)
	}
	stored := t
	f.tickets[t.ID] = &stored
	copied := stored
	return &copied
}

func (f *fakeTickets) GetByID(_ context.Context, id string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTickets) LatestForContact(_ context.Context, tenantID, contactID string) (*domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		t := f.tickets[f.order[i]]
		if t.TenantID == tenantID && t.ContactID == contactID {
			copied := *t
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeTickets) Create(_ context.Context, ticket *domain.Ticket) error {
	if f.createErr != nil {
		return f.createErr
	}
	stored := f.put(*ticket)
	*ticket = *stored
	return nil
}

func (f *fakeTickets) Update(_ context.Context, ticket *domain.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tickets[ticket.ID]; !ok {
		return pgx.ErrNoRows
	}
	ticket.UpdatedAt = f.now()
	stored := *ticket
	f.tickets[ticket.ID] = &stored
	return nil
}

func (f *fakeTickets) GetTracking(_ context.Context, ticketID string) (*domain.TicketTracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.tracking[ticketID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *tr
	return &copied, nil
}

func (f *fakeTickets) EnsureTracking(_ context.Context, ticket *domain.Ticket) (*domain.TicketTracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.tracking[ticket.ID]
	if !ok {
		queued := f.now()
		tr = &domain.TicketTracking{
			ID:       "tracking-" + ticket.ID,
			TicketID: ticket.ID,
			TenantID: ticket.TenantID,
			QueuedAt: &queued,
		}
		f.tracking[ticket.ID] = tr
	}
	copied := *tr
	return &copied, nil
}

func (f *fakeTickets) UpdateTracking(_ context.Context, tracking *domain.TicketTracking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *tracking
	f.tracking[tracking.TicketID] = &stored
	return nil
}

func (f *fakeTickets) AddHistory(_ context.Context, history *domain.TicketHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	history.ID = fmt.Sprintf("history-%d", len(f.history)+1)
	history.CreatedAt = f.now()
	f.history = append(f.history, *history)
	return nil
}

func (f *fakeTickets) WithContactLock(_ context.Context, _, _ string, fn func(repository.TicketStore) error) error {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	return fn(f)
}

func (f *fakeTickets) WithTicketLock(ctx context.Context, ticketID string, fn func(repository.TicketStore, *domain.Ticket) error) error {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	ticket, err := f.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	return fn(f, ticket)
}

func (f *fakeTickets) AssignIfUnassigned(_ context.Context, ticketID, agentID, queueID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[ticketID]
	if !ok {
		return false, pgx.ErrNoRows
	}
	if f.claimedByOther[ticketID] || !t.Orphaned() {
		return false, nil
	}
	t.AgentID = strPtr(agentID)
	t.QueueID = strPtr(queueID)
	t.UpdatedAt = f.now()
	return true, nil
}

func (f *fakeTickets) ListOrphaned(_ context.Context, tenantID string, limit int) ([]domain.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Ticket
	for _, id := range f.order {
		t := f.tickets[id]
		if t.TenantID == tenantID && t.Orphaned() && !t.IsGroup {
			out = append(out, *t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeTickets) CountActiveByAgent(_ context.Context, tenantID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range f.tickets {
		if t.TenantID == tenantID && t.Active() && t.AgentID != nil {
			counts[*t.AgentID]++
		}
	}
	return counts, nil
}

func (f *fakeTickets) CountActiveByQueue(_ context.Context, tenantID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range f.tickets {
		if t.TenantID == tenantID && t.Active() && t.QueueID != nil {
			counts[*t.QueueID]++
		}
	}
	return counts, nil
}

func (f *fakeTickets) TouchInbound(_ context.Context, ticketID, lastMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[ticketID]
	if !ok {
		return pgx.ErrNoRows
	}
	t.UnreadCount++
	t.LastMessage = lastMessage
	return nil
}

func (f *fakeTickets) ListExpiredRatingRequests(_ context.Context, tenantID string, before time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range f.order {
		t := f.tickets[id]
		tr, ok := f.tracking[id]
		if !ok || t.TenantID != tenantID || t.Status == domain.TicketStatusClosed {
			continue
		}
		if tr.RatingRequestedAt != nil && !tr.Rated && tr.RatingRequestedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeTickets) all() []domain.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Ticket, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.tickets[id])
	}
	return out
}

func (f *fakeTickets) historyOf(ticketID string) []domain.TicketHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TicketHistory
	for _, h := range f.history {
		if h.TicketID == ticketID {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeTickets) trackingOf(ticketID string) *domain.TicketTracking {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr, ok := f.tracking[ticketID]
	if !ok {
		return nil
	}
	copied := *tr
	return &copied
}

// fakeHistory exposes the ticket fake's audit trail as a history repository.
type fakeHistory struct{ tickets *fakeTickets }

func (h fakeHistory) Create(ctx context.Context, history *domain.TicketHistory) error {
	return h.tickets.AddHistory(ctx, history)
}

func (h fakeHistory) ListByTicket(_ context.Context, ticketID string) ([]domain.TicketHistory, error) {
	return h.tickets.historyOf(ticketID), nil
}

type fakeContacts struct {
	mu       sync.Mutex
	seq      int
	contacts map[string]*domain.Contact
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{contacts: make(map[string]*domain.Contact)}
}

func (f *fakeContacts) Upsert(_ context.Context, contact *domain.Contact) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.contacts {
		if existing.TenantID == contact.TenantID && existing.Address == contact.Address {
			existing.Name = contact.Name
			*contact = *existing
			return false, nil
		}
	}
	f.seq++
	contact.ID = fmt.Sprintf("contact-%d", f.seq)
	stored := *contact
	f.contacts[contact.ID] = &stored
	return true, nil
}

func (f *fakeContacts) UpdateProfilePicture(_ context.Context, id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	c.ProfilePictureURL = url
	return nil
}

func (f *fakeContacts) GetByID(_ context.Context, id string) (*domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	copied := *c
	return &copied, nil
}

func (f *fakeContacts) GetByAddress(_ context.Context, tenantID, address string) (*domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.TenantID == tenantID && c.Address == address {
			copied := *c
			return &copied, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeContacts) add(c domain.Contact) *domain.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		f.seq++
		c.ID = fmt.Sprintf("contact-%d", f.seq)
	}
	stored := c
	f.contacts[c.ID] = &stored
	return &c
}

func (f *fakeContacts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contacts)
}

type fakeMessages struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (f *fakeMessages) Create(_ context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = fmt.Sprintf("message-%d", len(f.messages)+1)
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeMessages) ListByTicket(_ context.Context, ticketID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages {
		if m.TicketID == ticketID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMessages) byDirection(dir domain.MessageDirection) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages {
		if m.Direction == dir {
			out = append(out, m)
		}
	}
	return out
}

type fakeQueues struct {
	queues  []domain.Queue
	options map[string][]domain.MenuOption
	listed  int
}

func (f *fakeQueues) GetByID(_ context.Context, id string) (*domain.Queue, error) {
	for i := range f.queues {
		if f.queues[i].ID == id {
			q := f.queues[i]
			return &q, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeQueues) ListByTenant(_ context.Context, tenantID string) ([]domain.Queue, error) {
	f.listed++
	var out []domain.Queue
	for _, q := range f.queues {
		if q.TenantID == tenantID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQueues) ListMenuOptions(_ context.Context, queueID string) ([]domain.MenuOption, error) {
	return f.options[queueID], nil
}

type fakeAgents struct {
	agents []domain.Agent
}

func (f *fakeAgents) GetByID(_ context.Context, id string) (*domain.Agent, error) {
	for i := range f.agents {
		if f.agents[i].ID == id {
			a := f.agents[i]
			return &a, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeAgents) ListWithQueues(_ context.Context, tenantID string) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, a := range f.agents {
		if a.TenantID == tenantID && a.Active && len(a.QueueIDs) > 0 {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeSettings struct {
	values  map[string]map[string]string
	tenants []string
	calls   int
}

func (f *fakeSettings) ListByTenant(_ context.Context, tenantID string) (map[string]string, error) {
	f.calls++
	return f.values[tenantID], nil
}

func (f *fakeSettings) TenantExists(_ context.Context, tenantID string) (bool, error) {
	for _, id := range f.tenants {
		if id == tenantID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSettings) ListTenantIDs(context.Context) ([]string, error) {
	return f.tenants, nil
}

type fakeReceipts struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (f *fakeReceipts) Claim(_ context.Context, sessionID, externalID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := sessionID + "|" + externalID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeReceipts) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }

// fakeNotifier records system messages sent to tickets.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

type sentNotice struct {
	TicketID string
	Body     string
}

func (f *fakeNotifier) SendToTicket(_ context.Context, ticket *domain.Ticket, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotice{TicketID: ticket.ID, Body: body})
	return f.err
}

func (f *fakeNotifier) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.Body)
	}
	return out
}

// recordingDispatcher collects published events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, event events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) Subscribe(events.EventType, events.EventHandler) {}

func (d *recordingDispatcher) types() []events.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.EventType, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

func (d *recordingDispatcher) count(t events.EventType) int {
	n := 0
	for _, got := range d.types() {
		if got == t {
			n++
		}
	}
	return n
}

// testSession is a channel session fed directly by tests.
type testSession struct {
	id        string
	tenantID  string
	startedAt time.Time
	media     []byte
	mediaErr  error
	avatar    string
	groupName string

	mu          sync.Mutex
	avatarCalls int
	groupCalls  int
}

var _ channel.Session = (*testSession)(nil)

func newTestSession() *testSession {
	return &testSession{id: "s1", tenantID: "t1"}
}

func (s *testSession) ID() string                         { return s.id }
func (s *testSession) TenantID() string                   { return s.tenantID }
func (s *testSession) StartedAt() time.Time               { return s.startedAt }
func (s *testSession) Events() <-chan domain.InboundEvent { return nil }

func (s *testSession) SendText(context.Context, channel.Recipient, string) (string, error) {
	return "out-1", nil
}

func (s *testSession) SendMedia(context.Context, channel.Recipient, channel.OutboundMedia) (string, error) {
	return "out-2", nil
}

func (s *testSession) FetchGroupMetadata(_ context.Context, address string) (channel.GroupMetadata, error) {
	s.mu.Lock()
	s.groupCalls++
	s.mu.Unlock()
	if s.groupName == "" {
		return channel.GroupMetadata{}, errors.New("metadata unavailable")
	}
	return channel.GroupMetadata{Address: address, Name: s.groupName}, nil
}

func (s *testSession) FetchProfilePicture(context.Context, channel.Recipient) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatarCalls++
	return s.avatar, nil
}

func (s *testSession) DownloadMedia(context.Context, *domain.MediaRef) ([]byte, error) {
	if s.mediaErr != nil {
		return nil, s.mediaErr
	}
	return s.media, nil
}

func (s *testSession) Close() error { return nil }

type fakeMediaSaver struct {
	saved []string
}

func (f *fakeMediaSaver) Save(_ context.Context, tenantID, fileName, mimeType string, data []byte) (string, error) {
	url := "/media/" + tenantID + "/file-" + fmt.Sprint(len(f.saved)+1)
	f.saved = append(f.saved, url)
	return url, nil
}
