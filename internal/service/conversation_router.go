package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// MenuState names the position of a ticket in the chatbot menu.
type MenuState string

const (
	MenuStateNoQueue        MenuState = "no_queue"
	MenuStateQueueSelected  MenuState = "queue_selected"
	MenuStateOptionSelected MenuState = "option_selected"
)

const (
	inputBack  = "0"
	inputReset = "#"
)

// RouteInput is everything NextState needs to handle one message.
type RouteInput struct {
	QueueID      *string
	MenuOptionID *string
	Text         string
	Queues       []domain.Queue
	Menus        func(queueID string) *domain.MenuTree
	Config       domain.TenantConfig
	Now          time.Time
}

// RouteResult is the state after one message, plus the reply to send.
type RouteResult struct {
	State         MenuState
	QueueID       *string
	MenuOptionID  *string
	ChatbotActive bool
	Reply         string
	// Handoff is set when the menu stopped and an agent takes over.
	Handoff bool
}

// NextState runs the menu state machine for one inbound text.
func NextState(in RouteInput) RouteResult {
	text := strings.TrimSpace(in.Text)
	if text == inputReset {
		return presentQueues(in)
	}

	queue := findQueue(in.Queues, in.QueueID)
	if queue == nil {
		if n, ok := position(text, len(in.Queues)); ok {
			return selectQueue(in, &in.Queues[n])
		}
		return presentQueues(in)
	}

	tree := menuTree(in, queue.ID)
	var current *domain.MenuOption
	if in.MenuOptionID != nil {
		current, _ = tree.Option(*in.MenuOptionID)
	}

	if text == inputBack {
		if current == nil {
			return presentQueues(in)
		}
		if parent := tree.Parent(current.ID); parent != nil {
			return presentOption(queue, tree, parent)
		}
		return presentQueueMenu(in, queue, tree)
	}

	options := tree.Roots()
	if current != nil {
		options = tree.Children(current.ID)
	}
	if len(options) == 0 {
		return RouteResult{State: stateFor(current), QueueID: &queue.ID, MenuOptionID: optionID(current), Handoff: true}
	}
	if chosen := matchOption(options, text); chosen != nil {
		if len(tree.Children(chosen.ID)) > 0 {
			return presentOption(queue, tree, chosen)
		}
		return RouteResult{
			State:        MenuStateOptionSelected,
			QueueID:      &queue.ID,
			MenuOptionID: &chosen.ID,
			Reply:        chosen.Body,
			Handoff:      true,
		}
	}

	if current == nil {
		return presentQueueMenu(in, queue, tree)
	}
	return presentOption(queue, tree, current)
}

// presentQueues lists the tenant's queues. A ticket without queue is always
// routed, so the chatbot flag stays off in this state.
func presentQueues(in RouteInput) RouteResult {
	res := RouteResult{State: MenuStateNoQueue}
	if len(in.Queues) == 0 {
		return res
	}
	lines := make([]string, 0, len(in.Queues))
	for i, q := range in.Queues {
		lines = append(lines, fmt.Sprintf("*%d* - %s", i+1, q.Name))
	}
	res.Reply = joinMenu(in.Config.GreetingMessage, lines, false)
	return res
}

func selectQueue(in RouteInput, queue *domain.Queue) RouteResult {
	if res, closed := outOfHours(in, queue); closed {
		return res
	}
	tree := menuTree(in, queue.ID)
	if len(tree.Roots()) == 0 {
		return RouteResult{State: MenuStateQueueSelected, QueueID: &queue.ID, Reply: queue.Greeting, Handoff: true}
	}
	return presentRoots(queue, tree)
}

// presentQueueMenu shows the queue's top-level options, unless the queue is
// closed and has something to say about it.
func presentQueueMenu(in RouteInput, queue *domain.Queue, tree *domain.MenuTree) RouteResult {
	if res, closed := outOfHours(in, queue); closed {
		return res
	}
	return presentRoots(queue, tree)
}

// outOfHours reports the halt result for a queue outside its business hours.
// Without a configured message the menu is shown as usual.
func outOfHours(in RouteInput, queue *domain.Queue) (RouteResult, bool) {
	if queue.IsOpenAt(in.Config.LocalTime(in.Now)) {
		return RouteResult{}, false
	}
	msg := queue.OutOfHoursMessage
	if strings.TrimSpace(msg) == "" {
		msg = in.Config.OutOfHoursMessage
	}
	if strings.TrimSpace(msg) == "" {
		return RouteResult{}, false
	}
	return RouteResult{State: MenuStateQueueSelected, QueueID: &queue.ID, Reply: msg}, true
}

func presentRoots(queue *domain.Queue, tree *domain.MenuTree) RouteResult {
	return RouteResult{
		State:         MenuStateQueueSelected,
		QueueID:       &queue.ID,
		ChatbotActive: true,
		Reply:         joinMenu(queue.Greeting, optionLines(tree.Roots()), true),
	}
}

func presentOption(queue *domain.Queue, tree *domain.MenuTree, opt *domain.MenuOption) RouteResult {
	return RouteResult{
		State:         MenuStateOptionSelected,
		QueueID:       &queue.ID,
		MenuOptionID:  &opt.ID,
		ChatbotActive: true,
		Reply:         joinMenu(opt.Body, optionLines(tree.Children(opt.ID)), true),
	}
}

func optionLines(options []*domain.MenuOption) []string {
	lines := make([]string, 0, len(options))
	for i, opt := range options {
		lines = append(lines, fmt.Sprintf("*%s* - %s", displayKey(opt, i), opt.Title))
	}
	return lines
}

func displayKey(opt *domain.MenuOption, index int) string {
	if strings.TrimSpace(opt.Key) != "" {
		return opt.Key
	}
	return strconv.Itoa(index + 1)
}

func joinMenu(header string, lines []string, navigation bool) string {
	var b strings.Builder
	if h := strings.TrimSpace(header); h != "" {
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(lines, "\n"))
	if navigation {
		b.WriteString("\n\n*0* - Back\n*#* - Main menu")
	}
	return b.String()
}

// matchOption tries the option keys first, then the 1-indexed position.
func matchOption(options []*domain.MenuOption, text string) *domain.MenuOption {
	if text == "" {
		return nil
	}
	for _, opt := range options {
		if opt.Key != "" && opt.Key == text {
			return opt
		}
	}
	if n, ok := position(text, len(options)); ok {
		return options[n]
	}
	return nil
}

// position parses a 1-indexed choice into a 0-indexed slot.
func position(text string, count int) (int, bool) {
	n, err := strconv.Atoi(text)
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}

func findQueue(queues []domain.Queue, id *string) *domain.Queue {
	if id == nil {
		return nil
	}
	for i := range queues {
		if queues[i].ID == *id {
			return &queues[i]
		}
	}
	return nil
}

func menuTree(in RouteInput, queueID string) *domain.MenuTree {
	if in.Menus == nil {
		return nil
	}
	return in.Menus(queueID)
}

func stateFor(current *domain.MenuOption) MenuState {
	if current == nil {
		return MenuStateQueueSelected
	}
	return MenuStateOptionSelected
}

func optionID(opt *domain.MenuOption) *string {
	if opt == nil {
		return nil
	}
	return &opt.ID
}

// RoutingApplier persists a routing decision.
type RoutingApplier interface {
	ApplyRouting(ctx context.Context, ticketID string, update RoutingUpdate) (*domain.Ticket, error)
}

// ConversationRouter drives unassigned tickets through the queue menu.
type ConversationRouter struct {
	queues   repository.QueueRepository
	applier  RoutingApplier
	notifier TicketNotifier
	cache    *gocache.Cache
	logger   *zap.Logger
	now      func() time.Time
}

// RouterDependencies bundles collaborators of ConversationRouter.
type RouterDependencies struct {
	QueueRepo repository.QueueRepository
	Applier   RoutingApplier
	Notifier  TicketNotifier
	CacheTTL  time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewConversationRouter constructs the router.
func NewConversationRouter(deps RouterDependencies) *ConversationRouter {
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationRouter{
		queues:   deps.QueueRepo,
		applier:  deps.Applier,
		notifier: deps.Notifier,
		cache:    gocache.New(ttl, 2*ttl),
		logger:   logger,
		now:      now,
	}
}

// Route handles text as menu input for ticket and sends the resulting reply.
func (r *ConversationRouter) Route(ctx context.Context, ticket *domain.Ticket, text string, cfg domain.TenantConfig) (RouteResult, error) {
	queues, err := r.tenantQueues(ctx, ticket.TenantID)
	if err != nil {
		return RouteResult{}, err
	}

	var loadErr error
	result := NextState(RouteInput{
		QueueID:      ticket.QueueID,
		MenuOptionID: ticket.MenuOptionID,
		Text:         text,
		Queues:       queues,
		Menus: func(queueID string) *domain.MenuTree {
			tree, err := r.menu(ctx, queueID)
			if err != nil {
				loadErr = err
			}
			return tree
		},
		Config: cfg,
		Now:    r.now(),
	})
	if loadErr != nil {
		return RouteResult{}, loadErr
	}

	target := ticket
	if !sameID(ticket.QueueID, result.QueueID) || !sameID(ticket.MenuOptionID, result.MenuOptionID) || ticket.ChatbotActive != result.ChatbotActive {
		target, err = r.applier.ApplyRouting(ctx, ticket.ID, RoutingUpdate{
			QueueID:       result.QueueID,
			MenuOptionID:  result.MenuOptionID,
			ChatbotActive: result.ChatbotActive,
		})
		if err != nil {
			return RouteResult{}, err
		}
	}

	if strings.TrimSpace(result.Reply) != "" && r.notifier != nil {
		if err := r.notifier.SendToTicket(ctx, target, result.Reply); err != nil {
			r.logger.Warn("menu reply not delivered", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}
	r.logger.Debug("ticket routed",
		zap.String("ticket_id", ticket.ID),
		zap.String("state", string(result.State)),
		zap.Bool("handoff", result.Handoff),
	)
	return result, nil
}

// InvalidateTenant drops the cached queue list of a tenant.
func (r *ConversationRouter) InvalidateTenant(tenantID string) {
	r.cache.Delete("queues:" + tenantID)
}

func (r *ConversationRouter) tenantQueues(ctx context.Context, tenantID string) ([]domain.Queue, error) {
	key := "queues:" + tenantID
	if cached, ok := r.cache.Get(key); ok {
		return cached.([]domain.Queue), nil
	}
	queues, err := r.queues.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, queues)
	return queues, nil
}

func (r *ConversationRouter) menu(ctx context.Context, queueID string) (*domain.MenuTree, error) {
	key := "menu:" + queueID
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*domain.MenuTree), nil
	}
	options, err := r.queues.ListMenuOptions(ctx, queueID)
	if err != nil {
		return nil, err
	}
	tree := domain.NewMenuTree(queueID, options)
	r.cache.SetDefault(key, tree)
	return tree, nil
}
