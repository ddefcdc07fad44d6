package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

const (
	minRating = 1
	maxRating = 3

	ratingChoices = "*1* - Unsatisfied\n*2* - Satisfied\n*3* - Very satisfied"

	deferredCloseTimeout = 30 * time.Second
)

// TicketCloser closes tickets on behalf of the rating flow.
type TicketCloser interface {
	Close(ctx context.Context, ticketID string, force bool, actor domain.Actor) (*domain.Ticket, error)
}

// RatingTracker asks contacts to rate a finished attendance and records the
// answer.
type RatingTracker struct {
	tickets    repository.TicketRepository
	tenants    TenantConfigSource
	notifier   TicketNotifier
	closer     TicketCloser
	closeDelay time.Duration
	schedule   func(delay time.Duration, fn func())
	logger     *zap.Logger
	now        func() time.Time
}

// RatingDependencies bundles collaborators of RatingTracker.
type RatingDependencies struct {
	TicketRepo repository.TicketRepository
	Tenants    TenantConfigSource
	Notifier   TicketNotifier
	CloseDelay time.Duration
	// Schedule runs fn after delay. Defaults to time.AfterFunc.
	Schedule func(delay time.Duration, fn func())
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewRatingTracker constructs the tracker. SetCloser must be called before
// replies are handled.
func NewRatingTracker(deps RatingDependencies) *RatingTracker {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	schedule := deps.Schedule
	if schedule == nil {
		schedule = func(delay time.Duration, fn func()) { time.AfterFunc(delay, fn) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RatingTracker{
		tickets:    deps.TicketRepo,
		tenants:    deps.Tenants,
		notifier:   deps.Notifier,
		closeDelay: deps.CloseDelay,
		schedule:   schedule,
		logger:     logger,
		now:        now,
	}
}

// SetCloser wires the component performing the deferred hard close.
func (r *RatingTracker) SetCloser(closer TicketCloser) {
	r.closer = closer
}

// ParseRating reads a reply as a rating clamped to [1,3]. Only plain digit
// strings count; anything else leaves the rating window open.
func ParseRating(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		// overflow: still a number, and above the range
		return maxRating, true
	}
	if value < minRating {
		return minRating, true
	}
	if value > maxRating {
		return maxRating, true
	}
	return value, true
}

// RequestRating sends the survey once per attendance. The request is marked
// as sent even when delivery fails.
func (r *RatingTracker) RequestRating(ctx context.Context, ticket *domain.Ticket, tracking *domain.TicketTracking, cfg domain.TenantConfig) (bool, error) {
	if !cfg.RatingEnabled || tracking == nil || tracking.RatingRequestedAt != nil {
		return false, nil
	}

	body := strings.TrimSpace(cfg.RatingTemplate) + "\n\n" + ratingChoices
	if r.notifier != nil {
		if err := r.notifier.SendToTicket(ctx, ticket, body); err != nil {
			r.logger.Warn("rating request not delivered", zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}

	now := r.now()
	tracking.RatingRequestedAt = &now
	if err := r.tickets.UpdateTracking(ctx, tracking); err != nil {
		return false, err
	}
	r.logger.Info("rating requested", zap.String("ticket_id", ticket.ID))
	return true, nil
}

// HandleReply consumes event when it answers an outstanding rating request.
func (r *RatingTracker) HandleReply(ctx context.Context, event domain.InboundEvent, ticket *domain.Ticket, tracking *domain.TicketTracking, cfg domain.TenantConfig) (bool, error) {
	now := r.now()
	if !tracking.AwaitingRating(now, cfg.RatingWindow) || event.Kind != domain.KindText {
		return false, nil
	}
	rating, ok := ParseRating(event.Body)
	if !ok {
		return false, nil
	}

	tracking.Rating = &rating
	tracking.Rated = true
	tracking.FinishedAt = &now
	if err := r.tickets.UpdateTracking(ctx, tracking); err != nil {
		return false, err
	}
	if err := r.tickets.AddHistory(ctx, historyEntry(ticket, domain.Actor{Type: domain.ActorContact}, domain.ChangeTypeRating,
		nil, map[string]any{"rating": rating})); err != nil {
		r.logger.Warn("rating history not recorded", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}

	r.scheduleClose(ticket.ID)
	r.logger.Info("rating received", zap.String("ticket_id", ticket.ID), zap.Int("rating", rating))
	return true, nil
}

// ExpireStale closes tickets whose rating window elapsed without an answer.
func (r *RatingTracker) ExpireStale(ctx context.Context, tenantID string) (int, error) {
	cfg, err := r.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	ids, err := r.tickets.ListExpiredRatingRequests(ctx, tenantID, r.now().Add(-cfg.RatingWindow))
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		if r.closer == nil {
			break
		}
		if _, err := r.closer.Close(ctx, id, true, domain.Actor{Type: domain.ActorScheduler, TenantID: tenantID}); err != nil {
			r.logger.Warn("closing unrated ticket failed", zap.String("ticket_id", id), zap.Error(err))
			continue
		}
		closed++
	}
	return closed, nil
}

func (r *RatingTracker) scheduleClose(ticketID string) {
	if r.closer == nil {
		r.logger.Warn("no closer configured; ticket stays open after rating", zap.String("ticket_id", ticketID))
		return
	}
	r.schedule(r.closeDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deferredCloseTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("deferred close panicked", zap.String("ticket_id", ticketID), zap.Any("panic", rec))
			}
		}()
		if _, err := r.closer.Close(ctx, ticketID, true, domain.SystemActor); err != nil {
			r.logger.Error("deferred close failed", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	})
}
