package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/events"
	"github.com/chatdesk-io/chatdesk/internal/observability"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// JobKind names a per-tenant background job.
type JobKind string

const (
	JobAutoAssign   JobKind = "auto_assign"
	JobRatingExpiry JobKind = "rating_expiry"
)

// JobPriority orders one-off jobs.
type JobPriority int

const (
	PriorityNormal JobPriority = iota
	PriorityHigh
)

// Job is the payload of a scheduled job.
type Job struct {
	Kind     JobKind `json:"kind"`
	TenantID string  `json:"tenant_id"`
}

// Key is the stable registration key of the job.
func (j Job) Key() string {
	return string(j.Kind) + ":" + j.TenantID
}

// JobScheduler is a durable job backend.
type JobScheduler interface {
	RegisterRepeating(ctx context.Context, key, cadence string, job Job) error
	EnqueueOnce(ctx context.Context, job Job, priority JobPriority) error
}

// RatingSweeper closes tickets whose rating request expired.
type RatingSweeper interface {
	ExpireStale(ctx context.Context, tenantID string) (int, error)
}

// AssignmentReport summarizes one scheduler run for a tenant.
type AssignmentReport struct {
	TenantID string `json:"tenant_id"`
	Assigned int    `json:"assigned"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

const (
	defaultCadence   = "*/2 * * * *"
	orphanBatchLimit = 500
)

// AutoAssignScheduler distributes orphaned tickets to agents by workload for
// tenants that run without the queue menu.
type AutoAssignScheduler struct {
	tickets  repository.TicketRepository
	agents   repository.AgentRepository
	settings repository.SettingRepository
	tenants  TenantConfigSource
	jobs     JobScheduler
	ratings  RatingSweeper
	events   ticketEvents
	metrics  *observability.Metrics
	cadence  string
	logger   *zap.Logger
	now      func() time.Time
}

// SchedulerDependencies bundles collaborators of AutoAssignScheduler.
type SchedulerDependencies struct {
	TicketRepo  repository.TicketRepository
	AgentRepo   repository.AgentRepository
	SettingRepo repository.SettingRepository
	Tenants     TenantConfigSource
	// Jobs is optional; without it the scheduler runs on an in-process timer.
	Jobs       JobScheduler
	Ratings    RatingSweeper
	Dispatcher events.Dispatcher
	Projector  *Projector
	Metrics    *observability.Metrics
	Cadence    string
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewAutoAssignScheduler constructs the scheduler.
func NewAutoAssignScheduler(deps SchedulerDependencies) *AutoAssignScheduler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cadence := deps.Cadence
	if cadence == "" || !gronx.New().IsValid(cadence) {
		cadence = defaultCadence
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoAssignScheduler{
		tickets:  deps.TicketRepo,
		agents:   deps.AgentRepo,
		settings: deps.SettingRepo,
		tenants:  deps.Tenants,
		jobs:     deps.Jobs,
		ratings:  deps.Ratings,
		events:   newTicketEvents(deps.Dispatcher, deps.Projector, now),
		metrics:  deps.Metrics,
		cadence:  cadence,
		logger:   logger,
		now:      now,
	}
}

// RunOnce assigns the tenant's orphaned tickets. Tenants with automation
// enabled are skipped.
func (s *AutoAssignScheduler) RunOnce(ctx context.Context, tenantID string) (AssignmentReport, error) {
	report := AssignmentReport{TenantID: tenantID}

	cfg, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return report, err
	}
	if cfg.AutomationEnabled {
		return report, nil
	}

	orphans, err := s.tickets.ListOrphaned(ctx, tenantID, orphanBatchLimit)
	if err != nil {
		return report, fmt.Errorf("list orphaned tickets: %w", err)
	}
	if len(orphans) == 0 {
		return report, nil
	}

	agents, err := s.agents.ListWithQueues(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		report.Skipped = len(orphans)
		s.logger.Info("no agents with queues; orphaned tickets left pending",
			zap.String("tenant_id", tenantID), zap.Int("tickets", len(orphans)))
		return report, nil
	}

	agentLoad, err := s.tickets.CountActiveByAgent(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("count agent workload: %w", err)
	}
	queueLoad, err := s.tickets.CountActiveByQueue(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("count queue workload: %w", err)
	}
	workload := newWorkload(agents, agentLoad)

	for i := range orphans {
		ticket := &orphans[i]
		agent := workload.pick(report.Assigned)
		queueID := leastLoaded(agent.QueueIDs, queueLoad)

		assigned, err := s.assign(ctx, ticket, agent, queueID)
		switch {
		case err != nil:
			report.Failed++
			s.metrics.RecordAssignment("failed")
			s.logger.Error("auto assignment failed",
				zap.String("tenant_id", tenantID),
				zap.String("ticket_id", ticket.ID),
				zap.Error(err),
			)
		case !assigned:
			report.Skipped++
			s.metrics.RecordAssignment("skipped")
		default:
			report.Assigned++
			workload.add(agent.ID)
			queueLoad[queueID]++
			s.metrics.RecordAssignment("assigned")
		}
	}

	s.logger.Info("auto assignment run finished",
		zap.String("tenant_id", tenantID),
		zap.Int("assigned", report.Assigned),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// assign writes one assignment. A ticket claimed concurrently by an agent
// reports false.
func (s *AutoAssignScheduler) assign(ctx context.Context, ticket *domain.Ticket, agent *domain.Agent, queueID string) (assigned bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	ok, err := s.tickets.AssignIfUnassigned(ctx, ticket.ID, agent.ID, queueID)
	if err != nil || !ok {
		return false, err
	}

	ticket.AgentID = &agent.ID
	ticket.QueueID = &queueID
	actor := domain.Actor{Type: domain.ActorScheduler, TenantID: ticket.TenantID}
	before := &domain.Ticket{Status: ticket.Status}
	if err := recordChanges(ctx, s.tickets, before, ticket, actor); err != nil {
		s.logger.Warn("assignment history not recorded", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	s.events.updated(ctx, ticket)
	return true, nil
}

// RunAll runs every tenant in isolation.
func (s *AutoAssignScheduler) RunAll(ctx context.Context) {
	tenantIDs, err := s.settings.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("listing tenants failed", zap.Error(err))
		return
	}
	for _, tenantID := range tenantIDs {
		if ctx.Err() != nil {
			return
		}
		s.runJob(ctx, Job{Kind: JobAutoAssign, TenantID: tenantID})
		s.runJob(ctx, Job{Kind: JobRatingExpiry, TenantID: tenantID})
	}
}

// HandleJob executes a job received from the durable backend.
func (s *AutoAssignScheduler) HandleJob(ctx context.Context, job Job) error {
	switch job.Kind {
	case JobAutoAssign:
		_, err := s.RunOnce(ctx, job.TenantID)
		return err
	case JobRatingExpiry:
		if s.ratings == nil {
			return nil
		}
		closed, err := s.ratings.ExpireStale(ctx, job.TenantID)
		if closed > 0 {
			s.logger.Info("closed tickets with expired rating requests",
				zap.String("tenant_id", job.TenantID), zap.Int("closed", closed))
		}
		return err
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (s *AutoAssignScheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("scheduler job panicked",
				zap.String("job", job.Key()), zap.Any("panic", rec))
		}
	}()
	if err := s.HandleJob(ctx, job); err != nil {
		s.logger.Error("scheduler job failed", zap.String("job", job.Key()), zap.Error(err))
	}
}

// Start registers the repeating jobs with the durable backend, or runs the
// in-process timer when there is none.
func (s *AutoAssignScheduler) Start(ctx context.Context) {
	if s.jobs != nil {
		err := s.registerJobs(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("durable job registration failed; using in-process timer", zap.Error(err))
	}
	go s.runTimer(ctx)
}

func (s *AutoAssignScheduler) registerJobs(ctx context.Context) error {
	tenantIDs, err := s.settings.ListTenantIDs(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenantIDs {
		for _, kind := range []JobKind{JobAutoAssign, JobRatingExpiry} {
			job := Job{Kind: kind, TenantID: tenantID}
			if err := s.jobs.RegisterRepeating(ctx, job.Key(), s.cadence, job); err != nil {
				return fmt.Errorf("register %s: %w", job.Key(), err)
			}
		}
	}
	s.logger.Info("scheduler jobs registered", zap.Int("tenants", len(tenantIDs)), zap.String("cadence", s.cadence))
	return nil
}

func (s *AutoAssignScheduler) runTimer(ctx context.Context) {
	s.logger.Info("in-process scheduler started", zap.String("cadence", s.cadence))
	for {
		s.RunAll(ctx)

		now := s.now()
		next, err := gronx.NextTickAfter(s.cadence, now, false)
		if err != nil {
			next = now.Add(2 * time.Minute)
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Trigger requests an immediate run for tenantID. With a durable backend the
// run is enqueued at high priority and the returned report is empty.
func (s *AutoAssignScheduler) Trigger(ctx context.Context, tenantID string) (AssignmentReport, bool, error) {
	if s.jobs != nil {
		err := s.jobs.EnqueueOnce(ctx, Job{Kind: JobAutoAssign, TenantID: tenantID}, PriorityHigh)
		if err == nil {
			return AssignmentReport{TenantID: tenantID}, true, nil
		}
		s.logger.Warn("enqueue failed; running auto assignment inline", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	report, err := s.RunOnce(ctx, tenantID)
	return report, false, err
}

// workload is the per-run view of agent load.
type workload struct {
	agents []*domain.Agent
	load   map[string]int
}

func newWorkload(agents []domain.Agent, counts map[string]int) *workload {
	w := &workload{agents: make([]*domain.Agent, 0, len(agents)), load: make(map[string]int, len(agents))}
	for i := range agents {
		w.agents = append(w.agents, &agents[i])
		w.load[agents[i].ID] = counts[agents[i].ID]
	}
	w.sort()
	return w
}

func (w *workload) sort() {
	sort.SliceStable(w.agents, func(i, j int) bool {
		li, lj := w.load[w.agents[i].ID], w.load[w.agents[j].ID]
		if li != lj {
			return li < lj
		}
		return w.agents[i].ID < w.agents[j].ID
	})
}

// pick chooses among the agents tied at the lowest load, rotating by the
// number of assignments made so far.
func (w *workload) pick(assigned int) *domain.Agent {
	lowest := w.load[w.agents[0].ID]
	n := 1
	for n < len(w.agents) && w.load[w.agents[n].ID] == lowest {
		n++
	}
	return w.agents[assigned%n]
}

func (w *workload) add(agentID string) {
	w.load[agentID]++
	w.sort()
}
