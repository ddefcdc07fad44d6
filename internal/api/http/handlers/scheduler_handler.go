package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/chatdesk-io/chatdesk/internal/api/dto"
	"github.com/chatdesk-io/chatdesk/internal/service"
)

// AutoAssignTrigger runs or enqueues an auto-assign pass.
type AutoAssignTrigger interface {
	Trigger(ctx context.Context, tenantID string) (service.AssignmentReport, bool, error)
}

// SchedulerHandler exposes on-demand scheduler runs.
type SchedulerHandler struct {
	scheduler AutoAssignTrigger
}

// NewSchedulerHandler constructs handler.
func NewSchedulerHandler(scheduler AutoAssignTrigger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: scheduler}
}

// TriggerAutoAssign POST /api/tenants/:tenant/auto-assign.
func (h *SchedulerHandler) TriggerAutoAssign(c *fiber.Ctx) error {
	tenantID := c.Params("tenant")
	report, queued, err := h.scheduler.Trigger(c.UserContext(), tenantID)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if queued {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{"data": dto.AutoAssignResponse{
		TenantID: tenantID,
		Queued:   queued,
		Assigned: report.Assigned,
		Skipped:  report.Skipped,
		Failed:   report.Failed,
	}})
}
