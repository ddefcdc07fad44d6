package worker

import (
	"context"

	"github.com/chatdesk-io/chatdesk/internal/service"
)

// StartNotificationWorker registers broadcast handlers and drains the queue
// in the background until ctx is done.
func StartNotificationWorker(ctx context.Context, notificationService *service.NotificationService) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	go notificationService.Run(ctx)
}
