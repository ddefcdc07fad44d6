package domain

import "time"

// TicketProjection is the broadcast view of a ticket with its related summaries.
type TicketProjection struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Status        TicketStatus     `json:"status"`
	ChatbotActive bool             `json:"chatbot_active"`
	UnreadCount   int              `json:"unread_count"`
	LastMessage   string           `json:"last_message"`
	Channel       string           `json:"channel"`
	IsGroup       bool             `json:"is_group"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Contact       *ContactSummary  `json:"contact,omitempty"`
	Queue         *QueueSummary    `json:"queue,omitempty"`
	Agent         *AgentSummary    `json:"agent,omitempty"`
	Tracking      *TrackingSummary `json:"tracking,omitempty"`
}

// ContactSummary is the contact part of a projection.
type ContactSummary struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Address           string `json:"address"`
	IsGroup           bool   `json:"is_group"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

// QueueSummary is the queue part of a projection.
type QueueSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AgentSummary is the agent part of a projection.
type AgentSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TrackingSummary exposes the timestamps UIs display.
type TrackingSummary struct {
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	RatingRequestedAt *time.Time `json:"rating_requested_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Rating            *int       `json:"rating,omitempty"`
}
