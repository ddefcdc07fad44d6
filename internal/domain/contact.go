package domain

import "time"

// PlaceholderAvatar is stored when the channel cannot provide a profile picture.
const PlaceholderAvatar = "/media/nopicture.png"

// Contact is the identity of a sender, individual or group, within a tenant.
type Contact struct {
	ID                string
	TenantID          string
	Address           string
	Name              string
	IsGroup           bool
	ProfilePictureURL string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
