package domain

import "time"

// ChannelSession is a paired transport account owned by a tenant.
type ChannelSession struct {
	ID        string
	TenantID  string
	Channel   string
	DeviceJID string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
