package domain

import "time"

// GroupPolicy decides whether group conversations are handled.
type GroupPolicy string

const (
	GroupPolicyAllow GroupPolicy = "allow"
	GroupPolicyBlock GroupPolicy = "block"
)

// Tenant setting keys.
const (
	SettingAutomationEnabled    = "automationEnabled"
	SettingGroupPolicy          = "groupPolicy"
	SettingRatingEnabled        = "ratingEnabled"
	SettingHistoryWindowDays    = "historyWindowDays"
	SettingSessionMarginSeconds = "sessionMarginSeconds"
	SettingReopenWindowHours    = "reopenWindowHours"
	SettingRatingTemplate       = "ratingTemplate"
	SettingFarewellMessage      = "farewellMessage"
	SettingGreetingMessage      = "greetingMessage"
	SettingTransferMessage      = "transferMessage"
	SettingOutOfHoursMessage    = "outOfHoursMessage"
	SettingTimezone             = "timezone"
)

// TenantSetting is one flag of a tenant's configuration.
type TenantSetting struct {
	TenantID  string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// TenantConfig is the immutable per-event view of a tenant's settings.
type TenantConfig struct {
	TenantID          string
	AutomationEnabled bool
	GroupPolicy       GroupPolicy
	RatingEnabled     bool
	HistoryWindow     time.Duration
	SessionMargin     time.Duration
	ReopenWindow      time.Duration
	RatingWindow      time.Duration
	RatingTemplate    string
	FarewellMessage   string
	GreetingMessage   string
	TransferMessage   string
	OutOfHoursMessage string
	Location          *time.Location
}

// BlocksGroups reports whether group-origin events must be ignored.
func (c TenantConfig) BlocksGroups() bool {
	return c.GroupPolicy == GroupPolicyBlock
}

// LocalTime converts t into the tenant's location.
func (c TenantConfig) LocalTime(t time.Time) time.Time {
	if c.Location == nil {
		return t
	}
	return t.In(c.Location)
}
