package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/config"
	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/repository"
	apperrors "github.com/chatdesk-io/chatdesk/pkg/util/errorutil"
)

const (
	defaultRatingTemplate  = "Please rate our service:"
	defaultTransferMessage = "You have been transferred to {queue}. Please wait, you will be attended shortly."
	defaultGreeting        = "Hello! Please choose one of the options below:"
)

// TenantConfigSource resolves the per-event tenant configuration.
type TenantConfigSource interface {
	Resolve(ctx context.Context, tenantID string) (domain.TenantConfig, error)
}

// TenantConfigResolver builds TenantConfig values from tenant settings with
// process defaults, caching them for a short TTL.
type TenantConfigResolver struct {
	settings repository.SettingRepository
	defaults config.RouterConfig
	cache    *gocache.Cache
	logger   *zap.Logger
}

// NewTenantConfigResolver constructs the resolver.
func NewTenantConfigResolver(settings repository.SettingRepository, defaults config.RouterConfig, logger *zap.Logger) *TenantConfigResolver {
	ttl := defaults.TenantCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TenantConfigResolver{
		settings: settings,
		defaults: defaults,
		cache:    gocache.New(ttl, 2*ttl),
		logger:   logger,
	}
}

// Resolve returns the tenant's configuration. An unknown tenant is a data
// inconsistency.
func (r *TenantConfigResolver) Resolve(ctx context.Context, tenantID string) (domain.TenantConfig, error) {
	if cached, ok := r.cache.Get(tenantID); ok {
		return cached.(domain.TenantConfig), nil
	}

	values, err := r.settings.ListByTenant(ctx, tenantID)
	if err != nil {
		return domain.TenantConfig{}, err
	}
	if len(values) == 0 {
		exists, err := r.settings.TenantExists(ctx, tenantID)
		if err != nil {
			return domain.TenantConfig{}, err
		}
		if !exists {
			return domain.TenantConfig{}, apperrors.NewDataInconsistency("tenant not found: "+tenantID, nil)
		}
	}

	cfg := BuildTenantConfig(tenantID, values, r.defaults)
	r.cache.SetDefault(tenantID, cfg)
	return cfg, nil
}

// Invalidate drops the cached configuration of a tenant.
func (r *TenantConfigResolver) Invalidate(tenantID string) {
	r.cache.Delete(tenantID)
}

// BuildTenantConfig applies tenant setting values over process defaults.
func BuildTenantConfig(tenantID string, values map[string]string, defaults config.RouterConfig) domain.TenantConfig {
	cfg := domain.TenantConfig{
		TenantID:          tenantID,
		AutomationEnabled: parseBool(values[domain.SettingAutomationEnabled], true),
		GroupPolicy:       domain.GroupPolicyAllow,
		RatingEnabled:     parseBool(values[domain.SettingRatingEnabled], false),
		HistoryWindow:     days(parseInt(values[domain.SettingHistoryWindowDays], defaults.HistoryWindowDays)),
		SessionMargin:     time.Duration(parseInt(values[domain.SettingSessionMarginSeconds], defaults.SessionMarginSeconds)) * time.Second,
		ReopenWindow:      time.Duration(parseInt(values[domain.SettingReopenWindowHours], defaults.ReopenWindowHours)) * time.Hour,
		RatingWindow:      defaults.RatingWindow,
		RatingTemplate:    orDefault(values[domain.SettingRatingTemplate], defaultRatingTemplate),
		FarewellMessage:   values[domain.SettingFarewellMessage],
		GreetingMessage:   orDefault(values[domain.SettingGreetingMessage], defaultGreeting),
		TransferMessage:   orDefault(values[domain.SettingTransferMessage], defaultTransferMessage),
		OutOfHoursMessage: values[domain.SettingOutOfHoursMessage],
		Location:          time.UTC,
	}
	if cfg.RatingWindow <= 0 {
		cfg.RatingWindow = 24 * time.Hour
	}
	if strings.EqualFold(strings.TrimSpace(values[domain.SettingGroupPolicy]), string(domain.GroupPolicyBlock)) {
		cfg.GroupPolicy = domain.GroupPolicyBlock
	}
	if tz := strings.TrimSpace(values[domain.SettingTimezone]); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			cfg.Location = loc
		}
	}
	return cfg
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func parseBool(v string, fallback bool) bool {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "enabled", "on", "yes":
		return true
	case "disabled", "off", "no":
		return false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt(v string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
