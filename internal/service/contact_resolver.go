package service

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/domain"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// avatarRetryInterval throttles profile picture lookups for contacts that
// still carry the placeholder.
const avatarRetryInterval = 6 * time.Hour

// ContactDirectory is the part of a session the resolver needs.
type ContactDirectory interface {
	FetchProfilePicture(ctx context.Context, who channel.Recipient) (string, error)
	FetchGroupMetadata(ctx context.Context, address string) (channel.GroupMetadata, error)
}

// ContactResolver upserts senders into contacts.
type ContactResolver struct {
	contacts repository.ContactRepository
	lookups  *gocache.Cache
	logger   *zap.Logger
}

// NewContactResolver constructs the resolver.
func NewContactResolver(contacts repository.ContactRepository, logger *zap.Logger) *ContactResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContactResolver{
		contacts: contacts,
		lookups:  gocache.New(avatarRetryInterval, time.Hour),
		logger:   logger,
	}
}

// NormalizeAddress strips the channel suffix, device qualifier and leading
// plus sign from a raw sender identifier.
func NormalizeAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if i := strings.Index(addr, "@"); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.Index(addr, ":"); i >= 0 {
		addr = addr[:i]
	}
	return strings.TrimPrefix(addr, "+")
}

// Resolve upserts the contact identified by senderID within tenantID.
func (r *ContactResolver) Resolve(ctx context.Context, dir ContactDirectory, senderID, displayName string, isGroup bool, tenantID string) (*domain.Contact, error) {
	address := NormalizeAddress(senderID)
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = address
	}

	contact := &domain.Contact{
		TenantID:          tenantID,
		Address:           address,
		Name:              name,
		IsGroup:           isGroup,
		ProfilePictureURL: domain.PlaceholderAvatar,
	}
	created, err := r.contacts.Upsert(ctx, contact)
	if err != nil {
		return nil, err
	}

	if created || r.shouldRetryAvatar(contact) {
		r.refreshAvatar(ctx, dir, contact)
	}
	return contact, nil
}

// ResolveGroup upserts the aggregate contact of a group conversation, naming
// it from the group metadata when available.
func (r *ContactResolver) ResolveGroup(ctx context.Context, dir ContactDirectory, groupID, tenantID string) (*domain.Contact, error) {
	address := NormalizeAddress(groupID)
	cacheKey := "group:" + tenantID + ":" + address
	if cached, ok := r.lookups.Get(cacheKey); ok {
		return r.Resolve(ctx, dir, address, cached.(string), true, tenantID)
	}

	name := "Group " + address
	if dir != nil {
		meta, err := dir.FetchGroupMetadata(ctx, address)
		if err != nil {
			r.logger.Debug("group metadata unavailable", zap.String("group", address), zap.Error(err))
		} else if strings.TrimSpace(meta.Name) != "" {
			name = meta.Name
		}
	}
	r.lookups.SetDefault(cacheKey, name)
	return r.Resolve(ctx, dir, address, name, true, tenantID)
}

func (r *ContactResolver) shouldRetryAvatar(contact *domain.Contact) bool {
	if contact.ProfilePictureURL != "" && contact.ProfilePictureURL != domain.PlaceholderAvatar {
		return false
	}
	return r.lookups.Add(contact.ID, struct{}{}, gocache.DefaultExpiration) == nil
}

// refreshAvatar is best effort; the placeholder stays on failure.
func (r *ContactResolver) refreshAvatar(ctx context.Context, dir ContactDirectory, contact *domain.Contact) {
	if dir == nil {
		return
	}
	r.lookups.SetDefault(contact.ID, struct{}{})

	url, err := dir.FetchProfilePicture(ctx, channel.Recipient{Address: contact.Address, IsGroup: contact.IsGroup})
	if err != nil || url == "" {
		if err != nil {
			r.logger.Debug("profile picture unavailable", zap.String("contact_id", contact.ID), zap.Error(err))
		}
		return
	}
	if err := r.contacts.UpdateProfilePicture(ctx, contact.ID, url); err != nil {
		r.logger.Warn("storing profile picture failed", zap.String("contact_id", contact.ID), zap.Error(err))
		return
	}
	contact.ProfilePictureURL = url
}
