package whatsapp

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/channel"
	"github.com/chatdesk-io/chatdesk/internal/config"
	"github.com/chatdesk-io/chatdesk/internal/repository"
)

// Registrar receives connected sessions.
type Registrar interface {
	Register(ctx context.Context, session channel.Session)
	Unregister(sessionID string)
}

// Loader connects the paired devices listed in channel_sessions.
type Loader struct {
	store    *sqlstore.Container
	sessions repository.SessionRepository
	registry Registrar
	cfg      config.WhatsAppConfig
	buffer   int
	logger   *zap.Logger
}

// OpenStore opens the whatsmeow device store.
func OpenStore(ctx context.Context, cfg config.WhatsAppConfig, logger *zap.Logger) (*sqlstore.Container, error) {
	container, err := sqlstore.New(ctx, "postgres", cfg.StoreDSN, NewLogger(logger, "whatsmeow.store", cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp store: %w", err)
	}
	return container, nil
}

// NewLoader constructs a loader.
func NewLoader(store *sqlstore.Container, sessions repository.SessionRepository, registry Registrar, cfg config.WhatsAppConfig, buffer int, logger *zap.Logger) *Loader {
	return &Loader{
		store:    store,
		sessions: sessions,
		registry: registry,
		cfg:      cfg,
		buffer:   buffer,
		logger:   logger,
	}
}

// Start connects every active WhatsApp session and returns how many came up.
// Sessions without a paired device are skipped; pairing happens elsewhere.
func (l *Loader) Start(ctx context.Context) (int, error) {
	rows, err := l.sessions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channel sessions: %w", err)
	}
	connected := 0
	for _, row := range rows {
		if row.Channel != channelName {
			continue
		}
		if row.DeviceJID == "" {
			l.logger.Warn("channel session has no paired device", zap.String("session_id", row.ID))
			continue
		}
		if err := l.connect(ctx, row.ID, row.TenantID, row.DeviceJID); err != nil {
			l.logger.Error("connecting channel session failed", zap.String("session_id", row.ID), zap.Error(err))
			continue
		}
		connected++
	}
	return connected, nil
}

func (l *Loader) connect(ctx context.Context, sessionID, tenantID, deviceJID string) error {
	jid, err := types.ParseJID(deviceJID)
	if err != nil {
		return fmt.Errorf("parse device jid: %w", err)
	}
	device, err := l.store.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	if device == nil {
		return fmt.Errorf("device %s not found in store", deviceJID)
	}

	client := whatsmeow.NewClient(device, NewLogger(l.logger, "whatsmeow."+sessionID, l.cfg.LogLevel))
	client.EnableAutoReconnect = true
	session := newSession(sessionID, tenantID, client, l.buffer, l.logger)

	l.registry.Register(ctx, session)
	if err := client.Connect(); err != nil {
		l.registry.Unregister(sessionID)
		return fmt.Errorf("connect: %w", err)
	}
	// the server may hand out a new device id on login
	if current := client.Store.ID; current != nil && current.String() != deviceJID {
		if err := l.sessions.UpdateDeviceJID(ctx, sessionID, current.String()); err != nil {
			l.logger.Warn("storing device jid failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}
