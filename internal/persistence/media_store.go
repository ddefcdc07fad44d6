package persistence

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/chatdesk-io/chatdesk/internal/config"
)

// MediaStore writes downloaded inbound attachments to a local directory served
// under a public base URL.
type MediaStore struct {
	dir     string
	baseURL string
}

// NewMediaStore ensures the media directory exists.
func NewMediaStore(cfg config.MediaConfig) (*MediaStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &MediaStore{dir: cfg.Dir, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// Save stores data for a tenant and returns its public URL.
func (s *MediaStore) Save(ctx context.Context, tenantID, fileName, mimeType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tenantDir := filepath.Join(s.dir, sanitize(tenantID))
	if err := os.MkdirAll(tenantDir, 0o755); err != nil {
		return "", fmt.Errorf("create tenant media dir: %w", err)
	}

	name := uuid.NewString() + extensionFor(fileName, mimeType)
	if err := os.WriteFile(filepath.Join(tenantDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return path.Join(s.baseURL, sanitize(tenantID), name), nil
}

func extensionFor(fileName, mimeType string) string {
	if ext := filepath.Ext(fileName); ext != "" {
		return sanitize(ext)
	}
	if mimeType == "" {
		return ""
	}
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func sanitize(v string) string {
	if v == "" || v == "." || v == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, v)
}
