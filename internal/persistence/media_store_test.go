package persistence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatdesk-io/chatdesk/internal/config"
)

func TestMediaStoreSave(t *testing.T) {
	dir := t.TempDir()
	store, err := NewMediaStore(config.MediaConfig{Dir: dir, BaseURL: "/media/"})
	if err != nil {
		t.Fatalf("NewMediaStore() error = %v", err)
	}

	url, err := store.Save(context.Background(), "tenant/../1", "photo.jpg", "image/jpeg", []byte("data"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !strings.HasPrefix(url, "/media/tenant_.._1/") || !strings.HasSuffix(url, ".jpg") {
		t.Fatalf("unexpected url %q", url)
	}

	name := filepath.Base(url)
	content, err := os.ReadFile(filepath.Join(dir, "tenant_.._1", name))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(content) != "data" {
		t.Fatalf("stored content = %q", content)
	}
}

func TestMediaStoreSaveCanceled(t *testing.T) {
	store, err := NewMediaStore(config.MediaConfig{Dir: t.TempDir(), BaseURL: "/media"})
	if err != nil {
		t.Fatalf("NewMediaStore() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Save(ctx, "t1", "a.txt", "", nil); err == nil {
		t.Fatal("expected canceled context error")
	}
}
