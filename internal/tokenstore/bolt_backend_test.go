package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenBackendCreatesBoltParentDirectories(t *testing.T) {
	ctx := context.Background()
	directory := filepath.Join(t.TempDir(), "tauth-client")
	storeURL := "bolt://" + filepath.ToSlash(filepath.Join(directory, "tokens.db"))

	backend, label, err := OpenBackend(ctx, storeURL)
	if err != nil {
		t.Fatalf("failed to open bolt backend under a missing directory: %v", err)
	}
	if label != "bolt" {
		t.Fatalf("expected bolt label, got %q", label)
	}

	info, statErr := os.Stat(directory)
	if statErr != nil {
		t.Fatalf("expected directory to exist: %v", statErr)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", directory)
	}

	if err := backend.SaveSecrets(ctx, []byte("sealed-access"), []byte("sealed-refresh")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	access, refresh, loadErr := backend.LoadSecrets(ctx)
	if loadErr != nil {
		t.Fatalf("load failed: %v", loadErr)
	}
	if string(access) != "sealed-access" || string(refresh) != "sealed-refresh" {
		t.Fatalf("unexpected secrets %q %q", access, refresh)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestOpenBoltBackendRejectsFileAsParent(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to write blocker: %v", err)
	}
	if _, err := OpenBoltBackend(filepath.Join(blocker, "tokens.db")); err == nil {
		t.Fatalf("expected error when the parent path is a file")
	}
}
