package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/thanos-vault/thanos/internal/db"
)

func TestRunCreatesSchema(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "vault")

	path, err := run(ctx, dir)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if path != filepath.Join(dir, "vault.db") {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database missing: %v", err)
	}

	// A second run must find the file unlocked and the schema intact.
	if _, err := run(ctx, dir); err != nil {
		t.Fatalf("second run: %v", err)
	}
	d, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()
	if _, err := d.ListCredentials(ctx); err != nil {
		t.Fatalf("schema not usable: %v", err)
	}
}

func TestRunRequiresDir(t *testing.T) {
	if _, err := run(context.Background(), ""); err == nil {
		t.Fatal("expected error for missing dir")
	}
}
