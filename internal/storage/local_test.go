package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	ref, err := store.Upload(ctx, src, "aggregation/a1/out.xlsx")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "aggregation/a1/out.xlsx" {
		t.Fatalf("unexpected ref %q", ref)
	}

	dst := filepath.Join(t.TempDir(), "out.txt")
	if err := store.Download(ctx, ref, dst); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content %q", data)
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if err := store.Download(ctx, ref, dst); err == nil {
		t.Fatalf("download after delete should fail")
	}
	// Deleting again is not an error.
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(context.Background(), "x", "../escape"); err == nil {
		t.Fatalf("path escaping the root should be rejected")
	}
}
