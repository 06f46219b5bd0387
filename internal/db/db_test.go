package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDataDirCreatesAndReturnsPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	got, err := EnsureDataDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Fatalf("want %s back, got %s", dir, got)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("data dir should exist: %v", err)
	}
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mailmerge.db")); err != nil {
		t.Fatalf("db file should exist: %v", err)
	}
}
