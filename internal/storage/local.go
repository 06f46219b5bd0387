package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects under a root directory. Used in tests and
// single-node deployments.
type Local struct {
	Root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{Root: root}, nil
}

func (l *Local) resolve(logicalPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(logicalPath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid logical path %q", logicalPath)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l *Local) Upload(ctx context.Context, localPath, logicalPath string) (string, error) {
	dst, err := l.resolve(logicalPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := copyFile(localPath, dst); err != nil {
		return "", fmt.Errorf("upload %s: %w", logicalPath, err)
	}
	return logicalPath, nil
}

func (l *Local) Download(ctx context.Context, storedRef, localPath string) error {
	src, err := l.resolve(storedRef)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if err := copyFile(src, localPath); err != nil {
		return fmt.Errorf("download %s: %w", storedRef, err)
	}
	return nil
}

func (l *Local) Delete(ctx context.Context, storedRef string) error {
	path, err := l.resolve(storedRef)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
