// Package blob reads uploaded source files.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotExist = errors.New("blob does not exist")

type Store interface {
	Exists(ctx context.Context, path string) (bool, error)
	Download(ctx context.Context, path string) ([]byte, error)
}

// FS serves blobs from a directory on local disk. Paths are resolved inside
// the root; anything escaping it is treated as missing.
type FS struct {
	root string
}

var _ Store = (*FS)(nil)

func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve uploads dir: %w", err)
	}
	return &FS{root: abs}, nil
}

func (s *FS) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.ToSlash(strings.TrimSpace(path)))
	full := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	return full, nil
}

func (s *FS) Exists(ctx context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *FS) Download(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
