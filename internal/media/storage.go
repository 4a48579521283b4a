// Package media stores raw blobs and hands back stable references. The sync
// engine only ever consumes the reference as message content; it does not
// reconcile blob state.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Storage is the media collaborator contract: bytes in, stable retrievable
// reference out.
type Storage interface {
	Put(ctx context.Context, data []byte, ext string) (ref string, err error)
	Open(ctx context.Context, ref string) ([]byte, error)
}

// DirStorage keeps blobs under a local directory, named by uuid.
type DirStorage struct {
	root string
}

// NewDirStorage creates storage rooted at dir, creating it if needed.
func NewDirStorage(dir string) (*DirStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &DirStorage{root: dir}, nil
}

// Put writes the blob and returns its reference.
func (s *DirStorage) Put(_ context.Context, data []byte, ext string) (string, error) {
	name := uuid.NewString()
	if ext != "" {
		name += "." + ext
	}
	path := filepath.Join(s.root, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return name, nil
}

// Open reads a blob back by reference.
func (s *DirStorage) Open(_ context.Context, ref string) ([]byte, error) {
	clean := filepath.Base(ref)
	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	return data, nil
}
