package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// Storage keeps uploaded sources and their content indexes under one
// directory. Keys never leave the base path.
type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: abs}, nil
}

func (s *Storage) Save(_ context.Context, key string, data io.Reader) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.basePath, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move file into place: %w", err)
	}
	return nil
}

func (s *Storage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "open stored object", err)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Locator returns the file:// URL the analysis workers read the source from.
func (s *Storage) Locator(key string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.basePath, filepath.Base(key)))}
	return u.String()
}

// ReadLocal reads a file:// locator that points inside the storage root.
func (s *Storage) ReadLocal(locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "file" {
		return nil, domain.WrapError(domain.ErrMalformedArtifact, "read local artifact", fmt.Errorf("not a file locator: %q", locator))
	}
	path := filepath.Clean(filepath.FromSlash(u.Path))
	if !strings.HasPrefix(path, s.basePath+string(filepath.Separator)) {
		return nil, domain.WrapError(domain.ErrMalformedArtifact, "read local artifact", fmt.Errorf("path %q is outside the storage root", path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrMalformedArtifact, "read local artifact", err)
		}
		return nil, domain.WrapError(domain.ErrTemporary, "read local artifact", err)
	}
	return raw, nil
}

func (s *Storage) resolve(key string) (string, error) {
	name := filepath.Base(filepath.Clean(key))
	if key == "" || name == "." || name == ".." || name == string(filepath.Separator) || name != key {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve storage key", fmt.Errorf("invalid key %q", key))
	}
	return filepath.Join(s.basePath, name), nil
}
