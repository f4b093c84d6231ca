package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/mneme/internal/memory"
)

// ErrInvalidID is returned for session ids that cannot name a blob.
var ErrInvalidID = errors.New("invalid session id")

// Store persists one blob per session. Load of an unknown id yields the
// empty state, not an error.
type Store interface {
	Load(ctx context.Context, id string) (*memory.State, error)
	Save(ctx context.Context, id string, st *memory.State) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// ValidateID accepts 1-128 characters from [A-Za-z0-9._-], not starting
// with a dot.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 || id[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// FileStore keeps each session in <dir>/sessions/<id>.json. Every save
// rewrites the whole file in place.
type FileStore struct {
	basePath string
	codec    Codec
}

// NewFileStore creates a file store rooted at dataDir.
func NewFileStore(dataDir string, codec Codec) *FileStore {
	return &FileStore{
		basePath: filepath.Join(dataDir, "sessions"),
		codec:    codec,
	}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.basePath, id+".json")
}

// Save persists a session to disk.
func (s *FileStore) Save(_ context.Context, id string, st *memory.State) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	data, err := s.codec.Encode(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(s.path(id), data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Load retrieves a session, or the empty state if it was never saved.
func (s *FileStore) Load(_ context.Context, id string) (*memory.State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return memory.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return s.codec.Decode(data)
}

// Delete removes a session file. Deleting an unknown session is a no-op.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns stored session ids in sorted order.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
