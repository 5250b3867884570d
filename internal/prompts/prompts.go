// ABOUTME: File-backed prompt text assets edited through the prompt designer
// ABOUTME: core.txt, main.txt and named subprompts under subprompts/, with name sanitizing

package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when the requested prompt file does not exist
	ErrNotFound = errors.New("prompt not found")
	// ErrExists is returned when creating a subprompt that already exists
	ErrExists = errors.New("prompt already exists")
	// ErrInvalidName is returned for names outside [A-Za-z0-9_-]{1,64}
	ErrInvalidName = errors.New("invalid prompt name")
	// ErrInvalidType is returned for a prompt_type other than core, main or subprompt
	ErrInvalidType = errors.New("invalid prompt type")
)

// Type selects which prompt file an operation addresses
type Type string

const (
	TypeCore      Type = "core"
	TypeMain      Type = "main"
	TypeSubprompt Type = "subprompt"
)

const (
	subpromptDir  = "subprompts"
	fileExt       = ".txt"
	maxNameLength = 64
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store reads and writes prompt files under one directory.
type Store struct {
	dir    string
	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates a Store rooted at dir. The directory is created on first write.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    filepath.Clean(dir),
		logger: logger.With("component", "prompts"),
	}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// ParseType validates a prompt_type value.
func ParseType(v string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(v))); t {
	case TypeCore, TypeMain, TypeSubprompt:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, v)
}

// Get returns the content of a prompt. name is only used for subprompts.
func (s *Store) Get(t Type, name string) (string, error) {
	path, err := s.path(t, name)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s %q: %w", t, name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	return string(data), nil
}

// Save replaces a prompt's content, creating the file if needed.
func (s *Store) Save(t Type, name, content string) error {
	path, err := s.path(t, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(path, []byte(content)); err != nil {
		return fmt.Errorf("saving prompt: %w", err)
	}
	s.logger.Info("prompt saved", "type", t, "name", name, "bytes", len(content))
	return nil
}

// ListSubprompts returns subprompt names in sorted order.
func (s *Store) ListSubprompts() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, subpromptDir))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing subprompts: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		if validName(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateSubprompt creates an empty subprompt. ErrExists if it is already there.
func (s *Store) CreateSubprompt(name string) error {
	path, err := s.path(TypeSubprompt, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating subprompt dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("subprompt %q: %w", name, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("creating subprompt: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("creating subprompt: %w", err)
	}

	s.logger.Info("subprompt created", "name", name)
	return nil
}

// DeleteSubprompt removes a subprompt. ErrNotFound if it does not exist.
func (s *Store) DeleteSubprompt(name string) error {
	path, err := s.path(TypeSubprompt, name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("subprompt %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("deleting subprompt: %w", err)
	}

	s.logger.Info("subprompt deleted", "name", name)
	return nil
}

// path resolves the file for a prompt and checks it stays inside the root.
func (s *Store) path(t Type, name string) (string, error) {
	var p string
	switch t {
	case TypeCore, TypeMain:
		p = filepath.Join(s.dir, string(t)+fileExt)
	case TypeSubprompt:
		if !validName(name) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		p = filepath.Join(s.dir, subpromptDir, name+fileExt)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, t)
	}

	rel, err := filepath.Rel(s.dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes prompt directory", ErrInvalidName, name)
	}
	return p, nil
}

func validName(name string) bool {
	return len(name) > 0 && len(name) <= maxNameLength && namePattern.MatchString(name)
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path, so readers never see a partial prompt.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".prompt-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
