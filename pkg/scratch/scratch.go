// Package scratch stages short-lived files for external tools.
//
// Every file handed out by a Session lives directly under the scratch root and
// carries the session's random token, so concurrent sessions never collide.
package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	defaultDirName = "tagbot-scratch"
	filePrefix     = "tagbot-"
)

// Dir is a resolved scratch directory shared by all sessions.
type Dir struct {
	root string
}

// Open resolves path (home-relative paths allowed) and creates it when missing.
// An empty path selects a directory under os.TempDir.
func Open(path string) (*Dir, error) {
	root, err := resolveRoot(path)
	if err != nil {
		return nil, err
	}

	return &Dir{root: root}, nil
}

// Root returns the absolute scratch directory.
func (d *Dir) Root() string {
	if d == nil {
		return ""
	}

	return d.root
}

// NewSession starts a set of scratch files owned by one invocation.
func (d *Dir) NewSession() *Session {
	return &Session{dir: d, token: uuid.NewString()}
}

// Session tracks the files of one invocation. It is not safe for concurrent use.
type Session struct {
	dir   *Dir
	token string
	paths []string
}

// Token returns the unique name component of this session.
func (s *Session) Token() string {
	return s.token
}

// Path reserves a scratch path ending in suffix (for example "in.bin").
// The file is not created; Close removes it if something else did.
func (s *Session) Path(suffix string) (string, error) {
	clean := strings.TrimSpace(suffix)
	if clean == "" || clean != filepath.Base(clean) || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("invalid scratch suffix %q", suffix)
	}

	path := filepath.Join(s.dir.root, filePrefix+s.token+"-"+clean)
	if !isWithin(s.dir.root, path) {
		return "", fmt.Errorf("scratch path escapes %s", s.dir.root)
	}

	s.paths = append(s.paths, path)
	return path, nil
}

// WriteFile reserves a path for suffix and writes data to it.
func (s *Session) WriteFile(suffix string, data []byte) (string, error) {
	path, err := s.Path(suffix)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write scratch file: %w", err)
	}

	return path, nil
}

// Close removes every reserved path. Missing files are not an error.
func (s *Session) Close() error {
	var errs []error
	for _, path := range s.paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.paths = nil

	return errors.Join(errs...)
}

func resolveRoot(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = filepath.Join(os.TempDir(), defaultDirName)
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute scratch path: %w", err)
	}

	cleanPath := filepath.Clean(absPath)
	if err := os.MkdirAll(cleanPath, 0o700); err != nil {
		return "", fmt.Errorf("create scratch directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("resolve scratch directory: %w", err)
	}

	return filepath.Clean(resolved), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
