// Package tempfile allocates per-request media files and guarantees their removal.
package tempfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// namePattern matches every file Create can produce, plus the working files
// a writer derives from it (yt-dlp's "<name>.part", "<stem>.temp.mp3", ...).
var namePattern = regexp.MustCompile(`^[a-z]+_\d+_[0-9a-f]{8}(\.[A-Za-z0-9-]+)+$`)

// Manager hands out unique file paths inside a single directory.
type Manager struct {
	dir string
	now func() time.Time
	log zerolog.Logger
}

// NewManager returns a manager rooted at dir.
func NewManager(dir string, log zerolog.Logger) *Manager {
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Manager{dir: dir, now: time.Now, log: log}
}

// Dir is the directory artifacts are created in.
func (m *Manager) Dir() string { return m.dir }

// Create allocates a path named <prefix>_<unix millis>_<8 hex>.<ext>.
// The file itself is created by whoever writes to it.
func (m *Manager) Create(prefix, ext string) (*Artifact, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	now := m.now()
	id := uuid.New().String()[:8]
	name := fmt.Sprintf("%s_%d_%s.%s", prefix, now.UnixMilli(), id, ext)
	return &Artifact{Path: filepath.Join(m.dir, name), CreatedAt: now}, nil
}

// Scope returns an owner for the artifacts of one request.
func (m *Manager) Scope() *Scope {
	return &Scope{m: m}
}

// Sweep removes artifacts older than maxAge. They only exist when the
// process died before a request reached its terminal state.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !namePattern.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := removeFile(filepath.Join(m.dir, e.Name())); err != nil {
			m.log.Warn().Err(err).Str("file", e.Name()).Msg("sweep: remove failed")
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepLoop runs Sweep every interval until ctx is done.
func (m *Manager) SweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := m.Sweep(maxAge)
			if err != nil {
				m.log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				m.log.Info().Int("removed", n).Msg("removed stale temp files")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Artifact is one temporary media file.
type Artifact struct {
	Path      string
	CreatedAt time.Time
}

// Remove deletes the file together with any working file sharing its
// stem, such as a partial download. It can be called any number of times: a
// writer may still create the path after an earlier removal, and a file that
// was never created is not an error.
func (a *Artifact) Remove() error {
	err := removeFile(a.Path)

	dir, base := filepath.Split(a.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base)) + "."
	entries, readErr := os.ReadDir(dir)
	if readErr != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == base || e.IsDir() || !strings.HasPrefix(name, stem) {
			continue
		}
		if rmErr := removeFile(filepath.Join(dir, name)); err == nil {
			err = rmErr
		}
	}
	return err
}

// Exists reports whether the file is on disk.
func (a *Artifact) Exists() bool {
	_, err := os.Stat(a.Path)
	return err == nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Scope holds at most one live artifact. It is safe to call from the
// request goroutine and the cancellation callback at the same time.
type Scope struct {
	m *Manager

	mu      sync.Mutex
	current *Artifact
	closed  bool
}

// ErrScopeClosed is returned by Create after Close.
var ErrScopeClosed = errors.New("tempfile: scope closed")

// Create removes the current artifact, if any, and allocates a new one.
func (s *Scope) Create(prefix, ext string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	if s.current != nil {
		if err := s.current.Remove(); err != nil {
			s.m.log.Warn().Err(err).Str("path", s.current.Path).Msg("remove previous temp file")
		}
		s.current = nil
	}
	a, err := s.m.Create(prefix, ext)
	if err != nil {
		return nil, err
	}
	s.current = a
	return a, nil
}

// Current returns the live artifact or nil.
func (s *Scope) Current() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close removes the live artifact and refuses further allocations.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.current == nil {
		return
	}
	if err := s.current.Remove(); err != nil {
		s.m.log.Error().Err(err).Str("path", s.current.Path).Msg("remove temp file")
	}
}
