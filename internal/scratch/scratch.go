// Package scratch owns the process-wide scratch directory and the
// per-request scopes that guarantee staged files and chunks are removed on
// every exit path.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
)

// MaxNameBytes is the longest file name placed in the directory.
const MaxNameBytes = 255

const maxCollisions = 10000

// Dir is the scratch directory created at process start.
type Dir struct {
	path string

	closeOnce sync.Once
	closeErr  error
}

// New creates a fresh scratch directory under parent.
func New(parent string) (*Dir, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch parent: %w", err)
	}
	path, err := os.MkdirTemp(parent, "urlupload-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	logging.Info("scratch directory created", zap.String("path", path))
	return &Dir{path: path}, nil
}

// Path returns the directory's absolute path.
func (d *Dir) Path() string { return d.path }

// Reserve creates a new empty file for name, appending _1, _2, ... before
// the extension until the name is free. The returned file is open for
// writing; the caller owns it.
func (d *Dir) Reserve(name string) (*os.File, error) {
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]

	for i := 0; i < maxCollisions; i++ {
		suffix := ""
		if i > 0 {
			suffix = "_" + strconv.Itoa(i)
		}
		candidate := fitName(base, suffix, ext)
		f, err := os.OpenFile(filepath.Join(d.path, candidate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("reserve %s: %w", candidate, err)
		}
	}
	return nil, fmt.Errorf("reserve %s: too many collisions", name)
}

// fitName joins base+suffix+ext, trimming base so the result stays within
// MaxNameBytes without splitting a UTF-8 sequence.
func fitName(base, suffix, ext string) string {
	room := MaxNameBytes - len(suffix) - len(ext)
	if room < 1 {
		room = 1
	}
	if len(base) > room {
		base = base[:room]
		for len(base) > 0 && !utf8.ValidString(base) {
			base = base[:len(base)-1]
		}
	}
	return base + suffix + ext
}

// Free returns the bytes available to unprivileged users on the
// directory's volume.
func (d *Dir) Free() (uint64, error) {
	usage, err := disk.Usage(d.path)
	if err != nil {
		return 0, fmt.Errorf("disk usage: %w", err)
	}
	metrics.SetScratchFreeBytes(usage.Free)
	return usage.Free, nil
}

// Entries lists the names currently in the directory.
func (d *Dir) Entries() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Close removes the directory and everything in it. Safe to call more than once.
func (d *Dir) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = os.RemoveAll(d.path)
		if d.closeErr != nil {
			logging.Warn("failed to remove scratch directory",
				zap.String("path", d.path), zap.Error(d.closeErr))
			return
		}
		logging.Info("scratch directory removed", zap.String("path", d.path))
	})
	return d.closeErr
}

// Scope tracks the files belonging to one request. Close removes whatever
// is still tracked; removal failures are logged and counted, never returned.
type Scope struct {
	dir    *Dir
	logger *zap.Logger

	mu    sync.Mutex
	paths map[string]struct{}
}

// NewScope opens a request scope. The context only supplies the logger.
func (d *Dir) NewScope(ctx context.Context) *Scope {
	return &Scope{
		dir:    d,
		logger: logging.WithContext(ctx),
		paths:  make(map[string]struct{}),
	}
}

// Dir returns the scratch directory the scope places files in.
func (s *Scope) Dir() *Dir { return s.dir }

// Track registers path for removal when the scope closes.
func (s *Scope) Track(path string) {
	s.mu.Lock()
	s.paths[path] = struct{}{}
	s.mu.Unlock()
}

// Release removes path now and stops tracking it.
func (s *Scope) Release(path string) {
	s.mu.Lock()
	delete(s.paths, path)
	s.mu.Unlock()
	s.remove(path)
}

// Tracked returns the number of files still owned by the scope.
func (s *Scope) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Close removes every tracked file.
func (s *Scope) Close() {
	s.mu.Lock()
	paths := s.paths
	s.paths = make(map[string]struct{})
	s.mu.Unlock()

	for p := range paths {
		s.remove(p)
	}
}

func (s *Scope) remove(path string) {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}
	metrics.RecordScratchCleanupFailure()
	s.logger.Warn("failed to remove scratch file", zap.String("path", path), zap.Error(err))
}
