// ============================================================================
// syncd Lock Guard - PID file mutual exclusion
// ============================================================================
//
// Package: internal/lock
// File: lock.go
// Purpose: At most one live instance per managed process name
//
// Layout:
//   <dir>/<name>.pid            plain text, owner PID + "\n"
//   <dir>/<name>.pid.reclaim    short-lived marker while a stale lock is removed
//
// Acquire:
//   1. Write PID into a private temp file
//   2. os.Link(temp, lock) - atomic create-if-absent, content already complete
//      (filesystems without hard links: O_CREATE|O_EXCL then write)
//   3. On EEXIST read the owner PID and probe it
//      - alive  -> ContentionError (lock untouched)
//      - dead   -> reclaim under the .reclaim marker, retry once
//
// Own PID:
//   A lock file naming this process is only live while this process holds
//   it (the in-process registry below). Otherwise it is left over from an
//   earlier boot or container start that reused the PID, and is stale.
//
// Release:
//   Deletes the lock only while it still holds the caller's PID.
//
// ============================================================================

package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/syncd/pkg/types"
)

const (
	lockSuffix    = ".pid"
	reclaimSuffix = ".reclaim"

	// reclaim markers older than this belong to a crashed reclaimer
	reclaimTimeout = 10 * time.Second
)

// Guard manages the lock files under one directory
type Guard struct {
	dir   string
	pid   int
	alive func(pid int) bool
	link  func(oldname, newname string) error
	log   *slog.Logger
}

// holders counts the locks this process holds or is creating, by absolute path
var holders = struct {
	sync.Mutex
	paths map[string]int
}{paths: make(map[string]int)}

func registryKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func hold(path string) {
	key := registryKey(path)
	holders.Lock()
	holders.paths[key]++
	holders.Unlock()
}

func unhold(path string) {
	key := registryKey(path)
	holders.Lock()
	if holders.paths[key] <= 1 {
		delete(holders.paths, key)
	} else {
		holders.paths[key]--
	}
	holders.Unlock()
}

func heldHere(path string) bool {
	key := registryKey(path)
	holders.Lock()
	defer holders.Unlock()
	return holders.paths[key] > 0
}

// Option configures a Guard
type Option func(*Guard)

// WithLogger sets the logger used for reclaim events
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.log = l
	}
}

// withProbe replaces the liveness probe (tests)
func withProbe(alive func(int) bool) Option {
	return func(g *Guard) {
		g.alive = alive
	}
}

// withLink replaces os.Link (tests)
func withLink(link func(oldname, newname string) error) Option {
	return func(g *Guard) {
		g.link = link
	}
}

// withPID overrides the recorded owner PID (tests)
func withPID(pid int) Option {
	return func(g *Guard) {
		g.pid = pid
	}
}

// NewGuard creates a Guard rooted at dir. The directory is created on first Acquire.
func NewGuard(dir string, opts ...Option) *Guard {
	g := &Guard{
		dir:   dir,
		pid:   os.Getpid(),
		alive: processAlive,
		link:  os.Link,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle is a held lock
type Handle struct {
	mu       sync.Mutex
	record   types.LockRecord
	released bool
}

// Record returns the lock record behind the handle
func (h *Handle) Record() types.LockRecord {
	return h.record
}

// Dir returns the lock directory
func (g *Guard) Dir() string {
	return g.dir
}

// Path returns the lock file path for name
func (g *Guard) Path(name string) string {
	return filepath.Join(g.dir, name+lockSuffix)
}

// Acquire takes the lock for name or returns a *ContentionError wrapping ErrAlreadyRunning
func (g *Guard) Acquire(name string) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create dir: %w", err)
	}

	path := g.Path(name)
	ownerPID := 0

	for attempt := 0; attempt < 2; attempt++ {
		created, err := g.create(path)
		if err != nil {
			return nil, err
		}
		if created {
			return &Handle{record: types.LockRecord{Name: name, PID: g.pid, Path: path}}, nil
		}

		pid, err := readPID(path)
		if errors.Is(err, fs.ErrNotExist) {
			// Released between our create and read
			continue
		}
		if err != nil {
			return nil, err
		}
		ownerPID = pid

		if g.ownerAlive(path, pid) || (pid == 0 && beingWritten(path)) {
			return nil, &ContentionError{Name: name, PID: pid}
		}

		if err := g.reclaim(path, pid); err != nil {
			if errors.Is(err, errReclaimBusy) {
				return nil, &ContentionError{Name: name, PID: pid}
			}
			return nil, err
		}
		g.log.Debug("Reclaimed stale lock", "name", name, "stale_pid", pid)
	}

	return nil, &ContentionError{Name: name, PID: ownerPID}
}

// create links a fully written temp file into place. Returns false when path exists.
// The path is registered as held before it becomes visible.
func (g *Guard) create(path string) (bool, error) {
	tmp, err := os.CreateTemp(g.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("lock: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writePID(tmp, g.pid); err != nil {
		return false, fmt.Errorf("lock: write temp: %w", err)
	}

	hold(path)
	err = g.link(tmpPath, path)
	if err != nil && linkUnsupported(err) {
		g.log.Debug("Hard links unsupported, creating lock in place", "path", path, "error", err)
		err = g.createExclusive(path)
	}
	if err != nil {
		unhold(path)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("lock: link %s: %w", path, err)
	}
	return true, nil
}

// createExclusive is the fallback for filesystems without hard links.
// Readers may briefly see an empty file, see beingWritten.
func (g *Guard) createExclusive(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := writePID(f, g.pid); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// writePID writes, syncs and closes f
func writePID(f *os.File, pid int) error {
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// linkUnsupported reports link errors that mean "no hard links here" rather than a real failure
func linkUnsupported(err error) bool {
	if errors.Is(err, fs.ErrExist) {
		return false
	}
	return errors.Is(err, errors.ErrUnsupported) || errors.Is(err, fs.ErrPermission)
}

// beingWritten reports an empty lock file young enough to still be mid-write
func beingWritten(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() == 0 && time.Since(info.ModTime()) < reclaimTimeout
}

// ownerAlive probes the recorded owner. Our own PID counts only while this process holds path.
func (g *Guard) ownerAlive(path string, pid int) bool {
	if pid == g.pid {
		return heldHere(path)
	}
	return g.alive(pid)
}

// reclaim removes a lock that still records stalePID. Only one caller reclaims at a time.
func (g *Guard) reclaim(path string, stalePID int) error {
	marker := path + reclaimSuffix
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("lock: create reclaim marker: %w", err)
		}
		if info, statErr := os.Stat(marker); statErr == nil && time.Since(info.ModTime()) > reclaimTimeout {
			os.Remove(marker)
		}
		return errReclaimBusy
	}
	f.Close()
	defer os.Remove(marker)

	pid, err := readPID(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != stalePID {
		// Someone else already reclaimed and re-acquired
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: remove stale lock: %w", err)
	}
	return nil
}

// Release deletes the lock file if it still holds the handle's PID.
// Releasing twice is a no-op.
func (g *Guard) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	pid, err := readPID(h.record.Path)
	if errors.Is(err, fs.ErrNotExist) {
		h.markReleased()
		return nil
	}
	if err != nil {
		return err
	}
	if pid != h.record.PID {
		h.markReleased()
		return fmt.Errorf("%w: %s now owned by pid %d", ErrNotHeld, h.record.Name, pid)
	}
	if err := os.Remove(h.record.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: remove %s: %w", h.record.Path, err)
	}
	h.markReleased()
	return nil
}

func (h *Handle) markReleased() {
	h.released = true
	unhold(h.record.Path)
}

// Owner reads the lock record for name. ok is false when no lock file exists.
func (g *Guard) Owner(name string) (rec types.LockRecord, live bool, ok bool, err error) {
	path := g.Path(name)
	pid, err := readPID(path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.LockRecord{}, false, false, nil
	}
	if err != nil {
		return types.LockRecord{}, false, false, err
	}
	rec = types.LockRecord{Name: name, PID: pid, Path: path}
	return rec, g.ownerAlive(path, pid), true, nil
}

// IsLive reports whether a live process holds the lock for name
func (g *Guard) IsLive(name string) bool {
	_, live, _, err := g.Owner(name)
	return err == nil && live
}

// readPID parses the lock file. Unparseable content reads as PID 0 (always stale).
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		return 0, fmt.Errorf("lock: read %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid < 0 {
		return 0, nil
	}
	return pid, nil
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("lock: invalid name %q", name)
	}
	return nil
}
