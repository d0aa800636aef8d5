// Package lockfile keeps two OrderPipe processes from sharing one state directory.
//
// Two engines on the same session store would route the same user concurrently, so the
// lock is an exclusive flock that the kernel drops when the process exits.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "orderpipe.lock"

// Holder describes the process that owns a lock, as written into the lock file.
type Holder struct {
	PID     int
	Catalog string
	Started time.Time
}

// String formats the holder the way it is written to disk.
func (h Holder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pid=%d\n", h.PID)
	if h.Catalog != "" {
		fmt.Fprintf(&sb, "catalog=%s\n", h.Catalog)
	}
	if !h.Started.IsZero() {
		fmt.Fprintf(&sb, "started=%s\n", h.Started.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

// ParseHolder reads lock file content. Unknown keys and malformed values are ignored.
func ParseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(val); err == nil {
				h.PID = pid
			}
		case "catalog":
			h.Catalog = val
		case "started":
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir for the given catalog. It fails with a
// *LockError when another live process holds it.
func AcquireLock(stateDir, catalog string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Attempting to acquire lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's details before we know whether we win the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		existing := describeExisting(lockPath)
		slog.Error("Failed to acquire lock - another OrderPipe instance is running",
			"error", err, "lock_path", lockPath, "existing_lock_info", existing)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: existing, Cause: err}
	}

	holder := Holder{PID: os.Getpid(), Catalog: catalog, Started: time.Now()}
	if err := writeHolder(file, holder); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Successfully acquired state directory lock", "lock_path", lockPath, "pid", holder.PID, "catalog", catalog)
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.String()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err, "lock_path", file.Name())
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Failed to release flock", "error", err, "lock_path", l.path)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Failed to close lock file", "error", err, "lock_path", l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Error("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	l.file = nil
	slog.Info("Successfully released state directory lock", "lock_path", l.path)
	return nil
}

// LockError represents an error when failing to acquire a lock due to another process
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("Another OrderPipe instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}
	msg += "\n\nIf no other OrderPipe instance is running, the lock file is stale and can be removed with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath) +
		"\n\nTwo instances on one state directory would answer the same customers twice."
	return msg
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeExisting summarizes the lock holder for error messages.
func describeExisting(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	h := ParseHolder(string(data))
	if h.PID <= 0 {
		return "lock file exists but contains no process information"
	}
	desc := fmt.Sprintf("PID %d", h.PID)
	if h.Catalog != "" {
		desc += fmt.Sprintf(", catalog %s", h.Catalog)
	}
	if !h.Started.IsZero() {
		desc += fmt.Sprintf(", started %s", h.Started.Format(time.RFC3339))
	}
	if isProcessRunning(h.PID) {
		return desc + " (running)"
	}
	return desc + " (not running - stale lock)"
}

// isProcessRunning sends signal 0, which checks for existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
