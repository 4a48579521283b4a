// Package lock guards a profile directory against concurrent daemons. The
// local store assumes a single writer process; the flock is what enforces it.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another daemon already owns the profile.
type HeldError struct {
	Profile string
	PID     int
	Path    string
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("profile %q is in use by pid %d (%s)", e.Profile, e.PID, e.Path)
	}
	return fmt.Sprintf("profile %q is in use (%s)", e.Profile, e.Path)
}

// Lock represents an acquired profile lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts an exclusive flock on <dir>/LOCK for the named profile.
// Returns HeldError, carrying the owning pid when readable, if another
// process already holds it.
func Acquire(dir, profile string) (*Lock, error) {
	lockPath := filepath.Join(dir, "LOCK")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		pid := ownerPID(string(data))
		_ = f.Close()
		return nil, &HeldError{Profile: profile, PID: pid, Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("profile=%s\npid=%d\ntime=%s\n",
		profile, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ownerPID parses the pid out of an existing lock file for diagnostics.
func ownerPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
