// Package lock keeps two relay invocations from running against the same
// cursor at once.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultFileName is the PID file created in the user's home directory.
const DefaultFileName = ".okta-to-humio.pid"

// ErrLocked is returned when the PID file already exists.
var ErrLocked = errors.New("another instance is running")

// LockedError reports the PID file that blocked the lock.
type LockedError struct {
	Path string

	// PID is the id recorded in the file; 0 when unreadable.
	PID int
}

func (e *LockedError) Error() string {
	msg := fmt.Sprintf("PID file %s exists", e.Path)
	if e.PID > 0 {
		msg += fmt.Sprintf(" (pid %d)", e.PID)
	}
	return msg + "; if no other instance is running, delete the file and try again"
}

// Is matches ErrLocked.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// DefaultPath returns the PID file path in the user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, DefaultFileName), nil
}

// PIDFile is a held lock.
type PIDFile struct {
	path string
}

// Acquire creates the PID file exclusively and writes the current pid. A
// PID file left behind by a crashed run is not reclaimed automatically.
func Acquire(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, &LockedError{Path: path, PID: readPID(path)}
		}
		return nil, fmt.Errorf("create PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close PID file: %w", err)
	}

	return &PIDFile{path: path}, nil
}

// Path returns the PID file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Release removes the PID file. Releasing twice is a no-op.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
