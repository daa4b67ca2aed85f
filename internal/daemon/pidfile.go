// Package daemon tracks the single background API server through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Acquire when a live process already owns the file.
var ErrRunning = errors.New("already running")

// PIDFile records which process owns a background server.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire records pid as the owner. A file left behind by a dead process is
// taken over; a live owner other than pid yields ErrRunning.
func (p *PIDFile) Acquire(pid int) error {
	if owner, alive := p.Owner(); alive && owner != pid {
		return fmt.Errorf("%w (pid %d)", ErrRunning, owner)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the file if pid still owns it. A missing file is not an error.
func (p *PIDFile) Release(pid int) error {
	owner, err := p.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && owner != pid {
		return nil
	}
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Read returns the recorded PID.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}
