package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const pendingFilename = "pending_events.yaml"

// PendingEvent is a security event that happened while the vault was
// locked. It waits on disk until the next unlock can encrypt it into the
// security log, so it must never carry secrets.
type PendingEvent struct {
	At      time.Time         `yaml:"at"`
	Event   string            `yaml:"event"`
	Details map[string]string `yaml:"details,omitempty"`
}

// PendingPath resolves the queued events file.
func (p Paths) PendingPath() string {
	return filepath.Join(p.Dir, pendingFilename)
}

// LoadPending reads the queued events. A missing file yields none.
func LoadPending(p Paths) ([]PendingEvent, error) {
	data, err := os.ReadFile(p.PendingPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending events: %w", err)
	}
	var events []PendingEvent
	if err := yaml.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode pending events: %w", err)
	}
	return events, nil
}

// SavePending replaces the queued events with events. An empty list
// removes the file.
func SavePending(p Paths, events []PendingEvent) error {
	if len(events) == 0 {
		return ClearPending(p)
	}
	data, err := yaml.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode pending events: %w", err)
	}
	return WriteFileAtomic(p.PendingPath(), data, 0o600)
}

// ClearPending removes the queued events file.
func ClearPending(p Paths) error {
	if err := os.Remove(p.PendingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pending events: %w", err)
	}
	return nil
}
