// Package audit keeps the encrypted security log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thanos-vault/thanos/internal/db"
)

// Event types.
const (
	EventIncorrectAttempt = "INCORRECT_ATTEMPT"
	EventSecurityTrigger  = "SECURITY_TRIGGER"
	EventLoginSuccess     = "LOGIN_SUCCESS"
	EventDeviceMigrated   = "DEVICE_MIGRATED"
	EventPasswordChanged  = "PASSWORD_CHANGED"
	EventBackupCreated    = "BACKUP_CREATED"

	// EventUnreadable marks an entry that no longer decrypts.
	EventUnreadable = "ENCRYPTED/UNREADABLE"
)

// Backend seals and stores log payloads. *vault.Session satisfies it.
type Backend interface {
	// AppendLog encrypts plaintext and inserts it as a new row.
	AppendLog(ctx context.Context, plaintext []byte) (int64, error)
	// OpenLogs returns rows newest first with Data decrypted, or nil Data
	// for rows that do not decrypt.
	OpenLogs(ctx context.Context) ([]db.LogRow, error)
	DeleteLog(ctx context.Context, id int64) error
	DeleteLogsOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// Entry is one decrypted log entry.
type Entry struct {
	ID         int64
	Timestamp  time.Time
	EventType  string
	Details    map[string]string
	Unreadable bool
}

type payload struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	Details   map[string]string `json:"details,omitempty"`
}

// Log records security events encrypted under the session key.
type Log struct {
	backend Backend
	now     func() time.Time
}

// New returns a Log writing through b.
func New(b Backend) *Log {
	return &Log{backend: b, now: time.Now}
}

// Record appends an event. details must not carry secrets in clear; the
// whole entry is encrypted, but callers should still keep it minimal.
func (l *Log) Record(ctx context.Context, eventType string, details map[string]string) error {
	return l.RecordAt(ctx, l.now(), eventType, details)
}

// RecordAt is Record with an explicit event time, for events that happened
// before the vault was unlocked.
func (l *Log) RecordAt(ctx context.Context, at time.Time, eventType string, details map[string]string) error {
	raw, err := json.Marshal(payload{Timestamp: at.UTC(), EventType: eventType, Details: details})
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if _, err := l.backend.AppendLog(ctx, raw); err != nil {
		return err
	}
	return nil
}

// Entries returns every entry, newest first. Entries that fail to decrypt
// are returned with Unreadable set instead of failing the read.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.backend.OpenLogs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, l.decode(r))
	}
	return out, nil
}

func (l *Log) decode(r db.LogRow) Entry {
	unreadable := Entry{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		EventType:  EventUnreadable,
		Details:    map[string]string{"error": "entry cannot be decrypted"},
		Unreadable: true,
	}

	if r.Data == nil {
		return unreadable
	}
	var p payload
	if err := json.Unmarshal(r.Data, &p); err != nil {
		return unreadable
	}
	return Entry{
		ID:        r.ID,
		Timestamp: p.Timestamp,
		EventType: p.EventType,
		Details:   p.Details,
	}
}

// Cleanup deletes entries older than age and reports how many were removed.
func (l *Log) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	return l.backend.DeleteLogsOlderThan(ctx, age)
}

// Delete removes a single entry.
func (l *Log) Delete(ctx context.Context, id int64) error {
	return l.backend.DeleteLog(ctx, id)
}
