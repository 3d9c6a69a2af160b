package audit_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/thanos-vault/thanos/internal/audit"
	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

// keyBackend seals log rows with a fixed key over a real store.
type keyBackend struct {
	*db.DB
	key []byte
}

func newBackend(d *db.DB, fill byte) keyBackend {
	return keyBackend{DB: d, key: bytes.Repeat([]byte{fill}, krypto.KeyLengthBytes)}
}

func (k keyBackend) AppendLog(ctx context.Context, pt []byte) (int64, error) {
	blob, err := krypto.Encrypt(k.key, pt)
	if err != nil {
		return 0, err
	}
	return k.InsertLog(ctx, blob)
}

func (k keyBackend) OpenLogs(ctx context.Context) ([]db.LogRow, error) {
	rows, err := k.ListLogs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		pt, err := krypto.Decrypt(k.key, rows[i].Data)
		if err != nil {
			pt = nil
		}
		rows[i].Data = pt
	}
	return rows, nil
}

func openStore(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRecordAndEntries(t *testing.T) {
	ctx := context.Background()
	d := openStore(t)
	log := audit.New(newBackend(d, 1))

	if err := log.Record(ctx, audit.EventIncorrectAttempt, map[string]string{"attempt": "1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Record(ctx, audit.EventLoginSuccess, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	rows, err := d.ListLogs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range rows {
		if bytes.Contains(r.Data, []byte("INCORRECT_ATTEMPT")) || bytes.Contains(r.Data, []byte("LOGIN_SUCCESS")) {
			t.Fatal("log entry stored in clear")
		}
	}

	entries, err := log.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != audit.EventLoginSuccess || entries[1].EventType != audit.EventIncorrectAttempt {
		t.Fatalf("unexpected order: %s, %s", entries[0].EventType, entries[1].EventType)
	}
	if entries[1].Details["attempt"] != "1" {
		t.Fatalf("details lost: %v", entries[1].Details)
	}
}

func TestUnreadableEntriesDoNotFailRead(t *testing.T) {
	ctx := context.Background()
	d := openStore(t)

	old := audit.New(newBackend(d, 1))
	if err := old.Record(ctx, audit.EventSecurityTrigger, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	current := audit.New(newBackend(d, 2))
	if err := current.Record(ctx, audit.EventLoginSuccess, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := current.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	var readable, unreadable int
	for _, e := range entries {
		if e.Unreadable {
			unreadable++
			if e.EventType != audit.EventUnreadable {
				t.Fatalf("unreadable entry has type %s", e.EventType)
			}
			continue
		}
		readable++
	}
	if readable != 1 || unreadable != 1 {
		t.Fatalf("readable=%d unreadable=%d", readable, unreadable)
	}
}

func TestRecordAtAndDelete(t *testing.T) {
	ctx := context.Background()
	d := openStore(t)
	log := audit.New(newBackend(d, 3))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := log.RecordAt(ctx, at, audit.EventIncorrectAttempt, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := log.Entries(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries: %v %v", entries, err)
	}
	if !entries[0].Timestamp.Equal(at) {
		t.Fatalf("timestamp %s, want %s", entries[0].Timestamp, at)
	}

	if err := log.Delete(ctx, entries[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, err := log.Cleanup(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("cleanup on empty log: %d %v", n, err)
	}
}
