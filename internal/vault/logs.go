package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

// AppendLog seals plaintext under the session key and stores it as a new
// security log row.
func (s *Session) AppendLog(ctx context.Context, plaintext []byte) (int64, error) {
	var id int64
	err := s.withKey(func(key []byte) error {
		blob, err := krypto.Encrypt(key, plaintext)
		if err != nil {
			return fmt.Errorf("encrypt log entry: %w", err)
		}
		id, err = s.store.InsertLog(ctx, blob)
		return err
	})
	return id, err
}

// OpenLogs returns every security log row, newest first, with Data holding
// the decrypted payload. Rows that do not decrypt under the session key
// come back with nil Data.
func (s *Session) OpenLogs(ctx context.Context) ([]db.LogRow, error) {
	var rows []db.LogRow
	err := s.withKey(func(key []byte) error {
		var err error
		rows, err = s.store.ListLogs(ctx)
		if err != nil {
			return err
		}
		for i := range rows {
			pt, err := krypto.Decrypt(key, rows[i].Data)
			if err != nil {
				pt = nil
			}
			rows[i].Data = pt
		}
		return nil
	})
	return rows, err
}

// DeleteLog removes one security log row.
func (s *Session) DeleteLog(ctx context.Context, id int64) error {
	return s.withKey(func([]byte) error {
		return s.store.DeleteLog(ctx, id)
	})
}

// DeleteLogsOlderThan prunes security log rows older than age.
func (s *Session) DeleteLogsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	var n int64
	err := s.withKey(func([]byte) error {
		var err error
		n, err = s.store.DeleteLogsOlderThan(ctx, age)
		return err
	})
	return n, err
}
