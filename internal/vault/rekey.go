package vault

import (
	"context"
	"fmt"

	"github.com/thanos-vault/thanos/internal/db"
	"github.com/thanos-vault/thanos/krypto"
)

type rekeyStats struct {
	credentials int
	logs        int
	skippedLogs int
}

// rekeyAll re-encrypts every credential password and every readable log
// entry from oldKey to newKey. All credentials are decrypted before any row
// is written, so a single unreadable credential aborts with nothing changed.
// Log entries that fail to decrypt under oldKey are left as they are.
func rekeyAll(ctx context.Context, w db.ReadWriter, oldKey, newKey []byte) (rekeyStats, error) {
	var stats rekeyStats

	creds, err := w.ListCredentials(ctx)
	if err != nil {
		return stats, fmt.Errorf("list credentials: %w", err)
	}

	plain := make([][]byte, len(creds))
	defer func() {
		for _, p := range plain {
			krypto.Wipe(p)
		}
	}()
	for i, c := range creds {
		pt, err := krypto.Decrypt(oldKey, c.EncryptedPassword)
		if err != nil {
			return stats, fmt.Errorf("decrypt credential %d: %w", c.ID, err)
		}
		plain[i] = pt
	}

	for i, c := range creds {
		blob, err := krypto.Encrypt(newKey, plain[i])
		if err != nil {
			return stats, fmt.Errorf("encrypt credential %d: %w", c.ID, err)
		}
		c.EncryptedPassword = blob
		if err := w.UpdateCredential(ctx, c); err != nil {
			return stats, fmt.Errorf("store credential %d: %w", c.ID, err)
		}
		stats.credentials++
	}

	logs, err := w.ListLogs(ctx)
	if err != nil {
		return stats, fmt.Errorf("list logs: %w", err)
	}
	for _, l := range logs {
		pt, err := krypto.Decrypt(oldKey, l.Data)
		if err != nil {
			stats.skippedLogs++
			continue
		}
		blob, err := krypto.Encrypt(newKey, pt)
		krypto.Wipe(pt)
		if err != nil {
			return stats, fmt.Errorf("encrypt log %d: %w", l.ID, err)
		}
		if err := w.UpdateLog(ctx, l.ID, blob); err != nil {
			return stats, fmt.Errorf("store log %d: %w", l.ID, err)
		}
		stats.logs++
	}
	return stats, nil
}
