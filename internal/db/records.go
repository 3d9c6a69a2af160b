package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential represents an account row. Only EncryptedPassword is secret,
// and it is stored exactly as handed in.
type Credential struct {
	ID                int64
	Name              string
	Username          string
	EncryptedPassword []byte
	URL               string
	Notes             string
	Category          string
	Importance        int
	Tags              string
	CreatedAt         time.Time
}

// LogRow is one encrypted security log entry.
type LogRow struct {
	ID        int64
	Timestamp time.Time
	Data      []byte
}

// ReadWriter is the record interface shared by DB and Tx.
type ReadWriter interface {
	GetConfig(ctx context.Context, key string) ([]byte, error)
	SetConfig(ctx context.Context, key string, value []byte) error
	DeleteConfig(ctx context.Context, key string) error

	ListCredentials(ctx context.Context) ([]Credential, error)
	GetCredential(ctx context.Context, id int64) (Credential, error)
	InsertCredential(ctx context.Context, c Credential) (int64, error)
	UpdateCredential(ctx context.Context, c Credential) error
	DeleteCredential(ctx context.Context, id int64) error

	InsertLog(ctx context.Context, data []byte) (int64, error)
	ListLogs(ctx context.Context) ([]LogRow, error)
	UpdateLog(ctx context.Context, id int64, data []byte) error
	DeleteLog(ctx context.Context, id int64) error
	DeleteLogsOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

var (
	_ ReadWriter = (*DB)(nil)
	_ ReadWriter = (*Tx)(nil)
)

type rw struct {
	q querier
}

func (r rw) ready() error {
	if r.q == nil {
		return fmt.Errorf("database handle is nil")
	}
	return nil
}

// GetConfig returns the value stored under key, or ErrNotFound.
func (r rw) GetConfig(ctx context.Context, key string) ([]byte, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var value []byte
	err := r.q.QueryRowContext(ctx, `SELECT value FROM vault_config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig inserts or replaces the value stored under key.
func (r rw) SetConfig(ctx context.Context, key string, value []byte) error {
	if err := r.ready(); err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx,
		`INSERT INTO vault_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	); err != nil {
		return fmt.Errorf("upsert config %s: %w", key, err)
	}
	return nil
}

// DeleteConfig removes key; a missing key is not an error.
func (r rw) DeleteConfig(ctx context.Context, key string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM vault_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

const selectCredential = `
SELECT id, name, COALESCE(username, ''), encrypted_password, COALESCE(url, ''), COALESCE(notes, ''),
       COALESCE(category, 'Other'), COALESCE(importance, 1), COALESCE(tags, ''),
       COALESCE(CAST(strftime('%s', created_at) AS INTEGER), 0)
  FROM accounts`

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (Credential, error) {
	var (
		c       Credential
		created int64
	)
	if err := s.Scan(
		&c.ID,
		&c.Name,
		&c.Username,
		&c.EncryptedPassword,
		&c.URL,
		&c.Notes,
		&c.Category,
		&c.Importance,
		&c.Tags,
		&created,
	); err != nil {
		return Credential{}, err
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	return c, nil
}

// ListCredentials returns every account ordered by importance (highest
// first), then name, then id.
func (r rw) ListCredentials(ctx context.Context) ([]Credential, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, selectCredential+` ORDER BY importance DESC, name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("select credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

// GetCredential returns the account with the given id, or ErrNotFound.
func (r rw) GetCredential(ctx context.Context, id int64) (Credential, error) {
	if err := r.ready(); err != nil {
		return Credential{}, err
	}
	c, err := scanCredential(r.q.QueryRowContext(ctx, selectCredential+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("select credential: %w", err)
	}
	return c, nil
}

// InsertCredential stores a new account row and returns its database ID.
func (r rw) InsertCredential(ctx context.Context, c Credential) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO accounts (name, username, encrypted_password, url, notes, category, importance, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Username, c.EncryptedPassword, c.URL, c.Notes, c.Category, c.Importance, c.Tags,
	)
	if err != nil {
		return 0, fmt.Errorf("insert credential: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetch insert id: %w", err)
	}
	return id, nil
}

// UpdateCredential overwrites every mutable field of the account c.ID.
func (r rw) UpdateCredential(ctx context.Context, c Credential) error {
	if err := r.ready(); err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE accounts
		    SET name = ?, username = ?, encrypted_password = ?, url = ?, notes = ?,
		        category = ?, importance = ?, tags = ?
		  WHERE id = ?`,
		c.Name, c.Username, c.EncryptedPassword, c.URL, c.Notes, c.Category, c.Importance, c.Tags, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return expectOne(res)
}

// DeleteCredential removes the account with the given id.
// It returns ErrNotFound if nothing was deleted.
func (r rw) DeleteCredential(ctx context.Context, id int64) error {
	if err := r.ready(); err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return expectOne(res)
}

// InsertLog appends an encrypted security log entry.
func (r rw) InsertLog(ctx context.Context, data []byte) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	res, err := r.q.ExecContext(ctx, `INSERT INTO security_logs (encrypted_log_data) VALUES (?)`, data)
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetch insert id: %w", err)
	}
	return id, nil
}

// ListLogs returns every log entry, newest first.
func (r rw) ListLogs(ctx context.Context) ([]LogRow, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, COALESCE(CAST(strftime('%s', timestamp) AS INTEGER), 0), encrypted_log_data
		   FROM security_logs
		  ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("select logs: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var (
			l  LogRow
			ts int64
		)
		if err := rows.Scan(&l.ID, &ts, &l.Data); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		l.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return out, nil
}

// UpdateLog replaces the encrypted payload of a log entry.
func (r rw) UpdateLog(ctx context.Context, id int64, data []byte) error {
	if err := r.ready(); err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `UPDATE security_logs SET encrypted_log_data = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("update log: %w", err)
	}
	return expectOne(res)
}

// DeleteLog removes one log entry.
func (r rw) DeleteLog(ctx context.Context, id int64) error {
	if err := r.ready(); err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `DELETE FROM security_logs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	return expectOne(res)
}

// DeleteLogsOlderThan removes entries older than age and reports how many went.
func (r rw) DeleteLogsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	modifier := fmt.Sprintf("-%d seconds", int64(age/time.Second))
	res, err := r.q.ExecContext(ctx, `DELETE FROM security_logs WHERE timestamp < datetime('now', ?)`, modifier)
	if err != nil {
		return 0, fmt.Errorf("delete old logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return n, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
