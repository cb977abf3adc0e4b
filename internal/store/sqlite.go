package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_rows (
	id TEXT PRIMARY KEY,
	scope TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	forwarded_from TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_scope ON chat_rows(scope, created_at);

CREATE TABLE IF NOT EXISTS task_rows (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attribution_records (
	instance_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	content_prefix TEXT NOT NULL,
	ts TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	entry_uuid TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attribution_lookup ON attribution_records(instance_id, content_prefix, ts);

CREATE TABLE IF NOT EXISTS identity_grants (
	public_key_b32 TEXT PRIMARY KEY,
	account_key TEXT NOT NULL,
	display_name TEXT NOT NULL,
	access_rights TEXT NOT NULL,
	active INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS remotes (
	name TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	auto_connect INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLite is a store.Store backed by modernc.org/sqlite (pure Go, no
// cgo), so the module stays single-binary-cross-compilable.
type SQLite struct {
	db *sql.DB
}

// Open creates or migrates the SQLite database at path ("file::memory:"
// is accepted for tests).
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SQLite) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		u.ID, u.DisplayName, timeStr(u.CreatedAt))
	return err
}

func (s *SQLite) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

func (s *SQLite) AppendChat(ctx context.Context, row ChatRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_rows (id, scope, topic, sender_id, content, forwarded_from, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Scope, row.Topic, row.SenderID, row.Content, row.ForwardedFrom, timeStr(row.CreatedAt))
	return err
}

func (s *SQLite) GetChat(ctx context.Context, id string) (ChatRow, error) {
	var row ChatRow
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, topic, sender_id, content, forwarded_from, created_at FROM chat_rows WHERE id = ?`, id,
	).Scan(&row.ID, &row.Scope, &row.Topic, &row.SenderID, &row.Content, &row.ForwardedFrom, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatRow{}, ErrNotFound
	}
	if err != nil {
		return ChatRow{}, err
	}
	row.CreatedAt = parseTime(created)
	return row, nil
}

// ChatHistory returns up to limit rows for scope (optionally filtered by
// topic), strictly before beforeID if given, newest first. The
// dispatcher is responsible for capping limit at 100.
func (s *SQLite) ChatHistory(ctx context.Context, scope, topic, beforeID string, limit int) ([]ChatRow, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, scope, topic, sender_id, content, forwarded_from, created_at FROM chat_rows WHERE scope = ?`)
	args := []any{scope}
	if topic != "" {
		query.WriteString(` AND topic = ?`)
		args = append(args, topic)
	}
	if beforeID != "" {
		query.WriteString(` AND created_at < (SELECT created_at FROM chat_rows WHERE id = ?)`)
		args = append(args, beforeID)
	}
	query.WriteString(` ORDER BY created_at DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRow
	for rows.Next() {
		var row ChatRow
		var created string
		if err := rows.Scan(&row.ID, &row.Scope, &row.Topic, &row.SenderID, &row.Content, &row.ForwardedFrom, &created); err != nil {
			return nil, err
		}
		row.CreatedAt = parseTime(created)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLite) ChatTopics(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT topic FROM chat_rows WHERE scope = ? AND topic != '' ORDER BY topic`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		out = append(out, topic)
	}
	return out, rows.Err()
}

func (s *SQLite) UpsertTask(ctx context.Context, t TaskRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_rows (id, instance_id, title, status, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, status = excluded.status`,
		t.ID, t.InstanceID, t.Title, t.Status, timeStr(t.CreatedAt))
	return err
}

func (s *SQLite) GetTask(ctx context.Context, id string) (TaskRow, error) {
	var t TaskRow
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, title, status, created_at FROM task_rows WHERE id = ?`, id,
	).Scan(&t.ID, &t.InstanceID, &t.Title, &t.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRow{}, ErrNotFound
	}
	if err != nil {
		return TaskRow{}, err
	}
	t.CreatedAt = parseTime(created)
	return t, nil
}

func (s *SQLite) RecordAttribution(ctx context.Context, rec AttributionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attribution_records (instance_id, user_id, display_name, content_prefix, ts, task_id, entry_uuid)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.UserID, rec.DisplayName, rec.ContentPrefix, timeStr(rec.Timestamp), rec.TaskID, rec.EntryUUID)
	return err
}

// FindAttribution finds a record for instanceID whose content prefix
// matches and whose timestamp falls within window of near, preferring
// the closest timestamp.
func (s *SQLite) FindAttribution(ctx context.Context, instanceID, contentPrefix string, near time.Time, window time.Duration) (AttributionRecord, error) {
	lo := timeStr(near.Add(-window))
	hi := timeStr(near.Add(window))
	var rec AttributionRecord
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, user_id, display_name, content_prefix, ts, task_id, entry_uuid
		 FROM attribution_records
		 WHERE instance_id = ? AND content_prefix = ? AND ts BETWEEN ? AND ?
		 ORDER BY ABS(strftime('%s', ts) - strftime('%s', ?)) ASC LIMIT 1`,
		instanceID, contentPrefix, lo, hi, timeStr(near),
	).Scan(&rec.InstanceID, &rec.UserID, &rec.DisplayName, &rec.ContentPrefix, &ts, &rec.TaskID, &rec.EntryUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return AttributionRecord{}, ErrNotFound
	}
	if err != nil {
		return AttributionRecord{}, err
	}
	rec.Timestamp = parseTime(ts)
	return rec, nil
}

func (s *SQLite) LinkAttributionEntry(ctx context.Context, instanceID, contentPrefix string, near time.Time, entryUUID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attribution_records SET entry_uuid = ?
		 WHERE rowid = (
			SELECT rowid FROM attribution_records
			WHERE instance_id = ? AND content_prefix = ?
			ORDER BY ABS(strftime('%s', ts) - strftime('%s', ?)) ASC LIMIT 1
		 )`,
		entryUUID, instanceID, contentPrefix, timeStr(near))
	return err
}

func (s *SQLite) UpsertIdentityGrant(ctx context.Context, g IdentityGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity_grants (public_key_b32, account_key, display_name, access_rights, active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(public_key_b32) DO UPDATE SET
			account_key = excluded.account_key,
			display_name = excluded.display_name,
			access_rights = excluded.access_rights,
			active = excluded.active`,
		g.PublicKeyB32, g.AccountKey, g.DisplayName, strings.Join(g.AccessRights, ","), boolToInt(g.Active))
	return err
}

func (s *SQLite) FindIdentityGrant(ctx context.Context, publicKeyB32 string) (IdentityGrant, error) {
	var g IdentityGrant
	var rights string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key_b32, account_key, display_name, access_rights, active FROM identity_grants WHERE public_key_b32 = ?`,
		publicKeyB32,
	).Scan(&g.PublicKeyB32, &g.AccountKey, &g.DisplayName, &rights, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return IdentityGrant{}, ErrNotFound
	}
	if err != nil {
		return IdentityGrant{}, err
	}
	if rights != "" {
		g.AccessRights = strings.Split(rights, ",")
	}
	g.Active = active != 0
	return g, nil
}

func (s *SQLite) UpsertRemote(ctx context.Context, r RemoteRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO remotes (name, address, auto_connect) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET address = excluded.address, auto_connect = excluded.auto_connect`,
		r.Name, r.Address, boolToInt(r.AutoConnect))
	return err
}

func (s *SQLite) AutoConnectRemotes(ctx context.Context) ([]RemoteRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, address, auto_connect FROM remotes WHERE auto_connect = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RemoteRecord
	for rows.Next() {
		var r RemoteRecord
		var ac int
		if err := rows.Scan(&r.Name, &r.Address, &ac); err != nil {
			return nil, err
		}
		r.AutoConnect = ac != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent appends a hash-chained audit record: hash = SHA-256(prev_hash
// || kind || payload), so any row can be revalidated against its
// predecessor without a separate signature.
func (s *SQLite) AppendEvent(ctx context.Context, kind, payload string) (EventRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EventRecord{}, err
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		prevHash = strings.Repeat("0", 64)
	} else if err != nil {
		return EventRecord{}, err
	}

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(kind))
	h.Write([]byte(payload))
	hash := hex.EncodeToString(h.Sum(nil))
	now := time.Now()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (kind, payload, prev_hash, hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		kind, payload, prevHash, hash, timeStr(now))
	if err != nil {
		return EventRecord{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return EventRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return EventRecord{}, err
	}

	return EventRecord{Seq: seq, Kind: kind, Payload: payload, PrevHash: prevHash, Hash: hash, CreatedAt: now}, nil
}

func (s *SQLite) QueryEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, payload, prev_hash, hash, created_at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var created string
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Payload, &e.PrevHash, &e.Hash, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLite)(nil)
