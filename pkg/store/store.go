// Package store manages the local SQLite state of a tagsync device.
//
// The database is local-only and never replicated. It holds:
//
//   - meta: the device identity assigned at first run
//   - watermarks: per device, the highest sequence number folded into the
//     local tag store
//   - operations: an index of every operation folded so far, keyed by
//     (device_id, seq) and looked up by (message_key, tag)
//   - tags: a SQLite-backed Local Tag Store for installations without an
//     external mail index
//
// Operations and watermarks are written in one transaction so the index
// never runs ahead of or behind the watermarks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kubux/tagsync/pkg/model"

	_ "modernc.org/sqlite"
)

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(FULL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention runs a write with the default retry policy.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS watermarks (
		device_id  TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operations (
		device_id   TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		message_key TEXT NOT NULL,
		tag         TEXT NOT NULL,
		action      TEXT NOT NULL,
		ts          INTEGER NOT NULL,
		PRIMARY KEY (device_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_operations_key ON operations(message_key, tag);

	CREATE TABLE IF NOT EXISTS tags (
		message_key TEXT NOT NULL,
		tag         TEXT NOT NULL,
		PRIMARY KEY (message_key, tag)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Meta
// ---------------------------------------------------------------------------

const metaDeviceID = "device_id"

// GetMeta returns the value stored under key, or "" and false.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM meta WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetMeta stores value under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		return err
	})
}

// EnsureDeviceID returns the persisted device identity. On first run it
// stores preferred, or generate() when preferred is empty. A configured
// preferred value that differs from the stored one is rejected: a device
// must never change identity under an existing state DB.
func (s *Store) EnsureDeviceID(ctx context.Context, preferred string, generate func() string) (string, error) {
	cur, ok, err := s.GetMeta(ctx, metaDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		if preferred != "" && preferred != cur {
			return "", fmt.Errorf("state db belongs to device %q, configured device_id is %q", cur, preferred)
		}
		return cur, nil
	}
	id := preferred
	if id == "" {
		id = generate()
	}
	if err := model.ValidateDeviceID(id); err != nil {
		return "", err
	}
	if err := s.SetMeta(ctx, metaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Watermarks
// ---------------------------------------------------------------------------

type watermarkRow struct {
	DeviceID  string `db:"device_id"`
	Seq       int64  `db:"seq"`
	UpdatedAt string `db:"updated_at"`
}

func (r watermarkRow) toModel() (model.Watermark, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return model.Watermark{}, fmt.Errorf("parse updated_at for device %s: %w", r.DeviceID, err)
	}
	return model.Watermark{DeviceID: r.DeviceID, Seq: uint64(r.Seq), UpdatedAt: ts}, nil
}

// GetWatermark returns the watermark of deviceID (0 if never seen).
func (s *Store) GetWatermark(ctx context.Context, deviceID string) (uint64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `SELECT seq FROM watermarks WHERE device_id = ?`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

// ListWatermarks returns all watermarks ordered by device.
func (s *Store) ListWatermarks(ctx context.Context) ([]model.Watermark, error) {
	var rows []watermarkRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, seq, updated_at FROM watermarks ORDER BY device_id`); err != nil {
		return nil, err
	}
	out := make([]model.Watermark, 0, len(rows))
	for _, r := range rows {
		w, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// WatermarkMap returns device -> seq for every known device.
func (s *Store) WatermarkMap(ctx context.Context) (map[string]uint64, error) {
	marks, err := s.ListWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]uint64, len(marks))
	for _, w := range marks {
		m[w.DeviceID] = w.Seq
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Operation index
// ---------------------------------------------------------------------------

type opRow struct {
	DeviceID   string `db:"device_id"`
	Seq        int64  `db:"seq"`
	MessageKey string `db:"message_key"`
	Tag        string `db:"tag"`
	Action     string `db:"action"`
	TS         int64  `db:"ts"`
}

func (r opRow) toModel() model.TagOperation {
	return model.TagOperation{
		DeviceID:   r.DeviceID,
		Seq:        uint64(r.Seq),
		MessageKey: r.MessageKey,
		Tag:        r.Tag,
		Action:     model.Action(r.Action),
		Time:       r.TS,
	}
}

func fromModel(op model.TagOperation) opRow {
	return opRow{
		DeviceID:   op.DeviceID,
		Seq:        int64(op.Seq),
		MessageKey: op.MessageKey,
		Tag:        op.Tag,
		Action:     string(op.Action),
		TS:         op.Time,
	}
}

const insertOp = `INSERT OR IGNORE INTO operations (device_id, seq, message_key, tag, action, ts)
	VALUES (:device_id, :seq, :message_key, :tag, :action, :ts)`

// IndexOperations inserts ops into the operation index. Already indexed
// operations are ignored, so replays are harmless. Watermarks are not
// touched.
func (s *Store) IndexOperations(ctx context.Context, ops []model.TagOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		if err := insertOps(ctx, tx, ops); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertOps(ctx context.Context, tx *sqlx.Tx, ops []model.TagOperation) error {
	stmt, err := tx.PrepareNamedContext(ctx, insertOp)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, op := range ops {
		if _, err := stmt.ExecContext(ctx, fromModel(op)); err != nil {
			return fmt.Errorf("index %s: %w", op.ID(), err)
		}
	}
	return nil
}

// OperationsForKey returns every indexed operation targeting key.
func (s *Store) OperationsForKey(ctx context.Context, key model.Key) ([]model.TagOperation, error) {
	var rows []opRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, seq, message_key, tag, action, ts FROM operations
		 WHERE message_key = ? AND tag = ?
		 ORDER BY ts, device_id, seq`,
		key.MessageKey, key.Tag); err != nil {
		return nil, err
	}
	return toOps(rows), nil
}

// OperationsForMessage returns every indexed operation on messageKey,
// across all tags.
func (s *Store) OperationsForMessage(ctx context.Context, messageKey string) ([]model.TagOperation, error) {
	var rows []opRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, seq, message_key, tag, action, ts FROM operations
		 WHERE message_key = ?
		 ORDER BY tag, ts, device_id, seq`,
		messageKey); err != nil {
		return nil, err
	}
	return toOps(rows), nil
}

// ListOperations returns the whole index ordered by key.
func (s *Store) ListOperations(ctx context.Context) ([]model.TagOperation, error) {
	var rows []opRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, seq, message_key, tag, action, ts FROM operations
		 ORDER BY message_key, tag, ts, device_id, seq`); err != nil {
		return nil, err
	}
	return toOps(rows), nil
}

// CountOperations returns the number of indexed operations per device.
func (s *Store) CountOperations(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		DeviceID string `db:"device_id"`
		N        int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT device_id, COUNT(*) AS n FROM operations GROUP BY device_id`); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.DeviceID] = r.N
	}
	return out, nil
}

func toOps(rows []opRow) []model.TagOperation {
	ops := make([]model.TagOperation, len(rows))
	for i, r := range rows {
		ops[i] = r.toModel()
	}
	return ops
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// Commit indexes ops and advances watermarks in one transaction. A
// watermark only ever moves forward: a lower seq than the stored one is
// ignored. Devices mapped to 0 are registered as "none consumed". Any
// failure leaves both tables unchanged and is reported as
// model.ErrWatermarkPersist.
func (s *Store) Commit(ctx context.Context, ops []model.TagOperation, marks map[string]uint64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if len(ops) > 0 {
			if err := insertOps(ctx, tx, ops); err != nil {
				return err
			}
		}
		for dev, seq := range marks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO watermarks (device_id, seq, updated_at) VALUES (?, ?, ?)
				 ON CONFLICT(device_id) DO UPDATE SET
				   seq = MAX(watermarks.seq, excluded.seq),
				   updated_at = CASE WHEN excluded.seq > watermarks.seq
				                     THEN excluded.updated_at ELSE watermarks.updated_at END`,
				dev, int64(seq), now,
			); err != nil {
				return fmt.Errorf("advance watermark %s: %w", dev, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrWatermarkPersist, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// SQLite Local Tag Store
// ---------------------------------------------------------------------------

// GetTags returns the tags currently set on messageKey, sorted.
func (s *Store) GetTags(ctx context.Context, messageKey string) ([]string, error) {
	var tags []string
	if err := s.db.SelectContext(ctx, &tags,
		`SELECT tag FROM tags WHERE message_key = ? ORDER BY tag`, messageKey); err != nil {
		return nil, err
	}
	return tags, nil
}

// AddTag sets tag on messageKey. Adding a present tag is a no-op.
func (s *Store) AddTag(ctx context.Context, messageKey, tag string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (message_key, tag) VALUES (?, ?)`, messageKey, tag)
		return err
	})
}

// RemoveTag clears tag from messageKey. Removing an absent tag is a no-op.
func (s *Store) RemoveTag(ctx context.Context, messageKey, tag string) error {
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM tags WHERE message_key = ? AND tag = ?`, messageKey, tag)
		return err
	})
}

// AllTags returns message -> sorted tags for every tagged message.
func (s *Store) AllTags(ctx context.Context) (map[string][]string, error) {
	var rows []struct {
		MessageKey string `db:"message_key"`
		Tag        string `db:"tag"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT message_key, tag FROM tags ORDER BY message_key, tag`); err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.MessageKey] = append(out[r.MessageKey], r.Tag)
	}
	return out, nil
}
