package brief

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/*.sql
var sqliteSchemaFS embed.FS

// SubscriptionStore is what the scheduler and command handlers need from storage.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, scope Scope, c CreatorRef, limit int) error
	RemoveSubscription(ctx context.Context, scope Scope, uid string) (bool, error)
	Subscriptions(ctx context.Context, scope Scope) ([]Subscription, error)
	SubscribedCreators(ctx context.Context) ([]CreatorRef, error)
	SubscribersOf(ctx context.Context, uid string) ([]Scope, error)
	AdvanceLastUpload(ctx context.Context, uid, observed string, next VideoRef) (bool, error)
}

// TargetStore holds per-scope push targets.
type TargetStore interface {
	AddPushTarget(ctx context.Context, t PushTarget) (bool, error)
	RemovePushTarget(ctx context.Context, owner Scope, destID string) (bool, error)
	PushTargets(ctx context.Context, owner Scope) ([]PushTarget, error)
}

// Store is the SQLite-backed durable state of one deployment.
type Store struct {
	db *sql.DB
}

var (
	_ SubscriptionStore = (*Store)(nil)
	_ TargetStore       = (*Store)(nil)
	_ SessionPersister  = (*Store)(nil)
	_ PublishRecorder   = (*Store)(nil)
)

// OpenStore opens (or creates) the database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if err := runSQLiteMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func runSQLiteMigrations(db *sql.DB) error {
	entries, err := sqliteSchemaFS.ReadDir("schema/sqlite")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		data, err := sqliteSchemaFS.ReadFile("schema/sqlite/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if _, err := db.Exec(string(data)); err != nil {
			return fmt.Errorf("execute %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func nowText() string { return time.Now().UTC().Format(time.RFC3339) }

// --- Subscriptions ---

// AddSubscription subscribes scope to c. Fails with ErrAlreadySubscribed or
// ErrLimitExceeded; existing subscriptions are never evicted.
func (s *Store) AddSubscription(ctx context.Context, scope Scope, c CreatorRef, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE scope_kind = ? AND scope_id = ? AND uid = ?`,
		scope.Kind, scope.ID, c.UID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrAlreadySubscribed
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE scope_kind = ? AND scope_id = ?`,
		scope.Kind, scope.ID).Scan(&count)
	if err != nil {
		return err
	}
	if limit > 0 && count >= limit {
		return fmt.Errorf("%w (%d)", ErrLimitExceeded, limit)
	}

	now := nowText()
	// A creator already watched keeps its last-known upload.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO creators (uid, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE creators.name END,
		 updated_at = excluded.updated_at`,
		c.UID, c.Name, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (scope_kind, scope_id, uid, created_at) VALUES (?, ?, ?, ?)`,
		scope.Kind, scope.ID, c.UID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveSubscription deletes the subscription. Creators left without
// subscribers are dropped with their last-known upload.
func (s *Store) RemoveSubscription(ctx context.Context, scope Scope, uid string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE scope_kind = ? AND scope_id = ? AND uid = ?`,
		scope.Kind, scope.ID, uid)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM creators WHERE uid = ? AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE uid = ?)`,
		uid, uid); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Subscriptions lists scope's subscriptions in creation order.
func (s *Store) Subscriptions(ctx context.Context, scope Scope) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.uid, c.name, c.last_upload, c.last_upload_at, s.created_at
		 FROM subscriptions s JOIN creators c ON c.uid = s.uid
		 WHERE s.scope_kind = ? AND s.scope_id = ?
		 ORDER BY s.created_at, c.uid`,
		scope.Kind, scope.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			c       CreatorRef
			at      int64
			created string
		)
		if err := rows.Scan(&c.UID, &c.Name, &c.LastUploadID, &at, &created); err != nil {
			return nil, err
		}
		c.LastUploadAt = unixTime(at)
		t, _ := time.Parse(time.RFC3339, created)
		out = append(out, Subscription{Scope: scope, Creator: c, CreatedAt: t})
	}
	return out, rows.Err()
}

// SubscribedCreators lists every creator with at least one subscription.
func (s *Store) SubscribedCreators(ctx context.Context) ([]CreatorRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid, name, last_upload, last_upload_at FROM creators c
		 WHERE EXISTS (SELECT 1 FROM subscriptions s WHERE s.uid = c.uid)
		 ORDER BY uid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CreatorRef
	for rows.Next() {
		var (
			c  CreatorRef
			at int64
		)
		if err := rows.Scan(&c.UID, &c.Name, &c.LastUploadID, &at); err != nil {
			return nil, err
		}
		c.LastUploadAt = unixTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Creator returns one creator's stored state.
func (s *Store) Creator(ctx context.Context, uid string) (CreatorRef, bool, error) {
	var (
		c  CreatorRef
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, name, last_upload, last_upload_at FROM creators WHERE uid = ?`, uid).
		Scan(&c.UID, &c.Name, &c.LastUploadID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return CreatorRef{}, false, nil
	}
	if err != nil {
		return CreatorRef{}, false, err
	}
	c.LastUploadAt = unixTime(at)
	return c, true, nil
}

// SubscribersOf lists the scopes subscribed to uid.
func (s *Store) SubscribersOf(ctx context.Context, uid string) ([]Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_kind, scope_id FROM subscriptions WHERE uid = ? ORDER BY created_at, scope_kind, scope_id`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scope
	for rows.Next() {
		var sc Scope
		if err := rows.Scan(&sc.Kind, &sc.ID); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AdvanceLastUpload moves uid's last-known upload from observed to next.
// The update is conditioned on the observed value and on next being newer,
// so a stale reader can never move it backward or apply it twice.
func (s *Store) AdvanceLastUpload(ctx context.Context, uid, observed string, next VideoRef) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE creators SET last_upload = ?, last_upload_at = ?, updated_at = ?
		 WHERE uid = ? AND last_upload = ? AND (last_upload = '' OR last_upload_at <= ?)`,
		next.ID, next.UploadedAt.Unix(), nowText(), uid, observed, next.UploadedAt.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// --- Push targets ---

// AddPushTarget appends t to its owner's list. Reports false if already present.
func (s *Store) AddPushTarget(ctx context.Context, t PushTarget) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO push_targets (owner_kind, owner_id, dest_kind, dest_id, position)
		 SELECT ?, ?, ?, ?, COALESCE(MAX(position), 0) + 1 FROM push_targets WHERE owner_kind = ? AND owner_id = ?
		 ON CONFLICT DO NOTHING`,
		t.Owner.Kind, t.Owner.ID, t.Dest.Kind, t.Dest.ID, t.Owner.Kind, t.Owner.ID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RemovePushTarget removes every destination with destID from owner's list.
func (s *Store) RemovePushTarget(ctx context.Context, owner Scope, destID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_targets WHERE owner_kind = ? AND owner_id = ? AND dest_id = ?`,
		owner.Kind, owner.ID, destID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PushTargets lists owner's targets in insertion order.
func (s *Store) PushTargets(ctx context.Context, owner Scope) ([]PushTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dest_kind, dest_id FROM push_targets WHERE owner_kind = ? AND owner_id = ? ORDER BY position`,
		owner.Kind, owner.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PushTarget
	for rows.Next() {
		t := PushTarget{Owner: owner}
		if err := rows.Scan(&t.Dest.Kind, &t.Dest.ID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Session ---

// SaveSession replaces the stored session.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), nowText())
	return err
}

// LoadSession returns the stored session, if any.
func (s *Store) LoadSession(ctx context.Context) (Session, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM session WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, false, fmt.Errorf("decode session: %w", err)
	}
	return sess, true, nil
}

// DeleteSession clears the stored session.
func (s *Store) DeleteSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE id = 1`)
	return err
}

// --- Publish records ---

// SavePublishRecord stores rec. A second record for the same run replaces the first.
func (s *Store) SavePublishRecord(ctx context.Context, rec PublishRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_records (run_id, video_id, title, status, doc_ref, doc_url, reason, error, images_ok, images_failed, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, doc_ref = excluded.doc_ref,
		 doc_url = excluded.doc_url, reason = excluded.reason, error = excluded.error,
		 images_ok = excluded.images_ok, images_failed = excluded.images_failed, at = excluded.at`,
		rec.RunID, rec.VideoID, rec.Title, string(rec.Status), rec.DocRef, rec.DocURL, rec.Reason, rec.Error,
		rec.ImagesOK, rec.ImagesFailed, rec.At.UTC().Format(time.RFC3339Nano))
	return err
}

// LatestPublishRecord returns the most recent record.
func (s *Store) LatestPublishRecord(ctx context.Context) (PublishRecord, bool, error) {
	var (
		rec    PublishRecord
		status string
		at     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, video_id, title, status, doc_ref, doc_url, reason, error, images_ok, images_failed, at
		 FROM publish_records ORDER BY at DESC, id DESC LIMIT 1`).
		Scan(&rec.RunID, &rec.VideoID, &rec.Title, &status, &rec.DocRef, &rec.DocURL, &rec.Reason, &rec.Error,
			&rec.ImagesOK, &rec.ImagesFailed, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return PublishRecord{}, false, nil
	}
	if err != nil {
		return PublishRecord{}, false, err
	}
	rec.Status = PublishStatus(status)
	rec.At, _ = time.Parse(time.RFC3339Nano, at)
	return rec, true, nil
}
