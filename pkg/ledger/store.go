// Package ledger implements the per-cluster durable message log: an
// append-only SQLite table of messages ordered by (timestamp, seq),
// plus the clusters.json index that maps cluster ids to their persisted
// metadata.
//
// Timestamps are Unix milliseconds and monotonic per store: Append
// stamps max(lastTimestamp, wall clock), so a reader walking the log in
// (timestamp, seq) order never sees time go backwards. seq is the
// SQLite rowid and realizes "ties broken by insertion order" exactly.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/ensemblekit/ensemble/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// corruptionPreview bounds how much of a bad payload makes it into the
// panic diagnostic.
const corruptionPreview = 200

// Filter narrows ledger queries. Zero values mean "no constraint";
// Since and Before are Unix milliseconds and inclusive/exclusive
// respectively.
type Filter struct {
	Topic    string
	Sender   string
	Receiver string
	Since    int64
	Before   int64
	Limit    int
}

// Store is one cluster's message log. Safe for concurrent use: the
// connection pool is capped at one connection and the timestamp clock
// is guarded by a mutex.
type Store struct {
	clusterID string
	db        *sql.DB
	lock      *FileLock

	mu            sync.Mutex
	lastTimestamp int64
}

// Path returns the database file location for a cluster.
func Path(stateDir, clusterID string) string {
	return filepath.Join(stateDir, clusterID+".db")
}

// Open opens (or creates) the ledger for a cluster at
// <stateDir>/<clusterID>.db, acquires its file lock, and applies any
// pending schema migrations.
func Open(stateDir, clusterID string) (*Store, error) {
	path := Path(stateDir, clusterID)

	lock, err := AcquireLock(path)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger for cluster %s: %w", clusterID, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("failed to open ledger db %s: %w", path, err)
	}
	// modernc's driver serializes per connection; a single connection
	// sidesteps SQLITE_BUSY between concurrent appends and queries.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			_ = lock.Release()
			return nil, fmt.Errorf("failed to apply %q on %s: %w", pragma, path, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("failed to migrate ledger %s: %w", path, err)
	}

	s := &Store{clusterID: clusterID, db: db, lock: lock}

	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(timestamp) FROM messages`).Scan(&last); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to read last timestamp from %s: %w", path, err)
	}
	s.lastTimestamp = last.Int64

	return s, nil
}

// runMigrations applies the embedded migrations. ErrNoChange means the
// schema is already current. Only the source driver is closed: closing
// the migrate instance would also close the shared *sql.DB.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := source.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// ClusterID returns the cluster this store belongs to.
func (s *Store) ClusterID() string {
	return s.clusterID
}

// Append assigns the message an id and a monotonic timestamp, persists
// it durably, and returns the stored record (with Seq populated).
func (s *Store) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	stored, err := s.appendTx(ctx, nil, msg)
	if err != nil {
		return models.Message{}, err
	}
	return stored, nil
}

// AppendBatch persists several messages in one transaction. Either all
// records become visible or none do; timestamps stay monotonic across
// the batch.
func (s *Store) AppendBatch(ctx context.Context, msgs []models.Message) ([]models.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := s.appendTx(ctx, tx, msg)
		if err != nil {
			return nil, err
		}
		stored = append(stored, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append batch: %w", err)
	}
	return stored, nil
}

// execer abstracts *sql.DB and *sql.Tx for appendTx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, msg models.Message) (models.Message, error) {
	if msg.ClusterID == "" {
		msg.ClusterID = s.clusterID
	}
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return models.Message{}, fmt.Errorf("failed to mint message id: %w", err)
		}
		msg.ID = id.String()
	}

	var dataJSON, metaJSON []byte
	var err error
	if msg.Content.Data != nil {
		if dataJSON, err = json.Marshal(msg.Content.Data); err != nil {
			return models.Message{}, fmt.Errorf("failed to marshal content data: %w", err)
		}
	}
	if msg.Metadata != nil {
		if metaJSON, err = json.Marshal(msg.Metadata); err != nil {
			return models.Message{}, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UnixMilli()
	if ts < s.lastTimestamp {
		ts = s.lastTimestamp
	}
	msg.Timestamp = ts

	var target execer = s.db
	if tx != nil {
		target = tx
	}
	res, err := target.ExecContext(ctx,
		`INSERT INTO messages (id, timestamp, cluster_id, topic, sender, receiver, content_text, content_data, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Timestamp, msg.ClusterID, msg.Topic, msg.Sender, msg.Receiver,
		msg.Content.Text, nullable(dataJSON), nullable(metaJSON),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to append message %s: %w", msg.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to read seq for message %s: %w", msg.ID, err)
	}
	msg.Seq = seq
	s.lastTimestamp = msg.Timestamp
	return msg, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Query returns records matching the filter in ascending
// (timestamp, seq) order. The whole result is read in one statement,
// so concurrent appends cannot skip or duplicate a record within one
// call.
func (s *Store) Query(ctx context.Context, f Filter) ([]models.Message, error) {
	query, args := buildQuery(s.clusterID, f, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger rows: %w", err)
	}
	return out, nil
}

// FindLast returns the newest record matching the filter, or nil when
// nothing matches.
func (s *Store) FindLast(ctx context.Context, f Filter) (*models.Message, error) {
	f.Limit = 1
	query, args := buildQuery(s.clusterID, f, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate ledger rows: %w", err)
		}
		return nil, nil
	}
	msg, err := s.scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(s.clusterID, f)
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger records: %w", err)
	}
	return n, nil
}

// Close releases the database handle and the file lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if lerr := s.lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

func buildWhere(clusterID string, f Filter) (string, []any) {
	clauses := []string{"cluster_id = ?"}
	args := []any{clusterID}
	if f.Topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, f.Topic)
	}
	if f.Sender != "" {
		clauses = append(clauses, "sender = ?")
		args = append(args, f.Sender)
	}
	if f.Receiver != "" {
		clauses = append(clauses, "receiver = ?")
		args = append(args, f.Receiver)
	}
	if f.Since != 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Before != 0 {
		clauses = append(clauses, "timestamp < ?")
		args = append(args, f.Before)
	}
	return strings.Join(clauses, " AND "), args
}

func buildQuery(clusterID string, f Filter, descending bool) (string, []any) {
	where, args := buildWhere(clusterID, f)
	order := "ORDER BY timestamp ASC, seq ASC"
	if descending {
		order = "ORDER BY timestamp DESC, seq DESC"
	}
	query := "SELECT seq, id, timestamp, cluster_id, topic, sender, receiver, content_text, content_data, metadata FROM messages WHERE " + where + " " + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

// scanMessage decodes one row. A stored payload that no longer parses
// as JSON means the ledger file itself is damaged; that is fatal to the
// cluster and surfaces as a panic carrying a bounded preview of the
// offending bytes.
func (s *Store) scanMessage(rows *sql.Rows) (models.Message, error) {
	var msg models.Message
	var dataJSON, metaJSON sql.NullString
	if err := rows.Scan(&msg.Seq, &msg.ID, &msg.Timestamp, &msg.ClusterID, &msg.Topic,
		&msg.Sender, &msg.Receiver, &msg.Content.Text, &dataJSON, &metaJSON); err != nil {
		return models.Message{}, fmt.Errorf("failed to scan ledger row: %w", err)
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &msg.Content.Data); err != nil {
			panicCorruption(s.clusterID, msg.ID, "content_data", dataJSON.String, err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &msg.Metadata); err != nil {
			panicCorruption(s.clusterID, msg.ID, "metadata", metaJSON.String, err)
		}
	}
	return msg, nil
}

func panicCorruption(clusterID, messageID, column, payload string, err error) {
	preview := payload
	if len(preview) > corruptionPreview {
		preview = preview[:corruptionPreview]
	}
	panic(fmt.Sprintf("ledger corruption in cluster %s: message %s column %s is not valid JSON (%v); first %d bytes: %q",
		clusterID, messageID, column, err, corruptionPreview, preview))
}
