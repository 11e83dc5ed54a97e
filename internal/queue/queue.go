// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package queue spools undelivered payloads to local SQLite so reports
// survive dashboard outages and agent restarts.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/mattn/go-sqlite3"
)

// Payload kinds accepted by Push.
const (
	KindMetrics = "metrics"
	KindEvents  = "events"
)

// retryBackoff is the delay ladder in seconds, indexed by retry count.
// Retries past the ladder use the last rung.
var retryBackoff = []int64{5, 10, 20, 30, 45, 60}

// pendingBatchLimit bounds how many items one flush attempt drains.
const pendingBatchLimit = 100

// Item is one spooled payload.
type Item struct {
	ID         int64
	Kind       string
	Payload    []byte
	Timestamp  int64
	Retries    int
	LastError  string
	EnqueuedAt time.Time
}

// Stats summarizes queue contents.
type Stats struct {
	Total     int
	ByKind    map[string]int
	ByRetries map[int]int
	OldestAge time.Duration
	Connected bool
}

// Queue is a size-bounded persistent spool. When full, the oldest items are
// dropped to make room; fresh data beats a complete backlog.
type Queue struct {
	mu sync.Mutex

	db        *sql.DB
	logger    logr.Logger
	maxSize   int
	connected bool

	now func() time.Time
}

// New opens or creates the spool database at path.
func New(path string, maxSize int, logger logr.Logger) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// A single connection sidesteps SQLite write locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to queue database: %w", err)
	}

	q := &Queue{
		db:        db,
		logger:    logger.WithName("queue"),
		maxSize:   maxSize,
		connected: true,
		now:       time.Now,
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	q.logger.Info("queue initialized", "path", path, "maxSize", maxSize)
	return q, nil
}

func (q *Queue) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_enqueued_at ON queue(enqueued_at);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Push marshals payload and appends it to the spool, evicting the oldest
// items if the queue is over capacity.
func (q *Queue) Push(kind string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	if err := q.evictOverflow(); err != nil {
		q.logger.Error(err, "failed to enforce queue size limit")
	}

	now := q.now().Unix()
	_, err = q.db.Exec(
		`INSERT INTO queue (kind, payload, timestamp, enqueued_at) VALUES (?, ?, ?, ?)`,
		kind, data, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

// evictOverflow deletes the oldest items until the queue fits maxSize,
// leaving room for one incoming item. Callers hold q.mu.
func (q *Queue) evictOverflow() error {
	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&count); err != nil {
		return err
	}
	if count < q.maxSize {
		return nil
	}

	toDelete := count - q.maxSize + 1
	q.logger.Info("queue at capacity, dropping oldest items", "count", count, "dropping", toDelete)

	_, err := q.db.Exec(
		`DELETE FROM queue WHERE id IN (SELECT id FROM queue ORDER BY id ASC LIMIT ?)`,
		toDelete,
	)
	return err
}

// Pending returns spooled items whose retry backoff has elapsed, oldest
// first, capped to one flush batch. The batch cap applies after the backoff
// filter: a run of items still waiting out their backoff must not hide
// eligible items behind them.
func (q *Queue) Pending() ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`
		SELECT id, kind, payload, timestamp, retries, last_error, enqueued_at
		FROM queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	now := q.now().Unix()
	var items []Item
	for rows.Next() {
		var item Item
		var enqueued int64
		if err := rows.Scan(&item.ID, &item.Kind, &item.Payload, &item.Timestamp,
			&item.Retries, &item.LastError, &enqueued); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.EnqueuedAt = time.Unix(enqueued, 0)

		if item.Retries == 0 || now-enqueued >= backoffSeconds(item.Retries) {
			items = append(items, item)
			if len(items) == pendingBatchLimit {
				break
			}
		}
	}
	return items, rows.Err()
}

// MarkSent removes a delivered item.
func (q *Queue) MarkSent(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(`DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %d: %w", id, err)
	}
	return nil
}

// MarkFailed bumps an item's retry count and records the delivery error.
func (q *Queue) MarkFailed(id int64, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`UPDATE queue SET retries = retries + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", id, err)
	}
	return nil
}

func backoffSeconds(retries int) int64 {
	if retries < len(retryBackoff) {
		return retryBackoff[retries]
	}
	return retryBackoff[len(retryBackoff)-1]
}

// Size returns the number of spooled items.
func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&count)
	return count, err
}

// Stats returns a summary of queue contents for self-reporting.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		ByKind:    make(map[string]int),
		ByRetries: make(map[int]int),
		Connected: q.connected,
	}

	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&stats.Total); err != nil {
		return Stats{}, err
	}

	rows, err := q.db.Query(`SELECT kind, COUNT(*) FROM queue GROUP BY kind`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.ByKind[kind] = count
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}

	rows, err = q.db.Query(`SELECT retries, COUNT(*) FROM queue GROUP BY retries`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var retries, count int
		if err := rows.Scan(&retries, &count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.ByRetries[retries] = count
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}

	var oldest sql.NullInt64
	if err := q.db.QueryRow(`SELECT MIN(enqueued_at) FROM queue`).Scan(&oldest); err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		stats.OldestAge = time.Duration(q.now().Unix()-oldest.Int64) * time.Second
	}

	return stats, nil
}

// SetConnected records dashboard reachability, logging transitions.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.connected != connected {
		if connected {
			q.logger.Info("dashboard reachable, queue will flush")
		} else {
			q.logger.Info("dashboard unreachable, spooling to queue")
		}
		q.connected = connected
	}
}

// IsConnected reports the last known dashboard reachability.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

// Close closes the spool database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Close()
}
