// Package indexdb maintains a SQLite read-model of the simulation: tick
// history and snapshot metadata, queryable without touching the compressed
// JSONL logs. Writes are fire-and-forget; the JSONL logs remain the source of
// truth.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syntacticsugarglider/compartmentalmodel/internal/persistence/snapshot"
	"github.com/syntacticsugarglider/compartmentalmodel/internal/sim/engine"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSnapshot
	reqMeta
)

type req struct {
	kind reqKind

	tick     engine.Snapshot
	snapshot snapshotRow
	meta     [2]string

	ack chan struct{}
}

type snapshotRow struct {
	Tick    uint64
	Path    string
	Buckets int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS quantities (
			tick INTEGER NOT NULL,
			ord INTEGER NOT NULL,
			bucket TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			PRIMARY KEY (tick, ord)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quantities_bucket_tick ON quantities(bucket, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			buckets INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Publish implements engine.Sink. Drops the write if the indexer falls
// behind; the simulation never stalls on the index.
func (s *SQLiteIndex) Publish(snap engine.Snapshot) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: snap}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:    snap.Header.Tick,
		Path:    path,
		Buckets: len(snap.Buckets),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
	}
}

func (s *SQLiteIndex) SetMeta(key, value string) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqMeta, meta: [2]string{key, value}}:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		switch r.kind {
		case reqTick:
			s.insertTick(r.tick)
		case reqSnapshot:
			s.insertSnapshot(r.snapshot)
		case reqMeta:
			_, _ = s.db.Exec(`INSERT INTO meta(key, value) VALUES(?, ?)
				ON CONFLICT(key) DO UPDATE SET value=excluded.value`, r.meta[0], r.meta[1])
		}
		if r.ack != nil {
			close(r.ack)
		}
	}
}

func (s *SQLiteIndex) insertTick(snap engine.Snapshot) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT OR REPLACE INTO ticks(tick, digest, recorded_at) VALUES(?, ?, ?)`,
		int64(snap.Tick), snap.Digest, now); err != nil {
		return
	}
	for ord, b := range snap.Buckets {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO quantities(tick, ord, bucket, quantity) VALUES(?, ?, ?, ?)`,
			int64(snap.Tick), ord, b.Name, int64(b.Quantity)); err != nil {
			return
		}
	}
	_ = tx.Commit()
}

func (s *SQLiteIndex) insertSnapshot(r snapshotRow) {
	_, _ = s.db.Exec(`INSERT OR REPLACE INTO snapshots(tick, path, buckets) VALUES(?, ?, ?)`,
		int64(r.Tick), r.Path, r.Buckets)
}

// Flush blocks until every write queued before the call has been applied.
// Intended for tests and shutdown paths.
func (s *SQLiteIndex) Flush() {
	if s == nil || s.closed.Load() {
		return
	}
	// Ride the queue: an acked sentinel won't land until everything ahead of
	// it has been applied.
	ack := make(chan struct{})
	s.ch <- req{kind: reqMeta, meta: [2]string{"_flush", time.Now().UTC().Format(time.RFC3339Nano)}, ack: ack}
	<-ack
}

// LatestTick returns the highest indexed tick, or ok=false if none.
func (s *SQLiteIndex) LatestTick() (tick uint64, digest string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT tick, digest FROM ticks ORDER BY tick DESC LIMIT 1`)
	var t int64
	switch err = row.Scan(&t, &digest); err {
	case nil:
		return uint64(t), digest, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, err
	}
}

// Quantities returns the bucket states recorded for a tick, in display order.
func (s *SQLiteIndex) Quantities(tick uint64) ([]engine.BucketState, error) {
	rows, err := s.db.Query(`SELECT bucket, quantity FROM quantities WHERE tick = ? ORDER BY ord`, int64(tick))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.BucketState
	for rows.Next() {
		var b engine.BucketState
		var q int64
		if err := rows.Scan(&b.Name, &q); err != nil {
			return nil, err
		}
		b.Quantity = uint64(q)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SnapshotPath returns the recorded snapshot path at or before the tick.
func (s *SQLiteIndex) SnapshotPath(tick uint64) (string, bool, error) {
	row := s.db.QueryRow(`SELECT path FROM snapshots WHERE tick <= ? ORDER BY tick DESC LIMIT 1`, int64(tick))
	var p string
	switch err := row.Scan(&p); err {
	case nil:
		return p, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, err
	}
}
