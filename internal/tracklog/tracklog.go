// Package tracklog records fixes and fix milestones in SQLite and exports
// them as a spreadsheet.
package tracklog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"railgnss/internal/gnss"
)

const schema = `
CREATE TABLE IF NOT EXISTS fix (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	valid       INTEGER NOT NULL,
	lat_deg     REAL,
	lon_deg     REAL,
	speed_knots REAL,
	course      REAL,
	hdop        REAL,
	satellites  INTEGER,
	fix_quality INTEGER,
	altitude_m  REAL
);
CREATE INDEX IF NOT EXISTS fix_at_idx ON fix (at);
`

// queueDepth bounds how many events wait for the writer. Events beyond it
// are dropped and counted.
const queueDepth = 64

type Entry struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Valid      bool      `json:"valid"`
	LatDeg     float64   `json:"lat_deg"`
	LonDeg     float64   `json:"lon_deg"`
	SpeedKnots float64   `json:"speed_knots"`
	Course     float64   `json:"course"`
	HDOP       float64   `json:"hdop"`
	Satellites int       `json:"satellites"`
	FixQuality int       `json:"fix_quality"`
	AltitudeM  float64   `json:"altitude_m"`
}

// Log is written by a single goroutine fed from fix callbacks.
type Log struct {
	db *sql.DB
	q  chan Entry

	written atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("tracklog: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tracklog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracklog: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tracklog: create schema: %w", err)
	}
	// One writer; keeps sqlite from returning SQLITE_BUSY between our own
	// connections.
	db.SetMaxOpenConns(1)
	return &Log{db: db, q: make(chan Entry, queueDepth)}, nil
}

// Attach registers the log for new-fix and first-accurate-fix events.
func (l *Log) Attach(reg *gnss.Registry) error {
	if err := reg.Register(gnss.EventNewFix, "tracklog", l.enqueue); err != nil {
		return fmt.Errorf("tracklog: register new fix: %w", err)
	}
	if err := reg.Register(gnss.EventFirstAccurateFix, "tracklog", l.enqueue); err != nil {
		_ = reg.Unregister(gnss.EventNewFix, "tracklog")
		return fmt.Errorf("tracklog: register first accurate fix: %w", err)
	}
	return nil
}

func (l *Log) Detach(reg *gnss.Registry) {
	_ = reg.Unregister(gnss.EventNewFix, "tracklog")
	_ = reg.Unregister(gnss.EventFirstAccurateFix, "tracklog")
}

// enqueue runs in the consumer goroutine and never blocks.
func (l *Log) enqueue(ev gnss.Event) error {
	select {
	case l.q <- entryFromEvent(ev):
	default:
		l.dropped.Add(1)
	}
	return nil
}

func entryFromEvent(ev gnss.Event) Entry {
	f := ev.Snapshot.Fix
	return Entry{
		At:         ev.Time,
		Kind:       ev.Kind.String(),
		Valid:      f.Valid,
		LatDeg:     f.LatDeg,
		LonDeg:     f.LonDeg,
		SpeedKnots: f.SpeedKnots,
		Course:     f.Course,
		HDOP:       f.HDOP,
		Satellites: f.Satellites,
		FixQuality: f.FixQuality,
		AltitudeM:  f.AltitudeM,
	}
}

func (l *Log) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
	return nil
}

func (l *Log) run(ctx context.Context) {
	var warned bool
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued.
			for {
				select {
				case e := <-l.q:
					_ = l.Insert(e)
				default:
					return
				}
			}
		case e := <-l.q:
			if err := l.Insert(e); err != nil && !warned {
				log.Printf("tracklog insert failed: %v", err)
				warned = true
			}
		}
	}
}

// Insert writes one entry synchronously.
func (l *Log) Insert(e Entry) error {
	_, err := l.db.Exec(`INSERT INTO fix
		(at, kind, valid, lat_deg, lon_deg, speed_knots, course, hdop, satellites, fix_quality, altitude_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixNano(), e.Kind, e.Valid, e.LatDeg, e.LonDeg, e.SpeedKnots, e.Course,
		e.HDOP, e.Satellites, e.FixQuality, e.AltitudeM)
	if err != nil {
		return fmt.Errorf("tracklog: insert: %w", err)
	}
	l.written.Add(1)
	return nil
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) Entries(limit int) ([]Entry, error) {
	q := `SELECT id, at, kind, valid, lat_deg, lon_deg, speed_knots, course, hdop, satellites, fix_quality, altitude_m
		FROM fix ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("tracklog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.Valid, &e.LatDeg, &e.LonDeg, &e.SpeedKnots,
			&e.Course, &e.HDOP, &e.Satellites, &e.FixQuality, &e.AltitudeM); err != nil {
			return nil, fmt.Errorf("tracklog: scan: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Log) Count() (int, error) {
	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM fix").Scan(&n); err != nil {
		return 0, fmt.Errorf("tracklog: count: %w", err)
	}
	return n, nil
}

type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

func (l *Log) Stats() Stats {
	return Stats{Written: l.written.Load(), Dropped: l.dropped.Load()}
}

// Close stops the writer, flushing queued entries, and closes the database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	if l.db == nil {
		return errors.New("tracklog: already closed")
	}
	err := l.db.Close()
	l.db = nil
	return err
}
