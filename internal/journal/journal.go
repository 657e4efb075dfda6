// Package journal persists engine runs and anomaly events to a SQLite
// database so they can be inspected after the process exits.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/zsiec/phasemux/internal/events"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultQueue is the number of events buffered between Report and the
// database writer.
const DefaultQueue = 256

const (
	sqlInsertRun = `INSERT INTO runs (id, started_at, phases, interlaced, output_rate)
		VALUES (?, ?, ?, ?, ?)`

	sqlEndRun = `UPDATE runs SET stopped_at = ? WHERE id = ?`

	sqlInsertEvent = `INSERT INTO events
		(id, run_id, at, kind, severity, phase, tp, message, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRecent = `SELECT id, COALESCE(run_id, ''), at, kind, severity, phase, tp, message, error
		FROM events WHERE (? = '' OR kind = ?) ORDER BY at DESC, rowid DESC LIMIT ?`

	sqlCounts = `SELECT kind, COUNT(*) FROM events GROUP BY kind`

	sqlRuns = `SELECT id, started_at, COALESCE(stopped_at, 0), phases, interlaced, output_rate
		FROM runs ORDER BY started_at DESC LIMIT ?`
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// RunInfo describes an engine run when it starts.
type RunInfo struct {
	Phases     int
	Interlaced bool
	OutputRate string
}

// Run is a stored engine run.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	StoppedAt  time.Time `json:"stoppedAt,omitzero"`
	Phases     int       `json:"phases"`
	Interlaced bool      `json:"interlaced"`
	OutputRate string    `json:"outputRate"`
}

// Record is a stored event.
type Record struct {
	ID       string    `json:"id"`
	RunID    string    `json:"runId,omitempty"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	Severity string    `json:"severity"`
	Phase    int       `json:"phase"`
	TP       int64     `json:"tp,omitempty"`
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`
}

// Journal is an events.Reporter backed by SQLite. Report only enqueues; a
// single writer goroutine started by Open inserts the rows, so a slow disk
// never stalls the engine. Events that do not fit in the queue are counted
// as dropped.
type Journal struct {
	db  *sql.DB
	log *slog.Logger

	queue   chan events.Event
	done    chan struct{}
	dropped atomic.Int64
	pending atomic.Int64
	runID   atomic.Pointer[string]

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the database at path, applies pending migrations
// and starts the writer. Use ":memory:" for a throwaway journal. If log is
// nil, slog.Default() is used.
func Open(ctx context.Context, path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "journal")

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database %s: %w", path, err)
	}
	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, log); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:    db,
		log:   log,
		queue: make(chan events.Event, DefaultQueue),
		done:  make(chan struct{}),
	}
	go j.writer()

	log.Info("journal opened", "path", path)
	return j, nil
}

func migrate(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("journal: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("journal: running migrations: %w", err)
	}
	for _, r := range results {
		log.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}

// Report enqueues e for writing. It never blocks.
func (j *Journal) Report(e events.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	j.pending.Add(1)
	select {
	case j.queue <- e:
	default:
		j.pending.Add(-1)
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) writer() {
	defer close(j.done)
	for e := range j.queue {
		if err := j.insert(context.Background(), e); err != nil {
			j.log.Warn("event write failed", "kind", e.Kind.String(), "error", err)
		}
		j.pending.Add(-1)
	}
}

func (j *Journal) insert(ctx context.Context, e events.Event) error {
	var run sql.NullString
	if id := j.runID.Load(); id != nil {
		run = sql.NullString{String: *id, Valid: true}
	}
	_, err := j.db.ExecContext(ctx, sqlInsertEvent,
		e.ID.String(), run, e.Time.UnixNano(), e.Kind.String(), e.Severity.String(),
		e.Phase, e.TP, e.Message, e.ErrorText())
	if err != nil {
		return fmt.Errorf("journal: inserting event %s: %w", e.ID, err)
	}
	return nil
}

// BeginRun records the start of an engine run. Events reported until EndRun
// are tagged with the returned run id.
func (j *Journal) BeginRun(ctx context.Context, info RunInfo) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx, sqlInsertRun,
		id, time.Now().UnixNano(), info.Phases, info.Interlaced, info.OutputRate)
	if err != nil {
		return "", fmt.Errorf("journal: inserting run: %w", err)
	}
	j.runID.Store(&id)
	return id, nil
}

// EndRun records the end of the run with the given id.
func (j *Journal) EndRun(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, sqlEndRun, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("journal: ending run %s: %w", id, err)
	}
	if cur := j.runID.Load(); cur != nil && *cur == id {
		j.runID.Store(nil)
	}
	return nil
}

// Flush waits until every event reported so far has been written or ctx is
// done.
func (j *Journal) Flush(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for j.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// Recent returns up to limit events, newest first, optionally restricted to
// one kind ("" for all).
func (j *Journal) Recent(ctx context.Context, kind string, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, sqlRecent, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var at int64
		if err := rows.Scan(&r.ID, &r.RunID, &at, &r.Kind, &r.Severity, &r.Phase, &r.TP, &r.Message, &r.Error); err != nil {
			return nil, fmt.Errorf("journal: scanning event: %w", err)
		}
		r.At = time.Unix(0, at)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating events: %w", err)
	}
	return out, nil
}

// Counts returns the number of stored events per kind.
func (j *Journal) Counts(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx, sqlCounts)
	if err != nil {
		return nil, fmt.Errorf("journal: counting events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("journal: scanning count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Runs returns up to limit runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, sqlRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, stopped int64
		if err := rows.Scan(&r.ID, &started, &stopped, &r.Phases, &r.Interlaced, &r.OutputRate); err != nil {
			return nil, fmt.Errorf("journal: scanning run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if stopped != 0 {
			r.StoppedAt = time.Unix(0, stopped)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close stops accepting events, writes the ones already queued and closes
// the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("journal: closing database: %w", err)
	}
	return nil
}
