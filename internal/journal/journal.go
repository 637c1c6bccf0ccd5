// Package journal records every classified submission in a local SQLite
// database so a batch run or server lifetime can be audited afterwards.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keithlinneman/docgate/internal/xerrors"
)

const defaultBusyTimeout = 5000

// Entry is one journaled submission. PayloadSHA256 is empty when the
// submission failed before serialization.
type Entry struct {
	ID            int64
	DocID         string
	PayloadSHA256 string
	Status        string
	Code          int
	Message       string
	Source        string
	WaitedMS      int64
	At            time.Time
}

type Journal struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// ":memory:" gives a private in-memory journal.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		path = "docgate.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, xerrors.Wrapf(err, "open journal %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrapf(err, "ping journal %s", path)
	}
	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, sep, defaultBusyTimeout)
}

func (j *Journal) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	doc_id         TEXT    NOT NULL DEFAULT '',
	payload_sha256 TEXT    NOT NULL DEFAULT '',
	status         TEXT    NOT NULL,
	code           INTEGER NOT NULL,
	message        TEXT    NOT NULL,
	source         TEXT    NOT NULL DEFAULT '',
	waited_ms      INTEGER NOT NULL DEFAULT 0,
	at_unix_nano   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS submissions_status ON submissions(status);
CREATE INDEX IF NOT EXISTS submissions_doc_id ON submissions(doc_id);`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(err, "migrate journal")
	}
	return nil
}

// Record appends e. At defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO submissions (doc_id, payload_sha256, status, code, message, source, waited_ms, at_unix_nano)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DocID, e.PayloadSHA256, e.Status, e.Code, e.Message, e.Source, e.WaitedMS, e.At.UnixNano(),
	)
	if err != nil {
		return 0, xerrors.Wrap(err, "insert submission")
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, doc_id, payload_sha256, status, code, message, source, waited_ms, at_unix_nano
		   FROM submissions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(err, "query submissions")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &e.DocID, &e.PayloadSHA256, &e.Status, &e.Code, &e.Message, &e.Source, &e.WaitedMS, &at); err != nil {
			return nil, xerrors.Wrap(err, "scan submission")
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate submissions")
	}
	return out, nil
}

// CountByStatus returns the number of entries per status.
func (j *Journal) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, xerrors.Wrap(err, "count submissions")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, xerrors.Wrap(err, "scan count")
		}
		out[status] = n
	}
	return out, xerrors.Wrap(rows.Err(), "iterate counts")
}

// Ping reports whether the database is reachable, used as a readiness probe.
func (j *Journal) Ping(ctx context.Context) error {
	return xerrors.Wrap(j.db.PingContext(ctx), "ping journal")
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
