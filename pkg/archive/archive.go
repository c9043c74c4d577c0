// Package archive provides durable capture and replay of raw API responses.
//
// During a live fetch every successful response is appended, keyed by the
// fingerprint of the request that produced it. During replay the archive
// serves responses back in recorded order with no network access; a request
// that does not match the next recorded entry is a drift error, never a
// silent skip.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Sentinel errors for replay failures.
var (
	// ErrExhausted indicates the archive ran out of entries before the
	// paginator reached its termination condition.
	ErrExhausted = errors.New("archive exhausted")

	// ErrDrift indicates the requested descriptor does not match the next
	// recorded entry. The archive was recorded for a different query.
	ErrDrift = errors.New("archive drift")
)

// Error is a replay failure with positional context.
type Error struct {
	// Seq is the archive sequence number at which replay failed.
	Seq int64

	// Want is the fingerprint the caller requested.
	Want string

	// Got is the fingerprint of the recorded entry, empty when exhausted.
	Got string

	// Err is ErrExhausted or ErrDrift.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if errors.Is(e.Err, ErrExhausted) {
		return fmt.Sprintf("archive exhausted at seq %d (requested %s)", e.Seq, e.Want)
	}
	return fmt.Sprintf("archive drift at seq %d: requested %s, recorded %s", e.Seq, e.Want, e.Got)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Record is one captured response with the descriptor that produced it.
type Record struct {
	// Fingerprint is the deterministic identity of the request descriptor.
	Fingerprint string

	// Endpoint is the request URL.
	Endpoint string

	// Method is the HTTP method (GET or POST).
	Method string

	// Payload is the encoded query string or request body.
	Payload []byte

	// StatusCode is the HTTP status of the captured response.
	StatusCode int

	// Header holds the response headers. Pagination links live here, so
	// replay needs them to rebuild the same walk.
	Header http.Header

	// Body is the raw response body.
	Body []byte

	// StoredAt is when the record was appended.
	StoredAt time.Time
}

// Archive is an append-only SQLite store of captured responses.
type Archive struct {
	db   *sql.DB
	path string
}

// Open creates or opens an archive at the given path, creating parent
// directories as needed.
func Open(path string) (*Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}

	// WAL mode so a live fetch can append while a reader inspects the file.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	a := &Archive{db: db, path: path}
	if err := a.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	return a, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the archive file path.
func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) bootstrap() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			method      TEXT NOT NULL,
			payload     BLOB,
			status      INTEGER NOT NULL,
			headers     TEXT NOT NULL,
			body        BLOB,
			stored_at   DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating records table: %w", err)
	}
	return nil
}

// Append stores a captured response. Records are never updated or deleted.
func (a *Archive) Append(ctx context.Context, rec Record) error {
	headers, err := json.Marshal(rec.Header)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	storedAt := rec.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO records (fingerprint, endpoint, method, payload, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Fingerprint, rec.Endpoint, rec.Method, rec.Payload, rec.StatusCode, string(headers), rec.Body, storedAt)
	if err != nil {
		archiveErrors.WithLabelValues("append").Inc()
		return fmt.Errorf("append record: %w", err)
	}

	archiveAppendsTotal.Inc()
	return nil
}

// Len returns the number of recorded responses.
func (a *Archive) Len(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// NewReader returns a sequential reader positioned before the first record.
// Each reader owns an independent position; readers are not restartable.
func (a *Archive) NewReader() *Reader {
	return &Reader{archive: a}
}

// Reader walks archive records in recorded order.
type Reader struct {
	archive *Archive
	pos     int64
}

// Next returns the next recorded response if its fingerprint matches the
// requested one. A mismatch returns an *Error wrapping ErrDrift; running out
// of records returns an *Error wrapping ErrExhausted.
func (r *Reader) Next(ctx context.Context, fingerprint string) (*Record, error) {
	row := r.archive.db.QueryRowContext(ctx, `
		SELECT seq, fingerprint, endpoint, method, payload, status, headers, body, stored_at
		FROM records WHERE seq > ? ORDER BY seq LIMIT 1
	`, r.pos)

	var (
		seq     int64
		rec     Record
		headers string
	)
	err := row.Scan(&seq, &rec.Fingerprint, &rec.Endpoint, &rec.Method, &rec.Payload,
		&rec.StatusCode, &headers, &rec.Body, &rec.StoredAt)
	if err == sql.ErrNoRows {
		archiveErrors.WithLabelValues("exhausted").Inc()
		return nil, &Error{Seq: r.pos + 1, Want: fingerprint, Err: ErrExhausted}
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	if rec.Fingerprint != fingerprint {
		archiveErrors.WithLabelValues("drift").Inc()
		return nil, &Error{Seq: seq, Want: fingerprint, Got: rec.Fingerprint, Err: ErrDrift}
	}

	if err := json.Unmarshal([]byte(headers), &rec.Header); err != nil {
		return nil, fmt.Errorf("unmarshal headers at seq %d: %w", seq, err)
	}

	r.pos = seq
	archiveReplaysTotal.Inc()
	return &rec, nil
}
