// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package history keeps a local SQLite record of the analyses this client
// has followed: their status timeline, uploaded references and final quotes.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/citecheck/internal/grade"
	"github.com/pdiddy/citecheck/internal/status"
	"github.com/pdiddy/citecheck/pkg/types"
)

// ErrNotRecorded is returned for an analysis id the history has never seen.
var ErrNotRecorded = errors.New("analysis not in local history")

// Entry is the recorded state of one analysis.
type Entry struct {
	ID            int64        `json:"id" yaml:"id"`
	Title         string       `json:"title" yaml:"title"`
	Status        types.Status `json:"status" yaml:"status"`
	StatusMessage string       `json:"status_message,omitempty" yaml:"status_message,omitempty"`
	Server        string       `json:"server" yaml:"server"`
	CreatedAt     time.Time    `json:"created_at" yaml:"created_at"`
	LastSeen      time.Time    `json:"last_seen" yaml:"last_seen"`
	QuoteCount    int          `json:"quote_count" yaml:"quote_count"`
	AverageGrade  *float64     `json:"average_grade,omitempty" yaml:"average_grade,omitempty"`
}

// Event is one observed status change.
type Event struct {
	Status     types.Status `json:"status" yaml:"status"`
	ObservedAt time.Time    `json:"observed_at" yaml:"observed_at"`
}

// Upload is one reference paper the user supplied.
type Upload struct {
	ReferenceKey string    `json:"reference_key" yaml:"reference_key"`
	Filename     string    `json:"filename" yaml:"filename"`
	UploadedAt   time.Time `json:"uploaded_at" yaml:"uploaded_at"`
}

// Store manages the history database.
type Store struct {
	db     *sql.DB
	server string
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithServer records which service the analyses belong to.
func WithServer(url string) Option {
	return func(s *Store) { s.server = url }
}

// WithClock sets the time source for upload timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the history database at path and creates the schema
// if it does not exist.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS analyses (
			id INTEGER PRIMARY KEY,
			title TEXT,
			status TEXT NOT NULL,
			status_message TEXT,
			server TEXT,
			created_at TEXT,
			last_seen TEXT,
			quote_count INTEGER NOT NULL DEFAULT 0,
			average_grade REAL
		)`,
		`CREATE TABLE IF NOT EXISTS status_events (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			analysis_id INTEGER NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			observed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_analysis ON status_events(analysis_id)`,
		`CREATE TABLE IF NOT EXISTS quotes (
			id INTEGER PRIMARY KEY,
			analysis_id INTEGER NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			page_number INTEGER,
			reference_key TEXT,
			status TEXT,
			grade REAL,
			band TEXT NOT NULL,
			explanation TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_analysis ON quotes(analysis_id)`,
		`CREATE TABLE IF NOT EXISTS uploads (
			analysis_id INTEGER NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
			reference_key TEXT NOT NULL,
			filename TEXT,
			uploaded_at TEXT NOT NULL,
			PRIMARY KEY (analysis_id, reference_key)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Record stores a snapshot: the analysis row is upserted, a status event is
// added when the status differs from the last recorded one, and loaded
// quotes replace any recorded before. Snapshots without an analysis are
// ignored.
func (s *Store) Record(ctx context.Context, snap status.Snapshot) error {
	a := snap.Analysis
	if a == nil {
		return nil
	}
	seen := snap.FetchedAt
	if seen.IsZero() {
		seen = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM analyses WHERE id = ?`, a.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading analysis %d: %w", a.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO analyses (id, title, status, status_message, server, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, status=excluded.status,
			status_message=excluded.status_message, server=excluded.server,
			created_at=excluded.created_at, last_seen=excluded.last_seen`,
		a.ID, a.Title(), string(a.Status), nullString(a.StatusMessage), s.server,
		formatTime(a.CreatedAt), formatTime(seen),
	)
	if err != nil {
		return fmt.Errorf("upserting analysis %d: %w", a.ID, err)
	}

	if prev != string(a.Status) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO status_events (analysis_id, status, observed_at) VALUES (?, ?, ?)`,
			a.ID, string(a.Status), formatTime(seen))
		if err != nil {
			return fmt.Errorf("inserting status event: %w", err)
		}
	}

	if snap.Quotes != nil {
		if err := s.replaceQuotes(ctx, tx, a.ID, snap.Quotes.Quotes); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) replaceQuotes(ctx context.Context, tx *sql.Tx, id int64, quotes []types.Quote) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM quotes WHERE analysis_id = ?`, id); err != nil {
		return fmt.Errorf("deleting old quotes: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO quotes (id, analysis_id, text, page_number, reference_key, status, grade, band, explanation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, q := range quotes {
		_, err := stmt.ExecContext(ctx,
			q.ID, id, q.Text, nullInt(q.PageNumber), nullString(q.ReferenceKey),
			string(q.Status), nullFloat(q.Grade), grade.Classify(q.Grade).String(),
			nullString(q.Explanation),
		)
		if err != nil {
			return fmt.Errorf("inserting quote %d: %w", q.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE analyses SET quote_count = ?, average_grade = ? WHERE id = ?`,
		len(quotes), nullFloat(grade.AverageGrade(quotes)), id)
	if err != nil {
		return fmt.Errorf("updating quote totals: %w", err)
	}
	return nil
}

// RecordUpload stores a reference paper uploaded for analysis id. The
// analysis must have been recorded before.
func (s *Store) RecordUpload(ctx context.Context, id int64, key, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (analysis_id, reference_key, filename, uploaded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(analysis_id, reference_key) DO UPDATE SET
			filename=excluded.filename, uploaded_at=excluded.uploaded_at`,
		id, key, filename, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("recording upload of %s: %w", key, err)
	}
	return nil
}

const entryColumns = `id, title, status, status_message, server, created_at, last_seen, quote_count, average_grade`

// List returns recorded analyses, most recently seen first. limit <= 0
// means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM analyses ORDER BY last_seen DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing analyses: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the recorded state of analysis id.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM analyses WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %d: %w", id, ErrNotRecorded)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Events returns the status timeline of analysis id, oldest first.
func (s *Store) Events(ctx context.Context, id int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, observed_at FROM status_events WHERE analysis_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var st, at string
		if err := rows.Scan(&st, &at); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, Event{Status: types.Status(st), ObservedAt: parseTime(at)})
	}
	return out, rows.Err()
}

// Uploads returns the references uploaded for analysis id.
func (s *Store) Uploads(ctx context.Context, id int64) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reference_key, filename, uploaded_at FROM uploads WHERE analysis_id = ? ORDER BY uploaded_at, reference_key`, id)
	if err != nil {
		return nil, fmt.Errorf("reading uploads: %w", err)
	}
	defer rows.Close()

	var out []Upload
	for rows.Next() {
		var u Upload
		var filename sql.NullString
		var at string
		if err := rows.Scan(&u.ReferenceKey, &filename, &at); err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		u.Filename = filename.String
		u.UploadedAt = parseTime(at)
		out = append(out, u)
	}
	return out, rows.Err()
}

// EpisodeUploads returns the uploads recorded since analysis id last
// entered awaiting_uploads. Uploads from earlier episodes are left out, and
// nothing is returned when no awaiting_uploads status was ever recorded.
func (s *Store) EpisodeUploads(ctx context.Context, id int64) ([]Upload, error) {
	events, err := s.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	var since time.Time
	found := false
	for _, e := range events {
		if e.Status == types.StatusAwaitingUploads {
			since, found = e.ObservedAt, true
		}
	}
	if !found {
		return nil, nil
	}

	ups, err := s.Uploads(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []Upload
	for _, u := range ups {
		if !u.UploadedAt.Before(since) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Quotes returns the recorded quotes of analysis id in id order.
func (s *Store) Quotes(ctx context.Context, id int64) ([]types.Quote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, page_number, reference_key, status, grade, explanation
		 FROM quotes WHERE analysis_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("reading quotes: %w", err)
	}
	defer rows.Close()

	var out []types.Quote
	for rows.Next() {
		var (
			q           types.Quote
			page        sql.NullInt64
			ref, expl   sql.NullString
			st          string
			gradeColumn sql.NullFloat64
		)
		if err := rows.Scan(&q.ID, &q.Text, &page, &ref, &st, &gradeColumn, &expl); err != nil {
			return nil, fmt.Errorf("scanning quote: %w", err)
		}
		q.Status = types.QuoteStatus(st)
		if page.Valid {
			n := int(page.Int64)
			q.PageNumber = &n
		}
		q.ReferenceKey = fromNullString(ref)
		q.Explanation = fromNullString(expl)
		if gradeColumn.Valid {
			g := gradeColumn.Float64
			q.Grade = &g
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e                       Entry
		title, msg, server      sql.NullString
		st, createdAt, lastSeen sql.NullString
		avg                     sql.NullFloat64
	)
	if err := sc.Scan(&e.ID, &title, &st, &msg, &server, &createdAt, &lastSeen, &e.QuoteCount, &avg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scanning analysis: %w", err)
	}
	e.Title = title.String
	e.Status = types.Status(st.String)
	e.StatusMessage = msg.String
	e.Server = server.String
	e.CreatedAt = parseTime(createdAt.String)
	e.LastSeen = parseTime(lastSeen.String)
	if avg.Valid {
		v := avg.Float64
		e.AverageGrade = &v
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
