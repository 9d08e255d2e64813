package index

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlGetAll = `SELECT path, hash, mod_time, size, uploaded_time, cloud_only FROM file_index`

	sqlGet = `SELECT path, hash, mod_time, size, uploaded_time, cloud_only
		FROM file_index WHERE path = ?`

	sqlUpsert = `INSERT INTO file_index (path, hash, mod_time, size, uploaded_time, cloud_only)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			hash = excluded.hash,
			mod_time = excluded.mod_time,
			size = excluded.size,
			uploaded_time = excluded.uploaded_time,
			cloud_only = excluded.cloud_only`

	sqlClearBytes = `UPDATE file_index SET hash = NULL, mod_time = NULL, size = NULL
		WHERE path = ?`

	sqlErase = `DELETE FROM file_index WHERE path = ?`
)

// Store is the sole writer of a folder's FileIndex. One Store wraps exactly
// one SQLite file; per-folder serialization is enforced via
// db.SetMaxOpenConns(1), grounded on the teacher's BaselineManager.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the FileIndex database at dbPath and
// runs pending migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("index: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("index: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("index: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAll returns a snapshot of every row in the index.
func (s *Store) GetAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, sqlGetAll)
	if err != nil {
		return nil, fmt.Errorf("index: getAll: %w", err)
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

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: getAll: iterating rows: %w", err)
	}

	return out, nil
}

// Get returns the row for path, or ok=false if no row exists.
func (s *Store) Get(ctx context.Context, path string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, sqlGet, path)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, fmt.Errorf("index: get %q: %w", path, err)
	}

	return e, true, nil
}

// Upsert inserts or replaces every row atomically in a single transaction.
func (s *Store) Upsert(ctx context.Context, rows []Entry) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: upsert: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range rows {
		if _, err := tx.ExecContext(ctx, sqlUpsert,
			e.Path, nullString(e.Hash), nullTime(e.ModTime), nullInt64(e.Size),
			nullTime(e.UploadedTime), boolToInt(e.CloudOnly),
		); err != nil {
			return fmt.Errorf("index: upserting %q: %w", e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: upsert: committing: %w", err)
	}

	return nil
}

// ClearBytes soft-deletes the given paths: hash/modTime/size become ABSENT
// but the row, and any cloudOnly/uploadedTime metadata, survives until a
// subsequent index refresh erases it (spec.md §3 invariant 3).
func (s *Store) ClearBytes(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: clearBytes: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, sqlClearBytes, p); err != nil {
			return fmt.Errorf("index: clearing bytes for %q: %w", p, err)
		}
	}

	return commit(tx, "clearBytes")
}

// Erase removes rows entirely, by exact path.
func (s *Store) Erase(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: erase: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, sqlErase, p); err != nil {
			return fmt.Errorf("index: erasing %q: %w", p, err)
		}
	}

	return commit(tx, "erase")
}

// EraseUnderPrefix removes rows whose path equals any of prefixes or starts
// with "prefix/" (the definition of "under", per spec.md §4.2), skipping
// rows marked cloudOnly so cloud-only placeholders survive a local subtree
// removal.
func (s *Store) EraseUnderPrefix(ctx context.Context, prefixes []string) error {
	if len(prefixes) == 0 {
		return nil
	}

	all, err := s.GetAll(ctx)
	if err != nil {
		return err
	}

	var toErase []string

	for _, e := range all {
		if e.CloudOnly {
			continue
		}

		for _, prefix := range prefixes {
			if e.Path == prefix || strings.HasPrefix(e.Path, prefix+"/") {
				toErase = append(toErase, e.Path)

				break
			}
		}
	}

	return s.Erase(ctx, toErase)
}

// SelectWhere returns every row matching predicate. Applied in Go rather
// than compiled to SQL per-field, since predicates combine regex matching
// (not expressible portably in SQLite without extensions) with simple
// presence checks.
func (s *Store) SelectWhere(ctx context.Context, pred Predicate) ([]Entry, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var re *regexp.Regexp

	if pred.PathRegexp != "" {
		re, err = regexp.Compile(pred.PathRegexp)
		if err != nil {
			return nil, fmt.Errorf("index: selectWhere: invalid regexp %q: %w", pred.PathRegexp, err)
		}
	}

	out := make([]Entry, 0, len(all))

	for _, e := range all {
		if !matches(e, pred, re) {
			continue
		}

		out = append(out, e)
	}

	return out, nil
}

func matches(e Entry, pred Predicate, re *regexp.Regexp) bool {
	if pred.PathPrefix != "" && !strings.HasPrefix(e.Path, pred.PathPrefix) {
		return false
	}

	if re != nil && !re.MatchString(e.Path) {
		return false
	}

	if pred.UploadedTimePresent != nil && e.HasUploadedTime() != *pred.UploadedTimePresent {
		return false
	}

	if pred.CloudOnly != nil && e.CloudOnly != *pred.CloudOnly {
		return false
	}

	return true
}

func commit(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: %s: committing: %w", op, err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var (
		e            Entry
		hash         sql.NullString
		modTime      sql.NullInt64
		size         sql.NullInt64
		uploadedTime sql.NullInt64
		cloudOnly    int
	)

	if err := sc.Scan(&e.Path, &hash, &modTime, &size, &uploadedTime, &cloudOnly); err != nil {
		return Entry{}, err //nolint:wrapcheck // callers wrap with context
	}

	e.Hash = hash.String
	e.CloudOnly = cloudOnly != 0

	if modTime.Valid {
		e.ModTime = time.Unix(0, modTime.Int64)
	}

	if size.Valid {
		e.Size = size.Int64
	}

	if uploadedTime.Valid {
		e.UploadedTime = time.Unix(0, uploadedTime.Int64)
	}

	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
