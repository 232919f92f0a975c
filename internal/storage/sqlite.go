package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	locationagent "github.com/geoloop/LocationAgent"
)

const (
	defaultDBDirName  = ".locationagent"
	defaultDBFileName = "locations.sqlite"
	sampleTableName   = "location_samples"
	errorTableName    = "location_errors"
)

// sqliteSink journals samples into a local SQLite database. Re-observing
// a fix the journal already holds (same entity and capture time)
// refreshes the existing row instead of duplicating it; fixes without a
// capture time always insert.
type sqliteSink struct {
	db           *sql.DB
	insertSample *sql.Stmt
	insertError  *sql.Stmt
	path         string
}

func newSQLiteSink(ctx context.Context, path string) (Sink, error) {
	dbPath, err := resolveDatabasePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: sqlite liveness check failed")
	}
	insertSample, err := db.Prepare(sampleInsertSQL)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare sample insert failed")
	}
	insertError, err := db.Prepare(errorInsertSQL)
	if err != nil {
		insertSample.Close()
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare error insert failed")
	}
	return &sqliteSink{db: db, insertSample: insertSample, insertError: insertError, path: dbPath}, nil
}

var (
	sampleInsertSQL = fmt.Sprintf(`INSERT INTO %s
		(entity_id, latitude, longitude, captured_at, recorded_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, captured_at) DO UPDATE SET
			latitude=excluded.latitude,
			longitude=excluded.longitude,
			recorded_at=excluded.recorded_at,
			status=excluded.status`, quoteIdent(sampleTableName))

	errorInsertSQL = fmt.Sprintf(`INSERT INTO %s
		(message, timestamp, entity_id, process_id, stage)
		VALUES (?, ?, ?, ?, ?)`, quoteIdent(errorTableName))
)

func (s *sqliteSink) WriteSample(ctx context.Context, sample locationagent.Sample) error {
	if s == nil || s.db == nil || s.insertSample == nil {
		return pkgerrors.New("storage: sqlite sink nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	status, err := encodeStatus(sample.Status)
	if err != nil {
		return err
	}
	args := []any{
		sample.EntityID,
		sample.Latitude,
		sample.Longitude,
		nullableString(sample.CapturedAt),
		sample.RecordedAt,
		status,
	}
	if _, err := s.insertSample.ExecContext(ctx, args...); err != nil {
		log.Debug().Str("query", formatSQLForLog(sampleInsertSQL, args...)).
			Msg("storage: sqlite insert failed")
		return pkgerrors.Wrapf(err, "storage: sqlite insert for %s failed", sample.EntityID)
	}
	return nil
}

func (s *sqliteSink) WriteError(ctx context.Context, record locationagent.ErrorRecord) error {
	if s == nil || s.insertError == nil {
		return pkgerrors.New("storage: sqlite sink nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.insertError.ExecContext(ctx,
		record.Message,
		record.Timestamp,
		nullableString(record.EntityID),
		nullableString(record.ProcessID),
		nullableString(record.Stage),
	)
	if err != nil {
		return pkgerrors.Wrap(err, "storage: sqlite error insert failed")
	}
	return nil
}

func (s *sqliteSink) Close() error {
	if s == nil {
		return nil
	}
	if s.insertSample != nil {
		s.insertSample.Close()
	}
	if s.insertError != nil {
		s.insertError.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqliteSink) Name() string {
	if s == nil || s.path == "" {
		return "sqlite"
	}
	return s.path
}

func resolveDatabasePath(custom string) (string, error) {
	if trimmed := strings.TrimSpace(custom); trimmed != "" {
		if err := ensureDirExists(filepath.Dir(trimmed)); err != nil {
			return "", err
		}
		return trimmed, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pkgerrors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			captured_at TEXT,
			recorded_at TEXT NOT NULL,
			status TEXT,
			UNIQUE(entity_id, captured_at)
		);`, quoteIdent(sampleTableName)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			entity_id TEXT,
			process_id TEXT,
			stage TEXT
		);`, quoteIdent(errorTableName)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_entity ON %s(entity_id, recorded_at DESC);`,
			sampleTableName, quoteIdent(sampleTableName)),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return pkgerrors.Wrap(err, "storage: init sqlite schema failed")
		}
	}
	return nil
}

func encodeStatus(status map[string]any) (sql.NullString, error) {
	if len(status) == 0 {
		return sql.NullString{}, nil
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return sql.NullString{}, pkgerrors.Wrap(err, "storage: marshal status payload failed")
	}
	return sql.NullString{String: string(payload), Valid: true}, nil
}

func nullableString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func quoteIdent(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	escaped := strings.ReplaceAll(trimmed, "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
