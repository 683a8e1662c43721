package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/DeployAgent/pkg/apk"
)

const (
	modelsTable    = "package_models"
	installedTable = "installed_packages"
)

// SQLiteStore keeps models and installed pointers in one sqlite file.
type SQLiteStore struct {
	db   *sql.DB
	path string

	getStmt       *sql.Stmt
	insertStmt    *sql.Stmt
	installedStmt *sql.Stmt
	setStmt       *sql.Stmt
	clearStmt     *sql.Stmt
}

// OpenSQLite opens (or creates) the cache database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cache: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "cache: create dir for %s failed", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "cache: open sqlite database failed")
	}
	if err := ConfigureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.prepare(); err != nil {
		s.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("cache: sqlite store opened")
	return s, nil
}

// ConfigureSQLite applies the pragmas shared by every deployagent database.
func ConfigureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=30000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "cache: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + modelsTable + ` (
			checksum TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			package_name TEXT,
			model TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ` + installedTable + ` (
			serial TEXT NOT NULL,
			package_name TEXT NOT NULL,
			checksums TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (serial, package_name)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "cache: prepare sqlite schema failed")
		}
	}
	return nil
}

func (s *SQLiteStore) prepare() error {
	var err error
	prep := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = s.db.Prepare(query)
		err = errors.Wrapf(err, "cache: prepare %q failed", query)
	}
	prep(&s.getStmt, `SELECT model FROM `+modelsTable+` WHERE checksum = ?`)
	prep(&s.insertStmt, `INSERT INTO `+modelsTable+` (checksum, name, package_name, model, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(checksum) DO NOTHING`)
	prep(&s.installedStmt, `SELECT checksums FROM `+installedTable+` WHERE serial = ? AND package_name = ?`)
	prep(&s.setStmt, `INSERT INTO `+installedTable+` (serial, package_name, checksums, updated_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(serial, package_name) DO UPDATE SET
		checksums=excluded.checksums, updated_at=excluded.updated_at`)
	prep(&s.clearStmt, `DELETE FROM `+installedTable+` WHERE serial = ? AND package_name = ?`)
	return err
}

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Get(ctx context.Context, checksum string) (*apk.Package, bool, error) {
	key, err := validateKey(checksum)
	if err != nil {
		return nil, false, err
	}
	var raw string
	err = s.getStmt.QueryRowContext(ctx, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache: load model %s", key)
	}
	model, err := decodeModel([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return model, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, checksum string, model *apk.Package) error {
	key, err := validateKey(checksum)
	if err != nil {
		return err
	}
	if err := checkPut(key, nil, model); err != nil {
		return err
	}
	data, err := encodeModel(model)
	if err != nil {
		return err
	}
	res, err := s.insertStmt.ExecContext(ctx, key, model.Name(), model.PackageName(), string(data), time.Now().Unix())
	if err != nil {
		return errors.Wrapf(err, "cache: insert model %s", key)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	existing, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("cache: model %s vanished during insert", key)
	}
	return checkPut(key, existing, model)
}

func (s *SQLiteStore) Installed(ctx context.Context, serial, pkg string) ([]string, bool, error) {
	serial, pkg, err := installedKey(serial, pkg)
	if err != nil {
		return nil, false, err
	}
	var raw string
	err = s.installedStmt.QueryRowContext(ctx, serial, pkg).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache: load installed pointer %s/%s", serial, pkg)
	}
	var checksums []string
	if err := json.Unmarshal([]byte(raw), &checksums); err != nil {
		return nil, false, errors.Wrap(err, "cache: decode installed pointer")
	}
	return checksums, true, nil
}

func (s *SQLiteStore) SetInstalled(ctx context.Context, serial, pkg string, checksums []string) error {
	serial, pkg, err := installedKey(serial, pkg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(checksums)
	if err != nil {
		return errors.Wrap(err, "cache: encode installed pointer")
	}
	if _, err := s.setStmt.ExecContext(ctx, serial, pkg, string(data), time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "cache: update installed pointer %s/%s", serial, pkg)
	}
	return nil
}

func (s *SQLiteStore) ClearInstalled(ctx context.Context, serial, pkg string) error {
	serial, pkg, err := installedKey(serial, pkg)
	if err != nil {
		return err
	}
	if _, err := s.clearStmt.ExecContext(ctx, serial, pkg); err != nil {
		return errors.Wrapf(err, "cache: clear installed pointer %s/%s", serial, pkg)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, stmt := range []*sql.Stmt{s.getStmt, s.insertStmt, s.installedStmt, s.setStmt, s.clearStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
