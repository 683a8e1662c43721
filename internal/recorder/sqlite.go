package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/DeployAgent/pkg/cache"
)

const deploymentsTable = "deployments"

// SQLiteRecorder appends records to the deployments table.
type SQLiteRecorder struct {
	db         *sql.DB
	insertStmt *sql.Stmt
}

// OpenSQLite opens the history database at path. It may share the file with
// the analysis cache.
func OpenSQLite(path string) (*SQLiteRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, pkgerrors.New("recorder: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, pkgerrors.Wrapf(err, "recorder: create dir for %s failed", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "recorder: open sqlite database failed")
	}
	if err := cache.ConfigureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS ` + deploymentsTable + ` (
		id TEXT PRIMARY KEY,
		serial TEXT NOT NULL,
		package_name TEXT NOT NULL,
		mode TEXT,
		strategy TEXT,
		state TEXT NOT NULL,
		outcome TEXT,
		failed_step TEXT,
		error TEXT,
		changed_paths TEXT,
		fell_back INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER,
		finished_at INTEGER
	);`
	index := `CREATE INDEX IF NOT EXISTS idx_deployments_serial_pkg ON ` + deploymentsTable + ` (serial, package_name, started_at);`
	for _, stmt := range []string{schema, index} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, pkgerrors.Wrap(err, "recorder: prepare sqlite schema failed")
		}
	}
	insert, err := db.Prepare(`INSERT INTO ` + deploymentsTable + ` (id, serial, package_name, mode, strategy, state,
		outcome, failed_step, error, changed_paths, fell_back, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, outcome=excluded.outcome,
			failed_step=excluded.failed_step, error=excluded.error, finished_at=excluded.finished_at`)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "recorder: prepare insert failed")
	}
	log.Debug().Str("path", path).Msg("recorder: sqlite history opened")
	return &SQLiteRecorder{db: db, insertStmt: insert}, nil
}

func (r *SQLiteRecorder) Name() string { return "sqlite" }

func (r *SQLiteRecorder) Record(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return pkgerrors.New("recorder: record id is empty")
	}
	paths, err := json.Marshal(nonNil(rec.ChangedPaths))
	if err != nil {
		return pkgerrors.Wrap(err, "recorder: encode changed paths failed")
	}
	_, err = r.insertStmt.ExecContext(ctx, rec.ID, rec.Serial, rec.Package, rec.Mode, rec.Strategy, rec.State,
		rec.Outcome, rec.FailedStep, rec.Error, string(paths), boolInt(rec.FellBack),
		unixMilli(rec.StartedAt), unixMilli(rec.FinishedAt))
	if err != nil {
		return pkgerrors.Wrapf(err, "recorder: insert deployment %s failed", rec.ID)
	}
	return nil
}

// Recent returns up to limit records, newest first. Empty serial or pkg
// matches everything.
func (r *SQLiteRecorder) Recent(ctx context.Context, serial, pkg string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, serial, package_name, mode, strategy, state, outcome,
		failed_step, error, changed_paths, fell_back, started_at, finished_at
		FROM `+deploymentsTable+`
		WHERE (? = '' OR serial = ?) AND (? = '' OR package_name = ?)
		ORDER BY started_at DESC LIMIT ?`, serial, serial, pkg, pkg, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "recorder: query deployments failed")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                   Record
			mode, strategy        sql.NullString
			outcome, step, errMsg sql.NullString
			paths                 sql.NullString
			fellBack              int
			started, finished     sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Serial, &rec.Package, &mode, &strategy, &rec.State, &outcome,
			&step, &errMsg, &paths, &fellBack, &started, &finished); err != nil {
			return nil, pkgerrors.Wrap(err, "recorder: scan deployment failed")
		}
		rec.Mode, rec.Strategy = mode.String, strategy.String
		rec.Outcome, rec.FailedStep, rec.Error = outcome.String, step.String, errMsg.String
		rec.FellBack = fellBack != 0
		rec.StartedAt, rec.FinishedAt = fromMilli(started), fromMilli(finished)
		if paths.Valid && paths.String != "" {
			if err := json.Unmarshal([]byte(paths.String), &rec.ChangedPaths); err != nil {
				log.Warn().Err(err).Str("id", rec.ID).Msg("recorder: bad changed_paths column")
			}
		}
		out = append(out, rec)
	}
	return out, pkgerrors.Wrap(rows.Err(), "recorder: iterate deployments failed")
}

func (r *SQLiteRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	if r.insertStmt != nil {
		r.insertStmt.Close()
	}
	return r.db.Close()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
