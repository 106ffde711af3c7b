package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	indicator_path TEXT NOT NULL,
	policy_path    TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	unit_id TEXT NOT NULL,
	domain  TEXT NOT NULL,
	value   REAL NOT NULL,
	PRIMARY KEY (run_id, unit_id, domain)
);

CREATE TABLE IF NOT EXISTS diagnostics (
	run_id             TEXT NOT NULL REFERENCES runs(id),
	domain             TEXT NOT NULL,
	component          INTEGER NOT NULL,
	variance_explained REAL NOT NULL,
	loadings           TEXT NOT NULL,
	PRIMARY KEY (run_id, domain, component)
);

CREATE TABLE IF NOT EXISTS boundaries (
	unit_id    TEXT PRIMARY KEY,
	state_fips TEXT NOT NULL,
	name       TEXT NOT NULL,
	geom       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_run_id ON scores(run_id);
CREATE INDEX IF NOT EXISTS idx_diagnostics_run_id ON diagnostics(run_id);
CREATE INDEX IF NOT EXISTS idx_boundaries_state ON boundaries(state_fips);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, indicator_path, policy_path, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.IndicatorPath, run.PolicyPath, run.Status, run.Error, run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ? WHERE id = ?`, status, errMsg, runID)
	if err != nil {
		return eris.Wrap(err, "sqlite: update run status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update run status")
	}
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found", runID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, indicator_path, policy_path, status, error, created_at FROM runs WHERE id = ?`, runID)

	run, err := scanRun(row.Scan)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, indicator_path, policy_path, status, error, created_at FROM runs ORDER BY created_at DESC`
	args := []any{}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs")
}

// scanRun reads one run row; created_at is stored as RFC 3339 text.
func scanRun(scan func(...any) error) (*Run, error) {
	var r Run
	var createdAt string
	if err := scan(&r.ID, &r.IndicatorPath, &r.PolicyPath, &r.Status, &r.Error, &createdAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, eris.Wrap(err, "parse created_at")
	}
	r.CreatedAt = ts
	return &r, nil
}

func (s *SQLiteStore) SaveScores(ctx context.Context, scores []Score) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin scores tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO scores (run_id, unit_id, domain, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare score insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, sc.RunID, sc.UnitID, sc.Domain, sc.Value); err != nil {
			return eris.Wrapf(err, "sqlite: insert score for unit %s", sc.UnitID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit scores")
}

func (s *SQLiteStore) GetScores(ctx context.Context, runID string) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, unit_id, domain, value FROM scores WHERE run_id = ? ORDER BY unit_id, domain`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get scores")
	}
	defer rows.Close() //nolint:errcheck

	var scores []Score
	for rows.Next() {
		var sc Score
		if err := rows.Scan(&sc.RunID, &sc.UnitID, &sc.Domain, &sc.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: get scores")
}

func (s *SQLiteStore) SaveDiagnostics(ctx context.Context, diags []Diagnostic) error {
	if len(diags) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin diagnostics tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, d := range diags {
		loadings, err := json.Marshal(d.Loadings)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal loadings")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO diagnostics (run_id, domain, component, variance_explained, loadings) VALUES (?, ?, ?, ?, ?)`,
			d.RunID, d.Domain, d.Component, d.VarianceExplained, string(loadings))
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert diagnostic for domain %s", d.Domain)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit diagnostics")
}

func (s *SQLiteStore) GetDiagnostics(ctx context.Context, runID string) ([]Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, domain, component, variance_explained, loadings FROM diagnostics WHERE run_id = ? ORDER BY domain, component`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get diagnostics")
	}
	defer rows.Close() //nolint:errcheck

	var diags []Diagnostic
	for rows.Next() {
		var d Diagnostic
		var loadings string
		if err := rows.Scan(&d.RunID, &d.Domain, &d.Component, &d.VarianceExplained, &loadings); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan diagnostic")
		}
		if err := json.Unmarshal([]byte(loadings), &d.Loadings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal loadings")
		}
		diags = append(diags, d)
	}
	return diags, eris.Wrap(rows.Err(), "sqlite: get diagnostics")
}

func (s *SQLiteStore) UpsertBoundary(ctx context.Context, b Boundary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boundaries (unit_id, state_fips, name, geom, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (unit_id) DO UPDATE SET
			state_fips = excluded.state_fips,
			name = excluded.name,
			geom = excluded.geom,
			updated_at = excluded.updated_at`,
		b.UnitID, b.StateFIPS, b.Name, b.Geom, b.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return eris.Wrapf(err, "sqlite: upsert boundary %s", b.UnitID)
}

func (s *SQLiteStore) GetBoundaries(ctx context.Context, unitIDs []string) (map[string]Boundary, error) {
	if len(unitIDs) == 0 {
		return map[string]Boundary{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(unitIDs)), ",")
	args := make([]any, len(unitIDs))
	for i, id := range unitIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, state_fips, name, geom, updated_at FROM boundaries WHERE unit_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get boundaries")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]Boundary, len(unitIDs))
	for rows.Next() {
		var b Boundary
		var updatedAt string
		if err := rows.Scan(&b.UnitID, &b.StateFIPS, &b.Name, &b.Geom, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan boundary")
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse updated_at")
		}
		b.UpdatedAt = ts
		out[b.UnitID] = b
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get boundaries")
}
