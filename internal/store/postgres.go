package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	indicator_path TEXT NOT NULL,
	policy_path    TEXT NOT NULL,
	status         TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	unit_id TEXT NOT NULL,
	domain  TEXT NOT NULL,
	value   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, unit_id, domain)
);

CREATE TABLE IF NOT EXISTS diagnostics (
	run_id             TEXT NOT NULL REFERENCES runs(id),
	domain             TEXT NOT NULL,
	component          INTEGER NOT NULL,
	variance_explained DOUBLE PRECISION NOT NULL,
	loadings           JSONB NOT NULL,
	PRIMARY KEY (run_id, domain, component)
);

CREATE TABLE IF NOT EXISTS boundaries (
	unit_id    TEXT PRIMARY KEY,
	state_fips TEXT NOT NULL,
	name       TEXT NOT NULL,
	geom       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_run_id ON scores(run_id);
CREATE INDEX IF NOT EXISTS idx_diagnostics_run_id ON diagnostics(run_id);
CREATE INDEX IF NOT EXISTS idx_boundaries_state ON boundaries(state_fips);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, indicator_path, policy_path, status, error, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.IndicatorPath, run.PolicyPath, run.Status, run.Error, run.CreatedAt.UTC())
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2 WHERE id = $3`, status, errMsg, runID)
	if err != nil {
		return eris.Wrap(err, "postgres: update run status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, indicator_path, policy_path, status, error, created_at FROM runs WHERE id = $1`, runID).
		Scan(&r.ID, &r.IndicatorPath, &r.PolicyPath, &r.Status, &r.Error, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, indicator_path, policy_path, status, error, created_at FROM runs ORDER BY created_at DESC`
	args := []any{}
	if filter.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.IndicatorPath, &r.PolicyPath, &r.Status, &r.Error, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs")
}

func (s *PostgresStore) SaveScores(ctx context.Context, scores []Score) error {
	if len(scores) == 0 {
		return nil
	}
	rows := make([][]any, len(scores))
	for i, sc := range scores {
		rows[i] = []any{sc.RunID, sc.UnitID, sc.Domain, sc.Value}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"scores"},
		[]string{"run_id", "unit_id", "domain", "value"},
		pgx.CopyFromRows(rows))
	return eris.Wrap(err, "postgres: copy scores")
}

func (s *PostgresStore) GetScores(ctx context.Context, runID string) ([]Score, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, unit_id, domain, value FROM scores WHERE run_id = $1 ORDER BY unit_id, domain`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get scores")
	}
	defer rows.Close()

	var scores []Score
	for rows.Next() {
		var sc Score
		if err := rows.Scan(&sc.RunID, &sc.UnitID, &sc.Domain, &sc.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan score")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: get scores")
}

func (s *PostgresStore) SaveDiagnostics(ctx context.Context, diags []Diagnostic) error {
	if len(diags) == 0 {
		return nil
	}
	rows := make([][]any, len(diags))
	for i, d := range diags {
		loadings, err := json.Marshal(d.Loadings)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal loadings")
		}
		rows[i] = []any{d.RunID, d.Domain, d.Component, d.VarianceExplained, loadings}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"diagnostics"},
		[]string{"run_id", "domain", "component", "variance_explained", "loadings"},
		pgx.CopyFromRows(rows))
	return eris.Wrap(err, "postgres: copy diagnostics")
}

func (s *PostgresStore) GetDiagnostics(ctx context.Context, runID string) ([]Diagnostic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, domain, component, variance_explained, loadings FROM diagnostics WHERE run_id = $1 ORDER BY domain, component`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get diagnostics")
	}
	defer rows.Close()

	var diags []Diagnostic
	for rows.Next() {
		var d Diagnostic
		var loadings []byte
		if err := rows.Scan(&d.RunID, &d.Domain, &d.Component, &d.VarianceExplained, &loadings); err != nil {
			return nil, eris.Wrap(err, "postgres: scan diagnostic")
		}
		if err := json.Unmarshal(loadings, &d.Loadings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal loadings")
		}
		diags = append(diags, d)
	}
	return diags, eris.Wrap(rows.Err(), "postgres: get diagnostics")
}

func (s *PostgresStore) UpsertBoundary(ctx context.Context, b Boundary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO boundaries (unit_id, state_fips, name, geom, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (unit_id) DO UPDATE SET
			state_fips = EXCLUDED.state_fips,
			name = EXCLUDED.name,
			geom = EXCLUDED.geom,
			updated_at = EXCLUDED.updated_at`,
		b.UnitID, b.StateFIPS, b.Name, b.Geom, b.UpdatedAt.UTC())
	return eris.Wrapf(err, "postgres: upsert boundary %s", b.UnitID)
}

func (s *PostgresStore) GetBoundaries(ctx context.Context, unitIDs []string) (map[string]Boundary, error) {
	if len(unitIDs) == 0 {
		return map[string]Boundary{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT unit_id, state_fips, name, geom, updated_at FROM boundaries WHERE unit_id = ANY($1)`, unitIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get boundaries")
	}
	defer rows.Close()

	out := make(map[string]Boundary, len(unitIDs))
	for rows.Next() {
		var b Boundary
		if err := rows.Scan(&b.UnitID, &b.StateFIPS, &b.Name, &b.Geom, &b.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan boundary")
		}
		out[b.UnitID] = b
	}
	return out, eris.Wrap(rows.Err(), "postgres: get boundaries")
}
