// Package store persists pipeline runs, per-unit scores, PCA diagnostics,
// and tract boundary geometries. Two backends implement Store: SQLite
// (modernc, default) and Postgres (pgx).
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// Run statuses.
const (
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

// CompositeDomain is the domain label under which composite scores are
// stored in the scores table.
const CompositeDomain = "composite"

// Run records one pipeline execution.
type Run struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	IndicatorPath string    `json:"indicator_path"`
	PolicyPath    string    `json:"policy_path"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
}

// Score is one unit's value for one domain index (or the composite).
type Score struct {
	RunID  string  `json:"run_id"`
	UnitID string  `json:"unit_id"`
	Domain string  `json:"domain"`
	Value  float64 `json:"value"`
}

// Diagnostic records one PCA component's variance-explained share and
// loadings for a domain, kept for reporting.
type Diagnostic struct {
	RunID             string             `json:"run_id"`
	Domain            string             `json:"domain"`
	Component         int                `json:"component"`
	VarianceExplained float64            `json:"variance_explained"`
	Loadings          map[string]float64 `json:"loadings"`
}

// Boundary is a tract polygon keyed by unit ID (GEOID), stored as EWKB.
type Boundary struct {
	UnitID    string    `json:"unit_id"`
	StateFIPS string    `json:"state_fips"`
	Name      string    `json:"name"`
	Geom      []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunFilter limits run listings.
type RunFilter struct {
	Limit int `json:"limit,omitempty"`
}

// Store is the persistence interface for the index pipeline.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	SaveScores(ctx context.Context, scores []Score) error
	GetScores(ctx context.Context, runID string) ([]Score, error)

	SaveDiagnostics(ctx context.Context, diags []Diagnostic) error
	GetDiagnostics(ctx context.Context, runID string) ([]Diagnostic, error)

	UpsertBoundary(ctx context.Context, b Boundary) error
	GetBoundaries(ctx context.Context, unitIDs []string) (map[string]Boundary, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open creates a Store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q (want sqlite or postgres)", driver)
	}
}
