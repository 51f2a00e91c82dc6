package evaluation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const resultsSchema = `
CREATE TABLE IF NOT EXISTS factor_evaluations (
	task_id              TEXT PRIMARY KEY,
	factor_id            TEXT NOT NULL,
	predictive_score     REAL NOT NULL,
	risk_adjusted_return REAL NOT NULL,
	symbols              INTEGER NOT NULL,
	observations         INTEGER NOT NULL,
	evaluated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_factor_evaluations_factor ON factor_evaluations(factor_id);

CREATE TABLE IF NOT EXISTS factor_metrics (
	factor_id        TEXT PRIMARY KEY,
	evaluations      INTEGER NOT NULL,
	mean_ic          REAL NOT NULL,
	ic_ir            REAL NOT NULL,
	best_sharpe      REAL NOT NULL,
	worst_sharpe     REAL NOT NULL,
	updated_at       TEXT NOT NULL
);
`

// FactorMetrics is the aggregated view of a factor across its completed
// evaluations, maintained by the metrics-sync task.
type FactorMetrics struct {
	FactorID    string    `json:"factor_id"`
	Evaluations int       `json:"evaluations"`
	MeanIC      float64   `json:"mean_ic"`
	ICIR        float64   `json:"ic_ir"` // mean IC over its standard deviation
	BestSharpe  float64   `json:"best_sharpe"`
	WorstSharpe float64   `json:"worst_sharpe"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ResultRepository stores per-evaluation scores and per-factor aggregates.
type ResultRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewResultRepository creates a result repository and ensures the schema exists
func NewResultRepository(db *sql.DB, log zerolog.Logger) (*ResultRepository, error) {
	if _, err := db.Exec(resultsSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize results schema: %w", err)
	}

	return &ResultRepository{
		db:  db,
		log: log.With().Str("repo", "results").Logger(),
	}, nil
}

// SaveScores stores one evaluation outcome keyed by its task id
func (r *ResultRepository) SaveScores(taskID string, scores *Scores) error {
	_, err := r.db.Exec(
		`INSERT INTO factor_evaluations
		 (task_id, factor_id, predictive_score, risk_adjusted_return, symbols, observations, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		 	predictive_score = excluded.predictive_score,
		 	risk_adjusted_return = excluded.risk_adjusted_return,
		 	symbols = excluded.symbols,
		 	observations = excluded.observations,
		 	evaluated_at = excluded.evaluated_at`,
		taskID, scores.FactorID, scores.PredictiveScore, scores.RiskAdjustedReturn,
		scores.Symbols, scores.Observations, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save scores for task %s: %w", taskID, err)
	}
	return nil
}

// ScoresForFactor returns the per-evaluation score pairs recorded for a factor
func (r *ResultRepository) ScoresForFactor(factorID string) (ics []float64, sharpes []float64, err error) {
	rows, err := r.db.Query(
		`SELECT predictive_score, risk_adjusted_return FROM factor_evaluations WHERE factor_id = ?`,
		factorID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query scores for factor %s: %w", factorID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ic, sharpe float64
		if err := rows.Scan(&ic, &sharpe); err != nil {
			return nil, nil, fmt.Errorf("failed to scan scores for factor %s: %w", factorID, err)
		}
		ics = append(ics, ic)
		sharpes = append(sharpes, sharpe)
	}
	return ics, sharpes, rows.Err()
}

// UpsertMetrics replaces the aggregate row for a factor
func (r *ResultRepository) UpsertMetrics(m *FactorMetrics) error {
	_, err := r.db.Exec(
		`INSERT INTO factor_metrics
		 (factor_id, evaluations, mean_ic, ic_ir, best_sharpe, worst_sharpe, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(factor_id) DO UPDATE SET
		 	evaluations = excluded.evaluations,
		 	mean_ic = excluded.mean_ic,
		 	ic_ir = excluded.ic_ir,
		 	best_sharpe = excluded.best_sharpe,
		 	worst_sharpe = excluded.worst_sharpe,
		 	updated_at = excluded.updated_at`,
		m.FactorID, m.Evaluations, m.MeanIC, m.ICIR, m.BestSharpe, m.WorstSharpe,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metrics for factor %s: %w", m.FactorID, err)
	}
	return nil
}

// GetMetrics returns the aggregate row for a factor, or nil if never synced
func (r *ResultRepository) GetMetrics(factorID string) (*FactorMetrics, error) {
	row := r.db.QueryRow(
		`SELECT factor_id, evaluations, mean_ic, ic_ir, best_sharpe, worst_sharpe, updated_at
		 FROM factor_metrics WHERE factor_id = ?`,
		factorID,
	)

	var m FactorMetrics
	var updatedAt string
	err := row.Scan(&m.FactorID, &m.Evaluations, &m.MeanIC, &m.ICIR, &m.BestSharpe, &m.WorstSharpe, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics for factor %s: %w", factorID, err)
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	m.UpdatedAt = t

	return &m, nil
}
