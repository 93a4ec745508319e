// Package runstore persists adjustment runs, their iteration history and
// adjusted parameters in the run database.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/jigsaw/internal/timeutil"
)

// ErrRunNotFound is returned by GetRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one adjustment.
type Run struct {
	RunID      string          `json:"run_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Version    string          `json:"version"`
	NetworkID  string          `json:"network_id"`
	TargetName string          `json:"target_name"`
	Settings   json.RawMessage `json:"settings,omitempty"`

	Status           string        `json:"status"`
	Converged        bool          `json:"converged"`
	Iterations       int           `json:"iterations"`
	Sigma0           float64       `json:"sigma0"`
	DegreesOfFreedom int           `json:"degrees_of_freedom"`
	RejectedMeasures int           `json:"rejected_measures"`
	RejectedPoints   int           `json:"rejected_points"`
	RMS              float64       `json:"rms_px"`
	Elapsed          time.Duration `json:"elapsed"`
	ErrorPropagation time.Duration `json:"error_propagation"`
	Error            string        `json:"error,omitempty"`
}

// Iteration is one pass of the iteration controller.
type Iteration struct {
	Iteration        int           `json:"iteration"`
	Sigma0           float64       `json:"sigma0"`
	Vtpv             float64       `json:"vtpv"`
	Observations     int           `json:"observations"`
	Unknowns         int           `json:"unknowns"`
	DegreesOfFreedom int           `json:"degrees_of_freedom"`
	RejectedMeasures int           `json:"rejected_measures"`
	RejectionLimit   float64       `json:"rejection_limit"`
	Tier             int           `json:"tier"`
	MaxCorrection    float64       `json:"max_correction"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Point is an adjusted point. Sigmas are nil without error propagation.
type Point struct {
	PointID   string      `json:"point_id"`
	Type      string      `json:"type"`
	Rejected  bool        `json:"rejected"`
	Latitude  float64     `json:"latitude_deg"`
	Longitude float64     `json:"longitude_deg"`
	Radius    float64     `json:"radius_km"`
	Sigmas    *[3]float64 `json:"sigmas_m,omitempty"`
}

// ImageParameter is one adjusted exterior orientation parameter. Sigmas
// are nil when unconstrained or not propagated.
type ImageParameter struct {
	ObservationID string   `json:"observation_id"`
	Parameter     string   `json:"parameter"`
	Apriori       float64  `json:"apriori"`
	Adjusted      float64  `json:"adjusted"`
	AprioriSigma  *float64 `json:"apriori_sigma,omitempty"`
	AdjustedSigma *float64 `json:"adjusted_sigma,omitempty"`
}

// Store provides persistence for runs.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// NewStore creates a Store. A nil clock uses the wall clock.
func NewStore(db *sql.DB, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{db: db, clock: clock}
}

func millis(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func fromMillis(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

// InsertRun persists a run. If RunID is empty, a UUID is generated; a zero
// CreatedAt takes the store clock.
func (s *Store) InsertRun(r *Run) error {
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now()
	}
	var settings, runErr interface{}
	if len(r.Settings) > 0 {
		settings = string(r.Settings)
	}
	if r.Error != "" {
		runErr = r.Error
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (
			run_id, created_at, version, network_id, target_name, settings_json,
			status, converged, iterations, sigma0, degrees_of_freedom,
			rejected_measures, rejected_points, rms_px, elapsed_ms, error_propagation_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.CreatedAt.UnixNano(), r.Version, r.NetworkID, r.TargetName, settings,
		r.Status, r.Converged, r.Iterations, r.Sigma0, r.DegreesOfFreedom,
		r.RejectedMeasures, r.RejectedPoints, r.RMS, millis(r.Elapsed), millis(r.ErrorPropagation), runErr,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// inTx runs fn inside a transaction.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InsertIterations persists the iteration history of a run.
func (s *Store) InsertIterations(runID string, its []Iteration) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO run_iterations (
				run_id, iteration, sigma0, vtpv, observations, unknowns, degrees_of_freedom,
				rejected_measures, rejection_limit, tier, max_correction, elapsed_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare iterations: %w", err)
		}
		defer stmt.Close()
		for _, it := range its {
			if _, err := stmt.Exec(runID, it.Iteration, it.Sigma0, it.Vtpv, it.Observations, it.Unknowns,
				it.DegreesOfFreedom, it.RejectedMeasures, it.RejectionLimit, it.Tier, it.MaxCorrection,
				millis(it.Elapsed)); err != nil {
				return fmt.Errorf("insert iteration %d of run %s: %w", it.Iteration, runID, err)
			}
		}
		return nil
	})
}

// InsertPoints persists the adjusted points of a run.
func (s *Store) InsertPoints(runID string, points []Point) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO run_points (
				run_id, point_id, point_type, rejected, latitude_deg, longitude_deg, radius_km,
				sigma1_m, sigma2_m, sigma3_m
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare points: %w", err)
		}
		defer stmt.Close()
		for _, p := range points {
			var s1, s2, s3 interface{}
			if p.Sigmas != nil {
				s1, s2, s3 = p.Sigmas[0], p.Sigmas[1], p.Sigmas[2]
			}
			if _, err := stmt.Exec(runID, p.PointID, p.Type, p.Rejected, p.Latitude, p.Longitude, p.Radius,
				s1, s2, s3); err != nil {
				return fmt.Errorf("insert point %s of run %s: %w", p.PointID, runID, err)
			}
		}
		return nil
	})
}

func nullable(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// InsertImageParameters persists the adjusted image parameters of a run.
func (s *Store) InsertImageParameters(runID string, params []ImageParameter) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO run_image_parameters (
				run_id, observation_id, parameter, apriori, adjusted, apriori_sigma, adjusted_sigma
			) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare image parameters: %w", err)
		}
		defer stmt.Close()
		for _, p := range params {
			if _, err := stmt.Exec(runID, p.ObservationID, p.Parameter, p.Apriori, p.Adjusted,
				nullable(p.AprioriSigma), nullable(p.AdjustedSigma)); err != nil {
				return fmt.Errorf("insert parameter %s/%s of run %s: %w", p.ObservationID, p.Parameter, runID, err)
			}
		}
		return nil
	})
}

const runColumns = `run_id, created_at, version, network_id, target_name, settings_json,
	status, converged, iterations, sigma0, degrees_of_freedom,
	rejected_measures, rejected_points, rms_px, elapsed_ms, error_propagation_ms, error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                 Run
		created           int64
		settings, runErr  sql.NullString
		elapsed, errorsMs float64
	)
	err := row.Scan(&r.RunID, &created, &r.Version, &r.NetworkID, &r.TargetName, &settings,
		&r.Status, &r.Converged, &r.Iterations, &r.Sigma0, &r.DegreesOfFreedom,
		&r.RejectedMeasures, &r.RejectedPoints, &r.RMS, &elapsed, &errorsMs, &runErr)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	if settings.Valid {
		r.Settings = json.RawMessage(settings.String)
	}
	r.Error = runErr.String
	r.Elapsed = fromMillis(elapsed)
	r.ErrorPropagation = fromMillis(errorsMs)
	return &r, nil
}

// GetRun returns a single run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A non-positive limit
// returns every run.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListIterations returns the iteration history of a run in order.
func (s *Store) ListIterations(runID string) ([]Iteration, error) {
	rows, err := s.db.Query(`
		SELECT iteration, sigma0, vtpv, observations, unknowns, degrees_of_freedom,
		       rejected_measures, rejection_limit, tier, max_correction, elapsed_ms
		FROM run_iterations
		WHERE run_id = ?
		ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var its []Iteration
	for rows.Next() {
		var it Iteration
		var elapsed float64
		if err := rows.Scan(&it.Iteration, &it.Sigma0, &it.Vtpv, &it.Observations, &it.Unknowns,
			&it.DegreesOfFreedom, &it.RejectedMeasures, &it.RejectionLimit, &it.Tier, &it.MaxCorrection,
			&elapsed); err != nil {
			return nil, err
		}
		it.Elapsed = fromMillis(elapsed)
		its = append(its, it)
	}
	return its, rows.Err()
}

// ListPoints returns the adjusted points of a run ordered by id.
func (s *Store) ListPoints(runID string) ([]Point, error) {
	rows, err := s.db.Query(`
		SELECT point_id, point_type, rejected, latitude_deg, longitude_deg, radius_km,
		       sigma1_m, sigma2_m, sigma3_m
		FROM run_points
		WHERE run_id = ?
		ORDER BY point_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var s1, s2, s3 sql.NullFloat64
		if err := rows.Scan(&p.PointID, &p.Type, &p.Rejected, &p.Latitude, &p.Longitude, &p.Radius,
			&s1, &s2, &s3); err != nil {
			return nil, err
		}
		if s1.Valid && s2.Valid && s3.Valid {
			p.Sigmas = &[3]float64{s1.Float64, s2.Float64, s3.Float64}
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ListImageParameters returns the adjusted image parameters of a run
// ordered by observation.
func (s *Store) ListImageParameters(runID string) ([]ImageParameter, error) {
	rows, err := s.db.Query(`
		SELECT observation_id, parameter, apriori, adjusted, apriori_sigma, adjusted_sigma
		FROM run_image_parameters
		WHERE run_id = ?
		ORDER BY observation_id, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query image parameters: %w", err)
	}
	defer rows.Close()

	var params []ImageParameter
	for rows.Next() {
		var p ImageParameter
		var ap, adj sql.NullFloat64
		if err := rows.Scan(&p.ObservationID, &p.Parameter, &p.Apriori, &p.Adjusted, &ap, &adj); err != nil {
			return nil, err
		}
		if ap.Valid {
			p.AprioriSigma = &ap.Float64
		}
		if adj.Valid {
			p.AdjustedSigma = &adj.Float64
		}
		params = append(params, p)
	}
	return params, rows.Err()
}
