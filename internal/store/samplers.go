package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/state"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// ErrRunNotFound is returned when a sampler run is not recorded.
var ErrRunNotFound = errors.New("store: sampler run not found")

// SamplerRepository records sampler sessions in sampler_runs and their
// evaluated points in sampler_points. It is a sampler.Recorder and
// sampler.Finisher.
type SamplerRepository struct {
	db *sql.DB
}

// NewSamplerRepository creates a repository on a migrated database.
func NewSamplerRepository(db *sql.DB) *SamplerRepository {
	return &SamplerRepository{db: db}
}

var (
	_ sampler.Recorder = (*SamplerRepository)(nil)
	_ sampler.Finisher = (*SamplerRepository)(nil)
)

// RecordPoint upserts the run row and appends rec as point number
// info.Points.
func (r *SamplerRepository) RecordPoint(ctx context.Context, info sampler.Info, rec sampler.Record) error {
	point, err := json.Marshal(rec.Point)
	if err != nil {
		return fmt.Errorf("marshalling point: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if err := upsertRun(ctx, tx, info); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sampler_points (run_id, seq, point, cost, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		info.ID, info.Points, string(point), rec.Cost, formatTime(rec.Time))
	if err != nil {
		return fmt.Errorf("inserting sampler point: %w", err)
	}
	return tx.Commit()
}

// FinishRun stores the final state of a session, including one that
// never evaluated a point.
func (r *SamplerRepository) FinishRun(ctx context.Context, info sampler.Info) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if err := upsertRun(ctx, tx, info); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertRun(ctx context.Context, tx *sql.Tx, info sampler.Info) error {
	params, err := json.Marshal(info.Params)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}
	if info.Params == nil {
		params = []byte("{}")
	}

	var best sql.NullFloat64
	if info.Best != nil {
		best = sql.NullFloat64{Float64: info.Best.Cost, Valid: true}
	}
	var finished sql.NullString
	if !info.Finished.IsZero() {
		finished = sql.NullString{String: formatTime(info.Finished), Valid: true}
	}
	started := info.Started
	if started.IsZero() {
		started = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sampler_runs
			(id, hub, experiment, algorithm, params, active, points, best_cost, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			points = excluded.points,
			best_cost = excluded.best_cost,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		info.ID, info.Hub, info.Experiment, info.Algorithm, string(params),
		info.Active, info.Points, best, info.Error, formatTime(started), finished,
	)
	if err != nil {
		return fmt.Errorf("upserting sampler run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs of hub, newest first. Best is not
// populated; use Points for the evaluated points.
func (r *SamplerRepository) Runs(ctx context.Context, hub string, limit int) ([]sampler.Info, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	limit = min(limit, maxRunLimit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, hub, experiment, algorithm, params, active, points, error, started_at, finished_at
		 FROM sampler_runs WHERE hub = ? ORDER BY started_at DESC LIMIT ?`,
		hub, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sampler runs: %w", err)
	}
	defer rows.Close()

	runs := make([]sampler.Info, 0, limit)
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sampler runs: %w", err)
	}
	return runs, nil
}

// Run returns one recorded run with its best point.
func (r *SamplerRepository) Run(ctx context.Context, id string) (sampler.Info, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, hub, experiment, algorithm, params, active, points, error, started_at, finished_at
		 FROM sampler_runs WHERE id = ?`, id)
	info, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sampler.Info{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return sampler.Info{}, err
	}

	points, err := r.Points(ctx, id)
	if err != nil {
		return sampler.Info{}, err
	}
	for i := range points {
		if info.Best == nil || points[i].Cost < info.Best.Cost {
			info.Best = &points[i]
		}
	}
	return info, nil
}

// Points returns the evaluated points of a run in evaluation order.
func (r *SamplerRepository) Points(ctx context.Context, id string) ([]sampler.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT point, cost, recorded_at FROM sampler_points WHERE run_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("querying sampler points: %w", err)
	}
	defer rows.Close()

	var out []sampler.Record
	for rows.Next() {
		var pointJSON, at string
		var rec sampler.Record
		if err := rows.Scan(&pointJSON, &rec.Cost, &at); err != nil {
			return nil, fmt.Errorf("scanning sampler point: %w", err)
		}
		var point state.State
		if err := json.Unmarshal([]byte(pointJSON), &point); err != nil {
			return nil, fmt.Errorf("unmarshalling point: %w", err)
		}
		rec.Point = point
		if rec.Time, err = parseTimestamp(at); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sampler points: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (sampler.Info, error) {
	var (
		info     sampler.Info
		params   string
		started  string
		finished sql.NullString
	)
	err := row.Scan(&info.ID, &info.Hub, &info.Experiment, &info.Algorithm, &params,
		&info.Active, &info.Points, &info.Error, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, err
		}
		return info, fmt.Errorf("scanning sampler run: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &info.Params); err != nil {
		return info, fmt.Errorf("unmarshalling params: %w", err)
	}
	if len(info.Params) == 0 {
		info.Params = nil
	}
	if info.Started, err = parseTimestamp(started); err != nil {
		return info, err
	}
	if finished.Valid {
		if info.Finished, err = parseTimestamp(finished.String); err != nil {
			return info, err
		}
	}
	return info, nil
}

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
