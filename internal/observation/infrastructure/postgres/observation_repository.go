package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	observation "airsense-cloud/internal/observation/domain"
)

const defaultObservationsTable = "observations"

// DBTX is the subset of *sql.DB / *sql.Tx the repository needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ObservationRepository is a Postgres implementation of the observation
// store. Parameters travel as one JSONB document per row.
type ObservationRepository struct {
	db    DBTX
	table string
}

// NewObservationRepository constructs a repository.
func NewObservationRepository(db DBTX, opts ...ObservationOption) *ObservationRepository {
	repo := &ObservationRepository{db: db, table: defaultObservationsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ObservationOption configures the repository.
type ObservationOption func(*ObservationRepository)

// WithObservationTable overrides the default table name.
func WithObservationTable(table string) ObservationOption {
	return func(repo *ObservationRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Upsert inserts the observation or replaces the existing row with the same
// id. The id column itself is never part of the update set, so the identity
// of the prior record is always preserved.
func (r *ObservationRepository) Upsert(ctx context.Context, obs *observation.Observation) error {
	if r == nil || r.db == nil {
		return errors.New("observation repo: nil db")
	}
	if obs == nil {
		return errors.New("observation repo: nil observation")
	}
	if err := obs.Validate(); err != nil {
		return err
	}

	parameters, err := json.Marshal(obs.Parameters)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	entity_type,
	station_id,
	latitude,
	longitude,
	observed_at,
	parameters,
	source_id,
	source_name,
	fetched_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (id)
DO UPDATE SET
	entity_type = EXCLUDED.entity_type,
	station_id = EXCLUDED.station_id,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	observed_at = EXCLUDED.observed_at,
	parameters = EXCLUDED.parameters,
	source_id = EXCLUDED.source_id,
	source_name = EXCLUDED.source_name,
	fetched_at = EXCLUDED.fetched_at,
	updated_at = NOW()`, r.table)

	_, err = r.db.ExecContext(
		ctx,
		query,
		obs.ID,
		obs.Type,
		obs.StationID,
		obs.Latitude,
		obs.Longitude,
		obs.ObservedAt,
		parameters,
		obs.Provenance.SourceID,
		obs.Provenance.SourceName,
		obs.Provenance.FetchedAt,
	)
	return err
}

// Exists reports whether an observation with the given id is stored.
func (r *ObservationRepository) Exists(ctx context.Context, id string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("observation repo: nil db")
	}
	if id == "" {
		return false, errors.New("observation repo: empty id")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, r.table)
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Query returns observations matching the filter, most-recent first. Range
// scans (both bounds given) come back in chronological order instead.
func (r *ObservationRepository) Query(ctx context.Context, filter observation.QueryFilter) ([]observation.Observation, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("observation repo: nil db")
	}

	var (
		conditions []string
		args       []any
	)
	if filter.StationID != "" {
		args = append(args, filter.StationID)
		conditions = append(conditions, fmt.Sprintf("station_id = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conditions = append(conditions, fmt.Sprintf("observed_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conditions = append(conditions, fmt.Sprintf("observed_at < $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	order := "ORDER BY observed_at DESC"
	if !filter.From.IsZero() && !filter.To.IsZero() {
		order = "ORDER BY observed_at ASC"
	}
	limit := ""
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		limit = fmt.Sprintf("LIMIT $%d", len(args))
	}

	query := fmt.Sprintf(`
SELECT id, entity_type, station_id, latitude, longitude, observed_at, parameters, source_id, source_name, fetched_at
FROM %s
%s
%s
%s`, r.table, where, order, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []observation.Observation
	for rows.Next() {
		var (
			obs        observation.Observation
			parameters []byte
		)
		if err := rows.Scan(
			&obs.ID,
			&obs.Type,
			&obs.StationID,
			&obs.Latitude,
			&obs.Longitude,
			&obs.ObservedAt,
			&parameters,
			&obs.Provenance.SourceID,
			&obs.Provenance.SourceName,
			&obs.Provenance.FetchedAt,
		); err != nil {
			return nil, err
		}
		if len(parameters) > 0 {
			if err := json.Unmarshal(parameters, &obs.Parameters); err != nil {
				return nil, err
			}
		}
		obs.ObservedAt = obs.ObservedAt.UTC()
		obs.Provenance.FetchedAt = obs.Provenance.FetchedAt.UTC()
		out = append(out, obs)
	}
	return out, rows.Err()
}
