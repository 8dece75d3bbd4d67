package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sources "airsense-cloud/internal/sources/domain"
)

const defaultSourcesTable = "sources"

// DBTX is the subset of *sql.DB / *sql.Tx the repositories need.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SourceRepository is a Postgres implementation for source definitions.
type SourceRepository struct {
	db    DBTX
	table string
}

// NewSourceRepository constructs a repository.
func NewSourceRepository(db DBTX, opts ...SourceOption) *SourceRepository {
	repo := &SourceRepository{db: db, table: defaultSourcesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// SourceOption configures the repository.
type SourceOption func(*SourceRepository)

// WithSourceTable overrides the default table name.
func WithSourceTable(table string) SourceOption {
	return func(repo *SourceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const sourceColumns = `id, name, kind, endpoint, topic, credentials, metadata_url,
poll_interval_minutes, canonical, field_mappings, headers,
station_id, latitude, longitude,
active, failure_count, last_error, last_success_at, created_at, updated_at`

// Get loads a source by id. Returns nil without error when absent.
func (r *SourceRepository) Get(ctx context.Context, id string) (*sources.Source, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("source repo: nil db")
	}
	if id == "" {
		return nil, errors.New("source repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, sourceColumns, r.table)

	row := r.db.QueryRowContext(ctx, query, id)
	source, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return source, nil
}

// List returns every source, active or not.
func (r *SourceRepository) List(ctx context.Context) ([]sources.Source, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("source repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
ORDER BY id`, sourceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sources.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *source)
	}
	return out, rows.Err()
}

// ListActive returns active sources, optionally filtered by kind.
func (r *SourceRepository) ListActive(ctx context.Context, kind string) ([]sources.Source, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("source repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE active = TRUE AND ($1 = '' OR kind = $1)
ORDER BY id`, sourceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sources.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *source)
	}
	return out, rows.Err()
}

// Save upserts a source definition. Runtime state (failure counter, last
// error, activation) is preserved on update so that re-seeding the catalog
// does not reset the circuit breaker.
func (r *SourceRepository) Save(ctx context.Context, source *sources.Source) error {
	if r == nil || r.db == nil {
		return errors.New("source repo: nil db")
	}
	if source == nil {
		return errors.New("source repo: nil source")
	}
	if err := source.Validate(); err != nil {
		return err
	}

	fieldMappings, err := json.Marshal(source.FieldMappings)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(source.Headers)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	kind,
	endpoint,
	topic,
	credentials,
	metadata_url,
	poll_interval_minutes,
	canonical,
	field_mappings,
	headers,
	station_id,
	latitude,
	longitude,
	active
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	kind = EXCLUDED.kind,
	endpoint = EXCLUDED.endpoint,
	topic = EXCLUDED.topic,
	credentials = EXCLUDED.credentials,
	metadata_url = EXCLUDED.metadata_url,
	poll_interval_minutes = EXCLUDED.poll_interval_minutes,
	canonical = EXCLUDED.canonical,
	field_mappings = EXCLUDED.field_mappings,
	headers = EXCLUDED.headers,
	station_id = EXCLUDED.station_id,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	updated_at = NOW()`, r.table)

	_, err = r.db.ExecContext(
		ctx,
		query,
		source.ID,
		source.Name,
		source.Kind,
		source.Endpoint,
		source.Topic,
		source.Credentials,
		source.MetadataURL,
		source.PollIntervalMinutes,
		source.Canonical,
		fieldMappings,
		headers,
		source.StationID,
		source.Latitude,
		source.Longitude,
		source.Active,
	)
	return err
}

// RecordSuccess resets the failure counter and stamps the success time.
func (r *SourceRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("source repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET failure_count = 0, last_error = '', last_success_at = $2, updated_at = NOW()
WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// RecordFailure increments the failure counter and returns the new count.
func (r *SourceRepository) RecordFailure(ctx context.Context, id string, lastError string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("source repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET failure_count = failure_count + 1, last_error = $2, updated_at = NOW()
WHERE id = $1
RETURNING failure_count`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, id, lastError).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetActive toggles activation. Reactivation clears the failure streak.
func (r *SourceRepository) SetActive(ctx context.Context, id string, active bool) error {
	if r == nil || r.db == nil {
		return errors.New("source repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET active = $2,
	failure_count = CASE WHEN $2 THEN 0 ELSE failure_count END,
	last_error = CASE WHEN $2 THEN '' ELSE last_error END,
	updated_at = NOW()
WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, id, active)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*sources.Source, error) {
	var (
		source        sources.Source
		fieldMappings []byte
		headers       []byte
		lastSuccess   sql.NullTime
	)
	if err := row.Scan(
		&source.ID,
		&source.Name,
		&source.Kind,
		&source.Endpoint,
		&source.Topic,
		&source.Credentials,
		&source.MetadataURL,
		&source.PollIntervalMinutes,
		&source.Canonical,
		&fieldMappings,
		&headers,
		&source.StationID,
		&source.Latitude,
		&source.Longitude,
		&source.Active,
		&source.FailureCount,
		&source.LastError,
		&lastSuccess,
		&source.CreatedAt,
		&source.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(fieldMappings) > 0 {
		if err := json.Unmarshal(fieldMappings, &source.FieldMappings); err != nil {
			return nil, err
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &source.Headers); err != nil {
			return nil, err
		}
	}
	if lastSuccess.Valid {
		source.LastSuccessAt = lastSuccess.Time.UTC()
	}
	source.CreatedAt = source.CreatedAt.UTC()
	source.UpdatedAt = source.UpdatedAt.UTC()
	return &source, nil
}
