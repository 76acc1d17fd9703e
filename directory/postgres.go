package directory

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/point"
)

// Postgres is the production Directory backed by the relational metadata
// store. The points table carries one row per point; point_sequence_id is
// NULL until the first write assigns one from points_sequence_seq.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresConfig holds connection settings for the point directory
type PostgresConfig struct {
	DSN       string        `json:"dsn"`
	Timeout   time.Duration `json:"timeout"`
	MaxConns  int32         `json:"max_conns"`
	MinConns  int32         `json:"min_conns"`
	TableName string        `json:"table_name"`
}

// Validate checks the configuration for errors
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "PostgresConfig", "Validate", "dsn is required")
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "PostgresConfig", "Validate", "timeout cannot be negative")
	}
	return nil
}

// NewPostgres connects to the point directory database
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Postgres", "NewPostgres", "parse dsn")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "NewPostgres", "create pool")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Postgres{pool: pool, timeout: timeout}, nil
}

// Close releases the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies database connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, "Postgres", "Ping", "ping database")
	}
	return nil
}

const pointColumns = `id, point_sequence_id, name, data_source_id, value_type, unit`

// scanPoint maps one points row to the domain type. point_sequence_id is
// nullable: a NULL means the point exists but is unresolved.
func scanPoint(row pgx.Row) (point.Point, error) {
	var (
		p   point.Point
		seq sql.NullInt64
	)
	if err := row.Scan(&p.ID, &seq, &p.Name, &p.SourceGroup, &p.ValueType, &p.Unit); err != nil {
		return point.Point{}, err
	}
	if seq.Valid {
		p.Sequence = point.ResolvedSequence(seq.Int64)
	}
	return p, nil
}

// FindByName returns the point with the given name within a source group
func (p *Postgres) FindByName(ctx context.Context, sourceGroup, name string) (point.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.pool.QueryRow(ctx,
		`SELECT `+pointColumns+` FROM points WHERE data_source_id = $1 AND name = $2`,
		sourceGroup, name)

	pt, err := scanPoint(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return point.Point{}, errors.ErrPointNotFound
		}
		return point.Point{}, errors.WrapTransient(err, "Postgres", "FindByName", "query point")
	}
	return pt, nil
}

// FindBySequence returns the point with the given sequence id
func (p *Postgres) FindBySequence(ctx context.Context, id int64) (point.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.pool.QueryRow(ctx,
		`SELECT `+pointColumns+` FROM points WHERE point_sequence_id = $1`, id)

	pt, err := scanPoint(row)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return point.Point{}, errors.ErrPointNotFound
		}
		return point.Point{}, errors.WrapTransient(err, "Postgres", "FindBySequence", "query point")
	}
	return pt, nil
}

// CreatePoint creates a point with a freshly allocated sequence id. If the
// (source group, name) pair already exists the existing row is returned;
// an existing row without a sequence id gets one assigned exactly once.
// The upsert makes concurrent creation of the same name collapse to a
// single row at the database, not at the cache layer.
func (p *Postgres) CreatePoint(ctx context.Context, sourceGroup, name, valueType, unit string) (point.Point, error) {
	if name == "" {
		return point.Point{}, errors.WrapInvalid(errors.ErrUnresolvedName, "Postgres", "CreatePoint", "validate name")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
		INSERT INTO points (id, data_source_id, name, value_type, unit, point_sequence_id)
		VALUES ($1, $2, $3, $4, $5, nextval('points_sequence_seq'))
		ON CONFLICT (data_source_id, name) DO UPDATE
		SET point_sequence_id = COALESCE(points.point_sequence_id, EXCLUDED.point_sequence_id)
		RETURNING `+pointColumns,
		uuid.NewString(), sourceGroup, name, valueType, unit)

	pt, err := scanPoint(row)
	if err != nil {
		return point.Point{}, errors.WrapTransient(err, "Postgres", "CreatePoint", "upsert point")
	}
	return pt, nil
}

// ListAll returns the full point set for a cache refresh
func (p *Postgres) ListAll(ctx context.Context) ([]point.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `SELECT `+pointColumns+` FROM points ORDER BY point_sequence_id NULLS LAST`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "ListAll", "query points")
	}
	defer rows.Close()

	var points []point.Point
	for rows.Next() {
		pt, err := scanPoint(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "Postgres", "ListAll", "scan point")
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Postgres", "ListAll", "iterate points")
	}

	return points, nil
}

// Schema returns the DDL the directory expects, for operators bootstrapping
// a new environment. Migrations themselves are managed outside this service.
func Schema() string {
	return fmt.Sprintf(`
CREATE SEQUENCE IF NOT EXISTS points_sequence_seq START %d;

CREATE TABLE IF NOT EXISTS points (
    id                uuid PRIMARY KEY,
    point_sequence_id bigint UNIQUE,
    name              text NOT NULL,
    data_source_id    text NOT NULL,
    value_type        text NOT NULL DEFAULT 'float64',
    unit              text NOT NULL DEFAULT '',
    UNIQUE (data_source_id, name)
);
`, 100)
}
