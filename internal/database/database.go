// Package database manages PostgreSQL connections and provides the relational
// read paths: the observations list executor and the model price lookup.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver for sqlx
)

// Supported values for the driver argument of New.
const (
	DriverPGX = "pgx"
	DriverPQ  = "pq"
)

// DB wraps the PostgreSQL connection and provides query methods. Exactly one
// of Pool and SQLX is set, depending on the driver.
type DB struct {
	Pool *pgxpool.Pool
	SQLX *sqlx.DB

	q Querier
}

// New creates a new database connection using the given driver.
func New(ctx context.Context, dsn, driver string) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch driver {
	case DriverPGX, "":
		config, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing database config: %w", err)
		}

		config.MaxConns = 20
		config.MinConns = 2
		config.MaxConnLifetime = 30 * time.Minute
		config.MaxConnIdleTime = 5 * time.Minute
		config.HealthCheckPeriod = 1 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("creating connection pool: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}

		return &DB{Pool: pool, q: NewPGXAdapter(pool)}, nil

	case DriverPQ:
		db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)

		return &DB{SQLX: db, q: NewSQLXAdapter(db)}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// NewWithQuerier wraps an existing Querier. Used by tests and by callers that
// manage their own connections.
func NewWithQuerier(q Querier) *DB {
	return &DB{q: q}
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	switch {
	case db.Pool != nil:
		return db.Pool.Ping(ctx)
	case db.SQLX != nil:
		return db.SQLX.PingContext(ctx)
	default:
		return nil
	}
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.SQLX != nil {
		_ = db.SQLX.Close()
	}
}

type execFunc func(ctx context.Context, query string, args ...any) error

// withConn runs fn on a single dedicated connection so session-level state
// such as advisory locks stays on one backend.
func (db *DB) withConn(ctx context.Context, fn func(exec execFunc) error) error {
	if db.Pool != nil {
		conn, err := db.Pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring connection: %w", err)
		}
		defer conn.Release()

		return fn(func(ctx context.Context, query string, args ...any) error {
			_, err := conn.Exec(ctx, query, args...)
			return err
		})
	}

	if db.SQLX != nil {
		conn, err := db.SQLX.Connx(ctx)
		if err != nil {
			return fmt.Errorf("acquiring connection: %w", err)
		}
		defer conn.Close()

		return fn(func(ctx context.Context, query string, args ...any) error {
			_, err := conn.ExecContext(ctx, query, args...)
			return err
		})
	}

	return fn(db.q.Exec)
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	return db.withConn(ctx, func(exec execFunc) error {
		// Application-specific lock ID to avoid collisions with other apps on the
		// same PostgreSQL instance.
		const migrationLockID int64 = 0x4F43_4F03 // "OCO" prefix + 03
		if err := exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}
		defer exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID) //nolint:errcheck

		if err := exec(ctx, schema); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		return nil
	})
}

const schema = `
	CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		key_prefix  TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		revoked     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS traces (
		id          TEXT NOT NULL,
		project_id  TEXT NOT NULL,
		name        TEXT,
		user_id     TEXT,
		session_id  TEXT,
		timestamp   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (id, project_id)
	);

	CREATE TABLE IF NOT EXISTS models (
		id             TEXT PRIMARY KEY,
		project_id     TEXT,
		model_name     TEXT NOT NULL,
		match_pattern  TEXT NOT NULL,
		unit           TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS prices (
		id          TEXT PRIMARY KEY,
		model_id    TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
		usage_type  TEXT NOT NULL,
		price       NUMERIC(65, 30) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (model_id, usage_type)
	);

	CREATE TABLE IF NOT EXISTS prompts (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		name        TEXT NOT NULL,
		version     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS observations (
		id                      TEXT NOT NULL,
		project_id              TEXT NOT NULL,
		trace_id                TEXT,
		parent_observation_id   TEXT,
		type                    TEXT NOT NULL,
		name                    TEXT,
		level                   TEXT NOT NULL DEFAULT 'DEFAULT',
		status_message          TEXT,
		version                 TEXT,
		start_time              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_time                TIMESTAMPTZ,
		completion_start_time   TIMESTAMPTZ,
		model                   TEXT,
		internal_model_id       TEXT,
		model_parameters        JSONB,
		input                   JSONB,
		output                  JSONB,
		metadata                JSONB,
		prompt_tokens           BIGINT NOT NULL DEFAULT 0,
		completion_tokens       BIGINT NOT NULL DEFAULT 0,
		total_tokens            BIGINT NOT NULL DEFAULT 0,
		unit                    TEXT,
		calculated_input_cost   NUMERIC(65, 30),
		calculated_output_cost  NUMERIC(65, 30),
		calculated_total_cost   NUMERIC(65, 30),
		prompt_id               TEXT,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (id, project_id)
	);

	CREATE OR REPLACE VIEW observations_view AS
	SELECT
		o.id,
		o.project_id,
		o.trace_id,
		o.parent_observation_id,
		o.type,
		o.name,
		o.level,
		o.status_message,
		o.version,
		o.start_time,
		o.end_time,
		o.completion_start_time,
		o.model,
		o.model_parameters,
		o.input,
		o.output,
		o.metadata,
		o.prompt_tokens,
		o.completion_tokens,
		o.total_tokens,
		o.unit,
		o.internal_model_id AS model_id,
		(SELECT p.price::DOUBLE PRECISION FROM prices p WHERE p.model_id = o.internal_model_id AND p.usage_type = 'input') AS input_price,
		(SELECT p.price::DOUBLE PRECISION FROM prices p WHERE p.model_id = o.internal_model_id AND p.usage_type = 'output') AS output_price,
		(SELECT p.price::DOUBLE PRECISION FROM prices p WHERE p.model_id = o.internal_model_id AND p.usage_type = 'total') AS total_price,
		o.calculated_input_cost::DOUBLE PRECISION AS calculated_input_cost,
		o.calculated_output_cost::DOUBLE PRECISION AS calculated_output_cost,
		o.calculated_total_cost::DOUBLE PRECISION AS calculated_total_cost,
		o.prompt_id,
		pr.name AS prompt_name,
		pr.version::BIGINT AS prompt_version,
		o.created_at,
		o.updated_at
	FROM observations o
	LEFT JOIN prompts pr ON pr.id = o.prompt_id AND pr.project_id = o.project_id;

	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);
	CREATE INDEX IF NOT EXISTS idx_traces_project_user ON traces(project_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_models_project ON models(project_id);
	CREATE INDEX IF NOT EXISTS idx_observations_project_start ON observations(project_id, start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_observations_project_trace ON observations(project_id, trace_id);
	CREATE INDEX IF NOT EXISTS idx_observations_project_name ON observations(project_id, name);
	CREATE INDEX IF NOT EXISTS idx_observations_project_type ON observations(project_id, type);
`

// SeedPricing inserts default global model pricing data. Prices are per token.
func (db *DB) SeedPricing(ctx context.Context) error {
	pricing := []struct {
		Model   string
		Pattern string
		Input   float64
		Output  float64
	}{
		// OpenAI
		{"gpt-4o", `(?i)^(openai/)?(gpt-4o)$`, 2.50e-6, 10.00e-6},
		{"gpt-4o-mini", `(?i)^(openai/)?(gpt-4o-mini)$`, 0.15e-6, 0.60e-6},
		{"gpt-4-turbo", `(?i)^(openai/)?(gpt-4-turbo)$`, 10.00e-6, 30.00e-6},
		{"o1", `(?i)^(openai/)?(o1)$`, 15.00e-6, 60.00e-6},
		// Anthropic
		{"claude-sonnet-4-20250514", `(?i)^(anthropic/)?(claude-sonnet-4-20250514)$`, 3.00e-6, 15.00e-6},
		{"claude-opus-4-20250514", `(?i)^(anthropic/)?(claude-opus-4-20250514)$`, 15.00e-6, 75.00e-6},
		// Google Gemini
		{"gemini-2.0-flash", `(?i)^(google/)?(gemini-2.0-flash)$`, 0.10e-6, 0.40e-6},
		{"gemini-1.5-flash", `(?i)^(google/)?(gemini-1.5-flash)$`, 0.075e-6, 0.30e-6},
	}

	for _, p := range pricing {
		modelID := seedID("model", p.Model)
		err := db.q.Exec(ctx, `
			INSERT INTO models (id, project_id, model_name, match_pattern, unit)
			VALUES ($1, NULL, $2, $3, 'TOKENS')
			ON CONFLICT (id) DO UPDATE
			SET match_pattern = EXCLUDED.match_pattern,
			    updated_at = NOW()
		`, modelID, p.Model, p.Pattern)
		if err != nil {
			return fmt.Errorf("seeding model %s: %w", p.Model, err)
		}

		for usageType, price := range map[string]float64{"input": p.Input, "output": p.Output} {
			err := db.q.Exec(ctx, `
				INSERT INTO prices (id, model_id, usage_type, price)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (model_id, usage_type) DO UPDATE
				SET price = EXCLUDED.price,
				    updated_at = NOW()
			`, seedID("price", p.Model+"/"+usageType), modelID, usageType, price)
			if err != nil {
				return fmt.Errorf("seeding %s price for %s: %w", usageType, p.Model, err)
			}
		}
	}

	return nil
}

// seedID derives a stable id so reseeding updates rows instead of duplicating them.
func seedID(kind, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("lens/"+kind+"/"+name)).String()
}
