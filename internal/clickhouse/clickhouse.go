// Package clickhouse reads observations from the ClickHouse event store.
package clickhouse

import (
	"context"
	"fmt"
	"net"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Querier is the subset of a ClickHouse connection the executor needs.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
}

// Rows is a forward-only result cursor.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Options holds the connection settings.
type Options struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
}

// Client wraps a native-protocol ClickHouse connection.
type Client struct {
	conn driver.Conn
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, opts Options) (*Client, error) {
	conn, err := ch.Open(&ch.Options{
		Addr: []string{net.JoinHostPort(opts.Host, opts.Port)},
		Auth: ch.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression: &ch.Compression{
			Method: ch.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Query runs a select and returns its cursor.
func (c *Client) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Migrate creates the traces and observations tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running clickhouse migration: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS traces (
		id          String,
		project_id  String,
		name        Nullable(String),
		user_id     Nullable(String),
		session_id  Nullable(String),
		timestamp   DateTime64(3),
		created_at  DateTime64(3) DEFAULT now(),
		updated_at  DateTime64(3) DEFAULT now(),
		INDEX idx_user_id user_id TYPE bloom_filter(0.001) GRANULARITY 1
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (project_id, toDate(timestamp), id)`,

	`CREATE TABLE IF NOT EXISTS observations (
		id                    String,
		project_id            String,
		trace_id              Nullable(String),
		parent_observation_id Nullable(String),
		type                  LowCardinality(String),
		name                  Nullable(String),
		level                 LowCardinality(String),
		status_message        Nullable(String),
		version               Nullable(String),
		start_time            DateTime64(3),
		end_time              Nullable(DateTime64(3)),
		completion_start_time Nullable(DateTime64(3)),
		provided_model_name   Nullable(String),
		internal_model_id     Nullable(String),
		model_parameters      Nullable(String),
		input                 Nullable(String),
		output                Nullable(String),
		metadata              Map(LowCardinality(String), String),
		usage_details         Map(LowCardinality(String), UInt64),
		cost_details          Map(LowCardinality(String), Float64),
		prompt_id             Nullable(String),
		prompt_name           Nullable(String),
		prompt_version        Nullable(UInt16),
		created_at            DateTime64(3) DEFAULT now(),
		updated_at            DateTime64(3) DEFAULT now(),
		INDEX idx_trace_id trace_id TYPE bloom_filter(0.001) GRANULARITY 1
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(start_time)
	ORDER BY (project_id, type, toDate(start_time), id)`,
}
