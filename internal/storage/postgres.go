package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"safe-code-sandbox/internal/config"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = 25
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- bounded by config
	}
	poolCfg.MinConns = 2
	if cfg.MaxIdleConns > 0 && cfg.MaxIdleConns < int(poolCfg.MaxConns) {
		poolCfg.MinConns = int32(cfg.MaxIdleConns) // #nosec G115 -- bounded by MaxConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record and its detections in one
// transaction.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO executions (id, code_hash, kind, status_code, output,
			duration_ms, timeout_ms, cached, request_ip, api_key_hash,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = tx.Exec(ctx, query,
		exec.ID, exec.CodeHash, exec.Kind, exec.StatusCode,
		truncateForDB(exec.Output, 65535),
		exec.DurationMS, exec.TimeoutMS, exec.Cached,
		exec.RequestIP, exec.APIKeyHash,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	for i := range exec.Detections {
		d := &exec.Detections[i]
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now()
		}
		d.ExecutionID = exec.ID

		_, err := tx.Exec(ctx, `
			INSERT INTO detections (id, execution_id, pattern, severity, detail, line, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.ExecutionID, d.Pattern, d.Severity, d.Detail, d.Line, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting detection: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing audit transaction: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID, detections included.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, code_hash, kind, status_code, output,
			duration_ms, timeout_ms, cached, request_ip, api_key_hash,
			created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.CodeHash, &exec.Kind, &exec.StatusCode, &exec.Output,
		&exec.DurationMS, &exec.TimeoutMS, &exec.Cached,
		&exec.RequestIP, &exec.APIKeyHash,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, execution_id, pattern, severity, detail, line, created_at
		FROM detections WHERE execution_id = $1 ORDER BY line`, id)
	if err != nil {
		return nil, fmt.Errorf("querying detections for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DetectionRecord
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.Pattern, &d.Severity, &d.Detail, &d.Line, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning detection row: %w", err)
		}
		exec.Detections = append(exec.Detections, d)
	}
	return &exec, rows.Err()
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, code_hash, kind, status_code, duration_ms,
			cached, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR kind = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Kind, filter.Since, filter.Until, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.CodeHash, &exec.Kind, &exec.StatusCode,
			&exec.DurationMS, &exec.Cached,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

// truncateForDB makes s storable in a text column: invalid UTF-8 and NUL
// bytes are replaced and the result is cut to at most maxLen bytes on a
// rune boundary.
func truncateForDB(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "\uFFFD")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
