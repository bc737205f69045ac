// PostgreSQL Store implementation. Every CAS primitive is one conditional
// UPDATE; the affected-row count is the atomicity witness. Snapshots are
// append-only rows.

package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	url  string
}

// NewPostgresStore connects to PostgreSQL and verifies reachability.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool, url: url}, nil
}

// Migrate runs embedded SQL migrations via golang-migrate.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	// golang-migrate selects its database driver by URL scheme; the pgx/v5
	// driver registers as pgx5.
	url := p.url
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, scheme) {
			url = "pgx5://" + strings.TrimPrefix(url, scheme)
			break
		}
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Msg("Database migrations applied")
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// ── Tool Store ──────────────────────────────────────────────

func (p *PostgresStore) ListTools(ctx context.Context, orgID string) ([]models.Tool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, org_id, name, status, spec, created_at, updated_at
		 FROM tools WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []models.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetTool(ctx context.Context, orgID, id string) (*models.Tool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, org_id, name, status, spec, created_at, updated_at
		 FROM tools WHERE org_id = $1 AND id = $2`, orgID, id)
	t, err := scanTool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool", Key: id}
	}
	return t, err
}

func (p *PostgresStore) CreateTool(ctx context.Context, tool *models.Tool) error {
	spec, err := json.Marshal(tool.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tools (id, org_id, name, status, spec, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tool.ID, tool.OrgID, tool.Name, tool.Status, spec, tool.CreatedAt, tool.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tool: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateToolSpec(ctx context.Context, orgID, id string, spec *models.ToolSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE tools SET spec = $1, updated_at = now() WHERE org_id = $2 AND id = $3`,
		raw, orgID, id)
	if err != nil {
		return fmt.Errorf("update tool spec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool", Key: id}
	}
	return nil
}

func (p *PostgresStore) TransitionTool(ctx context.Context, orgID, id string, from, to models.ToolStatus) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE tools SET status = $1, updated_at = now()
		 WHERE org_id = $2 AND id = $3 AND status = $4`,
		to, orgID, id, from)
	if err != nil {
		return false, fmt.Errorf("transition tool: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── Execution Store ─────────────────────────────────────────

const executionColumns = `id, org_id, tool_id, prompt_hash, normalized_prompt, status,
	COALESCE(lock_token, ''), lock_acquired_at, lock_expires_at,
	required_integrations, missing_integrations, COALESCE(error, ''), created_at, updated_at`

func (p *PostgresStore) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	return rec, err
}

func (p *PostgresStore) FindExecutionByHash(ctx context.Context, toolID, promptHash string) (*models.ExecutionRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE tool_id = $1 AND prompt_hash = $2 AND status <> 'failed'
		 ORDER BY created_at DESC LIMIT 1`, toolID, promptHash)
	rec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "execution", Key: promptHash}
	}
	return rec, err
}

func (p *PostgresStore) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO executions
		 (id, org_id, tool_id, prompt_hash, normalized_prompt, status,
		  required_integrations, missing_integrations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.OrgID, rec.ToolID, rec.PromptHash, rec.NormalizedPrompt, rec.Status,
		rec.RequiredIntegrations, rec.MissingIntegrations, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		// The partial unique index on (tool_id, prompt_hash) rejects a second
		// live record; surface it so the caller can resolve the race as dedup.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &ErrConflict{Entity: "execution", Key: rec.PromptHash}
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (p *PostgresStore) AcquireExecutionLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE executions
		 SET lock_token = $1, status = 'compiling',
		     lock_acquired_at = now(), lock_expires_at = now() + $2, updated_at = now()
		 WHERE id = $3 AND status = 'created' AND lock_token IS NULL`,
		token, ttl, id)
	if err != nil {
		return false, fmt.Errorf("acquire execution lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ReclaimExecutionLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE executions
		 SET lock_token = $1, lock_acquired_at = now(),
		     lock_expires_at = now() + $2, updated_at = now()
		 WHERE id = $3 AND lock_token IS NOT NULL
		   AND lock_expires_at < now()
		   AND status NOT IN ('completed', 'failed')`,
		token, ttl, id)
	if err != nil {
		return false, fmt.Errorf("reclaim execution lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) UpdateExecutionStatus(ctx context.Context, id string, from, to models.ExecutionStatus, errMsg string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE executions
		 SET status = $1, error = NULLIF($2, ''), updated_at = now()
		 WHERE id = $3 AND status = $4`,
		to, errMsg, id, from)
	if err != nil {
		return false, fmt.Errorf("update execution status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ReleaseExecutionLock(ctx context.Context, id, token string, final models.ExecutionStatus, errMsg string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE executions
		 SET lock_token = NULL, lock_acquired_at = NULL, lock_expires_at = NULL,
		     status = $1, error = NULLIF($2, ''), updated_at = now()
		 WHERE id = $3 AND lock_token = $4`,
		final, errMsg, id, token)
	if err != nil {
		return false, fmt.Errorf("release execution lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ── Snapshot Store ──────────────────────────────────────────

func (p *PostgresStore) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	schema, err := json.Marshal(snap.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	records, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	errorLog, err := json.Marshal(snap.ErrorLog)
	if err != nil {
		return fmt.Errorf("marshal error log: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO snapshots
		 (id, tool_id, org_id, schema, records, record_count, status, error_log, materialized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.ToolID, snap.OrgID, schema, records,
		snap.RecordCount, snap.Status, errorLog, snap.MaterializedAt)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestSnapshot(ctx context.Context, orgID, toolID string) (*models.Snapshot, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, tool_id, org_id, schema, records, record_count, status, error_log, materialized_at
		 FROM snapshots WHERE org_id = $1 AND tool_id = $2
		 ORDER BY materialized_at DESC LIMIT 1`, orgID, toolID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "snapshot", Key: toolID}
	}
	return snap, err
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, orgID, toolID string, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, tool_id, org_id, schema, records, record_count, status, error_log, materialized_at
		 FROM snapshots WHERE org_id = $1 AND tool_id = $2
		 ORDER BY materialized_at DESC LIMIT $3`, orgID, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ── Row scanning ────────────────────────────────────────────

func scanTool(row pgx.Row) (*models.Tool, error) {
	var t models.Tool
	var spec []byte
	if err := row.Scan(&t.ID, &t.OrgID, &t.Name, &t.Status, &spec, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(spec) > 0 {
		if err := json.Unmarshal(spec, &t.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal spec: %w", err)
		}
	}
	return &t, nil
}

func scanExecution(row pgx.Row) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	if err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.ToolID, &rec.PromptHash, &rec.NormalizedPrompt, &rec.Status,
		&rec.LockToken, &rec.LockAcquiredAt, &rec.LockExpiresAt,
		&rec.RequiredIntegrations, &rec.MissingIntegrations, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var s models.Snapshot
	var schema, records, errorLog []byte
	if err := row.Scan(&s.ID, &s.ToolID, &s.OrgID, &schema, &records,
		&s.RecordCount, &s.Status, &errorLog, &s.MaterializedAt); err != nil {
		return nil, err
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &s.Schema); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
	}
	if err := json.Unmarshal(records, &s.Records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", err)
	}
	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &s.ErrorLog); err != nil {
			return nil, fmt.Errorf("unmarshal error log: %w", err)
		}
	}
	return &s, nil
}
