package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/callbridge/internal/integration"
)

// pgxDB is the subset of pgxpool.Pool the PostgreSQL store uses.
type pgxDB interface {
	PgxPool
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore is the PostgreSQL implementation of Repository.
type PGStore struct {
	db    pgxDB
	close func()
}

var _ Repository = (*PGStore)(nil)

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &PGStore{db: pool, close: pool.Close}, nil
}

// newPGStore wraps an existing pool without running migrations.
func newPGStore(db pgxDB) *PGStore {
	return &PGStore{db: db, close: func() {}}
}

func (s *PGStore) Close() error {
	s.close()
	return nil
}

func pgExecOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Connections ---

func scanPGConnection(row rowScanner) (integration.Connection, error) {
	var (
		c                          integration.Connection
		provider, authMode, status string
		configJSON                 []byte
	)
	err := row.Scan(&c.ID, &c.AgentID, &provider, &authMode, &c.IsActive, &status, &c.SyncEnabled,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.APIKey, &c.APISecret,
		&c.WebhookURL, &c.WebhookSecret, &c.InstanceURL, &configJSON, &c.LastSyncAt, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return integration.Connection{}, err
	}
	c.Provider = integration.ProviderType(provider)
	c.AuthMode = integration.AuthMode(authMode)
	c.Status = integration.ConnectionStatus(status)
	if c.Config, err = decodeConfig(string(configJSON)); err != nil {
		return integration.Connection{}, err
	}
	return c, nil
}

func (s *PGStore) CreateConnection(ctx context.Context, c *integration.Connection) error {
	prepareNew(c)
	cfg, err := encodeConfig(c.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17, $18, $19, $20)`,
		c.ID, c.AgentID, string(c.Provider), string(c.AuthMode), c.IsActive, string(c.Status), c.SyncEnabled,
		c.AccessToken, c.RefreshToken, c.TokenExpiresAt, c.APIKey, c.APISecret,
		c.WebhookURL, c.WebhookSecret, c.InstanceURL, cfg, c.LastSyncAt, c.LastError,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

func (s *PGStore) GetConnection(ctx context.Context, id string) (integration.Connection, error) {
	row := s.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	c, err := scanPGConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return integration.Connection{}, ErrNotFound
	}
	return c, err
}

func (s *PGStore) FindConnection(ctx context.Context, agentID string, p integration.ProviderType) (integration.Connection, error) {
	row := s.db.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE agent_id = $1 AND provider = $2 ORDER BY updated_at DESC LIMIT 1`, agentID, string(p))
	c, err := scanPGConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return integration.Connection{}, ErrNotFound
	}
	return c, err
}

func (s *PGStore) queryConnections(ctx context.Context, where string, args ...any) ([]integration.Connection, error) {
	rows, err := s.db.Query(ctx, `SELECT `+connectionColumns+` FROM connections `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []integration.Connection
	for rows.Next() {
		c, err := scanPGConnection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *PGStore) ListConnections(ctx context.Context, agentID string) ([]integration.Connection, error) {
	if agentID == "" {
		return s.queryConnections(ctx, "")
	}
	return s.queryConnections(ctx, "WHERE agent_id = $1", agentID)
}

func (s *PGStore) ListActiveConnections(ctx context.Context, agentID string) ([]integration.Connection, error) {
	return s.queryConnections(ctx, "WHERE agent_id = $1 AND is_active AND sync_enabled", agentID)
}

func (s *PGStore) UpdateConnectionConfig(ctx context.Context, id string, cfg map[string]any) error {
	raw, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	return pgExecOne(s.db.Exec(ctx, `UPDATE connections SET config_json = $1::jsonb, updated_at = NOW() WHERE id = $2`, raw, id))
}

func (s *PGStore) DisableConnection(ctx context.Context, id string) error {
	return pgExecOne(s.db.Exec(ctx, `UPDATE connections SET is_active = FALSE, status = $1, updated_at = NOW() WHERE id = $2`,
		string(integration.StatusDisconnected), id))
}

func (s *PGStore) ReactivateConnection(ctx context.Context, id string) error {
	return pgExecOne(s.db.Exec(ctx, `UPDATE connections SET is_active = TRUE, status = $1, last_error = '', updated_at = NOW() WHERE id = $2`,
		string(integration.StatusConnected), id))
}

func (s *PGStore) UpdateTokens(ctx context.Context, id string, snap integration.TokenSnapshot) error {
	var exp *time.Time
	if !snap.ExpiresAt.IsZero() {
		exp = &snap.ExpiresAt
	}
	return pgExecOne(s.db.Exec(ctx, `
		UPDATE connections SET
			access_token = $1,
			refresh_token = COALESCE(NULLIF($2, ''), refresh_token),
			token_expires_at = $3,
			instance_url = COALESCE(NULLIF($4, ''), instance_url),
			updated_at = NOW()
		WHERE id = $5`,
		snap.AccessToken, snap.RefreshToken, exp, snap.InstanceURL, id))
}

func (s *PGStore) UpdateSyncStatus(ctx context.Context, id string, status integration.ConnectionStatus, lastError string, at time.Time) error {
	return pgExecOne(s.db.Exec(ctx, `UPDATE connections SET status = $1, last_error = $2, last_sync_at = $3, updated_at = NOW() WHERE id = $4`,
		string(status), lastError, at, id))
}

// --- Sync logs ---

func (s *PGStore) AppendSyncLog(ctx context.Context, e SyncLog) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_logs (id, connection_id, agent_id, provider, call_id, operation, direction, status, error_code, error_message, details_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.ConnectionID, e.AgentID, e.Provider, e.CallID, e.Operation, e.Direction, e.Status,
		e.ErrorCode, e.ErrorMessage, e.Details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}
	return nil
}

func (s *PGStore) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("agent_id", f.AgentID)
	add("connection_id", f.ConnectionID)
	add("call_id", f.CallID)

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSyncLogLimit
	}
	args = append(args, limit)

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT id, connection_id, agent_id, provider, call_id, operation, direction, status, error_code, error_message, details_json, created_at
		FROM sync_logs %s ORDER BY created_at DESC, seq DESC LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncLog
	for rows.Next() {
		var e SyncLog
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.AgentID, &e.Provider, &e.CallID, &e.Operation, &e.Direction,
			&e.Status, &e.ErrorCode, &e.ErrorMessage, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *PGStore) EnqueueJob(ctx context.Context, job Job) error {
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = time.Now()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter)
	return err
}

// ClaimNextJob claims the oldest runnable job. SKIP LOCKED lets several
// workers drain the queue without blocking each other.
func (s *PGStore) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var j Job
	err := s.db.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= NOW() AND type = ANY($1)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		types,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &j.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

func (s *PGStore) CompleteJob(ctx context.Context, id string) error {
	return pgExecOne(s.db.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = NOW() WHERE id = $1`, id))
}

func (s *PGStore) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'pending', run_after = NOW(), updated_at = NOW()
		WHERE status = 'running' AND updated_at <= NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailJob mirrors Store.FailJob: backoff of 2^attempts seconds until
// max_attempts, then failed.
func (s *PGStore) FailJob(ctx context.Context, id string, errMsg string) error {
	return pgExecOne(s.db.Exec(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			last_error = $2,
			updated_at = NOW(),
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			run_after = CASE WHEN attempts + 1 >= max_attempts THEN run_after
				ELSE NOW() + make_interval(secs => power(2, attempts + 1)) END
		WHERE id = $1`, id, errMsg))
}
