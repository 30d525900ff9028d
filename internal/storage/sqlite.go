package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/callbridge/internal/integration"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Store is the SQLite implementation of Repository.
type Store struct {
	db *sql.DB
}

var _ Repository = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "callbridge.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in
// schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := sqliteMigrations.ReadDir("migrations/sqlite")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := sqliteMigrations.ReadFile("migrations/sqlite/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(field string, ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", field, err)
	}
	return &t, nil
}

func encodeConfig(cfg map[string]any) (string, error) {
	if len(cfg) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return string(b), nil
}

func decodeConfig(raw string) (map[string]any, error) {
	cfg := map[string]any{}
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// prepareNew fills in the id, status and timestamps of a connection about to
// be inserted.
func prepareNew(c *integration.Connection) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = integration.StatusDisconnected
	}
	now := time.Now().UTC().Truncate(time.Second)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

// --- Connections ---

const connectionColumns = `id, agent_id, provider, auth_mode, is_active, status, sync_enabled,
	access_token, refresh_token, token_expires_at, api_key, api_secret,
	webhook_url, webhook_secret, instance_url, config_json, last_sync_at, last_error,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (integration.Connection, error) {
	var (
		c                          integration.Connection
		provider, authMode, status string
		expires, lastSync          sql.NullString
		configJSON                 string
		createdAt, updatedAt       string
	)
	err := row.Scan(&c.ID, &c.AgentID, &provider, &authMode, &c.IsActive, &status, &c.SyncEnabled,
		&c.AccessToken, &c.RefreshToken, &expires, &c.APIKey, &c.APISecret,
		&c.WebhookURL, &c.WebhookSecret, &c.InstanceURL, &configJSON, &lastSync, &c.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return integration.Connection{}, err
	}
	c.Provider = integration.ProviderType(provider)
	c.AuthMode = integration.AuthMode(authMode)
	c.Status = integration.ConnectionStatus(status)
	if c.Config, err = decodeConfig(configJSON); err != nil {
		return integration.Connection{}, err
	}
	if c.TokenExpiresAt, err = parseTimePtr("token_expires_at", expires); err != nil {
		return integration.Connection{}, err
	}
	if c.LastSyncAt, err = parseTimePtr("last_sync_at", lastSync); err != nil {
		return integration.Connection{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return integration.Connection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return integration.Connection{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) CreateConnection(ctx context.Context, c *integration.Connection) error {
	prepareNew(c)
	cfg, err := encodeConfig(c.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentID, string(c.Provider), string(c.AuthMode), c.IsActive, string(c.Status), c.SyncEnabled,
		c.AccessToken, c.RefreshToken, formatTimePtr(c.TokenExpiresAt), c.APIKey, c.APISecret,
		c.WebhookURL, c.WebhookSecret, c.InstanceURL, cfg, formatTimePtr(c.LastSyncAt), c.LastError,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (integration.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return integration.Connection{}, ErrNotFound
	}
	return c, err
}

// FindConnection returns the most recently updated connection of agentID to p.
func (s *Store) FindConnection(ctx context.Context, agentID string, p integration.ProviderType) (integration.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE agent_id = ? AND provider = ? ORDER BY updated_at DESC LIMIT 1`, agentID, string(p))
	c, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return integration.Connection{}, ErrNotFound
	}
	return c, err
}

func (s *Store) queryConnections(ctx context.Context, where string, args ...any) ([]integration.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []integration.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// ListConnections returns every connection of agentID, or of all agents when
// agentID is empty.
func (s *Store) ListConnections(ctx context.Context, agentID string) ([]integration.Connection, error) {
	if agentID == "" {
		return s.queryConnections(ctx, "")
	}
	return s.queryConnections(ctx, "WHERE agent_id = ?", agentID)
}

// ListActiveConnections returns the connections of agentID that are active and
// have sync enabled.
func (s *Store) ListActiveConnections(ctx context.Context, agentID string) ([]integration.Connection, error) {
	return s.queryConnections(ctx, "WHERE agent_id = ? AND is_active = 1 AND sync_enabled = 1", agentID)
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateConnectionConfig(ctx context.Context, id string, cfg map[string]any) error {
	raw, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	return s.execOne(ctx, `UPDATE connections SET config_json = ?, updated_at = ? WHERE id = ?`,
		raw, formatTime(time.Now()), id)
}

// DisableConnection soft-deletes a connection. The row and its sync logs stay.
func (s *Store) DisableConnection(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE connections SET is_active = 0, status = ?, updated_at = ? WHERE id = ?`,
		string(integration.StatusDisconnected), formatTime(time.Now()), id)
}

// ReactivateConnection marks a connection active and connected again after
// the user re-authorizes it.
func (s *Store) ReactivateConnection(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE connections SET is_active = 1, status = ?, last_error = '', updated_at = ? WHERE id = ?`,
		string(integration.StatusConnected), formatTime(time.Now()), id)
}

// UpdateTokens writes only the token columns. An empty refresh token or
// instance URL in snap keeps the stored value.
func (s *Store) UpdateTokens(ctx context.Context, id string, snap integration.TokenSnapshot) error {
	exp := snap.ExpiresAt
	return s.execOne(ctx, `
		UPDATE connections SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_expires_at = ?,
			instance_url = CASE WHEN ? = '' THEN instance_url ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		snap.AccessToken, snap.RefreshToken, snap.RefreshToken, formatTimePtr(&exp),
		snap.InstanceURL, snap.InstanceURL, formatTime(time.Now()), id,
	)
}

func (s *Store) UpdateSyncStatus(ctx context.Context, id string, status integration.ConnectionStatus, lastError string, at time.Time) error {
	return s.execOne(ctx, `UPDATE connections SET status = ?, last_error = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, formatTime(at), formatTime(time.Now()), id)
}

// --- Sync logs ---

func (s *Store) AppendSyncLog(ctx context.Context, e SyncLog) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, connection_id, agent_id, provider, call_id, operation, direction, status, error_code, error_message, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConnectionID, e.AgentID, e.Provider, e.CallID, e.Operation, e.Direction, e.Status,
		e.ErrorCode, e.ErrorMessage, e.Details, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sync log: %w", err)
	}
	return nil
}

// ListSyncLogs returns matching entries, newest first.
func (s *Store) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error) {
	var (
		clauses []string
		args    []any
	)
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ConnectionID != "" {
		clauses = append(clauses, "connection_id = ?")
		args = append(args, f.ConnectionID)
	}
	if f.CallID != "" {
		clauses = append(clauses, "call_id = ?")
		args = append(args, f.CallID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultSyncLogLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, agent_id, provider, call_id, operation, direction, status, error_code, error_message, details_json, created_at
		FROM sync_logs `+where+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncLog
	for rows.Next() {
		var e SyncLog
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.AgentID, &e.Provider, &e.CallID, &e.Operation, &e.Direction,
			&e.Status, &e.ErrorCode, &e.ErrorMessage, &e.Details, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob marks the oldest runnable job of the given types as running
// and returns it, or nil when there is none.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
}

// RequeueStaleJobs returns jobs left running for longer than olderThan to
// the pending state, as happens when a worker dies mid-job.
func (s *Store) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ?
		WHERE status = 'running' AND updated_at <= ?`,
		formatTime(now), formatTime(now), formatTime(now.Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until max_attempts is reached, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(jobBackoff(attempts))), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}
