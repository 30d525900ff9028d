package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/callbridge/internal/integration"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Sync log statuses.
const (
	SyncSuccess = "success"
	SyncFailed  = "failed"
)

// SyncLog is one append-only record of a call pushed to one connection.
type SyncLog struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	AgentID      string    `json:"agent_id"`
	Provider     string    `json:"provider"`
	CallID       string    `json:"call_id"`
	Operation    string    `json:"operation"`
	Direction    string    `json:"direction"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Details      string    `json:"details,omitempty"` // JSON stored as text
	CreatedAt    time.Time `json:"created_at"`
}

// SyncLogFilter narrows ListSyncLogs. Empty fields match everything.
type SyncLogFilter struct {
	AgentID      string
	ConnectionID string
	CallID       string
	Limit        int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Repository is everything the service needs from a database. Store (SQLite)
// and PGStore (PostgreSQL) both implement it.
type Repository interface {
	CreateConnection(ctx context.Context, c *integration.Connection) error
	GetConnection(ctx context.Context, id string) (integration.Connection, error)
	FindConnection(ctx context.Context, agentID string, p integration.ProviderType) (integration.Connection, error)
	ListConnections(ctx context.Context, agentID string) ([]integration.Connection, error)
	ListActiveConnections(ctx context.Context, agentID string) ([]integration.Connection, error)
	UpdateConnectionConfig(ctx context.Context, id string, cfg map[string]any) error
	DisableConnection(ctx context.Context, id string) error
	ReactivateConnection(ctx context.Context, id string) error
	UpdateTokens(ctx context.Context, id string, snap integration.TokenSnapshot) error
	UpdateSyncStatus(ctx context.Context, id string, status integration.ConnectionStatus, lastError string, at time.Time) error

	AppendSyncLog(ctx context.Context, entry SyncLog) error
	ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, types []string) (*Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// DefaultSyncLogLimit caps ListSyncLogs when no limit is given.
const DefaultSyncLogLimit = 100

// jobBackoff is the retry delay after the given number of failed attempts.
func jobBackoff(attempts int) time.Duration {
	return time.Duration(1<<attempts) * time.Second
}
