// Package pipeline fans a finished call out to every active integration of
// the agent that handled it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/metrics"
	"github.com/kalambet/callbridge/internal/storage"
)

const (
	// OperationCallSync is the sync log operation written for every adapter run.
	OperationCallSync = "call_sync"
	// DirectionOutbound marks data pushed from us to a provider.
	DirectionOutbound = "outbound"

	DefaultAdapterTimeout = 30 * time.Second
	DefaultMaxConcurrency = 8
)

// Store is the persistence the pipeline needs.
type Store interface {
	integration.TokenStore
	ListActiveConnections(ctx context.Context, agentID string) ([]integration.Connection, error)
	UpdateSyncStatus(ctx context.Context, id string, status integration.ConnectionStatus, lastError string, at time.Time) error
	AppendSyncLog(ctx context.Context, entry storage.SyncLog) error
}

// AdapterFactory builds an adapter from a connection.
type AdapterFactory interface {
	Create(conn integration.Connection) (integration.Integration, error)
}

// Options tunes a Syncer. Zero values select the defaults.
type Options struct {
	AdapterTimeout time.Duration
	MaxConcurrency int
	Logger         *slog.Logger
}

// Result is the outcome of one connection's sync.
type Result struct {
	ConnectionID string
	Provider     integration.ProviderType
	Response     integration.Response[integration.ProcessResult]
	Duration     time.Duration
}

// Syncer runs the call synchronization pipeline.
type Syncer struct {
	store   Store
	factory AdapterFactory
	timeout time.Duration
	limit   int
	logger  *slog.Logger
	now     func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(store Store, factory AdapterFactory, opts Options) *Syncer {
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = DefaultAdapterTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Syncer{
		store:   store,
		factory: factory,
		timeout: opts.AdapterTimeout,
		limit:   opts.MaxConcurrency,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// ProcessCallThroughIntegrations pushes call into every active connection of
// agentID concurrently. Per-connection failures never surface as an error:
// they are recorded in the sync log and on the connection status. The only
// error returned is a failure to load the connections.
func (s *Syncer) ProcessCallThroughIntegrations(ctx context.Context, agentID string, call integration.CallData) ([]Result, error) {
	conns, err := s.store.ListActiveConnections(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading connections for agent %s: %w", agentID, err)
	}
	if len(conns) == 0 {
		s.logger.Debug("no active integrations", "agent_id", agentID, "call_id", call.CallID)
		return nil, nil
	}

	results := make([]Result, len(conns))
	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, conn := range conns {
		g.Go(func() error {
			results[i] = s.syncOne(ctx, conn, call)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if !r.Response.Success {
			failed++
		}
	}
	s.logger.Info("call synced",
		"agent_id", agentID,
		"call_id", call.CallID,
		"integrations", len(results),
		"failed", failed,
	)
	return results, nil
}

// syncOne runs one adapter under its own timeout and records the outcome.
func (s *Syncer) syncOne(ctx context.Context, conn integration.Connection, call integration.CallData) Result {
	start := s.now()
	logger := s.logger.With("connection_id", conn.ID, "provider", conn.Provider, "call_id", call.CallID)

	res, err := s.run(ctx, conn, call, logger)
	r := Result{
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		Response:     integration.Respond(res, err),
		Duration:     s.now().Sub(start),
	}

	// Bookkeeping outlives a cancelled caller so every attempt is logged.
	bg := context.WithoutCancel(ctx)
	s.record(bg, conn, call, r, err, logger)

	status := storage.SyncSuccess
	if err != nil {
		status = storage.SyncFailed
	}
	metrics.ObserveSync(string(conn.Provider), status, string(r.Response.ErrorCode), start)
	return r
}

func (s *Syncer) run(ctx context.Context, conn integration.Connection, call integration.CallData, logger *slog.Logger) (res integration.ProcessResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("adapter panicked", "panic", p, "stack", string(debug.Stack()))
			err = integration.Errorf(integration.CodeProcessing, "process_call", "adapter panic: %v", p)
		}
	}()

	in, err := s.factory.Create(conn)
	if err != nil {
		return res, err
	}

	actx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return integration.ProcessCallData(actx, in, call, integration.ProcessOptions{
		Tokens: s.store,
		Logger: logger,
	})
}

func (s *Syncer) record(ctx context.Context, conn integration.Connection, call integration.CallData, r Result, err error, logger *slog.Logger) {
	entry := storage.SyncLog{
		ConnectionID: conn.ID,
		AgentID:      conn.AgentID,
		Provider:     string(conn.Provider),
		CallID:       call.CallID,
		Operation:    OperationCallSync,
		Direction:    DirectionOutbound,
		Status:       storage.SyncSuccess,
		CreatedAt:    s.now(),
	}
	if r.Response.Data != nil {
		if b, mErr := json.Marshal(r.Response.Data); mErr == nil {
			entry.Details = string(b)
		}
	}

	status := integration.StatusConnected
	lastError := ""
	if err != nil {
		entry.Status = storage.SyncFailed
		entry.ErrorCode = string(r.Response.ErrorCode)
		entry.ErrorMessage = r.Response.Error
		status = failureStatus(conn, err)
		lastError = r.Response.Error
		logger.Warn("integration sync failed", "error_code", r.Response.ErrorCode, "error", err)
	} else {
		logger.Debug("integration sync succeeded", "duration", r.Duration)
	}

	if lErr := s.store.AppendSyncLog(ctx, entry); lErr != nil {
		logger.Error("writing sync log failed", "error", lErr)
	}
	if uErr := s.store.UpdateSyncStatus(ctx, conn.ID, status, lastError, entry.CreatedAt); uErr != nil {
		logger.Error("updating connection status failed", "error", uErr)
	}
}

// failureStatus maps a sync error to the connection status shown on the
// dashboard. Credential failures of OAuth connections need a reconnect.
func failureStatus(conn integration.Connection, err error) integration.ConnectionStatus {
	if conn.AuthMode == integration.AuthOAuth && integration.HasCode(err, integration.CodeAuth) {
		return integration.StatusExpired
	}
	return integration.StatusError
}
