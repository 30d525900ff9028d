package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/callbridge/internal/api"
	"github.com/kalambet/callbridge/internal/config"
	"github.com/kalambet/callbridge/internal/ingest"
	"github.com/kalambet/callbridge/internal/oauth"
	"github.com/kalambet/callbridge/internal/pipeline"
	"github.com/kalambet/callbridge/internal/providers"
	"github.com/kalambet/callbridge/internal/ratelimit"
	"github.com/kalambet/callbridge/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the sync worker and the MCP tool server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		listen, _ := cmd.Flags().GetString("listen")
		return runServer(listen, mcpStdio)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show callbridge server and connection status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", true, "serve MCP tools over stdin/stdout")
	serveCmd.Flags().String("listen", "127.0.0.1", "address to bind the HTTP API to")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	if cfg.Storage.Driver == config.DriverPostgres {
		return storage.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
	}
	return storage.Open(cfg.Storage.DataDir)
}

// buildOAuth registers every configured OAuth client. The state codec is nil
// when no state secret is set, which keeps the OAuth routes unmounted.
func buildOAuth(cfg config.Config) (*oauth.Registry, *oauth.StateCodec, error) {
	registry := oauth.NewRegistry(cfg.Server.BaseURL)
	for _, p := range cfg.OAuthProviders() {
		c := cfg.OAuth.Clients[p]
		if err := registry.Register(p, oauth.Credentials{ClientID: c.ClientID, ClientSecret: c.ClientSecret}); err != nil {
			return nil, nil, err
		}
	}
	if cfg.OAuth.StateSecret == "" {
		return registry, nil, nil
	}
	codec, err := oauth.NewStateCodec(cfg.OAuth.StateSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("creating oauth state codec: %w", err)
	}
	return registry, codec, nil
}

func runServer(listen string, mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "callbridge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("storage ready", "driver", cfg.Storage.Driver)

	registry, codec, err := buildOAuth(cfg)
	if err != nil {
		return err
	}
	if codec == nil {
		slog.Warn("oauth state secret not set; oauth connect routes disabled")
	} else {
		slog.Info("oauth enabled", "providers", cfg.OAuthProviders())
	}

	factory := providers.NewFactory(providers.Deps{
		OAuth:  registry,
		Logger: logger,
	})
	syncer := pipeline.NewSyncer(store, factory, pipeline.Options{
		AdapterTimeout: cfg.Sync.AdapterTimeout,
		MaxConcurrency: cfg.Sync.MaxConcurrency,
		Logger:         logger,
	})

	worker := ingest.NewWorker(store, syncer, 500*time.Millisecond)
	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(workerCtx)
	}()
	// Runs before the store is closed: the in-flight job is released first.
	defer func() {
		stopWorker()
		<-workerDone
	}()

	var limiter *ratelimit.ClientLimiter
	if cfg.API.RateLimit > 0 {
		limiter = ratelimit.NewClientLimiter(cfg.API.RateLimit, cfg.API.RateBurst, 10*time.Minute)
	}
	handler := api.NewAppHandler(api.AppDeps{
		Store:   store,
		Factory: factory,
		OAuth:   registry,
		State:   codec,
		Token:   cfg.API.Token,
		Metrics: cfg.Metrics.Enabled,
		Limiter: limiter,
		Logger:  logger,
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:   store,
			Factory: factory,
			Logger:  logger,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := net.JoinHostPort(listen, fmt.Sprint(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "callbridge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	if cfg.Storage.Driver == config.DriverSQLite {
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
	}
	if p := cfg.OAuthProviders(); len(p) > 0 {
		printStatus("OAuth", "%v", p)
	} else {
		printStatus("OAuth", "no clients configured")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	conns, err := fetchConnections(ctx, client, "")
	if err != nil {
		printWarning("could not list connections: %v", err)
		return nil
	}
	printStatus("Connections", "%s", summarizeStatuses(conns))
	return nil
}

// summarizeStatuses renders counts of active connections per status, in a
// stable order.
func summarizeStatuses(conns []connectionSummary) string {
	counts := map[string]int{}
	inactive := 0
	for _, c := range conns {
		if !c.IsActive {
			inactive++
			continue
		}
		counts[c.Status]++
	}
	var parts []string
	for _, s := range []string{"connected", "disconnected", "expired", "error"} {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if inactive > 0 {
		parts = append(parts, fmt.Sprintf("%d disabled", inactive))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
