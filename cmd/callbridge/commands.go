package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/callbridge/internal/config"
)

// --- providers ---

type providerSummary struct {
	Type            string   `json:"type"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	AuthMode        string   `json:"auth_mode"`
	SetupURL        string   `json:"setup_url"`
	Features        []string `json:"features"`
	RequiredConfig  []string `json:"required_config"`
	Capabilities    []string `json:"capabilities"`
	OAuthScopes     []string `json:"oauth_scopes"`
	OAuthConfigured bool     `json:"oauth_configured"`
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show the supported third-party systems",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supported providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/providers")
		if err != nil {
			return err
		}
		var list []providerSummary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tNAME\tCATEGORY\tAUTH\tCAPABILITIES")
		for _, p := range list {
			auth := p.AuthMode
			if auth == "oauth" && !p.OAuthConfigured {
				auth += " (not configured)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Type, p.Name, p.Category, auth, strings.Join(p.Capabilities, ","))
		}
		return tw.Flush()
	},
}

var providersShowCmd = &cobra.Command{
	Use:   "show <provider>",
	Short: "Show one provider's metadata as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/providers/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p providerSummary
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(os.Stdout, p)
	},
}

func init() {
	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersShowCmd)
}

// --- connections ---

type connectionSummary struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	Provider       string         `json:"provider"`
	AuthMode       string         `json:"auth_mode"`
	IsActive       bool           `json:"is_active"`
	Status         string         `json:"status"`
	SyncEnabled    bool           `json:"sync_enabled"`
	HasCredentials bool           `json:"has_credentials"`
	Config         map[string]any `json:"config"`
	LastSyncAt     *time.Time     `json:"last_sync_at"`
	LastError      string         `json:"last_error"`
}

func fetchConnections(ctx context.Context, client *apiClient, agentID string) ([]connectionSummary, error) {
	path := "/connections"
	if agentID != "" {
		path += "?agent_id=" + url.QueryEscape(agentID)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var conns []connectionSummary
	if err := decodeJSON(resp, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Manage agent connections to providers",
}

var connectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		conns, err := fetchConnections(cmd.Context(), client, agentID)
		if err != nil {
			return err
		}
		if len(conns) == 0 {
			printWarning("no connections")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tAGENT\tPROVIDER\tSTATUS\tLAST SYNC\tLAST ERROR")
		for _, c := range conns {
			status := c.Status
			if !c.IsActive {
				status = "disabled"
			}
			lastSync := "-"
			if c.LastSyncAt != nil {
				lastSync = c.LastSyncAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.AgentID, c.Provider, colorize(statusColor(status), status), lastSync, truncate(c.LastError, 60))
		}
		return tw.Flush()
	},
}

var connectionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one connection as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/connections/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var c any
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}
		return printJSON(os.Stdout, c)
	},
}

var connectionsAddCmd = &cobra.Command{
	Use:   "add <provider>",
	Short: "Connect an agent to a provider",
	Long: `Connect an agent to a provider.

API-key and webhook providers are created directly. OAuth providers print the
consent URL to open in a browser.

Examples:
  callbridge connections add calcom --agent agent-1 --api-key cal_live_xxx --config event_type_id=42
  callbridge connections add zapier --agent agent-1 --webhook-url https://hooks.zapier.com/hooks/catch/1/abc
  callbridge connections add hubspot --agent agent-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := args[0]
		agentID, _ := cmd.Flags().GetString("agent")
		if agentID == "" {
			return fmt.Errorf("--agent is required")
		}
		pairs, _ := cmd.Flags().GetStringArray("config")
		cfg, err := parseConfigPairs(pairs)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.get(ctx, "/providers/"+url.PathEscape(provider))
		if err != nil {
			return err
		}
		var meta providerSummary
		if err := decodeJSON(resp, &meta); err != nil {
			return err
		}

		if meta.AuthMode == "oauth" {
			target, err := client.redirectTarget(ctx, "/oauth/"+url.PathEscape(provider)+"/start?agent_id="+url.QueryEscape(agentID))
			if err != nil {
				return err
			}
			printStep("Open this URL to authorize %s:", meta.Name)
			fmt.Println(target)
			return nil
		}

		body := map[string]any{
			"agent_id": agentID,
			"provider": provider,
			"config":   cfg,
		}
		for _, f := range []string{"api-key", "api-secret", "webhook-url", "webhook-secret"} {
			if v, _ := cmd.Flags().GetString(f); v != "" {
				body[strings.ReplaceAll(f, "-", "_")] = v
			}
		}
		resp, err = client.post(ctx, "/connections", body)
		if err != nil {
			return err
		}
		var created connectionSummary
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Created %s connection %s", meta.Name, created.ID)
		printStep("Run 'callbridge connections test %s' to verify the credentials", created.ID)
		return nil
	},
}

var connectionsSetCmd = &cobra.Command{
	Use:   "set <id> <key>=<value>...",
	Short: "Replace a connection's provider config",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := parseConfigPairs(args[1:])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/connections/"+url.PathEscape(args[0])+"/config", map[string]any{"config": cfg})
		if err != nil {
			return err
		}
		var updated connectionSummary
		if err := decodeJSON(resp, &updated); err != nil {
			return err
		}
		printSuccess("Updated config of %s", updated.ID)
		return nil
	},
}

var connectionsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a connection; its history is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/connections/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Disabled connection %s", args[0])
		return nil
	},
}

// testResult is the response envelope of a connection test.
type testResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

var connectionsTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Check a connection's credentials against the provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Testing connection %s", args[0])
		resp, err := client.post(cmd.Context(), "/connections/"+url.PathEscape(args[0])+"/test", nil)
		if err != nil {
			return err
		}
		var result testResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s: %s", result.ErrorCode, result.Error)
		}
		printSuccess("Connection %s is working", args[0])
		return nil
	},
}

func init() {
	connectionsListCmd.Flags().String("agent", "", "only show connections of this agent")

	connectionsAddCmd.Flags().String("agent", "", "voice agent id")
	connectionsAddCmd.Flags().String("api-key", "", "provider API key")
	connectionsAddCmd.Flags().String("api-secret", "", "provider API secret")
	connectionsAddCmd.Flags().String("webhook-url", "", "webhook URL (Zapier)")
	connectionsAddCmd.Flags().String("webhook-secret", "", "secret used to sign webhook payloads")
	connectionsAddCmd.Flags().StringArray("config", nil, "provider config as key=value (repeatable)")

	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsShowCmd)
	connectionsCmd.AddCommand(connectionsAddCmd)
	connectionsCmd.AddCommand(connectionsSetCmd)
	connectionsCmd.AddCommand(connectionsDisableCmd)
	connectionsCmd.AddCommand(connectionsTestCmd)
}

// parseConfigPairs turns key=value arguments into a config object. Values
// that parse as JSON (numbers, booleans, arrays) keep their type.
func parseConfigPairs(pairs []string) (map[string]any, error) {
	cfg := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid config %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		cfg[key] = v
	}
	return cfg, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push calls through the agent's integrations",
}

var syncReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Queue a recorded call event for sync",
	Long: `Queue a recorded call event for sync.

The file holds the call_ended JSON payload as posted by the voice platform.

Examples:
  callbridge sync replay --file ./call.json
  callbridge sync replay --file ./call.json --agent agent-2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		agentID, _ := cmd.Flags().GetString("agent")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s does not contain valid JSON", file)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/calls"
		if agentID != "" {
			path += "?agent_id=" + url.QueryEscape(agentID)
		}
		resp, err := client.post(cmd.Context(), path, json.RawMessage(data))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued call sync job %s", result["id"])
		return nil
	},
}

func init() {
	syncReplayCmd.Flags().String("file", "", "path to a call event JSON file")
	syncReplayCmd.Flags().String("agent", "", "override the agent id in the event")
	syncCmd.AddCommand(syncReplayCmd)
}

// --- logs ---

type syncLogEntry struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	AgentID      string    `json:"agent_id"`
	Provider     string    `json:"provider"`
	CallID       string    `json:"call_id"`
	Operation    string    `json:"operation"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent sync log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []string{"agent", "connection", "call"} {
			if v, _ := cmd.Flags().GetString(f); v != "" {
				q.Set(f+"_id", v)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", fmt.Sprint(limit))
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sync-logs?"+q.Encode())
		if err != nil {
			return err
		}
		var entries []syncLogEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tPROVIDER\tCALL\tSTATUS\tERROR")
		for _, e := range entries {
			errText := ""
			if e.ErrorCode != "" {
				errText = e.ErrorCode + ": " + truncate(e.ErrorMessage, 60)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Provider, e.CallID,
				colorize(statusColor(e.Status), e.Status), errText)
		}
		return tw.Flush()
	},
}

func init() {
	logsCmd.Flags().String("agent", "", "filter by agent id")
	logsCmd.Flags().String("connection", "", "filter by connection id")
	logsCmd.Flags().String("call", "", "filter by call id")
	logsCmd.Flags().Int("limit", 50, "maximum number of entries")
	logsCmd.Flags().Bool("json", false, "print entries as JSON lines")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
