package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/callbridge/internal/integration"
	"github.com/kalambet/callbridge/internal/providers"
)

// mcpToolTimeout bounds each tool call; the caller is waiting on the line.
const mcpToolTimeout = 10 * time.Second

// MCPStore is the persistence the voice-agent tools need.
type MCPStore interface {
	integration.TokenStore
	ListActiveConnections(ctx context.Context, agentID string) ([]integration.Connection, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   MCPStore
	Factory AdapterFactory
	Logger  *slog.Logger
}

// NewMCPServer creates an MCP server exposing the agent's integrations as
// tools for use during a live call.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := server.NewMCPServer(
		"callbridge",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("callbridge: look up callers, offer open times and book appointments in the business's connected systems."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_integrations",
			mcp.WithDescription("List the systems connected for an agent and what each can do."),
			mcp.WithString("agent_id", mcp.Description("Voice agent id"), mcp.Required()),
		),
		mcpListIntegrations(deps),
	)

	s.AddTool(
		mcp.NewTool("check_availability",
			mcp.WithDescription("Return open appointment times from the agent's scheduling system."),
			mcp.WithString("agent_id", mcp.Description("Voice agent id"), mcp.Required()),
			mcp.WithString("date", mcp.Description("First day to search, YYYY-MM-DD (default today)")),
			mcp.WithNumber("days", mcp.Description("Number of days to search (default 1, max 7)")),
			mcp.WithString("timezone", mcp.Description("IANA timezone of the caller (default UTC)")),
			mcp.WithNumber("duration_minutes", mcp.Description("Appointment length in minutes")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of slots (default 10)")),
		),
		mcpCheckAvailability(deps),
	)

	s.AddTool(
		mcp.NewTool("book_appointment",
			mcp.WithDescription("Book an appointment for the caller in the agent's scheduling system."),
			mcp.WithString("agent_id", mcp.Description("Voice agent id"), mcp.Required()),
			mcp.WithString("date", mcp.Description("Appointment date, YYYY-MM-DD"), mcp.Required()),
			mcp.WithString("time", mcp.Description("Appointment start, HH:MM (24h)"), mcp.Required()),
			mcp.WithString("timezone", mcp.Description("IANA timezone of date and time")),
			mcp.WithNumber("duration_minutes", mcp.Description("Appointment length in minutes (default 30)")),
			mcp.WithString("caller_name", mcp.Description("Caller full name")),
			mcp.WithString("caller_phone", mcp.Description("Caller phone number")),
			mcp.WithString("caller_email", mcp.Description("Caller email address")),
			mcp.WithString("service_type", mcp.Description("Requested service")),
			mcp.WithString("notes", mcp.Description("Notes for the appointment")),
		),
		mcpBookAppointment(deps),
	)

	s.AddTool(
		mcp.NewTool("find_contact",
			mcp.WithDescription("Look up the caller in the agent's CRM by phone or email."),
			mcp.WithString("agent_id", mcp.Description("Voice agent id"), mcp.Required()),
			mcp.WithString("phone", mcp.Description("Caller phone number")),
			mcp.WithString("email", mcp.Description("Caller email address")),
		),
		mcpFindContact(deps),
	)

	return s
}

type integrationSummary struct {
	ConnectionID string                       `json:"connection_id"`
	Provider     integration.ProviderType     `json:"provider"`
	Name         string                       `json:"name"`
	Status       integration.ConnectionStatus `json:"status"`
	Capabilities []providers.Capability       `json:"capabilities"`
}

func mcpListIntegrations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		conns, err := deps.Store.ListActiveConnections(ctx, agentID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load integrations: %v", err)), nil
		}

		out := make([]integrationSummary, 0, len(conns))
		for _, c := range conns {
			meta, err := providers.GetMetadata(c.Provider)
			if err != nil {
				continue
			}
			out = append(out, integrationSummary{
				ConnectionID: c.ID,
				Provider:     c.Provider,
				Name:         meta.Name,
				Status:       c.Status,
				Capabilities: meta.Capabilities,
			})
		}
		return mcpJSON(out)
	}
}

type slotResult struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func mcpCheckAvailability(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		loc := integration.Location(req.GetString("timezone", ""))
		from := time.Now().In(loc)
		from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
		if date := req.GetString("date", ""); date != "" {
			from, err = time.ParseInLocation("2006-01-02", date, loc)
			if err != nil {
				return mcpError(fmt.Sprintf("date must be YYYY-MM-DD: %v", err)), nil
			}
		}
		days := clampInt(req.GetInt("days", 1), 1, 7)
		limit := clampInt(req.GetInt("limit", 10), 1, 50)

		ctx, cancel := context.WithTimeout(ctx, mcpToolTimeout)
		defer cancel()
		in, err := adapterFor(ctx, deps, agentID, providers.CapAvailability)
		if err != nil {
			return mcpFailure(err), nil
		}
		slots, err := in.CheckAvailability(ctx, integration.AvailabilityQuery{
			From:            from,
			To:              from.AddDate(0, 0, days),
			Timezone:        loc.String(),
			DurationMinutes: req.GetInt("duration_minutes", 0),
		})
		if err != nil {
			return mcpFailure(err), nil
		}

		now := time.Now()
		out := make([]slotResult, 0, limit)
		for _, s := range slots {
			if s.Start.Before(now) {
				continue
			}
			out = append(out, slotResult{
				Start: s.Start.In(loc).Format(time.RFC3339),
				End:   s.End.In(loc).Format(time.RFC3339),
			})
			if len(out) == limit {
				break
			}
		}
		return mcpJSON(map[string]any{
			"provider": in.Type(),
			"timezone": loc.String(),
			"slots":    out,
		})
	}
}

func mcpBookAppointment(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		date, err := req.RequireString("date")
		if err != nil {
			return mcpError("date is required"), nil
		}
		at, err := req.RequireString("time")
		if err != nil {
			return mcpError("time is required"), nil
		}
		caller := integration.CallData{
			CallerName:  req.GetString("caller_name", ""),
			CallerPhone: req.GetString("caller_phone", ""),
			CallerEmail: req.GetString("caller_email", ""),
		}
		if caller.CallerPhone == "" && caller.CallerEmail == "" {
			return mcpError("caller_phone or caller_email is required"), nil
		}
		appt := integration.AppointmentData{
			Date:            date,
			Time:            at,
			Timezone:        req.GetString("timezone", ""),
			DurationMinutes: req.GetInt("duration_minutes", 0),
			ServiceType:     req.GetString("service_type", ""),
			Notes:           req.GetString("notes", ""),
			AttendeeName:    caller.CallerName,
			AttendeeEmail:   caller.CallerEmail,
			AttendeePhone:   caller.CallerPhone,
		}
		if _, err := appt.Start(); err != nil {
			if appt.Timezone != "" {
				if _, tzErr := time.LoadLocation(appt.Timezone); tzErr != nil {
					return mcpError(fmt.Sprintf("unknown timezone %q", appt.Timezone)), nil
				}
			}
			return mcpError("date and time must be YYYY-MM-DD and HH:MM"), nil
		}
		appt.Title = appointmentTitle(appt)

		ctx, cancel := context.WithTimeout(ctx, mcpToolTimeout)
		defer cancel()
		in, err := adapterFor(ctx, deps, agentID, providers.CapBooking)
		if err != nil {
			return mcpFailure(err), nil
		}
		contact, _, err := integration.GetOrCreateContact(ctx, in, integration.CallerContact(caller))
		if err != nil {
			return mcpFailure(integration.NewError(integration.CodeContact, "book_appointment.contact", err)), nil
		}
		appt.Contact = contact.Ref

		booked, err := in.BookAppointment(ctx, appt)
		if err != nil {
			return mcpFailure(err), nil
		}
		deps.Logger.Info("appointment booked by agent", "agent_id", agentID, "provider", in.Type(), "appointment_id", booked.ID)
		return mcpJSON(map[string]any{
			"provider":    in.Type(),
			"appointment": booked,
		})
	}
}

func appointmentTitle(appt integration.AppointmentData) string {
	switch {
	case appt.ServiceType != "" && appt.AttendeeName != "":
		return appt.ServiceType + " with " + appt.AttendeeName
	case appt.ServiceType != "":
		return appt.ServiceType
	case appt.AttendeeName != "":
		return "Appointment with " + appt.AttendeeName
	default:
		return "Appointment"
	}
}

// mcpFindContact searches every contact-capable integration in order and
// returns the first match.
func mcpFindContact(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcpError("agent_id is required"), nil
		}
		data := integration.ContactData{
			Phone: req.GetString("phone", ""),
			Email: req.GetString("email", ""),
		}
		if data.Phone == "" && data.Email == "" {
			return mcpError("phone or email is required"), nil
		}

		ctx, cancel := context.WithTimeout(ctx, mcpToolTimeout)
		defer cancel()
		adapters, err := adaptersFor(ctx, deps, agentID, providers.CapContacts)
		if err != nil {
			return mcpFailure(err), nil
		}
		var lastErr error
		for _, in := range adapters {
			found, err := in.FindContact(ctx, data)
			if err != nil {
				lastErr = err
				continue
			}
			if found != nil && !found.Ref.IsSynthetic() {
				return mcpJSON(map[string]any{
					"found":    true,
					"provider": in.Type(),
					"contact":  found,
				})
			}
		}
		if lastErr != nil {
			return mcpFailure(lastErr), nil
		}
		return mcpJSON(map[string]any{"found": false})
	}
}

// adapterFor returns a ready adapter for the agent's first active connection
// that implements capability.
func adapterFor(ctx context.Context, deps MCPDeps, agentID string, capability providers.Capability) (integration.Integration, error) {
	adapters, err := adaptersFor(ctx, deps, agentID, capability)
	if err != nil {
		return nil, err
	}
	return adapters[0], nil
}

// adaptersFor builds adapters for every active connection of agentID that
// implements capability, with tokens refreshed. Connections that cannot be
// built are skipped and logged.
func adaptersFor(ctx context.Context, deps MCPDeps, agentID string, capability providers.Capability) ([]integration.Integration, error) {
	conns, err := deps.Store.ListActiveConnections(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading integrations: %w", err)
	}

	var out []integration.Integration
	var lastErr error
	for _, c := range conns {
		meta, err := providers.GetMetadata(c.Provider)
		if err != nil || !meta.Supports(capability) {
			continue
		}
		in, err := deps.Factory.Create(c)
		if err != nil {
			deps.Logger.Warn("skipping integration", "connection_id", c.ID, "provider", c.Provider, "error", err)
			lastErr = err
			continue
		}
		if _, err := integration.RefreshTokenIfNeeded(ctx, in, deps.Store); err != nil {
			deps.Logger.Warn("skipping integration", "connection_id", c.ID, "provider", c.Provider, "error", err)
			lastErr = err
			continue
		}
		out = append(out, in)
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, integration.Errorf(integration.CodeNotSupported, string(capability),
			"no active integration for agent %s supports %s", agentID, capability)
	}
	return out, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpFailure reports err with its error code so the agent can decide what to
// tell the caller.
func mcpFailure(err error) *mcp.CallToolResult {
	return mcpError(fmt.Sprintf("%s: %v", integration.CodeOf(err), err))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
