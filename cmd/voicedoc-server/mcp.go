package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicdoc/voicedoc/internal/config"
	"github.com/clinicdoc/voicedoc/internal/domain/voice"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only session tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			// stdout carries the protocol.
			logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "voicedoc-mcp").Logger()

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return server.ServeStdio(newMCPServer(a.mgr))
		},
	}
}

// mcpTools exposes finished sessions to MCP clients. It never starts or
// mutates a session.
type mcpTools struct {
	mgr *voice.Manager
}

func newMCPServer(mgr *voice.Manager) *server.MCPServer {
	t := &mcpTools{mgr: mgr}
	s := server.NewMCPServer("voicedoc", version, server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("get_note",
		mcp.WithDescription("Structured clinical note of a closed dictation session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session UUID")),
		mcp.WithString("format", mcp.Description(`"json" (default) or "text"`)),
	), t.getNote)
	s.AddTool(mcp.NewTool("list_commands",
		mcp.WithDescription("Ordered command log of a dictation session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session UUID")),
	), t.listCommands)
	s.AddTool(mcp.NewTool("session_status",
		mcp.WithDescription("State and aggregate confidence of a dictation session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session UUID")),
	), t.sessionStatus)
	return s
}

func sessionArg(req mcp.CallToolRequest) (uuid.UUID, error) {
	raw, err := req.RequireString("session_id")
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session_id %q", raw)
	}
	return id, nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (t *mcpTools) getNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := t.mgr.Note(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.GetString("format", "json") == "text" {
		return mcp.NewToolResultText(n.Render()), nil
	}
	return jsonResult(n)
}

func (t *mcpTools) listCommands(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cmds, err := t.mgr.Commands(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(cmds)
}

func (t *mcpTools) sessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := sessionArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s, err := t.mgr.Session(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{
		"id":                   s.ID,
		"state":                s.State,
		"degraded":             s.Degraded,
		"error_reason":         s.ErrorReason,
		"aggregate_confidence": s.AggregateConfidence,
		"command_count":        s.CommandCount,
		"duration_ms":          s.DurationMillis,
	})
}
