package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/affbot/internal/approval"
	"github.com/kalambet/affbot/internal/storage"
)

const statsURI = "affbot://stats"

// NewMCPServer exposes the approval gate as MCP tools so an assistant can
// review pending needs on the administrator's behalf.
func NewMCPServer(deps AdminDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"affbot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("affbot approval gate: review generated replies, attach affiliate links, discard records."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_pending",
			mcp.WithDescription("List need records awaiting an affiliate link, oldest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_need",
			mcp.WithDescription("Attach an affiliate link to a pending record and approve it for dispatch."),
			mcp.WithNumber("sequence_id", mcp.Description("Sequence id of the record"), mcp.Required()),
			mcp.WithString("affiliate_link", mcp.Description("Absolute http(s) URL"), mcp.Required()),
		),
		mcpApprove(deps),
	)

	s.AddTool(
		mcp.NewTool("reject_need",
			mcp.WithDescription("Delete a need record regardless of its status."),
			mcp.WithNumber("sequence_id", mcp.Description("Sequence id of the record"), mcp.Required()),
		),
		mcpReject(deps),
	)

	s.AddResource(
		mcp.NewResource(
			statsURI,
			"Pipeline Stats",
			mcp.WithResourceDescription("Need record and work item counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpListPending(deps AdminDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		needs, err := deps.Store.ListNeeds(ctx, storage.StatusPending, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing pending needs failed: %v", err)), nil
		}
		if len(needs) == 0 {
			return mcpText("[]"), nil
		}

		type pendingSummary struct {
			SequenceID int64  `json:"sequence_id"`
			Contact    string `json:"contact"`
			Query      string `json:"query"`
			Response   string `json:"generated_response"`
		}
		out := make([]pendingSummary, len(needs))
		for i, n := range needs {
			out[i] = pendingSummary{
				SequenceID: n.SequenceID,
				Contact:    n.Contact,
				Query:      n.QueryText,
				Response:   n.GeneratedResponse,
			}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpApprove(deps AdminDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		seq := int64(req.GetInt("sequence_id", 0))
		if seq <= 0 {
			return mcpError("sequence_id is required"), nil
		}
		link, err := req.RequireString("affiliate_link")
		if err != nil {
			return mcpError("affiliate_link is required"), nil
		}

		approved, err := deps.Gate.Approve(ctx, seq, link)
		if errors.Is(err, approval.ErrInvalidLink) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		if !approved {
			return mcpText(fmt.Sprintf("Need %d is not pending; nothing changed", seq)), nil
		}
		return mcpText(fmt.Sprintf("Approved need %d", seq)), nil
	}
}

func mcpReject(deps AdminDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		seq := int64(req.GetInt("sequence_id", 0))
		if seq <= 0 {
			return mcpError("sequence_id is required"), nil
		}
		deleted, err := deps.Gate.Reject(ctx, seq)
		if err != nil {
			return mcpError(fmt.Sprintf("reject failed: %v", err)), nil
		}
		if !deleted {
			return mcpText(fmt.Sprintf("Need %d not found", seq)), nil
		}
		return mcpText(fmt.Sprintf("Deleted need %d", seq)), nil
	}
}

func mcpResourceStats(deps AdminDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := collectStats(ctx, deps)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
