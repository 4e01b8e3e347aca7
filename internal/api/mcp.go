package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/epirank/internal/rankboard"
	"github.com/kalambet/epirank/internal/scheduler"
	"github.com/kalambet/epirank/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Session   *session.Controller
	Scheduler *scheduler.Scheduler
}

// NewMCPServer creates an MCP server exposing the labeling session to
// scripted or agent labelers.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"epirank",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("epirank: rank and rate reinforcement learning episodes for the current labeling session."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Show the current session step, the rankeable episodes and the ranking board."),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("move_episode",
			mcp.WithDescription("Move an episode between rank columns of the board. Produces a comparative feedback record."),
			mcp.WithString("episode_id", mcp.Description("Encoded episode identifier"), mcp.Required()),
			mcp.WithString("source_column", mcp.Description("Column key the episode is taken from (rank-N or pool)"), mcp.Required()),
			mcp.WithNumber("source_index", mcp.Description("Index of the episode within the source column")),
			mcp.WithString("dest_column", mcp.Description("Column key the episode is dropped into"), mcp.Required()),
			mcp.WithNumber("dest_index", mcp.Description("Insert position within the destination column")),
			mcp.WithBoolean("is_new_from_pool", mcp.Description("Set when the episode comes from the unranked pool")),
		),
		mcpMoveEpisode(deps),
	)

	s.AddTool(
		mcp.NewTool("rate_episode",
			mcp.WithDescription("Rate one episode on a 0 to 10 scale."),
			mcp.WithString("episode_id", mcp.Description("Encoded episode identifier"), mcp.Required()),
			mcp.WithNumber("score", mcp.Description("Score between 0 and 10"), mcp.Required()),
		),
		mcpRateEpisode(deps),
	)

	s.AddTool(
		mcp.NewTool("text_feedback",
			mcp.WithDescription("Attach free-text feedback to an episode. The latest text per episode is kept."),
			mcp.WithString("episode_id", mcp.Description("Encoded episode identifier"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Feedback text; empty clears the pending edit")),
		),
		mcpTextFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Submit all pending feedback and move on to the next step."),
		),
		mcpSubmitFeedback(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"session://state",
			"Session State",
			mcp.WithResourceDescription("Current labeling session state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	return s
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(sessionResponse{
			State:           deps.Session.Snapshot(),
			PendingFeedback: len(deps.Scheduler.Pending()),
			PendingEdits:    deps.Scheduler.PendingEdits(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal session: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMoveEpisode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("episode_id")
		if err != nil {
			return mcpError("episode_id is required"), nil
		}
		src, err := req.RequireString("source_column")
		if err != nil {
			return mcpError("source_column is required"), nil
		}
		dst, err := req.RequireString("dest_column")
		if err != nil {
			return mcpError("dest_column is required"), nil
		}

		res, err := deps.Session.ApplyMove(rankboard.Move{
			SourceColumn:  src,
			SourceIndex:   req.GetInt("source_index", 0),
			DestColumn:    dst,
			DestIndex:     req.GetInt("dest_index", 0),
			EpisodeID:     id,
			IsNewFromPool: req.GetBool("is_new_from_pool", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("move rejected: %v", err)), nil
		}
		if !res.Changed {
			return mcpText("Board unchanged"), nil
		}

		rec, err := deps.Scheduler.RecordRanking(ctx, res)
		if err != nil {
			return mcpError(fmt.Sprintf("board updated but ranking was not scheduled: %v", err)), nil
		}
		if rec == nil {
			return mcpText("Board updated"), nil
		}
		return mcpText(fmt.Sprintf("Board updated, scheduled ranking %s over %d episodes", rec.ID, len(rec.Targets))), nil
	}
}

func mcpRateEpisode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("episode_id")
		if err != nil {
			return mcpError("episode_id is required"), nil
		}
		score, err := req.RequireFloat("score")
		if err != nil {
			return mcpError("score is required"), nil
		}

		rec, err := deps.Scheduler.RecordRating(ctx, id, score)
		if err != nil {
			return mcpError(fmt.Sprintf("rating rejected: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Scheduled rating %s (%g) for %s", rec.ID, score, id)), nil
	}
}

func mcpTextFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("episode_id")
		if err != nil {
			return mcpError("episode_id is required"), nil
		}
		text := req.GetString("text", "")

		if err := deps.Scheduler.EditText(id, text); err != nil {
			return mcpError(fmt.Sprintf("text feedback rejected: %v", err)), nil
		}
		if text == "" {
			return mcpText(fmt.Sprintf("Cleared pending text for %s", id)), nil
		}
		return mcpText(fmt.Sprintf("Recorded text for %s", id)), nil
	}
}

func mcpSubmitFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Scheduler.Submit(ctx)
		if errors.Is(err, scheduler.ErrSubmitInFlight) {
			return mcpError("a submit is already in progress"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}

		if res.Ended {
			return mcpText(fmt.Sprintf("Submitted %d records; the session has ended", res.Submitted)), nil
		}
		st := deps.Session.Snapshot()
		return mcpText(fmt.Sprintf("Submitted %d records; now at step %d of %d", res.Submitted, st.CurrentStep+1, st.SequenceLength)), nil
	}
}

func mcpResourceState(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Session.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
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
