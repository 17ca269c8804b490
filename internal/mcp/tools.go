package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/ledgerbench/internal/config"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// RegisterTools registers all ledgerbench tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerStart(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerLabelRun(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_status",
		gomcp.WithDescription("Get the current benchmark run: state, completion mode, processes and threads, elapsed time and per-process exit status."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Ledgerbench unreachable: %v\n\nIs the coordinator running with --listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_health",
		gomcp.WithDescription("Quick health check. Verifies the ledger gateway is reachable."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Ledgerbench unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerStart(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_start",
		gomcp.WithDescription("Start a benchmark run. This is a MUTATING operation. Meters must have been registered for the same processes and threads."),
		gomcp.WithString("mode",
			gomcp.Required(),
			gomcp.Description("Completion mode: full (1), endorse-only (2), broadcast-only (3)"),
		),
		gomcp.WithNumber("processes",
			gomcp.Required(),
			gomcp.Description("Number of worker processes"),
		),
		gomcp.WithNumber("threads",
			gomcp.Required(),
			gomcp.Description("Workers per process (max 100)"),
		),
		gomcp.WithNumber("duration_sec",
			gomcp.Required(),
			gomcp.Description("Run duration in seconds"),
		),
		gomcp.WithString("pubkey_path",
			gomcp.Description("Paillier public key file; measurements are encrypted when set"),
		),
		gomcp.WithNumber("key_bits",
			gomcp.Description("Modulus size of the public key in bits (required with pubkey_path)"),
		),
		gomcp.WithString("sign_key_path",
			gomcp.Description("ECDSA private key file; measurements are signed and checked by the PKI chaincode when set"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		modeArg, err := req.RequireString("mode")
		if err != nil {
			return gomcp.NewToolResultError("mode is required"), nil
		}
		mode, err := types.ParseCompletionMode(modeArg)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}

		body := types.StartRunRequest{
			Mode:        mode,
			Processes:   req.GetInt("processes", 0),
			Threads:     req.GetInt("threads", 0),
			DurationSec: req.GetInt("duration_sec", 0),
			PubKeyPath:  req.GetString("pubkey_path", ""),
			KeyBits:     req.GetInt("key_bits", 0),
			SignKeyPath: req.GetString("sign_key_path", ""),
		}
		if body.Processes <= 0 || body.Threads <= 0 || body.DurationSec <= 0 {
			return gomcp.NewToolResultError("processes, threads and duration_sec must be positive"), nil
		}

		raw, err := client.Post(ctx, "/v1/start", body)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}

		var started struct {
			RunID string `json:"runId"`
		}
		_ = json.Unmarshal(raw, &started)

		keys := config.RunArgs{PubKeyPath: body.PubKeyPath, SignKeyPath: body.SignKeyPath}
		payload := keys.PayloadKind()
		return gomcp.NewToolResultText(joinLines(
			section("Run Started"),
			kv("Run", started.RunID),
			kv("Mode", mode),
			kv("Payload", payload),
			kv("Processes", body.Processes),
			kv("Threads/Process", body.Threads),
			kv("Duration", fmt.Sprintf("%ds", body.DurationSec)),
		)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_stop",
		gomcp.WithDescription("Stop the current run early. This is a MUTATING operation. In-flight submissions complete and statistics are written."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post(ctx, "/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopping"),
			"Workers finish their current submission and flush statistics. Results will be available in history.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_history",
		gomcp.WithDescription("List past runs with summary metrics (paginated, favorites first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_run_detail",
		gomcp.WithDescription("Get the summary of a run by ID: record count, TPS and latency percentiles."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/history/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerLabelRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_label_run",
		gomcp.WithDescription("Set the label and favorite flag of a run. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithString("label",
			gomcp.Description("New label"),
		),
		gomcp.WithBoolean("favorite",
			gomcp.Description("Mark or unmark the run as favorite"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		update := map[string]any{}
		args := req.GetArguments()
		if _, ok := args["label"]; ok {
			update["label"] = req.GetString("label", "")
		}
		if _, ok := args["favorite"]; ok {
			update["isFavorite"] = req.GetBool("favorite", false)
		}
		if len(update) == 0 {
			return gomcp.NewToolResultError("nothing to update: pass label or favorite"), nil
		}

		raw, err := client.Patch(ctx, "/v1/history/"+url.PathEscape(id), update)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatUpdatedRun(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("ledgerbench_delete_run",
		gomcp.WithDescription("Delete a run and its transaction records. This is a MUTATING operation. The active run cannot be deleted."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}
