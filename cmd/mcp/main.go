// Command mcp serves the ledgerbench run API as MCP tools over stdio, so an
// assistant can start, watch and label benchmark runs.
package main

import (
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	mcptools "github.com/gateway-fm/ledgerbench/internal/mcp"
)

func main() {
	// stdout carries the protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	baseURL := os.Getenv("LEDGERBENCH_URL")
	if baseURL == "" {
		baseURL = mcptools.DefaultBaseURL
	}
	pflag.StringVar(&baseURL, "url", baseURL, "Base URL of the ledgerbench API (ledgerbench serve)")
	pflag.Parse()

	s := server.NewMCPServer(
		"ledgerbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	mcptools.RegisterTools(s, mcptools.NewClient(baseURL))

	logger.Info("serving MCP over stdio", slog.String("api", baseURL))
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
