package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// Handle is a connected gateway client bound to the identity that signs
// transactions. One handle is shared by all workers of a process.
type Handle struct {
	*Gateway
	Identity Identity
	Version  string
}

// Connect builds a handle and verifies the gateway is reachable.
// Callers sharing a process must serialize calls to Connect.
func Connect(ctx context.Context, cfg GatewayConfig, id Identity) (*Handle, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if id.Org == "" || id.User == "" {
		return nil, fmt.Errorf("identity requires org and user (got %q/%q)", id.Org, id.User)
	}

	gw := NewGateway(cfg)
	version, err := gw.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("ping gateway %s: %w", cfg.URL, err)
	}

	gw.logger.Debug("connected to ledger gateway",
		slog.String("url", cfg.URL),
		slog.String("version", version),
		slog.String("org", id.Org),
		slog.String("user", id.User),
	)

	return &Handle{Gateway: gw, Identity: id, Version: version}, nil
}
