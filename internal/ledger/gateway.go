package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GatewayConfig holds configuration for the gateway client.
type GatewayConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger

	// OnCall, if set, is invoked after every Call with the final outcome.
	OnCall func(method string, err error, elapsed time.Duration)
}

// DefaultGatewayConfig returns default configuration.
// The timeout covers a full endorsement round trip, which the peers may
// hold for several seconds under load.
func DefaultGatewayConfig(url string) GatewayConfig {
	return GatewayConfig{
		URL:            url,
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
	}
}

// Gateway implements Client over JSON-RPC 2.0 / HTTP.
type Gateway struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	onCall     func(method string, err error, elapsed time.Duration)
	nextID     atomic.Int64
}

var _ Client = (*Gateway)(nil)

// NewGateway creates a gateway client. It does not contact the gateway; use
// Connect to obtain a verified handle.
func NewGateway(cfg GatewayConfig) *Gateway {
	transport := &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		onCall:     cfg.OnCall,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call makes a JSON-RPC call with retry logic.
func (g *Gateway) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return g.invoke(ctx, method, params, g.maxRetries)
}

// callOnce makes a single attempt. Submission phases and confirmation polls
// go through it: a phase is sent at most once per Submit and the poll loop
// keeps its own cadence.
func (g *Gateway) callOnce(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return g.invoke(ctx, method, params, 0)
}

func (g *Gateway) invoke(ctx context.Context, method string, params []any, retries int) (json.RawMessage, error) {
	start := time.Now()
	result, err := g.call(ctx, method, params, retries)
	if g.onCall != nil {
		g.onCall(method, err, time.Since(start))
	}
	return result, err
}

func (g *Gateway) call(ctx context.Context, method string, params []any, retries int) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      g.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := g.backoff

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, g.maxBackoff)
		}

		result, err := g.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if retries == 0 {
			return nil, err
		}

		// Application-level errors are final.
		if IsRPCError(err) {
			return nil, err
		}

		if httpErr, ok := err.(*HTTPStatusError); ok {
			if !httpErr.IsRetryable() {
				return nil, err
			}
			if httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}
		}

		g.logger.Debug("gateway call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (g *Gateway) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

// RPCError is an application-level error returned by the gateway.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err is an *RPCError.
func IsRPCError(err error) bool {
	_, ok := err.(*RPCError)
	return ok
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true for 429, 502, 503 and 504.
func (e *HTTPStatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusGatewayTimeout
}

// statusResult is the common {status, message} shape of gateway results.
type statusResult struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type endorseResult struct {
	TxID    string `json:"txId"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Payload string `json:"payload"` // hex
}

// Endorse implements Client.
func (g *Gateway) Endorse(ctx context.Context, p Proposal) (*Endorsement, error) {
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	raw, err := g.callOnce(ctx, "ledger_endorse", p)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}

	var res endorseResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endorsement: %w", err)
	}

	var payload []byte
	if res.Payload != "" {
		payload, err = hexutil.Decode(res.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode endorsement payload: %w", err)
		}
	}

	return &Endorsement{
		TxID:    res.TxID,
		Status:  res.Status,
		Message: res.Message,
		Payload: payload,
	}, nil
}

// Broadcast implements Client.
func (g *Gateway) Broadcast(ctx context.Context, channel string, e *Endorsement) (*BroadcastAck, error) {
	if e == nil {
		return nil, fmt.Errorf("broadcast: nil endorsement")
	}
	raw, err := g.callOnce(ctx, "ledger_broadcast", map[string]string{
		"channel": channel,
		"txId":    e.TxID,
	})
	if err != nil {
		return nil, err
	}

	var res statusResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal broadcast ack: %w", err)
	}
	return &BroadcastAck{Status: res.Status, Message: res.Message}, nil
}

// QueryTransaction implements Client.
func (g *Gateway) QueryTransaction(ctx context.Context, requestor Identity, channel string, peers []string, txID string) (*TxStatus, error) {
	raw, err := g.callOnce(ctx, "ledger_queryTransaction", map[string]any{
		"requestor": requestor,
		"channel":   channel,
		"peers":     peers,
		"txId":      txID,
	})
	if err != nil {
		return nil, err
	}

	var res statusResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction status: %w", err)
	}
	return &TxStatus{Status: res.Status, Message: res.Message}, nil
}

// Query implements Client.
func (g *Gateway) Query(ctx context.Context, p Proposal) (json.RawMessage, error) {
	if p.Language == "" {
		p.Language = DefaultLanguage
	}
	return g.Call(ctx, "ledger_query", p)
}

// Ping checks that the gateway is reachable and returns its version string.
func (g *Gateway) Ping(ctx context.Context) (string, error) {
	raw, err := g.Call(ctx, "ledger_ping")
	if err != nil {
		return "", err
	}
	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		return "", fmt.Errorf("failed to unmarshal ping result: %w", err)
	}
	return version, nil
}
