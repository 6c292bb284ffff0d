package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-migrate/pkg/logging"
	"github.com/ekaya-inc/ekaya-migrate/pkg/metrics"
)

// RPCError is an error returned by the server inside a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("%s: %s", e.Data.Name, e.Data.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRetryable reports server-side failures that succeed on a second attempt:
// serialization conflicts and lost database connections.
func (e *RPCError) IsRetryable() bool {
	name := e.Data.Name + " " + e.Data.Message
	return strings.Contains(name, "SerializationFailure") ||
		strings.Contains(name, "could not serialize access") ||
		strings.Contains(name, "OperationalError")
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is a rate-limited JSON-RPC client for the /jsonrpc endpoint.
type Client struct {
	cfg        *Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	name       string

	nextID atomic.Int64

	loginMu sync.Mutex
	uid     int64
}

// NewClient creates a client. Authentication happens lazily on first call.
func NewClient(cfg *Config, name string, logger *zap.Logger, m *metrics.Metrics) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:  logger.Named("odoo"),
		metrics: m,
		name:    name,
	}
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", c.name, resp.StatusCode, logging.TruncateString(string(raw), 200))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// login authenticates once and caches the user id.
func (c *Client) login(ctx context.Context) (int64, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if c.uid != 0 {
		return c.uid, nil
	}

	var result any
	if err := c.call(ctx, "common", "login", []any{c.cfg.Database, c.cfg.User, c.cfg.Password}, &result); err != nil {
		return 0, fmt.Errorf("login: %w", err)
	}
	uid, ok := result.(float64)
	if !ok || uid <= 0 {
		return 0, fmt.Errorf("login rejected for user %q on database %q", c.cfg.User, c.cfg.Database)
	}

	c.uid = int64(uid)
	c.logger.Info("Authenticated",
		zap.String("store", c.name),
		zap.String("url", logging.SanitizeConnectionString(c.cfg.URL)),
		zap.String("database", c.cfg.Database),
		zap.Int64("uid", c.uid))
	return c.uid, nil
}

// ExecuteKW calls model.method(*args, **kwargs) on the object service.
func (c *Client) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.login(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	start := time.Now()
	err = c.call(ctx, "object", "execute_kw",
		[]any{c.cfg.Database, uid, c.cfg.Password, model, method, args, kwargs}, out)
	c.metrics.ObserveStoreCall(c.name, method, time.Since(start))

	if err != nil {
		c.logger.Debug("RPC failed",
			zap.String("store", c.name),
			zap.String("model", model),
			zap.String("method", method),
			zap.String("error", logging.SanitizeError(err)))
		return fmt.Errorf("%s.%s: %w", model, method, err)
	}
	return nil
}
