package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/global-data-controller/wesflow/internal/telemetry"
)

const maxErrorBody = 4096

// Config holds execution engine client settings
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// HTTPClient implements Client over the WES-style REST protocol
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPClient builds a client for the engine at cfg.BaseURL
func NewHTTPClient(cfg Config, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid engine base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		baseURL: base,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// SubmitRun issues POST /runs and returns the engine run id
func (c *HTTPClient) SubmitRun(ctx context.Context, req *RunRequest) (string, error) {
	var out RunID
	if err := c.do(ctx, "submit", http.MethodPost, "/runs", req, &out); err != nil {
		return "", err
	}
	if out.RunID == "" {
		return "", &ProtocolError{Op: "submit", StatusCode: http.StatusOK, Err: errors.New("response missing run_id")}
	}
	return out.RunID, nil
}

// GetRunStatus issues GET /runs/{run_id}/status
func (c *HTTPClient) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	var out RunStatus
	if err := c.do(ctx, "status", http.MethodGet, "/runs/"+url.PathEscape(runID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	if out.State == "" {
		return nil, &ProtocolError{Op: "status", StatusCode: http.StatusOK, Err: errors.New("response missing state")}
	}
	return &out, nil
}

// CancelRun issues POST /runs/{run_id}/cancel. An empty run id is sent as
// is, producing /runs//cancel.
func (c *HTTPClient) CancelRun(ctx context.Context, runID string) (string, error) {
	var out RunID
	if err := c.do(ctx, "cancel", http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		attrs := []attribute.KeyValue{attribute.String("op", op), attribute.String("outcome", outcome)}
		_ = telemetry.IncrementCounter(ctx, "wesflow_engine_requests_total", attrs...)
		_ = telemetry.RecordDuration(ctx, "wesflow_engine_request", start, attribute.String("op", op))
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &ProtocolError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &ProtocolError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Engine request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return &ProtocolError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProtocolError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		c.logger.Warn("Engine returned non-success status",
			zap.String("op", op),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &ProtocolError{Op: op, StatusCode: resp.StatusCode, Body: text}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &ProtocolError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}

	c.logger.Debug("Engine request completed",
		zap.String("op", op),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
