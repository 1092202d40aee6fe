package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/router"
	"github.com/stewardhq/steward/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTierTimeout     = 30 * time.Second
)

// TierConfig configures one HTTP backend tier.
type TierConfig struct {
	Name    string
	BaseURL string
	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken       string
	Timeout         time.Duration
	MaxResponseBody int64
}

// HTTPTier serves logical operations by POSTing them to a tier endpoint
// at {base_url}/ops/{operation}. Failures are classified with schema
// error codes so the router can decide whether to fail over.
type HTTPTier struct {
	config TierConfig
	client *http.Client
}

// NewHTTPTier creates a tier client for the given endpoint.
func NewHTTPTier(cfg TierConfig) *HTTPTier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTierTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPTier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ router.Tier = (*HTTPTier)(nil)

func (t *HTTPTier) Name() string { return t.config.Name }

func (t *HTTPTier) Execute(ctx context.Context, op router.Operation) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"target_id":  op.TargetID,
		"payload":    op.Payload,
		"batch_size": op.BatchSize,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "%s: failed to marshal operation %q", t.config.Name, op.Name).WithCause(err)
	}

	endpoint := strings.TrimRight(t.config.BaseURL, "/") + "/ops/" + op.Name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "%s: failed to create request", t.config.Name).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Network errors and client timeouts both read as transient.
		return nil, schema.NewErrorf(schema.ErrCodeTransientBackend, "%s: operation %q failed: %v", t.config.Name, op.Name, err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransientBackend, "%s: failed to read response body", t.config.Name).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, t.classifyStatus(op.Name, resp.StatusCode, respBody)
	}
	return json.RawMessage(respBody), nil
}

func (t *HTTPTier) classifyStatus(opName string, status int, body []byte) *schema.StewardError {
	code := schema.ErrCodeValidation
	switch {
	case status == http.StatusTooManyRequests:
		code = schema.ErrCodeRateLimited
	case status == http.StatusRequestTimeout:
		code = schema.ErrCodeTimeout
	case status >= 500:
		code = schema.ErrCodeTransientBackend
	case status == http.StatusNotFound:
		code = schema.ErrCodeNotFound
	}
	return schema.NewErrorf(code, "%s: operation %q returned %d", t.config.Name, opName, status).
		WithDetails(map[string]any{
			"status_code": status,
			"body":        truncate(string(body), 512),
		})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:max], len(s))
}
