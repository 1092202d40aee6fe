package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/logging"
)

// MemoryConfig configures the knowledge-graph memory service client.
type MemoryConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// ContextResult is the outcome of a memory query. Degraded is set when
// the service was unreachable and the stage should proceed without
// historical context.
type ContextResult struct {
	Context  json.RawMessage `json:"context,omitempty"`
	Degraded bool            `json:"degraded"`
}

// Memory is a read-only client for the knowledge-graph memory service.
// Failures are never fatal: callers get an empty, degraded result and
// carry on.
type Memory struct {
	config MemoryConfig
	client *http.Client
	logger *slog.Logger
}

// NewMemory creates a memory service client.
func NewMemory(cfg MemoryConfig, logger *slog.Logger) *Memory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// QueryContext fetches accumulated context for a target over the given
// lookback window. On any failure the result is flagged degraded and
// the error is logged, not returned.
func (m *Memory) QueryContext(ctx context.Context, targetID string, lookback time.Duration) *ContextResult {
	log := logging.LogWith(ctx, m.logger)

	endpoint := strings.TrimRight(m.config.BaseURL, "/") + "/context/" + url.PathEscape(targetID) +
		"?lookback=" + url.QueryEscape(lookback.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		log.WarnContext(ctx, "memory query construction failed, proceeding degraded", slog.Any("error", err))
		return &ContextResult{Degraded: true}
	}
	if m.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.config.AuthToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.WarnContext(ctx, "memory service unreachable, proceeding degraded",
			slog.String("target_id", targetID), slog.Any("error", err))
		return &ContextResult{Degraded: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.WarnContext(ctx, "memory service returned error, proceeding degraded",
			slog.String("target_id", targetID), slog.Int("status", resp.StatusCode))
		return &ContextResult{Degraded: true}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil || !json.Valid(body) {
		log.WarnContext(ctx, "memory service returned unreadable payload, proceeding degraded",
			slog.String("target_id", targetID))
		return &ContextResult{Degraded: true}
	}
	return &ContextResult{Context: body}
}
