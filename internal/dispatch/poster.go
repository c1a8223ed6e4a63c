package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// actionRequest is the JSON body posted to the remote action endpoint.
type actionRequest struct {
	Action        string `json:"action"`
	TargetID      string `json:"targetId"`
	UserID        string `json:"userId"`
	Timestamp     int64  `json:"timestamp"`
	SnoozeMinutes *int   `json:"snoozeMinutes,omitempty"`
}

// HTTPPoster delivers actions to the remote action endpoint. Any
// non-2xx response is a delivery failure, which the dispatcher
// recovers from by enqueueing.
type HTTPPoster struct {
	endpoint string
	userID   string
	client   *http.Client
	logger   *zap.Logger
}

// HTTPPosterConfig configures the remote endpoint.
type HTTPPosterConfig struct {
	Endpoint string
	UserID   string
	Timeout  time.Duration
}

// NewHTTPPoster creates a poster for the remote action endpoint.
func NewHTTPPoster(cfg HTTPPosterConfig, logger *zap.Logger) *HTTPPoster {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPoster{
		endpoint: cfg.Endpoint,
		userID:   cfg.UserID,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Post performs the remote call for one action.
func (p *HTTPPoster) Post(ctx context.Context, action, targetID string, payload json.RawMessage) error {
	body := actionRequest{
		Action:    action,
		TargetID:  targetID,
		UserID:    p.userID,
		Timestamp: time.Now().UnixMilli(),
	}

	// snoozeMinutes rides along from the original action payload.
	if len(payload) > 0 {
		var extra struct {
			SnoozeMinutes *int `json:"snoozeMinutes"`
		}
		if err := json.Unmarshal(payload, &extra); err == nil && extra.SnoozeMinutes != nil {
			body.SnoozeMinutes = extra.SnoozeMinutes
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post action: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("action endpoint returned %d: %s", resp.StatusCode, preview)
	}

	p.logger.Debug("action delivered",
		zap.String("action", action),
		zap.String("target_id", targetID),
		zap.Int("status", resp.StatusCode),
	)

	return nil
}
