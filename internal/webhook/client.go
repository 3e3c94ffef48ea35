package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/logger"
	"github.com/spigell/resume-worker/internal/metrics"
)

const (
	path           = "/api/analysis/webhook"
	contentType    = "application/json"
	userAgent      = "spigell/resume-worker"
	defaultTimeout = 10 * time.Second
	// Bytes of a rejected response body kept for the log line.
	maxErrorBody = 512
)

type Client struct {
	url        string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	HTTPClient *http.Client
	UserAgent  string
}

func New(baseURL string, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		url:     strings.TrimRight(baseURL, "/") + path,
		logger:  log,
		metrics: m,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		UserAgent: userAgent,
	}
}

// URL is the endpoint payloads are posted to.
func (c *Client) URL() string {
	return c.url
}

// Notify posts payload once. Delivery problems are logged and never returned.
func (c *Client) Notify(ctx context.Context, payload Payload) {
	log := c.logger.With(
		zap.String(logger.FieldJobID, payload.JobID),
		zap.String("status", payload.Status),
	)

	if err := c.post(ctx, payload); err != nil {
		log.Warn("webhook delivery failed", zap.String("url", c.url), zap.Error(err))
		return
	}

	log.Debug("webhook delivered")
}

func (c *Client) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		c.metrics.WebhookDelivered(metrics.DeliveryError)
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.metrics.WebhookDelivered(metrics.DeliveryError)
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.UserAgent)

	c.logger.Debug("make request", zap.String("url", c.url), zap.Int("body_length", len(body)))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.metrics.WebhookDelivered(metrics.DeliveryError)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.WebhookDelivered(metrics.DeliveryRejected)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("bad status: %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	c.metrics.WebhookDelivered(metrics.DeliveryDelivered)
	return nil
}
