package events

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"dcmwrap/internal/config"
)

// WebhookSink posts records to HTTP endpoints.
type WebhookSink struct {
	endpoints []webhookEndpoint
	client    *http.Client
	backoff   time.Duration // Base retry backoff, doubled per attempt
}

type webhookEndpoint struct {
	url     string
	events  map[string]bool // nil means all events
	headers map[string]string
	timeout time.Duration
}

// NewWebhookSink creates a sink posting to the configured endpoints.
func NewWebhookSink(configs []config.WebhookConfig) *WebhookSink {
	endpoints := make([]webhookEndpoint, 0, len(configs))

	for _, cfg := range configs {
		if cfg.URL == "" {
			continue
		}

		endpoint := webhookEndpoint{
			url:     cfg.URL,
			headers: cfg.Headers,
			timeout: 10 * time.Second,
		}

		if cfg.Timeout > 0 {
			endpoint.timeout = time.Duration(cfg.Timeout) * time.Second
		}

		// Convert events list to map for fast lookup
		if len(cfg.Events) > 0 {
			endpoint.events = make(map[string]bool)
			for _, e := range cfg.Events {
				endpoint.events[e] = true
			}
		}

		endpoints = append(endpoints, endpoint)
	}

	return &WebhookSink{
		endpoints: endpoints,
		client: &http.Client{
			Timeout: 30 * time.Second, // Overall client timeout
		},
		backoff: time.Second,
	}
}

// Name returns the sink type.
func (w *WebhookSink) Name() string {
	return "webhook"
}

// EndpointCount returns the number of configured endpoints.
func (w *WebhookSink) EndpointCount() int {
	return len(w.endpoints)
}

// Send posts the record to every endpoint whose filter accepts it.
// Each endpoint is best effort; the last failure is returned.
func (w *WebhookSink) Send(ctx context.Context, rec *Record) error {
	if len(w.endpoints) == 0 {
		return nil
	}

	data, err := rec.JSONLine()
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	var lastErr error
	for _, endpoint := range w.endpoints {
		if endpoint.events != nil && !endpoint.events[rec.Event] && !endpoint.events["all"] {
			continue
		}
		if err := w.sendToEndpoint(ctx, endpoint, data); err != nil {
			lastErr = err
			// Continue to other endpoints even if one fails
		}
	}

	return lastErr
}

// sendToEndpoint posts to a single endpoint with retry.
func (w *WebhookSink) sendToEndpoint(ctx context.Context, endpoint webhookEndpoint, data []byte) error {
	// Retry up to 3 times with exponential backoff
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			backoff := w.backoff * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := w.doRequest(ctx, endpoint, data)
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}

// doRequest performs one HTTP POST to the endpoint.
func (w *WebhookSink) doRequest(ctx context.Context, endpoint webhookEndpoint, data []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, endpoint.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", endpoint.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dcmwrap/"+config.Version)

	for k, v := range endpoint.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
