package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dcmwrap/internal/config"
)

func TestWebhookSink_Send(t *testing.T) {
	var received atomic.Int32
	var gotBody []byte
	var gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink([]config.WebhookConfig{
		{URL: server.URL},
	})

	rec := NewRecord("match", "STORING").WithTool("storescp")
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if received.Load() != 1 {
		t.Errorf("Received %d requests, want 1", received.Load())
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}

	var got Record
	if err := json.Unmarshal(gotBody, &got); err != nil {
		t.Fatalf("Failed to unmarshal body: %v", err)
	}
	if got.Event != "STORING" {
		t.Errorf("Event = %q, want STORING", got.Event)
	}
}

func TestWebhookSink_CustomHeaders(t *testing.T) {
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink([]config.WebhookConfig{
		{
			URL:     server.URL,
			Headers: map[string]string{"Authorization": "Bearer token123"},
		},
	})

	rec := NewRecord("match", "LISTENING")
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization = %q, want Bearer token123", gotAuth)
	}
}

func TestWebhookSink_EventFiltering(t *testing.T) {
	var received atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink([]config.WebhookConfig{
		{
			URL:    server.URL,
			Events: []string{"STORING"},
		},
	})

	// Filtered out
	if err := sink.Send(context.Background(), NewRecord("match", "LISTENING")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if received.Load() != 0 {
		t.Errorf("LISTENING should have been filtered, got %d requests", received.Load())
	}

	// Passes the filter
	if err := sink.Send(context.Background(), NewRecord("match", "STORING")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if received.Load() != 1 {
		t.Errorf("STORING should have been delivered, got %d requests", received.Load())
	}
}

func TestWebhookSink_AllEventsFilter(t *testing.T) {
	var received atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink([]config.WebhookConfig{
		{
			URL:    server.URL,
			Events: []string{"all"},
		},
	})

	for _, name := range []string{"LISTENING", "STORING", "ASSOC_RELEASED"} {
		if err := sink.Send(context.Background(), NewRecord("match", name)); err != nil {
			t.Fatalf("Send(%s) failed: %v", name, err)
		}
	}

	if received.Load() != 3 {
		t.Errorf("Received %d requests, want 3", received.Load())
	}
}

func TestWebhookSink_MultipleEndpoints(t *testing.T) {
	var count1, count2 atomic.Int32

	server1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count1.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server1.Close()

	server2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count2.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server2.Close()

	sink := NewWebhookSink([]config.WebhookConfig{
		{URL: server1.URL},
		{URL: server2.URL},
	})

	rec := NewRecord("match", "FILE_STORED")
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if count1.Load() != 1 {
		t.Errorf("Endpoint 1 received %d requests, want 1", count1.Load())
	}
	if count2.Load() != 1 {
		t.Errorf("Endpoint 2 received %d requests, want 1", count2.Load())
	}
}

func TestWebhookSink_Retry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink([]config.WebhookConfig{
		{URL: server.URL},
	})
	sink.backoff = 10 * time.Millisecond

	rec := NewRecord("match", "LISTENING")
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send failed after retries: %v", err)
	}

	if attempts.Load() != 3 {
		t.Errorf("Attempts = %d, want 3", attempts.Load())
	}
}

func TestWebhookSink_EmptyConfig(t *testing.T) {
	sink := NewWebhookSink(nil)

	if sink.EndpointCount() != 0 {
		t.Errorf("EndpointCount = %d, want 0", sink.EndpointCount())
	}

	// No endpoints, no error
	rec := NewRecord("match", "LISTENING")
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Errorf("Send with no endpoints failed: %v", err)
	}
}

func TestWebhookSink_SkipsEmptyURL(t *testing.T) {
	sink := NewWebhookSink([]config.WebhookConfig{
		{URL: ""},
		{URL: "http://localhost:9"},
	})

	if sink.EndpointCount() != 1 {
		t.Errorf("EndpointCount = %d, want 1", sink.EndpointCount())
	}
}
