package imageflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// newTestBackend builds a mock workflow backend. submitID is returned from
// the submission endpoint; pollFn decides each /get_result response.
func newTestBackend(t *testing.T, submitID string, pollFn func(attempt int, w http.ResponseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/get_result") {
			pollFn(int(polls.Add(1)), w)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"request_id": submitID})
	}))
	t.Cleanup(srv.Close)

	return srv, &polls
}

func testConfig(url string, maxPolls int) Config {
	return Config{
		BaseURL:      url,
		APIKey:       "test-key",
		PollInterval: time.Millisecond,
		MaxPolls:     maxPolls,
	}
}

func TestRunEditRequiresSourceImage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, 5), testLogger())
	_, err := c.Run(context.Background(), ModeEdit, "add a hat", "")

	if !errors.Is(err, ErrMissingSourceImage) {
		t.Fatalf("expected ErrMissingSourceImage, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("expected zero backend calls, got %d", hits.Load())
	}
}

func TestRunSuccessWithURLResult(t *testing.T) {
	srv, polls := newTestBackend(t, "req-1", func(attempt int, w http.ResponseWriter) {
		if attempt < 2 {
			json.NewEncoder(w).Encode(map[string]string{"status": "Pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "Ready",
			"result": map[string]string{"sample": "https://cdn.example/img.jpg"},
		})
	})

	c := New(testConfig(srv.URL, 10), testLogger())
	out, err := c.Run(context.Background(), ModeGenerate, "a red fox", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "https://cdn.example/img.jpg" {
		t.Errorf("expected URL result, got %q", out)
	}
	if polls.Load() != 2 {
		t.Errorf("expected 2 polls, got %d", polls.Load())
	}
}

func TestRunTerminalFailureStopsEarly(t *testing.T) {
	srv, polls := newTestBackend(t, "req-2", func(attempt int, w http.ResponseWriter) {
		if attempt < 3 {
			json.NewEncoder(w).Encode(map[string]string{"status": "Pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "Failed", "details": "nsfw filter"})
	})

	c := New(testConfig(srv.URL, 60), testLogger())
	_, err := c.Run(context.Background(), ModeGenerate, "something", "")

	if err == nil || !strings.Contains(err.Error(), "nsfw filter") {
		t.Fatalf("expected workflow failure with details, got %v", err)
	}
	if polls.Load() != 3 {
		t.Errorf("expected exactly 3 polls before giving up, got %d", polls.Load())
	}
}

func TestRunExhaustsPollBudget(t *testing.T) {
	srv, polls := newTestBackend(t, "req-3", func(attempt int, w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Pending"})
	})

	c := New(testConfig(srv.URL, 60), testLogger())
	_, err := c.Run(context.Background(), ModeGenerate, "slow job", "")

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if polls.Load() != 60 {
		t.Errorf("expected exactly 60 polls, got %d", polls.Load())
	}
}

func TestRunSkipsNonOKPolls(t *testing.T) {
	srv, polls := newTestBackend(t, "req-4", func(attempt int, w http.ResponseWriter) {
		if attempt < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "Complete",
			"result": map[string]string{"sample": "base64imagedata"},
		})
	})

	c := New(testConfig(srv.URL, 10), testLogger())
	out, err := c.Run(context.Background(), ModeGenerate, "retry me", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "base64imagedata" {
		t.Errorf("expected opaque data result, got %q", out)
	}
	if polls.Load() != 3 {
		t.Errorf("expected failed polls to be skipped, got %d polls", polls.Load())
	}
}

func TestRunMissingRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, 5), testLogger())
	_, err := c.Run(context.Background(), ModeGenerate, "no id", "")

	if err == nil || !strings.Contains(err.Error(), "request_id") {
		t.Fatalf("expected missing request_id error, got %v", err)
	}
}

func TestRunEditSendsInputImage(t *testing.T) {
	var sawInputImage atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/get_result") {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "Finished",
				"result": map[string]string{"sample": "https://cdn.example/edit.jpg"},
			})
			return
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if strings.HasPrefix(payload["input_image"], "data:image/jpeg;base64,") {
			sawInputImage.Store(true)
		}
		json.NewEncoder(w).Encode(map[string]string{"request_id": "req-5"})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL, 5), testLogger())
	if _, err := c.Run(context.Background(), ModeEdit, "make it blue", "aGVsbG8="); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawInputImage.Load() {
		t.Error("expected submission to carry input_image data URI")
	}
}
