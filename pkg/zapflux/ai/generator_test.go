package ai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/zapflux/zapflux/pkg/zapflux/imageflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// fakeImageRunner records workflow calls and returns a canned result.
type fakeImageRunner struct {
	calls  int
	mode   imageflow.Mode
	prompt string
	source string
	result string
	err    error
}

func (f *fakeImageRunner) Run(_ context.Context, mode imageflow.Mode, prompt, sourceImage string) (string, error) {
	f.calls++
	f.mode = mode
	f.prompt = prompt
	f.source = sourceImage
	return f.result, f.err
}

// newChatBackend serves a fixed chat completions response and captures the
// last request body.
func newChatBackend(t *testing.T, response map[string]any) (*httptest.Server, *map[string]any) {
	t.Helper()
	var lastRequest map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&lastRequest)
		json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)

	return srv, &lastRequest
}

func textResponse(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func toolResponse(name, arguments string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{
				"content": "",
				"tool_calls": []map[string]any{
					{
						"id":   "call-1",
						"type": "function",
						"function": map[string]any{
							"name":      name,
							"arguments": arguments,
						},
					},
				},
			}},
		},
	}
}

func TestGeneratePlainText(t *testing.T) {
	srv, lastReq := newChatBackend(t, textResponse("Olá!"))
	images := &fakeImageRunner{}
	g := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "test-model"}, images, testLogger())

	res, err := g.Generate(context.Background(), "oi", "seja simpático", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindText || res.Text != "Olá!" {
		t.Errorf("expected text result 'Olá!', got %+v", res)
	}
	if images.calls != 0 {
		t.Errorf("expected no image workflow calls, got %d", images.calls)
	}

	t.Run("request carries sampling parameters and tools", func(t *testing.T) {
		req := *lastReq
		if req["temperature"].(float64) != 0.6 {
			t.Errorf("expected temperature 0.6, got %v", req["temperature"])
		}
		if req["max_tokens"].(float64) != 512 {
			t.Errorf("expected max_tokens 512, got %v", req["max_tokens"])
		}
		if req["tool_choice"] != "auto" {
			t.Errorf("expected tool_choice auto, got %v", req["tool_choice"])
		}
		tools := req["tools"].([]any)
		if len(tools) != 2 {
			t.Fatalf("expected 2 tool declarations, got %d", len(tools))
		}
	})

	t.Run("system prompt is first message", func(t *testing.T) {
		msgs := (*lastReq)["messages"].([]any)
		first := msgs[0].(map[string]any)
		if first["role"] != "system" || first["content"] != "seja simpático" {
			t.Errorf("unexpected system turn: %v", first)
		}
	})
}

func TestGenerateMultimodalUserTurn(t *testing.T) {
	srv, lastReq := newChatBackend(t, textResponse("uma foto"))
	g := New(Config{BaseURL: srv.URL, Model: "m"}, &fakeImageRunner{}, testLogger())

	if _, err := g.Generate(context.Background(), "o que é isso?", "", "aW1n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := (*lastReq)["messages"].([]any)
	user := msgs[1].(map[string]any)
	parts, ok := user["content"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected multimodal content with 2 parts, got %v", user["content"])
	}
	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	if !strings.HasPrefix(img["url"].(string), "data:image/jpeg;base64,") {
		t.Errorf("expected data URI image part, got %v", img["url"])
	}
}

func TestGenerateImageToolSuccess(t *testing.T) {
	srv, _ := newChatBackend(t, toolResponse("generate_image", `{"prompt":"P"}`))
	images := &fakeImageRunner{result: "https://cdn.example/p.jpg"}
	g := New(Config{BaseURL: srv.URL, Model: "m"}, images, testLogger())

	res, err := g.Generate(context.Background(), "desenha P", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindImage {
		t.Fatalf("expected image result, got %+v", res)
	}
	if res.Image != "https://cdn.example/p.jpg" {
		t.Errorf("unexpected image ref: %q", res.Image)
	}
	if !strings.Contains(res.Caption, "P") {
		t.Errorf("expected caption to echo prompt, got %q", res.Caption)
	}
	if images.mode != imageflow.ModeGenerate || images.prompt != "P" {
		t.Errorf("unexpected workflow call: mode=%s prompt=%q", images.mode, images.prompt)
	}
}

func TestGenerateImageToolFailureDegrades(t *testing.T) {
	srv, _ := newChatBackend(t, toolResponse("generate_image", `{"prompt":"P"}`))
	images := &fakeImageRunner{err: errors.New("backend down")}
	g := New(Config{BaseURL: srv.URL, Model: "m"}, images, testLogger())

	res, err := g.Generate(context.Background(), "desenha", "", "")
	if err != nil {
		t.Fatalf("expected graceful degradation, got error: %v", err)
	}
	if res.Kind != KindText || res.Text != msgGenerateFailed {
		t.Errorf("expected fixed apology text, got %+v", res)
	}
}

func TestEditToolWithoutImage(t *testing.T) {
	srv, _ := newChatBackend(t, toolResponse("edit_image", `{"prompt":"azul"}`))
	images := &fakeImageRunner{result: "should-not-be-called"}
	g := New(Config{BaseURL: srv.URL, Model: "m"}, images, testLogger())

	res, err := g.Generate(context.Background(), "edita", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindText || res.Text != msgEditNeedsImage {
		t.Errorf("expected image-required apology, got %+v", res)
	}
	if images.calls != 0 {
		t.Errorf("expected zero workflow calls without source image, got %d", images.calls)
	}
}

func TestEditToolWithImage(t *testing.T) {
	srv, _ := newChatBackend(t, toolResponse("edit_image", `{"prompt":"azul"}`))
	images := &fakeImageRunner{result: "edited-data"}
	g := New(Config{BaseURL: srv.URL, Model: "m"}, images, testLogger())

	res, err := g.Generate(context.Background(), "edita", "", "c29tZQ==")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Kind != KindImage || res.Image != "edited-data" {
		t.Errorf("expected edited image result, got %+v", res)
	}
	if images.mode != imageflow.ModeEdit || images.source != "c29tZQ==" {
		t.Errorf("expected edit call with source image, got mode=%s source=%q", images.mode, images.source)
	}
}

func TestGenerateBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Model: "m"}, &fakeImageRunner{}, testLogger())
	res, err := g.Generate(context.Background(), "oi", "", "")
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
	if res != nil {
		t.Errorf("expected nil result on backend error, got %+v", res)
	}
}

func TestGenerateOnlyFirstToolCallConsumed(t *testing.T) {
	response := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{
				"tool_calls": []map[string]any{
					{"id": "1", "type": "function", "function": map[string]any{"name": "generate_image", "arguments": `{"prompt":"first"}`}},
					{"id": "2", "type": "function", "function": map[string]any{"name": "generate_image", "arguments": `{"prompt":"second"}`}},
				},
			}},
		},
	}
	srv, _ := newChatBackend(t, response)
	images := &fakeImageRunner{result: "img"}
	g := New(Config{BaseURL: srv.URL, Model: "m"}, images, testLogger())

	if _, err := g.Generate(context.Background(), "dois", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if images.calls != 1 || images.prompt != "first" {
		t.Errorf("expected only the first tool call to run, got calls=%d prompt=%q", images.calls, images.prompt)
	}
}
