// Package ai implements the chat response generator: one call to an
// OpenAI-compatible chat completions endpoint with the image tools
// declared, and interpretation of the (at most one) tool call the model
// decides to make. The image tools are backed by the imageflow workflow
// client.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zapflux/zapflux/pkg/zapflux/imageflow"
)

// Fixed user-facing fallback messages, kept in the assistant's language.
const (
	msgGenerateFailed = "Desculpe, falhei ao gerar a imagem."
	msgEditFailed     = "Desculpe, falhei ao editar a imagem."
	msgEditNeedsImage = "Desculpe, preciso de uma imagem para editar."
)

// ResultKind tags the two reply shapes.
type ResultKind int

const (
	KindText ResultKind = iota
	KindImage
)

// Result is the normalized generator output: either plain text or an image
// reference (URL or base64 payload) with a caption. Exactly one shape is
// populated per result.
type Result struct {
	Kind    ResultKind
	Text    string
	Image   string
	Caption string
}

// TextResult builds a text reply.
func TextResult(content string) *Result {
	return &Result{Kind: KindText, Text: content}
}

// ImageResult builds an image reply.
func ImageResult(ref, caption string) *Result {
	return &Result{Kind: KindImage, Image: ref, Caption: caption}
}

// ImageRunner runs an image workflow job. Satisfied by *imageflow.Client;
// an interface so generator tests can count calls without a backend.
type ImageRunner interface {
	Run(ctx context.Context, mode imageflow.Mode, prompt, sourceImage string) (string, error)
}

// Config holds the chat completions endpoint settings.
type Config struct {
	// BaseURL is the OpenAI-compatible API root (e.g.
	// "https://api.fireworks.ai/inference/v1").
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token. Usually resolved from keyring/env.
	APIKey string `yaml:"api_key"`

	// Model is the chat model identifier.
	Model string `yaml:"model"`
}

// DefaultConfig returns the production endpoint and model.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.fireworks.ai/inference/v1",
		Model:   "accounts/fireworks/models/kimi-k2p5",
	}
}

// Generator produces chat replies, optionally routing through the image
// workflow when the model requests a tool.
type Generator struct {
	cfg        Config
	images     ImageRunner
	httpClient *http.Client
	logger     *slog.Logger
}

// requestTimeout bounds each chat completions call.
const requestTimeout = 30 * time.Second

// New creates a Generator.
func New(cfg Config, images ImageRunner, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Generator{
		cfg:    cfg,
		images: images,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logger.With("component", "ai"),
	}
}

// ---------- Wire types (OpenAI-compatible) ----------

// contentPart is one part of a multimodal user turn.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// chatMessage is a message in the OpenAI chat format. Content is either a
// string or []contentPart.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// toolDefinition declares a callable function to the model.
type toolDefinition struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toolCall is a tool invocation requested by the model.
type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []chatMessage    `json:"messages"`
	Tools       []toolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// promptParams is the schema shared by both image tools: a single required
// string argument.
var promptParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompt": {
			"type": "string",
			"description": "The detailed, improved prompt for the image model."
		}
	},
	"required": ["prompt"]
}`)

// imageTools declares generate_image and edit_image to the model.
func imageTools() []toolDefinition {
	return []toolDefinition{
		{
			Type: "function",
			Function: functionDef{
				Name:        "generate_image",
				Description: "Generate a new image based on a prompt. Use this when the user asks to create, draw, or generate a picture.",
				Parameters:  promptParams,
			},
		},
		{
			Type: "function",
			Function: functionDef{
				Name:        "edit_image",
				Description: "Edit the provided image based on a prompt. Use this ONLY when the user asks to edit, change, or modify the image they sent.",
				Parameters:  promptParams,
			},
		},
	}
}

// Generate builds a two-turn conversation, calls the chat backend, and
// interprets at most one tool call from the response. A transport or
// decode failure returns (nil, err) and the caller replies with nothing;
// a tool failure degrades to a fixed apology text instead.
func (g *Generator) Generate(ctx context.Context, userMessage, systemPrompt, imageBase64 string) (*Result, error) {
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
	}

	if imageBase64 != "" {
		messages = append(messages, chatMessage{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: userMessage},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/jpeg;base64," + imageBase64,
				}},
			},
		})
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: userMessage})
	}

	resp, err := g.complete(ctx, chatRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Tools:       imageTools(),
		ToolChoice:  "auto",
		Temperature: 0.6,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}
	message := resp.Choices[0].Message

	// Only the first tool call is consumed; the backend may in principle
	// return several, but the rest are ignored (known limitation).
	if len(message.ToolCalls) > 0 {
		return g.runTool(ctx, message.ToolCalls[0], imageBase64)
	}

	return TextResult(message.Content), nil
}

// runTool dispatches a single tool call to the image workflow.
func (g *Generator) runTool(ctx context.Context, call toolCall, imageBase64 string) (*Result, error) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("parsing tool arguments: %w", err)
	}

	switch call.Function.Name {
	case "generate_image":
		g.logger.Info("tool triggered: generate_image", "prompt", args.Prompt)

		ref, err := g.images.Run(ctx, imageflow.ModeGenerate, args.Prompt, "")
		if err != nil {
			g.logger.Warn("image generation failed", "error", err)
			return TextResult(msgGenerateFailed), nil
		}
		return ImageResult(ref, "🎨 Imagem gerada: "+args.Prompt), nil

	case "edit_image":
		// Fail fast before ever reaching the workflow client: editing
		// needs the image the user sent.
		if imageBase64 == "" {
			return TextResult(msgEditNeedsImage), nil
		}
		g.logger.Info("tool triggered: edit_image", "prompt", args.Prompt)

		ref, err := g.images.Run(ctx, imageflow.ModeEdit, args.Prompt, imageBase64)
		if err != nil {
			g.logger.Warn("image edit failed", "error", err)
			return TextResult(msgEditFailed), nil
		}
		return ImageResult(ref, "🖌️ Edição realizada: "+args.Prompt), nil
	}

	g.logger.Warn("unknown tool requested", "name", call.Function.Name)
	return TextResult(""), nil
}

// complete performs one chat completions request.
func (g *Generator) complete(ctx context.Context, payload chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	started := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chat API returned %d: %s", resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("chat API error: %s", parsed.Error.Message)
	}

	g.logger.Debug("chat completion received",
		"model", g.cfg.Model,
		"elapsed", time.Since(started))

	return &parsed, nil
}
