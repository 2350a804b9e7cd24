package collab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"github.com/anoint-array/platform/internal/config"
	svcerrors "github.com/anoint-array/platform/internal/errors"
	"github.com/anoint-array/platform/internal/httputil"
)

// Provider completes a prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ===== Gemini (oracle) =====

// GeminiProvider analyzes tasks with Google Gemini.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates the oracle provider. baseURL overrides the API
// host and is empty outside tests.
func NewGeminiProvider(ctx context.Context, apiKey, model, baseURL string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("collab: gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("collab: create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string { return "oracle" }

func (p *GeminiProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		})
	if err != nil {
		return "", svcerrors.Upstream("gemini", true, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", svcerrors.Upstream("gemini", true, fmt.Errorf("empty response"))
	}
	return text, nil
}

// ===== Anthropic (claude) =====

const anthropicVersion = "2023-06-01"

// ClaudeProvider proposes fixes through the Anthropic Messages API.
type ClaudeProvider struct {
	api       *httputil.Client
	model     string
	maxTokens int
}

// NewClaudeProvider creates the fix provider.
func NewClaudeProvider(cfg config.AIConfig) (*ClaudeProvider, error) {
	if cfg.AnthropicKey == "" {
		return nil, fmt.Errorf("collab: anthropic API key is required")
	}
	model := cfg.AnthropicModel
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	baseURL := cfg.AnthropicURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &ClaudeProvider{
		api: httputil.NewClient(httputil.ClientConfig{
			Service: "anthropic",
			BaseURL: baseURL,
			Timeout: 2 * time.Minute,
			Auth: httputil.HeaderAuth(map[string]string{
				"x-api-key":         cfg.AnthropicKey,
				"anthropic-version": anthropicVersion,
			}),
		}),
		model:     model,
		maxTokens: 4096,
	}, nil
}

func (p *ClaudeProvider) Name() string { return "claude" }

func (p *ClaudeProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := map[string]interface{}{
		"model":      p.model,
		"max_tokens": p.maxTokens,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	var raw []byte
	if err := p.api.DoJSON(ctx, http.MethodPost, "/v1/messages", body, &raw, nil); err != nil {
		return "", err
	}
	res := gjson.ParseBytes(raw)
	text := strings.TrimSpace(res.Get("content.0.text").String())
	if text == "" {
		return "", svcerrors.Upstream("anthropic", false,
			fmt.Errorf("no text content (stop_reason %q)", res.Get("stop_reason").String()))
	}
	return text, nil
}
