package ai

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultOllamaVisionModel = "llava:latest"

// OllamaProvider calls a local Ollama server's /api/chat without streaming.
// Vision models such as llava read images from the per-message images field.
type OllamaProvider struct {
	BaseURL   string
	Model     string
	MaxTokens int
	Client    *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = defaultOllamaVisionModel
	}
	return &OllamaProvider{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Model:     model,
		MaxTokens: 1000,
		Client:    &http.Client{Timeout: 90 * time.Second},
	}
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// Images are raw base64, not data URLs.
type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Error   string    `json:"error,omitempty"`
}

func toOllamaMsg(m Message) ollamaMsg {
	om := ollamaMsg{Role: m.Role, Content: m.Content}
	for _, img := range m.Images {
		om.Images = append(om.Images, base64Payload(img))
	}
	return om
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req := ollamaChatReq{Model: p.Model}
	if p.MaxTokens > 0 {
		req.Options = map[string]any{"num_predict": p.MaxTokens}
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, toOllamaMsg(m))
	}

	var out ollamaChatResp
	if err := postJSON(ctx, p.Client, "ollama", p.BaseURL+"/api/chat", nil, req, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", errors.Errorf("ollama: %s", out.Error)
	}
	return out.Message.Content, nil
}
