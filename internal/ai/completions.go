package ai

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CompletionsProvider talks to an OpenAI compatible /chat/completions endpoint.
// It serves both OpenAI and OpenRouter.
type CompletionsProvider struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type completionsMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionsReq struct {
	Model     string           `json:"model"`
	Messages  []completionsMsg `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

type completionsResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenAIProvider(baseURL, apiKey, model string) *CompletionsProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &CompletionsProvider{
		Name:    "openai",
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *CompletionsProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &CompletionsProvider{
		Name:    "openrouter",
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func toCompletionsMsg(m Message) completionsMsg {
	if len(m.Images) == 0 {
		return completionsMsg{Role: m.Role, Content: m.Content}
	}
	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, u := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
	}
	return completionsMsg{Role: m.Role, Content: parts}
}

func (p *CompletionsProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return "", errors.Errorf("%s: api key is required", p.Name)
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", errors.Errorf("%s: model is required", p.Name)
	}

	req := completionsReq{Model: model, MaxTokens: 1000}
	for _, m := range messages {
		req.Messages = append(req.Messages, toCompletionsMsg(m))
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		header.Set("X-Title", p.AppName)
	}

	var out completionsResp
	url := strings.TrimRight(p.BaseURL, "/") + "/chat/completions"
	if err := postJSON(ctx, p.Client, p.Name, url, header, req, &out); err != nil {
		return "", err
	}
	if out.Error != nil && out.Error.Message != "" {
		return "", errors.Errorf("%s: %s", p.Name, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.Errorf("%s: empty response", p.Name)
	}
	return out.Choices[0].Message.Content, nil
}
