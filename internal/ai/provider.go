package ai

import (
	"context"
	"strings"
)

// Message is one chat turn. Images holds data: URLs attached to the turn.
type Message struct {
	Role    string
	Content string
	Images  []string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Describe sends a single user turn made of prompt and one image.
func Describe(ctx context.Context, p Provider, prompt, imageDataURL string) (string, error) {
	reply, err := p.Chat(ctx, []Message{{
		Role:    "user",
		Content: prompt,
		Images:  []string{imageDataURL},
	}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// base64Payload strips the "data:<type>;base64," prefix.
func base64Payload(dataURL string) string {
	if i := strings.Index(dataURL, ";base64,"); i >= 0 && strings.HasPrefix(dataURL, "data:") {
		return dataURL[i+len(";base64,"):]
	}
	return dataURL
}
