package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionsProvider_SendsImageParts(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  a bowl of salad \n"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "gpt-4o")
	reply, err := Describe(context.Background(), p, "describe", "data:image/jpeg;base64,QUJD")
	require.NoError(t, err)
	assert.Equal(t, "a bowl of salad", reply)

	msgs := got["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	assert.Equal(t, "data:image/jpeg;base64,QUJD", img["image_url"].(map[string]any)["url"])
}

func TestCompletionsProvider_PlainTextContent(t *testing.T) {
	msg := toCompletionsMsg(Message{Role: "user", Content: "hi"})
	assert.Equal(t, "hi", msg.Content)
}

func TestCompletionsProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k", "openai/gpt-4o", "", "")
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openrouter: rate limited")
}

func TestOllamaProvider_RawBase64Images(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"}}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "")
	reply, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "x", Images: []string{"data:image/jpeg;base64,QUJD"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, "llava:latest", got.Model)
	assert.Equal(t, []string{"QUJD"}, got.Messages[0].Images)
	assert.False(t, got.Stream)
	assert.EqualValues(t, 1000, got.Options["num_predict"])
}

func TestOllamaProvider_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model \"llava:latest\" not found"}`))
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "").Chat(context.Background(), []Message{{Role: "user", Content: "x"}})
	require.Error(t, err)
	if !strings.HasPrefix(err.Error(), "ollama: model") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := NewDefaultRegistry(Settings{OpenAIAPIKey: "k"})
	assert.Equal(t, []string{"ollama", "openai", "openrouter"}, reg.Names())

	p, err := reg.Get(context.Background(), " OpenAI ", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.(*CompletionsProvider).Model)

	_, err = reg.Get(context.Background(), "nope", "")
	assert.Error(t, err)
}
