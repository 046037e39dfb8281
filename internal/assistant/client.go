package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// API is the subset of the OpenAI Assistants v2 API the chat pipeline needs.
type API interface {
	FindAssistantByName(ctx context.Context, name string) (*Assistant, error)
	CreateAssistant(ctx context.Context, p AssistantParams) (*Assistant, error)
	UpdateAssistant(ctx context.Context, id string, p AssistantParams) (*Assistant, error)
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, content string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	RunReply(ctx context.Context, threadID, runID string) (string, error)
}

type Tool struct {
	Type string `json:"type"`
}

type Assistant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
}

type AssistantParams struct {
	Name         string `json:"name,omitempty"`
	Instructions string `json:"instructions"`
	Model        string `json:"model"`
	Tools        []Tool `json:"tools"`
}

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether the run will not change status any more.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

type assistantList struct {
	Data    []Assistant `json:"data"`
	HasMore bool        `json:"has_more"`
	LastID  string      `json:"last_id"`
}

// FindAssistantByName pages through every assistant. Returns nil, nil when none matches.
func (c *Client) FindAssistantByName(ctx context.Context, name string) (*Assistant, error) {
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", "100")
		q.Set("order", "desc")
		if after != "" {
			q.Set("after", after)
		}
		var page assistantList
		if err := c.do(ctx, http.MethodGet, "/assistants?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for i := range page.Data {
			if page.Data[i].Name == name {
				return &page.Data[i], nil
			}
		}
		if !page.HasMore || page.LastID == "" || page.LastID == after {
			return nil, nil
		}
		after = page.LastID
	}
}

func (c *Client) CreateAssistant(ctx context.Context, p AssistantParams) (*Assistant, error) {
	var a Assistant
	if err := c.do(ctx, http.MethodPost, "/assistants", p, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) UpdateAssistant(ctx context.Context, id string, p AssistantParams) (*Assistant, error) {
	var a Assistant
	if err := c.do(ctx, http.MethodPost, "/assistants/"+url.PathEscape(id), p, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var t struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &t); err != nil {
		return "", err
	}
	if t.ID == "" {
		return "", errors.New("openai: thread created without id")
	}
	return t.ID, nil
}

func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	in := map[string]string{"role": "user", "content": content}
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", in, nil)
}

func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	var r Run
	in := map[string]string{"assistant_id": assistantID}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", in, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var r Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

type messageList struct {
	Data []struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

var ErrNoReply = errors.New("openai: run produced no text reply")

// RunReply returns the text of the newest message the run added to the thread.
func (c *Client) RunReply(ctx context.Context, threadID, runID string) (string, error) {
	q := url.Values{}
	q.Set("order", "desc")
	q.Set("limit", "1")
	q.Set("run_id", runID)

	var list messageList
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/messages?"+q.Encode(), nil, &list); err != nil {
		return "", err
	}
	if len(list.Data) == 0 {
		return "", ErrNoReply
	}
	for _, part := range list.Data[0].Content {
		if part.Type == "text" && part.Text != nil {
			return part.Text.Value, nil
		}
	}
	return "", ErrNoReply
}
