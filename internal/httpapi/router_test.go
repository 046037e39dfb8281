package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Bogeun-Kim/habit-stacker/internal/ai"
	"github.com/Bogeun-Kim/habit-stacker/internal/assistant"
	"github.com/Bogeun-Kim/habit-stacker/internal/challenge"
	"github.com/Bogeun-Kim/habit-stacker/internal/chat"
	"github.com/Bogeun-Kim/habit-stacker/internal/db"
	"github.com/Bogeun-Kim/habit-stacker/internal/httpapi/handlers"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/users"
)

const testSecret = "router-test-secret"

// memStore stands in for Redis: thread ids and revoked tokens.
type memStore struct {
	mu      sync.Mutex
	threads map[string]string
	revoked map[string]bool
}

func newMemStore() *memStore {
	return &memStore{threads: map[string]string{}, revoked: map[string]bool{}}
}

func (m *memStore) GetThreadID(ctx context.Context, u, c uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[fmt.Sprintf("%d_%d", u, c)], nil
}

func (m *memStore) SetThreadIDIfAbsent(ctx context.Context, u, c uint64, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fmt.Sprintf("%d_%d", u, c)
	if cur, ok := m.threads[k]; ok {
		return cur, nil
	}
	m.threads[k] = id
	return id, nil
}

func (m *memStore) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

// echoAssistant answers every run immediately with a fixed reply.
type echoAssistant struct {
	mu sync.Mutex
	n  int
}

func (e *echoAssistant) next(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	return fmt.Sprintf("%s_%d", prefix, e.n)
}

func (e *echoAssistant) FindAssistantByName(ctx context.Context, name string) (*assistant.Assistant, error) {
	return nil, nil
}

func (e *echoAssistant) CreateAssistant(ctx context.Context, p assistant.AssistantParams) (*assistant.Assistant, error) {
	return &assistant.Assistant{ID: e.next("asst"), Name: p.Name, Model: p.Model}, nil
}

func (e *echoAssistant) UpdateAssistant(ctx context.Context, id string, p assistant.AssistantParams) (*assistant.Assistant, error) {
	return &assistant.Assistant{ID: id, Name: p.Name, Model: p.Model}, nil
}

func (e *echoAssistant) CreateThread(ctx context.Context) (string, error) {
	return e.next("thread"), nil
}

func (e *echoAssistant) AddMessage(ctx context.Context, threadID, content string) error { return nil }

func (e *echoAssistant) CreateRun(ctx context.Context, threadID, assistantID string) (*assistant.Run, error) {
	return &assistant.Run{ID: e.next("run"), ThreadID: threadID, Status: assistant.RunQueued}, nil
}

func (e *echoAssistant) GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: assistant.RunCompleted}, nil
}

func (e *echoAssistant) RunReply(ctx context.Context, threadID, runID string) (string, error) {
	return "오늘도 수고했어요!", nil
}

type noVision struct{}

func (noVision) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return "a photo", nil
}

type countingPublisher struct {
	mu    sync.Mutex
	jobs  []string
	calls int
	err   error // returned instead of publishing when set
}

func (p *countingPublisher) PublishJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, jobID)
	return nil
}

func (p *countingPublisher) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type testApp struct {
	router    *gin.Engine
	db        *gorm.DB
	publisher *countingPublisher
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))

	log := logger.Nop()
	store := media.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	kv := newMemStore()
	pub := &countingPublisher{}

	userSvc := users.NewService(gdb, kv, testSecret, time.Hour, log)
	challengeSvc := challenge.NewService(gdb, store, log)
	chatSvc := chat.NewService(chat.NewRepo(gdb), &echoAssistant{}, kv, noVision{}, store, challengeSvc, log, chat.Options{
		AssistantModel: "gpt-4o",
		Poll:           assistant.PollConfig{Initial: time.Millisecond, Max: time.Millisecond, Timeout: time.Second},
	})
	h := handlers.NewHandler(userSvc, challengeSvc, chatSvc, store, pub, handlers.Options{}, log)
	r := NewRouter(h, kv, RouterConfig{JWTSecret: testSecret}, log)
	return &testApp{router: r, db: gdb, publisher: pub}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (a *testApp) signup(t *testing.T, email string) (string, uint64) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/signup", "", map[string]string{
		"email": email, "password": "password1", "password_confirm": "password1",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	user := body["user"].(map[string]any)
	return body["token"].(string), uint64(user["id"].(float64))
}

func (a *testApp) createChallenge(t *testing.T, token string) uint64 {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/challenges", token, map[string]string{
		"category": "Exercise", "title": "5km running", "description": "run every morning",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return uint64(decode(t, rec)["challenge"].(map[string]any)["id"].(float64))
}

func ndjsonLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestChatScenario(t *testing.T) {
	app := newTestApp(t)
	token, _ := app.signup(t, "runner@example.com")
	cid := app.createChallenge(t, token)

	rec := app.do(t, http.MethodPost, fmt.Sprintf("/api/challenges/%d/join", cid), token, nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/", token,
		map[string]any{"challenge_id": cid, "message": "done today"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/x-ndjson")

	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 2)
	assert.Equal(t, false, lines[0]["is_ai"])
	assert.Equal(t, "done today", lines[0]["message"])
	assert.Equal(t, "runner", lines[0]["user"])
	assert.Equal(t, true, lines[1]["is_ai"])
	assert.Equal(t, "AI", lines[1]["user"])
	assert.Equal(t, "오늘도 수고했어요!", lines[1]["message"])

	rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/challenge/%d/chat-history?page=1", cid), token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	history := decode(t, rec)["history"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "done today", history[0].(map[string]any)["message"])
	assert.Equal(t, true, history[1].(map[string]any)["is_ai"])
}

func TestChat_ValidationErrors(t *testing.T) {
	app := newTestApp(t)
	token, uid := app.signup(t, "runner@example.com")
	cid := app.createChallenge(t, token)

	rec := app.do(t, http.MethodPost, "/api/challenge/chat/", token, map[string]any{"message": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"status":"error","code":"CHALLENGE_ID_REQUIRED","error":"챌린지 ID는 필수입니다."}`, rec.Body.String())

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/", token, `{"challenge_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "잘못된 JSON 형식입니다.", decode(t, rec)["error"])

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/", token, nil, map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "지원되지 않는 content-type입니다.", decode(t, rec)["error"])

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/", token, map[string]any{"challenge_id": cid, "message": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "메시지나 이미지 중 하나는 필수입니다.", decode(t, rec)["error"])

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/", token, map[string]any{"challenge_id": 9999, "message": "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/", "", map[string]any{"challenge_id": cid, "message": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var n int64
	require.NoError(t, app.db.Model(&chat.Message{}).Count(&n).Error)
	assert.EqualValues(t, 0, n)

	for _, page := range []string{"0", "-1", "abc"} {
		rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/challenge/%d/chat-history?page=%s", cid, page), token, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, page)
		assert.Equal(t, "잘못된 입력입니다.", decode(t, rec)["error"])
	}

	rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/challenge/%d/chat-history/%d", cid, uid+1), token, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatAsync_IdempotencyKey(t *testing.T) {
	app := newTestApp(t)
	token, _ := app.signup(t, "runner@example.com")
	cid := app.createChallenge(t, token)
	hdr := map[string]string{"Idempotency-Key": "turn-1"}

	rec := app.do(t, http.MethodPost, "/api/challenge/chat/async", token, map[string]any{"challenge_id": cid, "message": "hi"}, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode(t, rec)["job_id"].(string)

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/async", token, map[string]any{"challenge_id": cid, "message": "hi"}, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first, decode(t, rec)["job_id"])

	assert.Equal(t, []string{first}, app.publisher.jobs)

	var n int64
	require.NoError(t, app.db.Model(&chat.Message{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	rec = app.do(t, http.MethodGet, "/api/challenge/chat/jobs/"+first, token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decode(t, rec)["job"].(map[string]any)["status"])

	other, _ := app.signup(t, "other@example.com")
	rec = app.do(t, http.MethodGet, "/api/challenge/chat/jobs/"+first, other, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/challenge/chat/async", token, map[string]any{"challenge_id": cid, "message": "hi"},
		map[string]string{"Idempotency-Key": strings.Repeat("k", 129)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatAsync_RetryAfterPublishFailure(t *testing.T) {
	app := newTestApp(t)
	token, _ := app.signup(t, "runner@example.com")
	cid := app.createChallenge(t, token)
	hdr := map[string]string{"Idempotency-Key": "turn-1"}
	body := map[string]any{"challenge_id": cid, "message": "hi"}

	app.publisher.fail(errors.New("broker down"))
	rec := app.do(t, http.MethodPost, "/api/challenge/chat/async", token, body, hdr)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	var job chat.Job
	require.NoError(t, app.db.First(&job).Error)
	assert.Equal(t, chat.JobFailed, job.Status)
	assert.Equal(t, 0, job.Attempts)

	app.publisher.fail(nil)
	rec = app.do(t, http.MethodPost, "/api/challenge/chat/async", token, body, hdr)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, job.ID, got["job_id"])
	assert.Equal(t, "queued", got["job"].(map[string]any)["status"])
	assert.Equal(t, []string{job.ID}, app.publisher.jobs)
	assert.Equal(t, 2, app.publisher.calls)

	// the turn was stored once
	var n int64
	require.NoError(t, app.db.Model(&chat.Message{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)

	// once queued, a further retry only reports the job
	rec = app.do(t, http.MethodPost, "/api/challenge/chat/async", token, body, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, app.publisher.calls)
}

func TestAccounts_LogoutRevokesToken(t *testing.T) {
	app := newTestApp(t)
	token, _ := app.signup(t, "runner@example.com")

	rec := app.do(t, http.MethodGet, "/api/me", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/signup", "", map[string]string{
		"email": "runner@example.com", "password": "password1", "password_confirm": "password1",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email", decode(t, rec)["field"])

	rec = app.do(t, http.MethodPost, "/api/logout", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/me", token, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNoRoute(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/api/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ROUTE_NOT_FOUND", decode(t, rec)["code"])
}
