package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Bogeun-Kim/habit-stacker/internal/ai"
	"github.com/Bogeun-Kim/habit-stacker/internal/assistant"
	"github.com/Bogeun-Kim/habit-stacker/internal/challenge"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

type fakeAssistants struct {
	mu         sync.Mutex
	assistants map[string]*assistant.Assistant // by name
	created    int
	updated    int
	threads    int
	messages   map[string][]string
	runStatus  assistant.RunStatus
	reply      string
	nextID     int
}

func newFakeAssistants() *fakeAssistants {
	return &fakeAssistants{
		assistants: map[string]*assistant.Assistant{},
		messages:   map[string][]string{},
		runStatus:  assistant.RunCompleted,
		reply:      "잘하고 있어요!",
	}
}

func (f *fakeAssistants) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeAssistants) FindAssistantByName(ctx context.Context, name string) (*assistant.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assistants[name], nil
}

func (f *fakeAssistants) CreateAssistant(ctx context.Context, p assistant.AssistantParams) (*assistant.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	a := &assistant.Assistant{ID: f.id("asst"), Name: p.Name, Model: p.Model, Instructions: p.Instructions}
	f.assistants[p.Name] = a
	return a, nil
}

func (f *fakeAssistants) UpdateAssistant(ctx context.Context, id string, p assistant.AssistantParams) (*assistant.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated++
	a := f.assistants[p.Name]
	a.Instructions = p.Instructions
	a.Model = p.Model
	return a, nil
}

func (f *fakeAssistants) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return f.id("thread"), nil
}

func (f *fakeAssistants) AddMessage(ctx context.Context, threadID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[threadID] = append(f.messages[threadID], content)
	return nil
}

func (f *fakeAssistants) CreateRun(ctx context.Context, threadID, assistantID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &assistant.Run{ID: f.id("run"), ThreadID: threadID, Status: assistant.RunQueued}, nil
}

func (f *fakeAssistants) GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: f.runStatus}, nil
}

func (f *fakeAssistants) RunReply(ctx context.Context, threadID, runID string) (string, error) {
	return f.reply, nil
}

type mapThreads struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *mapThreads) key(u, ch uint64) string { return fmt.Sprintf("%d_%d", u, ch) }

func (c *mapThreads) GetThreadID(ctx context.Context, userID, challengeID uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[c.key(userID, challengeID)], nil
}

func (c *mapThreads) SetThreadIDIfAbsent(ctx context.Context, userID, challengeID uint64, threadID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(userID, challengeID)
	if cur, ok := c.m[k]; ok {
		return cur, nil
	}
	c.m[k] = threadID
	return threadID, nil
}

// lateWriter lets a concurrent request cache its thread right after our lookup.
type lateWriter struct {
	*mapThreads
	winner string
}

func (c *lateWriter) GetThreadID(ctx context.Context, userID, challengeID uint64) (string, error) {
	id, err := c.mapThreads.GetThreadID(ctx, userID, challengeID)
	if id == "" && c.winner != "" {
		_, _ = c.mapThreads.SetThreadIDIfAbsent(ctx, userID, challengeID, c.winner)
		c.winner = ""
	}
	return id, err
}

type visionStub struct {
	calls int
	reply string
	err   error
	last  []ai.Message
}

func (v *visionStub) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	v.calls++
	v.last = messages
	return v.reply, v.err
}

type fixture struct {
	svc     *Service
	db      *gorm.DB
	api     *fakeAssistants
	threads *mapThreads
	vision  *visionStub
	store   *media.Store
	user    *models.User
	ch      *models.Challenge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.User{}, &models.Challenge{}, &models.ChallengeParticipant{},
		&models.Authentication{}, &models.Comment{},
		&Message{}, &ChallengeAssistant{}, &Job{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	store := media.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	user := &models.User{Email: "runner@example.com", Username: "runner", PasswordHash: "x"}
	require.NoError(t, db.Create(user).Error)

	challenges := challenge.NewService(db, store, logger.Nop())
	ch, err := challenges.Create(context.Background(), user.ID, challenge.Input{
		Category: "Exercise", Title: "5km running", Description: "run every morning",
	})
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		api:     newFakeAssistants(),
		threads: &mapThreads{m: map[string]string{}},
		vision:  &visionStub{reply: "A person running in a park."},
		store:   store,
		user:    user,
		ch:      ch,
	}
	f.svc = NewService(NewRepo(db), f.api, f.threads, f.vision, store, challenges, logger.Nop(), Options{
		AssistantModel: "gpt-4o",
		Poll:           assistant.PollConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Timeout: 50 * time.Millisecond},
	})
	return f
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func (f *fixture) turn(t *testing.T, text string, img []byte) (*Turn, *Message) {
	t.Helper()
	ctx := context.Background()
	turn, err := f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: text, Image: img})
	require.NoError(t, err)
	reply, err := f.svc.CompleteTurn(ctx, turn)
	require.NoError(t, err)
	return turn, reply
}

func TestTextTurn_ReusesThread(t *testing.T) {
	f := newFixture(t)

	turn, reply := f.turn(t, "  오늘 5km 달렸어요  ", nil)
	assert.Equal(t, "오늘 5km 달렸어요", turn.UserMessage.Message)
	assert.True(t, reply.IsAI)
	assert.Nil(t, reply.UserID)
	assert.Equal(t, f.user.ID, reply.OwnerID)
	assert.Equal(t, "잘하고 있어요!", reply.Message)

	f.turn(t, "내일도 달릴게요", nil)

	assert.Equal(t, 1, f.api.threads)
	assert.Equal(t, 1, f.api.created)
	assert.EqualValues(t, 4, f.count(t, &Message{}))
	assert.EqualValues(t, 0, f.count(t, &models.Authentication{}))

	threadID, _ := f.threads.GetThreadID(context.Background(), f.user.ID, f.ch.ID)
	assert.Equal(t, []string{"오늘 5km 달렸어요", "내일도 달릴게요"}, f.api.messages[threadID])
}

func TestThread_LosingRaceUsesCachedThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cache := &lateWriter{mapThreads: &mapThreads{m: map[string]string{}}, winner: "thread_winner"}
	svc := NewService(NewRepo(f.db), f.api, cache, f.vision, f.store, challenge.NewService(f.db, f.store, logger.Nop()), logger.Nop(), Options{
		AssistantModel: "gpt-4o",
		Poll:           assistant.PollConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Timeout: 50 * time.Millisecond},
	})

	turn, err := svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "hi"})
	require.NoError(t, err)
	_, err = svc.CompleteTurn(ctx, turn)
	require.NoError(t, err)

	// our thread was created but the cached one carries the conversation
	assert.Equal(t, 1, f.api.threads)
	assert.Equal(t, []string{"hi"}, f.api.messages["thread_winner"])

	id, err := svc.Thread(ctx, f.user.ID, f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "thread_winner", id)
	assert.Equal(t, 1, f.api.threads)
}

func TestImageTurn_CreatesAuthentication(t *testing.T) {
	f := newFixture(t)

	turn, _ := f.turn(t, "", pngBytes(t))

	require.NotNil(t, turn.Authentication)
	assert.Equal(t, 1, turn.Authentication.Seq)
	assert.Equal(t, turn.UserMessage.ImageKey, turn.Authentication.FileKey)
	assert.Contains(t, turn.UserMessage.ImageKey, media.PrefixChat+"/")
	assert.EqualValues(t, 1, f.count(t, &models.Authentication{}))
	assert.EqualValues(t, 2, f.count(t, &Message{}))

	_, ct, err := f.store.Read(context.Background(), turn.UserMessage.ImageKey)
	require.NoError(t, err)
	assert.Equal(t, media.ImageType, ct)

	threadID, _ := f.threads.GetThreadID(context.Background(), f.user.ID, f.ch.ID)
	assert.Equal(t, []string{
		imageDescriptionMessage("A person running in a park."),
		DefaultPrompt,
	}, f.api.messages[threadID])

	require.Equal(t, 1, f.vision.calls)
	require.Len(t, f.vision.last, 1)
	assert.Equal(t, VisionPrompt, f.vision.last[0].Content)
	assert.Contains(t, f.vision.last[0].Images[0], "data:image/jpeg;base64,")
}

func TestImageTurn_VisionFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.vision.err = errors.New("vision down")

	_, reply := f.turn(t, "인증합니다", pngBytes(t))
	assert.True(t, reply.IsAI)

	threadID, _ := f.threads.GetThreadID(context.Background(), f.user.ID, f.ch.ID)
	assert.Equal(t, []string{imageDescriptionMessage(visionFallback), "인증합니다"}, f.api.messages[threadID])
}

func TestAcceptTurn_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "   "})
	assert.ErrorIs(t, err, common.ErrEmptyChatMessage)

	_, err = f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: 999, UserID: f.user.ID, Text: "hi"})
	assert.ErrorIs(t, err, common.ErrChallengeNotFound)

	_, err = f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Image: []byte("not an image")})
	assert.ErrorIs(t, err, common.ErrInvalidImage)

	assert.EqualValues(t, 0, f.count(t, &Message{}))
	assert.EqualValues(t, 0, f.count(t, &models.Authentication{}))
}

func TestEnsureAssistant_OnlyCallsProviderOnChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id1, err := f.svc.EnsureAssistant(ctx, f.ch)
	require.NoError(t, err)
	id2, err := f.svc.EnsureAssistant(ctx, f.ch)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, f.api.created)
	assert.Equal(t, 0, f.api.updated)

	f.ch.Title = "10km running"
	id3, err := f.svc.EnsureAssistant(ctx, f.ch)
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
	assert.Equal(t, 1, f.api.updated)
	assert.Contains(t, f.api.assistants[AssistantName(f.ch.ID)].Instructions, "제목: 10km running")

	row, err := NewRepo(f.db).GetAssistant(ctx, f.ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "10km running", row.Snapshot.Data().Title)
}

func TestCompleteTurn_Timeout(t *testing.T) {
	f := newFixture(t)
	f.api.runStatus = assistant.RunInProgress

	turn, err := f.svc.AcceptTurn(context.Background(), TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "hi"})
	require.NoError(t, err)

	_, err = f.svc.CompleteTurn(context.Background(), turn)
	assert.ErrorIs(t, err, common.ErrAssistantTimeout)
	assert.EqualValues(t, 1, f.count(t, &Message{}))
}

func TestCompleteTurn_RunFailed(t *testing.T) {
	f := newFixture(t)
	f.api.runStatus = assistant.RunFailed

	turn, err := f.svc.AcceptTurn(context.Background(), TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "hi"})
	require.NoError(t, err)

	_, err = f.svc.CompleteTurn(context.Background(), turn)
	assert.ErrorIs(t, err, common.ErrAssistantRunFailed)
}

func TestHistory_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.turn(t, fmt.Sprintf("msg %d", i), nil)
	}

	page1, err := f.svc.History(ctx, f.ch.ID, f.user.ID, 1)
	require.NoError(t, err)
	require.Len(t, page1, HistoryPageSize)
	last := page1[len(page1)-1]
	assert.True(t, last.IsAI)
	assert.Equal(t, "AI", last.User)
	for i := 1; i < len(page1); i++ {
		assert.Greater(t, page1[i].ID, page1[i-1].ID)
	}

	page3, err := f.svc.History(ctx, f.ch.ID, f.user.ID, 3)
	require.NoError(t, err)
	require.Len(t, page3, 2)
	assert.Equal(t, "msg 0", page3[0].Message)
	assert.Equal(t, "runner", page3[0].User)
	assert.Nil(t, page3[0].ImageURL)

	empty, err := f.svc.History(ctx, f.ch.ID, f.user.ID, 4)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.svc.History(ctx, f.ch.ID, f.user.ID, 0)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestJobs_IdempotentAndRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "k-1"

	turn, err := f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "hi"})
	require.NoError(t, err)

	job, created, err := f.svc.CreateJob(ctx, turn, &key)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobQueued, job.Status)

	again, created, err := f.svc.CreateJob(ctx, turn, &key)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	found, err := f.svc.JobByKey(ctx, f.user.ID, key)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	missing, err := f.svc.JobByKey(ctx, f.user.ID, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, f.svc.RunJob(ctx, job.ID))
	done, err := f.svc.GetJob(ctx, f.user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, done.Status)
	assert.Equal(t, 1, done.Attempts)
	require.NotNil(t, done.ResultMessageID)

	// a redelivered message for a settled job is a no-op
	require.NoError(t, f.svc.RunJob(ctx, job.ID))
	again, err = f.svc.GetJob(ctx, f.user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)

	_, err = f.svc.GetJob(ctx, f.user.ID+1, job.ID)
	assert.ErrorIs(t, err, common.ErrJobNotFound)
}

func TestRequeue_OnlyUnstartedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turn, err := f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "hi"})
	require.NoError(t, err)
	job, _, err := f.svc.CreateJob(ctx, turn, nil)
	require.NoError(t, err)

	ok, err := f.svc.Requeue(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok, "queued job is not reopened")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	f.svc.EnqueueFailed(cctx, job.ID, errors.New("broker down"))
	failed, err := f.svc.GetJob(ctx, f.user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "broker down")

	ok, err = f.svc.Requeue(ctx, failed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, JobQueued, failed.Status)

	require.NoError(t, f.svc.RunJob(ctx, job.ID))
	done, err := f.svc.GetJob(ctx, f.user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, done.Status)

	ok, err = f.svc.Requeue(ctx, done)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunJob_RecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.runStatus = assistant.RunExpired

	turn, err := f.svc.AcceptTurn(ctx, TurnInput{ChallengeID: f.ch.ID, UserID: f.user.ID, Text: "hi"})
	require.NoError(t, err)
	job, _, err := f.svc.CreateJob(ctx, turn, nil)
	require.NoError(t, err)

	assert.Error(t, f.svc.RunJob(ctx, job.ID))
	failed, err := f.svc.GetJob(ctx, f.user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, failed.Status)
	require.NotNil(t, failed.Error)
}
