package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Bogeun-Kim/habit-stacker/internal/ai"
	"github.com/Bogeun-Kim/habit-stacker/internal/assistant"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

const HistoryPageSize = 5

const settleTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/Bogeun-Kim/habit-stacker/internal/chat")

// ThreadCache maps (user, challenge) to a remote conversation thread.
type ThreadCache interface {
	GetThreadID(ctx context.Context, userID, challengeID uint64) (string, error)
	SetThreadIDIfAbsent(ctx context.Context, userID, challengeID uint64, threadID string) (string, error)
}

// Authenticator records a verification post for an image sent in chat.
type Authenticator interface {
	SubmitAuthentication(ctx context.Context, challengeID, userID uint64, text, fileKey string) (*models.Authentication, error)
}

type Options struct {
	AssistantModel string
	Poll           assistant.PollConfig
}

type Service struct {
	repo       *Repo
	assistants assistant.API
	threads    ThreadCache
	vision     ai.Provider
	media      *media.Store
	auths      Authenticator
	log        *logger.Logger
	opts       Options
}

func NewService(repo *Repo, api assistant.API, threads ThreadCache, vision ai.Provider, store *media.Store, auths Authenticator, log *logger.Logger, opts Options) *Service {
	if opts.AssistantModel == "" {
		opts.AssistantModel = "gpt-4o"
	}
	if opts.Poll.Timeout <= 0 {
		opts.Poll = assistant.DefaultPollConfig(0)
	}
	return &Service{
		repo:       repo,
		assistants: api,
		threads:    threads,
		vision:     vision,
		media:      store,
		auths:      auths,
		log:        log.With("service", "ChatService"),
		opts:       opts,
	}
}

type TurnInput struct {
	ChallengeID uint64
	UserID      uint64
	Text        string
	Image       []byte // raw upload, nil when absent
}

// Turn is an accepted user message waiting for its AI reply.
type Turn struct {
	Challenge      *models.Challenge
	User           *models.User
	AssistantID    string
	UserMessage    *Message
	Authentication *models.Authentication

	image []byte // normalized JPEG, loaded lazily from media when nil
}

// HistoryItem is the wire shape of a chat message.
type HistoryItem struct {
	ID        uint64    `json:"id"`
	User      string    `json:"user"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ImageURL  *string   `json:"image_url"`
	IsAI      bool      `json:"is_ai"`
}

func (s *Service) Item(m *Message, username string) HistoryItem {
	it := HistoryItem{
		ID:        m.ID,
		User:      username,
		Message:   m.Message,
		Timestamp: m.CreatedAt,
		IsAI:      m.IsAI,
	}
	if m.IsAI {
		it.User = "AI"
	}
	if m.ImageKey != "" {
		u := s.media.URL(m.ImageKey)
		it.ImageURL = &u
	}
	return it
}

func (s *Service) loadChallenge(ctx context.Context, id uint64) (*models.Challenge, error) {
	c, err := s.repo.GetChallenge(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrChallengeNotFound
	}
	return c, err
}

func (s *Service) loadUser(ctx context.Context, id uint64) (*models.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrUserNotFound
	}
	return u, err
}

// EnsureAssistant returns the remote assistant configured for the challenge,
// creating or updating it when the stored configuration is missing or stale.
func (s *Service) EnsureAssistant(ctx context.Context, c *models.Challenge) (string, error) {
	snap := SnapshotOf(c)
	row, err := s.repo.GetAssistant(ctx, c.ID)
	if err != nil {
		return "", pkgerrors.Wrap(err, "load assistant")
	}
	if row != nil && row.Snapshot.Data() == snap && row.Model == s.opts.AssistantModel {
		return row.AssistantID, nil
	}

	name := AssistantName(c.ID)
	params := assistant.AssistantParams{
		Name:         name,
		Instructions: BuildInstructions(snap),
		Model:        s.opts.AssistantModel,
		Tools:        []assistant.Tool{{Type: "code_interpreter"}},
	}

	existing, err := s.assistants.FindAssistantByName(ctx, name)
	if err != nil {
		s.log.Error("assistant lookup failed", "challenge_id", c.ID, "error", err)
		return "", common.ErrAssistantUnavailable.Wrap(err)
	}
	var a *assistant.Assistant
	if existing != nil {
		a, err = s.assistants.UpdateAssistant(ctx, existing.ID, params)
	} else {
		a, err = s.assistants.CreateAssistant(ctx, params)
	}
	if err != nil {
		s.log.Error("assistant configure failed", "challenge_id", c.ID, "update", existing != nil, "error", err)
		return "", common.ErrAssistantUnavailable.Wrap(err)
	}

	if err := s.repo.UpsertAssistant(ctx, &ChallengeAssistant{
		ChallengeID: c.ID,
		AssistantID: a.ID,
		Name:        name,
		Model:       s.opts.AssistantModel,
		Snapshot:    datatypes.NewJSONType(snap),
	}); err != nil {
		return "", pkgerrors.Wrap(err, "save assistant")
	}
	s.log.Info("assistant configured", "challenge_id", c.ID, "assistant_id", a.ID, "updated", existing != nil)
	return a.ID, nil
}

// AcceptTurn validates and persists the user's side of a turn. An attached image
// is normalized, stored, and recorded as an authentication of the challenge.
func (s *Service) AcceptTurn(ctx context.Context, in TurnInput) (*Turn, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Image) == 0 {
		return nil, common.ErrEmptyChatMessage
	}

	challenge, err := s.loadChallenge(ctx, in.ChallengeID)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	var jpeg []byte
	if len(in.Image) > 0 {
		jpeg, err = media.Normalize(in.Image)
		if err != nil {
			return nil, common.ErrInvalidImage.Wrap(err)
		}
	}

	assistantID, err := s.EnsureAssistant(ctx, challenge)
	if err != nil {
		return nil, err
	}

	turn := &Turn{Challenge: challenge, User: user, AssistantID: assistantID, image: jpeg}

	var key string
	if jpeg != nil {
		key, err = s.media.Save(ctx, media.PrefixChat, jpeg, media.ImageType)
		if err != nil {
			return nil, err
		}
	}

	uid := user.ID
	msg := &Message{
		ChallengeID: challenge.ID,
		OwnerID:     user.ID,
		UserID:      &uid,
		Message:     text,
		ImageKey:    key,
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return nil, pkgerrors.Wrap(err, "insert user message")
	}
	turn.UserMessage = msg

	if key != "" {
		auth, err := s.auths.SubmitAuthentication(ctx, challenge.ID, user.ID, text, key)
		if err != nil {
			return nil, err
		}
		turn.Authentication = auth
	}
	return turn, nil
}

// LoadTurn rebuilds an accepted turn from its stored user message.
func (s *Service) LoadTurn(ctx context.Context, userMessageID uint64) (*Turn, error) {
	msg, err := s.repo.GetMessage(ctx, userMessageID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load message %d", userMessageID)
	}
	challenge, err := s.loadChallenge(ctx, msg.ChallengeID)
	if err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, msg.OwnerID)
	if err != nil {
		return nil, err
	}
	assistantID, err := s.EnsureAssistant(ctx, challenge)
	if err != nil {
		return nil, err
	}
	return &Turn{Challenge: challenge, User: user, AssistantID: assistantID, UserMessage: msg}, nil
}

// Thread returns the cached thread for the pair, creating one on first use.
// When two requests race, both end up with whichever id was cached first.
func (s *Service) Thread(ctx context.Context, userID, challengeID uint64) (string, error) {
	id, err := s.threads.GetThreadID(ctx, userID, challengeID)
	if err != nil {
		return "", pkgerrors.Wrap(err, "thread cache get")
	}
	if id != "" {
		return id, nil
	}
	created, err := s.assistants.CreateThread(ctx)
	if err != nil {
		return "", common.ErrAssistantRunFailed.Wrap(err)
	}
	id, err = s.threads.SetThreadIDIfAbsent(ctx, userID, challengeID, created)
	if err != nil {
		return "", pkgerrors.Wrap(err, "thread cache set")
	}
	if id != created {
		s.log.Warn("thread creation raced, using cached thread", "user_id", userID, "challenge_id", challengeID)
	}
	return id, nil
}

func (s *Service) describeImage(ctx context.Context, turn *Turn) string {
	img := turn.image
	if img == nil {
		data, _, err := s.media.Read(ctx, turn.UserMessage.ImageKey)
		if err != nil {
			s.log.Warn("chat image unreadable", "message_id", turn.UserMessage.ID, "error", err)
			return visionFallback
		}
		img = data
	}
	desc, err := ai.Describe(ctx, s.vision, VisionPrompt, media.DataURL(media.ImageType, img))
	if err != nil || desc == "" {
		s.log.Warn("vision call failed", "message_id", turn.UserMessage.ID, "error", err)
		return visionFallback
	}
	return desc
}

// CompleteTurn asks the assistant for a reply to an accepted turn and stores it.
func (s *Service) CompleteTurn(ctx context.Context, turn *Turn) (msg *Message, err error) {
	ctx, span := tracer.Start(ctx, "chat.CompleteTurn")
	span.SetAttributes(
		attribute.Int64("challenge.id", int64(turn.Challenge.ID)),
		attribute.Int64("user.id", int64(turn.User.ID)),
		attribute.Bool("chat.has_image", turn.UserMessage.ImageKey != ""),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	threadID, err := s.Thread(ctx, turn.User.ID, turn.Challenge.ID)
	if err != nil {
		return nil, err
	}

	if turn.UserMessage.ImageKey != "" {
		desc := s.describeImage(ctx, turn)
		if err := s.assistants.AddMessage(ctx, threadID, imageDescriptionMessage(desc)); err != nil {
			return nil, common.ErrAssistantRunFailed.Wrap(err)
		}
	}

	prompt := turn.UserMessage.Message
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if err := s.assistants.AddMessage(ctx, threadID, prompt); err != nil {
		return nil, common.ErrAssistantRunFailed.Wrap(err)
	}

	run, err := s.assistants.CreateRun(ctx, threadID, turn.AssistantID)
	if err != nil {
		return nil, common.ErrAssistantRunFailed.Wrap(err)
	}
	if _, err := assistant.WaitForRun(ctx, s.assistants, threadID, run.ID, s.opts.Poll); err != nil {
		s.log.Warn("assistant run did not complete", "run_id", run.ID, "thread_id", threadID, "error", err)
		switch {
		case errors.Is(err, assistant.ErrRunTimeout):
			return nil, common.ErrAssistantTimeout.Wrap(err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, common.ErrAssistantRunFailed.Wrap(err)
		}
	}

	reply, err := s.assistants.RunReply(ctx, threadID, run.ID)
	if err != nil {
		return nil, common.ErrAssistantRunFailed.Wrap(err)
	}

	aiMsg := &Message{
		ChallengeID: turn.Challenge.ID,
		OwnerID:     turn.User.ID,
		Message:     reply,
		IsAI:        true,
	}
	if err := s.repo.InsertMessage(ctx, aiMsg); err != nil {
		return nil, pkgerrors.Wrap(err, "insert ai message")
	}
	s.log.Info("chat turn completed",
		"challenge_id", turn.Challenge.ID, "user_id", turn.User.ID,
		"message_id", aiMsg.ID, "cost", time.Since(start))
	return aiMsg, nil
}

// History returns page (1-based) of a user's conversation about a challenge,
// oldest first within the page. Page 1 ends with the most recent message.
func (s *Service) History(ctx context.Context, challengeID, ownerID uint64, page int) ([]HistoryItem, error) {
	if page < 1 {
		return nil, common.ErrInvalidInput
	}
	if _, err := s.loadChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	owner, err := s.loadUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	desc, err := s.repo.ListConversationDesc(ctx, challengeID, ownerID, (page-1)*HistoryPageSize, HistoryPageSize)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, s.Item(&desc[i], owner.Username))
	}
	return out, nil
}

// CreateJob stores a queued job for an accepted turn. When key matches an
// earlier job of the same user, that job is returned and created is false.
func (s *Service) CreateJob(ctx context.Context, turn *Turn, key *string) (job *Job, created bool, err error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	return s.repo.CreateJobOrGetExisting(ctx, &Job{
		ID:             id,
		UserID:         turn.User.ID,
		ChallengeID:    turn.Challenge.ID,
		UserMessageID:  turn.UserMessage.ID,
		IdempotencyKey: key,
		Status:         JobQueued,
	})
}

// JobByKey returns nil, nil when the user has no job under key.
func (s *Service) JobByKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	j, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, userID, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return j, err
}

// GetJob hides jobs that belong to other users.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && j.UserID != userID) {
		return nil, common.ErrJobNotFound
	}
	return j, err
}

// EnqueueFailed settles a job whose message never reached the queue.
func (s *Service) EnqueueFailed(ctx context.Context, jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := s.repo.MarkJobFailed(ctx, jobID, "enqueue: "+cause.Error()); err != nil {
		s.log.Error("mark job failed", "job_id", jobID, "error", err)
	}
}

// Requeue reopens j when it failed before any worker picked it up, so a
// client retrying with the same idempotency key gets it published again.
// It reports whether j was reopened.
func (s *Service) Requeue(ctx context.Context, j *Job) (bool, error) {
	if j.Status != JobFailed || j.Attempts > 0 {
		return false, nil
	}
	ok, err := s.repo.RequeueUnstartedJob(ctx, j.ID)
	if err != nil || !ok {
		return false, err
	}
	j.Status = JobQueued
	j.Error = nil
	return true, nil
}

// RunJob completes the turn behind a queued job and records the outcome.
// Jobs that are already claimed or settled are skipped.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	claimed, err := s.repo.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Info("job already taken", "job_id", jobID)
		return nil
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	aiMsg, err := s.completeJob(ctx, j)

	// the outcome is recorded even when ctx is already done
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err != nil {
		if markErr := s.repo.MarkJobFailed(sctx, jobID, err.Error()); markErr != nil {
			s.log.Error("mark job failed", "job_id", jobID, "error", markErr)
		}
		return err
	}
	return s.repo.MarkJobSucceeded(sctx, jobID, aiMsg.ID)
}

func (s *Service) completeJob(ctx context.Context, j *Job) (*Message, error) {
	turn, err := s.LoadTurn(ctx, j.UserMessageID)
	if err != nil {
		return nil, err
	}
	return s.CompleteTurn(ctx, turn)
}
