package assistant

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

var (
	// ErrRunTimeout means the run did not finish before the poll budget ran out.
	ErrRunTimeout = errors.New("assistant run timed out")
	// ErrRunFailed means the provider ended the run without a reply, or rejected a poll.
	ErrRunFailed = errors.New("assistant run failed")
)

var errRunPending = errors.New("run still pending")

type PollConfig struct {
	Initial time.Duration
	Max     time.Duration
	Timeout time.Duration
}

func DefaultPollConfig(timeout time.Duration) PollConfig {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return PollConfig{Initial: 250 * time.Millisecond, Max: 5 * time.Second, Timeout: timeout}
}

type runGetter interface {
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
}

// WaitForRun polls until the run completes, with exponential spacing bounded by cfg.
func WaitForRun(ctx context.Context, api runGetter, threadID, runID string, cfg PollConfig) (*Run, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.Multiplier = 2
	b.MaxInterval = cfg.Max
	b.RandomizationFactor = 0.1

	op := func() (*Run, error) {
		run, err := api.GetRun(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, backoff.Permanent(errors.Wrap(ErrRunFailed, err.Error()))
		}
		switch {
		case run.Status == RunCompleted:
			return run, nil
		case run.Status.Terminal():
			msg := string(run.Status)
			if run.LastError != nil && run.LastError.Message != "" {
				msg += ": " + run.LastError.Message
			}
			return run, backoff.Permanent(errors.Wrap(ErrRunFailed, msg))
		default:
			return run, errRunPending
		}
	}

	run, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(cfg.Timeout),
	)
	if err == nil {
		return run, nil
	}
	if errors.Is(err, errRunPending) {
		return run, ErrRunTimeout
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return run, ctxErr
	}
	return run, err
}
