package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/reminders"
)

const (
	TaskProcessSingleSchedule = "processSingleSchedule"
	TaskGenerateAllReminders  = "generateAllReminders"
)

// Tasks lists every task the runner understands; each gets its own queue.
var Tasks = []string{TaskProcessSingleSchedule, TaskGenerateAllReminders}

var ErrMalformed = errors.New("malformed job")

type SingleSchedulePayload struct {
	ScheduleID string `json:"scheduleId" validate:"required,uuid"`
}

// BulkPayload pins a generateAllReminders run to a window so every retry of
// the message covers the same occurrences. Without it the run covers the
// window starting now.
type BulkPayload struct {
	WindowStart time.Time `json:"windowStart" validate:"required"`
	WindowEnd   time.Time `json:"windowEnd" validate:"required,gtfield=WindowStart"`
}

// Envelope is the message body published for every job.
type Envelope struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func NewEnvelope(task string, payload any) (Envelope, error) {
	env := Envelope{ID: uuid.NewString(), Task: task, EnqueuedAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", task, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Enqueuer submits jobs for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, task string, payload any) error
}

type Materializer interface {
	ProcessSingleSchedule(ctx context.Context, scheduleID string) error
	GenerateAllReminders(ctx context.Context) (reminders.BulkStats, error)
	GenerateWindow(ctx context.Context, windowStart, windowEnd time.Time) (reminders.BulkStats, error)
}

type Outcome int

const (
	Ack Outcome = iota
	Retry
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "dead_letter"
	}
}

// Runner executes job messages. Failures are retried until maxRetries
// attempts have failed, then dead-lettered; malformed messages are
// dead-lettered at once.
type Runner struct {
	materializer Materializer
	counter      Counter
	maxRetries   int
	validate     *validator.Validate
	logger       *zap.Logger
}

func NewRunner(m Materializer, counter Counter, maxRetries int, logger *zap.Logger) *Runner {
	return &Runner{
		materializer: m,
		counter:      counter,
		maxRetries:   maxRetries,
		validate:     validator.New(),
		logger:       logger,
	}
}

// Handle runs one message body. The returned delay is how long to wait
// before requeueing when the outcome is Retry.
func (r *Runner) Handle(ctx context.Context, body []byte) (Outcome, time.Duration, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" || env.Task == "" {
		return DeadLetter, 0, fmt.Errorf("%w: invalid envelope", ErrMalformed)
	}
	log := r.logger.With(zap.String("job_id", env.ID), zap.String("task", env.Task))

	err := r.dispatch(ctx, env)
	if err == nil {
		if r.counter != nil {
			if rerr := r.counter.Reset(ctx, retryKey(env.ID)); rerr != nil {
				log.Warn("Failed to reset retry counter", zap.Error(rerr))
			}
		}
		return Ack, 0, nil
	}
	if errors.Is(err, ErrMalformed) {
		log.Error("Dead-lettering malformed job", zap.Error(err))
		return DeadLetter, 0, err
	}

	if r.counter == nil {
		log.Error("Job failed, requeueing", zap.Error(err))
		return Retry, backoff(1), err
	}
	attempt, cerr := r.counter.IncrementAndGet(ctx, retryKey(env.ID))
	if cerr != nil {
		log.Error("Job failed and retry counter unavailable, requeueing", zap.Error(err), zap.NamedError("counter_error", cerr))
		return Retry, backoff(1), err
	}
	if attempt > int64(r.maxRetries) {
		log.Error("Job exceeded max retries", zap.Int64("attempt", attempt), zap.Error(err))
		_ = r.counter.Reset(ctx, retryKey(env.ID))
		return DeadLetter, 0, err
	}

	log.Warn("Job failed, requeueing", zap.Int64("attempt", attempt), zap.Error(err))
	return Retry, backoff(attempt), err
}

func (r *Runner) dispatch(ctx context.Context, env Envelope) error {
	switch env.Task {
	case TaskProcessSingleSchedule:
		var p SingleSchedulePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := r.validate.Struct(p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return r.materializer.ProcessSingleSchedule(ctx, p.ScheduleID)

	case TaskGenerateAllReminders:
		if len(env.Payload) == 0 || string(env.Payload) == "null" {
			_, err := r.materializer.GenerateAllReminders(ctx)
			return err
		}
		var p BulkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := r.validate.Struct(p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		_, err := r.materializer.GenerateWindow(ctx, p.WindowStart, p.WindowEnd)
		return err

	default:
		return fmt.Errorf("%w: unknown task %q", ErrMalformed, env.Task)
	}
}
