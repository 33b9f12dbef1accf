package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/reminders"
)

const (
	// deliveryWindow bounds how late a notification may still be pushed.
	// Older pending rows stay visible on the timeline but are not sent.
	deliveryWindow = time.Hour
	deliveryBatch  = 100

	// maxCatchUp bounds how far back a window may start after failed runs.
	maxCatchUp = 24 * time.Hour
)

type Generator interface {
	GenerateWindow(ctx context.Context, windowStart, windowEnd time.Time) (reminders.BulkStats, error)
}

type DueStore interface {
	ListDue(ctx context.Context, now, since time.Time, limit int) ([]*models.DueNotification, error)
	MarkNotified(ctx context.Context, id string) error
}

// Notifier pushes one due notification to its user.
type Notifier interface {
	Deliver(ctx context.Context, n *models.DueNotification) error
}

// RunLock keeps concurrent processes from running the same cycle.
type RunLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

type Scheduler struct {
	generator Generator
	jobs      jobs.Enqueuer
	due       DueStore
	notifier  Notifier
	lock      RunLock
	interval  time.Duration
	notifyCh  chan struct{}
	running   atomic.Bool
	// next is where the following window starts; it only advances once a
	// window has been handed to the queue or materialized.
	next   time.Time
	logger *zap.Logger
	now    func() time.Time
}

// New builds a scheduler. enqueuer, notifier and lock may be nil: without an
// enqueuer windows are materialized in-process, without a notifier nothing
// is delivered, without a lock every process runs every cycle.
func New(generator Generator, enqueuer jobs.Enqueuer, due DueStore, notifier Notifier, lock RunLock, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		generator: generator,
		jobs:      enqueuer,
		due:       due,
		notifier:  notifier,
		lock:      lock,
		interval:  interval,
		notifyCh:  make(chan struct{}, 1),
		logger:    logger,
		now:       time.Now,
	}
}

// Notify triggers an immediate run. Non-blocking if a run is already pending.
func (s *Scheduler) Notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Start runs once immediately, then every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.notifyCh:
			s.logger.Debug("Scheduler triggered by notification")
			s.RunOnce(ctx)
		}
	}
}

// RunOnce materializes the upcoming window and delivers due notifications.
// A call made while another run is in progress returns immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("Previous run still in progress, skipping")
		return
	}
	defer s.running.Store(false)

	if s.lock != nil {
		// slightly shorter than the interval so our own next tick finds it expired
		acquired, err := s.lock.Acquire(ctx, s.interval-s.interval/10)
		if err != nil {
			s.logger.Warn("Run lock unavailable, running anyway", zap.Error(err))
		} else if !acquired {
			s.logger.Debug("Another process holds the run lock, skipping")
			return
		}
	}

	s.generate(ctx)
	s.deliver(ctx)
}

// window returns [start, end] for this cycle. The start is the end of the
// last window that was handed off, so a failed cycle is covered again by the
// next one.
func (s *Scheduler) window() (time.Time, time.Time) {
	now := s.now().UTC()
	start := s.next
	if start.IsZero() || start.After(now) {
		start = now
	}
	if floor := now.Add(-maxCatchUp); start.Before(floor) {
		start = floor
	}
	return start, now.Add(s.interval)
}

// generate hands the window to the job queue, where failures are retried
// with backoff and finally dead-lettered. When the queue is unavailable the
// window is materialized in-process.
func (s *Scheduler) generate(ctx context.Context) {
	start, end := s.window()
	s.next = start
	log := s.logger.With(zap.Time("window_start", start), zap.Time("window_end", end))

	if s.jobs != nil {
		err := s.jobs.Enqueue(ctx, jobs.TaskGenerateAllReminders, jobs.BulkPayload{WindowStart: start, WindowEnd: end})
		if err == nil {
			s.next = end
			log.Debug("Queued reminder generation")
			return
		}
		log.Warn("Failed to queue reminder generation, running in-process", zap.Error(err))
	}

	stats, err := s.generator.GenerateWindow(ctx, start, end)
	if err != nil {
		log.Error("Failed to generate reminders, window will be retried next cycle", zap.Error(err))
		return
	}
	s.next = end
	log.Debug("Generated reminders",
		zap.Int("schedules", stats.Schedules),
		zap.Int("inserted", stats.Inserted),
		zap.Int("duplicates", stats.Duplicates),
	)
}

func (s *Scheduler) deliver(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	now := s.now().UTC()
	due, err := s.due.ListDue(ctx, now, now.Add(-deliveryWindow), deliveryBatch)
	if err != nil {
		s.logger.Error("Failed to list due notifications", zap.Error(err))
		return
	}

	sent := 0
	for _, n := range due {
		log := s.logger.With(zap.String("notification_id", n.ID), zap.String("user_id", n.UserID))
		if err := s.notifier.Deliver(ctx, n); err != nil {
			log.Warn("Failed to deliver notification", zap.Error(err))
			continue
		}
		if err := s.due.MarkNotified(ctx, n.ID); err != nil {
			log.Error("Failed to mark notification delivered", zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("Delivered notifications", zap.Int("sent", sent), zap.Int("due", len(due)))
	}
}
