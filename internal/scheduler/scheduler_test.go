package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dfda/dfda-node/internal/jobs"
	"github.com/dfda/dfda-node/internal/models"
	"github.com/dfda/dfda-node/internal/reminders"
)

type window struct{ start, end time.Time }

type fakeGenerator struct {
	calls atomic.Int32
	block chan struct{}
	err   error
	// errs overrides err per call, in order
	errs []error

	mu      sync.Mutex
	windows []window
}

func (g *fakeGenerator) GenerateWindow(_ context.Context, start, end time.Time) (reminders.BulkStats, error) {
	n := g.calls.Add(1)
	g.mu.Lock()
	g.windows = append(g.windows, window{start, end})
	g.mu.Unlock()
	if g.block != nil {
		<-g.block
	}
	if int(n) <= len(g.errs) {
		return reminders.BulkStats{}, g.errs[n-1]
	}
	return reminders.BulkStats{}, g.err
}

type fakeEnqueuer struct {
	err      error
	tasks    []string
	payloads []jobs.BulkPayload
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, task string, payload any) error {
	if e.err != nil {
		return e.err
	}
	e.tasks = append(e.tasks, task)
	e.payloads = append(e.payloads, payload.(jobs.BulkPayload))
	return nil
}

type fakeDue struct {
	mu       sync.Mutex
	due      []*models.DueNotification
	notified []string
	now      time.Time
	since    time.Time
}

func (d *fakeDue) ListDue(_ context.Context, now, since time.Time, _ int) ([]*models.DueNotification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now, d.since = now, since
	return d.due, nil
}

func (d *fakeDue) MarkNotified(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notified = append(d.notified, id)
	return nil
}

type fakeNotifier struct {
	fail map[string]bool
	sent []string
}

func (n *fakeNotifier) Deliver(_ context.Context, due *models.DueNotification) error {
	if n.fail[due.ID] {
		return errors.New("chat not found")
	}
	n.sent = append(n.sent, due.ID)
	return nil
}

type fakeLock struct {
	acquired bool
	err      error
	ttl      time.Duration
}

func (l *fakeLock) Acquire(_ context.Context, ttl time.Duration) (bool, error) {
	l.ttl = ttl
	return l.acquired, l.err
}

func due(id string) *models.DueNotification {
	return &models.DueNotification{ReminderNotification: models.ReminderNotification{ID: id, UserID: "u1"}}
}

func TestRunOnceGeneratesAndDelivers(t *testing.T) {
	gen := &fakeGenerator{}
	store := &fakeDue{due: []*models.DueNotification{due("n1"), due("n2"), due("n3")}}
	notifier := &fakeNotifier{fail: map[string]bool{"n2": true}}

	s := New(gen, nil, store, notifier, nil, time.Minute, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())

	assert.EqualValues(t, 1, gen.calls.Load())
	assert.Equal(t, []string{"n1", "n3"}, notifier.sent)
	assert.Equal(t, []string{"n1", "n3"}, store.notified)
	assert.Equal(t, now, store.now)
	assert.Equal(t, now.Add(-deliveryWindow), store.since)
}

func TestRunOnceDeliversEvenWhenGenerationFails(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("database down")}
	store := &fakeDue{due: []*models.DueNotification{due("n1")}}
	notifier := &fakeNotifier{}

	New(gen, nil, store, notifier, nil, time.Minute, zap.NewNop()).RunOnce(context.Background())
	assert.Equal(t, []string{"n1"}, notifier.sent)
}

func TestRunOnceWithoutNotifier(t *testing.T) {
	gen := &fakeGenerator{}
	store := &fakeDue{due: []*models.DueNotification{due("n1")}}

	New(gen, nil, store, nil, nil, time.Minute, zap.NewNop()).RunOnce(context.Background())
	assert.EqualValues(t, 1, gen.calls.Load())
	assert.Empty(t, store.notified)
}

func TestRunOnceRespectsRunLock(t *testing.T) {
	gen := &fakeGenerator{}
	lock := &fakeLock{acquired: false}
	s := New(gen, nil, &fakeDue{}, &fakeNotifier{}, lock, 10*time.Minute, zap.NewNop())

	s.RunOnce(context.Background())
	assert.Zero(t, gen.calls.Load())
	assert.Equal(t, 9*time.Minute, lock.ttl)

	lock.acquired = true
	s.RunOnce(context.Background())
	assert.EqualValues(t, 1, gen.calls.Load())

	lock.acquired, lock.err = false, errors.New("redis down")
	s.RunOnce(context.Background())
	assert.EqualValues(t, 2, gen.calls.Load())
}

func TestRunOnceSkipsOverlappingRun(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	s := New(gen, nil, &fakeDue{}, nil, nil, time.Minute, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.RunOnce(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, time.Millisecond)

	s.RunOnce(context.Background())
	assert.EqualValues(t, 1, gen.calls.Load())

	close(gen.block)
	<-done
}

func TestStartRunsImmediatelyAndOnNotify(t *testing.T) {
	gen := &fakeGenerator{}
	s := New(gen, nil, &fakeDue{}, nil, nil, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, time.Millisecond)
	s.Notify()
	require.Eventually(t, func() bool { return gen.calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunOnceRetriesFailedWindow(t *testing.T) {
	gen := &fakeGenerator{errs: []error{errors.New("database down")}}
	s := New(gen, nil, &fakeDue{}, nil, nil, 10*time.Minute, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())
	now = now.Add(10 * time.Minute)
	s.RunOnce(context.Background())
	now = now.Add(10 * time.Minute)
	s.RunOnce(context.Background())

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, []window{
		{first, first.Add(10 * time.Minute)},
		{first, first.Add(20 * time.Minute)},
		{first.Add(20 * time.Minute), first.Add(30 * time.Minute)},
	}, gen.windows)
}

func TestRunOnceCatchUpIsBounded(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("database down")}
	s := New(gen, nil, &fakeDue{}, nil, nil, time.Hour, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())
	now = now.Add(48 * time.Hour)
	s.RunOnce(context.Background())

	require.Len(t, gen.windows, 2)
	assert.Equal(t, now.Add(-maxCatchUp), gen.windows[1].start)
}

func TestRunOnceQueuesWindow(t *testing.T) {
	gen := &fakeGenerator{}
	enq := &fakeEnqueuer{}
	store := &fakeDue{due: []*models.DueNotification{due("n1")}}
	notifier := &fakeNotifier{}
	s := New(gen, enq, store, notifier, nil, 10*time.Minute, zap.NewNop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RunOnce(context.Background())
	now = now.Add(10 * time.Minute)
	s.RunOnce(context.Background())

	assert.Zero(t, gen.calls.Load())
	assert.Equal(t, []string{jobs.TaskGenerateAllReminders, jobs.TaskGenerateAllReminders}, enq.tasks)
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, []jobs.BulkPayload{
		{WindowStart: first, WindowEnd: first.Add(10 * time.Minute)},
		{WindowStart: first.Add(10 * time.Minute), WindowEnd: first.Add(20 * time.Minute)},
	}, enq.payloads)
	assert.Equal(t, []string{"n1", "n1"}, notifier.sent)
}

func TestRunOnceFallsBackWhenQueueFails(t *testing.T) {
	gen := &fakeGenerator{}
	enq := &fakeEnqueuer{err: errors.New("channel closed")}
	s := New(gen, enq, &fakeDue{}, nil, nil, time.Minute, zap.NewNop())

	s.RunOnce(context.Background())
	assert.EqualValues(t, 1, gen.calls.Load())
	assert.Empty(t, enq.tasks)
}
