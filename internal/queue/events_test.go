package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

// collectUntilTerminal drains the subscriber channel until a terminal
// event arrives, returning every event seen in order.
func collectUntilTerminal(t *testing.T, sub *Subscriber) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				t.Fatal("subscriber channel closed before terminal event")
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("no terminal event after %d events", len(events))
		}
	}
}

func progressPercents(events []Event) []float64 {
	var out []float64
	for _, ev := range events {
		if ev.Type == EventProgress {
			out = append(out, ev.Job.Progress.Percent)
		}
	}
	return out
}

func TestQueue_SubscribeObservesLifecycle(t *testing.T) {
	stub := newStubPlugin("img", models.JobTypeImageProcess)
	gate := make(chan struct{})
	stub.setProcess(func(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
		<-gate
		progress(40, "resizing")
		progress(100, "done")
		return plugin.Result{OutputPath: "/out/final"}, nil
	})

	fx := newTestQueue(t, testJobsConfig(imageWorkers(1)), stub)

	job, err := fx.q.Submit(context.Background(), imageSubmit(models.PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, fx.q, job.ID, models.JobStatusProcessing)

	sub, err := fx.q.Subscribe(job.ID)
	require.NoError(t, err)
	defer fx.q.Unsubscribe(sub.ID)
	close(gate)

	events := collectUntilTerminal(t, sub)
	require.GreaterOrEqual(t, len(events), 3)

	// First event is the snapshot of the state at subscription time.
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, job.ID, events[0].Job.ID)

	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, "/out/final", last.Job.OutputPath)
	assert.Equal(t, float64(100), last.Job.Progress.Percent)

	assert.Equal(t, []float64{40, 100}, progressPercents(events))
}

func TestQueue_SubscribeAfterTerminalSeesFinalState(t *testing.T) {
	fx := newTestQueue(t, testJobsConfig(imageWorkers(1)), newStubPlugin("img", models.JobTypeImageProcess))

	job, err := fx.q.Submit(context.Background(), imageSubmit(models.PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, fx.q, job.ID, models.JobStatusCompleted)

	sub, err := fx.q.Subscribe(job.ID)
	require.NoError(t, err)
	defer fx.q.Unsubscribe(sub.ID)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, EventCompleted, ev.Type)
		assert.True(t, ev.Terminal())
	case <-time.After(2 * time.Second):
		t.Fatal("no seeded event for a finished job")
	}
}

func TestQueue_SubscribeUnknownJob(t *testing.T) {
	fx := newTestQueue(t, testJobsConfig(imageWorkers(1)), newStubPlugin("img", models.JobTypeImageProcess))

	_, err := fx.q.Subscribe(models.NewULID())
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestQueue_UnsubscribeClosesChannel(t *testing.T) {
	fx := newTestQueue(t, testJobsConfig(config.WorkersConfig{}), newStubPlugin("img", models.JobTypeImageProcess))

	job, err := fx.q.Submit(context.Background(), imageSubmit(models.PriorityNormal))
	require.NoError(t, err)

	sub, err := fx.q.Subscribe(job.ID)
	require.NoError(t, err)

	// Drain the seeded snapshot, then unsubscribe.
	<-sub.Events
	fx.q.Unsubscribe(sub.ID)

	_, ok := <-sub.Events
	assert.False(t, ok, "channel must be closed after unsubscribe")

	fx.q.Unsubscribe(sub.ID)
	fx.q.Unsubscribe("no-such-subscriber")
}

func TestQueue_ProgressCoalescing(t *testing.T) {
	stub := newStubPlugin("img", models.JobTypeImageProcess)
	gate := make(chan struct{})
	stub.setProcess(func(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
		<-gate
		progress(10, "start")
		progress(20, "mid")
		progress(30, "mid")
		progress(100, "done")
		return plugin.Result{OutputPath: "/out"}, nil
	})

	cfg := testJobsConfig(imageWorkers(1))
	cfg.ProgressCoalesce = time.Hour
	fx := newTestQueue(t, cfg, stub)

	job, err := fx.q.Submit(context.Background(), imageSubmit(models.PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, fx.q, job.ID, models.JobStatusProcessing)

	sub, err := fx.q.Subscribe(job.ID)
	require.NoError(t, err)
	defer fx.q.Unsubscribe(sub.ID)
	close(gate)

	events := collectUntilTerminal(t, sub)

	// Inside the coalescing window only the first report and the final
	// 100 get through.
	assert.Equal(t, []float64{10, 100}, progressPercents(events))
	assert.Equal(t, EventCompleted, events[len(events)-1].Type)
}

func TestQueue_ProgressNeverRegresses(t *testing.T) {
	stub := newStubPlugin("img", models.JobTypeImageProcess)
	gate := make(chan struct{})
	stub.setProcess(func(ctx context.Context, req plugin.Request, progress plugin.ProgressFunc) (plugin.Result, error) {
		<-gate
		progress(50, "half")
		progress(30, "stale report")
		progress(100, "done")
		return plugin.Result{OutputPath: "/out"}, nil
	})

	fx := newTestQueue(t, testJobsConfig(imageWorkers(1)), stub)

	job, err := fx.q.Submit(context.Background(), imageSubmit(models.PriorityNormal))
	require.NoError(t, err)
	waitStatus(t, fx.q, job.ID, models.JobStatusProcessing)

	sub, err := fx.q.Subscribe(job.ID)
	require.NoError(t, err)
	defer fx.q.Unsubscribe(sub.ID)
	close(gate)

	events := collectUntilTerminal(t, sub)
	assert.Equal(t, []float64{50, 50, 100}, progressPercents(events),
		"a stale lower report is clamped to the previous percent")

	var prev float64
	for _, ev := range events {
		require.GreaterOrEqual(t, ev.Job.Progress.Percent, prev)
		prev = ev.Job.Progress.Percent
	}
}

func TestQueue_CancelledJobEmitsCancelledEvent(t *testing.T) {
	fx := newTestQueue(t, testJobsConfig(config.WorkersConfig{}), newStubPlugin("img", models.JobTypeImageProcess))

	job, err := fx.q.Submit(context.Background(), imageSubmit(models.PriorityNormal))
	require.NoError(t, err)

	sub, err := fx.q.Subscribe(job.ID)
	require.NoError(t, err)
	defer fx.q.Unsubscribe(sub.ID)

	require.NoError(t, fx.q.Cancel(job.ID))

	events := collectUntilTerminal(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, EventQueued, events[0].Type)
	assert.Equal(t, EventCancelled, events[1].Type)
	assert.NotNil(t, events[1].Job.EndedAt)
}
