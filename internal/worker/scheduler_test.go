package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravixrdp/yt-automation/internal/job"
	"github.com/gravixrdp/yt-automation/internal/models"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(name string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == name {
			n++
		}
	}
	return n
}

type fakePoller struct {
	log *callLog
	err error
}

func (p *fakePoller) Poll(context.Context) (*job.PollResult, error) {
	p.log.add("poll")
	if p.err != nil {
		return nil, p.err
	}
	return &job.PollResult{Ready: 1, Enqueued: 1}, nil
}

type fakeDispatcher struct {
	log *callLog
	err error
}

func (d *fakeDispatcher) RunOnce(context.Context) (*job.DispatchSummary, error) {
	d.log.add("dispatch")
	if d.err != nil {
		return nil, d.err
	}
	return &job.DispatchSummary{Due: 1, Claimed: 1, Outcomes: map[job.Outcome]int{job.OutcomeUploaded: 1}}, nil
}

type fakeCleanup struct {
	log     *callLog
	pending int
}

func (c *fakeCleanup) RunOnce(context.Context) (*models.DestinationCleanupJob, error) {
	c.log.add("cleanup")
	if c.pending == 0 {
		return nil, nil
	}
	c.pending--
	return &models.DestinationCleanupJob{Status: models.StatusCompleted}, nil
}

type fakeReconciler struct {
	log *callLog
}

func (r *fakeReconciler) Run(context.Context) (*job.ReconcileReport, error) {
	r.log.add("reconcile")
	return &job.ReconcileReport{}, nil
}

func TestScheduler_RunCycle(t *testing.T) {
	log := &callLog{}
	s, err := NewScheduler(&SchedulerConfig{
		Poller:     &fakePoller{log: log},
		Dispatcher: &fakeDispatcher{log: log},
	})
	require.NoError(t, err)

	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"poll", "dispatch"}, log.snapshot())
	assert.Equal(t, 1, res.Poll.Enqueued)
	assert.Equal(t, 1, res.Dispatch.Outcomes[job.OutcomeUploaded])
	assert.Equal(t, 1, s.Status().Cycles)
}

func TestScheduler_PollFailureStillDispatches(t *testing.T) {
	log := &callLog{}
	s, err := NewScheduler(&SchedulerConfig{
		Poller:     &fakePoller{log: log, err: errors.New("candidate db down")},
		Dispatcher: &fakeDispatcher{log: log},
	})
	require.NoError(t, err)

	res, err := s.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"poll", "dispatch"}, log.snapshot())
	assert.NotNil(t, res.Dispatch)
	assert.Contains(t, s.Status().LastError, "candidate db down")
}

func TestScheduler_DrainCleanup(t *testing.T) {
	log := &callLog{}
	s, err := NewScheduler(&SchedulerConfig{
		Poller:     &fakePoller{log: log},
		Dispatcher: &fakeDispatcher{log: log},
		Cleanup:    &fakeCleanup{log: log, pending: 3},
	})
	require.NoError(t, err)

	ran, err := s.DrainCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, ran)
	assert.Equal(t, 4, log.count("cleanup"))
}

func TestScheduler_DrainCleanupIsBounded(t *testing.T) {
	log := &callLog{}
	s, err := NewScheduler(&SchedulerConfig{
		Poller:     &fakePoller{log: log},
		Dispatcher: &fakeDispatcher{log: log},
		Cleanup:    &fakeCleanup{log: log, pending: 50},
	})
	require.NoError(t, err)

	ran, err := s.DrainCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maxCleanupsPerTick, ran)
}

func TestScheduler_StartStop(t *testing.T) {
	log := &callLog{}
	s, err := NewScheduler(&SchedulerConfig{
		Poller:            &fakePoller{log: log},
		Dispatcher:        &fakeDispatcher{log: log},
		Cleanup:           &fakeCleanup{log: log},
		Reconciler:        &fakeReconciler{log: log},
		InstanceID:        "scheduler_test",
		PollInterval:      10 * time.Millisecond,
		ReconcileSchedule: "@every 1h",
		CleanupSchedule:   "@every 1h",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "double start is rejected")

	assert.Eventually(t, func() bool { return log.count("dispatch") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "reconcile", log.snapshot()[0], "startup reconcile runs before the first cycle")

	status := s.Status()
	assert.True(t, status.Running)
	assert.False(t, status.NextMaintenance.IsZero())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.Status().Running)
	assert.Error(t, s.Stop(stopCtx))

	after := log.count("dispatch")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, log.count("dispatch"), "no cycles after stop")
}

func TestNewScheduler_Validation(t *testing.T) {
	log := &callLog{}
	_, err := NewScheduler(&SchedulerConfig{Dispatcher: &fakeDispatcher{log: log}})
	assert.Error(t, err)

	_, err = NewScheduler(&SchedulerConfig{
		Poller:            &fakePoller{log: log},
		Dispatcher:        &fakeDispatcher{log: log},
		Reconciler:        &fakeReconciler{log: log},
		ReconcileSchedule: "every now and then",
	})
	assert.Error(t, err)
}
