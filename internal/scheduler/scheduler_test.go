package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/githubkpis/analyzer/internal/analyzer"
)

type runResult struct {
	out string
	err error
}

// fakeRunner blocks every run until the test feeds a result. It signals
// started only from inside Run, after the sink is recorded.
type fakeRunner struct {
	mu      sync.Mutex
	started chan struct{}
	runs    []analyzer.Request
	sinks   []analyzer.ProgressSink
	results chan runResult
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan struct{}, 16),
		results: make(chan runResult),
	}
}

func (r *fakeRunner) Run(ctx context.Context, req analyzer.Request, sink analyzer.ProgressSink) (string, error) {
	r.mu.Lock()
	r.runs = append(r.runs, req)
	r.sinks = append(r.sinks, sink)
	r.mu.Unlock()
	r.started <- struct{}{}
	select {
	case res := <-r.results:
		return res.out, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *fakeRunner) startedRepos() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for _, req := range r.runs {
		out = append(out, req.RepoFullName)
	}
	return out
}

func (r *fakeRunner) sink(i int) analyzer.ProgressSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[i]
}

type sentEvent struct {
	name    string
	to      string // empty for broadcasts
	payload any
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	events  []sentEvent
	clients int
}

func (b *fakeBroadcaster) Broadcast(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{name: event, payload: payload})
}

func (b *fakeBroadcaster) SendTo(clientID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{name: event, to: clientID, payload: payload})
}

func (b *fakeBroadcaster) Clients() int { return b.clients }

func (b *fakeBroadcaster) byName(event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, e := range b.events {
		if e.name == event {
			out = append(out, e)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, maxPending int) (*Scheduler, *fakeRunner, *fakeBroadcaster) {
	t.Helper()
	runner := newFakeRunner()
	broadcaster := &fakeBroadcaster{clients: 2}
	s := New(context.Background(), runner, broadcaster, maxPending, nil, nil)
	return s, runner, broadcaster
}

func waitStarted(t *testing.T, runner *fakeRunner) {
	t.Helper()
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no job started in time")
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Status().IsRunning },
		2*time.Second, 5*time.Millisecond)
}

// TestSubmitRejectsWhenQueueFull counts the running job against the limit:
// with five jobs not yet settled the sixth submission bounces with a
// private capacity message.
func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	t.Parallel()

	s, runner, broadcaster := newTestScheduler(t, 5)
	for i := 0; i < 5; i++ {
		_, err := s.Submit(analyzer.Request{RepoFullName: "acme/widget"}, "client-a")
		require.NoError(t, err)
	}
	waitStarted(t, runner)
	require.True(t, s.Status().QueueFull)

	_, err := s.Submit(analyzer.Request{RepoFullName: "acme/late"}, "client-b")
	require.ErrorIs(t, err, ErrQueueFull)

	private := broadcaster.byName(EventMessage)
	require.Len(t, private, 1)
	require.Equal(t, "client-b", private[0].to)
	require.Equal(t, "Cannot add more. Wait for the current queue to clear.", private[0].payload)
}

// TestSubmitBroadcastsStatus pushes the aggregate status on every
// submission, so clients see the queue fill up while a job is running.
func TestSubmitBroadcastsStatus(t *testing.T) {
	t.Parallel()

	s, runner, broadcaster := newTestScheduler(t, 5)
	for i := 0; i < 5; i++ {
		_, err := s.Submit(analyzer.Request{RepoFullName: "acme/widget"}, "client-a")
		require.NoError(t, err)
	}
	waitStarted(t, runner)

	statuses := broadcaster.byName(EventStatus)
	require.GreaterOrEqual(t, len(statuses), 5)
	last := statuses[len(statuses)-1].payload.(Status)
	require.True(t, last.QueueFull)
	require.True(t, last.IsRunning)
}

// TestJobsRunOldestFirst starts pending jobs in submission order even
// though the list keeps newest first.
func TestJobsRunOldestFirst(t *testing.T) {
	t.Parallel()

	s, runner, _ := newTestScheduler(t, 5)
	for _, repo := range []string{"acme/first", "acme/second", "acme/third"} {
		_, err := s.Submit(analyzer.Request{RepoFullName: repo}, "client-a")
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		waitStarted(t, runner)
		runner.results <- runResult{out: "out.csv"}
	}
	waitIdle(t, s)

	require.Equal(t, []string{"acme/first", "acme/second", "acme/third"}, runner.startedRepos())

	// Snapshot stays newest first, with all jobs settled.
	snapshot := s.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, "acme/third", snapshot[0].Request.RepoFullName)
	for _, job := range snapshot {
		require.True(t, job.Progress.Done)
		require.Equal(t, "out.csv", job.OutputFile)
	}
}

// TestSettleAttachesError records the failure on the job and moves on to
// the next one.
func TestSettleAttachesError(t *testing.T) {
	t.Parallel()

	s, runner, _ := newTestScheduler(t, 5)
	failed, err := s.Submit(analyzer.Request{RepoFullName: "acme/broken"}, "client-a")
	require.NoError(t, err)
	ok, err := s.Submit(analyzer.Request{RepoFullName: "acme/fine"}, "client-a")
	require.NoError(t, err)

	waitStarted(t, runner)
	runner.results <- runResult{err: errors.New("analysis aborted: too small")}
	waitStarted(t, runner)
	runner.results <- runResult{out: "fine.csv"}
	waitIdle(t, s)

	snapshot := s.Snapshot()
	byUID := map[string]Job{}
	for _, j := range snapshot {
		byUID[j.UID] = j
	}
	require.Equal(t, "analysis aborted: too small", byUID[failed.UID].Progress.Error)
	require.True(t, byUID[failed.UID].Progress.Done)
	require.Empty(t, byUID[failed.UID].OutputFile)
	require.Empty(t, byUID[ok.UID].Progress.Error)
	require.Equal(t, "fine.csv", byUID[ok.UID].OutputFile)
}

// TestOpUpdateOnStartAndProgress announces the running flag as soon as a
// job starts and forwards runner progress as further op-update events.
func TestOpUpdateOnStartAndProgress(t *testing.T) {
	t.Parallel()

	s, runner, broadcaster := newTestScheduler(t, 5)
	job, err := s.Submit(analyzer.Request{RepoFullName: "acme/widget"}, "client-a")
	require.NoError(t, err)
	waitStarted(t, runner)

	// The start itself is announced before the runner publishes anything.
	updates := broadcaster.byName(EventOpUpdate)
	require.NotEmpty(t, updates)
	start := updates[0].payload.(Job)
	require.Equal(t, job.UID, start.UID)
	require.True(t, start.Progress.Running)
	require.False(t, start.Progress.Done)

	runner.sink(0).Publish(analyzer.Progress{Running: true, PhaseIndex: 2, PhaseCount: 5, Fraction: 0.4})
	runner.results <- runResult{out: "out.csv"}
	waitIdle(t, s)

	updates = broadcaster.byName(EventOpUpdate)
	require.GreaterOrEqual(t, len(updates), 2)
	second := updates[1].payload.(Job)
	require.Equal(t, job.UID, second.UID)
	require.InDelta(t, 0.4, second.Progress.Fraction, 1e-9)
}

// TestClientConnected broadcasts the status and sends the newcomer a
// private job list snapshot.
func TestClientConnected(t *testing.T) {
	t.Parallel()

	s, _, broadcaster := newTestScheduler(t, 5)
	s.ClientConnected("client-z")

	statuses := broadcaster.byName(EventStatus)
	require.NotEmpty(t, statuses)
	status := statuses[0].payload.(Status)
	require.Equal(t, 2, status.ClientsCount)
	require.False(t, status.IsRunning)
	require.False(t, status.QueueFull)

	lists := broadcaster.byName(EventOpsList)
	require.Len(t, lists, 1)
	require.Equal(t, "client-z", lists[0].to)
}

// TestUIDCollisionRetried draws a fresh id when the generator repeats.
func TestUIDCollisionRetried(t *testing.T) {
	t.Parallel()

	s, runner, _ := newTestScheduler(t, 5)
	ids := []string{"dup", "dup", "unique"}
	s.newUID = func() string {
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}

	first, err := s.Submit(analyzer.Request{RepoFullName: "acme/one"}, "client-a")
	require.NoError(t, err)
	second, err := s.Submit(analyzer.Request{RepoFullName: "acme/two"}, "client-a")
	require.NoError(t, err)
	require.Equal(t, "dup", first.UID)
	require.Equal(t, "unique", second.UID)

	waitStarted(t, runner)
	runner.results <- runResult{}
	waitStarted(t, runner)
	runner.results <- runResult{}
	waitIdle(t, s)
}
