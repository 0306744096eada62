// Package scheduler serializes analysis jobs: one runs at a time, a small
// bounded queue holds the rest, and every state change is pushed to the
// connected clients.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/githubkpis/analyzer/internal/analyzer"
	"github.com/githubkpis/analyzer/internal/metrics"
)

// Wire event names shared with the browser clients.
const (
	EventOpsList  = "@ghk:ops-list"
	EventOpUpdate = "@ghk:op-update"
	EventMessage  = "@ghk:message"
	EventStatus   = "@ghk:status"

	// EventOpAdd is the client-to-server submission event.
	EventOpAdd = "@ghk/op/add"
)

// capacityMessage is sent privately to a submitter bouncing off the full
// queue. The wording is part of the client protocol.
const capacityMessage = "Cannot add more. Wait for the current queue to clear."

// ErrQueueFull rejects submissions beyond the pending limit.
var ErrQueueFull = errors.New("job queue is full")

// Runner executes one analysis job. The analyzer satisfies this.
type Runner interface {
	Run(ctx context.Context, req analyzer.Request, sink analyzer.ProgressSink) (string, error)
}

// Broadcaster pushes events to clients. The websocket hub satisfies this;
// a nil-safe no-op keeps the scheduler testable without a transport.
type Broadcaster interface {
	Broadcast(event string, payload any)
	SendTo(clientID, event string, payload any)
	Clients() int
}

// Job is one queued or finished analysis operation.
type Job struct {
	UID         string            `json:"uid"`
	Request     analyzer.Request  `json:"request"`
	Progress    analyzer.Progress `json:"progress"`
	RequesterID string            `json:"requesterId"`
	OutputFile  string            `json:"outputFile,omitempty"`
	SubmittedAt int64             `json:"submittedAt"`
}

// Status is the aggregate server state broadcast on every transition.
type Status struct {
	ClientsCount int  `json:"clientsCount"`
	IsRunning    bool `json:"isRunning"`
	QueueFull    bool `json:"opQueueFull"`
}

// Scheduler holds the job list, newest first. Pending jobs are started from
// the back of the list, oldest submission first.
type Scheduler struct {
	runner      Runner
	broadcaster Broadcaster
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxPending  int
	baseCtx     context.Context

	mu      sync.Mutex // guards jobs and running
	jobs    []*Job
	running *Job

	// newUID is indirect so tests can force collisions.
	newUID func() string
}

// New constructs a Scheduler. Jobs run on ctx, so cancelling it stops the
// in-flight analysis. The logger and metrics may be nil.
func New(ctx context.Context, runner Runner, broadcaster Broadcaster, maxPending int, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:      runner,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     m,
		maxPending:  maxPending,
		baseCtx:     ctx,
		newUID:      uuid.NewString,
	}
}

// Submit queues one job. A full queue bounces the request with a private
// message to the submitter instead of an event storm for everyone.
func (s *Scheduler) Submit(req analyzer.Request, requesterID string) (*Job, error) {
	s.mu.Lock()
	if s.pendingCountLocked() >= s.maxPending {
		s.mu.Unlock()
		s.logger.Warn("job queue full; rejecting submission",
			zap.String("repo", req.RepoFullName), zap.String("requester", requesterID))
		if s.broadcaster != nil {
			s.broadcaster.SendTo(requesterID, EventMessage, capacityMessage)
		}
		return nil, ErrQueueFull
	}

	job := &Job{
		UID:         s.uniqueUIDLocked(),
		Request:     req,
		Progress:    analyzer.NewProgress(),
		RequesterID: requesterID,
		SubmittedAt: time.Now().Unix(),
	}
	s.jobs = append([]*Job{job}, s.jobs...)
	s.mu.Unlock()

	s.logger.Info("job queued",
		zap.String("uid", job.UID),
		zap.String("repo", req.RepoFullName),
		zap.Int("max_stars_per_user", req.MaxStarsPerUser))
	s.broadcastOpsList()
	// Queueing alone can flip the queue-full flag, so the status goes out
	// even when nothing starts.
	s.broadcastStatus()
	s.startNext()
	return job, nil
}

// uniqueUIDLocked draws ids until one is free. Collisions are practically
// impossible but retrying costs nothing.
func (s *Scheduler) uniqueUIDLocked() string {
	for {
		uid := s.newUID()
		taken := false
		for _, j := range s.jobs {
			if j.UID == uid {
				taken = true
				break
			}
		}
		if !taken {
			return uid
		}
	}
}

// pendingCountLocked counts jobs not yet settled, the running one
// included.
func (s *Scheduler) pendingCountLocked() int {
	n := 0
	for _, j := range s.jobs {
		if !j.Progress.Done {
			n++
		}
	}
	return n
}

// startNext launches the oldest pending job unless one is already running.
func (s *Scheduler) startNext() {
	s.mu.Lock()
	if s.running != nil {
		s.mu.Unlock()
		return
	}
	var next *Job
	for i := len(s.jobs) - 1; i >= 0; i-- {
		if !s.jobs[i].Progress.Done {
			next = s.jobs[i]
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return
	}
	s.running = next
	next.Progress.Running = true
	s.mu.Unlock()

	s.metrics.JobRunning(true)
	s.broadcastOpUpdate(next)
	s.broadcastStatus()
	s.logger.Info("job started",
		zap.String("uid", next.UID), zap.String("repo", next.Request.RepoFullName))

	go func() {
		sink := analyzer.ProgressFunc(func(p analyzer.Progress) {
			s.mu.Lock()
			next.Progress = p
			s.mu.Unlock()
			s.broadcastOpUpdate(next)
		})
		out, err := s.runner.Run(s.baseCtx, next.Request, sink)
		s.settle(next, out, err)
	}()
}

// settle finalizes a finished job and kicks off the next one.
func (s *Scheduler) settle(job *Job, outputFile string, runErr error) {
	s.mu.Lock()
	job.Progress.Done = true
	job.Progress.Running = false
	job.OutputFile = outputFile
	if runErr != nil {
		job.Progress.Error = runErr.Error()
	}
	if s.running != job {
		s.logger.Error("settled a job that was not the running one",
			zap.String("uid", job.UID))
	}
	s.running = nil
	s.mu.Unlock()

	s.metrics.JobRunning(false)
	if runErr != nil {
		s.metrics.JobCompleted("error")
		s.logger.Error("job failed",
			zap.String("uid", job.UID),
			zap.String("repo", job.Request.RepoFullName),
			zap.Error(runErr))
	} else {
		s.metrics.JobCompleted("ok")
		s.logger.Info("job finished",
			zap.String("uid", job.UID),
			zap.String("repo", job.Request.RepoFullName),
			zap.String("output", outputFile))
	}

	s.broadcastOpUpdate(job)
	s.broadcastStatus()
	s.startNext()
}

// Snapshot copies the current job list, newest first.
func (s *Scheduler) Snapshot() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Status reports the aggregate state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := 0
	if s.broadcaster != nil {
		clients = s.broadcaster.Clients()
	}
	return Status{
		ClientsCount: clients,
		IsRunning:    s.running != nil,
		QueueFull:    s.pendingCountLocked() >= s.maxPending,
	}
}

// ClientConnected greets a new client with the aggregate status for
// everyone and a private snapshot of the job list for the newcomer.
func (s *Scheduler) ClientConnected(clientID string) {
	s.broadcastStatus()
	if s.broadcaster != nil {
		s.broadcaster.SendTo(clientID, EventOpsList, s.Snapshot())
	}
}

// ClientDisconnected refreshes the client count for the remaining clients.
func (s *Scheduler) ClientDisconnected(clientID string) {
	s.logger.Debug("client disconnected", zap.String("client", clientID))
	s.broadcastStatus()
}

func (s *Scheduler) broadcastOpsList() {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(EventOpsList, s.Snapshot())
}

func (s *Scheduler) broadcastOpUpdate(job *Job) {
	if s.broadcaster == nil {
		return
	}
	s.mu.Lock()
	snapshot := *job
	s.mu.Unlock()
	s.broadcaster.Broadcast(EventOpUpdate, snapshot)
}

func (s *Scheduler) broadcastStatus() {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(EventStatus, s.Status())
}
