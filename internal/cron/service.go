// Package cron runs the bot's periodic jobs on second-resolution cron
// expressions. A job never overlaps with itself.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/pkg/logger"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already registered")
	ErrJobRunning  = errors.New("job is already running")
)

const stopTimeout = 5 * time.Second

// JobFunc is the work a job does on each run.
type JobFunc func(ctx context.Context) error

type JobState struct {
	Runs         int           `json:"runs"`
	Skipped      int           `json:"skipped"`
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	LastStatus   string        `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError    string        `json:"lastError,omitempty"`
}

// Job is a snapshot of a registered job.
type Job struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	Next     time.Time `json:"next,omitempty"`
	State    JobState  `json:"state"`
}

type job struct {
	name     string
	schedule rcron.Schedule
	expr     string
	fn       JobFunc
	enabled  bool
	entry    rcron.EntryID
	running  sync.Mutex
	state    JobState
}

type Service struct {
	mu     sync.Mutex
	jobs   map[string]*job
	order  []string
	cron   *rcron.Cron
	parser rcron.Parser
	log    *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
}

func NewService(log *logger.Logger) *Service {
	l := logger.OrNop(log).Named("cron")
	return &Service{
		jobs:   make(map[string]*job),
		cron:   rcron.New(rcron.WithSeconds(), rcron.WithChain(rcron.Recover(cronLogger{l}))),
		parser: rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor),
		log:    l,
		ctx:    context.Background(),
	}
}

// AddJob registers fn under name on a six-field cron expression (seconds
// first) or a descriptor such as "@every 5m". Jobs added after Start are
// scheduled immediately.
func (s *Service) AddJob(name, expr string, fn JobFunc) error {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	j := &job{name: name, schedule: sched, expr: expr, fn: fn, enabled: true}
	s.register(j)
	s.jobs[name] = j
	s.order = append(s.order, name)
	return nil
}

func (s *Service) register(j *job) {
	j.entry = s.cron.Schedule(j.schedule, rcron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if err := s.execute(ctx, j); errors.Is(err, ErrJobRunning) {
			s.log.Warn("previous run still in progress, skipping", zap.String("job", j.name))
		}
	}))
}

// execute runs j unless a run is already in progress.
func (s *Service) execute(ctx context.Context, j *job) error {
	if !j.running.TryLock() {
		s.mu.Lock()
		j.state.Skipped++
		s.mu.Unlock()
		return ErrJobRunning
	}
	defer j.running.Unlock()

	start := time.Now()
	s.log.Debug("executing job", zap.String("job", j.name))
	err := j.fn(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = start
	j.state.LastDuration = elapsed
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", zap.String("job", j.name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		s.log.Info("job finished", zap.String("job", j.name), zap.Duration("elapsed", elapsed))
	}
	return err
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(ctx, j)
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop halts scheduling and waits for running jobs, up to a timeout.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	select {
	case <-s.cron.Stop().Done():
	case <-time.After(stopTimeout):
		s.log.Warn("stop timeout waiting for running jobs")
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if j.enabled {
		s.cron.Remove(j.entry)
	}
	delete(s.jobs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Service) EnableJob(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	switch {
	case enabled && !j.enabled:
		s.register(j)
	case !enabled && j.enabled:
		s.cron.Remove(j.entry)
	}
	j.enabled = enabled
	return nil
}

// ListJobs returns the registered jobs in registration order.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.order))
	for _, name := range s.order {
		j := s.jobs[name]
		snap := Job{Name: j.name, Schedule: j.expr, Enabled: j.enabled, State: j.state}
		if j.enabled {
			snap.Next = s.cron.Entry(j.entry).Next
		}
		out = append(out, snap)
	}
	return out
}

// cronLogger adapts the bot logger to robfig/cron's logging interface.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
