// Package scheduler runs the background jobs on fixed intervals or fixed
// daily times, one execution per job at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusy is returned when a job is already running or the API lock
	// could not be taken in time.
	ErrBusy = errors.New("job busy, try again later")
	// ErrUnknownJob is returned for a job name that was never registered.
	ErrUnknownJob = errors.New("unknown job")
	// ErrDisabled is returned when the scheduler must not run in this process.
	ErrDisabled = errors.New("scheduler disabled")
	// ErrCooldown is returned when an API job is skipped because the
	// exchange asked us to back off.
	ErrCooldown = errors.New("exchange cooldown active")
)

// Job is one unit of scheduled work. Exactly one of Every or At is set.
type Job struct {
	Name string
	// Every runs the job on a fixed interval.
	Every time.Duration
	// At runs the job daily at "HH:MM" in the scheduler's timezone.
	At string
	// UsesAPI jobs share the API lock and are skipped during a cooldown.
	UsesAPI bool
	// RunOnStart fires the job once right after Start.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

func (j Job) schedule() string {
	if j.At != "" {
		return "daily@" + j.At
	}
	return "every " + j.Every.String()
}

// JobStatus is the runtime state of one job.
type JobStatus struct {
	Name         string    `json:"name"`
	Schedule     string    `json:"schedule"`
	Running      bool      `json:"running"`
	Runs         int64     `json:"runs"`
	Skips        int64     `json:"skips"`
	LastStart    time.Time `json:"last_start,omitempty"`
	LastDuration string    `json:"last_duration,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	NextRun      time.Time `json:"next_run,omitempty"`
}

type entry struct {
	job     Job
	running atomic.Bool
	kick    chan struct{}

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns the registered jobs and their timers.
type Scheduler struct {
	logger   *zap.Logger
	loc      *time.Location
	lockWait time.Duration
	apiLock  chan struct{}
	cooldown func() bool

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a Scheduler. Daily jobs fire in loc. API jobs wait at most
// lockWait for each other; a non-positive wait disables the API lock.
// cooldown, when set, reports whether API jobs must be skipped.
func New(logger *zap.Logger, loc *time.Location, lockWait time.Duration, cooldown func() bool) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		logger:   logger.Named("scheduler"),
		loc:      loc,
		lockWait: lockWait,
		apiLock:  make(chan struct{}, 1),
		cooldown: cooldown,
		jobs:     make(map[string]*entry),
		now:      time.Now,
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if (job.Every > 0) == (job.At != "") {
		return fmt.Errorf("job %s: exactly one of Every or At must be set", job.Name)
	}
	if job.At != "" {
		if _, err := parseClock(job.At); err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", job.Name)
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{
		job:    job,
		kick:   make(chan struct{}, 1),
		status: JobStatus{Name: job.Name, Schedule: job.schedule()},
	}
	return nil
}

// Start launches one timer loop per job. The loops stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(entries)))
}

// Wait blocks until every timer loop and in-flight run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.job.RunOnStart {
		s.fire(ctx, e, "startup")
	}
	for {
		next := s.next(e.job, s.now())
		e.mu.Lock()
		e.status.NextRun = next
		e.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, e, "schedule")
		case <-e.kick:
			timer.Stop()
			s.fire(ctx, e, "kick")
		}
	}
}

func (s *Scheduler) next(job Job, now time.Time) time.Time {
	if job.At != "" {
		next, _ := nextDaily(now, job.At, s.loc)
		return next
	}
	return now.Add(job.Every)
}

// fire starts a run in the background so the timer keeps ticking; triggers
// that land while the run is active are skipped.
func (s *Scheduler) fire(ctx context.Context, e *entry, source string) {
	release, err := s.claim(ctx, e, source)
	if err != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		_ = s.execute(ctx, e, source)
	}()
}

// claim marks the job running and, for API jobs, takes the API lock.
func (s *Scheduler) claim(ctx context.Context, e *entry, source string) (func(), error) {
	log := s.logger.With(zap.String("job", e.job.Name), zap.String("trigger", source))

	if !e.running.CompareAndSwap(false, true) {
		s.skipped(e)
		log.Info("Job still running, skipping trigger")
		return nil, ErrBusy
	}
	if !e.job.UsesAPI {
		return func() { e.running.Store(false) }, nil
	}

	if s.cooldown != nil && s.cooldown() {
		e.running.Store(false)
		s.skipped(e)
		log.Warn("Exchange cooldown active, skipping job")
		return nil, ErrCooldown
	}
	if s.lockWait <= 0 {
		return func() { e.running.Store(false) }, nil
	}

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case s.apiLock <- struct{}{}:
		return func() {
			<-s.apiLock
			e.running.Store(false)
		}, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	e.running.Store(false)
	s.skipped(e)
	log.Warn("API job lock busy, skipping job", zap.Duration("waited", s.lockWait))
	return nil, ErrBusy
}

func (s *Scheduler) skipped(e *entry) {
	e.mu.Lock()
	e.status.Skips++
	e.mu.Unlock()
}

// execute runs the job body. Panics are recovered and reported as errors.
func (s *Scheduler) execute(ctx context.Context, e *entry, source string) (err error) {
	log := s.logger.With(zap.String("job", e.job.Name), zap.String("trigger", source))
	start := s.now()

	e.mu.Lock()
	e.status.LastStart = start
	e.status.Running = true
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.job.Name, r)
			log.Error("Job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}

		elapsed := s.now().Sub(start)
		e.mu.Lock()
		e.status.Running = false
		e.status.Runs++
		e.status.LastDuration = elapsed.String()
		e.status.LastError = ""
		if err != nil {
			e.status.LastError = err.Error()
		}
		e.mu.Unlock()

		if err != nil {
			log.Error("Job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
			return
		}
		log.Info("Job finished", zap.Duration("elapsed", elapsed))
	}()

	return e.job.Run(ctx)
}

func (s *Scheduler) lookup(name string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return e, nil
}

// RunNow runs a job synchronously. It fails fast with ErrBusy when the job
// is already running or the API lock stays taken for the configured wait.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	release, err := s.claim(ctx, e, "manual")
	if err != nil {
		return err
	}
	defer release()
	return s.execute(ctx, e, "manual")
}

// Trigger claims a job like RunNow but runs it in the background, detached
// from ctx once claimed.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	release, err := s.claim(ctx, e, "manual")
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		_ = s.execute(context.WithoutCancel(ctx), e, "manual")
	}()
	return nil
}

// Kick asks a started job to run as soon as possible. Repeated kicks before
// the loop picks one up collapse into one.
func (s *Scheduler) Kick(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return nil
}

// Status returns the state of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
