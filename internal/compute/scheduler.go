package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackyluk/genericOCL/internal/utils"
)

// Policy selects the unit implementation
type Policy string

const (
	// PolicyPersistent keeps one goroutine per unit for the scheduler's lifetime
	PolicyPersistent Policy = "persistent"
	// PolicySpawn starts a goroutine per work item
	PolicySpawn Policy = "spawn"
)

const DefaultPoolSize = 128

var (
	ErrDeadlineExceeded = errors.New("compute: execution deadline exceeded")
	ErrSchedulerBusy    = errors.New("compute: scheduler busy")
	ErrSchedulerClosed  = errors.New("compute: scheduler closed")
)

// SchedulerConfig configures a Scheduler
type SchedulerConfig struct {
	PoolSize int
	Policy   Policy
	// Deadline bounds a whole AddWork call, zero means unbounded
	Deadline time.Duration
	Logger   *utils.Logger
}

// DefaultSchedulerConfig mirrors the device defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PoolSize: DefaultPoolSize,
		Policy:   PolicyPersistent,
	}
}

// Job is one NDRange execution request
type Job struct {
	ArtifactPath string
	// Generation changes whenever the artifact at ArtifactPath is replaced
	Generation uint64
	X, Y, Z    uint32
}

// Items returns the number of work items in the job
func (j Job) Items() uint64 {
	return uint64(j.X) * uint64(j.Y) * uint64(j.Z)
}

// Report summarises a finished AddWork call
type Report struct {
	Items      uint64
	Dispatched uint64
	Failed     uint64
	Elapsed    time.Duration
}

// Stats is a consistent snapshot of the pool
type Stats struct {
	PoolSize int
	Free     int
	Busy     int
}

// Scheduler distributes the work items of a job across its unit pool and
// returns once every dispatched item has retired. Free and busy units are
// tracked under one lock so Free+Busy always equals PoolSize.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *utils.Logger
	units  []Unit

	mu       sync.Mutex
	cond     *sync.Cond
	free     []Unit
	busy     map[int]Unit
	active   bool
	closed   bool
	failed   uint64
	firstErr error
}

// NewScheduler builds the unit pool. Units load kernels through loader and
// execute against mem.
func NewScheduler(cfg SchedulerConfig, loader KernelLoader, mem Memory) (*Scheduler, error) {
	if loader == nil {
		return nil, errors.New("compute: nil kernel loader")
	}
	if mem == nil {
		return nil, errors.New("compute: nil memory")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyPersistent
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("scheduler")
	}

	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger,
		units:  make([]Unit, 0, cfg.PoolSize),
		free:   make([]Unit, 0, cfg.PoolSize),
		busy:   make(map[int]Unit, cfg.PoolSize),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < cfg.PoolSize; i++ {
		var u Unit
		switch cfg.Policy {
		case PolicyPersistent:
			u = NewPersistentUnit(i, loader, mem, s.unitDone)
		case PolicySpawn:
			u = NewSpawnUnit(i, loader, mem, s.unitDone)
		default:
			s.closeUnits()
			return nil, fmt.Errorf("compute: unknown unit policy %q", cfg.Policy)
		}
		s.units = append(s.units, u)
		s.free = append(s.free, u)
	}
	return s, nil
}

// unitDone returns a unit to the free queue
func (s *Scheduler) unitDone(u Unit, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failed++
		if s.firstErr == nil {
			s.firstErr = err
		}
	}
	s.release(u)
}

// release must be called with s.mu held
func (s *Scheduler) release(u Unit) {
	delete(s.busy, u.ID())
	s.free = append(s.free, u)
	s.cond.Broadcast()
}

// acquire blocks until a unit is free or ctx ends
func (s *Scheduler) acquire(ctx context.Context) (Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.free) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
	u := s.free[0]
	s.free[0] = nil
	s.free = s.free[1:]
	s.busy[u.ID()] = u
	return u, nil
}

// drain blocks until every unit is back in the free queue or ctx ends
func (s *Scheduler) drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.busy) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// AddWork runs kernel(x, y, z) for every point of the job's work space, z
// outermost and x innermost, and returns after a barrier on all units. Only
// one AddWork runs at a time. A call that hits the deadline returns
// ErrDeadlineExceeded and the scheduler refuses further work until the
// stragglers retire.
func (s *Scheduler) AddWork(ctx context.Context, job Job) (Report, error) {
	start := time.Now()
	report := Report{Items: job.Items()}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return report, ErrSchedulerClosed
	case s.active || len(s.busy) > 0:
		s.mu.Unlock()
		return report, ErrSchedulerBusy
	}
	s.active = true
	s.failed = 0
	s.firstErr = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	if s.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Deadline)
		defer cancel()
	}
	// Wake cond waiters when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	dispatchErr := s.dispatch(ctx, job, &report)

	if err := s.drain(ctx); err != nil {
		report.Elapsed = time.Since(start)
		s.logger.Error("Work items still running at deadline",
			utils.Uint64("dispatched", report.Dispatched),
			utils.Int("busy", s.Stats().Busy),
			utils.Err(err),
		)
		return report, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	for _, u := range s.units {
		u.Join()
	}

	s.mu.Lock()
	report.Failed = s.failed
	firstErr := s.firstErr
	s.mu.Unlock()
	report.Elapsed = time.Since(start)

	switch {
	case dispatchErr != nil && ctx.Err() != nil:
		return report, fmt.Errorf("%w: %v", ErrDeadlineExceeded, dispatchErr)
	case dispatchErr != nil:
		return report, dispatchErr
	case firstErr != nil:
		return report, fmt.Errorf("%d of %d work items failed: %w", report.Failed, report.Dispatched, firstErr)
	}

	s.logger.Debug("Work complete",
		utils.Uint64("items", report.Items),
		utils.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

func (s *Scheduler) dispatch(ctx context.Context, job Job, report *Report) error {
	for z := 0; z < int(job.Z); z++ {
		for y := 0; y < int(job.Y); y++ {
			for x := 0; x < int(job.X); x++ {
				u, err := s.acquire(ctx)
				if err != nil {
					return err
				}
				u.Join()

				if u.Generation() != job.Generation {
					if err := u.LoadKernel(job.ArtifactPath, job.Generation); err != nil {
						s.giveBack(u)
						return fmt.Errorf("%w: %v", ErrKernelLoad, err)
					}
				}
				if err := u.Run(x, y, z); err != nil {
					s.giveBack(u)
					return err
				}
				report.Dispatched++
			}
		}
	}
	return nil
}

func (s *Scheduler) giveBack(u Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(u)
}

// Stats returns a snapshot of the pool
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{PoolSize: len(s.units), Free: len(s.free), Busy: len(s.busy)}
}

// PoolSize returns the number of units
func (s *Scheduler) PoolSize() int {
	return len(s.units)
}

// Close stops every unit. It waits for in-flight items.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.closeUnits()
}

func (s *Scheduler) closeUnits() error {
	var errs []error
	for _, u := range s.units {
		if err := u.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
