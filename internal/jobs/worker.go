package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortemi/fortemi/internal/logging"
	"github.com/fortemi/fortemi/internal/metrics"
	"github.com/fortemi/fortemi/internal/model"
)

var errCancelled = errors.New("job cancelled")

func errNoHandler(t model.JobType) error {
	return fmt.Errorf("no handler registered for job type %q", t)
}

// Handler runs one job type to completion, reporting progress through
// report as it goes. Handlers live in internal/pipeline; this package only
// knows the interface shape.
type Handler interface {
	JobType() model.JobType
	Run(ctx context.Context, job *model.Job, report func(percent int, message string)) error
}

// Pool runs one claim loop per tier, each on its own ticker, mirroring the
// per-concern goroutine-plus-stopCh shape of a container lifecycle
// scheduler generalized here to job claim-and-run instead of container
// start/stop/health-check.
type Pool struct {
	sched    *Scheduler
	log      *zap.Logger
	handlers map[model.JobType]Handler
	tiers    []model.Tier
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewPool builds a Pool. interval controls how often each tier goroutine
// polls for a claimable job when idle.
func NewPool(sched *Scheduler, log *zap.Logger, handlers []Handler, tiers []model.Tier, interval time.Duration) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	hmap := make(map[model.JobType]Handler, len(handlers))
	for _, h := range handlers {
		hmap[h.JobType()] = h
	}
	return &Pool{
		sched:    sched,
		log:      log,
		handlers: hmap,
		tiers:    tiers,
		interval: interval,
		stopCh:   make(chan struct{}),
		running:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start launches one claim loop per configured tier. Returns immediately;
// call Stop to request graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	for _, tier := range p.tiers {
		p.wg.Add(1)
		go p.tierLoop(ctx, tier)
	}
}

// Stop signals every tier loop to exit and blocks until they drain.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) tierLoop(ctx context.Context, tier model.Tier) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRunOne(ctx, tier)
		}
	}
}

func (p *Pool) claimAndRunOne(ctx context.Context, tier model.Tier) {
	job, err := p.sched.ClaimNext(ctx, tier)
	if err != nil {
		p.log.Error("claim failed", zap.String("tier", string(tier)), zap.Error(err))
		return
	}
	if job == nil {
		return
	}

	paused, err := p.sched.IsPaused(ctx, job.Archive)
	if err != nil {
		p.log.Error("pause check failed", zap.Error(err))
	}
	if paused {
		if requeueErr := p.sched.Requeue(ctx, job.ID); requeueErr != nil {
			p.log.Error("requeue paused job failed", zap.Error(requeueErr))
		}
		return
	}

	p.runJob(ctx, job)
}

func (p *Pool) runJob(ctx context.Context, job *model.Job) {
	fields := logging.JobFields(job.ID.String(), string(job.Type), job.Archive)
	log := p.log.With(fields...)

	handler, ok := p.handlers[job.Type]
	if !ok {
		log.Error("no handler registered for job type")
		_ = p.sched.Fail(ctx, job, errNoHandler(job.Type))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	key := job.ID
	p.mu.Lock()
	p.running[key] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, key)
		p.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	report := func(percent int, message string) {
		if err := p.sched.ReportProgress(ctx, job.ID, percent, message); err != nil {
			log.Warn("progress report failed", zap.Error(err))
		}
	}

	err := RunWithRetry(runCtx, func() error {
		current, getErr := p.sched.Get(runCtx, job.ID)
		if getErr == nil && current.CancelRequested {
			return errCancelled
		}
		return handler.Run(runCtx, job, report)
	})

	outcome := "success"
	switch {
	case errors.Is(err, errCancelled):
		outcome = "cancelled"
		if finalizeErr := p.sched.FinalizeCancel(ctx, job.ID); finalizeErr != nil {
			log.Error("finalize cancel failed", zap.Error(finalizeErr))
		}
	case err != nil:
		outcome = "failure"
		log.Error("job failed", zap.Error(err))
		if failErr := p.sched.Fail(ctx, job, err); failErr != nil {
			log.Error("mark failed error", zap.Error(failErr))
		}
	default:
		if completeErr := p.sched.Complete(ctx, job); completeErr != nil {
			log.Error("mark completed error", zap.Error(completeErr))
		}
	}

	metrics.JobsRunDuration.WithLabelValues(string(job.Type), outcome).Observe(time.Since(start).Seconds())
}

// CancelRunning requests cancellation of a job if it is currently being
// run by this pool instance, in addition to flagging it in the database
// via Scheduler.RequestCancel.
func (p *Pool) CancelRunning(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[jobID]; ok {
		cancel()
	}
}
