package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/queue/memory"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

// ErrBusy is returned by Submit when the backlog is full.
var ErrBusy = errors.New("fetch backlog is full")

type item struct {
	rec storage.Record
	job Job
}

// Pool runs jobs on a fixed number of background workers.
type Pool struct {
	pipeline *Pipeline
	queue    *memory.Queue[item]
	workers  int
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewPool builds a pool with the given worker count and backlog size.
func NewPool(p *Pipeline, workers, backlog int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		pipeline: p,
		queue:    memory.NewQueue[item](backlog),
		workers:  workers,
		logger:   logger,
	}
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (w *Pool) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.run(ctx, n)
		}(i)
	}
}

// Stop closes the backlog and waits for in-flight jobs to finish. Jobs that
// never reached a worker are recorded as done so no record stays queued.
func (w *Pool) Stop(ctx context.Context) {
	w.queue.Close()
	w.wg.Wait()
	for _, it := range w.queue.Drain() {
		w.abandon(ctx, it.rec, "shutdown before start")
	}
}

// abandon finalizes a record whose job will not run.
func (w *Pool) abandon(ctx context.Context, rec storage.Record, reason string) storage.Record {
	rec.State = storage.StateDone
	rec.Result.ErrorMsg = reason
	rec.CompletedAt = w.pipeline.deps.Clock.Now()
	if err := w.pipeline.deps.Records.Save(ctx, rec); err != nil {
		w.logger.Warn("save abandoned record failed", zap.String("run_id", rec.ID), zap.Error(err))
		return rec
	}
	w.logger.Info("job abandoned", zap.String("run_id", rec.ID), zap.String("reason", reason))
	return rec
}

// Submit records job as queued and hands it to a worker.
func (w *Pool) Submit(ctx context.Context, job Job) (storage.Record, error) {
	rec, err := w.pipeline.Queued(ctx, job)
	if err != nil {
		return storage.Record{}, err
	}
	if err := w.queue.TryEnqueue(item{rec: rec, job: job}); err != nil {
		rec = w.abandon(ctx, rec, "rejected: "+err.Error())
		if errors.Is(err, memory.ErrFull) {
			return rec, ErrBusy
		}
		return rec, fmt.Errorf("enqueue: %w", err)
	}
	w.logger.Debug("job queued", zap.String("run_id", rec.ID), zap.String("url", job.Request.URL))
	return rec, nil
}

func (w *Pool) run(ctx context.Context, n int) {
	logger := w.logger.With(zap.Int("worker", n))
	for {
		it, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued job", zap.String("run_id", it.rec.ID))
		if _, err := w.pipeline.Process(ctx, it.rec, it.job); err != nil {
			logger.Warn("job finished with errors", zap.String("run_id", it.rec.ID), zap.Error(err))
		}
	}
}
