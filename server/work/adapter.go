package work

import (
	"fmt"

	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	"github.com/vitaltag/vitaltag/server/cron"
	"github.com/vitaltag/vitaltag/server/models"
)

const MAX_CONCURRENCY = 1

type WorkerPoolAdapter struct {
	cronScheduler      *gocron.Scheduler
	pool               *workerPool
	scheduledRequeuer  *requeuer
	inProgressReaper   *stuckJobsReaper
	disablePeriodicJob bool
}

// NewWorkerAdapter wires the cron scheduler, the worker pool & the loops
// that keep the job queue healthy. 'testMode' skips the periodic-job
// scheduler so tests control timing themselves.
func NewWorkerAdapter(timeZoneArg string, testMode bool) *WorkerPoolAdapter {
	return &WorkerPoolAdapter{
		cronScheduler:      cron.NewCronScheduler(timeZoneArg),
		pool:               newWorkerPool(MAX_CONCURRENCY),
		scheduledRequeuer:  newRequeuer(),
		inProgressReaper:   newStuckJobsReaper(),
		disablePeriodicJob: testMode,
	}
}

// Start starts the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Start() error {
	logg.Info("Starting cron scheduler & worker pool")
	if !adapter.disablePeriodicJob {
		adapter.cronScheduler.StartAsync()
	}
	adapter.pool.start()
	adapter.scheduledRequeuer.start()
	adapter.inProgressReaper.start()

	return nil
}

// Stop stops the cron scheduler & worker pool
func (adapter *WorkerPoolAdapter) Stop() error {
	logg.Info("Stopping cron scheduler & worker pool")
	adapter.cronScheduler.Stop()
	adapter.pool.stop()
	adapter.scheduledRequeuer.stop()
	adapter.inProgressReaper.stop()

	return nil
}

// Register binds a name to a handler.
func (adapter *WorkerPoolAdapter) Register(name string, handler Handler) error {
	return adapter.pool.registerHandler(name, handler)
}

// Perform sends a new job to the queue, now - to be executed as soon as a
// worker is available
func (adapter *WorkerPoolAdapter) Perform(job JobParams) error {
	logg.Infof("Enqueuing job: %v", job.Name)

	err := adapter.pool.enqueue(job)
	if errors.Is(err, models.ErrDuplicateJob) {
		logg.Warnf("Duplicate job already in queue for: %v", job.Name)
		return nil
	}

	if err != nil {
		return fmt.Errorf("error enqueuing job: %v, %v", job.Name, err)
	}

	return nil
}

// PerformIn schedules a job to be enqueued 'secondsInFuture' from now.
func (adapter *WorkerPoolAdapter) PerformIn(secondsInFuture int64, job JobParams) error {
	return adapter.pool.enqueueIn(secondsInFuture, job)
}

// PeriodicallyPerform adds a job to the queue (to be executed) periodically,
// based on the 'cronExpression' provided
func (adapter *WorkerPoolAdapter) PeriodicallyPerform(cronExpression string, job JobParams) error {
	_, err := adapter.cronScheduler.Cron(cronExpression).Tag(job.Name).
		Do(
			func(job JobParams) {
				if err := adapter.Perform(job); err != nil {
					logg.Error(err)
				}
			},
			job,
		)

	return err
}

func (adapter *WorkerPoolAdapter) RemovePeriodicJob(jobName string) {
	adapter.cronScheduler.RemoveByTag(jobName)
}
