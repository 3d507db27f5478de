package work

import (
	"errors"
	"fmt"
	"time"

	"github.com/vitaltag/vitaltag/colors"
	"github.com/vitaltag/vitaltag/server/models"
	"gorm.io/gorm"
)

type requeuer struct {
	stopChan chan struct{}
}

func newRequeuer() *requeuer {
	return &requeuer{stopChan: make(chan struct{})}
}

// start starts the requeuer loop that pulls 'scheduled' jobs whose time
// has come & moves them into the queue
func (r *requeuer) start() {
	go r.loop()
}

func (r *requeuer) stop() {
	r.stopChan <- struct{}{}
}

func (r *requeuer) loop() {
	var job *models.Job
	var err error

	// At some point we may need an expnential back-off,
	// but for now keep it simple
	sleepBackOff := 5
	rateLimiter := time.NewTicker(DefaultTickerDuration)
	defer rateLimiter.Stop()

	logg.Infof("Starting scheduled job requeuer")
	for {
		select {
		case <-r.stopChan:
			logg.Infof("Stopping scheduled job requeuer")
			return
		case <-rateLimiter.C:
			job, err = models.FirstScheduledJobToBeQueued()

			// If no job found, sleep for 'sleepBackOff' seconds
			if errors.Is(err, gorm.ErrRecordNotFound) {
				rateLimiter.Reset(time.Duration(sleepBackOff) * time.Second)
				continue
			}

			if err != nil {
				r.logError(err)
				rateLimiter.Reset(TickerDurationOnError)
				continue
			}

			r.logInfof("fetched job with id=%v, status_id=%v, job.claimed=%v",
				job.ID, job.JobStatusID, job.Claimed)

			r.requeue(job)
			rateLimiter.Reset(DefaultTickerDuration)
		}
	}
}

func (r *requeuer) requeue(job *models.Job) {
	jobStatus, err := models.FindJobStatus(models.ENQUEUED_JOB)
	if err != nil {
		logg.Error(err)
		return
	}

	update := make(map[string]interface{})
	update["claimed"] = false
	update["job_status_id"] = jobStatus.ID
	update["enqueued_at"] = time.Now()

	err = job.Update(update)
	if err != nil {
		r.logError(err)
	}

	r.logInfof("job with id=%v requeued", job.ID)
}

func (r *requeuer) logInfof(template string, args ...interface{}) {
	prefix := colors.Yellow("[scheduled job requeuer] ")
	logg.Infof(prefix+template, args...)
}

func (r *requeuer) logError(args ...interface{}) {
	prefix := colors.Red(fmt.Sprint("[scheduled job requeuer] "))
	logg.Error(append([]interface{}{prefix}, args...)...)
}
