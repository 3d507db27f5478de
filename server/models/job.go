package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrDuplicateJob = errors.New("job with the given name already exists in queue")

type Job struct {
	BaseModel
	Fails       int        `json:"fails"`
	Name        string     `json:"name"`
	Handler     string     `json:"handler"`
	Args        string     `json:"args"`
	LastError   string     `json:"last_error"`
	Claimed     bool       `json:"claimed" gorm:"default:false"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	JobStatusID uint       `json:"job_status_id"`
	JobStatus   *JobStatus `json:"status"`
}

func (job *Job) MarkAsClaimed() (bool, error) {
	inProgressStatus := JobStatus{}
	err := db.Where(&JobStatus{Name: IN_PROGRESS_JOB}).Find(&inProgressStatus).Error
	if err != nil {
		return false, err
	}

	res := db.Model(&Job{}).Where("id = ? AND claimed = ?", job.ID, false).Updates(map[string]interface{}{
		"claimed":       true,
		"job_status_id": inProgressStatus.ID,
	})
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (job *Job) Update(data map[string]interface{}) error {
	return db.Model(job).Updates(data).Error
}

// CreateUniqueJobByName enqueues a job unless one with the same name is
// already waiting or running.
func CreateUniqueJobByName(name string, handler string, args string) error {
	queuedJobStatuses := []JobStatus{}
	err := db.Where("name IN ?", []string{ENQUEUED_JOB, IN_PROGRESS_JOB}).Find(&queuedJobStatuses).Error
	if err != nil {
		return err
	}

	statusIDs := make([]uint, 0, len(queuedJobStatuses))
	var enqueuedJobStatus JobStatus
	for _, jobStatus := range queuedJobStatuses {
		statusIDs = append(statusIDs, jobStatus.ID)
		if jobStatus.Name == ENQUEUED_JOB {
			enqueuedJobStatus = jobStatus
		}
	}

	results := db.Where("name = ? AND job_status_id IN ?", name, statusIDs).First(&Job{})
	if results.Error != nil && !errors.Is(results.Error, gorm.ErrRecordNotFound) {
		return results.Error
	}

	if results.RowsAffected > 0 {
		return ErrDuplicateJob
	}

	return db.Create(&Job{
		Name:        name,
		Handler:     handler,
		Args:        args,
		EnqueuedAt:  time.Now().UTC(),
		JobStatusID: enqueuedJobStatus.ID,
	}).Error
}

// CreateScheduledJob records a job to be moved into the queue once
// 'enqueueAt' has passed; the scheduled-jobs requeuer does the move.
func CreateScheduledJob(name, handler, args string, enqueueAt time.Time) error {
	scheduledStatus, err := FindJobStatus(SCHEDULED_JOB)
	if err != nil {
		return err
	}

	return db.Create(&Job{
		Name:        name,
		Handler:     handler,
		Args:        args,
		EnqueuedAt:  enqueueAt,
		JobStatusID: scheduledStatus.ID,
	}).Error
}

func LastJob(status string, claimed bool) (*Job, error) {
	job := Job{}
	err := db.Joins(
		"INNER JOIN job_statuses ON job_statuses.id = jobs.job_status_id AND job_statuses.name = ? AND claimed = ?",
		status, claimed).Last(&job).Error
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func FirstScheduledJobToBeQueued() (*Job, error) {
	scheduledStatus, err := FindJobStatus(SCHEDULED_JOB)
	if err != nil {
		return nil, err
	}

	job := Job{}
	err = db.Where("job_status_id = ? AND enqueued_at <= ?", scheduledStatus.ID, time.Now().UTC()).
		First(&job).Error
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// LastJobLastUpdated returns the last job of the given status which was last
// updated at least 'minutesAgo' minutes ago.
//
// WARNING: THIS QUERY IS UNIQUE TO SQLITE, REMEMBER TO UPDATE IT IF/WHEN
// OTHER SQL DATABASES ARE SUPPORTED
func LastJobLastUpdated(minutesAgo uint, status string) (*Job, error) {
	jobStatus := JobStatus{}
	err := db.Where(&JobStatus{Name: status}).Find(&jobStatus).Error
	if err != nil {
		return nil, err
	}

	job := Job{}
	err = db.Where(
		fmt.Sprintf("job_status_id = ? AND datetime(updated_at, '+%v minute') <= datetime('now')", minutesAgo),
		jobStatus.ID,
	).Last(&job).Error
	if err != nil {
		return nil, err
	}

	return &job, nil
}
