package results

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// JobStatus is the lifecycle state of a scraping job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one batch run's persistent record.
type Job struct {
	ID             string
	Status         JobStatus
	Progress       float64
	TotalSites     int
	CompletedSites int
	FailedSites    int
	ListingsFound  int
	ErrorMessage   string
}

// CreateJob inserts a pending job covering totalSites sites.
func (h *Handler) CreateJob(ctx context.Context, totalSites int) (*Job, error) {
	job := &Job{
		ID:         uuid.New().String(),
		Status:     JobPending,
		TotalSites: totalSites,
	}

	err := h.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scraping_jobs (id, status, total_sites, created_at)
			VALUES ($1, $2, $3, $4)`,
			job.ID, string(job.Status), job.TotalSites, h.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("job_id", job.ID).Int("sites", totalSites).Msg("Created scraping job")
	return job, nil
}

// StartJob marks the job running.
func (h *Handler) StartJob(ctx context.Context, jobID string) error {
	return h.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE scraping_jobs
			SET status = $1, started_at = $2
			WHERE id = $3`,
			string(JobRunning), h.now(), jobID)
		return err
	})
}

// UpdateJobProgress records site completion counts. Progress is the fraction
// of sites settled, successful or not.
func (h *Handler) UpdateJobProgress(ctx context.Context, jobID string, completed, failed, listingsFound int) error {
	return h.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE scraping_jobs
			SET completed_sites = $1,
				failed_sites = $2,
				listings_found = $3,
				progress = CASE WHEN total_sites > 0
					THEN LEAST(1.0, ($1 + $2)::float / total_sites)
					ELSE 0 END
			WHERE id = $4`,
			completed, failed, listingsFound, jobID)
		return err
	})
}

// CompleteJob finalises the job. An errMessage marks it failed.
func (h *Handler) CompleteJob(ctx context.Context, jobID string, errMessage string) error {
	status := JobCompleted
	if errMessage != "" {
		status = JobFailed
	}

	return h.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE scraping_jobs
			SET status = $1, error_message = NULLIF($2, ''), completed_at = $3
			WHERE id = $4`,
			string(status), errMessage, h.now(), jobID)
		return err
	})
}
