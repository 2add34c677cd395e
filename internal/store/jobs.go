package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateJob journals a new job in pending state.
func (s *Store) CreateJob(job *UpdateJob) error {
	ids, err := json.Marshal(job.UpdateIDs)
	if err != nil {
		return fmt.Errorf("encode update ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO update_jobs (id, node_id, update_ids, status, progress, total_steps, completed_steps, current_step, output, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.NodeID, string(ids), string(job.Status), job.Progress,
		job.TotalSteps, job.CompletedSteps, job.CurrentStep, job.Output, job.Error, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// MarkJobStarted flips a job to running.
func (s *Store) MarkJobStarted(id string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE update_jobs SET status = ?, started_at = ? WHERE id = ?
	`, string(JobRunning), at, id)
	if err != nil {
		return fmt.Errorf("mark job started: %w", err)
	}
	return nil
}

// UpdateJobStep persists step progress while a job runs. completedSteps
// counts steps the job has attempted, successful or not.
func (s *Store) UpdateJobStep(id string, progress, completedSteps int, currentStep, output string) error {
	_, err := s.db.Exec(`
		UPDATE update_jobs SET progress = ?, completed_steps = ?, current_step = ?, output = ? WHERE id = ?
	`, progress, completedSteps, currentStep, output, id)
	if err != nil {
		return fmt.Errorf("update job step: %w", err)
	}
	return nil
}

// FinishJob records a terminal status. A job that ran to completion shows
// "Completed" as its step; cancelled and failed jobs clear the marker.
func (s *Store) FinishJob(id string, status JobStatus, errMsg string, at time.Time) error {
	step := ""
	if status == JobCompleted {
		step = "Completed"
	}
	_, err := s.db.Exec(`
		UPDATE update_jobs SET status = ?, error = ?, finished_at = ?, current_step = ? WHERE id = ?
	`, string(status), errMsg, at, step, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*UpdateJob, error) {
	row := s.db.QueryRow(`
		SELECT id, node_id, update_ids, status, progress, total_steps, completed_steps,
		       current_step, output, error, created_at, started_at, finished_at
		FROM update_jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Empty fields match everything.
type JobFilter struct {
	NodeID string
	Status JobStatus
	Limit  int
}

// ListJobs returns jobs newest-first.
func (s *Store) ListJobs(f JobFilter) ([]*UpdateJob, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `
		SELECT id, node_id, update_ids, status, progress, total_steps, completed_steps,
		       current_step, output, error, created_at, started_at, finished_at
		FROM update_jobs WHERE 1=1`
	var args []any
	if f.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, f.NodeID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*UpdateJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FailOrphanedJobs resolves jobs a restart left behind: anything still
// pending or running has no goroutine anymore and can never finish.
func (s *Store) FailOrphanedJobs(reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE update_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status IN (?, ?)
	`, string(JobFailed), reason, time.Now().UTC(), string(JobPending), string(JobRunning))
	if err != nil {
		return 0, fmt.Errorf("fail orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("jobs", n).Str("reason", reason).Msg("failed orphaned jobs")
	}
	return n, nil
}

func scanJob(row rowScanner) (*UpdateJob, error) {
	var job UpdateJob
	var ids, status string
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.ID, &job.NodeID, &ids, &status, &job.Progress,
		&job.TotalSteps, &job.CompletedSteps,
		&job.CurrentStep, &job.Output, &job.Error,
		&job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(ids), &job.UpdateIDs); err != nil {
		return nil, fmt.Errorf("decode update ids: %w", err)
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	return &job, nil
}
