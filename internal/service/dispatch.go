package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lei/pipeline-core/internal/models"
	"github.com/lei/pipeline-core/internal/resource"
)

// Dispatch is a pending job offered to a runner manager, together with
// the token identifying this dispatch attempt.
type Dispatch struct {
	Job   *models.Job `json:"job"`
	Token string      `json:"token"`
}

// RequestJob offers the oldest dispatchable pending job to the given
// runner manager. A job is dispatchable when its dependencies are
// valid, its resource group (if any) has a free slot, and no other
// runner manager holds its ack claim. Claiming is two-phase: the claim
// is written first, then the persisted status moves to
// waiting_for_runner_ack; the job only runs once the runner
// acknowledges.
//
// Returns nil when no job is currently dispatchable.
func (s *Service) RequestJob(ctx context.Context, runnerManagerID int64) (*Dispatch, error) {
	log := s.getLogger(ctx)

	pending, err := s.store.PendingJobs()
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	for _, job := range pending {
		valid, err := s.deps.Valid(job)
		if err != nil {
			return nil, fmt.Errorf("validate dependencies for build %d: %w", job.ID, err)
		}
		if !valid {
			log.Warn("service: skipping build with unsatisfiable dependencies",
				"job_id", job.ID,
				"job", job.Name)
			continue
		}

		if job.ResourceGroupKey != "" {
			retained, err := s.resources.Retain(job)
			if err != nil {
				if errors.Is(err, resource.ErrDuplicateHold) {
					// A concurrent dispatch already holds this build's
					// slot; the claim step dedups the winner.
					log.Debug("service: build slot already held, skipping",
						"job_id", job.ID,
						"resource_group", job.ResourceGroupKey)
					continue
				}
				return nil, fmt.Errorf("retain resource for build %d: %w", job.ID, err)
			}
			if !retained {
				continue
			}
		}

		claimed, err := s.acks.SetWaitingForRunnerAck(ctx, job, runnerManagerID)
		if err != nil {
			s.releaseResource(ctx, job)
			return nil, fmt.Errorf("claim build %d: %w", job.ID, err)
		}
		if !claimed {
			// Another dispatcher already holds the claim.
			s.releaseResource(ctx, job)
			continue
		}

		ok, err := s.store.UpdateJobStatus(job.ID,
			[]models.Status{models.StatusPending}, models.StatusWaitingForRunnerAck)
		if err != nil {
			return nil, err
		}
		if !ok {
			// The job moved while we were claiming; undo and move on.
			if err := s.acks.CancelWait(ctx, job); err != nil {
				return nil, err
			}
			s.releaseResource(ctx, job)
			continue
		}

		job.Status = models.StatusWaitingForRunnerAck
		token := uuid.NewString()

		log.Info("service: job dispatched",
			"job_id", job.ID,
			"job", job.Name,
			"runner_manager_id", runnerManagerID,
			"token", token)
		return &Dispatch{Job: job, Token: token}, nil
	}

	return nil, nil
}

// AckRunning finalizes the two-phase claim: the runner manager that
// holds the claim confirms it started the job. The persisted status
// moves to running and the claim is dropped in the same transition.
func (s *Service) AckRunning(ctx context.Context, jobID, runnerManagerID int64) error {
	log := s.getLogger(ctx)

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	held, ok, err := s.acks.RunnerManagerID(ctx, job)
	if err != nil {
		return err
	}
	if !ok || held != runnerManagerID {
		log.Debug("service: ack rejected",
			"job_id", jobID,
			"runner_manager_id", runnerManagerID,
			"claim_held", ok)
		return ErrNotClaimed
	}

	moved, err := s.store.UpdateJobStatus(jobID,
		[]models.Status{models.StatusPending, models.StatusWaitingForRunnerAck}, models.StatusRunning)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("job %d in status %s: %w", jobID, job.Status, ErrInvalidTransition)
	}

	if err := s.acks.CancelWait(ctx, job); err != nil {
		return err
	}

	log.Info("service: job running",
		"job_id", jobID,
		"runner_manager_id", runnerManagerID)
	return s.engine.Process(job.PipelineID)
}

// Heartbeat refreshes the runner manager's claim on a job it was
// dispatched but has not yet acknowledged. Returns false when the
// claim is gone or held by another manager.
func (s *Service) Heartbeat(ctx context.Context, jobID, runnerManagerID int64) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return s.acks.Heartbeat(ctx, job, runnerManagerID)
}

// FinishJob records a runner's terminal status report and advances the
// pipeline.
func (s *Service) FinishJob(ctx context.Context, jobID int64, succeeded bool, coverage *float64) error {
	log := s.getLogger(ctx)

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	target := models.StatusFailed
	if succeeded {
		target = models.StatusSuccess
	}
	moved, err := s.store.UpdateJobStatus(jobID,
		[]models.Status{models.StatusRunning, models.StatusWaitingForRunnerAck}, target)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("job %d in status %s: %w", jobID, job.Status, ErrInvalidTransition)
	}

	if coverage != nil {
		if err := s.store.SetJobCoverage(jobID, *coverage); err != nil {
			return err
		}
	}

	if err := s.acks.CancelWait(ctx, job); err != nil {
		return err
	}
	s.releaseResource(ctx, job)

	log.Info("service: job finished",
		"job_id", jobID,
		"job", job.Name,
		"status", target)
	return s.engine.Process(job.PipelineID)
}

// releaseResource frees the job's resource group slot best-effort.
func (s *Service) releaseResource(ctx context.Context, job *models.Job) {
	if job.ResourceGroupKey == "" {
		return
	}
	if _, err := s.resources.Release(job); err != nil {
		s.getLogger(ctx).Warn("service: release resource failed",
			"job_id", job.ID,
			"resource_group", job.ResourceGroupKey,
			"error", err)
	}
}
