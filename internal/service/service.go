package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/lei/pipeline-core/internal/deps"
	"github.com/lei/pipeline-core/internal/models"
	"github.com/lei/pipeline-core/internal/pipeline"
	"github.com/lei/pipeline-core/internal/resource"
	"github.com/lei/pipeline-core/internal/runnerack"
	"github.com/lei/pipeline-core/pkg/logger"
)

var (
	// ErrPipelineNotFound indicates the requested pipeline doesn't exist
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrJobNotFound indicates the requested job doesn't exist
	ErrJobNotFound = errors.New("job not found")
	// ErrDefinitionNotFound indicates no pipeline definition with that name is configured
	ErrDefinitionNotFound = errors.New("pipeline definition not found")
	// ErrNotClaimed indicates the runner manager doesn't hold the
	// build's ack claim (absent, expired, or held by another manager)
	ErrNotClaimed = errors.New("build is not claimed by this runner manager")
	// ErrInvalidTransition indicates the job is not in a state the
	// requested transition can start from
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the persistence surface the service needs beyond what the
// engine and lock already own.
type Store interface {
	Pipeline(id int64) (*models.Pipeline, bool, error)
	Job(id int64) (*models.Job, bool, error)
	JobsForPipeline(pipelineID int64) ([]*models.Job, error)
	PendingJobs() ([]*models.Job, error)
	UpdateJobStatus(id int64, from []models.Status, to models.Status) (bool, error)
	SetJobCoverage(id int64, coverage float64) error
	EraseJobArtifacts(id int64) error
}

// Service coordinates business logic between the API layer and the
// scheduling core.
type Service struct {
	definitions map[string]*pipeline.Definition
	store       Store
	engine      *pipeline.Engine
	deps        *deps.BuildDependencies
	resources   *resource.Lock
	acks        *runnerack.Queue
	logger      *logger.Logger
}

// NewService creates a new service instance.
func NewService(definitions map[string]*pipeline.Definition, st Store, engine *pipeline.Engine, buildDeps *deps.BuildDependencies, resources *resource.Lock, acks *runnerack.Queue, log *logger.Logger) *Service {
	return &Service{
		definitions: definitions,
		store:       st,
		engine:      engine,
		deps:        buildDeps,
		resources:   resources,
		acks:        acks,
		logger:      log,
	}
}

// getLogger retrieves logger from context or falls back to service logger
func (s *Service) getLogger(ctx context.Context) *logger.Logger {
	if ctxLogger, ok := ctx.Value("logger").(*logger.Logger); ok {
		return ctxLogger
	}
	return s.logger
}

// TriggerOptions parameterizes a pipeline trigger.
type TriggerOptions struct {
	ProjectID        int64
	SHA              string
	Ref              string
	ParentPipelineID *int64
}

// ListDefinitions returns the names of the configured pipeline
// definitions.
func (s *Service) ListDefinitions(ctx context.Context) []string {
	names := make([]string, 0, len(s.definitions))
	for name := range s.definitions {
		names = append(names, name)
	}
	return names
}

// TriggerPipeline creates a pipeline from a configured definition and
// materializes its first stage.
func (s *Service) TriggerPipeline(ctx context.Context, definition string, opts TriggerOptions) (*models.Pipeline, error) {
	log := s.getLogger(ctx)

	def, ok := s.definitions[definition]
	if !ok {
		log.Debug("service: definition not found", "definition", definition)
		return nil, ErrDefinitionNotFound
	}
	if opts.ProjectID == 0 {
		opts.ProjectID = 1
	}
	if opts.ParentPipelineID != nil {
		_, found, err := s.store.Pipeline(*opts.ParentPipelineID)
		if err != nil {
			return nil, fmt.Errorf("look up parent pipeline: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("parent pipeline %d: %w", *opts.ParentPipelineID, ErrPipelineNotFound)
		}
	}

	p, err := s.engine.CreatePipeline(def, opts.ProjectID, opts.SHA, opts.Ref, opts.ParentPipelineID)
	if err != nil {
		log.Error("service: trigger pipeline failed", "definition", definition, "error", err)
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	log.Info("service: pipeline triggered",
		"definition", definition,
		"pipeline_id", p.ID,
		"status", p.Status)
	return p, nil
}

// GetPipeline retrieves a pipeline with its per-stage statuses and
// aggregate coverage.
func (s *Service) GetPipeline(ctx context.Context, id int64) (*models.Pipeline, []pipeline.StageStatus, *float64, error) {
	p, ok, err := s.store.Pipeline(id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		return nil, nil, nil, ErrPipelineNotFound
	}

	stages, err := s.engine.StageStatuses(id)
	if err != nil {
		return nil, nil, nil, err
	}

	var coverage *float64
	if cov, reported, err := s.engine.Coverage(id); err != nil {
		return nil, nil, nil, err
	} else if reported {
		coverage = &cov
	}
	return p, stages, coverage, nil
}

// ListJobs returns every job row of a pipeline.
func (s *Service) ListJobs(ctx context.Context, pipelineID int64) ([]*models.Job, error) {
	if _, ok, err := s.store.Pipeline(pipelineID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrPipelineNotFound
	}
	return s.store.JobsForPipeline(pipelineID)
}

// GetJob retrieves a single job.
func (s *Service) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, ok, err := s.store.Job(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// JobDependencies resolves everything the job depends on, local and
// cross-pipeline, along with the validity verdict consumed by
// artifact-fetch authorization.
func (s *Service) JobDependencies(ctx context.Context, jobID int64) ([]*models.Job, *deps.Validation, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	all, err := s.deps.All(job)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve dependencies: %w", err)
	}
	validation, err := s.deps.Validate(job)
	if err != nil {
		return nil, nil, fmt.Errorf("validate dependencies: %w", err)
	}
	return all, validation, nil
}

// RetryJob clones a terminal job into a new pending instance.
func (s *Service) RetryJob(ctx context.Context, jobID int64) (*models.Job, error) {
	log := s.getLogger(ctx)

	job, err := s.engine.Retry(jobID)
	if err != nil {
		log.Debug("service: retry failed", "job_id", jobID, "error", err)
		return nil, err
	}
	return job, nil
}

// PlayJob releases a manual job into the pending queue.
func (s *Service) PlayJob(ctx context.Context, jobID int64) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	ok, err := s.engine.Play(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %d is not manual: %w", jobID, ErrInvalidTransition)
	}
	return nil
}

// EraseJobArtifacts marks a job's artifacts erased, invalidating every
// job that depends on them.
func (s *Service) EraseJobArtifacts(ctx context.Context, jobID int64) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return s.store.EraseJobArtifacts(jobID)
}

// CancelPipeline cancels every non-terminal job of a pipeline and runs
// cleanup: held resources are released best-effort, but ack-claim
// deletion errors propagate so a stale claim is never silently left
// behind an unreachable store.
func (s *Service) CancelPipeline(ctx context.Context, pipelineID int64) error {
	log := s.getLogger(ctx)

	if _, ok, err := s.store.Pipeline(pipelineID); err != nil {
		return err
	} else if !ok {
		return ErrPipelineNotFound
	}

	canceled, err := s.engine.Cancel(pipelineID)
	if err != nil {
		return fmt.Errorf("cancel pipeline: %w", err)
	}

	for _, job := range canceled {
		if job.ResourceGroupKey != "" {
			if _, err := s.resources.Release(job); err != nil {
				log.Warn("service: release resource during cancel failed",
					"job_id", job.ID,
					"resource_group", job.ResourceGroupKey,
					"error", err)
			}
		}
		if err := s.acks.CancelWait(ctx, job); err != nil {
			return fmt.Errorf("cancel ack wait for build %d: %w", job.ID, err)
		}
	}

	log.Info("service: pipeline canceled", "pipeline_id", pipelineID, "jobs", len(canceled))
	return nil
}

// HealthCheck reports the health of the scheduler and its
// configuration.
func (s *Service) HealthCheck(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"status":  "healthy",
		"service": "pipeline-core-scheduler",
		"checks": map[string]interface{}{
			"definitions": map[string]interface{}{
				"status": "healthy",
				"count":  len(s.definitions),
			},
		},
	}
}
