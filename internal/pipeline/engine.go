package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lei/pipeline-core/internal/models"
	"github.com/lei/pipeline-core/pkg/logger"
)

var (
	// ErrUnknownDefinition indicates a pipeline was not created through
	// this engine and carries no definition to advance against
	ErrUnknownDefinition = errors.New("no definition registered for pipeline")
	// ErrNotRetryable indicates the job is not in a terminal state
	ErrNotRetryable = errors.New("job is not in a retryable state")
)

// Store is the persistence surface the engine needs. Advancement runs
// under WithPipelineLock so concurrent triggers serialize; status
// transitions go through the conditional UpdateJobStatus so redundant
// callbacks are no-ops.
type Store interface {
	InsertPipeline(p *models.Pipeline) (*models.Pipeline, error)
	Pipeline(id int64) (*models.Pipeline, bool, error)
	UpdatePipelineStatus(id int64, status models.Status) error

	InsertJob(j *models.Job) (*models.Job, error)
	Job(id int64) (*models.Job, bool, error)
	JobsForPipeline(pipelineID int64) ([]*models.Job, error)
	UpdateJobStatus(id int64, from []models.Status, to models.Status) (bool, error)
	RetryJob(oldID int64, successor *models.Job) (*models.Job, error)

	WithPipelineLock(pipelineID int64, fn func() error) error
}

// Engine creates pipelines from definitions and advances them stage by
// stage as jobs finish.
type Engine struct {
	store  Store
	logger *logger.Logger

	mu   sync.Mutex
	defs map[int64]*Definition
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: log,
		defs:   make(map[int64]*Definition),
	}
}

// CreatePipeline persists a new pipeline for the definition and
// materializes its first stage. ParentID links the pipeline into an
// existing hierarchy when set.
func (e *Engine) CreatePipeline(def *Definition, projectID int64, sha, ref string, parentID *int64) (*models.Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate definition: %w", err)
	}

	p, err := e.store.InsertPipeline(&models.Pipeline{
		ProjectID: projectID,
		Status:    models.StatusCreated,
		SHA:       sha,
		Ref:       ref,
		ParentID:  parentID,
	})
	if err != nil {
		return nil, fmt.Errorf("insert pipeline: %w", err)
	}

	e.mu.Lock()
	e.defs[p.ID] = def
	e.mu.Unlock()

	e.logger.Info("pipeline created",
		"pipeline_id", p.ID,
		"definition", def.Name,
		"ref", ref,
		"parent_id", parentID)

	if err := e.Process(p.ID); err != nil {
		return nil, err
	}

	p, _, err = e.store.Pipeline(p.ID)
	return p, err
}

func (e *Engine) definition(pipelineID int64) (*Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[pipelineID]
	return def, ok
}

// Process advances a pipeline: while the materialized stages have no
// running-or-pending jobs and no blocking manual job, it creates the
// next stage's jobs with when-policy gating, then re-derives the
// pipeline's aggregate status. Idempotent and safe to trigger
// redundantly; a concurrent second call finds no remaining work.
func (e *Engine) Process(pipelineID int64) error {
	return e.store.WithPipelineLock(pipelineID, func() error {
		return e.processLocked(pipelineID)
	})
}

func (e *Engine) processLocked(pipelineID int64) error {
	p, ok, err := e.store.Pipeline(pipelineID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pipeline %d not found", pipelineID)
	}
	if p.Status == models.StatusCanceled {
		return nil
	}

	def, ok := e.definition(pipelineID)
	if !ok {
		return fmt.Errorf("pipeline %d: %w", pipelineID, ErrUnknownDefinition)
	}

	jobs, err := e.store.JobsForPipeline(pipelineID)
	if err != nil {
		return err
	}
	current := currentInstances(jobs)

	materialized := -1
	for _, j := range current {
		if j.StageIdx > materialized {
			materialized = j.StageIdx
		}
	}

	for !hasActive(current) && !hasBlockingManual(current) {
		next := materialized + 1
		if next >= len(def.Stages) {
			break
		}

		prevFailed := hasRequiredFailure(current)
		created := 0
		for _, spec := range def.specsForStage(next) {
			status := initialStatus(spec.When, prevFailed)
			job, err := e.store.InsertJob(def.buildJob(p, spec, next, status))
			if err != nil {
				return fmt.Errorf("create job %q: %w", spec.Name, err)
			}
			current = append(current, job)
			created++
		}
		materialized = next

		e.logger.Debug("stage materialized",
			"pipeline_id", pipelineID,
			"stage", def.Stages[next],
			"stage_idx", next,
			"jobs", created)
	}

	status := aggregateStatus(current)
	if status != p.Status {
		e.logger.Info("pipeline status changed",
			"pipeline_id", pipelineID,
			"from", p.Status,
			"to", status)
	}
	return e.store.UpdatePipelineStatus(pipelineID, status)
}

// initialStatus applies the when policy at job-creation time. Jobs
// whose policy is unsatisfied are created skipped rather than omitted,
// so stage and pipeline aggregation still sees them.
func initialStatus(when models.WhenPolicy, prevFailed bool) models.Status {
	switch when {
	case models.WhenAlways:
		return models.StatusPending
	case models.WhenManual:
		return models.StatusManual
	case models.WhenOnFailure:
		if prevFailed {
			return models.StatusPending
		}
		return models.StatusSkipped
	default: // on_success
		if prevFailed {
			return models.StatusSkipped
		}
		return models.StatusPending
	}
}

// Retry clones a terminal job into a new pending instance and flags the
// old row as retried, making the new row canonical for the name in all
// subsequent dependency resolution.
func (e *Engine) Retry(jobID int64) (*models.Job, error) {
	old, ok, err := e.store.Job(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	if !old.Status.Terminal() || old.Retried {
		return nil, fmt.Errorf("job %d in status %s: %w", jobID, old.Status, ErrNotRetryable)
	}

	successor := &models.Job{
		PipelineID:       old.PipelineID,
		ProjectID:        old.ProjectID,
		Name:             old.Name,
		Stage:            old.Stage,
		StageIdx:         old.StageIdx,
		Status:           models.StatusPending,
		Scheduling:       old.Scheduling,
		When:             old.When,
		AllowFailure:     old.AllowFailure,
		Needs:            old.Needs,
		Options:          old.Options,
		ResourceGroupKey: old.ResourceGroupKey,
		Variables:        old.Variables,
		PartitionID:      old.PartitionID,
	}

	job, err := e.store.RetryJob(old.ID, successor)
	if err != nil {
		return nil, err
	}

	e.logger.Info("job retried",
		"pipeline_id", old.PipelineID,
		"job", old.Name,
		"old_id", old.ID,
		"new_id", job.ID)

	if err := e.Process(old.PipelineID); err != nil {
		return nil, err
	}
	return job, nil
}

// Play releases a manual job into the pending queue.
func (e *Engine) Play(jobID int64) (bool, error) {
	ok, err := e.store.UpdateJobStatus(jobID, []models.Status{models.StatusManual}, models.StatusPending)
	if err != nil || !ok {
		return ok, err
	}
	job, found, err := e.store.Job(jobID)
	if err != nil || !found {
		return ok, err
	}
	return true, e.Process(job.PipelineID)
}

// Cancel transitions every non-terminal current job of the pipeline to
// canceled and marks the pipeline canceled. Returns the jobs that were
// actually transitioned so the caller can run cleanup side effects.
func (e *Engine) Cancel(pipelineID int64) ([]*models.Job, error) {
	var canceled []*models.Job
	err := e.store.WithPipelineLock(pipelineID, func() error {
		jobs, err := e.store.JobsForPipeline(pipelineID)
		if err != nil {
			return err
		}
		cancelable := []models.Status{
			models.StatusCreated,
			models.StatusPreparing,
			models.StatusPending,
			models.StatusWaitingForRunnerAck,
			models.StatusRunning,
			models.StatusManual,
			models.StatusScheduled,
		}
		for _, j := range currentInstances(jobs) {
			ok, err := e.store.UpdateJobStatus(j.ID, cancelable, models.StatusCanceled)
			if err != nil {
				return err
			}
			if ok {
				canceled = append(canceled, j)
			}
		}
		return e.store.UpdatePipelineStatus(pipelineID, models.StatusCanceled)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("pipeline canceled",
		"pipeline_id", pipelineID,
		"jobs_canceled", len(canceled))
	return canceled, nil
}

// Coverage returns the unweighted mean of the coverage reported by the
// pipeline's current-instance jobs. The second return is false when no
// job reported coverage.
func (e *Engine) Coverage(pipelineID int64) (float64, bool, error) {
	jobs, err := e.store.JobsForPipeline(pipelineID)
	if err != nil {
		return 0, false, err
	}

	var sum float64
	var n int
	for _, j := range currentInstances(jobs) {
		if j.Coverage != nil {
			sum += *j.Coverage
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}
