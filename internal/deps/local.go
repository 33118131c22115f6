// Package deps resolves the jobs a given job depends on: stage-ordered
// and DAG-declared dependencies within the same pipeline, plus explicit
// cross-pipeline references against the pipeline hierarchy. Resolution
// is read-only and total: a reference that matches nothing is omitted
// from the result, never an error. Validity is a separate question
// answered by the BuildDependencies façade.
package deps

import (
	"github.com/lei/pipeline-core/internal/models"
)

// JobReader is the narrow job lookup the resolvers need. Retried rows
// are invisible through these methods: every name resolves to its
// current instance or to nothing.
type JobReader interface {
	CurrentJobByName(pipelineID int64, name string) (*models.Job, bool, error)
	SuccessfulJobByName(pipelineID int64, name string) (*models.Job, bool, error)
	CurrentJobsBeforeStage(pipelineID int64, stageIdx int) ([]*models.Job, error)
}

// LocalResolver computes same-pipeline dependencies.
type LocalResolver struct {
	jobs JobReader
}

// NewLocalResolver creates a resolver over the given job source.
func NewLocalResolver(jobs JobReader) *LocalResolver {
	return &LocalResolver{jobs: jobs}
}

// Resolve returns the jobs from the same pipeline that the given job
// depends on.
//
// DAG jobs depend on their needs that request artifacts, optionally
// restricted by an explicit dependencies list (intersection by name).
// Stage jobs with an explicit dependencies list depend on those names,
// restricted to earlier stages. Jobs with neither depend on every
// current-instance job from strictly earlier stages.
func (r *LocalResolver) Resolve(job *models.Job) ([]*models.Job, error) {
	if job.Scheduling == models.SchedulingDAG {
		return r.resolveNeeds(job)
	}
	if len(job.Options.Dependencies) > 0 {
		return r.resolveNamed(job)
	}
	return r.jobs.CurrentJobsBeforeStage(job.PipelineID, job.StageIdx)
}

func (r *LocalResolver) resolveNeeds(job *models.Job) ([]*models.Job, error) {
	restrict := toNameSet(job.Options.Dependencies)

	var deps []*models.Job
	for _, need := range job.Needs {
		if !need.Artifacts {
			continue
		}
		if restrict != nil && !restrict[need.Name] {
			continue
		}
		dep, ok, err := r.jobs.CurrentJobByName(job.PipelineID, need.Name)
		if err != nil {
			return nil, err
		}
		if ok {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func (r *LocalResolver) resolveNamed(job *models.Job) ([]*models.Job, error) {
	var deps []*models.Job
	for _, name := range job.Options.Dependencies {
		dep, ok, err := r.jobs.CurrentJobByName(job.PipelineID, name)
		if err != nil {
			return nil, err
		}
		if ok && dep.StageIdx < job.StageIdx {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// toNameSet returns nil for an empty list, which callers treat as "no
// restriction" rather than "restrict to nothing".
func toNameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
