package deps

import (
	"os"
	"strconv"

	"github.com/lei/pipeline-core/internal/hierarchy"
	"github.com/lei/pipeline-core/internal/models"
)

// CrossPipelineDependencyLimit caps how many cross-pipeline specs are
// processed per job. Specs beyond the cap are dropped in input order to
// bound resolution cost; truncation is not an error.
const CrossPipelineDependencyLimit = 5

// PipelineReader is the pipeline lookup the cross resolver needs.
type PipelineReader interface {
	Pipeline(id int64) (*models.Pipeline, bool, error)
}

// VariableResolver supplies a job's fully-interpolated variable set,
// used to substitute $VAR placeholders in cross-dependency specs.
type VariableResolver interface {
	Variables(job *models.Job) map[string]string
}

// JobVariables reads variables straight off the job row, where the
// configuration layer stored the merged set at creation time.
type JobVariables struct{}

// Variables returns the job's own variable set.
func (JobVariables) Variables(job *models.Job) map[string]string {
	return job.Variables
}

// CrossResult is the outcome of cross-pipeline resolution. Jobs carries
// the resolved dependencies; Unresolved carries the artifact-requesting
// specs that matched nothing, which the façade folds into validity.
type CrossResult struct {
	Jobs       []*models.Job
	Unresolved []models.CrossDependencySpec
}

// CrossResolver resolves explicit cross-pipeline dependency specs
// against the job's pipeline hierarchy.
type CrossResolver struct {
	jobs      JobReader
	pipelines PipelineReader
	index     *hierarchy.Index
	variables VariableResolver
}

// NewCrossResolver creates a resolver over the given sources.
func NewCrossResolver(jobs JobReader, pipelines PipelineReader, index *hierarchy.Index, variables VariableResolver) *CrossResolver {
	return &CrossResolver{jobs: jobs, pipelines: pipelines, index: index, variables: variables}
}

// Resolve matches each spec (up to the limit, in input order) to a
// successful job in another pipeline of the same hierarchy.
//
// A spec fails to resolve when the target pipeline does not exist, lies
// outside the hierarchy, is the job's own pipeline (same-pipeline
// references must use needs), or holds no successful job with the
// target name. Failed specs requesting artifacts are reported as
// unresolved; specs not requesting artifacts contribute nothing and
// never count against validity.
func (r *CrossResolver) Resolve(job *models.Job) (*CrossResult, error) {
	specs := job.Options.CrossDependencies
	if len(specs) > CrossPipelineDependencyLimit {
		specs = specs[:CrossPipelineDependencyLimit]
	}

	vars := r.variables.Variables(job)
	result := &CrossResult{}

	for _, spec := range specs {
		if !spec.Artifacts {
			continue
		}

		interpolated := models.CrossDependencySpec{
			Pipeline:  interpolate(spec.Pipeline, vars),
			Job:       interpolate(spec.Job, vars),
			Artifacts: spec.Artifacts,
		}

		dep, ok, err := r.resolveSpec(job, interpolated)
		if err != nil {
			return nil, err
		}
		if ok {
			result.Jobs = append(result.Jobs, dep)
		} else {
			result.Unresolved = append(result.Unresolved, interpolated)
		}
	}
	return result, nil
}

func (r *CrossResolver) resolveSpec(job *models.Job, spec models.CrossDependencySpec) (*models.Job, bool, error) {
	pipelineID, err := strconv.ParseInt(spec.Pipeline, 10, 64)
	if err != nil {
		return nil, false, nil
	}
	if pipelineID == job.PipelineID {
		return nil, false, nil
	}

	target, ok, err := r.pipelines.Pipeline(pipelineID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	own, ok, err := r.pipelines.Pipeline(job.PipelineID)
	if err != nil {
		return nil, false, err
	}
	if !ok || !r.index.InSameHierarchy(own, target) {
		return nil, false, nil
	}

	return r.jobs.SuccessfulJobByName(target.ID, spec.Job)
}

// interpolate substitutes $VAR and ${VAR} placeholders from the job's
// variable set. Unknown variables expand to the empty string, which
// then fails to parse or match and leaves the spec unresolved.
func interpolate(s string, vars map[string]string) string {
	if vars == nil {
		return s
	}
	return os.Expand(s, func(key string) string {
		return vars[key]
	})
}
