// Package pipeline drives stage-based job creation and status
// aggregation: it materializes the next stage's jobs once the current
// stage has no more running or pending work, applying when-policy
// gating, and derives pipeline status from its jobs.
package pipeline

import (
	"fmt"

	"github.com/lei/pipeline-core/internal/models"
)

// JobSpec describes one job of a pipeline definition, as produced by
// the configuration parser.
type JobSpec struct {
	Name          string                       `yaml:"name"`
	Stage         string                       `yaml:"stage"`
	When          models.WhenPolicy            `yaml:"when"`
	AllowFailure  bool                         `yaml:"allow_failure"`
	Needs         []models.BuildNeed           `yaml:"needs"`
	Dependencies  []string                     `yaml:"dependencies"`
	CrossDeps     []models.CrossDependencySpec `yaml:"cross_dependencies"`
	ResourceGroup string                       `yaml:"resource_group"`
	Variables     map[string]string            `yaml:"variables"`
}

// Definition is a parsed pipeline configuration: ordered stages and a
// flat list of job specs.
type Definition struct {
	Name      string            `yaml:"name"`
	Stages    []string          `yaml:"stages"`
	Jobs      []JobSpec         `yaml:"jobs"`
	Variables map[string]string `yaml:"variables"`
}

// StageIndex returns the position of a stage name in the definition.
func (d *Definition) StageIndex(stage string) (int, bool) {
	for i, s := range d.Stages {
		if s == stage {
			return i, true
		}
	}
	return 0, false
}

// Validate checks structural consistency: every job names a declared
// stage, every need references a job declared in an earlier stage (this
// is what keeps the needs graph acyclic, so the resolvers never have
// to detect cycles), and cross-pipeline specs carry both fields.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", d.Name)
	}

	stageOf := make(map[string]int, len(d.Jobs))
	for _, spec := range d.Jobs {
		idx, ok := d.StageIndex(spec.Stage)
		if !ok {
			return fmt.Errorf("job %q references unknown stage %q", spec.Name, spec.Stage)
		}
		if _, dup := stageOf[spec.Name]; dup {
			return fmt.Errorf("job %q defined twice", spec.Name)
		}
		stageOf[spec.Name] = idx
	}

	for _, spec := range d.Jobs {
		jobStage := stageOf[spec.Name]
		for _, need := range spec.Needs {
			needStage, ok := stageOf[need.Name]
			if !ok {
				return fmt.Errorf("job %q needs unknown job %q", spec.Name, need.Name)
			}
			if needStage >= jobStage {
				return fmt.Errorf("job %q needs %q which is not in an earlier stage", spec.Name, need.Name)
			}
		}
		for i, cd := range spec.CrossDeps {
			if cd.Pipeline == "" || cd.Job == "" {
				return fmt.Errorf("job %q cross dependency %d is missing pipeline or job", spec.Name, i)
			}
		}
	}
	return nil
}

// specsForStage returns the job specs belonging to the given stage
// index, in definition order.
func (d *Definition) specsForStage(idx int) []JobSpec {
	var specs []JobSpec
	for _, spec := range d.Jobs {
		if si, ok := d.StageIndex(spec.Stage); ok && si == idx {
			specs = append(specs, spec)
		}
	}
	return specs
}

// buildJob materializes a job row from its spec. Jobs declaring needs
// are DAG-scheduled; everything else follows stage order.
func (d *Definition) buildJob(p *models.Pipeline, spec JobSpec, stageIdx int, status models.Status) *models.Job {
	scheduling := models.SchedulingStage
	if len(spec.Needs) > 0 {
		scheduling = models.SchedulingDAG
	}
	when := spec.When
	if when == "" {
		when = models.WhenOnSuccess
	}

	vars := make(map[string]string, len(d.Variables)+len(spec.Variables)+1)
	for k, v := range d.Variables {
		vars[k] = v
	}
	for k, v := range spec.Variables {
		vars[k] = v
	}
	vars["CI_PIPELINE_ID"] = fmt.Sprintf("%d", p.ID)
	if p.ParentID != nil {
		vars["CI_PARENT_PIPELINE_ID"] = fmt.Sprintf("%d", *p.ParentID)
	}

	return &models.Job{
		PipelineID:   p.ID,
		ProjectID:    p.ProjectID,
		Name:         spec.Name,
		Stage:        spec.Stage,
		StageIdx:     stageIdx,
		Status:       status,
		Scheduling:   scheduling,
		When:         when,
		AllowFailure: spec.AllowFailure,
		Needs:        append([]models.BuildNeed{}, spec.Needs...),
		Options: models.JobOptions{
			Dependencies:      append([]string{}, spec.Dependencies...),
			CrossDependencies: append([]models.CrossDependencySpec{}, spec.CrossDeps...),
		},
		ResourceGroupKey: spec.ResourceGroup,
		Variables:        vars,
		PartitionID:      p.PartitionID,
	}
}
