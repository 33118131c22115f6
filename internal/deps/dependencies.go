package deps

import (
	"github.com/lei/pipeline-core/internal/models"
)

// Validation reports whether a job's dependencies are satisfiable and,
// when they aren't, which references failed.
type Validation struct {
	Valid bool `json:"valid"`

	// ErasedDependencies names local dependencies whose artifacts were
	// erased after the fact.
	ErasedDependencies []string `json:"erased_dependencies,omitempty"`

	// UnresolvedSpecs are the artifact-requesting cross-pipeline specs
	// that matched no job in the hierarchy.
	UnresolvedSpecs []models.CrossDependencySpec `json:"unresolved_specs,omitempty"`
}

// BuildDependencies unions local and cross-pipeline resolution and
// gates pipeline starts on the result being satisfiable.
type BuildDependencies struct {
	local *LocalResolver
	cross *CrossResolver
}

// NewBuildDependencies creates the façade over both resolvers.
func NewBuildDependencies(local *LocalResolver, cross *CrossResolver) *BuildDependencies {
	return &BuildDependencies{local: local, cross: cross}
}

// All returns every job the given job depends on, local and
// cross-pipeline, deduplicated by job identity. Order is unspecified;
// callers must use set semantics.
func (d *BuildDependencies) All(job *models.Job) ([]*models.Job, error) {
	local, err := d.local.Resolve(job)
	if err != nil {
		return nil, err
	}
	cross, err := d.cross.Resolve(job)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(local)+len(cross.Jobs))
	all := make([]*models.Job, 0, len(local)+len(cross.Jobs))
	for _, dep := range local {
		if !seen[dep.ID] {
			seen[dep.ID] = true
			all = append(all, dep)
		}
	}
	for _, dep := range cross.Jobs {
		if !seen[dep.ID] {
			seen[dep.ID] = true
			all = append(all, dep)
		}
	}
	return all, nil
}

// Validate checks that every local dependency still has its artifacts
// and every artifact-requesting cross-pipeline spec resolved.
func (d *BuildDependencies) Validate(job *models.Job) (*Validation, error) {
	local, err := d.local.Resolve(job)
	if err != nil {
		return nil, err
	}
	cross, err := d.cross.Resolve(job)
	if err != nil {
		return nil, err
	}

	v := &Validation{Valid: true}
	for _, dep := range local {
		if dep.Erased() {
			v.ErasedDependencies = append(v.ErasedDependencies, dep.Name)
			v.Valid = false
		}
	}
	if len(cross.Unresolved) > 0 {
		v.UnresolvedSpecs = cross.Unresolved
		v.Valid = false
	}
	return v, nil
}

// Valid reports whether the job's dependencies are satisfiable.
func (d *BuildDependencies) Valid(job *models.Job) (bool, error) {
	v, err := d.Validate(job)
	if err != nil {
		return false, err
	}
	return v.Valid, nil
}
