package models

import "time"

// Status represents the execution state of a pipeline, stage or job.
type Status string

const (
	StatusCreated             Status = "created"
	StatusPreparing           Status = "preparing"
	StatusPending             Status = "pending"
	StatusWaitingForRunnerAck Status = "waiting_for_runner_ack"
	StatusRunning             Status = "running"
	StatusSuccess             Status = "success"
	StatusFailed              Status = "failed"
	StatusCanceled            Status = "canceled"
	StatusSkipped             Status = "skipped"
	StatusManual              Status = "manual"
	StatusScheduled           Status = "scheduled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	}
	return false
}

// Active reports whether the status counts as running-or-pending for
// stage advancement purposes.
func (s Status) Active() bool {
	switch s {
	case StatusCreated, StatusPreparing, StatusPending, StatusWaitingForRunnerAck, StatusRunning:
		return true
	}
	return false
}

// SchedulingType determines how a job's dependencies are derived.
type SchedulingType string

const (
	// SchedulingStage orders the job after every job in earlier stages.
	SchedulingStage SchedulingType = "stage"
	// SchedulingDAG orders the job after its explicit needs only.
	SchedulingDAG SchedulingType = "dag"
)

// WhenPolicy controls whether a job runs when its stage becomes eligible.
type WhenPolicy string

const (
	WhenOnSuccess WhenPolicy = "on_success"
	WhenOnFailure WhenPolicy = "on_failure"
	WhenAlways    WhenPolicy = "always"
	WhenManual    WhenPolicy = "manual"
)

// Pipeline is one execution of CI configuration against a revision.
type Pipeline struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Status    Status `json:"status"`
	SHA       string `json:"sha"`
	Ref       string `json:"ref"`

	// ParentID references the upstream pipeline when this pipeline was
	// triggered as a child; nil for standalone pipelines.
	ParentID *int64 `json:"parent_id,omitempty"`

	// TraversalIDs is the materialized ancestor chain, root first and
	// ending with this pipeline's own ID. Recorded at creation time so
	// hierarchy membership never requires a recursive walk.
	TraversalIDs []int64 `json:"traversal_ids"`

	// PartitionID is a physical storage partition key. It is carried
	// through but never consulted by scheduling decisions.
	PartitionID int64 `json:"partition_id"`

	CreatedAt time.Time `json:"created_at"`
}

// RootAncestorID returns the ID of the hierarchy root, which is the
// pipeline itself when no parent chain is recorded.
func (p *Pipeline) RootAncestorID() int64 {
	if len(p.TraversalIDs) > 0 {
		return p.TraversalIDs[0]
	}
	return p.ID
}

// BuildNeed is an explicit same-pipeline DAG edge. It exists only for
// jobs with SchedulingDAG and is immutable after job creation.
type BuildNeed struct {
	Name      string `json:"name" yaml:"name"`
	Artifacts bool   `json:"artifacts" yaml:"artifacts"`
}

// CrossDependencySpec references a job in another pipeline of the same
// hierarchy. Pipeline and Job may contain CI variable placeholders that
// are interpolated before resolution.
type CrossDependencySpec struct {
	Pipeline  string `json:"pipeline" yaml:"pipeline"`
	Job       string `json:"job" yaml:"job"`
	Artifacts bool   `json:"artifacts" yaml:"artifacts"`
}

// JobOptions carries the dependency-related parts of a job's parsed
// configuration.
type JobOptions struct {
	// Dependencies restricts the stage-derived (or needs-derived)
	// dependency set by job name. Empty means no restriction.
	Dependencies []string `json:"dependencies,omitempty"`

	// CrossDependencies are explicit cross-pipeline references.
	CrossDependencies []CrossDependencySpec `json:"cross_dependencies,omitempty"`
}

// Job is the unit of scheduling. Job names are not unique within a
// pipeline: retrying a job inserts a new row with the same name and
// flags the old one as retried.
type Job struct {
	ID         int64          `json:"id"`
	PipelineID int64          `json:"pipeline_id"`
	ProjectID  int64          `json:"project_id"`
	Name       string         `json:"name"`
	Stage      string         `json:"stage"`
	StageIdx   int            `json:"stage_idx"`
	Status     Status         `json:"status"`
	Scheduling SchedulingType `json:"scheduling_type"`
	When       WhenPolicy     `json:"when"`

	Retried      bool        `json:"retried"`
	AllowFailure bool        `json:"allow_failure"`
	Options      JobOptions  `json:"options"`
	Needs        []BuildNeed `json:"needs,omitempty"`

	// ResourceGroupKey names the mutual-exclusion domain this job must
	// hold a resource in before starting; empty means none.
	ResourceGroupKey string `json:"resource_group,omitempty"`

	// Coverage is the reported coverage percentage, nil when the job
	// reported none.
	Coverage *float64 `json:"coverage,omitempty"`

	// ErasedAt is set when the job's artifacts have been erased.
	ErasedAt *time.Time `json:"erased_at,omitempty"`

	// Variables is the job's fully-interpolated variable set, supplied
	// by the configuration at job creation. Used to substitute $VAR
	// placeholders inside cross-pipeline dependency specs.
	Variables map[string]string `json:"variables,omitempty"`

	PartitionID int64     `json:"partition_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Current reports whether this row is the canonical instance for its
// name within the pipeline.
func (j *Job) Current() bool {
	return !j.Retried
}

// Erased reports whether the job's artifacts were erased.
func (j *Job) Erased() bool {
	return j.ErasedAt != nil
}

// HasCrossDependencies reports whether the job declares any
// cross-pipeline references.
func (j *Job) HasCrossDependencies() bool {
	return len(j.Options.CrossDependencies) > 0
}

// ResourceGroup is a named mutual-exclusion domain scoped to a project.
type ResourceGroup struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Key       string `json:"key"`
}

// Resource is a slot within a resource group, retained by at most one
// build at a time.
type Resource struct {
	ID              int64 `json:"id"`
	ResourceGroupID int64 `json:"resource_group_id"`

	// BuildID is the build currently holding this slot; nil when free.
	BuildID *int64 `json:"build_id,omitempty"`
}
