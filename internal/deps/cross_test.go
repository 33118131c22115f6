package deps

import (
	"strconv"
	"testing"

	"github.com/lei/pipeline-core/internal/hierarchy"
	"github.com/lei/pipeline-core/internal/models"
	"github.com/lei/pipeline-core/internal/store"
)

func newCrossResolver(st *store.Memory) *CrossResolver {
	return NewCrossResolver(st, st, hierarchy.NewIndex(st), JobVariables{})
}

func insertChild(t *testing.T, st *store.Memory, parent *models.Pipeline) *models.Pipeline {
	t.Helper()
	child, err := st.InsertPipeline(&models.Pipeline{ProjectID: parent.ProjectID, Ref: "main", ParentID: &parent.ID})
	if err != nil {
		t.Fatalf("InsertPipeline(child) error = %v", err)
	}
	return child
}

func pipelineRef(p *models.Pipeline) string {
	return strconv.FormatInt(p.ID, 10)
}

func TestCrossResolveInHierarchy(t *testing.T) {
	st, parent := newTestPipeline(t)
	upstream := insertJob(t, st, &models.Job{PipelineID: parent.ID, Name: "assemble", StageIdx: 0})
	child := insertChild(t, st, parent)
	job := insertJob(t, st, &models.Job{
		PipelineID: child.ID,
		Name:       "integration",
		Status:     models.StatusPending,
		Options: models.JobOptions{CrossDependencies: []models.CrossDependencySpec{
			{Pipeline: pipelineRef(parent), Job: "assemble", Artifacts: true},
		}},
	})

	got, err := newCrossResolver(st).Resolve(job)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got.Unresolved) != 0 {
		t.Errorf("Unresolved = %v, want none", got.Unresolved)
	}
	if len(got.Jobs) != 1 || got.Jobs[0].ID != upstream.ID {
		t.Errorf("Jobs = %v, want the upstream instance %d", jobNames(got.Jobs), upstream.ID)
	}
}

func TestCrossResolveLimit(t *testing.T) {
	st, parent := newTestPipeline(t)
	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, name := range names {
		insertJob(t, st, &models.Job{PipelineID: parent.ID, Name: name, StageIdx: 0})
	}
	child := insertChild(t, st, parent)

	specs := make([]models.CrossDependencySpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, models.CrossDependencySpec{Pipeline: pipelineRef(parent), Job: name, Artifacts: true})
	}
	job := insertJob(t, st, &models.Job{
		PipelineID: child.ID,
		Name:       "fanin",
		Status:     models.StatusPending,
		Options:    models.JobOptions{CrossDependencies: specs},
	})

	got, err := newCrossResolver(st).Resolve(job)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !sameNames(got.Jobs, []string{"a", "b", "c", "d", "e"}) {
		t.Errorf("Jobs = %v, want first %d specs in input order", jobNames(got.Jobs), CrossPipelineDependencyLimit)
	}
	if len(got.Unresolved) != 0 {
		t.Errorf("Unresolved = %v, want none; truncation is not a failure", got.Unresolved)
	}
}

func TestCrossResolveVariableInterpolation(t *testing.T) {
	st, parent := newTestPipeline(t)
	insertJob(t, st, &models.Job{PipelineID: parent.ID, Name: "assemble", StageIdx: 0})
	child := insertChild(t, st, parent)
	job := insertJob(t, st, &models.Job{
		PipelineID: child.ID,
		Name:       "integration",
		Status:     models.StatusPending,
		Variables: map[string]string{
			"UPSTREAM_PIPELINE": pipelineRef(parent),
			"UPSTREAM_JOB":      "assemble",
		},
		Options: models.JobOptions{CrossDependencies: []models.CrossDependencySpec{
			{Pipeline: "$UPSTREAM_PIPELINE", Job: "${UPSTREAM_JOB}", Artifacts: true},
		}},
	})

	got, err := newCrossResolver(st).Resolve(job)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !sameNames(got.Jobs, []string{"assemble"}) {
		t.Errorf("Jobs = %v, want [assemble]", jobNames(got.Jobs))
	}
}

func TestCrossResolveUnresolved(t *testing.T) {
	st, parent := newTestPipeline(t)
	insertJob(t, st, &models.Job{PipelineID: parent.ID, Name: "assemble", StageIdx: 0})
	insertJob(t, st, &models.Job{PipelineID: parent.ID, Name: "flaky", StageIdx: 0, Status: models.StatusFailed})
	child := insertChild(t, st, parent)

	stranger, err := st.InsertPipeline(&models.Pipeline{ProjectID: 2, Ref: "main"})
	if err != nil {
		t.Fatalf("InsertPipeline(stranger) error = %v", err)
	}
	insertJob(t, st, &models.Job{PipelineID: stranger.ID, Name: "assemble", StageIdx: 0})

	tests := []struct {
		name string
		spec models.CrossDependencySpec
	}{
		{
			name: "pipeline outside the hierarchy",
			spec: models.CrossDependencySpec{Pipeline: pipelineRef(stranger), Job: "assemble", Artifacts: true},
		},
		{
			name: "own pipeline is rejected",
			spec: models.CrossDependencySpec{Pipeline: pipelineRef(child), Job: "assemble", Artifacts: true},
		},
		{
			name: "pipeline does not exist",
			spec: models.CrossDependencySpec{Pipeline: "99999", Job: "assemble", Artifacts: true},
		},
		{
			name: "non-numeric pipeline reference",
			spec: models.CrossDependencySpec{Pipeline: "not-a-number", Job: "assemble", Artifacts: true},
		},
		{
			name: "job does not exist upstream",
			spec: models.CrossDependencySpec{Pipeline: pipelineRef(parent), Job: "ghost", Artifacts: true},
		},
		{
			name: "job upstream did not succeed",
			spec: models.CrossDependencySpec{Pipeline: pipelineRef(parent), Job: "flaky", Artifacts: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := insertJob(t, st, &models.Job{
				PipelineID: child.ID,
				Name:       "integration-" + tt.name,
				Status:     models.StatusPending,
				Options:    models.JobOptions{CrossDependencies: []models.CrossDependencySpec{tt.spec}},
			})

			got, err := newCrossResolver(st).Resolve(job)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if len(got.Jobs) != 0 {
				t.Errorf("Jobs = %v, want none", jobNames(got.Jobs))
			}
			if len(got.Unresolved) != 1 {
				t.Errorf("Unresolved = %v, want exactly the failed spec", got.Unresolved)
			}
		})
	}
}

func TestCrossResolveArtifactsFalseIsLenient(t *testing.T) {
	st, parent := newTestPipeline(t)
	child := insertChild(t, st, parent)
	job := insertJob(t, st, &models.Job{
		PipelineID: child.ID,
		Name:       "integration",
		Status:     models.StatusPending,
		Options: models.JobOptions{CrossDependencies: []models.CrossDependencySpec{
			{Pipeline: "99999", Job: "ghost", Artifacts: false},
		}},
	})

	got, err := newCrossResolver(st).Resolve(job)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got.Jobs) != 0 || len(got.Unresolved) != 0 {
		t.Errorf("Resolve() = (%v, %v), want a no-op for artifacts:false specs", jobNames(got.Jobs), got.Unresolved)
	}
}
