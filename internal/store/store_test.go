package store

import (
	"errors"
	"testing"

	"github.com/lei/pipeline-core/internal/models"
)

func mustInsertPipeline(t *testing.T, m *Memory, parent *models.Pipeline) *models.Pipeline {
	t.Helper()
	p := &models.Pipeline{ProjectID: 1, Ref: "main"}
	if parent != nil {
		p.ParentID = &parent.ID
	}
	inserted, err := m.InsertPipeline(p)
	if err != nil {
		t.Fatalf("InsertPipeline() error = %v", err)
	}
	return inserted
}

func mustInsertJob(t *testing.T, m *Memory, j *models.Job) *models.Job {
	t.Helper()
	inserted, err := m.InsertJob(j)
	if err != nil {
		t.Fatalf("InsertJob(%s) error = %v", j.Name, err)
	}
	return inserted
}

func TestInsertPipelineTraversalIDs(t *testing.T) {
	m := NewMemory()
	root := mustInsertPipeline(t, m, nil)
	child := mustInsertPipeline(t, m, root)
	grandchild := mustInsertPipeline(t, m, child)

	if len(root.TraversalIDs) != 1 || root.TraversalIDs[0] != root.ID {
		t.Errorf("root TraversalIDs = %v, want [%d]", root.TraversalIDs, root.ID)
	}
	want := []int64{root.ID, child.ID, grandchild.ID}
	if len(grandchild.TraversalIDs) != 3 {
		t.Fatalf("grandchild TraversalIDs = %v, want %v", grandchild.TraversalIDs, want)
	}
	for i, id := range want {
		if grandchild.TraversalIDs[i] != id {
			t.Errorf("grandchild TraversalIDs = %v, want %v", grandchild.TraversalIDs, want)
			break
		}
	}
}

func TestInsertPipelineUnknownParent(t *testing.T) {
	m := NewMemory()
	ghost := int64(999)
	if _, err := m.InsertPipeline(&models.Pipeline{ProjectID: 1, ParentID: &ghost}); !errors.Is(err, ErrPipelineNotFound) {
		t.Errorf("InsertPipeline() error = %v, want ErrPipelineNotFound", err)
	}
}

func TestUpdateJobStatusCAS(t *testing.T) {
	m := NewMemory()
	p := mustInsertPipeline(t, m, nil)
	j := mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "compile", Status: models.StatusPending})

	ok, err := m.UpdateJobStatus(j.ID, []models.Status{models.StatusRunning}, models.StatusSuccess)
	if err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}
	if ok {
		t.Error("transition from a non-matching status succeeded")
	}

	ok, err = m.UpdateJobStatus(j.ID, []models.Status{models.StatusPending, models.StatusRunning}, models.StatusSuccess)
	if err != nil || !ok {
		t.Fatalf("UpdateJobStatus() = (%v, %v), want (true, nil)", ok, err)
	}

	got, _, err := m.Job(j.ID)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if got.Status != models.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}

	if _, err := m.UpdateJobStatus(999, []models.Status{models.StatusPending}, models.StatusRunning); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("UpdateJobStatus(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestCurrentJobByNameSkipsRetried(t *testing.T) {
	m := NewMemory()
	p := mustInsertPipeline(t, m, nil)
	old := mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "rspec", Status: models.StatusFailed})

	successor, err := m.RetryJob(old.ID, &models.Job{PipelineID: p.ID, Name: "rspec", Status: models.StatusPending})
	if err != nil {
		t.Fatalf("RetryJob() error = %v", err)
	}

	got, ok, err := m.CurrentJobByName(p.ID, "rspec")
	if err != nil || !ok {
		t.Fatalf("CurrentJobByName() = (%v, %v)", ok, err)
	}
	if got.ID != successor.ID {
		t.Errorf("current rspec ID = %d, want successor %d", got.ID, successor.ID)
	}
}

func TestSuccessfulJobByName(t *testing.T) {
	m := NewMemory()
	p := mustInsertPipeline(t, m, nil)
	mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "rspec", Status: models.StatusFailed})

	if _, ok, err := m.SuccessfulJobByName(p.ID, "rspec"); err != nil || ok {
		t.Errorf("SuccessfulJobByName() on failed job = (%v, %v), want not found", ok, err)
	}
}

func TestPendingJobsFIFO(t *testing.T) {
	m := NewMemory()
	p := mustInsertPipeline(t, m, nil)
	first := mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "a", Status: models.StatusPending})
	mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "b", Status: models.StatusRunning})
	second := mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "c", Status: models.StatusPending})

	got, err := m.PendingJobs()
	if err != nil {
		t.Fatalf("PendingJobs() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("PendingJobs() = %v, want [a c] in creation order", got)
	}
}

func TestEraseJobArtifacts(t *testing.T) {
	m := NewMemory()
	p := mustInsertPipeline(t, m, nil)
	j := mustInsertJob(t, m, &models.Job{PipelineID: p.ID, Name: "build", Status: models.StatusSuccess})

	if err := m.EraseJobArtifacts(j.ID); err != nil {
		t.Fatalf("EraseJobArtifacts() error = %v", err)
	}
	got, _, err := m.Job(j.ID)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if !got.Erased() {
		t.Error("job not marked erased")
	}
}

func TestReadsReturnCopies(t *testing.T) {
	m := NewMemory()
	p := mustInsertPipeline(t, m, nil)
	j := mustInsertJob(t, m, &models.Job{
		PipelineID: p.ID,
		Name:       "compile",
		Status:     models.StatusPending,
		Variables:  map[string]string{"ENV": "staging"},
	})

	j.Status = models.StatusFailed
	j.Variables["ENV"] = "mutated"

	got, _, err := m.Job(j.ID)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if got.Status != models.StatusPending || got.Variables["ENV"] != "staging" {
		t.Error("mutating a returned job leaked into the store")
	}
}
