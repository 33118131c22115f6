// Package store provides the persistence layer for pipelines, jobs and
// resource groups. The scheduling core only ever talks to narrow
// query/update methods, so the in-memory implementation here can be
// swapped for a relational backend without touching the resolvers.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lei/pipeline-core/internal/models"
)

var (
	// ErrPipelineNotFound indicates the requested pipeline doesn't exist
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrJobNotFound indicates the requested job doesn't exist
	ErrJobNotFound = errors.New("job not found")
	// ErrResourceGroupNotFound indicates the requested resource group doesn't exist
	ErrResourceGroupNotFound = errors.New("resource group not found")
)

// Memory is an in-memory store. All mutations happen under a single
// mutex, giving the same atomicity guarantees the core expects from
// row-level locking in a relational backend.
type Memory struct {
	mu sync.Mutex

	nextPipelineID int64
	nextJobID      int64
	nextGroupID    int64
	nextResourceID int64

	pipelines      map[int64]*models.Pipeline
	jobs           map[int64]*models.Job
	jobsByPipeline map[int64][]int64

	groupsByKey      map[string]*models.ResourceGroup
	groups           map[int64]*models.ResourceGroup
	resources        map[int64]*models.Resource
	resourcesByGroup map[int64][]int64

	pipelineLocks map[int64]*sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		pipelines:        make(map[int64]*models.Pipeline),
		jobs:             make(map[int64]*models.Job),
		jobsByPipeline:   make(map[int64][]int64),
		groupsByKey:      make(map[string]*models.ResourceGroup),
		groups:           make(map[int64]*models.ResourceGroup),
		resources:        make(map[int64]*models.Resource),
		resourcesByGroup: make(map[int64][]int64),
		pipelineLocks:    make(map[int64]*sync.Mutex),
	}
}

// InsertPipeline persists a new pipeline, assigning its ID and
// materializing its ancestor chain. When ParentID is set the chain is
// the parent's chain plus the new ID; otherwise the pipeline is the
// sole member of its own hierarchy.
func (m *Memory) InsertPipeline(p *models.Pipeline) (*models.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var parentChain []int64
	if p.ParentID != nil {
		parent, ok := m.pipelines[*p.ParentID]
		if !ok {
			return nil, fmt.Errorf("parent pipeline %d: %w", *p.ParentID, ErrPipelineNotFound)
		}
		parentChain = parent.TraversalIDs
	}

	m.nextPipelineID++
	p.ID = m.nextPipelineID
	p.TraversalIDs = append(append([]int64{}, parentChain...), p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = models.StatusCreated
	}

	stored := copyPipeline(p)
	m.pipelines[p.ID] = stored
	return copyPipeline(stored), nil
}

// Pipeline returns the pipeline with the given ID.
func (m *Memory) Pipeline(id int64) (*models.Pipeline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, false, nil
	}
	return copyPipeline(p), true, nil
}

// UpdatePipelineStatus sets the pipeline's aggregate status.
func (m *Memory) UpdatePipelineStatus(id int64, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return ErrPipelineNotFound
	}
	p.Status = status
	return nil
}

// InsertJob persists a new job, assigning its ID.
func (m *Memory) InsertJob(j *models.Job) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertJobLocked(j)
}

func (m *Memory) insertJobLocked(j *models.Job) (*models.Job, error) {
	if _, ok := m.pipelines[j.PipelineID]; !ok {
		return nil, fmt.Errorf("pipeline %d: %w", j.PipelineID, ErrPipelineNotFound)
	}

	m.nextJobID++
	j.ID = m.nextJobID
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}

	stored := copyJob(j)
	m.jobs[j.ID] = stored
	m.jobsByPipeline[j.PipelineID] = append(m.jobsByPipeline[j.PipelineID], j.ID)
	return copyJob(stored), nil
}

// Job returns the job with the given ID.
func (m *Memory) Job(id int64) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, false, nil
	}
	return copyJob(j), true, nil
}

// JobsForPipeline returns every job row of a pipeline, retried
// instances included, in insertion order.
func (m *Memory) JobsForPipeline(pipelineID int64) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.jobsByPipeline[pipelineID]
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, copyJob(m.jobs[id]))
	}
	return jobs, nil
}

// CurrentJobByName returns the canonical (non-retried) instance for a
// name within a pipeline. When every instance has been retried the
// lookup reports no match rather than surfacing a stale row.
func (m *Memory) CurrentJobByName(pipelineID int64, name string) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.jobsByPipeline[pipelineID] {
		j := m.jobs[id]
		if j.Name == name && !j.Retried {
			return copyJob(j), true, nil
		}
	}
	return nil, false, nil
}

// SuccessfulJobByName returns the current instance for a name within a
// pipeline only when that instance succeeded.
func (m *Memory) SuccessfulJobByName(pipelineID int64, name string) (*models.Job, bool, error) {
	j, ok, err := m.CurrentJobByName(pipelineID, name)
	if err != nil || !ok {
		return nil, false, err
	}
	if j.Status != models.StatusSuccess {
		return nil, false, nil
	}
	return j, true, nil
}

// CurrentJobsBeforeStage returns all current-instance jobs of a
// pipeline with a stage index strictly below the given one.
func (m *Memory) CurrentJobsBeforeStage(pipelineID int64, stageIdx int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*models.Job
	for _, id := range m.jobsByPipeline[pipelineID] {
		j := m.jobs[id]
		if !j.Retried && j.StageIdx < stageIdx {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs, nil
}

// PendingJobs returns every current-instance job in pending status
// across all pipelines, ordered by ID so dispatch is FIFO.
func (m *Memory) PendingJobs() ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*models.Job
	for _, j := range m.jobs {
		if !j.Retried && j.Status == models.StatusPending {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

// UpdateJobStatus transitions a job's status only when its current
// status is one of the allowed source states. Returns false without
// modifying anything when the precondition doesn't hold, which makes
// concurrent redundant transitions safe.
func (m *Memory) UpdateJobStatus(id int64, from []models.Status, to models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if len(from) > 0 {
		allowed := false
		for _, s := range from {
			if j.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}
	j.Status = to
	return true, nil
}

// SetJobCoverage records the coverage a job reported.
func (m *Memory) SetJobCoverage(id int64, coverage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Coverage = &coverage
	return nil
}

// EraseJobArtifacts marks a job's artifacts as erased.
func (m *Memory) EraseJobArtifacts(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	j.ErasedAt = &now
	return nil
}

// RetryJob atomically flags the old row as retried and inserts its
// successor, so no reader ever observes two current instances (or
// zero) for the name.
func (m *Memory) RetryJob(oldID int64, successor *models.Job) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.jobs[oldID]
	if !ok {
		return nil, ErrJobNotFound
	}
	old.Retried = true
	return m.insertJobLocked(successor)
}

// WithPipelineLock runs fn while holding the pipeline's advisory lock.
// Stage advancement runs under this lock so redundant concurrent
// triggers serialize and the second attempt finds no remaining work.
func (m *Memory) WithPipelineLock(pipelineID int64, fn func() error) error {
	m.mu.Lock()
	lock, ok := m.pipelineLocks[pipelineID]
	if !ok {
		lock = &sync.Mutex{}
		m.pipelineLocks[pipelineID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func copyPipeline(p *models.Pipeline) *models.Pipeline {
	cp := *p
	cp.TraversalIDs = append([]int64{}, p.TraversalIDs...)
	return &cp
}

func copyJob(j *models.Job) *models.Job {
	cj := *j
	cj.Needs = append([]models.BuildNeed{}, j.Needs...)
	cj.Options.Dependencies = append([]string{}, j.Options.Dependencies...)
	cj.Options.CrossDependencies = append([]models.CrossDependencySpec{}, j.Options.CrossDependencies...)
	if j.Coverage != nil {
		c := *j.Coverage
		cj.Coverage = &c
	}
	if j.ErasedAt != nil {
		t := *j.ErasedAt
		cj.ErasedAt = &t
	}
	if j.Variables != nil {
		cj.Variables = make(map[string]string, len(j.Variables))
		for k, v := range j.Variables {
			cj.Variables[k] = v
		}
	}
	return &cj
}
