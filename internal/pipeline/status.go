package pipeline

import (
	"github.com/lei/pipeline-core/internal/models"
)

// StageStatus is the aggregate view of one stage.
type StageStatus struct {
	Name     string        `json:"name"`
	StageIdx int           `json:"stage_idx"`
	Status   models.Status `json:"status"`
}

// StageStatuses derives per-stage aggregate statuses for the
// materialized stages of a pipeline.
func (e *Engine) StageStatuses(pipelineID int64) ([]StageStatus, error) {
	jobs, err := e.store.JobsForPipeline(pipelineID)
	if err != nil {
		return nil, err
	}

	byStage := make(map[int][]*models.Job)
	names := make(map[int]string)
	maxIdx := -1
	for _, j := range currentInstances(jobs) {
		byStage[j.StageIdx] = append(byStage[j.StageIdx], j)
		names[j.StageIdx] = j.Stage
		if j.StageIdx > maxIdx {
			maxIdx = j.StageIdx
		}
	}

	var stages []StageStatus
	for idx := 0; idx <= maxIdx; idx++ {
		group, ok := byStage[idx]
		if !ok {
			continue
		}
		stages = append(stages, StageStatus{
			Name:     names[idx],
			StageIdx: idx,
			Status:   aggregateStatus(group),
		})
	}
	return stages, nil
}

func currentInstances(jobs []*models.Job) []*models.Job {
	current := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		if !j.Retried {
			current = append(current, j)
		}
	}
	return current
}

func hasActive(jobs []*models.Job) bool {
	for _, j := range jobs {
		if j.Status.Active() {
			return true
		}
	}
	return false
}

// hasBlockingManual reports whether a required manual job is waiting.
// Optional manual jobs (allow_failure) never block advancement.
func hasBlockingManual(jobs []*models.Job) bool {
	for _, j := range jobs {
		if j.Status == models.StatusManual && !j.AllowFailure {
			return true
		}
	}
	return false
}

func hasRequiredFailure(jobs []*models.Job) bool {
	for _, j := range jobs {
		if j.Status == models.StatusFailed && !j.AllowFailure {
			return true
		}
	}
	return false
}

// aggregateStatus derives the worst-case-wins status of a job set.
// Failures of allow_failure jobs count as success; an explicit cancel
// overrides success and failure alike; a required manual job surfaces
// as a blocked (manual) aggregate.
func aggregateStatus(jobs []*models.Job) models.Status {
	if len(jobs) == 0 {
		return models.StatusCreated
	}

	var anyRunning, anyPending, anyCanceled, anyFailed, anySuccess bool
	allSkipped := true
	for _, j := range jobs {
		if j.Status != models.StatusSkipped {
			allSkipped = false
		}
		switch j.Status {
		case models.StatusRunning, models.StatusWaitingForRunnerAck, models.StatusPreparing:
			anyRunning = true
		case models.StatusPending, models.StatusCreated:
			anyPending = true
		case models.StatusCanceled:
			if !j.AllowFailure {
				anyCanceled = true
			}
		case models.StatusFailed:
			if !j.AllowFailure {
				anyFailed = true
			}
		case models.StatusSuccess:
			anySuccess = true
		}
	}

	switch {
	case anyRunning:
		return models.StatusRunning
	case anyPending && (anyRunning || anyFailed || anyCanceled || anySuccess):
		return models.StatusRunning
	case anyPending:
		return models.StatusPending
	case anyCanceled:
		return models.StatusCanceled
	case anyFailed:
		return models.StatusFailed
	case hasBlockingManual(jobs):
		return models.StatusManual
	case allSkipped:
		return models.StatusSkipped
	default:
		return models.StatusSuccess
	}
}
