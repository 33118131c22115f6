package api

import (
	"strconv"
	"strings"

	"github.com/lei/pipeline-core/internal/models"
)

// FilterJobs filters job listings based on query parameters
func FilterJobs(jobs []*models.Job, search string, status *models.Status, stage string, retried *bool) []*models.Job {
	if search == "" && status == nil && stage == "" && retried == nil {
		return jobs
	}

	filtered := make([]*models.Job, 0, len(jobs))
	searchLower := strings.ToLower(search)

	for _, j := range jobs {
		// Search filter
		if search != "" && !strings.Contains(strings.ToLower(j.Name), searchLower) {
			continue
		}

		// Status filter
		if status != nil && j.Status != *status {
			continue
		}

		// Stage filter
		if stage != "" && j.Stage != stage {
			continue
		}

		// Retried filter
		if retried != nil && j.Retried != *retried {
			continue
		}

		filtered = append(filtered, j)
	}

	return filtered
}

// parseStatusParam parses a job status query parameter
func parseStatusParam(value string) *models.Status {
	if value == "" {
		return nil
	}

	switch s := models.Status(value); s {
	case models.StatusCreated, models.StatusPreparing, models.StatusPending,
		models.StatusWaitingForRunnerAck, models.StatusRunning,
		models.StatusSuccess, models.StatusFailed, models.StatusCanceled,
		models.StatusSkipped, models.StatusManual, models.StatusScheduled:
		return &s
	}
	return nil
}

// parseBoolParam parses boolean query parameters
func parseBoolParam(value string) *bool {
	if value == "" {
		return nil
	}

	if value == "true" || value == "1" {
		result := true
		return &result
	}

	if value == "false" || value == "0" {
		result := false
		return &result
	}

	return nil
}

// parseIDParam parses a numeric path parameter
func parseIDParam(value string) (int64, bool) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
