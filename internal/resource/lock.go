// Package resource serializes jobs that share a resource group: at
// most one build per group key executes at a time (more when the group
// is provisioned with extra slots).
package resource

import (
	"errors"
	"fmt"

	"github.com/lei/pipeline-core/internal/models"
	"github.com/lei/pipeline-core/pkg/logger"
)

// ErrDuplicateHold indicates a build attempted to retain a second
// resource in a group it already holds one in. Raised, not returned as
// a normal false, because it signals a caller bug. Store
// implementations surface their (resource_group_id, build_id)
// uniqueness violation as an error wrapping this sentinel.
var ErrDuplicateHold = errors.New("duplicate resource hold")

// Store is the persistence surface the lock needs. RetainResource must
// claim a free slot atomically and report a double hold by the same
// build with an error satisfying errors.Is(err, ErrDuplicateHold).
type Store interface {
	UpsertResourceGroup(projectID int64, key string) (*models.ResourceGroup, error)
	ResourceGroupByKey(projectID int64, key string) (*models.ResourceGroup, bool, error)
	RetainResource(groupID, buildID int64) (bool, error)
	ReleaseResource(groupID, buildID int64) (bool, error)
}

// Lock is the mutual-exclusion primitive over resource groups.
type Lock struct {
	store  Store
	logger *logger.Logger
}

// NewLock creates a lock over the given store.
func NewLock(store Store, log *logger.Logger) *Lock {
	return &Lock{store: store, logger: log}
}

// Retain claims one free resource in the job's group, lazily creating
// the group (with its guaranteed single slot) on first reference.
// Returns false when every slot is taken; that is contention, not an
// error. Returns ErrDuplicateHold when the build already holds a slot.
func (l *Lock) Retain(job *models.Job) (bool, error) {
	group, err := l.store.UpsertResourceGroup(job.ProjectID, job.ResourceGroupKey)
	if err != nil {
		return false, fmt.Errorf("ensure resource group %q: %w", job.ResourceGroupKey, err)
	}

	ok, err := l.store.RetainResource(group.ID, job.ID)
	if err != nil {
		return false, err
	}
	if ok {
		l.logger.Debug("resource retained",
			"resource_group", job.ResourceGroupKey,
			"build_id", job.ID)
	}
	return ok, nil
}

// Release frees the resource held by the build in its group. Returns
// false when the build holds none; safe to call redundantly.
func (l *Lock) Release(job *models.Job) (bool, error) {
	group, found, err := l.store.ResourceGroupByKey(job.ProjectID, job.ResourceGroupKey)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	ok, err := l.store.ReleaseResource(group.ID, job.ID)
	if err != nil {
		return false, err
	}
	if ok {
		l.logger.Debug("resource released",
			"resource_group", job.ResourceGroupKey,
			"build_id", job.ID)
	}
	return ok, nil
}
