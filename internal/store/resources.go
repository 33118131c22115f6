package store

import (
	"fmt"

	"github.com/lei/pipeline-core/internal/models"
	"github.com/lei/pipeline-core/internal/resource"
)

// UpsertResourceGroup finds or lazily creates the resource group for a
// project-scoped key and guarantees it holds at least one resource
// slot. Safe to call repeatedly: existing groups never gain duplicate
// slots.
func (m *Memory) UpsertResourceGroup(projectID int64, key string) (*models.ResourceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapKey := fmt.Sprintf("%d/%s", projectID, key)
	if g, ok := m.groupsByKey[mapKey]; ok {
		m.ensureResourceLocked(g.ID)
		return copyGroup(g), nil
	}

	m.nextGroupID++
	g := &models.ResourceGroup{
		ID:        m.nextGroupID,
		ProjectID: projectID,
		Key:       key,
	}
	m.groupsByKey[mapKey] = g
	m.groups[g.ID] = g
	m.ensureResourceLocked(g.ID)
	return copyGroup(g), nil
}

func (m *Memory) ensureResourceLocked(groupID int64) {
	if len(m.resourcesByGroup[groupID]) > 0 {
		return
	}
	m.nextResourceID++
	r := &models.Resource{
		ID:              m.nextResourceID,
		ResourceGroupID: groupID,
	}
	m.resources[r.ID] = r
	m.resourcesByGroup[groupID] = append(m.resourcesByGroup[groupID], r.ID)
}

// ResourceGroupByKey returns the group for a project-scoped key.
func (m *Memory) ResourceGroupByKey(projectID int64, key string) (*models.ResourceGroup, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groupsByKey[fmt.Sprintf("%d/%s", projectID, key)]
	if !ok {
		return nil, false, nil
	}
	return copyGroup(g), true, nil
}

// ResourcesForGroup returns the slots of a resource group.
func (m *Memory) ResourcesForGroup(groupID int64) ([]*models.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupID]; !ok {
		return nil, ErrResourceGroupNotFound
	}
	ids := m.resourcesByGroup[groupID]
	resources := make([]*models.Resource, 0, len(ids))
	for _, id := range ids {
		resources = append(resources, copyResource(m.resources[id]))
	}
	return resources, nil
}

// RetainResource atomically claims one free slot in the group for the
// build. Returns false when every slot is taken. The
// (resource_group_id, build_id) pair is unique: a build that already
// holds a slot in the group gets resource.ErrDuplicateHold.
func (m *Memory) RetainResource(groupID, buildID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.resourcesByGroup[groupID]
	if !ok {
		return false, ErrResourceGroupNotFound
	}

	var free *models.Resource
	for _, id := range ids {
		r := m.resources[id]
		if r.BuildID != nil && *r.BuildID == buildID {
			return false, fmt.Errorf("group %d build %d: %w", groupID, buildID, resource.ErrDuplicateHold)
		}
		if r.BuildID == nil && free == nil {
			free = r
		}
	}
	if free == nil {
		return false, nil
	}

	b := buildID
	free.BuildID = &b
	return true, nil
}

// ReleaseResource clears the slot held by the build in the group.
// Returns false when the build holds none.
func (m *Memory) ReleaseResource(groupID, buildID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, ok := m.resourcesByGroup[groupID]
	if !ok {
		return false, ErrResourceGroupNotFound
	}
	for _, id := range ids {
		r := m.resources[id]
		if r.BuildID != nil && *r.BuildID == buildID {
			r.BuildID = nil
			return true, nil
		}
	}
	return false, nil
}

func copyGroup(g *models.ResourceGroup) *models.ResourceGroup {
	cg := *g
	return &cg
}

func copyResource(r *models.Resource) *models.Resource {
	cr := *r
	if r.BuildID != nil {
		b := *r.BuildID
		cr.BuildID = &b
	}
	return &cr
}
