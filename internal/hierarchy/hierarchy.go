// Package hierarchy answers membership questions about parent/child
// pipeline trees using the ancestor chain materialized at pipeline
// creation, so a membership check never walks the tree.
package hierarchy

import (
	"github.com/lei/pipeline-core/internal/models"
)

// PipelineReader is the lookup the index needs from the store.
type PipelineReader interface {
	Pipeline(id int64) (*models.Pipeline, bool, error)
}

// Index resolves ancestor chains and hierarchy membership.
type Index struct {
	pipelines PipelineReader
}

// NewIndex creates an index over the given pipeline source.
func NewIndex(pipelines PipelineReader) *Index {
	return &Index{pipelines: pipelines}
}

// AncestorsOf returns the pipeline's ancestors, root first, excluding
// the pipeline itself. Ancestors whose rows no longer exist are
// omitted. A pipeline with no recorded parent chain has no ancestors.
func (ix *Index) AncestorsOf(p *models.Pipeline) ([]*models.Pipeline, error) {
	if len(p.TraversalIDs) <= 1 {
		return nil, nil
	}

	ancestors := make([]*models.Pipeline, 0, len(p.TraversalIDs)-1)
	for _, id := range p.TraversalIDs[:len(p.TraversalIDs)-1] {
		ancestor, ok, err := ix.pipelines.Pipeline(id)
		if err != nil {
			return nil, err
		}
		if ok {
			ancestors = append(ancestors, ancestor)
		}
	}
	return ancestors, nil
}

// InSameHierarchy reports whether two pipelines belong to the same
// parent/child/sibling tree: either is an ancestor of the other, or
// they share a common root. Reduces to a single root comparison thanks
// to the materialized chains.
func (ix *Index) InSameHierarchy(a, b *models.Pipeline) bool {
	return a.RootAncestorID() == b.RootAncestorID()
}
