package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohanCodinha/timelink/internal/cache"
	"golang.org/x/sync/errgroup"
)

// PropagateResult summarizes a propagation.
type PropagateResult struct {
	Parents int   // parent issues pushed down
	Epics   int   // epic issues pushed down
	Updated int64 // issue rows written, both passes
}

func (r PropagateResult) String() string {
	return fmt.Sprintf("%d parents, %d epics, %d issues updated", r.Parents, r.Epics, r.Updated)
}

// propagationOrder is the pass order. Later passes overwrite earlier ones,
// so an issue with both a parent and an epic ends up with the epic's values.
var propagationOrder = []cache.Relation{cache.RelationParent, cache.RelationEpic}

// Propagate pushes the inherited properties of every linked parent, then of
// every linked epic, onto the issues that reference them. The parent pass
// settles completely before the epic pass starts.
func (e *Engine) Propagate(ctx context.Context) (PropagateResult, error) {
	var res PropagateResult
	for _, r := range propagationOrder {
		ancestors, updated, err := e.propagate(ctx, r)
		if err != nil {
			return res, fmt.Errorf("propagate %s: %w", r, err)
		}
		if r == cache.RelationParent {
			res.Parents = ancestors
		} else {
			res.Epics = ancestors
		}
		res.Updated += updated
	}

	e.log.Info().Int("parents", res.Parents).Int("epics", res.Epics).Int64("updated", res.Updated).Msg("properties propagated")
	return res, nil
}

// propagate runs one pass and returns once every per-ancestor update has finished.
func (e *Engine) propagate(ctx context.Context, r cache.Relation) (int, int64, error) {
	ids, err := e.store.DistinctRelatedIDs(ctx, r)
	if err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	ancestors, err := e.store.IssuesByIDs(ctx, ids)
	if err != nil {
		return 0, 0, err
	}

	counts := make([]int64, len(ancestors))
	errs := make([]error, len(ancestors))
	var g errgroup.Group
	for i, a := range ancestors {
		g.Go(func() error {
			counts[i], errs[i] = e.store.ApplyInherited(ctx, r, a.ID, a.Inherited)
			return nil
		})
	}
	g.Wait()

	var updated int64
	for _, n := range counts {
		updated += n
	}
	return len(ancestors), updated, errors.Join(errs...)
}
