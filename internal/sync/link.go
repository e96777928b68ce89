package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/jira"
	"golang.org/x/sync/errgroup"
)

// LinkResult summarizes a linking stage.
type LinkResult struct {
	Keys       int // distinct keys looked up
	Linked     int // groups linked to an issue
	Unresolved int // groups whose key did not resolve
}

func (r LinkResult) String() string {
	return fmt.Sprintf("%d keys, %d linked, %d unresolved", r.Keys, r.Linked, r.Unresolved)
}

// LinkIssues links unlinked time entries to issues by their issue key.
//
// Entries are grouped by key and each distinct key is resolved once. A group
// whose key resolves gets the issue's local id; a group whose key does not
// resolve is flagged with badIssueKey and skipped by later runs until the flag
// is cleared.
func (e *Engine) LinkIssues(ctx context.Context) (LinkResult, error) {
	entries, err := e.store.UnlinkedTimeEntries(ctx)
	if err != nil {
		return LinkResult{}, fmt.Errorf("link issues: %w", err)
	}

	keys, groups := groupByKey(entries,
		func(t cache.TimeEntry) string { return t.IssueKey },
		func(t cache.TimeEntry) int64 { return t.ID })
	res := LinkResult{Keys: len(keys)}
	if len(keys) == 0 {
		e.log.Debug().Msg("no unlinked time entries")
		return res, nil
	}

	records, err := Resolve(ctx, keys, e.batchSize, e.issues.GetIssue)
	if err != nil {
		return res, fmt.Errorf("link issues: %w", err)
	}

	issueIDs, err := e.persistIssues(ctx, records)
	if err != nil {
		return res, fmt.Errorf("link issues: %w", err)
	}

	errs := make([]error, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		ids := groups[key]
		if issueIDs[i] == 0 {
			res.Unresolved++
			g.Go(func() error {
				if err := e.store.FlagBadIssueKey(ctx, ids); err != nil {
					errs[i] = fmt.Errorf("%s: %w", key, err)
				}
				return nil
			})
			continue
		}
		res.Linked++
		g.Go(func() error {
			if err := e.store.LinkTimeEntries(ctx, ids, issueIDs[i]); err != nil {
				errs[i] = fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	g.Wait()

	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("link issues: %w", err)
	}

	e.log.Info().Int("keys", res.Keys).Int("linked", res.Linked).Int("bad", res.Unresolved).Msg("time entries linked")
	return res, nil
}

// LinkHierarchy links issues to their epic or parent issue.
//
// Issues that declare a related key without a related id are grouped by that
// key; each distinct key is resolved once. Newly resolved issues are stored
// one after the other, then every resolved group is linked concurrently.
// Groups whose key does not resolve stay unlinked and are retried on the
// next run.
func (e *Engine) LinkHierarchy(ctx context.Context, r cache.Relation) (LinkResult, error) {
	if r != cache.RelationEpic && r != cache.RelationParent {
		return LinkResult{}, fmt.Errorf("link hierarchy: invalid relation %q", string(r))
	}

	issues, err := e.store.UnlinkedIssues(ctx, r)
	if err != nil {
		return LinkResult{}, fmt.Errorf("link %s: %w", r, err)
	}

	keys, groups := groupByKey(issues,
		func(i cache.Issue) string { return i.RelatedKey(r) },
		func(i cache.Issue) int64 { return i.ID })
	res := LinkResult{Keys: len(keys)}
	if len(keys) == 0 {
		e.log.Debug().Str("relation", string(r)).Msg("no unlinked issues")
		return res, nil
	}

	records, err := Resolve(ctx, keys, e.batchSize, e.issues.GetIssue)
	if err != nil {
		return res, fmt.Errorf("link %s: %w", r, err)
	}

	targetIDs, err := e.persistIssues(ctx, records)
	if err != nil {
		return res, fmt.Errorf("link %s: %w", r, err)
	}

	errs := make([]error, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		if targetIDs[i] == 0 {
			res.Unresolved++
			e.log.Debug().Str("relation", string(r)).Str("key", key).Msg("related key unresolved, will retry next run")
			continue
		}
		res.Linked++
		ids := groups[key]
		g.Go(func() error {
			if err := e.store.LinkIssues(ctx, r, ids, targetIDs[i]); err != nil {
				errs[i] = fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	g.Wait()

	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("link %s: %w", r, err)
	}

	e.log.Info().Str("relation", string(r)).Int("keys", res.Keys).Int("linked", res.Linked).
		Int("unresolved", res.Unresolved).Msg("issues linked")
	return res, nil
}

// persistIssues stores each resolved record, in order, and returns the local
// ids aligned with records. Absent records get id 0.
func (e *Engine) persistIssues(ctx context.Context, records []*jira.Issue) ([]int64, error) {
	ids := make([]int64, len(records))
	for i, rec := range records {
		if rec == nil {
			continue
		}
		id, err := e.store.EnsureIssue(ctx, toCacheIssue(rec))
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// toCacheIssue converts a remote issue to its mirrored form.
func toCacheIssue(i *jira.Issue) cache.Issue {
	return cache.Issue{
		Key:       i.Key,
		RemoteID:  i.ID,
		Summary:   i.Summary,
		Type:      i.Type,
		Status:    i.Status,
		EpicKey:   i.EpicKey,
		ParentKey: i.ParentKey,
		Inherited: cache.Inherited{
			IsRoadmapItem: i.IsRoadmapItem,
			Initiative:    i.Initiative,
		},
	}
}
