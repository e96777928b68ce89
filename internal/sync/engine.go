// Package sync provides the reconciliation engine between the time-tracking
// source, the issue tracker and the local mirror.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/jira"
	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/JohanCodinha/timelink/internal/toggl"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the subset of the mirror the engine reads and writes.
// *cache.DB implements it.
type Store interface {
	DeleteTimeEntries(ctx context.Context, since, until time.Time) (int64, error)
	InsertTimeEntries(ctx context.Context, entries []cache.TimeEntry) error
	UnlinkedTimeEntries(ctx context.Context) ([]cache.TimeEntry, error)
	LinkTimeEntries(ctx context.Context, ids []int64, issueID int64) error
	FlagBadIssueKey(ctx context.Context, ids []int64) error

	EnsureIssue(ctx context.Context, issue cache.Issue) (int64, error)
	UnlinkedIssues(ctx context.Context, r cache.Relation) ([]cache.Issue, error)
	LinkIssues(ctx context.Context, r cache.Relation, ids []int64, targetID int64) error
	DistinctRelatedIDs(ctx context.Context, r cache.Relation) ([]int64, error)
	IssuesByIDs(ctx context.Context, ids []int64) ([]cache.Issue, error)
	ApplyInherited(ctx context.Context, r cache.Relation, ancestorID int64, props cache.Inherited) (int64, error)

	RecordRun(ctx context.Context, run cache.SyncRun) error
}

// ReportFetcher returns the time entries of a date range. *toggl.Client implements it.
type ReportFetcher interface {
	DetailedReport(ctx context.Context, since, until time.Time) ([]toggl.TimeEntry, error)
}

// IssueFetcher returns a single issue by key. It must be safe for concurrent use.
// *jira.Client implements it.
type IssueFetcher interface {
	GetIssue(ctx context.Context, key string) (*jira.Issue, error)
}

// Stage names a step of the reconciliation pipeline.
type Stage string

const (
	StageEntries   Stage = "entries"
	StageIssues    Stage = "issues"
	StageEpics     Stage = "epics"
	StageParents   Stage = "parents"
	StagePropagate Stage = "propagate"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageEntries, StageIssues, StageEpics, StageParents, StagePropagate}

// ParseStage converts a stage name to a Stage.
func ParseStage(s string) (Stage, error) {
	name := Stage(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Stages {
		if st == name {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q: valid stages are entries, issues, epics, parents, propagate", s)
}

// Engine runs the reconciliation stages against a Store.
type Engine struct {
	store     Store
	report    ReportFetcher
	issues    IssueFetcher
	batchSize int
	log       zerolog.Logger

	now      func() time.Time
	newRunID func() string
}

// NewEngine creates a new reconciliation engine.
// batchSize is the resolver chunk size; values <= 0 select DefaultBatchSize.
func NewEngine(store Store, report ReportFetcher, issues IssueFetcher, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		store:     store,
		report:    report,
		issues:    issues,
		batchSize: batchSize,
		log:       logger.Component("sync"),
		now:       time.Now,
		newRunID:  func() string { return uuid.NewString() },
	}
}

// RunStage executes a single stage. since and until only apply to StageEntries.
// The returned detail summarizes what the stage did.
func (e *Engine) RunStage(ctx context.Context, stage Stage, since, until time.Time) (string, error) {
	switch stage {
	case StageEntries:
		n, err := e.SyncEntries(ctx, since, until)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d entries saved", n), nil
	case StageIssues:
		res, err := e.LinkIssues(ctx)
		if err != nil {
			return "", err
		}
		return res.String(), nil
	case StageEpics:
		res, err := e.LinkHierarchy(ctx, cache.RelationEpic)
		if err != nil {
			return "", err
		}
		return res.String(), nil
	case StageParents:
		res, err := e.LinkHierarchy(ctx, cache.RelationParent)
		if err != nil {
			return "", err
		}
		return res.String(), nil
	case StagePropagate:
		res, err := e.Propagate(ctx)
		if err != nil {
			return "", err
		}
		return res.String(), nil
	}
	return "", fmt.Errorf("unknown stage %q", string(stage))
}

// Run executes the given stages in order, all of them when none are given,
// and records each execution under a shared run id. It stops at the first
// failing stage; writes of earlier stages stay committed.
func (e *Engine) Run(ctx context.Context, since, until time.Time, stages ...Stage) (string, error) {
	if len(stages) == 0 {
		stages = Stages
	}
	runID := e.newRunID()
	log := e.log.With().Str("run", runID).Logger()
	log.Info().Time("since", since).Time("until", until).Msg("reconciliation started")

	for _, stage := range stages {
		started := e.now()
		detail, err := e.RunStage(ctx, stage, since, until)

		run := cache.SyncRun{
			RunID:      runID,
			Stage:      string(stage),
			StartedAt:  started,
			FinishedAt: e.now(),
			Status:     cache.RunOK,
			Detail:     detail,
		}
		if err != nil {
			run.Status = cache.RunFailed
			run.Detail = err.Error()
		}
		// Record the outcome even when ctx was cancelled.
		if recErr := e.store.RecordRun(context.WithoutCancel(ctx), run); recErr != nil {
			log.Warn().Err(recErr).Str("stage", string(stage)).Msg("failed to record run")
		}

		if err != nil {
			log.Error().Err(err).Str("stage", string(stage)).Msg("stage failed")
			return runID, err
		}
		log.Info().Str("stage", string(stage)).Str("detail", detail).
			Dur("took", run.FinishedAt.Sub(run.StartedAt)).Msg("stage done")
	}

	log.Info().Msg("reconciliation complete")
	return runID, nil
}
