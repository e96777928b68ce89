package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/toggl"
)

// SyncEntries replaces the mirrored time entries of [since, until) with the
// current report for that range and returns the number of entries saved.
//
// The local range is cleared before the report is fetched. If the fetch fails
// the range stays empty until the next successful run.
func (e *Engine) SyncEntries(ctx context.Context, since, until time.Time) (int, error) {
	since, until = since.UTC(), until.UTC()
	if !until.After(since) {
		return 0, fmt.Errorf("sync entries: invalid range [%s, %s)", since.Format(time.RFC3339), until.Format(time.RFC3339))
	}

	deleted, err := e.store.DeleteTimeEntries(ctx, since, until)
	if err != nil {
		return 0, fmt.Errorf("sync entries: %w", err)
	}
	e.log.Debug().Int64("deleted", deleted).Time("since", since).Time("until", until).Msg("cleared entry range")

	report, err := e.report.DetailedReport(ctx, since, until)
	if err != nil {
		return 0, fmt.Errorf("sync entries: failed to fetch report: %w", err)
	}

	entries := make([]cache.TimeEntry, 0, len(report))
	for _, r := range report {
		entries = append(entries, toCacheEntry(r))
	}

	if err := e.store.InsertTimeEntries(ctx, entries); err != nil {
		return 0, fmt.Errorf("sync entries: %w", err)
	}

	e.log.Info().Int("saved", len(entries)).Msg("time entries synced")
	return len(entries), nil
}

// toCacheEntry converts a report line item to its mirrored form.
func toCacheEntry(r toggl.TimeEntry) cache.TimeEntry {
	var project string
	if r.ProjectID != 0 {
		project = strconv.FormatInt(r.ProjectID, 10)
	}
	return cache.TimeEntry{
		RemoteID:        r.ID,
		Description:     r.Description,
		User:            r.User,
		Project:         project,
		Start:           r.Start.UTC(),
		Stop:            r.Stop.UTC(),
		DurationSeconds: r.Seconds,
		IssueKey:        r.IssueKey,
	}
}
