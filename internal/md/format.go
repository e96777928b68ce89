// Package md renders the mirror's reconciliation status as markdown.
package md

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Source is the part of the mirror a status report reads.
// *cache.DB implements it.
type Source interface {
	Driver() string
	BadIssueKeys(ctx context.Context) ([]cache.KeyCount, error)
	UnlinkedIssues(ctx context.Context, r cache.Relation) ([]cache.Issue, error)
	ListRuns(ctx context.Context, limit int) ([]cache.SyncRun, error)
}

// Report holds everything a status report shows.
type Report struct {
	GeneratedAt     time.Time
	Store           string
	BadKeys         []cache.KeyCount
	UnlinkedEpics   []cache.Issue
	UnlinkedParents []cache.Issue
	Runs            []cache.SyncRun // newest first
}

// Frontmatter is the YAML header of a status report.
type Frontmatter struct {
	GeneratedAt     string `yaml:"generated_at"`
	Store           string `yaml:"store"`
	BadKeys         int    `yaml:"bad_keys"`
	UnlinkedEpics   int    `yaml:"unlinked_epics"`
	UnlinkedParents int    `yaml:"unlinked_parents"`
	LastRun         string `yaml:"last_run,omitempty"`
	LastStatus      string `yaml:"last_status,omitempty"`
}

// Gather reads a report from the mirror.
func Gather(ctx context.Context, src Source, runLimit int, now time.Time) (Report, error) {
	r := Report{GeneratedAt: now.UTC(), Store: src.Driver()}

	var err error
	if r.BadKeys, err = src.BadIssueKeys(ctx); err != nil {
		return r, err
	}
	unlinked := map[cache.Relation]*[]cache.Issue{
		cache.RelationEpic:   &r.UnlinkedEpics,
		cache.RelationParent: &r.UnlinkedParents,
	}
	for _, rel := range cache.Relations {
		if *unlinked[rel], err = src.UnlinkedIssues(ctx, rel); err != nil {
			return r, err
		}
	}
	if r.Runs, err = src.ListRuns(ctx, runLimit); err != nil {
		return r, err
	}
	return r, nil
}

// Header returns the report's frontmatter.
func (r Report) Header() Frontmatter {
	fm := Frontmatter{
		GeneratedAt:     r.GeneratedAt.UTC().Format(time.RFC3339),
		Store:           r.Store,
		BadKeys:         len(r.BadKeys),
		UnlinkedEpics:   len(r.UnlinkedEpics),
		UnlinkedParents: len(r.UnlinkedParents),
	}
	if len(r.Runs) > 0 {
		fm.LastRun = r.Runs[0].RunID
		fm.LastStatus = r.Runs[0].Status
	}
	return fm
}

// StatusReport converts a report to markdown with YAML frontmatter.
func StatusReport(r Report) string {
	var b strings.Builder

	header, err := yaml.Marshal(r.Header())
	if err != nil {
		// Frontmatter only holds strings and ints.
		panic(fmt.Sprintf("md: failed to marshal frontmatter: %v", err))
	}
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	b.WriteString("# Reconciliation status\n\n")

	b.WriteString("## Unresolvable issue keys\n\n")
	if len(r.BadKeys) == 0 {
		b.WriteString("None.\n\n")
	} else {
		b.WriteString("| Key | Entries |\n|---|---|\n")
		for _, k := range r.BadKeys {
			fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(k.Key), humanize.Comma(int64(k.Count)))
		}
		b.WriteString("\nClear with `timelink retry-keys KEY...` once the issues exist.\n\n")
	}

	writeUnlinked(&b, "Issues waiting for their epic", r.UnlinkedEpics, cache.RelationEpic)
	writeUnlinked(&b, "Issues waiting for their parent", r.UnlinkedParents, cache.RelationParent)

	b.WriteString("## Recent runs\n\n")
	if len(r.Runs) == 0 {
		b.WriteString("No runs recorded.\n")
		return b.String()
	}
	b.WriteString("| Run | Stage | Started | Took | Status | Detail |\n|---|---|---|---|---|---|\n")
	for _, run := range r.Runs {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n",
			shortID(run.RunID),
			run.Stage,
			humanize.RelTime(run.StartedAt, r.GeneratedAt, "ago", "from now"),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
			run.Status,
			escapeCell(run.Detail),
		)
	}
	return b.String()
}

func writeUnlinked(b *strings.Builder, title string, issues []cache.Issue, r cache.Relation) {
	fmt.Fprintf(b, "## %s\n\n", title)
	if len(issues) == 0 {
		b.WriteString("None.\n\n")
		return
	}
	fmt.Fprintf(b, "| Issue | %s key |\n|---|---|\n", strings.ToUpper(string(r[:1]))+string(r[1:]))
	for _, i := range issues {
		fmt.Fprintf(b, "| %s | %s |\n", escapeCell(i.Key), escapeCell(i.RelatedKey(r)))
	}
	b.WriteString("\n")
}

// escapeCell keeps a value on one table row.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
