package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/sync"
)

var now = time.Date(2024, 3, 6, 15, 4, 5, 0, time.UTC) // a Wednesday

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{
			name: "RFC3339 converted to UTC",
			in:   "2024-03-04T10:00:00+02:00",
			want: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "date only is midnight UTC",
			in:   "2024-03-01",
			want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "now",
			in:   " NOW ",
			want: now,
		},
		{
			name:    "empty",
			in:      "",
			wantErr: true,
		},
		{
			name:    "gibberish",
			in:      "xyzzy",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDate(tt.in, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseDate(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDate(%q) unexpected error: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseDate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDate_NaturalLanguage(t *testing.T) {
	got, err := parseDate("2 days ago", now)
	if err != nil {
		t.Fatalf("parseDate() unexpected error: %v", err)
	}
	lo := now.Add(-3 * 24 * time.Hour)
	if !got.After(lo) || !got.Before(now) {
		t.Errorf("parseDate(\"2 days ago\") = %v, want within 3 days before %v", got, now)
	}
	if got.Location() != time.UTC {
		t.Errorf("parseDate() location = %v, want UTC", got.Location())
	}
}

func TestResolveRange_Defaults(t *testing.T) {
	since, until, err := resolveRange("", "", 7*24*time.Hour, now)
	if err != nil {
		t.Fatalf("resolveRange() unexpected error: %v", err)
	}
	if !until.Equal(now) {
		t.Errorf("until = %v, want %v", until, now)
	}
	if !since.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Errorf("since = %v, want one week before now", since)
	}
}

func TestResolveRange_LookbackFromUntil(t *testing.T) {
	since, until, err := resolveRange("", "2024-03-01", 24*time.Hour, now)
	if err != nil {
		t.Fatalf("resolveRange() unexpected error: %v", err)
	}
	if !since.Equal(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("since = %v, want 2024-02-29", since)
	}
	if !until.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("until = %v, want 2024-03-01", until)
	}
}

func TestResolveRange_Errors(t *testing.T) {
	tests := []struct {
		name        string
		since       string
		until       string
		errContains string
	}{
		{"bad since", "qwerty", "", "--since"},
		{"bad until", "", "zzz", "--until"},
		{"until before since", "2024-03-02", "2024-03-01", "is not after"},
		{"empty range", "2024-03-01", "2024-03-01", "is not after"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := resolveRange(tt.since, tt.until, time.Hour, now)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %q, want error containing %q", err.Error(), tt.errContains)
			}
		})
	}
}

func TestLinkCmd_Args(t *testing.T) {
	if err := linkCmd.Args(linkCmd, []string{"epics"}); err != nil {
		t.Errorf("link epics should be accepted: %v", err)
	}
	for _, args := range [][]string{nil, {"stories"}, {"epics", "parents"}} {
		if err := linkCmd.Args(linkCmd, args); err == nil {
			t.Errorf("link %v should be rejected", args)
		}
	}
}

func TestLinkStages_CoverValidArgs(t *testing.T) {
	for _, arg := range linkCmd.ValidArgs {
		stage, ok := linkStages[arg]
		if !ok {
			t.Errorf("no stage for link %s", arg)
			continue
		}
		if _, err := sync.ParseStage(string(stage)); err != nil {
			t.Errorf("link %s maps to unknown stage %q", arg, stage)
		}
	}
}

func TestCommands_Registered(t *testing.T) {
	want := []string{"sync", "entries", "link", "propagate", "status", "retry-keys", "runs", "serve"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestRangeFlags(t *testing.T) {
	for _, c := range []string{"sync", "entries"} {
		cmd, _, _ := rootCmd.Find([]string{c})
		for _, f := range []string{"since", "until"} {
			if cmd.Flags().Lookup(f) == nil {
				t.Errorf("%s is missing --%s", c, f)
			}
		}
	}
}

func TestPrintRuns(t *testing.T) {
	runs := []cache.SyncRun{
		{
			RunID:     "0123456789abcdef",
			Stage:     "issues",
			StartedAt: now.Add(-2 * time.Hour),
			Status:    cache.RunOK,
			Detail:    "3 linked",
		},
	}
	var buf bytes.Buffer
	printRuns(&buf, runs, now)

	out := buf.String()
	for _, want := range []string{"01234567 ", "issues", "2 hours ago", "3 linked"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "89abcdef") {
		t.Errorf("run id should be shortened:\n%s", out)
	}
}

func TestTrackedTotal(t *testing.T) {
	entries := []cache.TimeEntry{{DurationSeconds: 3600}, {DurationSeconds: 1800}}
	if got := trackedTotal(entries); got != 90*time.Minute {
		t.Errorf("trackedTotal() = %v, want 1h30m", got)
	}
}
