package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var naturalDates = newNaturalParser()

func newNaturalParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseDate accepts RFC3339, YYYY-MM-DD (midnight UTC) or natural language
// relative to now ("yesterday", "last monday", "3 days ago").
func parseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if strings.EqualFold(s, "now") {
		return now.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}

	r, err := naturalDates.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use RFC3339, YYYY-MM-DD or e.g. \"2 days ago\"", s)
	}
	return r.Time.UTC(), nil
}

// resolveRange turns --since/--until flags into a half-open UTC range.
// until defaults to now, since to lookback before until.
func resolveRange(sinceFlag, untilFlag string, lookback time.Duration, now time.Time) (time.Time, time.Time, error) {
	until := now.UTC()
	if untilFlag != "" {
		t, err := parseDate(untilFlag, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--until: %w", err)
		}
		until = t
	}

	since := until.Add(-lookback)
	if sinceFlag != "" {
		t, err := parseDate(sinceFlag, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--since: %w", err)
		}
		since = t
	}

	if !until.After(since) {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid range: --until %s is not after --since %s",
			until.Format(time.RFC3339), since.Format(time.RFC3339))
	}
	return since, until, nil
}
