// Package analysis holds the pure helpers around chart analyses: timeframe
// normalization, freshness windows, context selection, and loose JSON parsing of
// model replies.
package analysis

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/chartqueue/pkg/models"
)

// timeframeOrder lists canonical timeframes from highest to lowest.
var timeframeOrder = []string{"1W", "1D", "H4", "H1", "M30", "M15", "M5", "M1"}

var validity = map[string]time.Duration{
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"1D":  24 * time.Hour,
	"1W":  7 * 24 * time.Hour,
}

// parentTimeframes maps a timeframe to the higher ones worth reading first.
var parentTimeframes = map[string][]string{
	"M1":  {"M5", "M15", "H1", "H4"},
	"M5":  {"M15", "H1", "H4"},
	"M15": {"H1", "H4", "1D"},
	"M30": {"H1", "H4", "1D"},
	"H1":  {"H4", "1D"},
	"H4":  {"1D", "1W"},
	"1D":  {"1W"},
	"1W":  {},
}

var defaultContextChain = []string{"1D", "H4", "H1", "M15"}

const fallbackContextRows = 3

var timeframeAliases = map[string]string{
	"D1":   "1D",
	"DAY":  "1D",
	"WEEK": "1W",
	"HOUR": "H1",
}

// NormalizeTimeframe canonicalizes a timeframe label. Unknown labels are
// upper-cased and passed through so they can still be stored.
func NormalizeTimeframe(tf string) string {
	t := strings.ToUpper(strings.TrimSpace(tf))
	if canonical, ok := timeframeAliases[t]; ok {
		return canonical
	}
	return t
}

// Validity returns how long an analysis on tf stays fresh. Unknown timeframes
// are never fresh.
func Validity(tf string) (time.Duration, bool) {
	d, ok := validity[NormalizeTimeframe(tf)]
	return d, ok
}

// FreshAnalyses returns the rows whose validity window has not elapsed at now.
func FreshAnalyses(rows []*models.UserAnalysis, now time.Time) []*models.UserAnalysis {
	var out []*models.UserAnalysis
	for _, r := range rows {
		d, ok := Validity(r.Timeframe)
		if !ok {
			continue
		}
		if now.Sub(r.AnalyzedAt) <= d {
			out = append(out, r)
		}
	}
	return out
}

// LikelyCurrentTimeframe guesses the timeframe the user is working on from the
// most recently analyzed row. It returns "" for no rows.
func LikelyCurrentTimeframe(rows []*models.UserAnalysis) string {
	var latest *models.UserAnalysis
	for _, r := range rows {
		if latest == nil || r.AnalyzedAt.After(latest.AnalyzedAt) {
			latest = r
		}
	}
	if latest == nil {
		return ""
	}
	return NormalizeTimeframe(latest.Timeframe)
}

// SelectContext picks the prior analyses to send along with a new chart: the
// parents of likelyTF ordered from higher to lower timeframe. Without a known
// likelyTF it uses the 1D/H4/H1/M15 chain. When no row matches it falls back to
// the three most recent rows.
func SelectContext(rows []*models.UserAnalysis, likelyTF string) []*models.UserAnalysis {
	if len(rows) == 0 {
		return nil
	}

	wanted, ok := parentTimeframes[NormalizeTimeframe(likelyTF)]
	if !ok {
		wanted = defaultContextChain
	}

	var selected []*models.UserAnalysis
	for _, r := range rows {
		if slices.Contains(wanted, NormalizeTimeframe(r.Timeframe)) {
			selected = append(selected, r)
		}
	}

	if len(selected) == 0 {
		recent := slices.Clone(rows)
		sort.SliceStable(recent, func(i, j int) bool {
			return recent[i].AnalyzedAt.After(recent[j].AnalyzedAt)
		})
		return recent[:min(fallbackContextRows, len(recent))]
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return rankTimeframe(selected[i].Timeframe) < rankTimeframe(selected[j].Timeframe)
	})
	return selected
}

func rankTimeframe(tf string) int {
	if i := slices.Index(timeframeOrder, NormalizeTimeframe(tf)); i >= 0 {
		return i
	}
	return len(timeframeOrder)
}
