package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/store"
)

// fewDays is the span for vague quantifiers ("a few days ago", "recently").
const fewDays = 3

// TimeframeParser resolves natural-language time expressions into concrete
// ranges, anchored to a time zone and a configured week start.
type TimeframeParser struct {
	Location  *time.Location
	WeekStart time.Weekday
	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// NewTimeframeParser builds a parser. loc nil means the local zone.
func NewTimeframeParser(loc *time.Location, weekStart time.Weekday) *TimeframeParser {
	if loc == nil {
		loc = time.Local
	}
	return &TimeframeParser{Location: loc, WeekStart: weekStart}
}

func (p *TimeframeParser) now() time.Time {
	if p.Now != nil {
		return p.Now().In(p.Location)
	}
	return time.Now().In(p.Location)
}

// phrasePatterns are tried in order; the first match wins, both for Parse
// and for Extract. Multi-word quantifier phrases come before their
// single-word suffixes so "last 10 days" never half-matches.
var phrasePatterns = []struct {
	re    *regexp.Regexp
	build func(p *TimeframeParser, m []string) store.Timeframe
}{
	{
		re: regexp.MustCompile(`(?i)\blast\s+(\d+)\s+days?\b`),
		build: func(p *TimeframeParser, m []string) store.Timeframe {
			n, _ := strconv.Atoi(m[1])
			now := p.now()
			return store.Timeframe{Start: now.AddDate(0, 0, -n), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\b(?:a\s+few|few|several)\s+days\s+ago\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			now := p.now()
			return store.Timeframe{Start: now.AddDate(0, 0, -fewDays), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\b(\d+)\s+weekends?\s+ago\b`),
		build: func(p *TimeframeParser, m []string) store.Timeframe {
			n, _ := strconv.Atoi(m[1])
			return p.weekendsAgo(n)
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast\s+weekend\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			return p.weekendsAgo(1)
		},
	},
	{
		re: regexp.MustCompile(`(?i)\bthis\s+morning\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			day := p.dayStart(p.now())
			return store.Timeframe{Start: day, End: day.Add(12 * time.Hour)}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\btoday\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			day := p.dayStart(p.now())
			return store.Timeframe{Start: day, End: day.AddDate(0, 0, 1)}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\byesterday\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			day := p.dayStart(p.now())
			return store.Timeframe{Start: day.AddDate(0, 0, -1), End: day}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast\s+week\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			now := p.now()
			return store.Timeframe{Start: now.AddDate(0, 0, -7), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\blast\s+month\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			now := p.now()
			return store.Timeframe{Start: now.AddDate(0, -1, 0), End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\bthis\s+month\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			now := p.now()
			start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, p.Location)
			return store.Timeframe{Start: start, End: now}
		},
	},
	{
		re: regexp.MustCompile(`(?i)\brecent(?:ly)?\b`),
		build: func(p *TimeframeParser, _ []string) store.Timeframe {
			now := p.now()
			return store.Timeframe{Start: now.AddDate(0, 0, -fewDays), End: now}
		},
	},
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Parse resolves expr into a timeframe. expr may be a supported phrase or a
// YYYY-MM-DD date (expanded to its full civil day). An empty expr means no
// filter. Anything else is a Validation error.
func (p *TimeframeParser) Parse(expr string) (store.Timeframe, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return store.Timeframe{}, nil
	}

	if datePattern.MatchString(expr) {
		day, err := time.ParseInLocation("2006-01-02", expr, p.Location)
		if err != nil {
			return store.Timeframe{}, memerr.Ef(memerr.Validation, "invalid date %q", expr)
		}
		return store.Timeframe{Start: day, End: day.AddDate(0, 0, 1)}, nil
	}

	for _, pat := range phrasePatterns {
		if m := pat.re.FindStringSubmatch(expr); m != nil && strings.EqualFold(strings.TrimSpace(pat.re.FindString(expr)), expr) {
			return pat.build(p, m), nil
		}
	}
	return store.Timeframe{}, memerr.Ef(memerr.Validation, "unrecognized timeframe %q", expr)
}

// Extract scans a free-text query for the first time phrase, removes it, and
// returns the cleaned query with the parsed range. Queries with several
// phrases resolve to the first match only. No phrase means a zero timeframe
// and the query unchanged.
func (p *TimeframeParser) Extract(query string) (string, store.Timeframe) {
	type hit struct {
		loc []int
		tf  store.Timeframe
	}
	var first *hit
	for _, pat := range phrasePatterns {
		loc := pat.re.FindStringSubmatchIndex(query)
		if loc == nil {
			continue
		}
		if first == nil || loc[0] < first.loc[0] {
			m := pat.re.FindStringSubmatch(query[loc[0]:loc[1]])
			first = &hit{loc: loc[:2], tf: pat.build(p, m)}
		}
	}
	if first == nil {
		return query, store.Timeframe{}
	}

	cleaned := query[:first.loc[0]] + query[first.loc[1]:]
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return cleaned, first.tf
}

// dayStart truncates t to civil midnight in the parser's zone.
func (p *TimeframeParser) dayStart(t time.Time) time.Time {
	t = t.In(p.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.Location)
}

// weekendsAgo returns the n-th most recent completed weekend: Saturday 00:00
// through the end of Monday, per the configured week start. n == 1 is the
// weekend of the previous week.
func (p *TimeframeParser) weekendsAgo(n int) store.Timeframe {
	if n < 1 {
		n = 1
	}
	weekStart := p.currentWeekStart()
	// Most recent Saturday strictly before the current week's start.
	sat := weekStart
	for sat.Weekday() != time.Saturday {
		sat = sat.AddDate(0, 0, -1)
	}
	sat = sat.AddDate(0, 0, -7*(n-1))
	return store.Timeframe{Start: sat, End: sat.AddDate(0, 0, 3)}
}

// currentWeekStart returns civil midnight of the configured first day of the
// current week.
func (p *TimeframeParser) currentWeekStart() time.Time {
	day := p.dayStart(p.now())
	for day.Weekday() != p.WeekStart {
		day = day.AddDate(0, 0, -1)
	}
	return day
}
