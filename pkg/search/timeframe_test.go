package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/memerr"
)

// Wednesday afternoon, fixed for determinism.
var testNow = time.Date(2026, 8, 19, 15, 30, 0, 0, time.UTC)

func testParser(weekStart time.Weekday) *TimeframeParser {
	p := NewTimeframeParser(time.UTC, weekStart)
	p.Now = func() time.Time { return testNow }
	return p
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParse_CivilDays(t *testing.T) {
	p := testParser(time.Monday)

	tf, err := p.Parse("today")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 19), tf.Start)
	assert.Equal(t, day(2026, 8, 20), tf.End)

	tf, err = p.Parse("yesterday")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 18), tf.Start)
	assert.Equal(t, day(2026, 8, 19), tf.End)

	tf, err = p.Parse("this morning")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 19), tf.Start)
	assert.Equal(t, day(2026, 8, 19).Add(12*time.Hour), tf.End)
}

func TestParse_RollingRanges(t *testing.T) {
	p := testParser(time.Monday)

	tf, err := p.Parse("last week")
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, -7), tf.Start)
	assert.Equal(t, testNow, tf.End)

	tf, err = p.Parse("last 10 days")
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, -10), tf.Start)

	for _, expr := range []string{"a few days ago", "few days ago", "several days ago", "recently", "recent"} {
		tf, err = p.Parse(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, testNow.AddDate(0, 0, -3), tf.Start, expr)
	}

	tf, err = p.Parse("last month")
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, -1, 0), tf.Start)

	tf, err = p.Parse("this month")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 1), tf.Start)
	assert.Equal(t, testNow, tf.End)
}

func TestParse_Weekends(t *testing.T) {
	p := testParser(time.Monday)

	// Current week starts Monday 2026-08-17; last weekend is Sat 08-15
	// through end of Monday 08-17.
	tf, err := p.Parse("last weekend")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 15), tf.Start)
	assert.Equal(t, day(2026, 8, 18), tf.End)

	tf, err = p.Parse("2 weekends ago")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 8), tf.Start)

	// A Sunday week start lands on the same Saturday from a midweek anchor.
	sun := testParser(time.Sunday)
	tf, err = sun.Parse("last weekend")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 8, 15), tf.Start)
}

func TestParse_ExactDate(t *testing.T) {
	p := testParser(time.Monday)
	tf, err := p.Parse("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, day(2026, 3, 1), tf.Start)
	assert.Equal(t, day(2026, 3, 2), tf.End)
}

func TestParse_EmptyAndInvalid(t *testing.T) {
	p := testParser(time.Monday)

	tf, err := p.Parse("")
	require.NoError(t, err)
	assert.True(t, tf.IsZero())

	for _, expr := range []string{"next week", "whenever", "last fortnight", "5 parsecs ago"} {
		_, err = p.Parse(expr)
		require.Error(t, err, expr)
		assert.Equal(t, memerr.Validation, memerr.KindOf(err), expr)
	}
}

func TestParse_CaseInsensitive(t *testing.T) {
	p := testParser(time.Monday)
	tf, err := p.Parse("Last Week")
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, -7), tf.Start)
}

func TestExtract_CleansQuery(t *testing.T) {
	p := testParser(time.Monday)

	cleaned, tf := p.Extract("what did we decide last week about caching")
	assert.Equal(t, "what did we decide about caching", cleaned)
	assert.Equal(t, testNow.AddDate(0, 0, -7), tf.Start)
	assert.Equal(t, testNow, tf.End)
}

func TestExtract_FirstMatchWins(t *testing.T) {
	p := testParser(time.Monday)

	cleaned, tf := p.Extract("last week and yesterday we shipped")
	assert.Equal(t, "and yesterday we shipped", cleaned)
	assert.Equal(t, testNow.AddDate(0, 0, -7), tf.Start)
}

func TestExtract_NoPhrase(t *testing.T) {
	p := testParser(time.Monday)
	cleaned, tf := p.Extract("postgres connection pooling")
	assert.Equal(t, "postgres connection pooling", cleaned)
	assert.True(t, tf.IsZero())
}
