package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pxarchive/internal/testutil"
)

func newTestTrigger(clock *testutil.ManualClock, fired *[]string) *Trigger {
	var mu sync.Mutex
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			*fired = append(*fired, name)
		}
	}
	cst := time.FixedZone("CST", 8*3600)
	return NewTrigger(TriggerConfig{Location: cst, Now: clock.Now}, nil,
		Job{Name: "sync", Weekdays: []time.Weekday{time.Monday}, Hour: 9, Minute: 30, Run: record("sync")},
		Job{Name: "cleanup", Hour: 9, Minute: 0, Run: record("cleanup")},
	)
}

func TestTrigger_FiresOncePerDay(t *testing.T) {
	cst := time.FixedZone("CST", 8*3600)
	// 2024-03-04 is a Monday.
	clock := testutil.NewManualClock(time.Date(2024, 3, 4, 9, 0, 10, 0, cst))
	var fired []string
	tr := newTestTrigger(clock, &fired)

	assert.Equal(t, []string{"cleanup"}, tr.Check(t.Context()))
	clock.Advance(20 * time.Second)
	assert.Empty(t, tr.Check(t.Context()), "already fired today")

	clock.Set(time.Date(2024, 3, 4, 9, 30, 5, 0, cst))
	assert.Equal(t, []string{"sync"}, tr.Check(t.Context()))

	clock.Set(time.Date(2024, 3, 5, 9, 30, 0, 0, cst))
	assert.Empty(t, tr.Check(t.Context()), "weekly job skips Tuesday")
	clock.Set(time.Date(2024, 3, 5, 9, 0, 0, 0, cst))
	assert.Equal(t, []string{"cleanup"}, tr.Check(t.Context()))

	assert.Equal(t, []string{"cleanup", "sync", "cleanup"}, fired)
}

func TestTrigger_UsesLocation(t *testing.T) {
	// 01:30 UTC on Monday is 09:30 in UTC+8.
	clock := testutil.NewManualClock(time.Date(2024, 3, 4, 1, 30, 0, 0, time.UTC))
	var fired []string
	tr := newTestTrigger(clock, &fired)

	assert.Equal(t, []string{"sync"}, tr.Check(t.Context()))
}

func TestTrigger_StartStop(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC))
	var fired []string
	tr := newTestTrigger(clock, &fired)

	require.NoError(t, tr.Start(t.Context()))
	require.NoError(t, tr.Start(t.Context()))
	require.NoError(t, tr.Stop(t.Context()))
	require.NoError(t, tr.Stop(t.Context()))
	assert.Empty(t, fired)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("9.30")
	assert.Error(t, err)
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{
		"monday": time.Monday,
		"Mon":    time.Monday,
		"SUNDAY": time.Sunday,
		"sat":    time.Saturday,
	} {
		got, err := ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseWeekday("someday")
	assert.Error(t, err)
}
