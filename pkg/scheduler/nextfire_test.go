package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/models"
)

func intPtr(n int) *int { return &n }

func taskWith(recurrence models.Recurrence, at string, day *int, tz string) *models.ScheduledTask {
	return &models.ScheduledTask{
		Recurrence:    recurrence,
		ScheduledTime: at,
		ScheduledDay:  day,
		Timezone:      tz,
	}
}

func TestParseClock(t *testing.T) {
	h, m, s, err := parseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, []int{9, 30, 0}, []int{h, m, s})

	h, m, s, err = parseClock("23:59:58")
	require.NoError(t, err)
	assert.Equal(t, []int{23, 59, 58}, []int{h, m, s})

	for _, bad := range []string{"", "9", "24:00", "12:60", "12:00:60", "ab:cd", "1:2:3:4"} {
		_, _, _, err := parseClock(bad)
		assert.Error(t, err, "clock %q should not parse", bad)
	}
}

func TestNextFireTime_Daily(t *testing.T) {
	// 2026-03-02 is a Monday.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	t.Run("later today", func(t *testing.T) {
		next, err := NextFireTime(taskWith(models.RecurrenceDaily, "09:30", nil, "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), next)
	})

	t.Run("already passed rolls to tomorrow", func(t *testing.T) {
		next, err := NextFireTime(taskWith(models.RecurrenceDaily, "07:00", nil, "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC), next)
	})

	t.Run("exactly now rolls forward", func(t *testing.T) {
		next, err := NextFireTime(taskWith(models.RecurrenceDaily, "08:00", nil, "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), next)
	})
}

func TestNextFireTime_Once(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	next, err := NextFireTime(taskWith(models.RecurrenceOnce, "10:00", nil, "UTC"), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), next)
}

func TestNextFireTime_Weekly(t *testing.T) {
	// Monday.
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	t.Run("later this week", func(t *testing.T) {
		next, err := NextFireTime(taskWith(models.RecurrenceWeekly, "09:00", intPtr(5), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC), next) // Friday
	})

	t.Run("same weekday earlier time rolls a week", func(t *testing.T) {
		next, err := NextFireTime(taskWith(models.RecurrenceWeekly, "07:00", intPtr(1), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC), next)
	})

	t.Run("sunday wraps", func(t *testing.T) {
		next, err := NextFireTime(taskWith(models.RecurrenceWeekly, "09:00", intPtr(0), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC), next)
	})
}

func TestNextFireTime_Monthly(t *testing.T) {
	t.Run("later this month", func(t *testing.T) {
		now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		next, err := NextFireTime(taskWith(models.RecurrenceMonthly, "09:00", intPtr(15), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("already passed rolls to next month", func(t *testing.T) {
		now := time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC)
		next, err := NextFireTime(taskWith(models.RecurrenceMonthly, "09:00", intPtr(15), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 4, 15, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("day 31 clamps to month length", func(t *testing.T) {
		now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
		next, err := NextFireTime(taskWith(models.RecurrenceMonthly, "09:00", intPtr(31), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("clamped day rolls past into the next month", func(t *testing.T) {
		now := time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
		next, err := NextFireTime(taskWith(models.RecurrenceMonthly, "09:00", intPtr(31), "UTC"), now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 31, 9, 0, 0, 0, time.UTC), next)
	})
}

func TestNextFireTime_Timezone(t *testing.T) {
	// 14:00 UTC is 09:00 in New York (EST is UTC-5 in January), so a
	// 10:00 America/New_York task still fires today.
	now := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)
	next, err := NextFireTime(taskWith(models.RecurrenceDaily, "10:00", nil, "America/New_York"), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 15, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextFireTime_Errors(t *testing.T) {
	now := time.Now()

	_, err := NextFireTime(taskWith(models.RecurrenceDaily, "10:00", nil, "Not/AZone"), now)
	assert.Error(t, err)

	_, err = NextFireTime(taskWith(models.RecurrenceWeekly, "10:00", nil, "UTC"), now)
	assert.Error(t, err)

	_, err = NextFireTime(taskWith(models.RecurrenceMonthly, "10:00", nil, "UTC"), now)
	assert.Error(t, err)

	_, err = NextFireTime(taskWith(models.Recurrence("hourly"), "10:00", nil, "UTC"), now)
	assert.Error(t, err)
}
