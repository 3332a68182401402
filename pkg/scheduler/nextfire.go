// Package scheduler fires stored prompts on a recurrence schedule. Tasks
// are claimed transactionally so replicas never double-run one, and each
// claim becomes a chat driven through the stream engine.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// parseClock parses "HH:MM" or "HH:MM:SS".
func parseClock(value string) (hour, minute, second int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid time %q: want HH:MM or HH:MM:SS", value)
	}

	fields := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid time %q: %w", value, err)
		}
		fields[i] = n
	}

	hour, minute = fields[0], fields[1]
	if len(fields) == 3 {
		second = fields[2]
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return 0, 0, 0, fmt.Errorf("invalid time %q: out of range", value)
	}
	return hour, minute, second, nil
}

// NextFireTime returns the smallest instant strictly after now at which the
// task should fire, computed on the task's local wall clock and returned in
// UTC. Monthly days beyond the month's length clamp to its last day.
func NextFireTime(task *models.ScheduledTask, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(task.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", task.Timezone, err)
	}
	hour, minute, second, err := parseClock(task.ScheduledTime)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	at := func(year int, month time.Month, day int) time.Time {
		return time.Date(year, month, day, hour, minute, second, 0, loc)
	}

	var next time.Time
	switch task.Recurrence {
	case models.RecurrenceOnce, models.RecurrenceDaily:
		next = at(local.Year(), local.Month(), local.Day())
		if !next.After(now) {
			n := local.AddDate(0, 0, 1)
			next = at(n.Year(), n.Month(), n.Day())
		}

	case models.RecurrenceWeekly:
		if task.ScheduledDay == nil {
			return time.Time{}, fmt.Errorf("weekly task has no scheduled day")
		}
		target := time.Weekday(*task.ScheduledDay)
		delta := (int(target) - int(local.Weekday()) + 7) % 7
		d := local.AddDate(0, 0, delta)
		next = at(d.Year(), d.Month(), d.Day())
		if !next.After(now) {
			d = d.AddDate(0, 0, 7)
			next = at(d.Year(), d.Month(), d.Day())
		}

	case models.RecurrenceMonthly:
		if task.ScheduledDay == nil {
			return time.Time{}, fmt.Errorf("monthly task has no scheduled day")
		}
		day := *task.ScheduledDay
		next = at(local.Year(), local.Month(), clampDay(local.Year(), local.Month(), day))
		if !next.After(now) {
			n := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			next = at(n.Year(), n.Month(), clampDay(n.Year(), n.Month(), day))
		}

	default:
		return time.Time{}, fmt.Errorf("unknown recurrence %q", task.Recurrence)
	}

	return next.UTC(), nil
}

// clampDay limits a day-of-month to the month's actual length, so a task
// scheduled on the 31st fires on Feb 28/29, Apr 30, and so on.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
