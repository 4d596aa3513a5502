package schedule

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
)

// PresetDelayHours are the delay choices the dashboard offers.
var PresetDelayHours = []int{0, 12, 24, 48, 72, 120, 168}

func isPreset(h int) bool {
	for _, p := range PresetDelayHours {
		if p == h {
			return true
		}
	}
	return false
}

// Resolve converts a schedule descriptor into an absolute UTC fire time relative to now.
func Resolve(s model.Schedule, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch s.Mode {
	case model.ScheduleImmediate:
		return now, nil
	case model.ScheduleDelayHours:
		if !isPreset(s.DelayHours) {
			return time.Time{}, appErrors.NewValidation("schedule.delay_hours",
				fmt.Sprintf("%d is not one of the preset delays %v", s.DelayHours, PresetDelayHours))
		}
		return now.Add(time.Duration(s.DelayHours) * time.Hour), nil
	case model.ScheduleAbsolute:
		var at time.Time
		switch {
		case s.At != nil:
			at = s.At.UTC()
		case s.InHours != nil:
			at = now.Add(time.Duration(*s.InHours) * time.Hour).Truncate(time.Hour)
		default:
			return time.Time{}, appErrors.NewValidation("schedule.at", "absolute schedule needs a date-time")
		}
		if !at.After(now) {
			return time.Time{}, appErrors.NewValidation("schedule.at", "must be in the future")
		}
		return at, nil
	}
	return time.Time{}, appErrors.NewValidation("schedule.mode", fmt.Sprintf("unknown mode %q", s.Mode))
}

// Next returns the fire time of the cycle after one that fired at prev. ok is false for
// one-shot campaigns. The interval is anchored on prev, not on when the firing finished.
func Next(r model.Recurrence, prev time.Time) (time.Time, bool) {
	switch r {
	case model.RecurrenceDaily:
		return prev.Add(24 * time.Hour), true
	case model.RecurrenceWeekly:
		return prev.Add(7 * 24 * time.Hour), true
	case model.RecurrenceMonthly:
		return prev.AddDate(0, 1, 0), true
	}
	return time.Time{}, false
}
