package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMinPeriodicInterval is the shortest allowed repeat interval
const DefaultMinPeriodicInterval = 15 * time.Minute

// gapSamples is how many consecutive activations ValidateSchedule inspects
const gapSamples = 16

// cronParser supports standard 5-field cron and descriptors like "@every 15m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// ScheduleFromInterval turns a repeat interval into an "@every" descriptor
func ScheduleFromInterval(interval time.Duration) string {
	return "@every " + interval.String()
}

// NextRun returns the first activation of expr strictly after from
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", expr)
	}
	return next.UTC(), nil
}

// ValidateSchedule checks that expr parses and never fires more often than minInterval
func ValidateSchedule(expr string, minInterval time.Duration, from time.Time) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	prev := schedule.Next(from)
	if prev.IsZero() {
		return fmt.Errorf("schedule %q never fires", expr)
	}
	for i := 0; i < gapSamples; i++ {
		next := schedule.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap < minInterval {
			return fmt.Errorf("schedule %q repeats every %s, minimum is %s", expr, gap, minInterval)
		}
		prev = next
	}
	return nil
}
