package utils

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// defaultStepDelayDays is used for follow-up steps when the campaign has no
// delay configuration at all.
const defaultStepDelayDays = 1

// ComputeSchedule turns a campaign's pacing configuration into one concrete
// send instant per sequence step.
//
// The delay array is aligned with the step index: delays[0] is the day offset
// of step 1 relative to the start instant (normally 0), delays[1] the offset
// of step 2 relative to step 1's scheduled time, and so on. When the array is
// shorter than the step count the last configured delay repeats; an empty
// array means step 1 fires on the start day and every follow-up one day
// later. Offsets accumulate on the previous step's scheduled time, not on the
// start instant.
//
// Each step lands at a uniformly random minute inside [windowStart,
// windowEnd) on its local day in the campaign timezone. When two steps share
// a day, the later one draws from the remainder of the window after the
// earlier one, rolling to the next day once the window is exhausted, so the
// returned schedule is strictly increasing.
//
// A window whose end is not after its start is a configuration error and is
// rejected.
func ComputeSchedule(start time.Time, stepCount int, delayDays []int, windowStart, windowEnd, timezone string) ([]time.Time, error) {
	if stepCount == 0 {
		return nil, nil
	}

	startMin, err := parseClock(windowStart)
	if err != nil {
		return nil, fmt.Errorf("invalid window start %q: %w", windowStart, err)
	}
	endMin, err := parseClock(windowEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid window end %q: %w", windowEnd, err)
	}
	if endMin <= startMin {
		return nil, fmt.Errorf("send window end %q must be after start %q", windowEnd, windowStart)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	schedule := make([]time.Time, 0, stepCount)
	prev := start.In(loc)

	for i := 0; i < stepCount; i++ {
		base := prev.AddDate(0, 0, stepDelay(i, delayDays))

		// Lower bound inside the window: stay after the previous instant
		// when we are still on its day.
		lower := startMin
		if sameLocalDay(prev, base) {
			if m := prev.Hour()*60 + prev.Minute() + 1; m > lower {
				lower = m
			}
		}
		if lower >= endMin {
			base = base.AddDate(0, 0, 1)
			lower = startMin
		}

		minute := lower + rand.Intn(endMin-lower)
		year, month, day := base.Date()
		at := time.Date(year, month, day, 0, minute, 0, 0, loc)

		schedule = append(schedule, at)
		prev = at
	}

	return schedule, nil
}

func stepDelay(index int, delayDays []int) int {
	switch {
	case index < len(delayDays):
		return delayDays[index]
	case index == 0:
		// Step 1 is anchored at the start instant.
		return 0
	case len(delayDays) > 0:
		return delayDays[len(delayDays)-1]
	default:
		return defaultStepDelayDays
	}
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM")
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour %q", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute %q", parts[1])
	}
	return hour*60 + minute, nil
}
