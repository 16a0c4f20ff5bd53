package grant

import (
	"fmt"
	"time"

	"promo-engine/services/campaign"
)

// Window is the half-open [Start, End) slice of time one cycle of a
// condition covers, computed from the occurrence's business time.
type Window struct {
	Cycle campaign.Cycle
	Start time.Time
	End   time.Time
}

// Bounded reports whether the window filters the ledger query. Normal and
// malformed cycles do not.
func (w Window) Bounded() bool {
	return !w.Start.IsZero() || !w.End.IsZero()
}

// Key renders the window's deterministic time key, used in request ids and
// baseline cache keys. Unbounded windows key to the empty string.
func (w Window) Key() string {
	switch w.Cycle {
	case campaign.CycleHour:
		return w.Start.Format("2006010215")
	case campaign.CycleDay:
		return w.Start.Format("20060102")
	case campaign.CycleWeek:
		year, week := w.Start.ISOWeek()
		return fmt.Sprintf("%dW%02d", year, week)
	case campaign.CycleNWeek, campaign.CycleWeekOfMonth:
		return w.Start.Format("20060102")
	case campaign.CycleMonth:
		return w.Start.Format("200601")
	case campaign.CyclePermanent:
		return "PERM"
	default:
		return ""
	}
}

// CycleWindow computes the window containing the business time `at` for the
// condition's send-limit cycle. NWeek buckets are aligned to the task start;
// WeekOfMonth buckets are 7-day slices counted from the 1st of the month,
// the last slice absorbing the month's tail days. Permanent spans the task
// window and Normal yields an unbounded window.
func CycleWindow(tc *campaign.TaskCondition, task *campaign.Task, at time.Time) Window {
	cycle := tc.SendLimit
	w := Window{Cycle: cycle}

	switch cycle {
	case campaign.CycleHour:
		w.Start = at.Truncate(time.Hour)
		w.End = w.Start.Add(time.Hour)

	case campaign.CycleDay:
		w.Start = startOfDay(at)
		w.End = w.Start.AddDate(0, 0, 1)

	case campaign.CycleWeek:
		w.Start = startOfISOWeek(at)
		w.End = w.Start.AddDate(0, 0, 7)

	case campaign.CycleNWeek:
		n := tc.NWeeks
		if n <= 0 {
			n = 1
		}
		anchor := startOfDay(task.StartAt)
		days := int(startOfDay(at).Sub(anchor).Hours() / 24)
		if days < 0 {
			days = 0
		}
		bucket := days / (7 * n)
		w.Start = anchor.AddDate(0, 0, bucket*7*n)
		w.End = w.Start.AddDate(0, 0, 7*n)

	case campaign.CycleMonth:
		w.Start = time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
		w.End = w.Start.AddDate(0, 1, 0)

	case campaign.CycleWeekOfMonth:
		monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
		nextMonth := monthStart.AddDate(0, 1, 0)
		bucket := (at.Day() - 1) / 7
		if bucket > 3 {
			bucket = 3
		}
		w.Start = monthStart.AddDate(0, 0, bucket*7)
		w.End = w.Start.AddDate(0, 0, 7)
		if bucket == 3 || w.End.After(nextMonth) {
			w.End = nextMonth
		}

	case campaign.CyclePermanent:
		w.Start = task.StartAt
		w.End = task.EndAt
	}

	return w
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfISOWeek returns the Monday midnight opening t's ISO week.
func startOfISOWeek(t time.Time) time.Time {
	d := startOfDay(t)
	wd := int(d.Weekday())
	if wd == 0 {
		wd = 7
	}
	return d.AddDate(0, 0, 1-wd)
}
