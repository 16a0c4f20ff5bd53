package grant

import (
	"testing"
	"time"

	"promo-engine/services/campaign"

	"github.com/stretchr/testify/require"
)

func testTask(start, end time.Time) *campaign.Task {
	return &campaign.Task{TaskID: "task-1", StartAt: start, EndAt: end}
}

func TestCycleWindowDay(t *testing.T) {
	at := time.Date(2026, 3, 9, 15, 30, 0, 0, time.UTC)
	tc := &campaign.TaskCondition{SendLimit: campaign.CycleDay}

	w := CycleWindow(tc, testTask(at.AddDate(0, 0, -10), at.AddDate(0, 0, 10)), at)
	require.True(t, w.Bounded())
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), w.End)
	require.Equal(t, "20260309", w.Key())
}

func TestCycleWindowHour(t *testing.T) {
	at := time.Date(2026, 3, 9, 15, 30, 0, 0, time.UTC)
	tc := &campaign.TaskCondition{SendLimit: campaign.CycleHour}

	w := CycleWindow(tc, testTask(at.Add(-time.Hour), at.Add(time.Hour)), at)
	require.Equal(t, time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Hour, w.End.Sub(w.Start))
	require.Equal(t, "2026030915", w.Key())
}

func TestCycleWindowISOWeek(t *testing.T) {
	tc := &campaign.TaskCondition{SendLimit: campaign.CycleWeek}
	task := testTask(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))

	// Wednesday Mar 11 falls in the week opened by Monday Mar 9
	w := CycleWindow(tc, task, time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), w.End)
	require.Equal(t, "2026W11", w.Key())

	// Sunday belongs to the same ISO week, not the next
	w = CycleWindow(tc, task, time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), w.Start)
}

func TestCycleWindowNWeekAlignedToTaskStart(t *testing.T) {
	start := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC) // a Wednesday
	task := testTask(start, start.AddDate(0, 6, 0))
	tc := &campaign.TaskCondition{SendLimit: campaign.CycleNWeek, NWeeks: 2}

	// inside the first 14-day bucket
	w := CycleWindow(tc, task, start.AddDate(0, 0, 13))
	require.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC), w.End)

	// day 14 opens the second bucket
	w = CycleWindow(tc, task, start.AddDate(0, 0, 14))
	require.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, "20260318", w.Key())
}

func TestCycleWindowMonth(t *testing.T) {
	tc := &campaign.TaskCondition{SendLimit: campaign.CycleMonth}
	w := CycleWindow(tc, testTask(time.Time{}, time.Time{}), time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), w.End)
	require.Equal(t, "202602", w.Key())
}

func TestCycleWindowWeekOfMonth(t *testing.T) {
	tc := &campaign.TaskCondition{SendLimit: campaign.CycleWeekOfMonth}
	task := testTask(time.Time{}, time.Time{})

	w := CycleWindow(tc, task, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), w.End)

	// the last bucket absorbs the month's tail days
	w = CycleWindow(tc, task, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 3, 22, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestCycleWindowPermanentAndNormal(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 3, 0)
	task := testTask(start, end)

	w := CycleWindow(&campaign.TaskCondition{SendLimit: campaign.CyclePermanent}, task, start.AddDate(0, 1, 0))
	require.Equal(t, start, w.Start)
	require.Equal(t, end, w.End)
	require.Equal(t, "PERM", w.Key())

	w = CycleWindow(&campaign.TaskCondition{SendLimit: campaign.CycleNormal}, task, start)
	require.False(t, w.Bounded())
	require.Equal(t, "", w.Key())
}

func TestRequestIDDerivation(t *testing.T) {
	agg := &campaign.Aggregate{Campaign: campaign.Campaign{Code: "SPRING"}}
	task := testTask(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	at := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	// timed cycles derive from the cycle key, so redelivery collides
	occ := &Occurrence{
		Aggregate: agg, Task: task, UserID: "u1", BusinessAt: at, EventID: "evt-1",
		Condition: &campaign.TaskCondition{ConditionID: "c1", SendLimit: campaign.CycleDay},
	}
	w := CycleWindow(occ.Condition, task, at)
	require.Equal(t, "SPRING:task-1:u1:20260309", occ.RequestID(w))

	// Normal cycles derive from the event id
	occ.Condition = &campaign.TaskCondition{ConditionID: "c1", SendLimit: campaign.CycleNormal}
	w = CycleWindow(occ.Condition, task, at)
	require.Equal(t, "evt:evt-1:c1", occ.RequestID(w))
}
