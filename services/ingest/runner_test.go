package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"promo-engine/services/campaign"
	"promo-engine/services/condition"
	"promo-engine/services/grant"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyHistory fails the first N lookups, then serves values normally.
type flakyHistory struct {
	fakeHistory
	failures int
}

func (f *flakyHistory) History(ctx context.Context, userID string, refs []condition.KeyRef, w grant.Window) (map[string]float64, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("ledger down")
	}
	return f.fakeHistory.History(ctx, userID, refs, w)
}

func shortenBackoff(t *testing.T) {
	t.Helper()
	old := fetchBackoff
	fetchBackoff = 10 * time.Millisecond
	t.Cleanup(func() { fetchBackoff = old })
}

func TestProcessRetriesSameEventUntilHandled(t *testing.T) {
	shortenBackoff(t)

	history := &flakyHistory{
		fakeHistory: fakeHistory{values: map[string]float64{"spend": 180}},
		failures:    2,
	}
	svc, gdb, _ := newTestIngest(t, history)
	seedPassiveCampaign(t, gdb,
		`[["AND",{"key_id":"recharge","symbol":">=","value":"0"},{"key_id":"spend","symbol":"floor","value":"50"}]]`,
		campaign.CycleDay, 0)

	r := NewRunner(nil, svc, zap.NewNop())
	require.True(t, r.process(context.Background(), testEvent("evt-1", 50, "spend")))

	// the event was retried in place, not dropped
	var recs []grant.CompletionRecord
	require.NoError(t, gdb.Find(&recs).Error)
	require.Len(t, recs, 1)
	require.Zero(t, history.failures)
}

func TestProcessRejectedEventIsNotRetried(t *testing.T) {
	shortenBackoff(t)

	svc, gdb, _ := newTestIngest(t, nil)
	seedPassiveCampaign(t, gdb,
		`[{"key_id":"recharge","symbol":">=","value":"100"}]`, campaign.CycleNormal, 0)

	r := NewRunner(nil, svc, zap.NewNop())
	evt := testEvent("evt-1", 150, "recharge")
	evt.UniqueCode = "NO-SUCH-CODE"
	require.True(t, r.process(context.Background(), evt))

	var recs []grant.CompletionRecord
	require.NoError(t, gdb.Find(&recs).Error)
	require.Empty(t, recs)
}

func TestProcessStopsWhenContextEnds(t *testing.T) {
	shortenBackoff(t)

	history := &fakeHistory{err: errors.New("ledger down")}
	svc, gdb, _ := newTestIngest(t, history)
	seedPassiveCampaign(t, gdb,
		`[["AND",{"key_id":"recharge","symbol":">=","value":"0"},{"key_id":"spend","symbol":"floor","value":"50"}]]`,
		campaign.CycleDay, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(nil, svc, zap.NewNop())
	require.False(t, r.process(ctx, testEvent("evt-1", 50, "spend")))

	// nothing committed, nothing persisted, event stays for redelivery
	var recs []grant.CompletionRecord
	require.NoError(t, gdb.Find(&recs).Error)
	require.Empty(t, recs)
}
