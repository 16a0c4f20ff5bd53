package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/errutil"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/rediskey"
	"promo-engine/services/award"
	"promo-engine/services/campaign"
	"promo-engine/services/condition"
	"promo-engine/services/engine"
	"promo-engine/services/grant"
	"promo-engine/services/indicator"
	"promo-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeHistory struct {
	values map[string]float64
	err    error
}

func (f *fakeHistory) History(_ context.Context, _ string, _ []condition.KeyRef, _ grant.Window) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func newTestIngest(t *testing.T, history HistoryFetcher) (*Service, *gorm.DB, *kvcache.Memory) {
	t.Helper()

	gdb := testutil.NewTestDB(t,
		&campaign.Campaign{}, &campaign.Task{}, &campaign.TaskCondition{},
		&award.Group{}, &award.Tier{}, &award.Definition{}, &award.Instance{},
		&indicator.Definition{}, &indicator.Value{},
		&grant.CompletionRecord{}, &grant.AwardCheck{},
	)

	cfg := &config.Config{}
	cfg.Engine.GrantLockTTL = time.Second
	cfg.Engine.GrantLockWait = 200 * time.Millisecond
	cfg.Engine.EventLockTTL = time.Second
	cfg.Engine.IndicatorTimeout = time.Second

	cache := kvcache.NewMemory()
	logger := zap.NewNop()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	campaigns := campaign.NewService(campaign.ServiceParams{DB: gdb, Cache: cache, Logger: logger})
	eng := engine.New(engine.Params{
		Campaigns: campaigns,
		Resolver:  indicator.NewResolver(indicator.ResolverParams{DB: gdb, Config: cfg, Logger: logger}),
		Grants: grant.NewService(grant.ServiceParams{
			DB: gdb, Node: node, Sampler: award.NewSampler(cache, logger), Logger: logger,
		}),
		Locker: grant.NewLocker(cache, time.Second),
		Config: cfg,
		Logger: logger,
	})

	svc := NewService(ServiceParams{
		Campaigns: campaigns,
		Engine:    eng,
		Cache:     cache,
		History:   history,
		Config:    cfg,
		Logger:    logger,
	})
	return svc, gdb, cache
}

func seedPassiveCampaign(t *testing.T, gdb *gorm.DB, tree string, cycle campaign.Cycle, roundSize float64) {
	t.Helper()
	now := time.Now()

	require.NoError(t, gdb.Create(&campaign.Campaign{
		CampaignID: "camp-1", Code: "SPRING", Name: "spring",
		Status: campaign.StatusActive,
		StartAt: now.Add(-24 * time.Hour), EndAt: now.Add(24 * time.Hour),
	}).Error)
	require.NoError(t, gdb.Create(&campaign.Task{
		TaskID: "task-1", CampaignID: "camp-1", Name: "recharge task",
		StartAt: now.Add(-24 * time.Hour), EndAt: now.Add(24 * time.Hour),
		ScheduleMode: campaign.SchedulePassive,
		RoundSize:    roundSize,
	}).Error)
	require.NoError(t, gdb.Create(&campaign.TaskCondition{
		ConditionID: "cond-1", TaskID: "task-1",
		Tree:      datatypes.JSON(tree),
		SendLimit: cycle, MaxPerCycle: 10, AutoSend: true,
	}).Error)
	require.NoError(t, gdb.Create(&award.Definition{AwardID: "awd-1", Name: "coupon"}).Error)
	require.NoError(t, gdb.Create(&award.Instance{
		InstanceID: "inst-1", AwardID: "awd-1", ConditionID: "cond-1", Qty: 1,
	}).Error)
}

func testEvent(id string, amount float64, typ string) *Event {
	return &Event{
		ID:             id,
		Identification: "u1",
		Amount:         amount,
		Time:           time.Now().UnixMilli(),
		Type:           typ,
		UniqueCode:     "SPRING",
	}
}

func TestHandleEventSingleIndicator(t *testing.T) {
	svc, gdb, _ := newTestIngest(t, nil)
	seedPassiveCampaign(t, gdb,
		`[{"key_id":"recharge","symbol":">=","value":"100"}]`, campaign.CycleNormal, 0)
	ctx := context.Background()

	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-1", 150, "recharge")))

	var recs []grant.CompletionRecord
	require.NoError(t, gdb.Find(&recs).Error)
	require.Len(t, recs, 1)
	require.Equal(t, 150.0, recs[0].AchievedValue)

	// redelivery of the same event must not double-grant
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-1", 150, "recharge")))
	require.NoError(t, gdb.Find(&recs).Error)
	require.Len(t, recs, 1)

	// below threshold grants nothing
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-2", 99, "recharge")))
	require.NoError(t, gdb.Find(&recs).Error)
	require.Len(t, recs, 1)
}

func TestHandleEventMultiIndicatorBaselineDelta(t *testing.T) {
	history := &fakeHistory{values: map[string]float64{"spend": 180}}
	svc, gdb, cache := newTestIngest(t, history)
	seedPassiveCampaign(t, gdb,
		`[["AND",{"key_id":"recharge","symbol":">=","value":"0"},{"key_id":"spend","symbol":"floor","value":"50"}]]`,
		campaign.CycleDay, 0)
	ctx := context.Background()

	// history 180 + event 50 = 230 -> floor(230/50) = 4 times
	w := grant.CycleWindow(
		&campaign.TaskCondition{SendLimit: campaign.CycleDay},
		&campaign.Task{}, time.Now())
	baselineKey := rediskey.BuildPreTimesKey("u1", "cond-1", w.Key())
	require.NoError(t, cache.Set(ctx, baselineKey, "3", time.Hour))

	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-1", 50, "spend")))

	var recs []grant.CompletionRecord
	require.NoError(t, gdb.Find(&recs).Error)
	require.Len(t, recs, 1)
	require.Equal(t, 1, recs[0].Times)

	// baseline advanced to 4
	v, err := cache.Get(ctx, baselineKey)
	require.NoError(t, err)
	require.Equal(t, "4", v)

	// the same times count again yields no delta
	history.values["spend"] = 180
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-2", 50, "spend")))
	require.NoError(t, gdb.Find(&recs).Error)
	require.Len(t, recs, 1)
}

func TestHandleEventMultiIndicatorHistoryFailureRetryable(t *testing.T) {
	history := &fakeHistory{err: errors.New("ledger down")}
	svc, gdb, _ := newTestIngest(t, history)
	seedPassiveCampaign(t, gdb,
		`[["AND",{"key_id":"recharge","symbol":">=","value":"0"},{"key_id":"spend","symbol":"floor","value":"50"}]]`,
		campaign.CycleDay, 0)

	err := svc.HandleEvent(context.Background(), testEvent("evt-1", 50, "spend"))
	require.Error(t, err)
	require.True(t, Retryable(err))
}

func TestHandleEventRoundMode(t *testing.T) {
	svc, gdb, _ := newTestIngest(t, nil)
	seedPassiveCampaign(t, gdb,
		`[{"key_id":"recharge","symbol":">=","value":"100"}]`, campaign.CycleDay, 100)
	ctx := context.Background()

	// cumulative 350 crosses rounds 1..3
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-1", 350, "recharge")))

	var n int64
	require.NoError(t, gdb.Model(&grant.CompletionRecord{}).Count(&n).Error)
	require.Equal(t, int64(3), n)

	// redelivery finds every round key already taken
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-1", 350, "recharge")))
	require.NoError(t, gdb.Model(&grant.CompletionRecord{}).Count(&n).Error)
	require.Equal(t, int64(3), n)

	// cumulative growth grants only the newly crossed round
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-2", 420, "recharge")))
	require.NoError(t, gdb.Model(&grant.CompletionRecord{}).Count(&n).Error)
	require.Equal(t, int64(4), n)
}

func TestHandleEventRoundMarkerReleasedOnRetryableFailure(t *testing.T) {
	svc, gdb, cache := newTestIngest(t, nil)
	seedPassiveCampaign(t, gdb,
		`[{"key_id":"recharge","symbol":">=","value":"100"}]`, campaign.CycleDay, 100)
	ctx := context.Background()

	// hold the grant lock so the round's grant fails with a retryable error
	lockKey := rediskey.BuildGrantLockKey("u1", "cond-1")
	_, err := cache.SetNX(ctx, lockKey, "other-worker", time.Hour)
	require.NoError(t, err)

	err = svc.HandleEvent(ctx, testEvent("evt-1", 150, "recharge"))
	require.Error(t, err)
	require.True(t, Retryable(err))

	// the round marker must not survive the failed grant
	roundKey := rediskey.BuildRoundKey("u1", "cond-1", 1)
	_, err = cache.Get(ctx, roundKey)
	require.ErrorIs(t, err, kvcache.ErrMiss)

	// redelivery after the lock clears grants the round
	require.NoError(t, cache.Del(ctx, lockKey))
	require.NoError(t, svc.HandleEvent(ctx, testEvent("evt-1", 150, "recharge")))

	var n int64
	require.NoError(t, gdb.Model(&grant.CompletionRecord{}).Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestHandleEventOfflineCampaignRejected(t *testing.T) {
	svc, gdb, _ := newTestIngest(t, nil)
	seedPassiveCampaign(t, gdb,
		`[{"key_id":"recharge","symbol":">=","value":"100"}]`, campaign.CycleNormal, 0)
	require.NoError(t, gdb.Model(&campaign.Campaign{}).
		Where("campaign_id = ?", "camp-1").
		Update("status", campaign.StatusEnded).Error)

	err := svc.HandleEvent(context.Background(), testEvent("evt-1", 150, "recharge"))
	require.True(t, errutil.IsCode(err, errutil.StatusPrecondition))
	require.False(t, Retryable(err))
}

func TestParseEvent(t *testing.T) {
	evt, err := ParseEvent([]byte(`{"id":"e1","identification":"u1","amount":12.5,"time":1760000000000,"tag":"vip","type":"recharge","uniqueCode":"SPRING"}`))
	require.NoError(t, err)
	require.Equal(t, "e1", evt.ID)
	require.Equal(t, 12.5, evt.Amount)
	require.Equal(t, []string{"vip"}, evt.Tags())
	require.Equal(t, int64(1760000000000), evt.BusinessTime().UnixMilli())

	_, err = ParseEvent([]byte(`{"id":"e1"}`))
	require.True(t, errutil.IsCode(err, errutil.StatusValidation))

	_, err = ParseEvent([]byte(`not json`))
	require.True(t, errutil.IsCode(err, errutil.StatusValidation))
}

func TestRetryableClassification(t *testing.T) {
	require.False(t, Retryable(errutil.Validation("bad")))
	require.False(t, Retryable(errutil.NotFound("missing")))
	require.False(t, Retryable(errutil.Precondition("offline")))
	require.True(t, Retryable(errutil.Concurrency("locked")))
	require.True(t, Retryable(errutil.Internal("boom")))
	require.True(t, Retryable(errors.New("plain failure")))
}
