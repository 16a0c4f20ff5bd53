package indicator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/services/condition"
	"promo-engine/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()

	gdb := testutil.NewTestDB(t, &Definition{}, &Value{})

	cfg := &config.Config{}
	cfg.Engine.IndicatorTimeout = time.Second
	return NewResolver(ResolverParams{DB: gdb, Config: cfg, Logger: zap.NewNop()}), gdb
}

func testSubject() Subject {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return Subject{
		UserID:       "user-1",
		TaskID:       "task-1",
		CampaignID:   "camp-1",
		CampaignCode: "SPRING",
		WindowStart:  start,
		WindowEnd:    start.AddDate(0, 1, 0),
		At:           start.Add(36 * time.Hour),
	}
}

func TestResolveAllURLBackend(t *testing.T) {
	r, gdb := newTestResolver(t)

	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotQuery = map[string]string{}
		for k := range req.URL.Query() {
			gotQuery[k] = req.URL.Query().Get(k)
		}
		w.Write([]byte(`{"value": 150}`))
	}))
	defer srv.Close()

	require.NoError(t, gdb.Create(&Definition{
		IndicatorID: "ind-1", KeyID: "order_amount", Name: "order amount",
		SourceType: SourceURL, Url: srv.URL,
	}).Error)

	subject := testSubject()
	ref := condition.KeyRef{ID: "order_amount", Params: map[string]string{"channel": "app"}}
	values := r.ResolveAll(context.Background(), []condition.KeyRef{ref}, subject)

	require.Equal(t, 150.0, values[ref.Hash()])
	require.Equal(t, "user-1", gotQuery["busUserId"])
	require.Equal(t, "task-1", gotQuery["taskId"])
	require.Equal(t, "camp-1", gotQuery["activityId"])
	require.Equal(t, "SPRING", gotQuery["activityCode"])
	require.Equal(t, "order_amount", gotQuery["indicator"])
	require.Equal(t, "app", gotQuery["channel"])
	require.Equal(t, strconv.FormatInt(subject.WindowStart.UnixMilli(), 10), gotQuery["startTime"])
}

func TestResolveAllBareNumberBody(t *testing.T) {
	r, gdb := newTestResolver(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`42.5`))
	}))
	defer srv.Close()

	require.NoError(t, gdb.Create(&Definition{
		IndicatorID: "ind-1", KeyID: "k1", Name: "k1", SourceType: SourceURL, Url: srv.URL,
	}).Error)

	values := r.ResolveAll(context.Background(), []condition.KeyRef{{ID: "k1"}}, testSubject())
	require.Equal(t, 42.5, values["k1"])
}

func TestResolveAllFixedAndFunction(t *testing.T) {
	r, gdb := newTestResolver(t)

	require.NoError(t, gdb.Create(&Definition{
		IndicatorID: "ind-1", KeyID: "k_fixed", Name: "fixed",
		SourceType: SourceFixed, FixedValue: 7,
	}).Error)
	require.NoError(t, gdb.Create(&Definition{
		IndicatorID: "ind-2", KeyID: "k_fn", Name: "fn",
		SourceType: SourceFunction, FunctionName: "double_amount",
	}).Error)

	r.RegisterFunc("double_amount", func(_ context.Context, s Subject, _ map[string]string) (float64, error) {
		require.Equal(t, "user-1", s.UserID)
		return 84, nil
	})

	values := r.ResolveAll(context.Background(),
		[]condition.KeyRef{{ID: "k_fixed"}, {ID: "k_fn"}}, testSubject())
	require.Equal(t, 7.0, values["k_fixed"])
	require.Equal(t, 84.0, values["k_fn"])
}

func TestResolveAllFailureIsolated(t *testing.T) {
	r, gdb := newTestResolver(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	require.NoError(t, gdb.Create(&Definition{
		IndicatorID: "ind-1", KeyID: "k_bad", Name: "bad", SourceType: SourceURL, Url: srv.URL,
	}).Error)
	require.NoError(t, gdb.Create(&Definition{
		IndicatorID: "ind-2", KeyID: "k_good", Name: "good",
		SourceType: SourceFixed, FixedValue: 3,
	}).Error)

	values := r.ResolveAll(context.Background(),
		[]condition.KeyRef{{ID: "k_bad"}, {ID: "k_good"}, {ID: "k_missing"}}, testSubject())

	// the failed and unknown refs are simply absent
	require.Equal(t, map[string]float64{"k_good": 3}, values)
}

func TestPeriodKey(t *testing.T) {
	at := time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC)

	require.Equal(t, "2026030915", PeriodKey(PeriodHour, at))
	require.Equal(t, "2026W11", PeriodKey(PeriodWeek, at))
	require.Equal(t, "202603", PeriodKey(PeriodMonth, at))
	require.Equal(t, "202603-W2", PeriodKey(PeriodWeekOfMonth, at))
	require.Equal(t, "", PeriodKey(PeriodNone, at))

	// day 1..7 are week 1, day 8 starts week 2
	require.Equal(t, "202603-W1", PeriodKey(PeriodWeekOfMonth, time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, "202603-W2", PeriodKey(PeriodWeekOfMonth, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)))
}

func TestBatchValues(t *testing.T) {
	r, gdb := newTestResolver(t)

	ref := condition.KeyRef{ID: "order_amount"}
	require.NoError(t, gdb.Create(&Value{KeyHash: ref.Hash(), TaskID: "task-1", UserID: "u1", Amount: 120}).Error)
	require.NoError(t, gdb.Create(&Value{KeyHash: ref.Hash(), TaskID: "task-1", UserID: "u2", Amount: 80}).Error)
	require.NoError(t, gdb.Create(&Value{KeyHash: ref.Hash(), TaskID: "task-2", UserID: "u3", Amount: 999}).Error)

	byUser, err := r.BatchValues(context.Background(), "task-1", []condition.KeyRef{ref})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	require.Equal(t, 120.0, byUser["u1"][ref.Hash()])
	require.Equal(t, 80.0, byUser["u2"][ref.Hash()])
}
