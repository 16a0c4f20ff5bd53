package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/errutil"
	"promo-engine/services/condition"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const maxConcurrentFetches = 8

// Func is an in-process metric backend registered by name.
type Func func(ctx context.Context, subject Subject, params map[string]string) (float64, error)

// Subject carries the evaluation context one metric fetch is scoped to.
type Subject struct {
	UserID       string
	TaskID       string
	CampaignID   string
	CampaignCode string
	WindowStart  time.Time
	WindowEnd    time.Time
	At           time.Time
}

type Resolver struct {
	db      *gorm.DB
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.RWMutex
	funcs map[string]Func
}

type ResolverParams struct {
	fx.In

	DB     *gorm.DB
	Config *config.Config
	Logger *zap.Logger
}

func NewResolver(p ResolverParams) *Resolver {
	timeout := p.Config.Engine.IndicatorTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:      p.DB,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		timeout: timeout,
		funcs:   make(map[string]Func),
	}
}

// RegisterFunc installs a function backend. Later registrations win.
func (r *Resolver) RegisterFunc(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// ResolveAll fetches the current value of every reference for the subject.
// Fetches run concurrently; a failed reference is logged and left absent so
// its siblings still evaluate. The result is keyed by KeyRef.Hash.
func (r *Resolver) ResolveAll(ctx context.Context, refs []condition.KeyRef, subject Subject) map[string]float64 {
	values := make(map[string]float64, len(refs))
	if len(refs) == 0 {
		return values
	}

	defs, err := r.definitions(ctx, refs)
	if err != nil {
		r.logger.Error("failed to load indicator definitions", zap.Error(err))
		return values
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for _, ref := range refs {
		def, ok := defs[ref.ID]
		if !ok {
			r.logger.Warn("unknown indicator reference", zap.String("key_id", ref.ID))
			continue
		}
		ref := ref
		g.Go(func() error {
			v, err := r.resolveOne(gctx, def, ref, subject)
			if err != nil {
				r.logger.Warn("indicator fetch failed",
					zap.String("key_id", ref.ID),
					zap.String("user_id", subject.UserID),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			values[ref.Hash()] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return values
}

func (r *Resolver) definitions(ctx context.Context, refs []condition.KeyRef) (map[string]Definition, error) {
	ids := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if !seen[ref.ID] {
			seen[ref.ID] = true
			ids = append(ids, ref.ID)
		}
	}

	var defs []Definition
	if err := r.db.WithContext(ctx).Where("key_id IN ?", ids).Find(&defs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]Definition, len(defs))
	for _, d := range defs {
		out[d.KeyID] = d
	}
	return out, nil
}

func (r *Resolver) resolveOne(ctx context.Context, def Definition, ref condition.KeyRef, subject Subject) (float64, error) {
	switch def.SourceType {
	case SourceFixed:
		return def.FixedValue, nil
	case SourceFunction:
		r.mu.RLock()
		fn, ok := r.funcs[def.FunctionName]
		r.mu.RUnlock()
		if !ok {
			return 0, errutil.Validation("indicator function not registered: " + def.FunctionName)
		}
		return fn(ctx, subject, ref.Params)
	case SourceURL:
		return r.fetchURL(ctx, def, ref, subject)
	default:
		return 0, errutil.Validation("unknown indicator source type: " + string(def.SourceType))
	}
}

func (r *Resolver) fetchURL(ctx context.Context, def Definition, ref condition.KeyRef, subject Subject) (float64, error) {
	q := url.Values{}
	q.Set("busUserId", subject.UserID)
	q.Set("startTime", strconv.FormatInt(subject.WindowStart.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(subject.WindowEnd.UnixMilli(), 10))
	q.Set("taskId", subject.TaskID)
	q.Set("activityId", subject.CampaignID)
	q.Set("activityCode", subject.CampaignCode)
	q.Set("indicator", def.KeyID)
	if pk := PeriodKey(def.RankingPeriod, subject.At); pk != "" {
		q.Set("periodKey", pk)
	}
	for k, v := range ref.Params {
		q.Set(k, v)
	}
	if len(def.ExtraParams) > 0 {
		var extra map[string]string
		if err := json.Unmarshal(def.ExtraParams, &extra); err == nil {
			for k, v := range extra {
				q.Set(k, v)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, def.Url+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, errutil.Timeout("indicator backend unreachable", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errutil.Internal(fmt.Sprintf("indicator backend returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, err
	}
	return parseValue(body)
}

// parseValue accepts either a bare number or a {"value": n} envelope.
func parseValue(body []byte) (float64, error) {
	var n float64
	if err := json.Unmarshal(body, &n); err == nil {
		return n, nil
	}
	var envelope struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, errutil.Internal("unparsable indicator response", errutil.WithErr(err))
	}
	return envelope.Value, nil
}

// PeriodKey renders the ranking bucket the fetch is scoped to.
func PeriodKey(period RankingPeriod, at time.Time) string {
	switch period {
	case PeriodHour:
		return at.Format("2006010215")
	case PeriodWeek:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%dW%02d", year, week)
	case PeriodMonth:
		return at.Format("200601")
	case PeriodWeekOfMonth:
		// 7-day buckets counted from the 1st of the month
		return fmt.Sprintf("%s-W%d", at.Format("200601"), (at.Day()-1)/7+1)
	default:
		return ""
	}
}

// BatchValues loads the precomputed store-level samples for a set of
// references under one task, grouped per user then keyed by reference hash.
// Sweeps use this instead of one ResolveAll round trip per user.
func (r *Resolver) BatchValues(ctx context.Context, taskID string, refs []condition.KeyRef) (map[string]map[string]float64, error) {
	hashByKey := make(map[string]string, len(refs))
	hashes := make([]string, 0, len(refs))
	for _, ref := range refs {
		h := ref.Hash()
		if _, ok := hashByKey[h]; !ok {
			hashByKey[h] = ref.ID
			hashes = append(hashes, h)
		}
	}
	if len(hashes) == 0 {
		return map[string]map[string]float64{}, nil
	}

	var rows []Value
	if err := r.db.WithContext(ctx).
		Where("task_id = ? AND key_hash IN ?", taskID, hashes).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]map[string]float64)
	for _, row := range rows {
		byRef, ok := out[row.UserID]
		if !ok {
			byRef = make(map[string]float64)
			out[row.UserID] = byRef
		}
		byRef[row.KeyHash] = row.Amount
	}
	return out, nil
}
