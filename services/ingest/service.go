package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/errutil"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/rediskey"
	"promo-engine/services/campaign"
	"promo-engine/services/condition"
	"promo-engine/services/engine"
	"promo-engine/services/grant"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// HistoryFetcher pulls an indicator's accumulated value from the resource
// ledger collaborator for a cycle window. Multi-indicator conditions merge
// this history with the event's own contribution before evaluating.
type HistoryFetcher interface {
	History(ctx context.Context, userID string, refs []condition.KeyRef, w grant.Window) (map[string]float64, error)
}

type Service struct {
	campaigns *campaign.Service
	engine    *engine.Engine
	cache     kvcache.Cache
	eventLock *grant.Locker
	history   HistoryFetcher
	cfg       *config.Config
	logger    *zap.Logger
}

type ServiceParams struct {
	fx.In

	Campaigns *campaign.Service
	Engine    *engine.Engine
	Cache     kvcache.Cache
	History   HistoryFetcher `optional:"true"`
	Config    *config.Config
	Logger    *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		campaigns: p.Campaigns,
		engine:    p.Engine,
		cache:     p.Cache,
		eventLock: grant.NewLocker(p.Cache, p.Config.Engine.EventLockTTL),
		history:   p.History,
		cfg:       p.Config,
		logger:    logger,
	}
}

// HandleEvent processes one inbound event end to end. A returned error means
// the event should be redelivered; non-retryable rejections are swallowed by
// the caller per Retryable.
func (s *Service) HandleEvent(ctx context.Context, evt *Event) error {
	at := evt.BusinessTime()

	agg, err := s.campaigns.Resolve(ctx, evt.UniqueCode)
	if err != nil {
		return err
	}
	if err := s.campaigns.CheckAccess(agg, evt.Tags(), at); err != nil {
		return err
	}

	// serialize all events of one (campaign, user), coarser than the
	// per-condition grant lock
	release, err := s.eventLock.Acquire(ctx,
		rediskey.BuildEventLockKey(evt.UniqueCode, evt.Identification),
		s.cfg.Engine.GrantLockWait)
	if err != nil {
		return err
	}
	defer release()

	for i := range agg.Campaign.Tasks {
		task := &agg.Campaign.Tasks[i]
		if err := s.campaigns.CheckTaskAccess(task, evt.Tags(), at); err != nil {
			continue
		}
		for j := range task.Conditions {
			tc := &task.Conditions[j]
			if tc.EffectiveMode(task) != campaign.SchedulePassive {
				continue
			}
			if err := s.handleCondition(ctx, agg, task, tc, evt, at); err != nil {
				if Retryable(err) {
					return err
				}
				s.logger.Debug("condition rejected event",
					zap.String("event_id", evt.ID),
					zap.String("condition_id", tc.ConditionID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func (s *Service) handleCondition(ctx context.Context, agg *campaign.Aggregate, task *campaign.Task, tc *campaign.TaskCondition, evt *Event, at time.Time) error {
	if task.RoundSize > 0 {
		return s.handleRounds(ctx, agg, task, tc, evt, at)
	}

	tree, err := condition.Parse(tc.Tree)
	if err != nil {
		return errutil.Validation("malformed condition tree", errutil.WithErr(err))
	}
	refs := tree.KeyRefs()
	if len(refs) == 0 {
		return nil
	}
	if len(refs) > 1 {
		return s.handleMultiIndicator(ctx, agg, task, tc, tree, refs, evt, at)
	}
	return s.handleSingleIndicator(ctx, agg, task, tc, tree, refs[0], evt, at)
}

// handleSingleIndicator evaluates the boolean form directly against the
// event's own value and grants once if satisfied.
func (s *Service) handleSingleIndicator(ctx context.Context, agg *campaign.Aggregate, task *campaign.Task, tc *campaign.TaskCondition, tree *condition.Tree, ref condition.KeyRef, evt *Event, at time.Time) error {
	values := map[string]float64{ref.Hash(): evt.Amount}
	if !tree.Evaluate(values) {
		return nil
	}

	_, err := s.engine.Grant(ctx, &grant.Occurrence{
		Aggregate:  agg,
		Task:       task,
		Condition:  tc,
		UserID:     evt.Identification,
		UserTags:   evt.Tags(),
		BusinessAt: at,
		Achieved:   evt.Amount,
		EventID:    evt.ID,
		Values:     values,
	}, engine.LockWait)
	return err
}

// handleMultiIndicator merges ledger history with the event's contribution,
// computes the divisor-form times count and grants only the positive delta
// over the cached baseline, then advances the baseline.
func (s *Service) handleMultiIndicator(ctx context.Context, agg *campaign.Aggregate, task *campaign.Task, tc *campaign.TaskCondition, tree *condition.Tree, refs []condition.KeyRef, evt *Event, at time.Time) error {
	w := grant.CycleWindow(tc, task, at)

	values := map[string]float64{}
	if s.history != nil {
		hist, err := s.history.History(ctx, evt.Identification, refs, w)
		if err != nil {
			return errutil.Internal("resource ledger history fetch failed", errutil.WithErr(err))
		}
		values = hist
	}
	// the event contributes to the indicator matching its type
	for _, ref := range refs {
		if ref.ID == evt.Type {
			values[ref.Hash()] += evt.Amount
		}
	}

	times := tree.EvaluateTimes(values)
	baselineKey := rediskey.BuildPreTimesKey(evt.Identification, tc.ConditionID, w.Key())
	baseline := s.readBaseline(ctx, baselineKey)
	delta := times - baseline
	if delta <= 0 {
		return nil
	}

	_, err := s.engine.Grant(ctx, &grant.Occurrence{
		Aggregate:  agg,
		Task:       task,
		Condition:  tc,
		UserID:     evt.Identification,
		UserTags:   evt.Tags(),
		BusinessAt: at,
		Achieved:   evt.Amount,
		Times:      delta,
		EventID:    evt.ID,
		Values:     values,
	}, engine.LockWait)
	if err != nil {
		return err
	}

	return s.advanceBaseline(ctx, baselineKey, times, w)
}

// handleRounds computes how many discrete rounds the cumulative amount has
// crossed and grants each newly crossed round once. Round idempotency lives
// in the cache with the cycle's TTL; a cache flush can re-grant rounds, an
// accepted trade against keeping round state out of the ledger.
func (s *Service) handleRounds(ctx context.Context, agg *campaign.Aggregate, task *campaign.Task, tc *campaign.TaskCondition, evt *Event, at time.Time) error {
	tree, err := condition.Parse(tc.Tree)
	if err != nil {
		return errutil.Validation("malformed condition tree", errutil.WithErr(err))
	}
	refs := tree.KeyRefs()

	w := grant.CycleWindow(tc, task, at)
	rounds := int64(evt.Amount / task.RoundSize)
	for r := int64(1); r <= rounds; r++ {
		roundKey := rediskey.BuildRoundKey(evt.Identification, tc.ConditionID, r)
		fresh, err := s.cache.SetNX(ctx, roundKey, evt.ID, s.cycleTTL(w, at))
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}

		values := map[string]float64{}
		for _, ref := range refs {
			values[ref.Hash()] = task.RoundSize
		}
		if !tree.Evaluate(values) {
			continue
		}

		_, err = s.engine.Grant(ctx, &grant.Occurrence{
			Aggregate:  agg,
			Task:       task,
			Condition:  tc,
			UserID:     evt.Identification,
			UserTags:   evt.Tags(),
			BusinessAt: at,
			Achieved:   task.RoundSize * float64(r),
			EventID:    fmt.Sprintf("%s:r%d", evt.ID, r),
			Values:     values,
		}, engine.LockWait)
		if err != nil && Retryable(err) {
			// release the round marker so redelivery can grant this round
			if delErr := s.cache.Del(ctx, roundKey); delErr != nil {
				s.logger.Warn("round marker release failed",
					zap.String("key", roundKey), zap.Error(delErr))
			}
			return err
		}
	}
	return nil
}

func (s *Service) readBaseline(ctx context.Context, key string) int {
	v, err := s.cache.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (s *Service) advanceBaseline(ctx context.Context, key string, times int, w grant.Window) error {
	return s.cache.Set(ctx, key, strconv.Itoa(times), s.cycleTTL(w, time.Now()))
}

// cycleTTL is the remaining life of the window, 24h for unbounded cycles.
func (s *Service) cycleTTL(w grant.Window, at time.Time) time.Duration {
	if !w.Bounded() {
		return 24 * time.Hour
	}
	ttl := w.End.Sub(at)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

// Retryable reports whether the event should be redelivered. Business
// rejections are final; infrastructure failures are not.
func Retryable(err error) bool {
	switch errutil.Code(err) {
	case errutil.StatusValidation, errutil.StatusNotFound, errutil.StatusPrecondition:
		return false
	default:
		return true
	}
}
