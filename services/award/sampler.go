package award

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/rediskey"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// maxNesting bounds child-group recursion; authored groups nest one level in
// practice.
const maxNesting = 3

var samplerDraws = promauto.NewCounter(prometheus.CounterOpts{Name: "reward_sampler_draws_total"})

// Sampler performs weighted random selection over reward tiers, honoring
// rolling usage caps tracked in the distributed cache.
type Sampler struct {
	cache  kvcache.Cache
	logger *zap.Logger
	now    func() time.Time
	randFn func(n int) int
}

func NewSampler(cache kvcache.Cache, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		cache:  cache,
		logger: logger,
		now:    time.Now,
		randFn: rand.Intn,
	}
}

// CapScope identifies the counter namespace for one condition's draws.
type CapScope struct {
	ConditionID string
}

// Sample runs `batch` independent draws over the given groups and returns
// every chosen tier. A capped-out tier contributes nothing to a draw; its
// weight suppression is per-draw only, the stored percent is never mutated.
func (s *Sampler) Sample(ctx context.Context, arena *Arena, groupIDs []string, scope CapScope, batch int) ([]Tier, error) {
	if batch < 1 {
		batch = 1
	}

	var chosen []Tier
	for i := 0; i < batch; i++ {
		for _, groupID := range groupIDs {
			tiers, err := s.drawGroup(ctx, arena, groupID, scope, 0)
			if err != nil {
				return nil, err
			}
			chosen = append(chosen, tiers...)
		}
	}
	return chosen, nil
}

func (s *Sampler) drawGroup(ctx context.Context, arena *Arena, groupID string, scope CapScope, depth int) ([]Tier, error) {
	if depth >= maxNesting {
		s.logger.Warn("reward group nesting exceeded, stopping recursion",
			zap.String("group_id", groupID),
			zap.String("condition_id", scope.ConditionID),
		)
		return nil, nil
	}

	tiers := arena.TiersOf(groupID)
	if len(tiers) == 0 {
		return nil, nil
	}

	samplerDraws.Inc()

	// expand each tier proportional to its percent, suppressing capped tiers
	var pool []int
	for idx, tier := range tiers {
		weight := tier.Percent
		if weight > 0 && tier.CapType != CapNone {
			used, err := s.capUsage(ctx, scope, tier)
			if err != nil {
				s.logger.Warn("cap counter read failed, excluding tier from draw",
					zap.String("tier_id", tier.TierID), zap.Error(err))
				weight = 0
			} else if used >= tier.CapCount {
				weight = 0
			}
		}
		for w := 0; w < weight; w++ {
			pool = append(pool, idx)
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	tier := tiers[pool[s.randFn(len(pool))]]

	if tier.CapType != CapNone {
		if err := s.consumeCap(ctx, scope, tier); err != nil {
			return nil, err
		}
	}

	out := []Tier{tier}
	if tier.ChildGroupID != "" {
		children, err := s.drawGroup(ctx, arena, tier.ChildGroupID, scope, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

func (s *Sampler) capKey(scope CapScope, tier Tier) string {
	return rediskey.BuildProbCapKey(scope.ConditionID, tier.GroupID, tier.ChildGroupID, tier.TierID)
}

func (s *Sampler) capUsage(ctx context.Context, scope CapScope, tier Tier) (int64, error) {
	v, err := s.cache.Get(ctx, s.capKey(scope, tier))
	if err == kvcache.ErrMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// consumeCap increments the tier's usage counter and, for cycle caps, pins
// the counter's expiry to the end of the current cycle so usage resets.
func (s *Sampler) consumeCap(ctx context.Context, scope CapScope, tier Tier) error {
	key := s.capKey(scope, tier)
	if _, err := s.cache.Incr(ctx, key); err != nil {
		return err
	}
	if tier.CapType == CapLifetime {
		return nil
	}
	return s.cache.ExpireAt(ctx, key, CycleEnd(tier.CapType, s.now()))
}

// CycleEnd returns the end of the current day/week/month for a cap cycle.
// Weeks are ISO weeks ending Sunday night.
func CycleEnd(ct CapType, now time.Time) time.Time {
	switch ct {
	case CapDay:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	case CapWeek:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		y, m, d := now.Date()
		monday := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1-weekday)
		return monday.AddDate(0, 0, 7)
	case CapMonth:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	default:
		return now
	}
}
