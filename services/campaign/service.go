package campaign

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/errutil"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/rediskey"
	"promo-engine/services/award"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// cacheGrace keeps the aggregate cached past the campaign window so late
// occurrences at the window edge still resolve.
const cacheGrace = 48 * time.Hour

type Service struct {
	db          *gorm.DB
	cache       kvcache.Cache
	logger      *zap.Logger
	sf          singleflight.Group
	now         func() time.Time
	softDefault int64
	hardDefault int64
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Cache  kvcache.Cache
	Logger *zap.Logger
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		db:     p.DB,
		cache:  p.Cache,
		logger: logger,
		now:    time.Now,
	}
	if p.Config != nil {
		s.softDefault = p.Config.Engine.RiskSoftThreshold
		s.hardDefault = p.Config.Engine.RiskHardThreshold
	}
	return s
}

// Resolve loads the whole campaign aggregate by code, serving from the
// distributed cache when warm. Concurrent misses collapse into one load.
func (s *Service) Resolve(ctx context.Context, code string) (*Aggregate, error) {
	key := rediskey.BuildCampaignKey(code)

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var agg Aggregate
		if err := json.Unmarshal([]byte(raw), &agg); err == nil {
			return &agg, nil
		}
		s.logger.Warn("corrupt campaign cache entry, reloading", zap.String("code", code))
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.load(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Aggregate), nil
}

// ResolveByID resolves through the code so both paths share one cache entry.
func (s *Service) ResolveByID(ctx context.Context, campaignID string) (*Aggregate, error) {
	var c Campaign
	if err := s.db.WithContext(ctx).
		Select("code").
		Where("campaign_id = ?", campaignID).
		First(&c).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errutil.NotFound("campaign not found")
		}
		return nil, err
	}
	return s.Resolve(ctx, c.Code)
}

func (s *Service) load(ctx context.Context, code string) (*Aggregate, error) {
	var c Campaign
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Preload("Tasks.Conditions").
		Where("code = ?", code).
		First(&c).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errutil.NotFound("campaign not found: " + code)
	}
	if err != nil {
		s.logger.Error("failed to load campaign", zap.String("code", code), zap.Error(err))
		return nil, err
	}

	agg := &Aggregate{
		Campaign:    c,
		Groups:      make(map[string]award.Group),
		Tiers:       make(map[string][]award.Tier),
		Definitions: make(map[string]award.Definition),
	}
	if err := s.loadArena(ctx, agg); err != nil {
		return nil, err
	}

	s.cacheAggregate(ctx, agg)
	return agg, nil
}

// loadArena pulls the award instances placed on the campaign's conditions,
// then walks group references breadth-first so nested child groups land in
// the arena without embedding object graphs.
func (s *Service) loadArena(ctx context.Context, agg *Aggregate) error {
	var conditionIDs []string
	groupIDs := make(map[string]bool)
	for _, t := range agg.Campaign.Tasks {
		for _, tc := range t.Conditions {
			conditionIDs = append(conditionIDs, tc.ConditionID)
			for _, gid := range tc.GroupIDs() {
				groupIDs[gid] = true
			}
		}
	}
	if len(conditionIDs) == 0 {
		return nil
	}

	pending := make([]string, 0, len(groupIDs))
	for gid := range groupIDs {
		pending = append(pending, gid)
	}
	for len(pending) > 0 {
		var groups []award.Group
		if err := s.db.WithContext(ctx).Where("group_id IN ?", pending).Find(&groups).Error; err != nil {
			return err
		}
		var tiers []award.Tier
		if err := s.db.WithContext(ctx).Where("group_id IN ?", pending).Find(&tiers).Error; err != nil {
			return err
		}

		for _, g := range groups {
			agg.Groups[g.GroupID] = g
		}
		var next []string
		for _, t := range tiers {
			agg.Tiers[t.GroupID] = append(agg.Tiers[t.GroupID], t)
			if t.ChildGroupID != "" && !groupIDs[t.ChildGroupID] {
				groupIDs[t.ChildGroupID] = true
				next = append(next, t.ChildGroupID)
			}
		}
		pending = next
	}

	tierIDs := make([]string, 0)
	for _, ts := range agg.Tiers {
		for _, t := range ts {
			tierIDs = append(tierIDs, t.TierID)
		}
	}

	q := s.db.WithContext(ctx).Where("condition_id IN ?", conditionIDs)
	if len(tierIDs) > 0 {
		q = q.Or("tier_id IN ?", tierIDs)
	}
	if err := q.Find(&agg.Instances).Error; err != nil {
		return err
	}

	awardIDs := make(map[string]bool)
	for _, in := range agg.Instances {
		awardIDs[in.AwardID] = true
	}
	if len(awardIDs) > 0 {
		ids := make([]string, 0, len(awardIDs))
		for id := range awardIDs {
			ids = append(ids, id)
		}
		var defs []award.Definition
		if err := s.db.WithContext(ctx).Where("award_id IN ?", ids).Find(&defs).Error; err != nil {
			return err
		}
		for _, d := range defs {
			agg.Definitions[d.AwardID] = d
		}
	}
	return nil
}

func (s *Service) cacheAggregate(ctx context.Context, agg *Aggregate) {
	raw, err := json.Marshal(agg)
	if err != nil {
		s.logger.Error("failed to marshal campaign aggregate", zap.Error(err))
		return
	}

	ttl := time.Until(agg.Campaign.EndAt.Add(cacheGrace))
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, rediskey.BuildCampaignKey(agg.Campaign.Code), string(raw), ttl); err != nil {
		s.logger.Warn("failed to cache campaign aggregate",
			zap.String("code", agg.Campaign.Code), zap.Error(err))
	}
}

// Invalidate drops the cached aggregate, forcing a reload on next Resolve.
func (s *Service) Invalidate(ctx context.Context, code string) error {
	return s.cache.Del(ctx, rediskey.BuildCampaignKey(code))
}

// CheckAccess validates the campaign gate for an occurrence: open at the
// business time and tag-eligible.
func (s *Service) CheckAccess(agg *Aggregate, userTags []string, at time.Time) error {
	if !agg.Campaign.IsOpen(at) {
		return errutil.Precondition("activity offline or out of window")
	}
	if !tagAllowed(agg.Campaign.TagFilter, userTags) {
		return errutil.Precondition("user tag not eligible for campaign")
	}
	return nil
}

// CheckTaskAccess validates the task-level window and tag gate.
func (s *Service) CheckTaskAccess(task *Task, userTags []string, at time.Time) error {
	if !task.InWindow(at) {
		return errutil.Precondition("task window not open")
	}
	if !tagAllowed(task.TagFilter, userTags) {
		return errutil.Precondition("user tag not eligible for task")
	}
	return nil
}

// ObserveIssuedValue feeds the risk breaker with the value just issued for a
// campaign. Crossing the soft threshold pins the campaign's conditions into
// manual approval; crossing the hard threshold force-ends the campaign. Both
// are campaign-status side effects, not errors.
func (s *Service) ObserveIssuedValue(ctx context.Context, agg *Aggregate, value int64) {
	if value <= 0 {
		return
	}
	c := &agg.Campaign
	soft, hard := c.RiskSoftLimit, c.RiskHardLimit
	if soft <= 0 {
		soft = s.softDefault
	}
	if hard <= 0 {
		hard = s.hardDefault
	}
	if soft <= 0 && hard <= 0 {
		return
	}

	total, err := s.cache.IncrBy(ctx, rediskey.BuildRiskKey(c.CampaignID), value)
	if err != nil {
		s.logger.Error("risk counter update failed", zap.String("campaign_id", c.CampaignID), zap.Error(err))
		return
	}

	switch {
	case hard > 0 && total >= hard && c.Status != StatusEnded:
		s.transition(ctx, c, StatusEnded, total)
	case soft > 0 && total >= soft && c.Status == StatusActive:
		s.transition(ctx, c, StatusManualApproval, total)
	}
}

func (s *Service) transition(ctx context.Context, c *Campaign, to Status, total int64) {
	s.logger.Warn("risk breaker tripped",
		zap.String("campaign_id", c.CampaignID),
		zap.String("status", string(to)),
		zap.String("issued_total", strconv.FormatInt(total, 10)),
	)

	if err := s.db.WithContext(ctx).
		Model(&Campaign{}).
		Where("campaign_id = ?", c.CampaignID).
		Updates(map[string]any{
			"status":     to,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.now(),
		}).Error; err != nil {
		s.logger.Error("failed to persist breaker transition", zap.Error(err))
		return
	}
	c.Status = to

	if err := s.Invalidate(ctx, c.Code); err != nil {
		s.logger.Warn("failed to invalidate campaign cache after breaker transition", zap.Error(err))
	}
}
