package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promo-engine/pkg/errutil"
	"promo-engine/pkg/kvcache"
	"promo-engine/pkg/rediskey"
	"promo-engine/pkg/taskname"
	"promo-engine/services/campaign"
	"promo-engine/services/condition"
	"promo-engine/services/engine"
	"promo-engine/services/grant"
	"promo-engine/services/indicator"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sweepDaily  = "daily"
	sweepHourly = "hourly"

	sweepLockTTL  = 10 * time.Minute
	sweepMaxRetry = 3
)

type taskPayload struct {
	CampaignID   string   `json:"campaign_id"`
	TaskID       string   `json:"task_id"`
	ConditionIDs []string `json:"condition_ids"`
}

type Service struct {
	db        *gorm.DB
	client    *asynq.Client
	cache     kvcache.Cache
	campaigns *campaign.Service
	engine    *engine.Engine
	resolver  *indicator.Resolver
	logger    *zap.Logger
	now       func() time.Time
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Client    *asynq.Client `optional:"true"`
	Cache     kvcache.Cache
	Campaigns *campaign.Service
	Engine    *engine.Engine
	Resolver  *indicator.Resolver
	Logger    *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        p.DB,
		client:    p.Client,
		cache:     p.Cache,
		campaigns: p.Campaigns,
		engine:    p.Engine,
		resolver:  p.Resolver,
		logger:    logger,
		now:       time.Now,
	}
}

// EnqueueDailySweeps enqueues one evaluation job per in-window task whose
// conditions cross a cycle boundary today. The sweep-type lock keeps
// overlapping runs of the daily sweep from double-enqueueing.
func (s *Service) EnqueueDailySweeps(ctx context.Context) error {
	ok, err := s.cache.SetNX(ctx, rediskey.BuildSweepLockKey(sweepDaily), "1", sweepLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errutil.Concurrency("daily sweep already running")
	}

	now := s.now()
	var campaigns []campaign.Campaign
	err = s.db.WithContext(ctx).
		Preload("Tasks.Conditions").
		Where("status IN ?", []campaign.Status{campaign.StatusActive, campaign.StatusManualApproval}).
		Where("start_at <= ? AND end_at > ?", now, now).
		Find(&campaigns).Error
	if err != nil {
		return err
	}

	enqueued := 0
	for _, c := range campaigns {
		for _, task := range c.Tasks {
			if !task.InWindow(now) {
				continue
			}
			var due []string
			for _, tc := range task.Conditions {
				if cycleBoundaryToday(&tc, &task, now) {
					due = append(due, tc.ConditionID)
				}
			}
			if len(due) == 0 {
				continue
			}
			jobID := fmt.Sprintf("%s:%s:%s", taskname.SweepTaskRun, task.TaskID, now.Format("20060102"))
			if err := s.enqueueTask(ctx, c.CampaignID, task.TaskID, due, jobID); err != nil {
				return err
			}
			enqueued++
		}
	}

	s.logger.Info("daily sweep enqueued", zap.Int("tasks", enqueued))
	return nil
}

// EnqueueHourlySweeps enqueues jobs for every in-window Hour-cycle
// condition, resolved at the store level instead of walking aggregates.
func (s *Service) EnqueueHourlySweeps(ctx context.Context) error {
	ok, err := s.cache.SetNX(ctx, rediskey.BuildSweepLockKey(sweepHourly), "1", sweepLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errutil.Concurrency("hourly sweep already running")
	}

	now := s.now()
	var rows []struct {
		CampaignID  string
		TaskID      string
		ConditionID string
	}
	err = s.db.WithContext(ctx).
		Model(&campaign.TaskCondition{}).
		Select("tasks.campaign_id AS campaign_id, task_conditions.task_id AS task_id, task_conditions.condition_id AS condition_id").
		Joins("JOIN tasks ON tasks.task_id = task_conditions.task_id").
		Where("task_conditions.send_limit = ?", campaign.CycleHour).
		Where("tasks.start_at <= ? AND tasks.end_at > ?", now, now).
		Scan(&rows).Error
	if err != nil {
		return err
	}

	byTask := make(map[string]*taskPayload)
	for _, r := range rows {
		p, ok := byTask[r.TaskID]
		if !ok {
			p = &taskPayload{CampaignID: r.CampaignID, TaskID: r.TaskID}
			byTask[r.TaskID] = p
		}
		p.ConditionIDs = append(p.ConditionIDs, r.ConditionID)
	}

	for taskID, p := range byTask {
		jobID := fmt.Sprintf("%s:%s:%s", taskname.SweepTaskRun, taskID, now.Format("2006010215"))
		if err := s.enqueueTask(ctx, p.CampaignID, taskID, p.ConditionIDs, jobID); err != nil {
			return err
		}
	}

	s.logger.Info("hourly sweep enqueued", zap.Int("tasks", len(byTask)))
	return nil
}

func (s *Service) enqueueTask(ctx context.Context, campaignID, taskID string, conditionIDs []string, jobID string) error {
	raw, err := json.Marshal(taskPayload{CampaignID: campaignID, TaskID: taskID, ConditionIDs: conditionIDs})
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx,
		asynq.NewTask(taskname.SweepTaskRun, raw),
		asynq.TaskID(jobID),
		asynq.Queue("default"),
		asynq.MaxRetry(sweepMaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// cycleBoundaryToday reports whether the condition's cycle closes or opens a
// bucket today. Hour cycles belong to the hourly sweep and Normal cycles
// have no boundary to sweep.
func cycleBoundaryToday(tc *campaign.TaskCondition, task *campaign.Task, now time.Time) bool {
	switch tc.SendLimit {
	case campaign.CycleDay:
		return true
	case campaign.CycleWeek:
		// ISO weeks open on Monday
		return now.Weekday() == time.Monday
	case campaign.CycleNWeek:
		n := tc.NWeeks
		if n <= 0 {
			n = 1
		}
		anchor := time.Date(task.StartAt.Year(), task.StartAt.Month(), task.StartAt.Day(), 0, 0, 0, 0, task.StartAt.Location())
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		days := int(today.Sub(anchor).Hours() / 24)
		return days >= 0 && days%(7*n) == 0
	case campaign.CycleMonth:
		return now.Day() == 1
	case campaign.CycleWeekOfMonth:
		return (now.Day()-1)%7 == 0
	default:
		return false
	}
}

// HandleTaskSweep is the per-task bulk evaluation job: batch-fetch the
// precomputed indicator values for every affected user, evaluate each
// condition per user and grant through the shared routine. Lock contention
// drops the occurrence; the next sweep picks it up.
func (s *Service) HandleTaskSweep(ctx context.Context, task *asynq.Task) error {
	var p taskPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("malformed sweep payload: %w", asynq.SkipRetry)
	}

	agg, err := s.campaigns.ResolveByID(ctx, p.CampaignID)
	if err != nil {
		if errutil.IsCode(err, errutil.StatusNotFound) {
			return fmt.Errorf("campaign gone: %w", asynq.SkipRetry)
		}
		return err
	}

	now := s.now()
	if err := s.campaigns.CheckAccess(agg, nil, now); err != nil {
		// campaign went offline between enqueue and run
		return nil
	}
	tsk := agg.TaskByID(p.TaskID)
	if tsk == nil || !tsk.InWindow(now) {
		return nil
	}

	for _, condID := range p.ConditionIDs {
		_, tc := agg.ConditionByID(condID)
		if tc == nil {
			continue
		}
		if err := s.sweepCondition(ctx, agg, tsk, tc, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sweepCondition(ctx context.Context, agg *campaign.Aggregate, task *campaign.Task, tc *campaign.TaskCondition, now time.Time) error {
	tree, err := condition.Parse(tc.Tree)
	if err != nil {
		s.logger.Error("skipping condition with malformed tree",
			zap.String("condition_id", tc.ConditionID), zap.Error(err))
		return nil
	}

	byUser, err := s.resolver.BatchValues(ctx, task.TaskID, tree.KeyRefs())
	if err != nil {
		return err
	}

	granted := 0
	for userID, values := range byUser {
		ev, err := s.engine.EvaluateCondition(ctx, agg, task, tc, userID, now, values)
		if err != nil || !ev.Satisfied {
			continue
		}

		_, err = s.engine.Grant(ctx, &grant.Occurrence{
			Aggregate:  agg,
			Task:       task,
			Condition:  tc,
			UserID:     userID,
			BusinessAt: now,
			Achieved:   ev.Achieved,
			Times:      ev.Times,
			Values:     values,
		}, engine.LockDrop)
		if err != nil {
			if errutil.IsCode(err, errutil.StatusConcurrency) || errutil.IsCode(err, errutil.StatusPrecondition) {
				continue
			}
			return err
		}
		granted++
	}

	s.logger.Info("condition swept",
		zap.String("condition_id", tc.ConditionID),
		zap.Int("users", len(byUser)),
		zap.Int("granted", granted),
	)
	return nil
}
