// Package engine is the convergence point of the push, sweep and active
// check paths: every path produces an Occurrence and funnels it through the
// same locked grant routine.
package engine

import (
	"context"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/errutil"
	"promo-engine/pkg/rediskey"
	"promo-engine/services/award"
	"promo-engine/services/campaign"
	"promo-engine/services/condition"
	"promo-engine/services/grant"
	"promo-engine/services/indicator"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// LockPolicy selects how grant-lock contention is handled.
type LockPolicy int

const (
	// LockWait retries with backoff until the configured wait elapses.
	// Push-path events use this inside their own retry envelope.
	LockWait LockPolicy = iota
	// LockDrop fails fast on contention. Best-effort sweeps use this.
	LockDrop
)

type Engine struct {
	campaigns *campaign.Service
	resolver  *indicator.Resolver
	grants    *grant.Service
	locker    *grant.Locker
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

type Params struct {
	fx.In

	Campaigns *campaign.Service
	Resolver  *indicator.Resolver
	Grants    *grant.Service
	Locker    *grant.Locker
	Config    *config.Config
	Logger    *zap.Logger
}

func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		campaigns: p.Campaigns,
		resolver:  p.Resolver,
		grants:    p.Grants,
		locker:    p.Locker,
		cfg:       p.Config,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluation is the outcome of one condition check.
type Evaluation struct {
	Satisfied bool
	Times     int     // divisor-form times count, 0 for boolean conditions
	Achieved  float64 // primary indicator's resolved value
	Values    map[string]float64
}

// CheckAndGrant is the active pull entry point: the collaborator asks
// whether the user completed the named conditions right now, and every
// satisfied one grants immediately. Empty conditionIDs means every
// active-mode condition of the task.
func (e *Engine) CheckAndGrant(ctx context.Context, campaignID, taskID, userID string, userTags []string, conditionIDs []string, batch int) ([]grant.IssuedAward, error) {
	agg, err := e.campaigns.ResolveByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	at := e.now()
	if err := e.campaigns.CheckAccess(agg, userTags, at); err != nil {
		return nil, err
	}
	task := agg.TaskByID(taskID)
	if task == nil {
		return nil, errutil.NotFound("task not found: " + taskID)
	}
	if err := e.campaigns.CheckTaskAccess(task, userTags, at); err != nil {
		return nil, err
	}

	conditions := e.selectConditions(task, conditionIDs)
	if len(conditions) == 0 {
		return nil, errutil.NotFound("no matching conditions on task: " + taskID)
	}

	var issued []grant.IssuedAward
	for _, tc := range conditions {
		ev, err := e.EvaluateCondition(ctx, agg, task, tc, userID, at, nil)
		if err != nil {
			e.logger.Warn("condition evaluation failed",
				zap.String("condition_id", tc.ConditionID), zap.Error(err))
			continue
		}
		if !ev.Satisfied {
			continue
		}

		occ := &grant.Occurrence{
			Aggregate:   agg,
			Task:        task,
			Condition:   tc,
			UserID:      userID,
			UserTags:    userTags,
			BusinessAt:  at,
			Achieved:    ev.Achieved,
			Times:       ev.Times,
			SampleBatch: batch,
			Values:      ev.Values,
		}
		got, err := e.Grant(ctx, occ, LockWait)
		if err != nil {
			return nil, err
		}
		issued = append(issued, got...)
	}

	if len(issued) == 0 {
		return nil, errutil.Precondition("no award to grant")
	}
	return issued, nil
}

func (e *Engine) selectConditions(task *campaign.Task, ids []string) []*campaign.TaskCondition {
	var out []*campaign.TaskCondition
	if len(ids) == 0 {
		for i := range task.Conditions {
			tc := &task.Conditions[i]
			if tc.EffectiveMode(task) == campaign.ScheduleActive {
				out = append(out, tc)
			}
		}
		return out
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range task.Conditions {
		if want[task.Conditions[i].ConditionID] {
			out = append(out, &task.Conditions[i])
		}
	}
	return out
}

// EvaluateCondition resolves the condition's indicator references and runs
// the tree. Divisor-form conditions yield a times count, boolean conditions
// a plain satisfied flag. A non-nil preset value map skips resolution;
// sweeps pass batch-fetched values through it.
func (e *Engine) EvaluateCondition(ctx context.Context, agg *campaign.Aggregate, task *campaign.Task, tc *campaign.TaskCondition, userID string, at time.Time, preset map[string]float64) (*Evaluation, error) {
	tree, err := condition.Parse(tc.Tree)
	if err != nil {
		return nil, errutil.Validation("malformed condition tree", errutil.WithErr(err))
	}

	refs := tree.KeyRefs()
	values := preset
	if values == nil {
		values = e.resolver.ResolveAll(ctx, e.withFormulaRefs(agg, tc, refs), indicator.Subject{
			UserID:       userID,
			TaskID:       task.TaskID,
			CampaignID:   agg.Campaign.CampaignID,
			CampaignCode: agg.Campaign.Code,
			WindowStart:  task.StartAt,
			WindowEnd:    task.EndAt,
			At:           at,
		})
	}

	ev := &Evaluation{Values: values}
	if len(refs) > 0 {
		ev.Achieved = values[refs[0].Hash()]
	}
	if tree.HasDivisor() {
		ev.Times = tree.EvaluateTimes(values)
		ev.Satisfied = ev.Times > 0
		return ev, nil
	}
	ev.Satisfied = tree.Evaluate(values)
	return ev, nil
}

// withFormulaRefs extends the tree's references with those needed by the
// condition's dynamic-quantity formulas, so one resolver round trip covers
// both evaluation and quantity resolution.
func (e *Engine) withFormulaRefs(agg *campaign.Aggregate, tc *campaign.TaskCondition, refs []condition.KeyRef) []condition.KeyRef {
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		seen[r.Hash()] = true
	}

	tierIDs := make(map[string]bool)
	arena := agg.Arena()
	for _, gid := range tc.GroupIDs() {
		collectTierIDs(arena, gid, tierIDs, 0)
	}

	for _, in := range agg.Instances {
		if in.QtyAttr != award.QtyDynamic {
			continue
		}
		if in.ConditionID != tc.ConditionID && !tierIDs[in.TierID] {
			continue
		}
		for _, r := range award.FormulaRefs(in.QtyFormula) {
			if !seen[r.Hash()] {
				seen[r.Hash()] = true
				refs = append(refs, r)
			}
		}
	}
	return refs
}

func collectTierIDs(arena *award.Arena, groupID string, out map[string]bool, depth int) {
	if depth >= 3 {
		return
	}
	for _, t := range arena.TiersOf(groupID) {
		out[t.TierID] = true
		if t.ChildGroupID != "" {
			collectTierIDs(arena, t.ChildGroupID, out, depth+1)
		}
	}
}

// Grant serializes the ledger write for the occurrence's (user, condition)
// pair and feeds the issued total to the campaign risk breaker.
func (e *Engine) Grant(ctx context.Context, occ *grant.Occurrence, policy LockPolicy) ([]grant.IssuedAward, error) {
	key := rediskey.BuildGrantLockKey(occ.UserID, occ.Condition.ConditionID)

	var release func()
	var err error
	if policy == LockDrop {
		release, err = e.locker.TryAcquire(ctx, key)
	} else {
		release, err = e.locker.Acquire(ctx, key, e.cfg.Engine.GrantLockWait)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	issued, err := e.grants.RecordGrant(ctx, occ)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, aw := range issued {
		total += aw.Qty
	}
	e.campaigns.ObserveIssuedValue(ctx, occ.Aggregate, total)
	return issued, nil
}
