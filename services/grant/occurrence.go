package grant

import (
	"fmt"
	"time"

	"promo-engine/services/award"
	"promo-engine/services/campaign"
)

// Occurrence is one logical completion of a condition by a user. Both the
// push path and the pull paths converge on this value object before touching
// the ledger.
type Occurrence struct {
	Aggregate   *campaign.Aggregate
	Task        *campaign.Task
	Condition   *campaign.TaskCondition
	UserID      string
	UserTags    []string
	BusinessAt  time.Time
	Achieved    float64
	Times       int    // repeat multiplier, >=1
	EventID     string // set on push-path occurrences
	SampleBatch int    // draws per grant, defaults to 1

	// Values holds the resolved indicator values keyed by reference hash,
	// used by dynamic-quantity formulas.
	Values map[string]float64
}

func (o *Occurrence) repeat() int {
	if o.Times < 1 {
		return 1
	}
	return o.Times
}

func (o *Occurrence) batch() int {
	if o.SampleBatch < 1 {
		return 1
	}
	return o.SampleBatch
}

// RequestID derives the idempotency key for the occurrence: deterministic
// from (campaignCode, taskId, userId, cycleKey) for timed cycles, from the
// event id otherwise.
func (o *Occurrence) RequestID(w Window) string {
	if key := w.Key(); key != "" {
		return fmt.Sprintf("%s:%s:%s:%s", o.Aggregate.Campaign.Code, o.Task.TaskID, o.UserID, key)
	}
	if o.EventID != "" {
		return fmt.Sprintf("evt:%s:%s", o.EventID, o.Condition.ConditionID)
	}
	return fmt.Sprintf("%s:%s:%s:%d", o.Aggregate.Campaign.Code, o.Task.TaskID, o.UserID, o.BusinessAt.UnixMilli())
}

// CandidateInstances gathers the award instances feeding the merge step:
// direct placements, sampled tier placements and tag-rule placements the
// user qualifies for.
func (o *Occurrence) CandidateInstances(sampled []award.Tier) []award.Instance {
	out := o.Aggregate.DirectInstances(o.Condition.ConditionID)
	arena := o.Aggregate.Arena()
	for _, tier := range sampled {
		out = append(out, arena.InstancesForTier(tier.TierID)...)
	}
	out = append(out, o.Aggregate.TagInstances(o.Condition, o.UserTags)...)
	return out
}
