package campaign

import (
	"encoding/json"
	"time"

	"promo-engine/services/award"

	"gorm.io/datatypes"
)

type Status string
type ScheduleMode string
type Cycle string

const (
	StatusDraft          Status = "DRAFT"
	StatusActive         Status = "ACTIVE"
	StatusManualApproval Status = "MANUAL_APPROVAL"
	StatusEnded          Status = "ENDED"

	ScheduleActive  ScheduleMode = "ACTIVE"
	SchedulePassive ScheduleMode = "PASSIVE"

	CycleNormal      Cycle = "NORMAL"
	CycleHour        Cycle = "HOUR"
	CycleDay         Cycle = "DAY"
	CycleWeek        Cycle = "WEEK"
	CycleNWeek       Cycle = "NWEEK"
	CycleMonth       Cycle = "MONTH"
	CycleWeekOfMonth Cycle = "WEEK_OF_MONTH"
	CyclePermanent   Cycle = "PERMANENT"
)

// Campaign is the aggregate root. The engine reads it through the cached
// Resolve path; authoring mutations happen elsewhere.
type Campaign struct {
	CampaignID    string         `gorm:"column:campaign_id;primaryKey;type:char(26)" json:"campaign_id"`
	Code          string         `gorm:"column:code;uniqueIndex;type:varchar(64);not null" json:"code"`
	Name          string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Status        Status         `gorm:"column:status;type:varchar(30);not null;default:'DRAFT'" json:"status"`
	StartAt       time.Time      `gorm:"column:start_at;not null" json:"start_at"`
	EndAt         time.Time      `gorm:"column:end_at;not null" json:"end_at"`
	TagFilter     datatypes.JSON `gorm:"column:tag_filter;type:jsonb" json:"tag_filter"`
	RiskSoftLimit int64          `gorm:"column:risk_soft_limit" json:"risk_soft_limit"`
	RiskHardLimit int64          `gorm:"column:risk_hard_limit" json:"risk_hard_limit"`
	Version       int64          `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Tasks []Task `gorm:"foreignKey:CampaignID;references:CampaignID" json:"tasks"`
}

// IsOpen reports whether the campaign accepts occurrences at the given
// business time: active status and inside [start, end). A campaign pinned to
// manual approval still accepts occurrences, its grants just stop auto-issuing.
func (c *Campaign) IsOpen(at time.Time) bool {
	if c.Status != StatusActive && c.Status != StatusManualApproval {
		return false
	}
	return !at.Before(c.StartAt) && at.Before(c.EndAt)
}

type Task struct {
	TaskID       string         `gorm:"column:task_id;primaryKey;type:char(26)" json:"task_id"`
	CampaignID   string         `gorm:"column:campaign_id;index;not null" json:"campaign_id"`
	Name         string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	StartAt      time.Time      `gorm:"column:start_at;not null" json:"start_at"`
	EndAt        time.Time      `gorm:"column:end_at;not null" json:"end_at"`
	TagFilter    datatypes.JSON `gorm:"column:tag_filter;type:jsonb" json:"tag_filter"`
	ScheduleMode ScheduleMode   `gorm:"column:schedule_mode;type:varchar(20);not null;default:'ACTIVE'" json:"schedule_mode"`
	RoundSize    float64        `gorm:"column:round_size" json:"round_size"`
	SortOrder    int            `gorm:"column:sort_order" json:"sort_order"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Conditions []TaskCondition `gorm:"foreignKey:TaskID;references:TaskID" json:"conditions"`
}

func (t *Task) InWindow(at time.Time) bool {
	return !at.Before(t.StartAt) && at.Before(t.EndAt)
}

// TaskCondition is the evaluable unit. Tree holds the stored condition tree
// in its nested-array JSON form.
type TaskCondition struct {
	ConditionID    string         `gorm:"column:condition_id;primaryKey;type:char(26)" json:"condition_id"`
	TaskID         string         `gorm:"column:task_id;index;not null" json:"task_id"`
	Tree           datatypes.JSON `gorm:"column:tree;type:jsonb;not null" json:"tree"`
	SendLimit      Cycle          `gorm:"column:send_limit;type:varchar(20);not null;default:'NORMAL'" json:"send_limit"`
	MaxPerCycle    int            `gorm:"column:max_per_cycle;not null;default:1" json:"max_per_cycle"`
	NWeeks         int            `gorm:"column:n_weeks" json:"n_weeks"`
	AutoSend       bool           `gorm:"column:auto_send;not null;default:true" json:"auto_send"`
	ScheduleMode   ScheduleMode   `gorm:"column:schedule_mode;type:varchar(20)" json:"schedule_mode"`
	RewardGroupIDs datatypes.JSON `gorm:"column:reward_group_ids;type:jsonb" json:"reward_group_ids"`
	TagRules       datatypes.JSON `gorm:"column:tag_rules;type:jsonb" json:"tag_rules"`
	Version        int64          `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// EffectiveMode is the condition-level schedule override, else the task's.
func (tc *TaskCondition) EffectiveMode(task *Task) ScheduleMode {
	if tc.ScheduleMode != "" {
		return tc.ScheduleMode
	}
	return task.ScheduleMode
}

// GroupIDs decodes the reward group reference list.
func (tc *TaskCondition) GroupIDs() []string {
	var ids []string
	if len(tc.RewardGroupIDs) > 0 {
		_ = json.Unmarshal(tc.RewardGroupIDs, &ids)
	}
	return ids
}

// TagRule gates a set of award instances on a user tag.
type TagRule struct {
	Tag         string   `json:"tag"`
	InstanceIDs []string `json:"instance_ids"`
}

func (tc *TaskCondition) TagRuleSet() []TagRule {
	var rules []TagRule
	if len(tc.TagRules) > 0 {
		_ = json.Unmarshal(tc.TagRules, &rules)
	}
	return rules
}

// Aggregate is the whole campaign read model: campaign, tasks, conditions
// and the award arena referenced by them. Reward groups are held as an arena
// of ids, never as an embedded object graph.
type Aggregate struct {
	Campaign    Campaign                    `json:"campaign"`
	Groups      map[string]award.Group      `json:"groups"`
	Tiers       map[string][]award.Tier     `json:"tiers"`
	Definitions map[string]award.Definition `json:"definitions"`
	Instances   []award.Instance            `json:"instances"`
}

func (a *Aggregate) TaskByID(taskID string) *Task {
	for i := range a.Campaign.Tasks {
		if a.Campaign.Tasks[i].TaskID == taskID {
			return &a.Campaign.Tasks[i]
		}
	}
	return nil
}

func (a *Aggregate) ConditionByID(conditionID string) (*Task, *TaskCondition) {
	for i := range a.Campaign.Tasks {
		task := &a.Campaign.Tasks[i]
		for j := range task.Conditions {
			if task.Conditions[j].ConditionID == conditionID {
				return task, &task.Conditions[j]
			}
		}
	}
	return nil, nil
}

// Arena adapts the aggregate's group maps for the sampler.
func (a *Aggregate) Arena() *award.Arena {
	return &award.Arena{Groups: a.Groups, Tiers: a.Tiers, Instances: a.Instances}
}

// DirectInstances are the condition's directly attached award instances.
func (a *Aggregate) DirectInstances(conditionID string) []award.Instance {
	var out []award.Instance
	for _, in := range a.Instances {
		if in.ConditionID == conditionID && in.TierID == "" && in.Tag == "" {
			out = append(out, in)
		}
	}
	return out
}

// TagInstances are the instances gated by tag rules the user satisfies.
func (a *Aggregate) TagInstances(tc *TaskCondition, userTags []string) []award.Instance {
	rules := tc.TagRuleSet()
	if len(rules) == 0 {
		return nil
	}

	tagSet := make(map[string]bool, len(userTags))
	for _, t := range userTags {
		tagSet[t] = true
	}

	wanted := make(map[string]bool)
	for _, r := range rules {
		if !tagSet[r.Tag] {
			continue
		}
		for _, id := range r.InstanceIDs {
			wanted[id] = true
		}
	}

	var out []award.Instance
	for _, in := range a.Instances {
		if wanted[in.InstanceID] {
			out = append(out, in)
		}
	}
	return out
}

func tagAllowed(filter datatypes.JSON, userTags []string) bool {
	if len(filter) == 0 {
		return true
	}
	var allowed []string
	if err := json.Unmarshal(filter, &allowed); err != nil || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		for _, u := range userTags {
			if a == u {
				return true
			}
		}
	}
	return false
}
