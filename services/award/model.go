// Package award holds the grantable-unit model: reward groups with weighted
// tiers, award definitions, and their placements (instances), plus the
// sampling and merge machinery that turns them into concrete grants.
package award

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

type CapType string
type QtyAttr string

const (
	CapNone     CapType = "NONE"
	CapDay      CapType = "DAY"
	CapWeek     CapType = "WEEK"
	CapMonth    CapType = "MONTH"
	CapLifetime CapType = "LIFETIME"

	QtyFixed   QtyAttr = "FIXED"
	QtyDynamic QtyAttr = "DYNAMIC"
)

// GiftsCategoryPath is the reserved materialized path prefix for the Gifts
// category, which stacks quantity instead of extending validity on merge.
const GiftsCategoryPath = "/gifts"

// Group is a named probability distribution over tiers.
type Group struct {
	GroupID   string    `gorm:"column:group_id;primaryKey;type:char(26)" json:"group_id"`
	Name      string    `gorm:"column:name;type:varchar(255);not null" json:"name"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// Tier is one weighted branch of a group. ChildGroupID references a nested
// group by id; the arena resolves it at sampling time.
type Tier struct {
	TierID       string  `gorm:"column:tier_id;primaryKey;type:char(26)" json:"tier_id"`
	GroupID      string  `gorm:"column:group_id;index;not null" json:"group_id"`
	Percent      int     `gorm:"column:percent;not null" json:"percent"`
	ChildGroupID string  `gorm:"column:child_group_id;type:char(26)" json:"child_group_id"`
	CapType      CapType `gorm:"column:cap_type;type:varchar(20);not null;default:'NONE'" json:"cap_type"`
	CapCount     int64   `gorm:"column:cap_count" json:"cap_count"`
}

// Category nodes form a materialized-path tree.
type Category struct {
	CategoryID string `gorm:"column:category_id;primaryKey;type:char(26)" json:"category_id"`
	Path       string `gorm:"column:path;uniqueIndex;type:varchar(255);not null" json:"path"`
	Name       string `gorm:"column:name;type:varchar(255);not null" json:"name"`
}

// Definition is a nameable grantable unit.
type Definition struct {
	AwardID      string  `gorm:"column:award_id;primaryKey;type:char(26)" json:"award_id"`
	Name         string  `gorm:"column:name;type:varchar(255);not null" json:"name"`
	CategoryPath string  `gorm:"column:category_path;type:varchar(255);not null" json:"category_path"`
	QtyAttr      QtyAttr `gorm:"column:qty_attr;type:varchar(20);not null;default:'FIXED'" json:"qty_attr"`
	Qty          float64 `gorm:"column:qty" json:"qty"`
	ValidityDays int     `gorm:"column:validity_days" json:"validity_days"`
	Weight       int     `gorm:"column:weight" json:"weight"`
	MaxLimit     int64   `gorm:"column:max_limit" json:"max_limit"`
}

// IsGifts reports whether the definition lives under the Gifts category.
func (d Definition) IsGifts() bool {
	return strings.HasPrefix(d.CategoryPath, GiftsCategoryPath)
}

// Instance places a Definition inside a condition, tier, or tag-rule
// context. Exactly one of TierID / Tag is set for non-direct placements.
type Instance struct {
	InstanceID   string         `gorm:"column:instance_id;primaryKey;type:char(26)" json:"instance_id"`
	AwardID      string         `gorm:"column:award_id;index;not null" json:"award_id"`
	ConditionID  string         `gorm:"column:condition_id;index" json:"condition_id"`
	TierID       string         `gorm:"column:tier_id;index" json:"tier_id"`
	Tag          string         `gorm:"column:tag;type:varchar(64)" json:"tag"`
	QtyAttr      QtyAttr        `gorm:"column:qty_attr;type:varchar(20);not null;default:'FIXED'" json:"qty_attr"`
	Qty          float64        `gorm:"column:qty" json:"qty"`
	QtyFormula   datatypes.JSON `gorm:"column:qty_formula;type:jsonb" json:"qty_formula"`
	ValidityDays int            `gorm:"column:validity_days" json:"validity_days"`
}

// Arena is the id-keyed view of groups, tiers and instances for one
// campaign. Child groups are looked up here instead of being embedded, which
// keeps self-referential group graphs bounded.
type Arena struct {
	Groups    map[string]Group
	Tiers     map[string][]Tier
	Instances []Instance
}

// TiersOf returns the tiers of a group, nil when the group is unknown.
func (a *Arena) TiersOf(groupID string) []Tier {
	if a == nil {
		return nil
	}
	return a.Tiers[groupID]
}

// InstancesForTier returns the award instances placed on a tier.
func (a *Arena) InstancesForTier(tierID string) []Instance {
	var out []Instance
	for _, in := range a.Instances {
		if in.TierID == tierID {
			out = append(out, in)
		}
	}
	return out
}
