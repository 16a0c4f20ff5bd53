package grant

import (
	"time"
)

type CheckStatus string

const (
	CheckPending      CheckStatus = "PENDING"
	CheckAutoApproved CheckStatus = "AUTO_APPROVED"
	CheckApproved     CheckStatus = "APPROVED"
	CheckRejected     CheckStatus = "REJECTED"
)

// CompletionRecord is one ledger row per granted logical occurrence.
// BusinessAt is the occurrence's own time, never processing time, so cycle
// windows stay stable across redelivery.
type CompletionRecord struct {
	RecordID      string    `gorm:"column:record_id;primaryKey;type:char(26)" json:"record_id"`
	RequestID     string    `gorm:"column:request_id;index;type:varchar(128);not null" json:"request_id"`
	CampaignID    string    `gorm:"column:campaign_id;index;not null" json:"campaign_id"`
	TaskID        string    `gorm:"column:task_id;index;not null" json:"task_id"`
	ConditionID   string    `gorm:"column:condition_id;index:idx_ledger_user_cond;not null" json:"condition_id"`
	UserID        string    `gorm:"column:user_id;index:idx_ledger_user_cond;type:varchar(64);not null" json:"user_id"`
	BusinessAt    time.Time `gorm:"column:business_at;index;not null" json:"business_at"`
	AchievedValue float64   `gorm:"column:achieved_value" json:"achieved_value"`
	Times         int       `gorm:"column:times;not null;default:1" json:"times"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`

	Checks []AwardCheck `gorm:"foreignKey:RecordID;references:RecordID" json:"checks"`
}

func (CompletionRecord) TableName() string { return "completion_records" }

// AwardCheck is one merged award line under a completion record. Issued
// flips when dispatch confirms delivery.
type AwardCheck struct {
	CheckID      string      `gorm:"column:check_id;primaryKey;type:char(26)" json:"check_id"`
	RecordID     string      `gorm:"column:record_id;index;not null" json:"record_id"`
	AwardID      string      `gorm:"column:award_id;index;not null" json:"award_id"`
	Qty          int64       `gorm:"column:qty;not null" json:"qty"`
	ValidityDays int         `gorm:"column:validity_days" json:"validity_days"`
	Status       CheckStatus `gorm:"column:status;type:varchar(20);not null;default:'PENDING'" json:"status"`
	Issued       bool        `gorm:"column:issued;not null;default:false" json:"issued"`
	CreatedAt    time.Time   `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time   `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (AwardCheck) TableName() string { return "award_checks" }

// IssuedAward is the caller-facing view of one surviving award line.
type IssuedAward struct {
	RecordID     string `json:"record_id"`
	CheckID      string `json:"check_id"`
	AwardID      string `json:"award_id"`
	Qty          int64  `json:"qty"`
	ValidityDays int    `json:"validity_days"`
}
