package indicator

import (
	"time"

	"gorm.io/datatypes"
)

type SourceType string
type RankingPeriod string

const (
	SourceURL      SourceType = "URL"
	SourceFunction SourceType = "FUNCTION"
	SourceFixed    SourceType = "FIXED"

	PeriodNone        RankingPeriod = "NONE"
	PeriodHour        RankingPeriod = "HOUR"
	PeriodWeek        RankingPeriod = "WEEK"
	PeriodMonth       RankingPeriod = "MONTH"
	PeriodWeekOfMonth RankingPeriod = "WEEK_OF_MONTH"
)

// Definition declares where a named business metric comes from. Exactly one
// source is meaningful per SourceType: Url for webhook fetches, FunctionName
// for registered in-process functions, FixedValue for constants.
type Definition struct {
	IndicatorID   string         `gorm:"column:indicator_id;primaryKey;type:char(26)" json:"indicator_id"`
	KeyID         string         `gorm:"column:key_id;uniqueIndex;type:varchar(64);not null" json:"key_id"`
	Name          string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	SourceType    SourceType     `gorm:"column:source_type;type:varchar(20);not null" json:"source_type"`
	Url           string         `gorm:"column:url;type:varchar(512)" json:"url"`
	FunctionName  string         `gorm:"column:function_name;type:varchar(128)" json:"function_name"`
	FixedValue    float64        `gorm:"column:fixed_value" json:"fixed_value"`
	RankingPeriod RankingPeriod  `gorm:"column:ranking_period;type:varchar(20);not null;default:'NONE'" json:"ranking_period"`
	ExtraParams   datatypes.JSON `gorm:"column:extra_params;type:jsonb" json:"extra_params"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Value is a store-level precomputed metric sample. Sweeps read these in
// bulk instead of resolving per user.
type Value struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	KeyHash   string    `gorm:"column:key_hash;index:idx_value_lookup;type:varchar(128);not null" json:"key_hash"`
	TaskID    string    `gorm:"column:task_id;index:idx_value_lookup;type:char(26);not null" json:"task_id"`
	UserID    string    `gorm:"column:user_id;index;type:varchar(64);not null" json:"user_id"`
	PeriodKey string    `gorm:"column:period_key;type:varchar(32)" json:"period_key"`
	Amount    float64   `gorm:"column:amount;not null" json:"amount"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Value) TableName() string { return "indicator_values" }
