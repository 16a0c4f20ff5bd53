package rediskey

import "fmt"

// Key prefixes shared across engine components. External consumers rely on
// these exact formats, keep them stable.
const (
	ProbCapPrefix   = "cache:prob"
	PreTimesPrefix  = "cache:preTimes"
	CampaignPrefix  = "cache:actInfo"
	RoundPrefix     = "cache:round"
	RiskPrefix      = "cache:risk"
	GrantLockPrefix = "grant"
	EventLockPrefix = "lock:evt"
	SweepLockPrefix = "lock:sweep"
)

// BuildProbCapKey returns "cache:prob:{conditionId}:{groupId}:{childGroupId}:{tierId}"
func BuildProbCapKey(conditionID, groupID, childGroupID, tierID string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", ProbCapPrefix, conditionID, groupID, childGroupID, tierID)
}

// BuildPreTimesKey returns "cache:preTimes:{userId}:{conditionId}:{cycleTimeKey}"
func BuildPreTimesKey(userID, conditionID, cycleKey string) string {
	return fmt.Sprintf("%s:%s:%s:%s", PreTimesPrefix, userID, conditionID, cycleKey)
}

// BuildCampaignKey returns "cache:actInfo:{campaignCode}"
func BuildCampaignKey(code string) string {
	return fmt.Sprintf("%s:%s", CampaignPrefix, code)
}

// BuildRoundKey returns "cache:round:{userId}:{conditionId}:{round}"
func BuildRoundKey(userID, conditionID string, round int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", RoundPrefix, userID, conditionID, round)
}

// BuildRiskKey returns "cache:risk:{campaignId}"
func BuildRiskKey(campaignID string) string {
	return fmt.Sprintf("%s:%s", RiskPrefix, campaignID)
}

// BuildGrantLockKey returns "grant:{userId}:{conditionId}"
func BuildGrantLockKey(userID, conditionID string) string {
	return fmt.Sprintf("%s:%s:%s", GrantLockPrefix, userID, conditionID)
}

// BuildEventLockKey returns "lock:evt:{campaignCode}:{userId}"
func BuildEventLockKey(campaignCode, userID string) string {
	return fmt.Sprintf("%s:%s:%s", EventLockPrefix, campaignCode, userID)
}

// BuildSweepLockKey returns "lock:sweep:{sweepType}"
func BuildSweepLockKey(sweepType string) string {
	return fmt.Sprintf("%s:%s", SweepLockPrefix, sweepType)
}
