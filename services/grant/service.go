package grant

import (
	"context"
	"time"

	"promo-engine/pkg/db/pagination"
	"promo-engine/pkg/errutil"
	"promo-engine/services/award"
	"promo-engine/services/campaign"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher delivers the awards of a completion record to the collaborator
// synchronously. Used directly by auto-send conditions and as the fallback
// when enqueueing fails.
type Dispatcher interface {
	DispatchSync(ctx context.Context, recordID string) error
}

// Enqueuer schedules an asynchronous dispatch job for a completion record.
// Enqueueing the same record id twice is a no-op.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, recordID string) error
}

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	sampler    *award.Sampler
	enqueuer   Enqueuer
	dispatcher Dispatcher
	logger     *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB         *gorm.DB
	Node       *snowflake.Node
	Sampler    *award.Sampler
	Enqueuer   Enqueuer   `optional:"true"`
	Dispatcher Dispatcher `optional:"true"`
	Logger     *zap.Logger
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		sampler:    p.Sampler,
		enqueuer:   p.Enqueuer,
		dispatcher: p.Dispatcher,
		logger:     logger,
	}
}

var grantsPersisted = promauto.NewCounter(prometheus.CounterOpts{Name: "reward_grants_total"})

// RecordGrant writes the ledger entry for one occurrence. The cycle-window
// count query and the insert run in one transaction; callers serialize
// concurrent delivery of the same logical occurrence through the Locker.
// An occurrence that grants nothing returns an empty slice and persists
// nothing.
func (s *Service) RecordGrant(ctx context.Context, occ *Occurrence) ([]IssuedAward, error) {
	window := CycleWindow(occ.Condition, occ.Task, occ.BusinessAt)
	requestID := occ.RequestID(window)

	var issued []IssuedAward
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.cycleGateOpen(tx, occ, window, requestID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		// Sample only once the gate is open. Sampling consumes shared cap
		// counters, and a redelivered or over-cycle occurrence must not burn
		// them for a grant that can never persist.
		candidates, err := s.buildCandidates(ctx, occ)
		if err != nil {
			return err
		}
		merged := award.Merge(candidates, occ.repeat())
		if len(merged) == 0 {
			return nil
		}

		lines := merged
		if window.Bounded() {
			granted, err := s.grantedInWindow(tx, occ, window)
			if err != nil {
				return err
			}
			lines = clampToMaxLimit(merged, granted)
		}
		if len(lines) == 0 {
			return nil
		}

		record := CompletionRecord{
			RecordID:      s.node.Generate().String(),
			RequestID:     requestID,
			CampaignID:    occ.Aggregate.Campaign.CampaignID,
			TaskID:        occ.Task.TaskID,
			ConditionID:   occ.Condition.ConditionID,
			UserID:        occ.UserID,
			BusinessAt:    occ.BusinessAt,
			AchievedValue: occ.Achieved,
			Times:         occ.repeat(),
		}

		status := CheckAutoApproved
		if occ.Aggregate.Campaign.Status == campaign.StatusManualApproval {
			status = CheckPending
		}
		for _, m := range lines {
			record.Checks = append(record.Checks, AwardCheck{
				CheckID:      s.node.Generate().String(),
				RecordID:     record.RecordID,
				AwardID:      m.Definition.AwardID,
				Qty:          m.Qty,
				ValidityDays: m.ValidityDays,
				Status:       status,
			})
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		for _, c := range record.Checks {
			issued = append(issued, IssuedAward{
				RecordID:     record.RecordID,
				CheckID:      c.CheckID,
				AwardID:      c.AwardID,
				Qty:          c.Qty,
				ValidityDays: c.ValidityDays,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(issued) == 0 {
		return nil, nil
	}
	grantsPersisted.Inc()

	s.deliver(ctx, occ, issued[0].RecordID)
	return issued, nil
}

// buildCandidates samples the condition's reward groups and resolves every
// instance quantity, dropping dynamic instances whose formula fails.
func (s *Service) buildCandidates(ctx context.Context, occ *Occurrence) ([]award.Candidate, error) {
	sampled, err := s.sampler.Sample(ctx, occ.Aggregate.Arena(), occ.Condition.GroupIDs(),
		award.CapScope{ConditionID: occ.Condition.ConditionID}, occ.batch())
	if err != nil {
		return nil, err
	}

	var out []award.Candidate
	for _, in := range occ.CandidateInstances(sampled) {
		def, ok := occ.Aggregate.Definitions[in.AwardID]
		if !ok {
			s.logger.Warn("award instance references unknown definition",
				zap.String("instance_id", in.InstanceID), zap.String("award_id", in.AwardID))
			continue
		}

		qty := in.Qty
		if in.QtyAttr == award.QtyDynamic {
			qty, err = award.ResolveQty(in.QtyFormula, occ.Values)
			if err != nil {
				s.logger.Warn("dynamic quantity formula failed",
					zap.String("instance_id", in.InstanceID), zap.Error(err))
				continue
			}
		}
		if qty <= 0 {
			continue
		}
		out = append(out, award.Candidate{Definition: def, Qty: qty, ValidityDays: in.ValidityDays})
	}
	return out, nil
}

// cycleGateOpen applies the max-grants-per-cycle check. Unbounded cycles
// dedupe on the request id instead of a window count.
func (s *Service) cycleGateOpen(tx *gorm.DB, occ *Occurrence, w Window, requestID string) (bool, error) {
	if !w.Bounded() {
		var n int64
		if err := tx.Model(&CompletionRecord{}).
			Where("request_id = ?", requestID).
			Count(&n).Error; err != nil {
			return false, err
		}
		return n == 0, nil
	}

	if occ.Condition.MaxPerCycle <= 0 {
		return true, nil
	}
	var n int64
	if err := tx.Model(&CompletionRecord{}).
		Where("user_id = ? AND condition_id = ?", occ.UserID, occ.Condition.ConditionID).
		Where("business_at >= ? AND business_at < ?", w.Start, w.End).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n < int64(occ.Condition.MaxPerCycle), nil
}

// grantedInWindow sums the user's prior award-check quantities per
// definition inside the cycle window.
func (s *Service) grantedInWindow(tx *gorm.DB, occ *Occurrence, w Window) (map[string]int64, error) {
	var rows []struct {
		AwardID string
		Total   int64
	}
	err := tx.Model(&AwardCheck{}).
		Select("award_checks.award_id AS award_id, SUM(award_checks.qty) AS total").
		Joins("JOIN completion_records ON completion_records.record_id = award_checks.record_id").
		Where("completion_records.user_id = ? AND completion_records.condition_id = ?",
			occ.UserID, occ.Condition.ConditionID).
		Where("completion_records.business_at >= ? AND completion_records.business_at < ?", w.Start, w.End).
		Group("award_checks.award_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.AwardID] = r.Total
	}
	return out, nil
}

// clampToMaxLimit caps each merged line at the definition's per-cycle limit
// minus what the user already received this cycle. Lines clamped to zero or
// below are dropped.
func clampToMaxLimit(merged []award.Merged, granted map[string]int64) []award.Merged {
	out := make([]award.Merged, 0, len(merged))
	for _, m := range merged {
		if limit := m.Definition.MaxLimit; limit > 0 {
			remaining := limit - granted[m.Definition.AwardID]
			if remaining <= 0 {
				continue
			}
			if m.Qty > remaining {
				m.Qty = remaining
			}
		}
		out = append(out, m)
	}
	return out
}

// deliver routes the new record to dispatch: auto-send goes out
// synchronously, everything else through the job queue with a synchronous
// fallback when enqueueing fails. Delivery failures never roll back the
// ledger write; the record stays with unissued checks.
func (s *Service) deliver(ctx context.Context, occ *Occurrence, recordID string) {
	if occ.Aggregate.Campaign.Status == campaign.StatusManualApproval {
		return
	}

	if occ.Condition.AutoSend {
		if s.dispatcher == nil {
			return
		}
		if err := s.dispatcher.DispatchSync(ctx, recordID); err != nil {
			s.logger.Error("synchronous dispatch failed",
				zap.String("record_id", recordID), zap.Error(err))
		}
		return
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueDispatch(ctx, recordID); err == nil {
			return
		} else {
			s.logger.Warn("dispatch enqueue failed, falling back to sync",
				zap.String("record_id", recordID), zap.Error(err))
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.DispatchSync(ctx, recordID); err != nil {
			s.logger.Error("fallback dispatch failed",
				zap.String("record_id", recordID), zap.Error(err))
		}
	}
}

// MarkIssued flips the record's checks after a confirmed delivery.
func (s *Service) MarkIssued(ctx context.Context, recordID string) error {
	return s.db.WithContext(ctx).
		Model(&AwardCheck{}).
		Where("record_id = ? AND issued = ?", recordID, false).
		Updates(map[string]any{"issued": true, "updated_at": time.Now()}).Error
}

// Load returns a record with its checks.
func (s *Service) Load(ctx context.Context, recordID string) (*CompletionRecord, error) {
	var rec CompletionRecord
	err := s.db.WithContext(ctx).
		Preload("Checks").
		First(&rec, "record_id = ?", recordID).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords pages a user's completion records, newest first.
func (s *Service) ListRecords(ctx context.Context, userID string, p pagination.Pagination) ([]CompletionRecord, *pagination.PageInfo, error) {
	p.Normalize()

	q := s.db.WithContext(ctx).
		Preload("Checks").
		Where("user_id = ?", userID).
		Order("created_at DESC, record_id DESC").
		Limit(p.Limit + 1)

	if p.Cursor != "" {
		cur, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.Validation("malformed cursor", errutil.WithErr(err))
		}
		at, err := time.Parse(time.RFC3339Nano, cur.CreatedAt)
		if err != nil {
			return nil, nil, errutil.Validation("malformed cursor", errutil.WithErr(err))
		}
		q = q.Where("created_at < ? OR (created_at = ? AND record_id < ?)", at, at, cur.ID)
	}

	var records []CompletionRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, nil, errutil.Internal("list completion records", errutil.WithErr(err))
	}

	page, info := pagination.BuildCursorPageInfo(records, p.Limit, func(r CompletionRecord) pagination.Cursor {
		return pagination.Cursor{CreatedAt: r.CreatedAt.Format(time.RFC3339Nano), ID: r.RecordID}
	})
	return page, info, nil
}
