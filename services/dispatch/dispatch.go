// Package dispatch delivers merged award sets to the downstream issuing
// collaborator, asynchronously through the job queue or synchronously as
// the fallback path.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/errutil"
	"promo-engine/pkg/taskname"
	"promo-engine/services/grant"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type payload struct {
	RecordID string `json:"record_id"`
}

// Enqueuer schedules dispatch jobs keyed by record id, so a duplicate
// enqueue for the same record is a no-op.
type Enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) *Enqueuer {
	return &Enqueuer{client: client}
}

func (e *Enqueuer) EnqueueDispatch(ctx context.Context, recordID string) error {
	raw, err := json.Marshal(payload{RecordID: recordID})
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx,
		asynq.NewTask(taskname.AwardDispatch, raw),
		asynq.TaskID("dispatch:"+recordID),
		asynq.Queue("critical"),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

type Service struct {
	grants *grant.Service
	client *http.Client
	url    string
	logger *zap.Logger
}

type ServiceParams struct {
	fx.In

	Grants *grant.Service
	Config *config.Config
	Logger *zap.Logger
}

func NewService(p ServiceParams) *Service {
	timeout := p.Config.Engine.DispatchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		grants: p.Grants,
		client: &http.Client{Timeout: timeout},
		url:    p.Config.Engine.DispatchURL,
		logger: logger,
	}
}

// HandleDispatchTask is the queue consumer. Returned errors are retried by
// the queue's backoff policy; after exhaustion the record keeps its
// unissued checks for an operator to find.
func (s *Service) HandleDispatchTask(ctx context.Context, task *asynq.Task) error {
	var p payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("malformed dispatch payload: %w", asynq.SkipRetry)
	}
	return s.DispatchSync(ctx, p.RecordID)
}

type deliveryLine struct {
	AwardID      string `json:"awardId"`
	Qty          int64  `json:"qty"`
	ValidityDays int    `json:"validityDays"`
}

type deliveryRequest struct {
	RecordID   string         `json:"recordId"`
	UserID     string         `json:"userId"`
	CampaignID string         `json:"campaignId"`
	TaskID     string         `json:"taskId"`
	Awards     []deliveryLine `json:"awards"`
}

// DispatchSync delivers every approved, unissued check of the record and
// marks the record issued on success. Already-issued records are a no-op,
// which makes redelivered jobs safe.
func (s *Service) DispatchSync(ctx context.Context, recordID string) error {
	rec, err := s.grants.Load(ctx, recordID)
	if err != nil {
		return errutil.Dispatch("completion record not found: "+recordID, errutil.WithErr(err))
	}

	req := deliveryRequest{
		RecordID:   rec.RecordID,
		UserID:     rec.UserID,
		CampaignID: rec.CampaignID,
		TaskID:     rec.TaskID,
	}
	for _, c := range rec.Checks {
		if c.Issued {
			continue
		}
		if c.Status != grant.CheckAutoApproved && c.Status != grant.CheckApproved {
			continue
		}
		req.Awards = append(req.Awards, deliveryLine{
			AwardID:      c.AwardID,
			Qty:          c.Qty,
			ValidityDays: c.ValidityDays,
		})
	}
	if len(req.Awards) == 0 {
		return nil
	}

	if err := s.post(ctx, req); err != nil {
		s.logger.Error("award delivery failed",
			zap.String("record_id", recordID), zap.Error(err))
		return err
	}
	if err := s.grants.MarkIssued(ctx, recordID); err != nil {
		// delivered but unmarked; the retry is absorbed by the issued-skip
		// on the collaborator side
		return err
	}

	s.logger.Info("awards dispatched",
		zap.String("record_id", recordID),
		zap.Int("lines", len(req.Awards)),
	)
	return nil
}

func (s *Service) post(ctx context.Context, req deliveryRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return errutil.Dispatch("award collaborator unreachable", errutil.WithErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errutil.Dispatch(fmt.Sprintf("award collaborator returned %d", resp.StatusCode))
	}
	return nil
}

var Module = fx.Module("dispatch",
	fx.Provide(NewService),
	fx.Provide(
		NewEnqueuer,
		func(e *Enqueuer) grant.Enqueuer { return e },
		func(s *Service) grant.Dispatcher { return s },
	),
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.AwardDispatch, s.HandleDispatchTask)
}
