package sweep

import (
	"context"
	"time"

	"promo-engine/pkg/config"
	"promo-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scheduler struct {
	service *Service
	cfg     *config.Config
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	return &Scheduler{service: svc, cfg: cfg}
}

// StartScheduler is invoked by FX at service start.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.runDailyLoop(ctx)
			go s.runHourlyLoop(ctx)
			return nil
		},
	})
}

func (s *Scheduler) runDailyLoop(ctx context.Context) {
	zap.L().Info("[Sweep] started daily sweep scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, s.cfg.Engine.SweepDailyHour, s.cfg.Engine.SweepDailyMinute)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Sweep] next daily run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.runOnce(ctx, "daily", s.service.EnqueueDailySweeps)
		case <-ctx.Done():
			zap.L().Warn("[Sweep] daily scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) runHourlyLoop(ctx context.Context) {
	zap.L().Info("[Sweep] started hourly sweep scheduler")

	for {
		now := time.Now()
		next := now.Truncate(time.Hour).Add(time.Hour)

		select {
		case <-time.After(next.Sub(now)):
			s.runOnce(ctx, "hourly", s.service.EnqueueHourlySweeps)
		case <-ctx.Done():
			zap.L().Warn("[Sweep] hourly scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, kind string, enqueue func(context.Context) error) {
	start := time.Now()
	zap.L().Info("[Sweep] running sweep enqueue", zap.String("kind", kind))

	if err := enqueue(ctx); err != nil {
		zap.L().Error("[Sweep] enqueue failed", zap.String("kind", kind), zap.Error(err))
		return
	}

	zap.L().Info("[Sweep] finished sweep enqueue",
		zap.String("kind", kind),
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime computes the next occurrence of the given wall-clock time.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

var Module = fx.Module("sweep",
	fx.Provide(NewService),
	fx.Provide(NewScheduler),
	fx.Invoke(registerHandlers),
	fx.Invoke(StartScheduler),
)

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.SweepTaskRun, s.HandleTaskSweep)
}
