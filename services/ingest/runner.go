package ingest

import (
	"context"
	"errors"
	"io"
	"time"

	"promo-engine/pkg/kafka"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var fetchBackoff = time.Second

var consumeErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "reward_ingest_errors_total"})

// Runner drives the consume loop: fetch, handle, commit. The offset is
// committed only after the event fully processed or was rejected for a
// non-retryable reason, so a crash between handle and commit redelivers
// rather than skips.
type Runner struct {
	consumer *kafka.Consumer
	service  *Service
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(consumer *kafka.Consumer, service *Service, logger *zap.Logger) *Runner {
	return &Runner{
		consumer: consumer,
		service:  service,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)
	for {
		msg, err := r.consumer.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			consumeErrors.Inc()
			r.logger.Error("event fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		evt, err := ParseEvent(msg.Value)
		if err != nil {
			// poison message, commit past it
			r.logger.Warn("dropping malformed event", zap.Error(err))
			r.commit(ctx, msg)
			continue
		}

		if !r.process(ctx, evt) {
			return
		}
		r.commit(ctx, msg)
	}
}

// process retries the same event until it is handled or rejected for a
// non-retryable reason. Fetch has already advanced the reader's position,
// so moving on after a retryable failure would let a later commit cover
// this offset and silently drop the event. Returns false when the context
// ended mid-retry, leaving the offset uncommitted for redelivery.
func (r *Runner) process(ctx context.Context, evt *Event) bool {
	for {
		err := r.service.HandleEvent(ctx, evt)
		if err == nil {
			return true
		}
		if !Retryable(err) {
			r.logger.Info("event rejected",
				zap.String("event_id", evt.ID), zap.Error(err))
			return true
		}
		consumeErrors.Inc()
		r.logger.Error("event handling failed, retrying",
			zap.String("event_id", evt.ID), zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(fetchBackoff):
		}
	}
}

func (r *Runner) commit(ctx context.Context, msg kafkago.Message) {
	if err := r.consumer.Commit(ctx, msg); err != nil {
		r.logger.Error("offset commit failed", zap.Error(err))
	}
}

var Module = fx.Module("ingest",
	fx.Provide(NewService),
	fx.Provide(NewRunner),
	fx.Invoke(registerRunner),
)

func registerRunner(lc fx.Lifecycle, r *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var runCtx context.Context
			runCtx, r.cancel = context.WithCancel(context.Background())
			go r.Run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			r.cancel()
			select {
			case <-r.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
