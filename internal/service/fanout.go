package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/internal/metrics"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/pkg/logger"
	"github.com/d60-Lab/submission-hub/pkg/telemetry"
)

// Dispatcher 并发派发到各渠道，等全部结束后返回与 plans 等长的结果
type Dispatcher struct {
	outcomes repository.OutcomeRepository
	timeout  time.Duration
}

func NewDispatcher(outcomes repository.OutcomeRepository, timeout time.Duration) *Dispatcher {
	return &Dispatcher{outcomes: outcomes, timeout: timeout}
}

func (d *Dispatcher) Dispatch(ctx context.Context, n notify.Notification, plans []channelPlan) []bool {
	results := make([]bool, len(plans))
	if len(plans) == 0 {
		return results
	}

	if d.outcomes != nil {
		chans := make([]model.Channel, len(plans))
		for i, p := range plans {
			chans[i] = p.driver.Channel()
		}
		if err := d.outcomes.MarkPending(ctx, n.SubmissionID, chans); err != nil {
			logger.Warn("mark channel outcomes pending failed", zap.String("submission_id", n.SubmissionID), zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	for i, p := range plans {
		wg.Add(1)
		go func(i int, p channelPlan) {
			defer wg.Done()
			results[i] = d.send(ctx, n.Clone(), p)
		}(i, p)
	}
	wg.Wait()
	return results
}

// send 单渠道隔离：panic 与超时都转换为 false
func (d *Dispatcher) send(ctx context.Context, n notify.Notification, p channelPlan) (ok bool) {
	ch := p.driver.Channel()
	ctx, span := telemetry.Tracer().Start(ctx, "notify."+string(ch))
	span.SetAttributes(
		attribute.String("submission.id", n.SubmissionID),
		attribute.String("notify.channel", string(ch)),
	)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			ok = false
			err := fmt.Errorf("channel %s panicked: %v", ch, r)
			logger.Error("notification driver panicked", zap.String("channel", string(ch)), zap.String("submission_id", n.SubmissionID), zap.Any("panic", r))
			telemetry.CaptureError(err, map[string]string{"channel": string(ch), "submission_id": n.SubmissionID})
			span.RecordError(err)
		}

		status := model.OutcomeFailed
		if ok {
			status = model.OutcomeSent
		} else {
			span.SetStatus(codes.Error, "not delivered")
		}
		metrics.ChannelDuration.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())
		metrics.ChannelDeliveriesTotal.WithLabelValues(string(ch), string(status)).Inc()
		if d.outcomes != nil {
			if err := d.outcomes.Record(context.WithoutCancel(ctx), n.SubmissionID, ch, status); err != nil {
				logger.Warn("record channel outcome failed", zap.String("channel", string(ch)), zap.String("submission_id", n.SubmissionID), zap.Error(err))
			}
		}
		span.End()
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ok = p.driver.Send(ctx, n, p.target)
	if !ok {
		logger.Warn("notification channel failed", zap.String("channel", string(ch)), zap.String("submission_id", n.SubmissionID))
	}
	return ok
}
