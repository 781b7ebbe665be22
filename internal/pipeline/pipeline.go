// Package pipeline wires the lifecycle triggers together: payment
// confirmation starts a dispatch, an irrecoverable failure compensates and
// every new song is fanned out into the aggregates.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/compensation"
	"github.com/smallbiznis/melodia/internal/config"
	dispatchdomain "github.com/smallbiznis/melodia/internal/dispatch/domain"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultRecoveryBatch = 50

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
	Pricing     *config.PricingHolder
	Requests    generationdomain.Service
	Dispatcher  dispatchdomain.Service
	Ledger      ledgerdomain.Service
	Fanout      fanoutdomain.Service
	Compensator *compensation.Compensator
}

type Pipeline struct {
	log         *zap.Logger
	clock       clock.Clock
	dispatchCfg config.DispatchConfig
	batchSize   int
	pricing     *config.PricingHolder
	requests    generationdomain.Service
	dispatcher  dispatchdomain.Service
	ledger      ledgerdomain.Service
	fanout      fanoutdomain.Service
	compensator *compensation.Compensator
}

func New(p Params) *Pipeline {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	batch := p.Config.Scheduler.BatchSize
	if batch <= 0 {
		batch = defaultRecoveryBatch
	}
	return &Pipeline{
		log:         p.Log.Named("pipeline"),
		clock:       c,
		dispatchCfg: p.Config.Dispatch,
		batchSize:   batch,
		pricing:     p.Pricing,
		requests:    p.Requests,
		dispatcher:  p.Dispatcher,
		ledger:      p.Ledger,
		fanout:      p.Fanout,
		compensator: p.Compensator,
	}
}

// Submit creates a request and, when a credit paid for it, dispatches it
// right away. Dispatch problems are handled behind the caller's back: the
// request is either compensated or left for recovery.
func (p *Pipeline) Submit(ctx context.Context, req generationdomain.CreateRequest) (*generationdomain.CreateResult, error) {
	res, err := p.requests.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.PaymentStatus == generationdomain.PaymentSuccess {
		if err := p.OnPaymentConfirmed(ctx, res.RequestID); err != nil {
			p.log.Warn("dispatch after credit spend did not complete",
				zap.String("request_id", res.RequestID.String()),
				zap.Error(err),
			)
		}
	}
	return res, nil
}

// OnPaymentConfirmed dispatches a paid request. Only the caller that wins
// the dispatch claim reaches the provider.
func (p *Pipeline) OnPaymentConfirmed(ctx context.Context, requestID snowflake.ID) error {
	claimed, err := p.requests.ClaimDispatch(ctx, requestID)
	if err != nil {
		return err
	}
	if !claimed {
		p.log.Debug("dispatch already claimed", zap.String("request_id", requestID.String()))
		return nil
	}
	return p.dispatch(ctx, requestID)
}

func (p *Pipeline) dispatch(ctx context.Context, requestID snowflake.ID) error {
	req, err := p.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	log := p.log.With(
		zap.String("request_id", requestID.String()),
		zap.String("user_id", req.UserID.String()),
	)

	in, err := req.Input()
	if err != nil {
		log.Error("stored generation input is unreadable", zap.Error(err))
		p.compensate(ctx, req.UserID, requestID, "generation input unreadable")
		return fmt.Errorf("%w: %w", dispatchdomain.ErrDispatchTerminal, err)
	}

	taskID, err := p.dispatcher.Enqueue(ctx, dispatchdomain.EnqueueRequest{
		UserID:           req.UserID,
		RequestID:        requestID,
		Params:           in,
		ScheduleDelay:    p.dispatchCfg.ScheduleDelay,
		DispatchDeadline: p.dispatchCfg.Deadline,
	})
	switch {
	case err == nil:
		log.Info("request dispatched", zap.String("task_id", taskID.String()))
		return nil
	case errors.Is(err, dispatchdomain.ErrDispatchTerminal):
		reason := "dispatch rejected by provider"
		if errors.Is(err, dispatchdomain.ErrDeadlineExceeded) {
			reason = generationdomain.TaskErrDispatchDeadline
		}
		log.Warn("dispatch failed, compensating", zap.Error(err))
		p.compensate(ctx, req.UserID, requestID, reason)
		return err
	default:
		// Retryable: the claim stays and the recovery job takes it over.
		log.Warn("dispatch deferred", zap.Error(err))
		return err
	}
}

// HandlePaymentEvent applies a verified gateway event. Dispatch errors are
// logged and never returned, so the gateway is not asked to redeliver an
// event whose effect was already recorded.
func (p *Pipeline) HandlePaymentEvent(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return nil
	}
	log := p.log.With(
		zap.String("provider", event.Provider),
		zap.String("event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
	)

	if event.Type == paymentdomain.EventTypeSubscriptionRenewed {
		return p.grantSubscriptionCredits(ctx, event)
	}

	switch event.Outcome {
	case paymentdomain.OutcomeSuccess:
		tr, err := p.requests.MarkPaymentSuccess(ctx, event.RequestID)
		if err != nil {
			return err
		}
		if !tr.Changed {
			log.Debug("payment success already applied", zap.String("request_id", event.RequestID.String()))
			return nil
		}
		if err := p.OnPaymentConfirmed(ctx, event.RequestID); err != nil {
			log.Warn("dispatch after payment did not complete",
				zap.String("request_id", event.RequestID.String()),
				zap.Error(err),
			)
		}
		return nil
	case paymentdomain.OutcomeFailed:
		reason := event.Reason
		if reason == "" {
			reason = "payment failed"
		}
		_, err := p.requests.MarkPaymentFailed(ctx, event.RequestID, reason)
		return err
	}
	log.Debug("payment event has no lifecycle effect")
	return nil
}

func (p *Pipeline) grantSubscriptionCredits(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if event.UserID == 0 || event.PeriodStart.IsZero() {
		p.log.Warn("subscription renewal without user or period", zap.String("event_id", event.ProviderEventID))
		return nil
	}
	amount := p.pricing.Get().SubscriptionPeriodCredits
	if amount <= 0 {
		return nil
	}
	res, err := p.ledger.GrantIfAbsent(ctx, event.UserID, event.PeriodStart, amount)
	if err != nil {
		return err
	}
	p.log.Info("subscription period credits",
		zap.String("user_id", event.UserID.String()),
		zap.Time("period_start", event.PeriodStart),
		zap.Bool("granted", res.Granted),
		zap.Int64("balance", res.NewBalance),
	)
	return nil
}

// OnTaskFailed compensates the request behind a task that failed for good.
func (p *Pipeline) OnTaskFailed(ctx context.Context, task *generationdomain.Task, reason string) error {
	if task == nil {
		return nil
	}
	_, err := p.compensator.Compensate(ctx, task.UserID, task.RequestID, reason)
	return err
}

// OnSongCreated feeds a new song into the aggregates.
func (p *Pipeline) OnSongCreated(ctx context.Context, songID snowflake.ID) error {
	_, err := p.fanout.OnSongCreated(ctx, songID)
	return err
}

type RecoveryResult struct {
	Redispatched int
	Compensated  int
	Deferred     int
}

// RecoverStale picks up paid requests that never produced a task: stale
// claims are taken over and dispatched again, and requests older than the
// give-up window are compensated instead.
func (p *Pipeline) RecoverStale(ctx context.Context) (RecoveryResult, error) {
	var out RecoveryResult
	now := p.clock.Now()
	staleBefore := now.Add(-p.dispatchCfg.RecoveryAfter)

	items, err := p.requests.ListStaleUndispatched(ctx, staleBefore, p.batchSize)
	if err != nil {
		return out, err
	}

	var errs []error
	for i := range items {
		req := &items[i]
		if p.dispatchCfg.GiveUpAfter > 0 && now.Sub(req.CreatedAt) > p.dispatchCfg.GiveUpAfter {
			if p.compensate(ctx, req.UserID, req.ID, "dispatch did not start in time") {
				out.Compensated++
			}
			continue
		}

		claimed, err := p.claimForRecovery(ctx, req, staleBefore)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		if !claimed {
			continue
		}
		err = p.dispatch(ctx, req.ID)
		switch {
		case err == nil:
			out.Redispatched++
		case errors.Is(err, dispatchdomain.ErrDispatchTerminal):
			out.Compensated++
		case errors.Is(err, dispatchdomain.ErrDispatchRetryable):
			out.Deferred++
		default:
			errs = append(errs, fmt.Errorf("request %s: %w", req.ID, err))
		}
	}
	return out, errors.Join(errs...)
}

func (p *Pipeline) claimForRecovery(ctx context.Context, req *generationdomain.Request, staleBefore time.Time) (bool, error) {
	if req.DispatchClaimedAt == nil {
		return p.requests.ClaimDispatch(ctx, req.ID)
	}
	return p.requests.ReclaimDispatch(ctx, req.ID, staleBefore)
}

func (p *Pipeline) compensate(ctx context.Context, userID, requestID snowflake.ID, reason string) bool {
	if _, err := p.compensator.Compensate(ctx, userID, requestID, reason); err != nil {
		p.log.Error("compensation failed",
			zap.String("request_id", requestID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}
