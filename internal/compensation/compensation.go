// Package compensation undoes the credit side of a request that failed
// after it was paid for.
package compensation

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/config"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrRequestNotFound = errors.New("request_not_found")

// Kind labels what a compensation gave back.
type Kind string

const (
	KindCredits Kind = "credits"
	KindCard    Kind = "card"
	KindNone    Kind = "none"
)

type Outcome struct {
	Kind     Kind
	Refunded int64
	// RefundErr is set when the refund could not be written. It is not
	// retried; the request is still marked failed.
	RefundErr error
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Requests   generationdomain.Service
	Ledger     ledgerdomain.Service
	Pricing    *config.PricingHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Compensator struct {
	log        *zap.Logger
	requests   generationdomain.Service
	ledger     ledgerdomain.Service
	pricing    *config.PricingHolder
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Compensator {
	return &Compensator{
		log:        p.Log.Named("compensation"),
		requests:   p.Requests,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		obsMetrics: p.ObsMetrics,
	}
}

// Compensate refunds what the request consumed and marks it failed with
// reason. Refunds are keyed by the request id, so repeated calls give back
// at most once.
func (c *Compensator) Compensate(ctx context.Context, userID, requestID snowflake.ID, reason string) (Outcome, error) {
	req, err := c.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, generationdomain.ErrRequestNotFound) {
			return Outcome{}, ErrRequestNotFound
		}
		return Outcome{}, err
	}
	if req == nil {
		return Outcome{}, ErrRequestNotFound
	}
	if userID == 0 {
		userID = req.UserID
	}
	log := c.log.With(
		zap.String("request_id", requestID.String()),
		zap.String("user_id", userID.String()),
	)
	if req.UserID != userID {
		log.Error("compensation user does not own request", zap.String("owner_id", req.UserID.String()))
		return Outcome{}, ErrRequestNotFound
	}

	out := Outcome{Kind: KindNone}
	switch {
	case req.CreditsSpent > 0:
		out.Kind, out.Refunded = KindCredits, req.CreditsSpent
	case req.PaymentStatus == generationdomain.PaymentSuccess:
		// Card payments are returned as a credit the user can retry with.
		out.Kind, out.Refunded = KindCard, c.songCreditCost()
	}

	if out.Refunded > 0 {
		if _, err := c.ledger.Refund(ctx, userID, out.Refunded, requestID.String()); err != nil {
			log.Error("compensation refund failed",
				zap.Int64("amount", out.Refunded),
				zap.Error(err),
			)
			out.RefundErr = err
		}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "generation failed"
	}
	if err := c.requests.MarkFailed(ctx, requestID, reason); err != nil {
		return out, err
	}

	c.obsMetrics.RecordCompensation(ctx, string(out.Kind))
	log.Info("request compensated",
		zap.String("kind", string(out.Kind)),
		zap.Int64("refunded", out.Refunded),
		zap.String("reason", reason),
	)
	return out, nil
}

func (c *Compensator) songCreditCost() int64 {
	if c.pricing == nil {
		return 1
	}
	if cost := c.pricing.Get().SongCreditCost; cost > 0 {
		return cost
	}
	return 1
}
