package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"github.com/smallbiznis/melodia/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Adapters   *adapters.Registry
	Handler    paymentdomain.EventHandler
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	adapters   *adapters.Registry
	handler    paymentdomain.EventHandler
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      c,
		repo:       p.Repo,
		adapters:   p.Adapters,
		handler:    p.Handler,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies, records and applies one gateway event. A
// signature failure has no side effects. An event that was already applied
// is acknowledged without reapplying it. A handler failure leaves the
// event unprocessed so the gateway's redelivery retries it.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			s.log.Warn("payment webhook signature rejected", zap.String("provider", provider))
		}
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("payment webhook ignored", zap.String("provider", provider))
			return nil
		}
		return err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	record := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	if event.RequestID != 0 {
		id := event.RequestID
		record.RequestID = &id
	}
	if event.UserID != 0 {
		id := event.UserID
		record.UserID = &id
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	stored := &record
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.log.Info("payment event already processed",
				zap.String("provider", provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			return nil
		}
	}

	if s.handler != nil {
		if err := s.handler.HandlePaymentEvent(ctx, event); err != nil {
			s.log.Error("payment event handling failed",
				zap.String("provider", provider),
				zap.String("provider_event_id", event.ProviderEventID),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
			// left unprocessed; a redelivery handles it again
			return nil
		}
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}
	if inserted {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type)
	}
	return nil
}
