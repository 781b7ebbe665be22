package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/config"
	"github.com/smallbiznis/melodia/internal/generation/domain"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"github.com/smallbiznis/melodia/internal/ratelimit"
	"github.com/smallbiznis/melodia/pkg/db/pagination"
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
	Repo       domain.Repository
	Ledger     ledgerdomain.Service
	Gateway    paymentdomain.Gateway
	Pricing    *config.PricingHolder
	Limiter    *ratelimit.CreationLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	ledger     ledgerdomain.Service
	gateway    paymentdomain.Gateway
	pricing    *config.PricingHolder
	limiter    *ratelimit.CreationLimiter
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("generation.service"),
		genID:      p.GenID,
		clock:      c,
		repo:       p.Repo,
		ledger:     p.Ledger,
		gateway:    p.Gateway,
		pricing:    p.Pricing,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.CreateResult, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if err := req.Input.Validate(); err != nil {
		return nil, err
	}

	if s.limiter.Enabled() {
		res, err := s.limiter.Allow(ctx, req.UserID)
		switch {
		case err != nil:
			s.log.Warn("rate limiter unavailable", zap.String("user_id", req.UserID.String()), zap.Error(err))
		case !res.Allowed:
			s.obsMetrics.RecordRateLimited(ctx, "create_request")
			return nil, domain.ErrRateLimited
		}
	}

	var result *domain.CreateResult
	err := s.limiter.WithUserLock(ctx, req.UserID, func(ctx context.Context) error {
		var err error
		result, err = s.create(ctx, req)
		return err
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		return nil, domain.ErrRequestInFlight
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) create(ctx context.Context, req domain.CreateRequest) (*domain.CreateResult, error) {
	acct, err := s.ledger.Account(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrUserNotFound) {
			return nil, domain.ErrInvalidUser
		}
		return nil, err
	}

	pricing := s.pricing.Get()
	decision, err := domain.DecidePricing(acct.CreditsBalance, acct.SubscriptionActive, req.Input, pricing)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	if decision.SongPaymentType == domain.SongPaymentCredit {
		res, err := s.createWithCredit(ctx, req.UserID, payload, decision)
		if !errors.Is(err, ledgerdomain.ErrInsufficientCredit) {
			return res, err
		}
		// A concurrent request spent the balance between the read and the lock.
		decision, err = domain.DecidePricing(0, acct.SubscriptionActive, req.Input, pricing)
		if err != nil {
			return nil, err
		}
	}
	return s.createWithCheckout(ctx, req.UserID, acct.CustomerID, payload, decision)
}

func (s *Service) createWithCredit(ctx context.Context, userID snowflake.ID, payload []byte, decision domain.Decision) (*domain.CreateResult, error) {
	now := s.clock.Now()
	item := s.newRequest(userID, payload, decision, domain.PaymentSuccess, now)
	item.CreditsSpent = decision.CreditsToSpend

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.SpendTx(ctx, tx, userID, decision.CreditsToSpend, item.ID.String()); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordRequestCreated(ctx, string(item.SongPaymentType), string(item.PaymentStatus))
	s.log.Info("generation request paid with credit",
		zap.String("request_id", item.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("credits_spent", item.CreditsSpent),
	)
	return &domain.CreateResult{
		RequestID:     item.ID,
		PaymentStatus: item.PaymentStatus,
	}, nil
}

func (s *Service) createWithCheckout(ctx context.Context, userID snowflake.ID, customerID *string, payload []byte, decision domain.Decision) (*domain.CreateResult, error) {
	now := s.clock.Now()
	item := s.newRequest(userID, payload, decision, domain.PaymentPending, now)
	if err := s.repo.Insert(ctx, s.db, item); err != nil {
		return nil, err
	}

	checkout := paymentdomain.CheckoutRequest{
		RequestID: item.ID,
		UserID:    userID,
		Currency:  decision.Currency,
	}
	if customerID != nil {
		checkout.CustomerID = *customerID
	}
	for _, line := range decision.Breakdown {
		checkout.Breakdown = append(checkout.Breakdown, paymentdomain.LineItem{
			Code:        line.Code,
			Description: line.Description,
			Amount:      line.Amount,
		})
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, checkout)
	if err != nil {
		reason := "checkout unavailable: " + err.Error()
		if _, markErr := s.repo.TransitionPayment(ctx, s.db, item.ID, domain.PaymentFailed, &reason, s.clock.Now()); markErr != nil {
			s.log.Error("failed to mark request failed after checkout error",
				zap.String("request_id", item.ID.String()),
				zap.Error(markErr),
			)
		}
		s.obsMetrics.RecordRequestCreated(ctx, string(item.SongPaymentType), string(domain.PaymentFailed))
		s.log.Warn("checkout session creation failed",
			zap.String("request_id", item.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrCheckoutUnavailable, err)
	}

	if err := s.repo.SetCheckout(ctx, s.db, item.ID, session.SessionID, session.URL, s.clock.Now()); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordRequestCreated(ctx, string(item.SongPaymentType), string(item.PaymentStatus))
	return &domain.CreateResult{
		RequestID:     item.ID,
		PaymentStatus: item.PaymentStatus,
		CheckoutURL:   session.URL,
		SessionID:     session.SessionID,
	}, nil
}

func (s *Service) newRequest(userID snowflake.ID, payload []byte, decision domain.Decision, status domain.PaymentStatus, now time.Time) *domain.Request {
	return &domain.Request{
		ID:                      s.genID.Generate(),
		UserID:                  userID,
		UserGenerationInput:     datatypes.JSON(payload),
		SongPaymentType:         decision.SongPaymentType,
		DedicationPaymentType:   decision.DedicationPaymentType,
		AruncaCuBaniPaymentType: decision.DonationPaymentType,
		AruncaCuBaniAmountToPay: decision.DonationAmount,
		AmountTotal:             decision.AmountTotal,
		Currency:                decision.Currency,
		PaymentStatus:           status,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

func (s *Service) MarkPaymentSuccess(ctx context.Context, requestID snowflake.ID) (domain.Transition, error) {
	return s.transition(ctx, requestID, domain.PaymentSuccess, nil)
}

func (s *Service) MarkPaymentFailed(ctx context.Context, requestID snowflake.ID, reason string) (domain.Transition, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "payment failed"
	}
	return s.transition(ctx, requestID, domain.PaymentFailed, &reason)
}

func (s *Service) transition(ctx context.Context, requestID snowflake.ID, to domain.PaymentStatus, reason *string) (domain.Transition, error) {
	if requestID == 0 {
		return domain.Transition{}, domain.ErrInvalidRequest
	}
	changed, err := s.repo.TransitionPayment(ctx, s.db, requestID, to, reason, s.clock.Now())
	if err != nil {
		return domain.Transition{}, err
	}
	item, err := s.repo.FindByID(ctx, s.db, requestID)
	if err != nil {
		return domain.Transition{}, err
	}
	if item == nil {
		return domain.Transition{}, domain.ErrRequestNotFound
	}
	if changed {
		s.log.Info("payment status changed",
			zap.String("request_id", requestID.String()),
			zap.String("payment_status", string(to)),
		)
	}
	return domain.Transition{Changed: changed, Request: item}, nil
}

func (s *Service) MarkFailed(ctx context.Context, requestID snowflake.ID, reason string) error {
	if requestID == 0 {
		return domain.ErrInvalidRequest
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "generation failed"
	}
	changed, err := s.repo.MarkFailed(ctx, s.db, requestID, reason, s.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		item, err := s.repo.FindByID(ctx, s.db, requestID)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrRequestNotFound
		}
	}
	return nil
}

func (s *Service) ClaimDispatch(ctx context.Context, requestID snowflake.ID) (bool, error) {
	if requestID == 0 {
		return false, domain.ErrInvalidRequest
	}
	return s.repo.ClaimDispatch(ctx, s.db, requestID, s.clock.Now())
}

func (s *Service) ReclaimDispatch(ctx context.Context, requestID snowflake.ID, staleBefore time.Time) (bool, error) {
	if requestID == 0 {
		return false, domain.ErrInvalidRequest
	}
	return s.repo.ReclaimDispatch(ctx, s.db, requestID, staleBefore, s.clock.Now())
}

func (s *Service) AttachTask(ctx context.Context, requestID, taskID snowflake.ID) error {
	if requestID == 0 || taskID == 0 {
		return domain.ErrInvalidRequest
	}
	attached, err := s.repo.AttachTask(ctx, s.db, requestID, taskID, s.clock.Now())
	if err != nil {
		return err
	}
	if !attached {
		item, err := s.repo.FindByID(ctx, s.db, requestID)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrRequestNotFound
		}
		if item.TaskID != nil && *item.TaskID != taskID {
			s.log.Warn("request already has a task",
				zap.String("request_id", requestID.String()),
				zap.String("task_id", item.TaskID.String()),
				zap.String("ignored_task_id", taskID.String()),
			)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, requestID snowflake.ID) (*domain.Request, error) {
	if requestID == 0 {
		return nil, domain.ErrInvalidRequest
	}
	item, err := s.repo.FindByID(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrRequestNotFound
	}
	return item, nil
}

func (s *Service) Status(ctx context.Context, requestID, userID snowflake.ID) (*domain.StatusView, error) {
	item, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && item.UserID != userID {
		return nil, domain.ErrRequestNotFound
	}

	task, err := s.repo.FindTaskByRequest(ctx, s.db, requestID)
	if err != nil {
		return nil, err
	}

	// songs win over a failed request: a late result after a compensated
	// dispatch timeout is still delivered
	switch {
	case task != nil && task.Status == domain.TaskCompleted:
		songs, err := s.repo.ListSongs(ctx, s.db, task.SongIDs)
		if err != nil {
			return nil, err
		}
		view := &domain.StatusView{Status: domain.StatusCompleted}
		for _, song := range songs {
			view.Songs = append(view.Songs, songView(song))
		}
		return view, nil
	case item.PaymentStatus == domain.PaymentFailed:
		return &domain.StatusView{Status: domain.StatusFailed, Error: deref(item.Error)}, nil
	case task != nil && task.Status == domain.TaskFailed:
		return &domain.StatusView{Status: domain.StatusFailed, Error: deref(task.Error)}, nil
	default:
		return &domain.StatusView{Status: domain.StatusProcessing}, nil
	}
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (*domain.ListResponse, error) {
	if req.UserID == 0 {
		return nil, domain.ErrInvalidUser
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Limit()

	var before snowflake.ID
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, domain.ErrInvalidRequest
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, domain.ErrInvalidRequest
		}
		before = id
	}

	items, err := s.repo.ListByUser(ctx, s.db, req.UserID, before, limit+1)
	if err != nil {
		return nil, err
	}
	items, info, err := pagination.Page(items, limit, func(r domain.Request) string {
		return r.ID.String()
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Request{}
	}
	return &domain.ListResponse{
		Requests:      items,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

func (s *Service) ListStaleUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]domain.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListStaleUndispatched(ctx, s.db, olderThan, limit)
}

func songView(song domain.Song) domain.SongView {
	return domain.SongView{
		ID:             song.ID.String(),
		Title:          song.Title,
		AudioURL:       song.AudioURL,
		StreamAudioURL: song.StreamAudioURL,
		ImageURL:       song.ImageURL,
		StorageURL:     deref(song.StorageURL),
		Duration:       song.Duration,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
