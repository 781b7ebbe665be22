package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/melodia/internal/clock"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/melodia/internal/observability/metrics"
	"github.com/smallbiznis/melodia/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxTxAttempts = 3
	retryBackoff  = 15 * time.Millisecond
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

// mutation computes the next balance for a locked account. It returns
// apply=false to leave the row untouched.
type mutation func(acct *ledgerdomain.Account) (delta int64, apply bool, err error)

type outcome struct {
	balance  int64
	applied  bool
	replayed bool
}

func (s *Service) Spend(ctx context.Context, userID snowflake.ID, amount int64, sourceID string) (ledgerdomain.SpendResult, error) {
	var res ledgerdomain.SpendResult
	err := s.withRetry(ctx, "spend", func(tx *gorm.DB) error {
		var err error
		res, err = s.SpendTx(ctx, tx, userID, amount, sourceID)
		return err
	})
	return res, err
}

func (s *Service) SpendTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, amount int64, sourceID string) (ledgerdomain.SpendResult, error) {
	if err := validate(userID, amount, sourceID); err != nil {
		return ledgerdomain.SpendResult{}, err
	}
	out, err := s.apply(ctx, tx, userID, ledgerdomain.SourceTypeSpend, sourceID, func(acct *ledgerdomain.Account) (int64, bool, error) {
		if acct.CreditsBalance < amount {
			return 0, false, ledgerdomain.ErrInsufficientCredit
		}
		return -amount, true, nil
	})
	if err != nil {
		return ledgerdomain.SpendResult{}, err
	}
	return ledgerdomain.SpendResult{NewBalance: out.balance, Replayed: out.replayed}, nil
}

func (s *Service) Refund(ctx context.Context, userID snowflake.ID, amount int64, sourceID string) (int64, error) {
	if err := validate(userID, amount, sourceID); err != nil {
		return 0, err
	}
	var balance int64
	err := s.withRetry(ctx, "refund", func(tx *gorm.DB) error {
		out, err := s.apply(ctx, tx, userID, ledgerdomain.SourceTypeRefund, sourceID, func(*ledgerdomain.Account) (int64, bool, error) {
			return amount, true, nil
		})
		balance = out.balance
		return err
	})
	return balance, err
}

func (s *Service) GrantIfAbsent(ctx context.Context, userID snowflake.ID, periodMarker time.Time, amount int64) (ledgerdomain.GrantResult, error) {
	if periodMarker.IsZero() {
		return ledgerdomain.GrantResult{}, ledgerdomain.ErrInvalidSource
	}
	marker := periodMarker.UTC()
	sourceID := marker.Format(time.RFC3339)
	if err := validate(userID, amount, sourceID); err != nil {
		return ledgerdomain.GrantResult{}, err
	}

	var res ledgerdomain.GrantResult
	err := s.withRetry(ctx, "grant", func(tx *gorm.DB) error {
		out, err := s.apply(ctx, tx, userID, ledgerdomain.SourceTypeSubscriptionGrant, sourceID, func(acct *ledgerdomain.Account) (int64, bool, error) {
			if acct.LastSubPeriodCreditGrant != nil && !acct.LastSubPeriodCreditGrant.Before(marker) {
				return 0, false, nil
			}
			return amount, true, nil
		})
		if err != nil {
			return err
		}
		if out.applied {
			if err := tx.WithContext(ctx).Exec(
				`UPDATE users SET last_sub_period_credit_grant = ? WHERE id = ?`,
				marker, userID,
			).Error; err != nil {
				return err
			}
		}
		res = ledgerdomain.GrantResult{Granted: out.applied, NewBalance: out.balance}
		return nil
	})
	return res, err
}

func (s *Service) Balance(ctx context.Context, userID snowflake.ID) (int64, error) {
	acct, err := s.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.CreditsBalance, nil
}

func (s *Service) Account(ctx context.Context, userID snowflake.ID) (*ledgerdomain.Account, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	var acct ledgerdomain.Account
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledgerdomain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Service) Entries(ctx context.Context, userID snowflake.ID, limit int) ([]ledgerdomain.Entry, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var entries []ledgerdomain.Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// apply locks the user row, skips sources that already have an entry, and
// writes the new balance with its ledger entry.
func (s *Service) apply(
	ctx context.Context,
	tx *gorm.DB,
	userID snowflake.ID,
	sourceType ledgerdomain.SourceType,
	sourceID string,
	fn mutation,
) (outcome, error) {
	var acct ledgerdomain.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return outcome{}, ledgerdomain.ErrUserNotFound
	}
	if err != nil {
		return outcome{}, err
	}

	var seen int64
	if err := tx.WithContext(ctx).
		Model(&ledgerdomain.Entry{}).
		Where("user_id = ? AND source_type = ? AND source_id = ?", userID, sourceType, sourceID).
		Count(&seen).Error; err != nil {
		return outcome{}, err
	}
	if seen > 0 {
		return outcome{balance: acct.CreditsBalance, replayed: true}, nil
	}

	delta, ok, err := fn(&acct)
	if err != nil || !ok {
		return outcome{balance: acct.CreditsBalance}, err
	}

	next := acct.CreditsBalance + delta
	if next < 0 {
		return outcome{balance: acct.CreditsBalance}, ledgerdomain.ErrInsufficientCredit
	}
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE users SET credits_balance = ?, updated_at = ? WHERE id = ?`,
		next, now, userID,
	).Error; err != nil {
		return outcome{}, err
	}
	if err := tx.WithContext(ctx).Create(&ledgerdomain.Entry{
		ID:           s.genID.Generate(),
		UserID:       userID,
		SourceType:   sourceType,
		SourceID:     sourceID,
		Delta:        delta,
		BalanceAfter: next,
		CreatedAt:    now,
	}).Error; err != nil {
		return outcome{}, err
	}

	s.obsMetrics.RecordLedgerMutation(ctx, string(sourceType))
	s.log.Debug("credit balance changed",
		zap.String("user_id", userID.String()),
		zap.String("source_type", string(sourceType)),
		zap.String("source_id", sourceID),
		zap.Int64("delta", delta),
		zap.Int64("balance", next),
	)
	return outcome{balance: next, applied: true}, nil
}

// withRetry reruns fn in a fresh transaction on serialization failures,
// deadlocks and lock timeouts.
func (s *Service) withRetry(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !db.IsRetryableTxErr(err) {
			return err
		}
		s.log.Warn("ledger transaction conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}

func validate(userID snowflake.ID, amount int64, sourceID string) error {
	if userID == 0 {
		return ledgerdomain.ErrInvalidUser
	}
	if amount <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(sourceID) == "" {
		return ledgerdomain.ErrInvalidSource
	}
	return nil
}
