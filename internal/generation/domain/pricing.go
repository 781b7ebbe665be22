package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/smallbiznis/melodia/internal/config"
)

const (
	maxPromptLen     = 3000
	maxTitleLen      = 100
	maxStyleLen      = 200
	maxRecipientLen  = 100
	maxDedicationLen = 500
)

type LineItem struct {
	Code        string
	Description string
	Amount      int64
}

// Decision is the priced breakdown of one request.
type Decision struct {
	SongPaymentType       SongPaymentType
	DedicationPaymentType AddOnPaymentType
	DonationPaymentType   AddOnPaymentType
	DonationAmount        int64
	CreditsToSpend        int64
	AmountTotal           int64
	Currency              string
	Breakdown             []LineItem
}

// RequiresCheckout reports whether any part of the request is paid by card.
func (d Decision) RequiresCheckout() bool {
	return d.AmountTotal > 0
}

// Validate checks the submitted parameters without touching any state.
func (in Input) Validate() error {
	if strings.TrimSpace(in.Prompt) == "" && strings.TrimSpace(in.Lyrics) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Prompt) > maxPromptLen || utf8.RuneCountInString(in.Lyrics) > maxPromptLen {
		return fmt.Errorf("%w: prompt too long", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return fmt.Errorf("%w: title too long", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Style) > maxStyleLen {
		return fmt.Errorf("%w: style too long", ErrInvalidInput)
	}
	if in.Dedication != nil {
		if strings.TrimSpace(in.Dedication.Recipient) == "" {
			return fmt.Errorf("%w: dedication recipient is required", ErrInvalidInput)
		}
		if utf8.RuneCountInString(in.Dedication.Recipient) > maxRecipientLen ||
			utf8.RuneCountInString(in.Dedication.Message) > maxDedicationLen {
			return fmt.Errorf("%w: dedication too long", ErrInvalidInput)
		}
	}
	if in.DonationAmount < 0 {
		return fmt.Errorf("%w: donation must not be negative", ErrInvalidInput)
	}
	return nil
}

// DecidePricing picks how each part of a request is paid. The song is paid
// with credits only when the balance covers it and no add-on needs a card
// payment; otherwise the whole request goes through checkout, at the
// subscription price for active subscribers.
func DecidePricing(balance int64, subscriptionActive bool, in Input, pricing config.Pricing) (Decision, error) {
	if err := in.Validate(); err != nil {
		return Decision{}, err
	}

	d := Decision{
		DedicationPaymentType: AddOnNoPayment,
		DonationPaymentType:   AddOnNoPayment,
		Currency:              pricing.Currency,
	}

	if in.HasDedication() {
		d.DedicationPaymentType = AddOnOnetime
	}
	if in.DonationAmount > 0 {
		if in.DonationAmount < pricing.DonationMinimum {
			return Decision{}, fmt.Errorf("%w: minimum is %d", ErrDonationTooSmall, pricing.DonationMinimum)
		}
		d.DonationPaymentType = AddOnOnetime
		d.DonationAmount = in.DonationAmount
	}
	hasAddOn := d.DedicationPaymentType == AddOnOnetime || d.DonationPaymentType == AddOnOnetime

	switch {
	case !hasAddOn && pricing.SongCreditCost > 0 && balance >= pricing.SongCreditCost:
		d.SongPaymentType = SongPaymentCredit
		d.CreditsToSpend = pricing.SongCreditCost
	case subscriptionActive:
		d.SongPaymentType = SongPaymentSubscriptionDiscount
		d.Breakdown = append(d.Breakdown, LineItem{Code: "song", Description: "Song (subscriber price)", Amount: pricing.SongSubscriptionPrice})
	default:
		d.SongPaymentType = SongPaymentOnetime
		d.Breakdown = append(d.Breakdown, LineItem{Code: "song", Description: "Song", Amount: pricing.SongPrice})
	}

	if d.DedicationPaymentType == AddOnOnetime {
		d.Breakdown = append(d.Breakdown, LineItem{Code: "dedication", Description: "Dedication", Amount: pricing.DedicationPrice})
	}
	if d.DonationPaymentType == AddOnOnetime {
		d.Breakdown = append(d.Breakdown, LineItem{Code: "donation", Description: "Donation", Amount: d.DonationAmount})
	}
	for _, item := range d.Breakdown {
		d.AmountTotal += item.Amount
	}
	return d, nil
}
