package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Pricing is the resolved price list. Money values are in minor units.
type Pricing struct {
	Currency                  string
	SongCreditCost            int64
	SongPrice                 int64
	SongSubscriptionPrice     int64
	DedicationPrice           int64
	DonationMinimum           int64
	SubscriptionPeriodCredits int64
}

// pricingFile mirrors pricing.yml. Prices are decimal strings ("19.99").
type pricingFile struct {
	Currency                  string `mapstructure:"currency"`
	SongCreditCost            int64  `mapstructure:"songCreditCost"`
	SongPrice                 string `mapstructure:"songPrice"`
	SongSubscriptionPrice     string `mapstructure:"songSubscriptionPrice"`
	DedicationPrice           string `mapstructure:"dedicationPrice"`
	DonationMinimum           string `mapstructure:"donationMinimum"`
	SubscriptionPeriodCredits int64  `mapstructure:"subscriptionPeriodCredits"`
}

func defaultPricingFile() pricingFile {
	return pricingFile{
		Currency:                  "ron",
		SongCreditCost:            1,
		SongPrice:                 "19.99",
		SongSubscriptionPrice:     "9.99",
		DedicationPrice:           "4.99",
		DonationMinimum:           "5.00",
		SubscriptionPeriodCredits: 5,
	}
}

// DefaultPricing returns the built-in price list used when no pricing.yml exists.
func DefaultPricing() Pricing {
	p, err := defaultPricingFile().resolve()
	if err != nil {
		panic(err)
	}
	return p
}

type PricingHolder struct {
	current atomic.Value // holds Pricing
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(p Pricing) *PricingHolder {
	h := &PricingHolder{}
	h.current.Store(p)
	return h
}

func NewPricingHolder() (*PricingHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/melodia/config")
	v.AddConfigPath("/etc/melodia")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MELODIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		d := defaultPricingFile()
		v.SetDefault("pricing.currency", d.Currency)
		v.SetDefault("pricing.songCreditCost", d.SongCreditCost)
		v.SetDefault("pricing.songPrice", d.SongPrice)
		v.SetDefault("pricing.songSubscriptionPrice", d.SongSubscriptionPrice)
		v.SetDefault("pricing.dedicationPrice", d.DedicationPrice)
		v.SetDefault("pricing.donationMinimum", d.DonationMinimum)
		v.SetDefault("pricing.subscriptionPeriodCredits", d.SubscriptionPeriodCredits)
	}

	pricing, err := loadPricing(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPricingHolder(pricing)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := loadPricing(v)
		if err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingHolder) Get() Pricing {
	return h.current.Load().(Pricing)
}

func loadPricing(v *viper.Viper) (Pricing, error) {
	var raw pricingFile
	if err := v.UnmarshalKey("pricing", &raw); err != nil {
		return Pricing{}, err
	}
	return raw.resolve()
}

func (f pricingFile) resolve() (Pricing, error) {
	currency := strings.ToLower(strings.TrimSpace(f.Currency))
	if currency == "" {
		return Pricing{}, errors.New("pricing.currency cannot be empty")
	}
	if f.SongCreditCost <= 0 {
		return Pricing{}, errors.New("pricing.songCreditCost must be positive")
	}
	if f.SubscriptionPeriodCredits < 0 {
		return Pricing{}, errors.New("pricing.subscriptionPeriodCredits cannot be negative")
	}

	out := Pricing{
		Currency:                  currency,
		SongCreditCost:            f.SongCreditCost,
		SubscriptionPeriodCredits: f.SubscriptionPeriodCredits,
	}
	fields := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"songPrice", f.SongPrice, &out.SongPrice},
		{"songSubscriptionPrice", f.SongSubscriptionPrice, &out.SongSubscriptionPrice},
		{"dedicationPrice", f.DedicationPrice, &out.DedicationPrice},
		{"donationMinimum", f.DonationMinimum, &out.DonationMinimum},
	}
	for _, field := range fields {
		amount, err := ToMinorUnits(field.raw)
		if err != nil {
			return Pricing{}, fmt.Errorf("pricing.%s: %w", field.name, err)
		}
		*field.dst = amount
	}
	if out.SongSubscriptionPrice > out.SongPrice {
		return Pricing{}, errors.New("pricing.songSubscriptionPrice cannot exceed songPrice")
	}
	return out, nil
}

// ToMinorUnits converts a decimal money string with at most two fractional
// digits into minor units.
func ToMinorUnits(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("amount is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, errors.New("amount cannot be negative")
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, errors.New("amount has more than two decimal places")
	}
	return minor.IntPart(), nil
}
