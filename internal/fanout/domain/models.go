package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PeriodType string

const (
	PeriodDay   PeriodType = "day"
	PeriodWeek  PeriodType = "week"
	PeriodMonth PeriodType = "month"
	PeriodYear  PeriodType = "year"
)

var PeriodTypes = []PeriodType{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}

func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

type StatName string

const (
	StatSongsGenerated  StatName = "numSongsGenerated"
	StatDedicationGiven StatName = "numDedicationsGiven"
	StatDonationValue   StatName = "donationValue"
)

var StatNames = []StatName{StatSongsGenerated, StatDedicationGiven, StatDonationValue}

func (s StatName) Valid() bool {
	switch s {
	case StatSongsGenerated, StatDedicationGiven, StatDonationValue:
		return true
	}
	return false
}

var statAliases = map[string]StatName{
	"songs":       StatSongsGenerated,
	"dedications": StatDedicationGiven,
	"donations":   StatDonationValue,
}

// ParseStatName accepts a canonical stat name in any case or one of its
// short aliases.
func ParseStatName(raw string) (StatName, error) {
	raw = strings.TrimSpace(raw)
	if alias, ok := statAliases[strings.ToLower(raw)]; ok {
		return alias, nil
	}
	for _, name := range StatNames {
		if strings.EqualFold(raw, string(name)) {
			return name, nil
		}
	}
	return "", ErrInvalidStat
}

// PeriodKeys are the bucket keys of one instant, all in UTC.
type PeriodKeys struct {
	Day   string `json:"day"`
	Week  string `json:"week"`
	Month string `json:"month"`
	Year  string `json:"year"`
}

// KeysFor derives the period keys of t: YYYYMMDD, ISO YYYY-Www, YYYYMM and
// YYYY.
func KeysFor(t time.Time) PeriodKeys {
	t = t.UTC()
	year, week := t.ISOWeek()
	return PeriodKeys{
		Day:   t.Format("20060102"),
		Week:  fmt.Sprintf("%04d-W%02d", year, week),
		Month: t.Format("200601"),
		Year:  t.Format("2006"),
	}
}

func (k PeriodKeys) Key(p PeriodType) string {
	switch p {
	case PeriodDay:
		return k.Day
	case PeriodWeek:
		return k.Week
	case PeriodMonth:
		return k.Month
	case PeriodYear:
		return k.Year
	}
	return ""
}

// StatBucket is one per-user counter for a period.
type StatBucket struct {
	PeriodType  PeriodType   `gorm:"primaryKey" json:"period_type"`
	PeriodKey   string       `gorm:"primaryKey" json:"period_key"`
	StatName    StatName     `gorm:"primaryKey" json:"stat_name"`
	UserID      snowflake.ID `gorm:"primaryKey" json:"user_id"`
	Count       int64        `json:"count"`
	LastUpdated time.Time    `json:"last_updated"`
}

func (StatBucket) TableName() string { return "stat_buckets" }

// Receipt marks a song whose fan-out has been applied.
type Receipt struct {
	SongID    snowflake.ID `gorm:"primaryKey"`
	TaskID    snowflake.ID
	UserID    snowflake.ID
	AppliedAt time.Time
}

func (Receipt) TableName() string { return "fanout_receipts" }

// Increment is one bucket delta produced by a song.
type Increment struct {
	PeriodType PeriodType
	PeriodKey  string
	StatName   StatName
	UserID     snowflake.ID
	Delta      int64
}

type UserStats struct {
	NumSongsGenerated   int64 `json:"num_songs_generated"`
	NumDedicationsGiven int64 `json:"num_dedications_given"`
	SumDonationsTotal   int64 `json:"sum_donations_total"`
}

type Result struct {
	Applied    bool
	Increments []Increment
}

// Increments lists the bucket deltas of one song: songs always, the
// dedication and donation stats only when the song carries them.
func Increments(userID snowflake.ID, at time.Time, hasDedication bool, donation int64) []Increment {
	keys := KeysFor(at)
	var out []Increment
	for _, period := range PeriodTypes {
		key := keys.Key(period)
		out = append(out, Increment{PeriodType: period, PeriodKey: key, StatName: StatSongsGenerated, UserID: userID, Delta: 1})
		if hasDedication {
			out = append(out, Increment{PeriodType: period, PeriodKey: key, StatName: StatDedicationGiven, UserID: userID, Delta: 1})
		}
		if donation > 0 {
			out = append(out, Increment{PeriodType: period, PeriodKey: key, StatName: StatDonationValue, UserID: userID, Delta: donation})
		}
	}
	return out
}
