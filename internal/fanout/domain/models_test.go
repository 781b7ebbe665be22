package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestKeysFor(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want PeriodKeys
	}{
		{
			name: "thursday",
			at:   time.Date(2025, 7, 3, 15, 4, 5, 0, time.UTC),
			want: PeriodKeys{Day: "20250703", Week: "2025-W27", Month: "202507", Year: "2025"},
		},
		{
			name: "iso week belongs to next year",
			at:   time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC),
			want: PeriodKeys{Day: "20241230", Week: "2025-W01", Month: "202412", Year: "2024"},
		},
		{
			name: "iso week belongs to previous year",
			at:   time.Date(2021, 1, 3, 23, 59, 59, 0, time.UTC),
			want: PeriodKeys{Day: "20210103", Week: "2020-W53", Month: "202101", Year: "2021"},
		},
		{
			name: "non utc input is normalised",
			at:   time.Date(2025, 7, 4, 1, 0, 0, 0, time.FixedZone("EEST", 3*3600)),
			want: PeriodKeys{Day: "20250703", Week: "2025-W27", Month: "202507", Year: "2025"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KeysFor(tc.at))
			assert.Equal(t, KeysFor(tc.at), KeysFor(tc.at))
		})
	}
}

func TestIncrements(t *testing.T) {
	at := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	user := snowflake.ID(7)

	assert.Len(t, Increments(user, at, false, 0), 4)
	assert.Len(t, Increments(user, at, true, 0), 8)

	all := Increments(user, at, true, 1500)
	assert.Len(t, all, 12)
	for _, inc := range all {
		if inc.StatName == StatDonationValue {
			assert.Equal(t, int64(1500), inc.Delta)
		} else {
			assert.Equal(t, int64(1), inc.Delta)
		}
	}
}

func TestParseStatName(t *testing.T) {
	cases := map[string]StatName{
		"numSongsGenerated":   StatSongsGenerated,
		"numsongsgenerated":   StatSongsGenerated,
		"numDedicationsGiven": StatDedicationGiven,
		"donationValue":       StatDonationValue,
		"songs":               StatSongsGenerated,
		"Dedications":         StatDedicationGiven,
		" donations ":         StatDonationValue,
	}
	for raw, want := range cases {
		got, err := ParseStatName(raw)
		assert.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseStatName("likes")
	assert.ErrorIs(t, err, ErrInvalidStat)
}
