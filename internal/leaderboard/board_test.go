package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/melodia/internal/dbtest"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	"github.com/smallbiznis/melodia/internal/fanout/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const week = "2025-W27"

func newBoard(t *testing.T, withRedis bool) (*Board, *gorm.DB, *miniredis.Miniredis) {
	t.Helper()
	db := dbtest.Open(t)
	var (
		client *redis.Client
		mr     *miniredis.Miniredis
	)
	if withRedis {
		mr = miniredis.RunT(t)
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
	}
	board := New(Params{DB: db, Log: zap.NewNop(), Repo: repository.Provide(), Client: client})
	return board, db, mr
}

func seedBucket(t *testing.T, db *gorm.DB, userID snowflake.ID, count int64) {
	t.Helper()
	require.NoError(t, db.Create(&fanoutdomain.StatBucket{
		PeriodType:  fanoutdomain.PeriodWeek,
		PeriodKey:   week,
		StatName:    fanoutdomain.StatSongsGenerated,
		UserID:      userID,
		Count:       count,
		LastUpdated: time.Date(2025, 7, 3, 12, 0, 0, 0, time.UTC),
	}).Error)
}

func TestTopFromDatabaseWithoutRedis(t *testing.T) {
	board, db, _ := newBoard(t, false)
	ctx := context.Background()
	seedBucket(t, db, 10, 2)
	seedBucket(t, db, 11, 5)
	seedBucket(t, db, 12, 2)

	entries, err := board.Top(ctx, fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated, 0)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Rank: 1, UserID: 11, Score: 5},
		{Rank: 2, UserID: 10, Score: 2},
		{Rank: 3, UserID: 12, Score: 2},
	}, entries)

	t.Run("cached until an increment lands", func(t *testing.T) {
		seedBucket(t, db, 13, 9)
		entries, err := board.Top(ctx, fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		require.NoError(t, board.Apply(ctx, []fanoutdomain.Increment{{
			PeriodType: fanoutdomain.PeriodWeek,
			PeriodKey:  week,
			StatName:   fanoutdomain.StatSongsGenerated,
			UserID:     13,
			Delta:      1,
		}}))
		entries, err = board.Top(ctx, fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated, 0)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, snowflake.ID(13), entries[0].UserID)
	})
}

func TestApplyMirrorsIntoSortedSet(t *testing.T) {
	board, _, mr := newBoard(t, true)
	ctx := context.Background()

	increments := fanoutdomain.Increments(7, time.Date(2025, 7, 3, 12, 0, 0, 0, time.UTC), true, 300)
	require.NoError(t, board.Apply(ctx, increments))
	require.NoError(t, board.Apply(ctx, fanoutdomain.Increments(8, time.Date(2025, 7, 4, 9, 0, 0, 0, time.UTC), false, 0)))

	entries, err := board.Top(ctx, fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Score)

	donations, err := board.Top(ctx, fanoutdomain.PeriodMonth, "202507", fanoutdomain.StatDonationValue, 10)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Rank: 1, UserID: 7, Score: 300}}, donations)

	dayKey := Key(fanoutdomain.PeriodDay, "20250703", fanoutdomain.StatSongsGenerated)
	assert.Equal(t, 8*24*time.Hour, mr.TTL(dayKey))
	yearKey := Key(fanoutdomain.PeriodYear, "2025", fanoutdomain.StatSongsGenerated)
	assert.Equal(t, time.Duration(0), mr.TTL(yearKey))
}

func TestTopFallsBackWhenBoardNotMirrored(t *testing.T) {
	board, db, _ := newBoard(t, true)
	seedBucket(t, db, 21, 4)

	entries, err := board.Top(context.Background(), fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated, 5)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Rank: 1, UserID: 21, Score: 4}}, entries)
}

func TestRebuildReplacesSortedSet(t *testing.T) {
	board, db, mr := newBoard(t, true)
	ctx := context.Background()
	key := Key(fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated)

	_, err := mr.ZAdd(key, 99, "31")
	require.NoError(t, err)
	seedBucket(t, db, 32, 3)
	seedBucket(t, db, 33, 1)

	n, err := board.Rebuild(ctx, fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"32", "33"}, members)

	entries, err := board.Top(ctx, fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated, 1)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Rank: 1, UserID: 32, Score: 3}}, entries)
}

func TestRebuildCurrentCoversAllBoards(t *testing.T) {
	board, db, mr := newBoard(t, true)
	seedBucket(t, db, 41, 2)

	n, err := board.RebuildCurrent(context.Background(), time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists(Key(fanoutdomain.PeriodWeek, week, fanoutdomain.StatSongsGenerated)))
}

func TestTopValidation(t *testing.T) {
	board, _, _ := newBoard(t, false)
	ctx := context.Background()

	_, err := board.Top(ctx, "decade", week, fanoutdomain.StatSongsGenerated, 10)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = board.Top(ctx, fanoutdomain.PeriodWeek, week, "plays", 10)
	assert.ErrorIs(t, err, ErrInvalidStat)
	_, err = board.Top(ctx, fanoutdomain.PeriodWeek, "", fanoutdomain.StatSongsGenerated, 10)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
