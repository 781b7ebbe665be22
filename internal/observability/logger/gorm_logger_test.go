package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("  select * from songs"))
	assert.Equal(t, "UPDATE", operationFromSQL("WITH x AS (SELECT 1) UPDATE users SET credits_balance = 1"))
	assert.Equal(t, "INSERT", operationFromSQL("(INSERT INTO fanout_receipts"))
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE songs SET storage_url = ? WHERE id IN (SELECT id FROM songs)"))
	assert.Equal(t, "DELETE", operationFromSQL("with old as (select id from songs) delete from songs"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestGormLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	l := NewGormLogger(GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: 100 * time.Millisecond, IgnoreRecordNotFound: true})
	sql := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	l.Trace(context.Background(), time.Now(), sql, errors.New("boom"))
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	l.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())

	l.Trace(context.Background(), time.Now(), sql, nil)
	assert.Equal(t, 2, logs.Len())
}
