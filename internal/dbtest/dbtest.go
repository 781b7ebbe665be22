// Package dbtest opens in-memory SQLite databases carrying the melodia
// schema for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a fresh database. Row locking clauses are stripped from raw
// SQL and the pool is capped at one connection, so transactions serialize
// the way row locks would on Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:melodia_%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	stripLocking := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if !strings.Contains(sql, "FOR UPDATE") {
			return
		}
		sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
		sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
		d.Statement.SQL.Reset()
		d.Statement.SQL.WriteString(sql)
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocking); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocking); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for test ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// User is the seed shape for SeedUser.
type User struct {
	ID                 snowflake.ID
	Balance            int64
	SubscriptionActive bool
	CustomerID         string
}

func SeedUser(t testing.TB, db *gorm.DB, u User) {
	t.Helper()
	now := time.Now().UTC()
	var customerID any
	if u.CustomerID != "" {
		customerID = u.CustomerID
	}
	err := db.Exec(
		`INSERT INTO users (id, customer_id, credits_balance, subscription_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, customerID, u.Balance, u.SubscriptionActive, now, now,
	).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

// Balance reads a user's balance directly.
func Balance(t testing.TB, db *gorm.DB, userID snowflake.ID) int64 {
	t.Helper()
	var balance int64
	if err := db.Raw(`SELECT credits_balance FROM users WHERE id = ?`, userID).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

var schema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		customer_id TEXT,
		credits_balance INTEGER NOT NULL DEFAULT 0 CHECK (credits_balance >= 0),
		last_sub_period_credit_grant DATETIME,
		subscription_active BOOLEAN NOT NULL DEFAULT FALSE,
		num_songs_generated INTEGER NOT NULL DEFAULT 0,
		num_dedications_given INTEGER NOT NULL DEFAULT 0,
		sum_donations_total INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE credit_ledger_entries (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (user_id, source_type, source_id)
	)`,
	`CREATE TABLE generation_requests (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		user_generation_input TEXT NOT NULL,
		song_payment_type TEXT NOT NULL,
		dedication_payment_type TEXT NOT NULL DEFAULT 'no_payment',
		arunca_cu_bani_payment_type TEXT NOT NULL DEFAULT 'no_payment',
		arunca_cu_bani_amount_to_pay INTEGER NOT NULL DEFAULT 0,
		credits_spent INTEGER NOT NULL DEFAULT 0,
		amount_total INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		payment_session_id TEXT,
		checkout_url TEXT,
		task_id INTEGER,
		dispatch_claimed_at DATETIME,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE generate_song_tasks (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		request_id INTEGER NOT NULL UNIQUE,
		external_id TEXT UNIQUE,
		status TEXT NOT NULL,
		song_ids TEXT NOT NULL DEFAULT '[]',
		next_poll_at DATETIME,
		poll_attempts INTEGER NOT NULL DEFAULT 0,
		dispatch_deadline_at DATETIME,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE songs (
		id INTEGER PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		task_id INTEGER NOT NULL,
		external_task_id TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		audio_url TEXT NOT NULL DEFAULT '',
		stream_audio_url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		storage_url TEXT,
		prompt TEXT NOT NULL DEFAULT '',
		model_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL DEFAULT 0,
		create_time DATETIME,
		has_dedication BOOLEAN NOT NULL DEFAULT FALSE,
		donation_value INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE stat_buckets (
		period_type TEXT NOT NULL,
		period_key TEXT NOT NULL,
		stat_name TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		last_updated DATETIME NOT NULL,
		PRIMARY KEY (period_type, period_key, stat_name, user_id)
	)`,
	`CREATE TABLE fanout_receipts (
		song_id INTEGER PRIMARY KEY,
		task_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		applied_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		request_id INTEGER,
		user_id INTEGER,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, provider_event_id)
	)`,
}
