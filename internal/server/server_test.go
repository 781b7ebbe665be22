package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/config"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/leaderboard"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	"github.com/smallbiznis/melodia/internal/observability"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"github.com/smallbiznis/melodia/internal/providers/songgen"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubmitter struct {
	last *generationdomain.CreateRequest
	res  *generationdomain.CreateResult
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req generationdomain.CreateRequest) (*generationdomain.CreateResult, error) {
	f.last = &req
	return f.res, f.err
}

type fakeRequests struct {
	generationdomain.Service
	owner snowflake.ID
	view  *generationdomain.StatusView
	list  *generationdomain.ListResponse
	last  generationdomain.ListRequest
}

func (f *fakeRequests) Status(_ context.Context, _ snowflake.ID, userID snowflake.ID) (*generationdomain.StatusView, error) {
	if userID != f.owner {
		return nil, generationdomain.ErrRequestNotFound
	}
	return f.view, nil
}

func (f *fakeRequests) List(_ context.Context, req generationdomain.ListRequest) (*generationdomain.ListResponse, error) {
	f.last = req
	return f.list, nil
}

type fakeLedger struct {
	ledgerdomain.Service
	balances map[snowflake.ID]int64
}

func (f *fakeLedger) Balance(_ context.Context, userID snowflake.ID) (int64, error) {
	balance, ok := f.balances[userID]
	if !ok {
		return 0, ledgerdomain.ErrUserNotFound
	}
	return balance, nil
}

type fakeFanout struct {
	fanoutdomain.Service
	stats *fanoutdomain.UserStats
}

func (f *fakeFanout) UserStats(context.Context, snowflake.ID) (*fanoutdomain.UserStats, error) {
	return f.stats, nil
}

type fakeBoard struct {
	period fanoutdomain.PeriodType
	key    string
	stat   fanoutdomain.StatName
	limit  int
}

func (f *fakeBoard) Top(_ context.Context, period fanoutdomain.PeriodType, key string, stat fanoutdomain.StatName, limit int) ([]leaderboard.Entry, error) {
	f.period, f.key, f.stat, f.limit = period, key, stat, limit
	if !stat.Valid() {
		return nil, leaderboard.ErrInvalidStat
	}
	return []leaderboard.Entry{{Rank: 1, UserID: 7, Score: 3}}, nil
}

type fakePayments struct {
	err   error
	calls int
}

func (f *fakePayments) IngestWebhook(context.Context, string, []byte, http.Header) error {
	f.calls++
	return f.err
}

type fakeReconciler struct {
	reconciledomain.Service
	pushed []reconciledomain.StatusUpdate
	status generationdomain.Status
	err    error
}

func (f *fakeReconciler) OnStatusPushed(_ context.Context, update reconciledomain.StatusUpdate) (generationdomain.Status, error) {
	f.pushed = append(f.pushed, update)
	return f.status, f.err
}

type testServer struct {
	engine     *gin.Engine
	submitter  *fakeSubmitter
	requests   *fakeRequests
	board      *fakeBoard
	payments   *fakePayments
	reconciler *fakeReconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		submitter: &fakeSubmitter{},
		requests: &fakeRequests{
			owner: 42,
			view:  &generationdomain.StatusView{Status: generationdomain.StatusProcessing},
			list:  &generationdomain.ListResponse{Requests: []generationdomain.Request{}},
		},
		board:      &fakeBoard{},
		payments:   &fakePayments{},
		reconciler: &fakeReconciler{status: generationdomain.StatusCompleted},
	}
	engine := NewEngine(observability.Config{}, nil)
	srv := NewServer(ServerParams{
		Gin:        engine,
		Log:        zap.NewNop(),
		Clock:      clock.NewFakeClock(time.Date(2025, 7, 3, 10, 0, 0, 0, time.UTC)),
		Submitter:  ts.submitter,
		Requests:   ts.requests,
		Ledger:     &fakeLedger{balances: map[snowflake.ID]int64{42: 5}},
		Fanout:     &fakeFanout{stats: &fanoutdomain.UserStats{NumSongsGenerated: 4, NumDedicationsGiven: 1, SumDonationsTotal: 2500}},
		Board:      ts.board,
		Payments:   ts.payments,
		Reconciler: ts.reconciler,
		Callbacks:  songgen.NewClient(config.ProviderConfig{CallbackToken: "tok"}, nil),
	})
	srv.RegisterRoutes()
	ts.engine = srv.Engine()
	return ts
}

func (ts *testServer) do(method, path, userID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestCreateGenerationRequest(t *testing.T) {
	t.Run("requires a user", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/api/generation-requests", "", []byte(`{"prompt":"x"}`))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
		assert.Nil(t, ts.submitter.last)
	})

	t.Run("rejects a malformed user header", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/api/generation-requests", "abc", []byte(`{"prompt":"x"}`))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("submits and returns the result", func(t *testing.T) {
		ts := newTestServer(t)
		ts.submitter.res = &generationdomain.CreateResult{
			RequestID:     snowflake.ID(900),
			PaymentStatus: generationdomain.PaymentPending,
			CheckoutURL:   "https://checkout.test/cs_1",
			SessionID:     "cs_1",
		}

		body := []byte(`{"prompt":"summer song","dedication":{"recipient":"Ana"},"donation_amount":1500}`)
		rec := ts.do(http.MethodPost, "/api/generation-requests", "42", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "pending", got["payment_status"])
		assert.Equal(t, "https://checkout.test/cs_1", got["checkout_url"])
		assert.Equal(t, "cs_1", got["session_id"])

		require.NotNil(t, ts.submitter.last)
		assert.Equal(t, snowflake.ID(42), ts.submitter.last.UserID)
		assert.Equal(t, "summer song", ts.submitter.last.Input.Prompt)
		assert.True(t, ts.submitter.last.Input.HasDedication())
		assert.Equal(t, int64(1500), ts.submitter.last.Input.DonationAmount)
	})

	t.Run("maps input errors to validation errors", func(t *testing.T) {
		ts := newTestServer(t)
		ts.submitter.err = fmt.Errorf("%w: prompt is required", generationdomain.ErrInvalidInput)

		rec := ts.do(http.MethodPost, "/api/generation-requests", "42", []byte(`{}`))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		payload := decodeError(t, rec)
		assert.Equal(t, "validation_error", payload.Type)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "invalid_input", payload.Errors[0].Code)
		assert.Equal(t, "input", payload.Errors[0].Field)
		assert.Equal(t, "prompt is required", payload.Errors[0].Message)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/api/generation-requests", "42", []byte(`{`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, ts.submitter.last)
	})

	t.Run("rate limited", func(t *testing.T) {
		ts := newTestServer(t)
		ts.submitter.err = generationdomain.ErrRateLimited
		rec := ts.do(http.MethodPost, "/api/generation-requests", "42", []byte(`{"prompt":"x"}`))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "rate_limited", decodeError(t, rec).Type)
	})

	t.Run("gateway down before any spend", func(t *testing.T) {
		ts := newTestServer(t)
		ts.submitter.err = fmt.Errorf("%w: dial tcp: connection refused", generationdomain.ErrCheckoutUnavailable)
		rec := ts.do(http.MethodPost, "/api/generation-requests", "42", []byte(`{"prompt":"x"}`))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "upstream_unavailable", decodeError(t, rec).Type)
	})

	t.Run("concurrent create for the same user", func(t *testing.T) {
		ts := newTestServer(t)
		ts.submitter.err = generationdomain.ErrRequestInFlight
		rec := ts.do(http.MethodPost, "/api/generation-requests", "42", []byte(`{"prompt":"x"}`))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestListGenerationRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/generation-requests?page_size=5&page_token=abc", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snowflake.ID(42), ts.requests.last.UserID)
	assert.Equal(t, 5, ts.requests.last.PageSize)
	assert.Equal(t, "abc", ts.requests.last.PageToken)

	rec = ts.do(http.MethodGet, "/api/generation-requests?page_size=many", "42", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetGenerationStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/generation-requests/900/status", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"processing"}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/generation-requests/900/status", "43", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/generation-requests/zero/status", "42", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/me/credits", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"credits_balance":5}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/me/credits", "77", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/me/stats", "42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"num_songs_generated":4,"num_dedications_given":1,"sum_donations_total":2500}`, rec.Body.String())
}

func TestGetLeaderboard(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/leaderboards/week/songs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-W27", ts.board.key)
	assert.Equal(t, fanoutdomain.StatSongsGenerated, ts.board.stat)
	assert.Equal(t, 0, ts.board.limit)

	var got leaderboardResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, fanoutdomain.PeriodWeek, got.Period)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, snowflake.ID(7), got.Entries[0].UserID)

	rec = ts.do(http.MethodGet, "/api/leaderboards/month/donations?key=202506&limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "202506", ts.board.key)
	assert.Equal(t, 3, ts.board.limit)

	for _, stat := range []string{"numSongsGenerated", "numDedicationsGiven", "donationValue"} {
		rec = ts.do(http.MethodGet, "/api/leaderboards/week/"+stat, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, stat)
		assert.Equal(t, fanoutdomain.StatName(stat), ts.board.stat)
	}

	rec = ts.do(http.MethodGet, "/api/leaderboards/decade/songs", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/api/leaderboards/day/likes", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)
}

func TestPaymentWebhook(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/webhooks/payments/stripe", "", []byte(`{"id":"evt_1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.payments.err = paymentdomain.ErrInvalidSignature
	rec = ts.do(http.MethodPost, "/webhooks/payments/stripe", "", []byte(`{"id":"evt_1"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Errors[0].Code)

	ts.payments.err = paymentdomain.ErrEventAlreadyProcessed
	rec = ts.do(http.MethodPost, "/webhooks/payments/stripe", "", []byte(`{"id":"evt_1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.payments.err = paymentdomain.ErrProviderNotFound
	rec = ts.do(http.MethodPost, "/webhooks/payments/unknown", "", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 4, ts.payments.calls)
}

func TestGenerationCallback(t *testing.T) {
	body := []byte(`{"code":200,"msg":"ok","data":{"callbackType":"complete","task_id":"ext-1","data":[{"id":"a","audioUrl":"https://cdn/a.mp3"}]}}`)

	t.Run("rejects a bad token", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/webhooks/generation/callback?token=wrong", "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, ts.reconciler.pushed)
	})

	t.Run("applies the push", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/webhooks/generation/callback?token=tok", "", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"status":"completed"}`, rec.Body.String())

		require.Len(t, ts.reconciler.pushed, 1)
		assert.Equal(t, "ext-1", ts.reconciler.pushed[0].ExternalTaskID)
		assert.Equal(t, reconciledomain.ProviderSuccess, ts.reconciler.pushed[0].Status)
		assert.Len(t, ts.reconciler.pushed[0].Tracks, 1)
	})

	t.Run("passes the internal task id from the callback url", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/webhooks/generation/callback?token=tok&task_id=1234", "", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Len(t, ts.reconciler.pushed, 1)
		assert.Equal(t, snowflake.ID(1234), ts.reconciler.pushed[0].TaskID)

		rec = ts.do(http.MethodPost, "/webhooks/generation/callback?token=tok&task_id=abc", "", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Len(t, ts.reconciler.pushed, 1)
	})

	t.Run("acknowledges a parked task", func(t *testing.T) {
		ts := newTestServer(t)
		ts.reconciler.err = reconciledomain.ErrMissingArtifacts
		rec := ts.do(http.MethodPost, "/webhooks/generation/callback?token=tok", "", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("unknown task", func(t *testing.T) {
		ts := newTestServer(t)
		ts.reconciler.err = reconciledomain.ErrTaskNotFound
		rec := ts.do(http.MethodPost, "/webhooks/generation/callback?token=tok", "", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing task id", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.do(http.MethodPost, "/webhooks/generation/callback?token=tok", "", []byte(`{"code":200,"data":{}}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
