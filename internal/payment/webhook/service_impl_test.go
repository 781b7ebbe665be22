package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/melodia/internal/clock"
	"github.com/smallbiznis/melodia/internal/config"
	"github.com/smallbiznis/melodia/internal/dbtest"
	"github.com/smallbiznis/melodia/internal/payment/adapters"
	"github.com/smallbiznis/melodia/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"github.com/smallbiznis/melodia/internal/payment/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type recordingHandler struct {
	mu     sync.Mutex
	events []*paymentdomain.PaymentEvent
	err    error
}

func (h *recordingHandler) HandlePaymentEvent(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func setupWebhook(t *testing.T, handler paymentdomain.EventHandler) (paymentdomain.Service, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	registry := adapters.NewRegistry(stripe.NewFactory())
	registry.ConfigureFromGateway(config.GatewayConfig{Provider: "stripe", WebhookSecret: testSecret})

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    dbtest.Node(t),
		Clock:    clock.NewFakeClock(time.Now().UTC()),
		Repo:     repository.Provide(),
		Adapters: registry,
		Handler:  handler,
	})
	return svc, db
}

func signedHeaders(payload []byte) http.Header {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return h
}

func completedPayload(eventID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"checkout.session.completed","created":1751544000,
		"data":{"object":{"id":"cs_1","payment_status":"paid","client_reference_id":"1234567",
		"metadata":{"request_id":"1234567","user_id":"7654321"}}}}`, eventID))
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM payment_events`).Scan(&n).Error)
	return n
}

func TestIngestWebhookDuplicateDelivery(t *testing.T) {
	handler := &recordingHandler{}
	svc, db := setupWebhook(t, handler)
	payload := completedPayload("evt_dup")

	require.NoError(t, svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(payload)))
	require.NoError(t, svc.IngestWebhook(context.Background(), "Stripe", payload, signedHeaders(payload)))

	assert.Equal(t, 1, handler.count())
	assert.Equal(t, int64(1), countEvents(t, db))

	var processed int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM payment_events WHERE processed_at IS NOT NULL`).Scan(&processed).Error)
	assert.Equal(t, int64(1), processed)
}

func TestIngestWebhookInvalidSignatureHasNoSideEffects(t *testing.T) {
	handler := &recordingHandler{}
	svc, db := setupWebhook(t, handler)
	payload := completedPayload("evt_bad")

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1,v1=deadbeef")
	err := svc.IngestWebhook(context.Background(), "stripe", payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Equal(t, 0, handler.count())
	assert.Equal(t, int64(0), countEvents(t, db))
}

func TestIngestWebhookHandlerFailureIsNotSurfaced(t *testing.T) {
	handler := &recordingHandler{err: fmt.Errorf("load request: %w", errors.New("request_not_found"))}
	svc, db := setupWebhook(t, handler)
	payload := completedPayload("evt_retry")

	require.NoError(t, svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(payload)))
	assert.Equal(t, int64(1), countEvents(t, db))
	assert.Equal(t, int64(0), countProcessed(t, db))

	// a redelivery of an unprocessed event runs the handler again
	require.NoError(t, svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(payload)))
	assert.Equal(t, 2, handler.count())
	assert.Equal(t, int64(0), countProcessed(t, db))

	handler.mu.Lock()
	handler.err = nil
	handler.mu.Unlock()
	require.NoError(t, svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(payload)))
	assert.Equal(t, 3, handler.count())
	assert.Equal(t, int64(1), countProcessed(t, db))

	require.NoError(t, svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(payload)))
	assert.Equal(t, 3, handler.count())
}

func TestIngestWebhookRejectsUnknownProviderAndIgnoredEvents(t *testing.T) {
	handler := &recordingHandler{}
	svc, db := setupWebhook(t, handler)

	err := svc.IngestWebhook(context.Background(), "paypal", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	payload := []byte(`{"id":"evt_other","type":"customer.created","data":{"object":{}}}`)
	require.NoError(t, svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(payload)))
	assert.Equal(t, 0, handler.count())
	assert.Equal(t, int64(0), countEvents(t, db))
}

func countProcessed(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM payment_events WHERE processed_at IS NOT NULL`).Scan(&n).Error)
	return n
}
