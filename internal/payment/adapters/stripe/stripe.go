package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
)

const (
	providerName = "stripe"
	// signatureTolerance bounds how old a signed timestamp may be.
	signatureTolerance = 5 * time.Minute
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{
		webhookSecret: secret,
		now:           time.Now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	now           func() time.Time
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	age := now().Sub(time.Unix(signedAt, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload, paymentdomain.EventTypeCheckoutCompleted, paymentdomain.OutcomeSuccess)
	case "checkout.session.async_payment_succeeded":
		return a.parseCheckoutSession(event, payload, paymentdomain.EventTypeCheckoutCompleted, paymentdomain.OutcomeSuccess)
	case "checkout.session.expired":
		return a.parseCheckoutSession(event, payload, paymentdomain.EventTypeCheckoutExpired, paymentdomain.OutcomeFailed)
	case "checkout.session.async_payment_failed":
		return a.parseCheckoutSession(event, payload, paymentdomain.EventTypePaymentFailed, paymentdomain.OutcomeFailed)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntentFailed(event, payload)
	case "invoice.paid":
		return a.parseInvoicePaid(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	ClientReferenceID string         `json:"client_reference_id"`
	PaymentStatus     string         `json:"payment_status"`
	Created           int64          `json:"created"`
	Metadata          map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Created          int64          `json:"created"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeInvoice struct {
	ID                  string         `json:"id"`
	BillingReason       string         `json:"billing_reason"`
	PeriodStart         int64          `json:"period_start"`
	Created             int64          `json:"created"`
	Metadata            map[string]any `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte, eventType string, outcome paymentdomain.Outcome) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// A completed session with a delayed payment method is settled later
	// by async_payment_succeeded.
	if event.Type == "checkout.session.completed" && session.PaymentStatus == "unpaid" {
		return nil, paymentdomain.ErrEventIgnored
	}

	requestRaw := readMetadataValue(session.Metadata, "request_id")
	if requestRaw == "" {
		requestRaw = strings.TrimSpace(session.ClientReferenceID)
	}
	requestID, err := parseID(requestRaw)
	if err != nil {
		return nil, err
	}
	userID, _ := parseID(readMetadataValue(session.Metadata, "user_id"))

	reason := ""
	if outcome == paymentdomain.OutcomeFailed {
		reason = strings.TrimPrefix(event.Type, "checkout.session.")
	}
	return &paymentdomain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Type:            eventType,
		Outcome:         outcome,
		RequestID:       requestID,
		UserID:          userID,
		SessionID:       session.ID,
		Reason:          reason,
		OccurredAt:      timestamp(session.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parsePaymentIntentFailed(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	requestID, err := parseID(readMetadataValue(intent.Metadata, "request_id"))
	if err != nil {
		return nil, err
	}
	userID, _ := parseID(readMetadataValue(intent.Metadata, "user_id"))

	reason := "payment_failed"
	if intent.LastPaymentError != nil && strings.TrimSpace(intent.LastPaymentError.Code) != "" {
		reason = "payment_failed: " + strings.TrimSpace(intent.LastPaymentError.Code)
	}
	return &paymentdomain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Type:            paymentdomain.EventTypePaymentFailed,
		Outcome:         paymentdomain.OutcomeFailed,
		RequestID:       requestID,
		UserID:          userID,
		Reason:          reason,
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseInvoicePaid(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	switch invoice.BillingReason {
	case "subscription_cycle", "subscription_create":
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	userRaw := readMetadataValue(invoice.SubscriptionDetails.Metadata, "user_id")
	if userRaw == "" {
		userRaw = readMetadataValue(invoice.Metadata, "user_id")
	}
	userID, err := parseID(userRaw)
	if err != nil {
		return nil, err
	}

	periodStart := invoice.PeriodStart
	if len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period.Start > 0 {
		periodStart = invoice.Lines.Data[0].Period.Start
	}
	if periodStart == 0 {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Type:            paymentdomain.EventTypeSubscriptionRenewed,
		Outcome:         paymentdomain.OutcomeNone,
		UserID:          userID,
		PeriodStart:     time.Unix(periodStart, 0).UTC(),
		OccurredAt:      timestamp(invoice.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func parseID(raw string) (snowflake.ID, error) {
	if raw == "" {
		return 0, paymentdomain.ErrInvalidEvent
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, paymentdomain.ErrInvalidEvent
	}
	return id, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}

func readString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	switch cast := value.(type) {
	case string:
		return cast, true
	default:
		return "", false
	}
}
