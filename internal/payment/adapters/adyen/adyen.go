package adyen

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
)

const providerName = "adyen"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	raw, ok := readString(cfg.Config, "hmac_key")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil || len(key) == 0 {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{hmacKey: key}, nil
}

// Adapter handles Adyen standard notifications. Adyen signs each
// notification item rather than the HTTP body.
type Adapter struct {
	hmacKey []byte
}

// Verify checks the hmacSignature of every notification item.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	root, err := decode(payload)
	if err != nil {
		return err
	}
	for _, item := range root.NotificationItems {
		req := item.NotificationRequestItem
		signature := req.AdditionalData["hmacSignature"]
		if signature == "" {
			return paymentdomain.ErrInvalidSignature
		}
		if !hmac.Equal([]byte(a.sign(req)), []byte(signature)) {
			return paymentdomain.ErrInvalidSignature
		}
	}
	return nil
}

func (a *Adapter) sign(item notificationRequestItem) string {
	parts := []string{
		item.PspReference,
		item.OriginalReference,
		item.MerchantAccountCode,
		item.MerchantReference,
		strconv.FormatInt(item.Amount.Value, 10),
		item.Amount.Currency,
		item.EventCode,
		item.Success,
	}
	for i, part := range parts {
		part = strings.ReplaceAll(part, "\\", "\\\\")
		parts[i] = strings.ReplaceAll(part, ":", "\\:")
	}

	mac := hmac.New(sha256.New, a.hmacKey)
	_, _ = mac.Write([]byte(strings.Join(parts, ":")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Parse maps the first notification item. Checkout payments carry a single
// item; the merchant reference is the generation request id.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	root, err := decode(payload)
	if err != nil {
		return nil, err
	}
	item := root.NotificationItems[0].NotificationRequestItem
	success := strings.EqualFold(item.Success, "true")

	var (
		eventType string
		outcome   paymentdomain.Outcome
		reason    string
	)
	switch item.EventCode {
	case "AUTHORISATION":
		if success {
			eventType, outcome = paymentdomain.EventTypeCheckoutCompleted, paymentdomain.OutcomeSuccess
		} else {
			eventType, outcome = paymentdomain.EventTypePaymentFailed, paymentdomain.OutcomeFailed
			reason = "payment_failed"
			if r := strings.TrimSpace(item.Reason); r != "" {
				reason = "payment_failed: " + r
			}
		}
	case "OFFER_CLOSED":
		eventType, outcome = paymentdomain.EventTypeCheckoutExpired, paymentdomain.OutcomeFailed
		reason = "expired"
	case "CANCELLATION":
		if !success {
			return nil, paymentdomain.ErrEventIgnored
		}
		eventType, outcome = paymentdomain.EventTypePaymentFailed, paymentdomain.OutcomeFailed
		reason = "cancelled"
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	requestRaw := strings.TrimSpace(item.AdditionalData["metadata.request_id"])
	if requestRaw == "" {
		requestRaw = strings.TrimSpace(item.MerchantReference)
	}
	requestID, err := parseID(requestRaw)
	if err != nil {
		return nil, err
	}
	userID, _ := parseID(strings.TrimSpace(item.AdditionalData["metadata.user_id"]))

	return &paymentdomain.PaymentEvent{
		Provider: providerName,
		// pspReference is unique per payment, not per notification
		ProviderEventID: item.PspReference + "_" + item.EventCode + "_" + item.Success,
		Type:            eventType,
		Outcome:         outcome,
		RequestID:       requestID,
		UserID:          userID,
		SessionID:       item.PspReference,
		Reason:          reason,
		OccurredAt:      eventDate(item.EventDate),
		RawPayload:      payload,
	}, nil
}

func decode(payload []byte) (notificationRoot, error) {
	var root notificationRoot
	if err := json.Unmarshal(payload, &root); err != nil {
		return root, paymentdomain.ErrInvalidPayload
	}
	if len(root.NotificationItems) == 0 {
		return root, paymentdomain.ErrInvalidPayload
	}
	return root, nil
}

func eventDate(raw string) time.Time {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
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

func readString(config map[string]any, key string) (string, bool) {
	val, ok := config[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

type notificationRoot struct {
	Live              string             `json:"live"`
	NotificationItems []notificationItem `json:"notificationItems"`
}

type notificationItem struct {
	NotificationRequestItem notificationRequestItem `json:"NotificationRequestItem"`
}

type notificationRequestItem struct {
	AdditionalData      map[string]string `json:"additionalData"`
	Amount              amount            `json:"amount"`
	EventCode           string            `json:"eventCode"`
	EventDate           string            `json:"eventDate"`
	MerchantAccountCode string            `json:"merchantAccountCode"`
	MerchantReference   string            `json:"merchantReference"`
	OriginalReference   string            `json:"originalReference"`
	PspReference        string            `json:"pspReference"`
	Reason              string            `json:"reason"`
	Success             string            `json:"success"`
}

type amount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}
