package adyen

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
)

const testKey = "44782def547aaa06c910c43932b1eb0c71fc68d9d0c057550c48ec2acf6ba056"

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: providerName,
		Config:   map[string]any{"hmac_key": testKey},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter.(*Adapter)
}

func buildNotification(t *testing.T, a *Adapter, item notificationRequestItem, sign bool) []byte {
	t.Helper()
	if item.AdditionalData == nil {
		item.AdditionalData = map[string]string{}
	}
	if sign {
		item.AdditionalData["hmacSignature"] = a.sign(item)
	}
	payload, err := json.Marshal(notificationRoot{
		Live:              "false",
		NotificationItems: []notificationItem{{NotificationRequestItem: item}},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func TestNewAdapterRejectsBadKey(t *testing.T) {
	for name, cfg := range map[string]map[string]any{
		"missing": {},
		"blank":   {"hmac_key": "  "},
		"not hex": {"hmac_key": "zz"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{Config: cfg})
			if !errors.Is(err, paymentdomain.ErrInvalidConfig) {
				t.Fatalf("expected invalid config, got %v", err)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	a := newAdapter(t)
	item := notificationRequestItem{
		PspReference:        "7914073381342284",
		MerchantAccountCode: "MelodiaECOM",
		MerchantReference:   "1234567890",
		Amount:              amount{Currency: "USD", Value: 499},
		EventCode:           "AUTHORISATION",
		Success:             "true",
	}

	if err := a.Verify(context.Background(), buildNotification(t, a, item, true), nil); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := a.Verify(context.Background(), buildNotification(t, a, item, false), nil); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected missing signature to fail, got %v", err)
	}

	signed := buildNotification(t, a, item, true)
	var root notificationRoot
	if err := json.Unmarshal(signed, &root); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	root.NotificationItems[0].NotificationRequestItem.Amount.Value = 1
	tampered, _ := json.Marshal(root)
	if err := a.Verify(context.Background(), tampered, nil); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected tampered amount to fail, got %v", err)
	}

	if err := a.Verify(context.Background(), []byte(`{"notificationItems":[]}`), nil); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
		t.Fatalf("expected empty batch to be invalid, got %v", err)
	}
}

func TestParseEvents(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	requestID := node.Generate()
	userID := node.Generate()
	a := newAdapter(t)

	cases := []struct {
		name    string
		code    string
		success string
		typ     string
		outcome paymentdomain.Outcome
		reason  string
	}{
		{"authorised", "AUTHORISATION", "true", paymentdomain.EventTypeCheckoutCompleted, paymentdomain.OutcomeSuccess, ""},
		{"refused", "AUTHORISATION", "false", paymentdomain.EventTypePaymentFailed, paymentdomain.OutcomeFailed, "payment_failed: Refused"},
		{"offer closed", "OFFER_CLOSED", "true", paymentdomain.EventTypeCheckoutExpired, paymentdomain.OutcomeFailed, "expired"},
		{"cancelled", "CANCELLATION", "true", paymentdomain.EventTypePaymentFailed, paymentdomain.OutcomeFailed, "cancelled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := buildNotification(t, a, notificationRequestItem{
				PspReference:      "8815",
				MerchantReference: requestID.String(),
				AdditionalData:    map[string]string{"metadata.user_id": userID.String()},
				EventCode:         tc.code,
				EventDate:         "2025-07-03T12:00:00+02:00",
				Reason:            "Refused",
				Success:           tc.success,
			}, true)

			event, err := a.Parse(context.Background(), payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if event.Type != tc.typ || event.Outcome != tc.outcome {
				t.Fatalf("unexpected mapping %s/%s", event.Type, event.Outcome)
			}
			if event.Reason != tc.reason {
				t.Fatalf("expected reason %q, got %q", tc.reason, event.Reason)
			}
			if event.RequestID != requestID || event.UserID != userID {
				t.Fatalf("unexpected ids %s/%s", event.RequestID, event.UserID)
			}
			if event.ProviderEventID != "8815_"+tc.code+"_"+tc.success {
				t.Fatalf("unexpected event id %s", event.ProviderEventID)
			}
			if event.OccurredAt.Hour() != 10 {
				t.Fatalf("expected UTC event time, got %v", event.OccurredAt)
			}
		})
	}
}

func TestParseIgnoresUnrelatedEvents(t *testing.T) {
	a := newAdapter(t)
	for _, item := range []notificationRequestItem{
		{EventCode: "REPORT_AVAILABLE", Success: "true", MerchantReference: "1"},
		{EventCode: "CANCELLATION", Success: "false", MerchantReference: "1"},
	} {
		_, err := a.Parse(context.Background(), buildNotification(t, a, item, true))
		if !errors.Is(err, paymentdomain.ErrEventIgnored) {
			t.Fatalf("expected %s to be ignored, got %v", item.EventCode, err)
		}
	}
}

func TestParseRequiresRequestReference(t *testing.T) {
	a := newAdapter(t)
	payload := buildNotification(t, a, notificationRequestItem{
		EventCode:         "AUTHORISATION",
		Success:           "true",
		MerchantReference: "order-17",
	}, true)
	if _, err := a.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}
}
