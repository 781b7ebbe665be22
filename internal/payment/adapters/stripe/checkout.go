package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
)

type CheckoutConfig struct {
	SecretKey  string
	APIBase    string
	SuccessURL string
	CancelURL  string
}

// CheckoutClient creates hosted checkout sessions over the Stripe REST API.
type CheckoutClient struct {
	cfg    CheckoutConfig
	client *http.Client
}

func NewCheckoutClient(cfg CheckoutConfig, client *http.Client) *CheckoutClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.stripe.com"
	}
	return &CheckoutClient{cfg: cfg, client: client}
}

type checkoutSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *CheckoutClient) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	if req.RequestID == 0 || req.UserID == 0 || len(req.Breakdown) == 0 || req.Total() <= 0 {
		return nil, paymentdomain.ErrInvalidRequest
	}
	if strings.TrimSpace(c.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: missing secret key", paymentdomain.ErrCheckoutFailed)
	}

	form := checkoutForm(c.cfg, req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", ulid.Make().String())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrCheckoutFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrCheckoutFailed, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr stripeErrorResponse
		_ = json.Unmarshal(body, &apiErr)
		msg := strings.TrimSpace(apiErr.Error.Message)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", paymentdomain.ErrCheckoutFailed, resp.StatusCode, msg)
	}

	var session checkoutSessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", paymentdomain.ErrCheckoutFailed, err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("%w: empty session", paymentdomain.ErrCheckoutFailed)
	}
	return &paymentdomain.CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

func checkoutForm(cfg CheckoutConfig, req paymentdomain.CheckoutRequest) url.Values {
	requestID := req.RequestID.String()
	userID := req.UserID.String()
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", cfg.SuccessURL)
	form.Set("cancel_url", cfg.CancelURL)
	form.Set("client_reference_id", requestID)
	form.Set("metadata[request_id]", requestID)
	form.Set("metadata[user_id]", userID)
	form.Set("payment_intent_data[metadata][request_id]", requestID)
	form.Set("payment_intent_data[metadata][user_id]", userID)
	if customer := strings.TrimSpace(req.CustomerID); customer != "" {
		form.Set("customer", customer)
	}
	for i, item := range req.Breakdown {
		prefix := "line_items[" + strconv.Itoa(i) + "]"
		form.Set(prefix+"[quantity]", "1")
		form.Set(prefix+"[price_data][currency]", currency)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(item.Amount, 10))
		form.Set(prefix+"[price_data][product_data][name]", item.Description)
		form.Set(prefix+"[price_data][product_data][metadata][code]", item.Code)
	}
	return form
}
