package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"digital-fulfillment/internal/config"
	"digital-fulfillment/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable marks transport failures and 5xx answers; callers may retry.
	ErrUnavailable      = errors.New("payment provider unavailable")
	ErrInvalidSignature = errors.New("webhook signature rejected")
)

type PaypalClient interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error)
	CaptureOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error)
	GetOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error)
	VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error
}

type CreateOrderRequest struct {
	// ReferenceID is echoed back as custom_id on captures.
	ReferenceID string
	Amount      decimal.Decimal
	Currency    string
	ReturnURL   string
	CancelURL   string
}

type CreateOrderResponse struct {
	OrderID    string
	ApproveURL string
}

type paypalClientImpl struct {
	httpClient         *http.Client
	baseApiURL         string
	paypalClientID     string
	paypalClientSecret string
	webhookID          string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPaypalClient(paypalCfg *config.Paypal) PaypalClient {
	return &paypalClientImpl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseApiURL:         strings.TrimRight(paypalCfg.BaseApiURL, "/"),
		paypalClientID:     paypalCfg.ClientID,
		paypalClientSecret: paypalCfg.ClientSecret,
		webhookID:          paypalCfg.WebhookID,
	}
}

func (c *paypalClientImpl) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.paypalClientID + ":" + c.paypalClientSecret),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: oauth token: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", statusError("oauth token", resp.StatusCode, b)
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode oauth token: %w", err)
	}

	c.accessToken = res.AccessToken
	// refresh a minute early
	c.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn)*time.Second - time.Minute)

	return c.accessToken, nil
}

func (c *paypalClientImpl) CreateOrder(ctx context.Context, in CreateOrderRequest) (*CreateOrderResponse, error) {
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": in.ReferenceID,
				"custom_id":    in.ReferenceID,
				"amount": map[string]string{
					"currency_code": in.Currency,
					"value":         in.Amount.StringFixed(2),
				},
			},
		},
		"application_context": map[string]string{
			"return_url":  in.ReturnURL,
			"cancel_url":  in.CancelURL,
			"user_action": "PAY_NOW",
		},
	}

	var result model.PaypalOrder
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, &result); err != nil {
		return nil, fmt.Errorf("create paypal order: %w", err)
	}

	approveURL := _extractApproveURL(result.Links)
	if approveURL == "" {
		return nil, fmt.Errorf("create paypal order: no approve link in response")
	}

	return &CreateOrderResponse{
		OrderID:    result.ID,
		ApproveURL: approveURL,
	}, nil
}

// CaptureOrder captures an approved order. A repeated capture of the same
// order resolves to the already captured resource.
func (c *paypalClientImpl) CaptureOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error) {
	var result model.PaypalOrder
	err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", nil, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			switch {
			case strings.Contains(apiErr.Body, "ORDER_ALREADY_CAPTURED"):
				return c.GetOrder(ctx, orderID)
			case strings.Contains(apiErr.Body, "INSTRUMENT_DECLINED"),
				strings.Contains(apiErr.Body, "TRANSACTION_REFUSED"):
				return nil, fmt.Errorf("capture paypal order: %w: %w", ErrDeclined, apiErr)
			}
		}
		return nil, fmt.Errorf("capture paypal order: %w", err)
	}

	return &result, nil
}

func (c *paypalClientImpl) GetOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error) {
	var result model.PaypalOrder
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+orderID, nil, &result); err != nil {
		return nil, fmt.Errorf("get paypal order: %w", err)
	}
	return &result, nil
}

func (c *paypalClientImpl) VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error {
	if c.webhookID == "" {
		return fmt.Errorf("%w: webhook id not configured", ErrInvalidSignature)
	}

	payload := map[string]interface{}{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, &result); err != nil {
		return fmt.Errorf("verify webhook signature: %w", err)
	}
	if result.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: status %s", ErrInvalidSignature, result.VerificationStatus)
	}

	return nil
}

type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("paypal %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func statusError(op string, status int, body []byte) error {
	apiErr := &APIError{Op: op, StatusCode: status, Body: string(body)}
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrUnavailable, apiErr)
	}
	return apiErr
}

func (c *paypalClientImpl) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get paypal access token: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(path, resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode paypal response: %w", err)
	}

	return nil
}

func _extractApproveURL(links []model.PaypalLink) string {
	for _, link := range links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}
