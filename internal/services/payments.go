package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/go-resty/resty/v2"
)

type GatewayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// Gateway talks to a Razorpay-style payment API.
type Gateway struct {
	cfg    GatewayConfig
	client *resty.Client
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Gateway{cfg: cfg, client: client}
}

// Configured reports whether API credentials are present.
func (g *Gateway) Configured() bool {
	return g != nil && g.cfg.KeyID != "" && g.cfg.KeySecret != ""
}

type OrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

type Order struct {
	ID       string       `json:"id"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
	Receipt  string       `json:"receipt"`
	Status   string       `json:"status"`
	Notes    GatewayNotes `json:"notes,omitempty"`
}

type QRCodeRequest struct {
	AmountMinor int64
	Name        string
	Description string
	CloseBy     time.Time
	Notes       map[string]string
}

type QRCode struct {
	ID       string `json:"id"`
	ImageURL string `json:"image_url"`
	Status   string `json:"status"`
	Amount   int64  `json:"payment_amount"`
}

type PaymentEntity struct {
	ID       string       `json:"id"`
	OrderID  string       `json:"order_id"`
	Status   string       `json:"status"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
	Method   string       `json:"method"`
	Email    string       `json:"email"`
	Contact  string       `json:"contact"`
	Notes    GatewayNotes `json:"notes"`
}

// GatewayNotes tolerates the empty JSON array the gateway sends for no notes.
type GatewayNotes map[string]interface{}

func (n *GatewayNotes) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		*n = GatewayNotes{}
		return nil
	}
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*n = m
	return nil
}

type gatewayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (g *Gateway) do(req *resty.Request, method, path string) error {
	failure := &gatewayError{}
	resp, err := req.SetError(failure).Execute(method, path)
	if err != nil {
		return ErrBadGateway("Payment gateway unreachable")
	}
	if resp.IsError() {
		msg := failure.Error.Description
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return ErrBadGateway("Payment gateway error: " + msg)
	}
	return nil
}

func (g *Gateway) CreateOrder(ctx context.Context, in OrderRequest) (Order, error) {
	if !g.Configured() {
		return Order{}, ErrUnavailable("Payment gateway not configured")
	}
	if in.AmountMinor <= 0 {
		return Order{}, ErrBadRequest("Amount must be positive")
	}
	body := map[string]interface{}{
		"amount":   in.AmountMinor,
		"currency": strings.ToUpper(firstNonEmpty(in.Currency, "INR")),
		"receipt":  in.Receipt,
		"notes":    in.Notes,
	}
	var order Order
	if err := g.do(g.client.R().SetContext(ctx).SetBody(body).SetResult(&order), resty.MethodPost, "/v1/orders"); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (g *Gateway) CreateQRCode(ctx context.Context, in QRCodeRequest) (QRCode, error) {
	if !g.Configured() {
		return QRCode{}, ErrUnavailable("Payment gateway not configured")
	}
	body := map[string]interface{}{
		"type":           "upi_qr",
		"name":           in.Name,
		"usage":          "single_use",
		"fixed_amount":   true,
		"payment_amount": in.AmountMinor,
		"description":    in.Description,
		"notes":          in.Notes,
	}
	if !in.CloseBy.IsZero() {
		body["close_by"] = in.CloseBy.Unix()
	}
	var qr QRCode
	if err := g.do(g.client.R().SetContext(ctx).SetBody(body).SetResult(&qr), resty.MethodPost, "/v1/payments/qr_codes"); err != nil {
		return QRCode{}, err
	}
	return qr, nil
}

func (g *Gateway) FetchPaymentEntity(ctx context.Context, paymentID string) (PaymentEntity, error) {
	if !g.Configured() {
		return PaymentEntity{}, ErrUnavailable("Payment gateway not configured")
	}
	var payment PaymentEntity
	req := g.client.R().SetContext(ctx).SetPathParam("id", paymentID).SetResult(&payment)
	if err := g.do(req, resty.MethodGet, "/v1/payments/{id}"); err != nil {
		return PaymentEntity{}, err
	}
	return payment, nil
}

func signHex(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHex(secret, payload []byte, signature string) bool {
	expected := signHex(secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// VerifyCheckoutSignature checks HMAC(key secret, "order|payment").
func (g *Gateway) VerifyCheckoutSignature(orderID, paymentID, signature string) error {
	if g.cfg.KeySecret == "" {
		return ErrUnavailable("Payment gateway not configured")
	}
	if !verifyHex([]byte(g.cfg.KeySecret), []byte(orderID+"|"+paymentID), signature) {
		return ErrUnauthorized("Invalid payment signature")
	}
	return nil
}

// VerifyWebhookSignature checks HMAC(webhook secret, raw body).
func (g *Gateway) VerifyWebhookSignature(rawBody []byte, signature string) error {
	if g.cfg.WebhookSecret == "" {
		return ErrUnavailable("Webhook secret not configured")
	}
	if strings.TrimSpace(signature) == "" || !verifyHex([]byte(g.cfg.WebhookSecret), rawBody, signature) {
		return ErrUnauthorized("Invalid webhook signature")
	}
	return nil
}

// VerifyCheckout verifies the checkout signature, re-fetches the payment and
// requires it to belong to orderID.
func (g *Gateway) VerifyCheckout(ctx context.Context, orderID, paymentID, signature string) (PaymentEntity, error) {
	if err := g.VerifyCheckoutSignature(orderID, paymentID, signature); err != nil {
		return PaymentEntity{}, err
	}
	payment, err := g.FetchPaymentEntity(ctx, paymentID)
	if err != nil {
		return PaymentEntity{}, err
	}
	if payment.OrderID != orderID {
		return PaymentEntity{}, ErrUnauthorized("Payment does not belong to order")
	}
	return payment, nil
}

var webhookStatuses = map[string]models.PaymentStatus{
	"payment.captured": models.PaymentPaid,
	"order.paid":       models.PaymentPaid,
	"payment.failed":   models.PaymentFailed,
	"refund.processed": models.PaymentRefunded,
	"refund.created":   models.PaymentRefunded,
}

// MapWebhookEvent returns the payment status an event type implies.
func MapWebhookEvent(event string) (models.PaymentStatus, bool) {
	status, ok := webhookStatuses[strings.ToLower(strings.TrimSpace(event))]
	return status, ok
}

type WebhookEvent struct {
	Event       string
	Status      models.PaymentStatus
	Mapped      bool
	PaymentID   string
	OrderID     string
	AmountMinor int64
	Currency    string
	Email       string
	Phone       string
	Notes       map[string]string
	Raw         map[string]interface{}
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity struct {
				ID       string       `json:"id"`
				Amount   int64        `json:"amount"`
				Currency string       `json:"currency"`
				Receipt  string       `json:"receipt"`
				Notes    GatewayNotes `json:"notes"`
			} `json:"entity"`
		} `json:"order"`
		Refund *struct {
			Entity struct {
				ID        string       `json:"id"`
				PaymentID string       `json:"payment_id"`
				Amount    int64        `json:"amount"`
				Currency  string       `json:"currency"`
				Notes     GatewayNotes `json:"notes"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// ParseWebhook decodes a verified webhook body. Unknown event types come
// back with Mapped=false.
func ParseWebhook(rawBody []byte) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return WebhookEvent{}, ErrBadRequest("Invalid webhook payload")
	}
	raw := map[string]interface{}{}
	_ = json.Unmarshal(rawBody, &raw)

	ev := WebhookEvent{Event: env.Event, Notes: map[string]string{}, Raw: raw}
	ev.Status, ev.Mapped = MapWebhookEvent(env.Event)

	if p := env.Payload.Payment; p != nil {
		ev.PaymentID = p.Entity.ID
		ev.OrderID = p.Entity.OrderID
		ev.AmountMinor = p.Entity.Amount
		ev.Currency = p.Entity.Currency
		ev.Email = p.Entity.Email
		ev.Phone = p.Entity.Contact
		mergeNotes(ev.Notes, p.Entity.Notes)
	}
	if o := env.Payload.Order; o != nil {
		ev.OrderID = firstNonEmpty(ev.OrderID, o.Entity.ID)
		if ev.AmountMinor == 0 {
			ev.AmountMinor = o.Entity.Amount
		}
		ev.Currency = firstNonEmpty(ev.Currency, o.Entity.Currency)
		mergeNotes(ev.Notes, o.Entity.Notes)
	}
	if r := env.Payload.Refund; r != nil {
		ev.PaymentID = firstNonEmpty(ev.PaymentID, r.Entity.PaymentID)
		if ev.AmountMinor == 0 {
			ev.AmountMinor = r.Entity.Amount
		}
		ev.Currency = firstNonEmpty(ev.Currency, r.Entity.Currency)
		mergeNotes(ev.Notes, r.Entity.Notes)
	}
	return ev, nil
}

func mergeNotes(dst map[string]string, src GatewayNotes) {
	for k, v := range src {
		if _, exists := dst[k]; exists || v == nil {
			continue
		}
		dst[k] = strings.TrimSpace(fmt.Sprint(v))
	}
}
