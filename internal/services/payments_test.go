package services_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *services.Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return services.NewGateway(services.GatewayConfig{
		BaseURL:       srv.URL,
		KeyID:         "rzp_test_key",
		KeySecret:     "key-secret",
		WebhookSecret: "hook-secret",
	})
}

func paymentHandler(t *testing.T, orderID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "key-secret", pass)
		if r.URL.Path != "/v1/payments/pay_1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The id provided does not exist"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pay_1","order_id":"` + orderID + `","status":"captured","amount":49900,"currency":"INR","email":"asha@example.com","notes":[]}`))
	}
}

func TestVerifyCheckout(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, paymentHandler(t, "order_1"))

	payment, err := gw.VerifyCheckout(ctx, "order_1", "pay_1", hmacHex("key-secret", "order_1|pay_1"))
	require.NoError(t, err)
	assert.Equal(t, "captured", payment.Status)
	assert.EqualValues(t, 49900, payment.Amount)
	assert.Empty(t, payment.Notes)

	_, err = gw.VerifyCheckout(ctx, "order_1", "pay_1", hmacHex("wrong", "order_1|pay_1"))
	requireStatus(t, err, 401)

	_, err = gw.VerifyCheckout(ctx, "order_2", "pay_1", hmacHex("key-secret", "order_2|pay_1"))
	requireStatus(t, err, 401)

	_, err = gw.VerifyCheckout(ctx, "order_1", "pay_404", hmacHex("key-secret", "order_1|pay_404"))
	requireStatus(t, err, 502)
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders", r.URL.Path)
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 49900, body["amount"])
		assert.Equal(t, "INR", body["currency"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"order_9","amount":49900,"currency":"INR","receipt":"lead-1","status":"created","notes":{"lead_id":"lead-1"}}`))
	})

	order, err := gw.CreateOrder(ctx, services.OrderRequest{AmountMinor: 49900, Receipt: "lead-1", Notes: map[string]string{"lead_id": "lead-1"}})
	require.NoError(t, err)
	assert.Equal(t, "order_9", order.ID)
	assert.Equal(t, "lead-1", order.Notes["lead_id"])

	_, err = gw.CreateOrder(ctx, services.OrderRequest{})
	requireStatus(t, err, 400)

	unconfigured := services.NewGateway(services.GatewayConfig{})
	assert.False(t, unconfigured.Configured())
	_, err = unconfigured.CreateOrder(ctx, services.OrderRequest{AmountMinor: 100})
	requireStatus(t, err, 503)
}

func TestVerifyWebhookSignature(t *testing.T) {
	gw := services.NewGateway(services.GatewayConfig{WebhookSecret: "hook-secret"})
	body := []byte(`{"event":"payment.captured"}`)
	require.NoError(t, gw.VerifyWebhookSignature(body, hmacHex("hook-secret", string(body))))
	requireStatus(t, gw.VerifyWebhookSignature(body, hmacHex("other", string(body))), 401)
	requireStatus(t, gw.VerifyWebhookSignature(body, ""), 401)

	requireStatus(t, services.NewGateway(services.GatewayConfig{}).VerifyWebhookSignature(body, "x"), 503)
}

func TestMapWebhookEvent(t *testing.T) {
	cases := map[string]models.PaymentStatus{
		"payment.captured": models.PaymentPaid,
		"ORDER.PAID":       models.PaymentPaid,
		"payment.failed":   models.PaymentFailed,
		"refund.processed": models.PaymentRefunded,
		"refund.created":   models.PaymentRefunded,
	}
	for event, want := range cases {
		got, ok := services.MapWebhookEvent(event)
		assert.True(t, ok, event)
		assert.Equal(t, want, got, event)
	}
	_, ok := services.MapWebhookEvent("payment.authorized")
	assert.False(t, ok)
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
		"event": "payment.captured",
		"payload": {
			"payment": {"entity": {"id": "pay_1", "order_id": "order_1", "amount": 49900, "currency": "INR",
				"email": "asha@example.com", "contact": "+919999900000", "notes": []}},
			"order": {"entity": {"id": "order_1", "amount": 49900, "currency": "INR",
				"notes": {"lead_id": "lead-1", "course": "go-basics", "cohort": null}}}
		}
	}`)
	ev, err := services.ParseWebhook(body)
	require.NoError(t, err)
	assert.True(t, ev.Mapped)
	assert.Equal(t, models.PaymentPaid, ev.Status)
	assert.Equal(t, "pay_1", ev.PaymentID)
	assert.Equal(t, "order_1", ev.OrderID)
	assert.Equal(t, "asha@example.com", ev.Email)
	assert.Equal(t, map[string]string{"lead_id": "lead-1", "course": "go-basics"}, ev.Notes)
	assert.Equal(t, "payment.captured", ev.Raw["event"])

	refund, err := services.ParseWebhook([]byte(`{"event":"refund.processed","payload":{"refund":{"entity":{"id":"rfnd_1","payment_id":"pay_1","amount":49900,"currency":"INR","notes":{"lead_id":"lead-1"}}}}}`))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, refund.Status)
	assert.Equal(t, "pay_1", refund.PaymentID)
	assert.Equal(t, "lead-1", refund.Notes["lead_id"])

	unknown, err := services.ParseWebhook([]byte(`{"event":"payment.authorized","payload":{}}`))
	require.NoError(t, err)
	assert.False(t, unknown.Mapped)

	_, err = services.ParseWebhook([]byte(`not json`))
	requireStatus(t, err, 400)
}
