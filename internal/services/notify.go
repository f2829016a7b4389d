package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/shopspring/decimal"
)

const (
	NotificationActivation = "activation"
	NotificationAlert      = "alert"
)

type Notification struct {
	Kind       string            `json:"kind"`
	Subject    string            `json:"subject"`
	Message    string            `json:"message"`
	Alert      *models.OpsAlert  `json:"alert,omitempty"`
	Activation *ActivationResult `json:"activation,omitempty"`

	Recipient     string `json:"-"`
	RecipientName string `json:"-"`
}

// Notifier delivers best-effort side effects. Callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// FormatAmount renders minor units as a fixed two-decimal amount.
func FormatAmount(minor int64, currency string) string {
	amount := decimal.NewFromInt(minor).Shift(-2).StringFixed(2)
	if currency == "" {
		return amount
	}
	return amount + " " + strings.ToUpper(currency)
}

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier posts every notification as JSON to the ops webhook.
type WebhookNotifier struct {
	URL    string
	client *resty.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    strings.TrimSpace(url),
		client: resty.New().SetTimeout(timeout),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if w == nil || w.URL == "" {
		return nil
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		Post(w.URL)
	if err != nil {
		return WrapError(err, "ops webhook")
	}
	if resp.IsError() {
		return fmt.Errorf("ops webhook: status=%d", resp.StatusCode())
	}
	return nil
}

// EmailNotifier sends the activation confirmation to the learner via SendGrid.
type EmailNotifier struct {
	client *sendgrid.Client
	from   *mail.Email
}

func NewEmailNotifier(apiKey, fromEmail, fromName string) *EmailNotifier {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(fromEmail) == "" {
		return nil
	}
	return &EmailNotifier{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromEmail),
	}
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	if e == nil || n.Kind != NotificationActivation || n.Recipient == "" || n.Activation == nil {
		return nil
	}
	act := n.Activation
	title := act.Enrollment.CourseTitle
	if title == "" {
		title = act.Enrollment.CourseID
	}
	amount := FormatAmount(act.Payment.Amount, act.Payment.Currency)
	plain := fmt.Sprintf("Your payment of %s was received. You are enrolled in %s.", amount, title)
	body := fmt.Sprintf("<p>Your payment of <strong>%s</strong> was received.</p><p>You are enrolled in <strong>%s</strong>.</p>",
		html.EscapeString(amount), html.EscapeString(title))
	msg := mail.NewSingleEmail(e.from, "Enrollment confirmed: "+title, mail.NewEmail(n.RecipientName, n.Recipient), plain, body)
	resp, err := e.client.SendWithContext(ctx, msg)
	if err != nil {
		return WrapError(err, "sendgrid")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status=%d body=%s", resp.StatusCode, resp.Body)
	}
	return nil
}

// HubNotifier pushes alerts to connected admin websocket clients.
type HubNotifier struct {
	Hub *AlertHub
}

func (h HubNotifier) Notify(_ context.Context, n Notification) error {
	if h.Hub == nil || n.Kind != NotificationAlert || n.Alert == nil {
		return nil
	}
	h.Hub.Broadcast(*n.Alert)
	return nil
}
