package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/google/uuid"
)

const DefaultDedupeWindow = 15 * time.Minute

type AlertInput struct {
	Source    string
	Severity  models.AlertSeverity
	EventType string
	Message   string
	Details   models.AlertDetails
	DedupeKey string
}

type AlertRecorder struct {
	Ledger   Ledger
	Notifier Notifier
	Window   time.Duration
	Now      func() time.Time
}

func NewAlertRecorder(ledger Ledger, notifier Notifier) *AlertRecorder {
	return &AlertRecorder{Ledger: ledger, Notifier: notifier, Window: DefaultDedupeWindow, Now: utcNow}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func (r *AlertRecorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return utcNow()
}

// Raise records an alert. An open alert with the same dedupe key created
// inside the window is touched instead and its id returned.
func (r *AlertRecorder) Raise(ctx context.Context, in AlertInput) (string, error) {
	switch in.Severity {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical:
	case "":
		in.Severity = models.SeverityWarning
	default:
		return "", ErrBadRequest("Invalid alert severity")
	}
	if strings.TrimSpace(in.Source) == "" || strings.TrimSpace(in.EventType) == "" {
		return "", ErrBadRequest("Alert source and event type are required")
	}
	window := r.Window
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	now := r.now()
	alert := models.OpsAlert{
		ID:        uuid.NewString(),
		Source:    in.Source,
		Severity:  in.Severity,
		EventType: in.EventType,
		Message:   in.Message,
		Details:   in.Details,
		DedupeKey: strings.TrimSpace(in.DedupeKey),
		Status:    models.AlertOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	created := true
	err := r.Ledger.WithinTx(ctx, func(tx Ledger) error {
		if alert.DedupeKey == "" {
			return tx.InsertAlert(ctx, alert)
		}
		if err := tx.LockKey(ctx, "ops_alert:"+alert.DedupeKey); err != nil {
			return err
		}
		existing, err := tx.OpenAlertSince(ctx, alert.DedupeKey, now.Add(-window))
		if err == nil {
			created = false
			alert = existing
			return tx.TouchAlert(ctx, existing.ID, now)
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return err
		}
		return tx.InsertAlert(ctx, alert)
	})
	if err != nil {
		return "", WrapError(err, "raise alert")
	}
	if created && r.Notifier != nil {
		note := Notification{Kind: NotificationAlert, Subject: alert.EventType, Message: alert.Message, Alert: &alert}
		if nerr := r.Notifier.Notify(ctx, note); nerr != nil {
			log.Printf("[alerts] notify %s failed: %v", alert.ID, nerr)
		}
	}
	return alert.ID, nil
}

// Report raises an alert and only logs failures. Safe on a nil recorder.
func (r *AlertRecorder) Report(ctx context.Context, in AlertInput) {
	if r == nil {
		log.Printf("[alerts] %s %s: %s", in.Severity, in.EventType, in.Message)
		return
	}
	if _, err := r.Raise(ctx, in); err != nil {
		log.Printf("[alerts] raise %s failed: %v", in.EventType, err)
	}
}

func (r *AlertRecorder) List(ctx context.Context, status models.AlertStatus, limit int) ([]models.OpsAlert, error) {
	if status != "" && !status.Valid() {
		return nil, ErrBadRequest("Invalid alert status")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return r.Ledger.ListAlerts(ctx, status, limit)
}

func (r *AlertRecorder) SetStatus(ctx context.Context, id string, status models.AlertStatus) error {
	if !status.Valid() {
		return ErrBadRequest("Invalid alert status")
	}
	err := r.Ledger.SetAlertStatus(ctx, id, status, r.now())
	if errors.Is(err, ErrRecordNotFound) {
		return ErrNotFound("Alert not found")
	}
	return err
}
