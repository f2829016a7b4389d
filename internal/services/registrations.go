package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"
)

type RegistrationQuery struct {
	LeadID  string
	Email   string
	OrderID string
}

func (q RegistrationQuery) Empty() bool {
	return strings.TrimSpace(q.LeadID) == "" && strings.TrimSpace(q.Email) == "" && strings.TrimSpace(q.OrderID) == ""
}

// ResolveRegistration looks up by lead id, then email, then gateway order id.
// It returns ErrRecordNotFound when nothing matches.
func ResolveRegistration(ctx context.Context, store RegistrationStore, q RegistrationQuery) (models.Registration, error) {
	lookups := []struct {
		value string
		fn    func(context.Context, string) (models.Registration, error)
	}{
		{strings.TrimSpace(q.LeadID), store.RegistrationByLeadID},
		{strings.TrimSpace(q.Email), store.RegistrationByEmail},
		{strings.TrimSpace(q.OrderID), store.RegistrationByOrderID},
	}
	for _, lookup := range lookups {
		if lookup.value == "" {
			continue
		}
		reg, err := lookup.fn(ctx, lookup.value)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return models.Registration{}, err
		}
	}
	return models.Registration{}, ErrRecordNotFound
}

// RegistrationPatch is an incoming set of registration changes. Empty strings
// and zero amounts leave the stored value untouched.
type RegistrationPatch struct {
	LeadID          string
	Name            string
	Email           string
	Phone           string
	CourseID        string
	CohortID        string
	LearnerID       string
	Status          models.PaymentStatus
	PaymentRef      string
	Provider        string
	AmountMinor     int64
	Currency        string
	GatewayOrderID  string
	QRCodeID        string
	Source          string
	LastEvent       string
	ProviderPayload map[string]interface{}
}

// StickyStatus returns the status to store when next arrives for a record
// currently in prev. paid only yields to refunded, refunded only to paid.
func StickyStatus(prev, next models.PaymentStatus) models.PaymentStatus {
	switch prev {
	case models.PaymentPaid:
		if next == models.PaymentPaid || next == models.PaymentRefunded {
			return next
		}
		return prev
	case models.PaymentRefunded:
		if next == models.PaymentRegistered || next == models.PaymentFailed {
			return prev
		}
	}
	return next
}

// MergeRegistration applies patch to existing (nil when the lead is new).
func MergeRegistration(existing *models.Registration, patch RegistrationPatch, now time.Time) models.Registration {
	var reg models.Registration
	prev := models.PaymentStatus("")
	if existing != nil {
		reg = *existing
		prev = existing.PaymentStatus
	} else {
		reg = models.Registration{LeadID: patch.LeadID, CreatedAt: now}
	}

	setIf(&reg.Name, patch.Name)
	setIf(&reg.Email, strings.ToLower(strings.TrimSpace(patch.Email)))
	setIf(&reg.Phone, patch.Phone)
	setIf(&reg.CourseID, patch.CourseID)
	setIf(&reg.CohortID, patch.CohortID)
	setIf(&reg.LearnerID, patch.LearnerID)

	incoming := patch.Status
	if incoming == "" {
		incoming = models.PaymentRegistered
	}
	status := StickyStatus(prev, incoming)
	accepted := status == incoming
	if accepted {
		setIf(&reg.PaymentRef, patch.PaymentRef)
		setIf(&reg.PaymentProvider, patch.Provider)
		if patch.AmountMinor > 0 {
			reg.AmountMinor = patch.AmountMinor
		}
		setIf(&reg.Currency, strings.ToUpper(patch.Currency))
		if patch.ProviderPayload != nil {
			reg.Metadata.Provider = patch.ProviderPayload
		}
		setIf(&reg.Metadata.GatewayOrderID, patch.GatewayOrderID)
		setIf(&reg.Metadata.QRCodeID, patch.QRCodeID)
	}

	if status == models.PaymentPaid {
		if prev != models.PaymentPaid || reg.PaidAt == nil {
			paidAt := now
			reg.PaidAt = &paidAt
		}
	} else {
		reg.PaidAt = nil
	}
	reg.PaymentStatus = status

	setIf(&reg.Metadata.Source, patch.Source)
	setIf(&reg.Metadata.LastEvent, patch.LastEvent)
	reg.UpdatedAt = now
	return reg
}

func setIf(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}
