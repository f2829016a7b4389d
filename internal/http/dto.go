package httpapi

import (
	"reflect"
	"strings"

	"learnhub-backend-go/internal/models"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type CreateOrderRequest struct {
	LeadID   string `json:"lead_id"`
	Email    string `json:"email" validate:"omitempty,email"`
	Amount   int64  `json:"amount" validate:"gte=0"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
	QR       bool   `json:"qr"`
}

type CreateOrderResponse struct {
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	KeyID      string `json:"key_id,omitempty"`
	LeadID     string `json:"lead_id"`
	Demo       bool   `json:"demo"`
	QRCodeID   string `json:"qr_code_id,omitempty"`
	QRImageURL string `json:"qr_image_url,omitempty"`
}

type PaymentStatusResponse struct {
	LeadID  string              `json:"lead_id"`
	Payment PaymentStatusDetail `json:"payment"`
	Target  PaymentTarget       `json:"target"`
}

type PaymentStatusDetail struct {
	Status    string  `json:"status"`
	Reference string  `json:"reference"`
	Provider  string  `json:"provider"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	Display   string  `json:"display_amount"`
	PaidAt    *string `json:"paid_at"`
}

type PaymentTarget struct {
	CourseID  string `json:"course_id"`
	CohortID  string `json:"cohort_id,omitempty"`
	LearnerID string `json:"learner_id,omitempty"`
}

type VerifyPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id" validate:"required"`
	PaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature string `json:"razorpay_signature" validate:"required"`
	LeadID    string `json:"lead_id"`
	Email     string `json:"email" validate:"omitempty,email"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	CourseID  string `json:"course_id"`
	CohortID  string `json:"cohort_id"`
}

type PaymentSuccessRequest struct {
	LeadID     string `json:"lead_id"`
	Email      string `json:"email" validate:"omitempty,email"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	CourseID   string `json:"course_id"`
	CohortID   string `json:"cohort_id"`
	Status     string `json:"status" validate:"omitempty,oneof=registered paid failed refunded"`
	PaymentRef string `json:"payment_ref"`
	Provider   string `json:"provider"`
	Amount     int64  `json:"amount" validate:"gte=0"`
	Currency   string `json:"currency" validate:"omitempty,len=3"`
}

type WebhookResponse struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored,omitempty"`
	Event   string `json:"event,omitempty"`
	Reason  string `json:"reason,omitempty"`
	LeadID  string `json:"lead_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

type ModuleProgressRequest struct {
	UserID      string   `json:"user_id"`
	CourseID    string   `json:"course_id" validate:"required"`
	CohortID    string   `json:"cohort_id"`
	Status      string   `json:"status" validate:"required"`
	Score       *float64 `json:"score" validate:"omitempty,gte=0"`
	ArtifactURL string   `json:"artifact_url" validate:"omitempty,url"`
	Notes       string   `json:"notes" validate:"max=4000"`
}

type CohortRequest struct {
	CohortID string `json:"cohort_id"`
}

type AlertListResponse struct {
	Items []models.OpsAlert `json:"items"`
}
