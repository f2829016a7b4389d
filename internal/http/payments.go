package httpapi

import (
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"

	"github.com/google/uuid"
)

const gatewayProvider = "razorpay"

func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	query := services.RegistrationQuery{LeadID: req.LeadID, Email: req.Email}
	if query.Empty() {
		WriteError(w, http.StatusBadRequest, "lead_id or email is required")
		return
	}
	reg, err := services.ResolveRegistration(r.Context(), s.Ledger, query)
	if errors.Is(err, services.ErrRecordNotFound) {
		WriteError(w, http.StatusNotFound, "Registration not found")
		return
	}
	if err != nil {
		writeServiceError(w, "resolve registration", err)
		return
	}
	if reg.PaymentStatus == models.PaymentPaid {
		WriteError(w, http.StatusConflict, "Registration is already paid")
		return
	}
	if reg.CourseID == "" {
		WriteError(w, http.StatusBadRequest, "Registration has no course")
		return
	}
	course, err := s.Ledger.CourseByID(r.Context(), reg.CourseID)
	if err != nil && !errors.Is(err, services.ErrRecordNotFound) {
		writeServiceError(w, "load course", err)
		return
	}
	amount := req.Amount
	if amount == 0 {
		amount = course.PriceMinor
	}
	if amount <= 0 {
		WriteError(w, http.StatusBadRequest, "amount is required")
		return
	}
	currency := strings.ToUpper(firstNonBlank(req.Currency, course.Currency, s.Config.DefaultCurrency))

	resp := CreateOrderResponse{Amount: amount, Currency: currency, LeadID: reg.LeadID}
	switch {
	case s.Gateway.Configured():
		notes := map[string]string{"lead_id": reg.LeadID, "course_id": reg.CourseID}
		if reg.CohortID != "" {
			notes["cohort_id"] = reg.CohortID
		}
		if req.QR {
			qr, err := s.Gateway.CreateQRCode(r.Context(), services.QRCodeRequest{
				AmountMinor: amount,
				Name:        firstNonBlank(course.Title, "Course enrollment"),
				Description: "Enrollment " + reg.LeadID,
				CloseBy:     time.Now().Add(2 * time.Hour),
				Notes:       notes,
			})
			if err != nil {
				s.reportGatewayFailure(r, "create_qr_failed", reg.LeadID, "", err)
				writeServiceError(w, "create qr code", err)
				return
			}
			resp.QRCodeID = qr.ID
			resp.QRImageURL = qr.ImageURL
		} else {
			order, err := s.Gateway.CreateOrder(r.Context(), services.OrderRequest{
				AmountMinor: amount,
				Currency:    currency,
				Receipt:     receiptFor(reg.LeadID),
				Notes:       notes,
			})
			if err != nil {
				s.reportGatewayFailure(r, "create_order_failed", reg.LeadID, "", err)
				writeServiceError(w, "create order", err)
				return
			}
			resp.OrderID = order.ID
		}
		resp.KeyID = s.Config.GatewayKeyID
	case s.Config.DemoMode:
		resp.OrderID = "order_demo_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
		resp.Demo = true
	default:
		WriteError(w, http.StatusServiceUnavailable, "Payment gateway not configured")
		return
	}

	if _, err := s.Activator.ActivatePayment(r.Context(), services.ActivationEvent{
		LeadID:         reg.LeadID,
		Status:         models.PaymentRegistered,
		Provider:       gatewayProvider,
		AmountMinor:    amount,
		Currency:       currency,
		GatewayOrderID: resp.OrderID,
		QRCodeID:       resp.QRCodeID,
		Source:         "create-order",
	}); err != nil {
		writeServiceError(w, "record order", err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := services.RegistrationQuery{LeadID: q.Get("lead_id"), Email: q.Get("email"), OrderID: q.Get("order_id")}
	if query.Empty() {
		WriteError(w, http.StatusBadRequest, "lead_id or email is required")
		return
	}
	reg, err := services.ResolveRegistration(r.Context(), s.Ledger, query)
	if errors.Is(err, services.ErrRecordNotFound) {
		WriteError(w, http.StatusNotFound, "Registration not found")
		return
	}
	if err != nil {
		writeServiceError(w, "resolve registration", err)
		return
	}
	var paidAt *string
	if reg.PaidAt != nil {
		value := reg.PaidAt.UTC().Format(time.RFC3339)
		paidAt = &value
	}
	WriteJSON(w, http.StatusOK, PaymentStatusResponse{
		LeadID: reg.LeadID,
		Payment: PaymentStatusDetail{
			Status:    string(reg.PaymentStatus),
			Reference: reg.PaymentRef,
			Provider:  reg.PaymentProvider,
			Amount:    reg.AmountMinor,
			Currency:  reg.Currency,
			Display:   services.FormatAmount(reg.AmountMinor, reg.Currency),
			PaidAt:    paidAt,
		},
		Target: PaymentTarget{CourseID: reg.CourseID, CohortID: reg.CohortID, LearnerID: reg.LearnerID},
	})
}

type VerifyPaymentResponse struct {
	services.ActivationResult
	OrderID           string `json:"order_id"`
	PaymentID         string `json:"payment_id"`
	SignatureVerified bool   `json:"signature_verified"`
}

func (s *Server) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	payment, err := s.Gateway.VerifyCheckout(r.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		if serr, ok := services.AsServiceError(err); ok && serr.Status == http.StatusUnauthorized {
			s.Alerts.Report(r.Context(), services.AlertInput{
				Source: "payment", Severity: models.SeverityCritical, EventType: "checkout_signature_invalid",
				Message:   serr.Message,
				Details:   models.AlertDetails{LeadID: req.LeadID, OrderID: req.OrderID, PaymentID: req.PaymentID},
				DedupeKey: "verify:" + req.OrderID,
			})
		} else {
			s.reportGatewayFailure(r, "verify_failed", req.LeadID, req.OrderID, err)
		}
		writeServiceError(w, "verify payment", err)
		return
	}

	result, err := s.Activator.ActivatePayment(r.Context(), services.ActivationEvent{
		LeadID:         firstNonBlank(req.LeadID, noteString(payment.Notes, "lead_id")),
		Email:          firstNonBlank(req.Email, payment.Email),
		Name:           req.Name,
		Phone:          firstNonBlank(req.Phone, payment.Contact),
		Course:         firstNonBlank(req.CourseID, noteString(payment.Notes, "course_id")),
		Cohort:         firstNonBlank(req.CohortID, noteString(payment.Notes, "cohort_id")),
		Status:         models.PaymentPaid,
		PaymentRef:     payment.ID,
		Provider:       gatewayProvider,
		AmountMinor:    payment.Amount,
		Currency:       payment.Currency,
		GatewayOrderID: req.OrderID,
		Source:         "checkout",
		LastEvent:      "checkout.verified",
		Payload: map[string]interface{}{
			"payment_id": payment.ID,
			"order_id":   payment.OrderID,
			"status":     payment.Status,
			"method":     payment.Method,
		},
	})
	if err != nil {
		writeServiceError(w, "activate payment", err)
		return
	}
	WriteJSON(w, http.StatusOK, VerifyPaymentResponse{
		ActivationResult:  result,
		OrderID:           req.OrderID,
		PaymentID:         payment.ID,
		SignatureVerified: true,
	})
}

// PaymentWebhook accepts gateway callbacks. Anything the gateway should not
// retry answers 200, including events we do not act on.
func (s *Server) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	signature := firstNonBlank(r.Header.Get("X-Razorpay-Signature"), r.Header.Get("X-Signature"))
	if err := s.Gateway.VerifyWebhookSignature(body, signature); err != nil {
		if serr, ok := services.AsServiceError(err); ok && serr.Status == http.StatusUnauthorized {
			s.Alerts.Report(r.Context(), services.AlertInput{
				Source: "webhook", Severity: models.SeverityCritical, EventType: "webhook_signature_invalid",
				Message:   "Webhook signature mismatch",
				Details:   models.AlertDetails{Extra: map[string]interface{}{"remote_ip": clientIP(r)}},
				DedupeKey: "webhook:signature",
			})
		}
		writeServiceError(w, "verify webhook", err)
		return
	}
	ev, err := services.ParseWebhook(body)
	if err != nil {
		writeServiceError(w, "parse webhook", err)
		return
	}
	if !ev.Mapped {
		WriteJSON(w, http.StatusOK, WebhookResponse{OK: true, Ignored: true, Event: ev.Event})
		return
	}

	leadID := ev.Notes["lead_id"]
	email := firstNonBlank(ev.Email, ev.Notes["email"])
	orderID := ev.OrderID
	if leadID == "" && email == "" && orderID == "" && ev.PaymentID != "" {
		if reg, err := services.ResolveRegistration(r.Context(), s.Ledger, services.RegistrationQuery{OrderID: ev.PaymentID}); err == nil {
			leadID = reg.LeadID
		}
	}
	if leadID == "" && email == "" && orderID == "" {
		s.ignoreWebhook(w, r, ev, "unresolved_target", "Webhook could not be matched to a registration")
		return
	}

	result, err := s.Activator.ActivatePayment(r.Context(), services.ActivationEvent{
		LeadID:         leadID,
		Email:          email,
		Name:           ev.Notes["name"],
		Phone:          ev.Phone,
		Course:         ev.Notes["course_id"],
		Cohort:         ev.Notes["cohort_id"],
		Status:         ev.Status,
		PaymentRef:     ev.PaymentID,
		Provider:       gatewayProvider,
		AmountMinor:    ev.AmountMinor,
		Currency:       ev.Currency,
		GatewayOrderID: orderID,
		Source:         "webhook",
		LastEvent:      ev.Event,
		Payload:        ev.Raw,
	})
	if err != nil {
		if serr, ok := services.AsServiceError(err); ok && serr.Status < http.StatusInternalServerError {
			s.ignoreWebhook(w, r, ev, "rejected", serr.Message)
			return
		}
		log.Printf("[webhook] %s activation failed: %v", ev.Event, err)
		s.Alerts.Report(r.Context(), services.AlertInput{
			Source: "webhook", Severity: models.SeverityError, EventType: "webhook_activation_failed",
			Message:   "Webhook activation failed",
			Details:   models.AlertDetails{LeadID: leadID, OrderID: orderID, PaymentID: ev.PaymentID, Error: err.Error()},
			DedupeKey: "webhook:activation:" + firstNonBlank(orderID, ev.PaymentID, leadID),
		})
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	WriteJSON(w, http.StatusOK, WebhookResponse{
		OK:     true,
		Event:  ev.Event,
		LeadID: result.LeadID,
		Status: string(result.Payment.Status),
	})
}

func (s *Server) ignoreWebhook(w http.ResponseWriter, r *http.Request, ev services.WebhookEvent, reason, message string) {
	s.Alerts.Report(r.Context(), services.AlertInput{
		Source: "webhook", Severity: models.SeverityWarning, EventType: "webhook_" + reason,
		Message:   message,
		Details:   models.AlertDetails{OrderID: ev.OrderID, PaymentID: ev.PaymentID, Extra: map[string]interface{}{"event": ev.Event}},
		DedupeKey: "webhook:" + reason + ":" + firstNonBlank(ev.OrderID, ev.PaymentID, ev.Event),
	})
	WriteJSON(w, http.StatusOK, WebhookResponse{OK: true, Ignored: true, Event: ev.Event, Reason: reason})
}

// PaymentSuccess is the trusted server-to-server callback used by manual and
// offline payment flows.
func (s *Server) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	if !s.callbackAllowed(r) {
		WriteError(w, http.StatusForbidden, "Not allowed")
		return
	}
	var req PaymentSuccessRequest
	if !s.decodeJSON(w, r, &req, false) {
		return
	}
	if req.LeadID == "" && req.Email == "" {
		WriteError(w, http.StatusBadRequest, "lead_id or email is required")
		return
	}
	status := models.PaymentStatus(firstNonBlank(req.Status, string(models.PaymentPaid)))
	result, err := s.Activator.ActivatePayment(r.Context(), services.ActivationEvent{
		LeadID:      req.LeadID,
		Email:       req.Email,
		Name:        req.Name,
		Phone:       req.Phone,
		Course:      req.CourseID,
		Cohort:      req.CohortID,
		Status:      status,
		PaymentRef:  req.PaymentRef,
		Provider:    firstNonBlank(req.Provider, "manual"),
		AmountMinor: req.Amount,
		Currency:    req.Currency,
		Source:      "callback",
		LastEvent:   "payment.success",
	})
	if err != nil {
		writeServiceError(w, "activate payment", err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) callbackAllowed(r *http.Request) bool {
	secret := s.Config.PaymentCallbackToken
	if secret == "" {
		return s.Config.DemoMode
	}
	given := strings.TrimSpace(r.Header.Get("X-Callback-Secret"))
	return subtle.ConstantTimeCompare([]byte(given), []byte(secret)) == 1
}

func (s *Server) reportGatewayFailure(r *http.Request, eventType, leadID, orderID string, err error) {
	s.Alerts.Report(r.Context(), services.AlertInput{
		Source: "payment", Severity: models.SeverityError, EventType: eventType,
		Message:   "Payment gateway call failed",
		Details:   models.AlertDetails{LeadID: leadID, OrderID: orderID, Error: err.Error()},
		DedupeKey: "gateway:" + eventType,
	})
}

// receiptFor keeps receipts inside the gateway's 40 character limit.
func receiptFor(leadID string) string {
	receipt := "lead_" + leadID
	if len(receipt) > 40 {
		receipt = receipt[:40]
	}
	return receipt
}

func noteString(notes services.GatewayNotes, key string) string {
	if value, ok := notes[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
