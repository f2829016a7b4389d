package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/google/uuid"
)

var learnerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("learnhub:learner"))

// DeriveLearnerID maps an email (or lead id + payment ref without one) to a
// stable learner id so repeated activations converge.
func DeriveLearnerID(email, leadID, paymentRef string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		return uuid.NewSHA1(learnerNamespace, []byte("email:"+email)).String()
	}
	return uuid.NewSHA1(learnerNamespace, []byte("lead:"+leadID+":"+paymentRef)).String()
}

var cohortPriority = map[string]int{"live": 0, "open": 1, "draft": 2}

// PickCohort chooses live over open over draft, newest first. Other statuses never win.
func PickCohort(cohorts []models.Cohort) *models.Cohort {
	candidates := make([]models.Cohort, 0, len(cohorts))
	for _, c := range cohorts {
		if _, ok := cohortPriority[c.Status]; ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := cohortPriority[candidates[i].Status], cohortPriority[candidates[j].Status]
		if pi != pj {
			return pi < pj
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	picked := candidates[0]
	return &picked
}

type ActivationEvent struct {
	LeadID         string
	Email          string
	Name           string
	Phone          string
	LearnerID      string
	Course         string
	Cohort         string
	Status         models.PaymentStatus
	PaymentRef     string
	Provider       string
	AmountMinor    int64
	Currency       string
	GatewayOrderID string
	QRCodeID       string
	Source         string
	LastEvent      string
	Payload        map[string]interface{}
}

type PaymentSummary struct {
	Status    models.PaymentStatus `json:"status"`
	Reference string               `json:"reference"`
	Provider  string               `json:"provider"`
	Amount    int64                `json:"amount"`
	Currency  string               `json:"currency"`
}

type EnrollmentSummary struct {
	LearnerID   string `json:"learner_id"`
	CourseID    string `json:"course_id"`
	CohortID    string `json:"cohort_id,omitempty"`
	CourseTitle string `json:"course_title"`
}

type ActivationResult struct {
	LeadID     string            `json:"lead_id"`
	Payment    PaymentSummary    `json:"payment"`
	Enrollment EnrollmentSummary `json:"enrollment"`
}

type Activator struct {
	Ledger   Ledger
	Alerts   *AlertRecorder
	Notifier Notifier
	Now      func() time.Time
}

func (a *Activator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return utcNow()
}

// ActivatePayment reconciles one payment signal into the registration and,
// for paid signals, the learner's enrollments.
func (a *Activator) ActivatePayment(ctx context.Context, event ActivationEvent) (ActivationResult, error) {
	status := event.Status
	if status == "" {
		status = models.PaymentRegistered
	}
	if !status.Valid() {
		return ActivationResult{}, ErrBadRequest("Invalid payment status")
	}

	var existing *models.Registration
	reg, err := ResolveRegistration(ctx, a.Ledger, RegistrationQuery{
		LeadID:  event.LeadID,
		Email:   event.Email,
		OrderID: event.GatewayOrderID,
	})
	switch {
	case err == nil:
		existing = &reg
	case !errors.Is(err, ErrRecordNotFound):
		return ActivationResult{}, WrapError(err, "resolve registration")
	}

	course, err := resolveCourse(ctx, a.Ledger, event.Course, reg.CourseID)
	if err != nil {
		return ActivationResult{}, err
	}
	cohortRef := event.Cohort
	if strings.TrimSpace(cohortRef) == "" {
		cohortRef = reg.CohortID
	}
	cohort, err := resolveCohort(ctx, a.Ledger, course.ID, cohortRef)
	if err != nil {
		return ActivationResult{}, err
	}

	leadID := strings.TrimSpace(event.LeadID)
	if existing != nil {
		leadID = existing.LeadID
	} else if leadID == "" {
		leadID = uuid.NewString()
	}
	email := strings.TrimSpace(event.Email)
	if email == "" {
		email = reg.Email
	}
	learnerID := firstNonEmpty(event.LearnerID, reg.LearnerID, DeriveLearnerID(email, leadID, event.PaymentRef))
	cohortID := ""
	if cohort != nil {
		cohortID = cohort.ID
	}
	source := firstNonEmpty(event.Source, "payment")

	now := a.now()
	var merged models.Registration
	err = a.Ledger.WithinTx(ctx, func(tx Ledger) error {
		if existing == nil {
			// Concurrent first signals for the same buyer must land on one lead.
			key := firstNonEmpty(strings.ToLower(email), event.LeadID, event.GatewayOrderID, leadID)
			if err := tx.LockKey(ctx, "registration:"+key); err != nil {
				return WrapError(err, "lock registration key")
			}
			found, err := ResolveRegistration(ctx, tx, RegistrationQuery{
				LeadID:  event.LeadID,
				Email:   email,
				OrderID: event.GatewayOrderID,
			})
			switch {
			case err == nil:
				leadID = found.LeadID
				learnerID = firstNonEmpty(event.LearnerID, found.LearnerID, learnerID)
				// The winner's target applies wherever the event named none.
				if strings.TrimSpace(event.Course) == "" && found.CourseID != "" && found.CourseID != course.ID {
					if course, err = resolveCourse(ctx, tx, found.CourseID); err != nil {
						return err
					}
				}
				cohortRef := event.Cohort
				if strings.TrimSpace(cohortRef) == "" {
					cohortRef = found.CohortID
				}
				if cohort, err = resolveCohort(ctx, tx, course.ID, cohortRef); err != nil {
					return err
				}
				cohortID = ""
				if cohort != nil {
					cohortID = cohort.ID
				}
			case !errors.Is(err, ErrRecordNotFound):
				return WrapError(err, "resolve registration")
			}
		}
		if status == models.PaymentPaid {
			if err := tx.UpsertLearner(ctx, models.Learner{
				ID: learnerID, Email: strings.ToLower(email), Name: event.Name, Phone: event.Phone,
				CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return WrapError(err, "upsert learner")
			}
			if _, err := tx.EnsureCourseEnrollment(ctx, course.ID, learnerID, source, now); err != nil {
				return WrapError(err, "ensure course enrollment")
			}
			if cohort != nil {
				if _, err := tx.EnsureCohortEnrollment(ctx, cohort.ID, course.ID, learnerID, now); err != nil {
					return WrapError(err, "ensure cohort enrollment")
				}
				if err := unlockFirstModule(ctx, tx, course.ID, cohort.ID, learnerID, now); err != nil {
					return WrapError(err, "unlock first module")
				}
			}
		}

		var current *models.Registration
		locked, err := tx.LockRegistration(ctx, leadID)
		switch {
		case err == nil:
			current = &locked
		case !errors.Is(err, ErrRecordNotFound):
			return WrapError(err, "lock registration")
		}
		merged = MergeRegistration(current, RegistrationPatch{
			LeadID:          leadID,
			Name:            event.Name,
			Email:           email,
			Phone:           event.Phone,
			CourseID:        course.ID,
			CohortID:        cohortID,
			LearnerID:       learnerID,
			Status:          status,
			PaymentRef:      event.PaymentRef,
			Provider:        event.Provider,
			AmountMinor:     event.AmountMinor,
			Currency:        event.Currency,
			GatewayOrderID:  event.GatewayOrderID,
			QRCodeID:        event.QRCodeID,
			Source:          event.Source,
			LastEvent:       event.LastEvent,
			ProviderPayload: event.Payload,
		}, now)
		return tx.SaveRegistration(ctx, merged)
	})
	if err != nil {
		return ActivationResult{}, err
	}

	result := ActivationResult{
		LeadID: merged.LeadID,
		Payment: PaymentSummary{
			Status:    merged.PaymentStatus,
			Reference: merged.PaymentRef,
			Provider:  merged.PaymentProvider,
			Amount:    merged.AmountMinor,
			Currency:  merged.Currency,
		},
		Enrollment: EnrollmentSummary{
			LearnerID:   learnerID,
			CourseID:    course.ID,
			CohortID:    cohortID,
			CourseTitle: course.Title,
		},
	}

	if merged.PaymentStatus == models.PaymentPaid && status == models.PaymentPaid {
		a.afterActivation(ctx, merged, result, now)
	}
	return result, nil
}

func (a *Activator) afterActivation(ctx context.Context, reg models.Registration, result ActivationResult, now time.Time) {
	err := a.Ledger.AppendEvent(ctx, models.LearningEvent{
		ID:        uuid.NewString(),
		Stream:    models.StreamFunnel,
		UserID:    result.Enrollment.LearnerID,
		CourseID:  result.Enrollment.CourseID,
		CohortID:  result.Enrollment.CohortID,
		EventType: "payment_activated",
		Payload: map[string]interface{}{
			"lead_id":  reg.LeadID,
			"amount":   reg.AmountMinor,
			"currency": reg.Currency,
			"provider": reg.PaymentProvider,
			"source":   reg.Metadata.Source,
		},
		CreatedAt: now,
	})
	if err != nil {
		log.Printf("[activation] funnel event for %s failed: %v", reg.LeadID, err)
		a.Alerts.Report(ctx, AlertInput{
			Source: "activation", Severity: models.SeverityWarning, EventType: "funnel_event_failed",
			Message:   "Funnel event write failed",
			Details:   models.AlertDetails{LeadID: reg.LeadID, CourseID: result.Enrollment.CourseID, Error: err.Error()},
			DedupeKey: "funnel:" + reg.LeadID,
		})
	}
	if a.Notifier == nil {
		return
	}
	note := Notification{
		Kind:    NotificationActivation,
		Subject: "payment.activated",
		Message: fmt.Sprintf("Lead %s paid %s for %s", reg.LeadID,
			FormatAmount(reg.AmountMinor, reg.Currency), firstNonEmpty(result.Enrollment.CourseTitle, result.Enrollment.CourseID)),
		Activation:    &result,
		Recipient:     reg.Email,
		RecipientName: reg.Name,
	}
	if err := a.Notifier.Notify(ctx, note); err != nil {
		log.Printf("[activation] notify %s failed: %v", reg.LeadID, err)
		a.Alerts.Report(ctx, AlertInput{
			Source: "activation", Severity: models.SeverityWarning, EventType: "activation_notify_failed",
			Message:   "Activation notification failed",
			Details:   models.AlertDetails{LeadID: reg.LeadID, CourseID: result.Enrollment.CourseID, Error: err.Error()},
			DedupeKey: "notify:activation:" + reg.LeadID,
		})
	}
}

// EnrollLearner creates the same enrollment rows as a paid activation,
// without a registration.
func (a *Activator) EnrollLearner(ctx context.Context, courseRef, userID, cohortRef string) (EnrollmentSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EnrollmentSummary{}, ErrBadRequest("User id is required")
	}
	course, err := resolveCourse(ctx, a.Ledger, courseRef, "")
	if err != nil {
		return EnrollmentSummary{}, err
	}
	var cohort *models.Cohort
	if strings.TrimSpace(cohortRef) != "" {
		found, err := lookupCohort(ctx, a.Ledger, cohortRef)
		if err != nil {
			return EnrollmentSummary{}, err
		}
		if found == nil || found.CourseID != course.ID {
			return EnrollmentSummary{}, ErrBadRequest("Cohort does not belong to course")
		}
		cohort = found
	}
	now := a.now()
	err = a.Ledger.WithinTx(ctx, func(tx Ledger) error {
		if _, err := tx.EnsureCourseEnrollment(ctx, course.ID, userID, "admin", now); err != nil {
			return err
		}
		if cohort == nil {
			return nil
		}
		if _, err := tx.EnsureCohortEnrollment(ctx, cohort.ID, course.ID, userID, now); err != nil {
			return err
		}
		return unlockFirstModule(ctx, tx, course.ID, cohort.ID, userID, now)
	})
	if err != nil {
		return EnrollmentSummary{}, WrapError(err, "enroll learner")
	}
	summary := EnrollmentSummary{LearnerID: userID, CourseID: course.ID, CourseTitle: course.Title}
	if cohort != nil {
		summary.CohortID = cohort.ID
	}
	return summary, nil
}

func resolveCourse(ctx context.Context, catalog CatalogStore, refs ...string) (models.Course, error) {
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		course, err := catalog.CourseByID(ctx, ref)
		if errors.Is(err, ErrRecordNotFound) {
			course, err = catalog.CourseBySlug(ctx, ref)
		}
		if err == nil {
			return course, nil
		}
		if !errors.Is(err, ErrRecordNotFound) {
			return models.Course{}, WrapError(err, "resolve course")
		}
	}
	return models.Course{}, ErrBadRequest("Course could not be resolved")
}

func lookupCohort(ctx context.Context, catalog CatalogStore, ref string) (*models.Cohort, error) {
	ref = strings.TrimSpace(ref)
	cohort, err := catalog.CohortByID(ctx, ref)
	if errors.Is(err, ErrRecordNotFound) {
		cohort, err = catalog.CohortBySlug(ctx, ref)
	}
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(err, "resolve cohort")
	}
	return &cohort, nil
}

// resolveCohort keeps a referenced cohort only when it belongs to the course.
// Otherwise the best open cohort of the course is picked.
func resolveCohort(ctx context.Context, catalog CatalogStore, courseID, ref string) (*models.Cohort, error) {
	if strings.TrimSpace(ref) != "" {
		cohort, err := lookupCohort(ctx, catalog, ref)
		if err != nil {
			return nil, err
		}
		if cohort != nil && cohort.CourseID == courseID {
			return cohort, nil
		}
	}
	cohorts, err := catalog.CohortsForCourse(ctx, courseID)
	if err != nil {
		return nil, WrapError(err, "list cohorts")
	}
	return PickCohort(cohorts), nil
}

func unlockFirstModule(ctx context.Context, tx Ledger, courseID, cohortID, userID string, now time.Time) error {
	unlocked, err := tx.CountUnlockedModules(ctx, courseID, userID)
	if err != nil || unlocked > 0 {
		return err
	}
	modules, err := tx.ModulesForCourse(ctx, courseID)
	if err != nil || len(modules) == 0 {
		return err
	}
	return tx.UnlockModule(ctx, models.ModuleProgress{
		CourseID:  courseID,
		ModuleID:  modules[0].ID,
		UserID:    userID,
		CohortID:  cohortID,
		Status:    models.ModuleUnlocked,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
