package services_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"
	"learnhub-backend-go/internal/services/servicetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []services.Notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, note services.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func TestActivatePaymentEnrollsLearner(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	f.activator.Notifier = notifier
	ctx := context.Background()

	res, err := f.activator.ActivatePayment(ctx, paidEvent("lead-1", "Asha@Example.com", "pay_1"))
	require.NoError(t, err)

	assert.Equal(t, "lead-1", res.LeadID)
	assert.Equal(t, models.PaymentPaid, res.Payment.Status)
	assert.Equal(t, "INR", res.Payment.Currency)
	assert.Equal(t, "course-go", res.Enrollment.CourseID)
	assert.Equal(t, "cohort-live", res.Enrollment.CohortID)
	assert.Equal(t, services.DeriveLearnerID("asha@example.com", "", ""), res.Enrollment.LearnerID)

	learner, ok := f.ledger.Learner(res.Enrollment.LearnerID)
	require.True(t, ok)
	assert.Equal(t, "asha@example.com", learner.Email)

	course, err := f.ledger.CourseEnrollment(ctx, "course-go", res.Enrollment.LearnerID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, course.Status)
	assert.Equal(t, "webhook", course.Source)

	cohort, err := f.ledger.CohortEnrollment(ctx, "cohort-live", res.Enrollment.LearnerID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletionInProgress, cohort.CompletionState)

	first, ok := f.ledger.Progress("course-go", "mod-1", res.Enrollment.LearnerID)
	require.True(t, ok)
	assert.Equal(t, models.ModuleUnlocked, first.Status)
	_, ok = f.ledger.Progress("course-go", "mod-2", res.Enrollment.LearnerID)
	assert.False(t, ok)

	funnel := f.ledger.Events(models.StreamFunnel)
	require.Len(t, funnel, 1)
	assert.Equal(t, "payment_activated", funnel[0].EventType)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, services.NotificationActivation, notifier.notes[0].Kind)
	assert.Equal(t, "asha@example.com", notifier.notes[0].Recipient)
}

func TestActivatePaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.activator.ActivatePayment(ctx, paidEvent("lead-1", "asha@example.com", "pay_1"))
	require.NoError(t, err)
	reg, err := f.ledger.RegistrationByLeadID(ctx, "lead-1")
	require.NoError(t, err)
	paidAt := *reg.PaidAt

	f.advance(time.Hour)
	second, err := f.activator.ActivatePayment(ctx, paidEvent("lead-1", "asha@example.com", "pay_1"))
	require.NoError(t, err)
	assert.Equal(t, first.Enrollment, second.Enrollment)

	reg, err = f.ledger.RegistrationByLeadID(ctx, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, reg.PaidAt)
	assert.True(t, reg.PaidAt.Equal(paidAt))
	assert.Len(t, f.ledger.CourseEnrollments(), 1)
}

func TestActivatePaymentFailedAfterPaidKeepsPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "lead-1", "asha@example.com")

	failed := paidEvent("lead-1", "asha@example.com", "pay_retry")
	failed.Status = models.PaymentFailed
	res, err := f.activator.ActivatePayment(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, res.Payment.Status)
	assert.Equal(t, "pay_lead-1", res.Payment.Reference)
	assert.Len(t, f.ledger.Events(models.StreamFunnel), 1)
}

func TestActivatePaymentRefundKeepsEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")

	refund := paidEvent("lead-1", "asha@example.com", "rfnd_1")
	refund.Status = models.PaymentRefunded
	res, err := f.activator.ActivatePayment(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, res.Payment.Status)

	reg, err := f.ledger.RegistrationByLeadID(ctx, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, reg.PaidAt)
	_, err = f.ledger.CourseEnrollment(ctx, "course-go", learnerID)
	assert.NoError(t, err)

	late := paidEvent("lead-1", "asha@example.com", "pay_x")
	late.Status = models.PaymentRegistered
	res, err = f.activator.ActivatePayment(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, res.Payment.Status)
}

func TestActivatePaymentRegisteredCreatesLeadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := paidEvent("", "lead@example.com", "")
	ev.Status = models.PaymentRegistered
	ev.GatewayOrderID = "order_42"
	res, err := f.activator.ActivatePayment(ctx, ev)
	require.NoError(t, err)
	assert.NotEmpty(t, res.LeadID)
	assert.Equal(t, models.PaymentRegistered, res.Payment.Status)
	assert.Empty(t, f.ledger.CourseEnrollments())
	assert.Empty(t, f.ledger.Events(models.StreamFunnel))

	reg, err := services.ResolveRegistration(ctx, f.ledger, services.RegistrationQuery{OrderID: "order_42"})
	require.NoError(t, err)
	assert.Equal(t, res.LeadID, reg.LeadID)

	paid := paidEvent("", "", "pay_42")
	paid.GatewayOrderID = "order_42"
	paidRes, err := f.activator.ActivatePayment(ctx, paid)
	require.NoError(t, err)
	assert.Equal(t, res.LeadID, paidRes.LeadID)
	assert.Len(t, f.ledger.CourseEnrollments(), 1)
}

func TestActivatePaymentRejectsUnknownCourse(t *testing.T) {
	f := newFixture(t)
	ev := paidEvent("lead-1", "asha@example.com", "pay_1")
	ev.Course = "rust-basics"
	_, err := f.activator.ActivatePayment(context.Background(), ev)
	requireStatus(t, err, 400)

	ev = paidEvent("lead-1", "asha@example.com", "pay_1")
	ev.Status = "chargeback"
	_, err = f.activator.ActivatePayment(context.Background(), ev)
	requireStatus(t, err, 400)
}

func TestActivatePaymentIgnoresForeignCohort(t *testing.T) {
	f := newFixture(t)
	ev := paidEvent("lead-1", "asha@example.com", "pay_1")
	ev.Cohort = "cohort-sql"
	res, err := f.activator.ActivatePayment(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "cohort-live", res.Enrollment.CohortID)

	ev = paidEvent("lead-2", "ravi@example.com", "pay_2")
	ev.Cohort = "go-basics-open"
	res, err = f.activator.ActivatePayment(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "cohort-open", res.Enrollment.CohortID)
}

func TestActivatePaymentConcurrentSignalsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := paidEvent("", "buyer@example.com", fmt.Sprintf("pay_%d", i%2))
			_, errs[i] = f.activator.ActivatePayment(ctx, ev)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, f.ledger.CourseEnrollments(), 1)
	reg, err := f.ledger.RegistrationByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, reg.PaymentStatus)
}

// racingLedger runs beforeLock inside the activation transaction right before
// the registration key lock is taken, standing in for a concurrent first signal.
type racingLedger struct {
	*servicetest.Memory
	beforeLock func(ctx context.Context, tx services.Ledger) error
}

func (r *racingLedger) WithinTx(ctx context.Context, fn func(tx services.Ledger) error) error {
	return r.Memory.WithinTx(ctx, func(tx services.Ledger) error {
		return fn(&racingTx{Ledger: tx, beforeLock: r.beforeLock})
	})
}

type racingTx struct {
	services.Ledger
	beforeLock func(ctx context.Context, tx services.Ledger) error
}

func (r *racingTx) LockKey(ctx context.Context, key string) error {
	if strings.HasPrefix(key, "registration:") && r.beforeLock != nil {
		hook := r.beforeLock
		r.beforeLock = nil
		if err := hook(ctx, r.Ledger); err != nil {
			return err
		}
	}
	return r.Ledger.LockKey(ctx, key)
}

func TestActivatePaymentAdoptsConcurrentRegistrationTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activator.Ledger = &racingLedger{Memory: f.ledger, beforeLock: func(ctx context.Context, tx services.Ledger) error {
		return tx.SaveRegistration(ctx, models.Registration{
			LeadID: "lead-first", Email: "late@example.com", CourseID: "course-go", CohortID: "cohort-open",
			PaymentStatus: models.PaymentRegistered, CreatedAt: fixedNow, UpdatedAt: fixedNow,
		})
	}}

	event := paidEvent("", "late@example.com", "pay_late")
	res, err := f.activator.ActivatePayment(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, "lead-first", res.LeadID)
	assert.Equal(t, "cohort-open", res.Enrollment.CohortID)
	assert.Equal(t, models.PaymentPaid, res.Payment.Status)

	_, err = f.ledger.CohortEnrollment(ctx, "cohort-open", res.Enrollment.LearnerID)
	assert.NoError(t, err)
	_, err = f.ledger.CohortEnrollment(ctx, "cohort-live", res.Enrollment.LearnerID)
	assert.ErrorIs(t, err, services.ErrRecordNotFound)

	reg, err := f.ledger.RegistrationByLeadID(ctx, "lead-first")
	require.NoError(t, err)
	assert.Equal(t, "cohort-open", reg.CohortID)
	assert.Equal(t, models.PaymentPaid, reg.PaymentStatus)
}

func TestActivatePaymentNotifyFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.activator.Notifier = &recordingNotifier{err: fmt.Errorf("smtp down")}
	f.activate(t, "lead-1", "asha@example.com")

	alerts, err := f.alerts.List(context.Background(), models.AlertOpen, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "activation_notify_failed", alerts[0].EventType)
	assert.Equal(t, "lead-1", alerts[0].Details.LeadID)
}

func TestDeriveLearnerID(t *testing.T) {
	a := services.DeriveLearnerID(" Asha@Example.com ", "lead-1", "pay_1")
	b := services.DeriveLearnerID("asha@example.com", "lead-2", "pay_2")
	assert.Equal(t, a, b)

	c := services.DeriveLearnerID("", "lead-1", "pay_1")
	d := services.DeriveLearnerID("", "lead-1", "pay_2")
	assert.NotEqual(t, c, d)
	assert.NotEqual(t, a, c)
}

func TestPickCohort(t *testing.T) {
	older := fixedNow.Add(-time.Hour)
	cohorts := []models.Cohort{
		{ID: "draft", Status: "draft", UpdatedAt: fixedNow},
		{ID: "open-old", Status: "open", UpdatedAt: older},
		{ID: "open-new", Status: "open", UpdatedAt: fixedNow},
		{ID: "archived", Status: "archived", UpdatedAt: fixedNow.Add(time.Hour)},
	}
	picked := services.PickCohort(cohorts)
	require.NotNil(t, picked)
	assert.Equal(t, "open-new", picked.ID)

	cohorts = append(cohorts, models.Cohort{ID: "live", Status: "live", UpdatedAt: older})
	assert.Equal(t, "live", services.PickCohort(cohorts).ID)

	assert.Nil(t, services.PickCohort([]models.Cohort{{ID: "closed", Status: "closed"}}))
}

func TestEnrollLearner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	summary, err := f.activator.EnrollLearner(ctx, "go-basics", "user-7", "cohort-open")
	require.NoError(t, err)
	assert.Equal(t, "course-go", summary.CourseID)
	assert.Equal(t, "cohort-open", summary.CohortID)

	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-go", "user-7")
	require.NoError(t, err)
	assert.Equal(t, "admin", enrollment.Source)
	_, ok := f.ledger.Progress("course-go", "mod-1", "user-7")
	assert.True(t, ok)

	_, err = f.activator.EnrollLearner(ctx, "course-go", "user-7", "cohort-sql")
	requireStatus(t, err, 400)
	_, err = f.activator.EnrollLearner(ctx, "course-go", " ", "")
	requireStatus(t, err, 400)
}
