package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"
	"learnhub-backend-go/internal/services/servicetest"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	ledger    *servicetest.Memory
	certs     *services.CertificateIssuer
	certRoot  string
	alerts    *services.AlertRecorder
	activator *services.Activator
	cascade   *services.Cascade

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// newFixture seeds one course with two published modules, one draft module
// and two cohorts (live and open).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := servicetest.NewMemory()
	ledger.AddCourse(models.Course{ID: "course-go", Slug: "go-basics", Title: "Go Basics", PriceMinor: 49900, Currency: "INR", Status: "published"})
	ledger.AddCourse(models.Course{ID: "course-sql", Slug: "sql-intro", Title: "SQL Intro", PriceMinor: 29900, Currency: "INR", Status: "published"})
	ledger.AddCohort(models.Cohort{ID: "cohort-live", Slug: "go-basics-live", CourseID: "course-go", Status: "live", UpdatedAt: fixedNow.Add(-time.Hour)})
	ledger.AddCohort(models.Cohort{ID: "cohort-open", Slug: "go-basics-open", CourseID: "course-go", Status: "open", UpdatedAt: fixedNow})
	ledger.AddCohort(models.Cohort{ID: "cohort-sql", Slug: "sql-live", CourseID: "course-sql", Status: "live", UpdatedAt: fixedNow})
	ledger.AddModule(models.Module{ID: "mod-1", CourseID: "course-go", Title: "Intro", SortOrder: 1, Published: true})
	ledger.AddModule(models.Module{ID: "mod-2", CourseID: "course-go", Title: "Types", SortOrder: 2, Published: true})
	ledger.AddModule(models.Module{ID: "mod-draft", CourseID: "course-go", Title: "Generics", SortOrder: 3})
	ledger.AddModule(models.Module{ID: "sql-1", CourseID: "course-sql", Title: "Select", SortOrder: 1, Published: true})

	f := &fixture{ledger: ledger, now: fixedNow, certRoot: t.TempDir()}
	certs, err := services.NewCertificateIssuer(services.CertificateConfig{
		Root:          f.certRoot,
		PublicBaseURL: "https://learn.example.com/",
		Secret:        "cert-secret",
	}, ledger)
	require.NoError(t, err)
	f.certs = certs
	f.alerts = services.NewAlertRecorder(ledger, nil)
	f.alerts.Now = f.clock
	f.activator = &services.Activator{Ledger: ledger, Alerts: f.alerts, Now: f.clock}
	f.cascade = &services.Cascade{Ledger: ledger, Certificates: certs, Alerts: f.alerts, Now: f.clock}
	return f
}

func paidEvent(leadID, email, paymentRef string) services.ActivationEvent {
	return services.ActivationEvent{
		LeadID:      leadID,
		Email:       email,
		Name:        "Asha Rao",
		Course:      "go-basics",
		Status:      models.PaymentPaid,
		PaymentRef:  paymentRef,
		Provider:    "razorpay",
		AmountMinor: 49900,
		Currency:    "inr",
		Source:      "webhook",
	}
}

func learnerActor(userID string) services.Actor {
	return services.Actor{UserID: userID, Roles: map[string]bool{}}
}

// activate pays for course-go and returns the learner id.
func (f *fixture) activate(t *testing.T, leadID, email string) string {
	t.Helper()
	res, err := f.activator.ActivatePayment(context.Background(), paidEvent(leadID, email, "pay_"+leadID))
	require.NoError(t, err)
	return res.Enrollment.LearnerID
}

// enroll adds userID to courseID the way an admin would.
func (f *fixture) enroll(t *testing.T, courseID, userID string) {
	t.Helper()
	_, err := f.activator.EnrollLearner(context.Background(), courseID, userID, "")
	require.NoError(t, err)
}

func (f *fixture) complete(t *testing.T, userID, moduleID string) services.ProgressResult {
	t.Helper()
	res, err := f.cascade.UpdateModuleProgress(context.Background(), learnerActor(userID), services.ProgressUpdate{
		CourseID: "course-go",
		CohortID: "cohort-live",
		ModuleID: moduleID,
		UserID:   userID,
		Status:   models.ModuleCompleted,
	})
	require.NoError(t, err)
	return res
}

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	serr, ok := services.AsServiceError(err)
	require.True(t, ok, "expected service error, got %v", err)
	require.Equal(t, status, serr.Status)
}
