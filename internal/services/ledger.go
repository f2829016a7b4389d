package services

import (
	"context"
	"time"

	"learnhub-backend-go/internal/models"
)

// RegistrationStore holds leads and their payment state.
type RegistrationStore interface {
	RegistrationByLeadID(ctx context.Context, leadID string) (models.Registration, error)
	// RegistrationByEmail returns the most recently updated registration for email.
	RegistrationByEmail(ctx context.Context, email string) (models.Registration, error)
	// RegistrationByOrderID matches payment_ref or metadata.gateway_order_id.
	RegistrationByOrderID(ctx context.Context, orderID string) (models.Registration, error)
	// LockRegistration reads the row for update. Only meaningful inside WithinTx.
	LockRegistration(ctx context.Context, leadID string) (models.Registration, error)
	SaveRegistration(ctx context.Context, reg models.Registration) error
}

type CatalogStore interface {
	CourseByID(ctx context.Context, id string) (models.Course, error)
	CourseBySlug(ctx context.Context, slug string) (models.Course, error)
	CohortByID(ctx context.Context, id string) (models.Cohort, error)
	CohortBySlug(ctx context.Context, slug string) (models.Cohort, error)
	// CohortsForCourse returns cohorts in live, open or draft state.
	CohortsForCourse(ctx context.Context, courseID string) ([]models.Cohort, error)
	ModuleByID(ctx context.Context, id string) (models.Module, error)
	ModulesForCourse(ctx context.Context, courseID string) ([]models.Module, error)
}

type EnrollmentStore interface {
	UpsertLearner(ctx context.Context, learner models.Learner) error
	// EnsureCourseEnrollment creates an active enrollment with zero progress or
	// returns the existing row untouched apart from updated_at.
	EnsureCourseEnrollment(ctx context.Context, courseID, userID, source string, now time.Time) (models.CourseEnrollment, error)
	EnsureCohortEnrollment(ctx context.Context, cohortID, courseID, userID string, now time.Time) (models.CohortEnrollment, error)
	CourseEnrollment(ctx context.Context, courseID, userID string) (models.CourseEnrollment, error)
	LockCourseEnrollment(ctx context.Context, courseID, userID string) (models.CourseEnrollment, error)
	// SaveCourseEnrollment upserts the row. A stored completed status, completed_at
	// or certificate_url is never replaced.
	SaveCourseEnrollment(ctx context.Context, enrollment models.CourseEnrollment) error
	CohortEnrollment(ctx context.Context, cohortID, userID string) (models.CohortEnrollment, error)
	SaveCohortEnrollment(ctx context.Context, enrollment models.CohortEnrollment) error
}

type ProgressStore interface {
	LockModuleProgress(ctx context.Context, courseID, moduleID, userID string) (models.ModuleProgress, error)
	SaveModuleProgress(ctx context.Context, progress models.ModuleProgress) error
	// UnlockModule inserts an unlocked row unless one already exists.
	UnlockModule(ctx context.Context, progress models.ModuleProgress) error
	CountUnlockedModules(ctx context.Context, courseID, userID string) (int, error)
	CountModules(ctx context.Context, courseID string) (published int, total int, err error)
	CountDoneModules(ctx context.Context, courseID, userID string) (int, error)
	ProgressDrift(ctx context.Context, limit int) ([]models.ProgressDrift, error)
	AppendEvent(ctx context.Context, event models.LearningEvent) error
}

type AlertStore interface {
	// OpenAlertSince returns the newest open alert for dedupeKey created at or after since.
	OpenAlertSince(ctx context.Context, dedupeKey string, since time.Time) (models.OpsAlert, error)
	TouchAlert(ctx context.Context, id string, at time.Time) error
	InsertAlert(ctx context.Context, alert models.OpsAlert) error
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.OpsAlert, error)
	SetAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) error
}

type RoleStore interface {
	StoredRoles(ctx context.Context, userID string) ([]string, error)
	CourseStaffRoles(ctx context.Context, userID string) ([]string, error)
	OrgStaffRoles(ctx context.Context, userID string) ([]string, error)
}

// Ledger is the single relational store the engine coordinates through.
type Ledger interface {
	RegistrationStore
	CatalogStore
	EnrollmentStore
	ProgressStore
	AlertStore
	RoleStore

	// WithinTx runs fn in one transaction. Nested calls reuse the outer one.
	WithinTx(ctx context.Context, fn func(tx Ledger) error) error
	// LockKey takes a transaction-scoped lock on an arbitrary key.
	LockKey(ctx context.Context, key string) error
}
