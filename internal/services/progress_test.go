package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressPct(t *testing.T) {
	cases := []struct {
		done, total int
		want        float64
	}{
		{0, 2, 0},
		{1, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{3, 3, 100},
		{4, 3, 100},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, services.ProgressPct(tc.done, tc.total), "%d/%d", tc.done, tc.total)
	}
}

func TestUpdateModuleProgressCompletesCourse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")

	half := f.complete(t, learnerID, "mod-1")
	assert.Equal(t, 50.0, half.ProgressPct)
	assert.Equal(t, models.EnrollmentActive, half.EnrollmentStatus)
	assert.Empty(t, half.CertificateURL)

	cohort, err := f.ledger.CohortEnrollment(ctx, "cohort-live", learnerID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, cohort.ProgressPct)

	f.advance(time.Minute)
	done := f.complete(t, learnerID, "mod-2")
	assert.Equal(t, 100.0, done.ProgressPct)
	assert.Equal(t, models.EnrollmentCompleted, done.EnrollmentStatus)
	assert.True(t, strings.HasPrefix(done.CertificateURL, "https://learn.example.com/certificates/files/course-go-"))
	assert.True(t, strings.HasSuffix(done.CertificateURL, "/2026-03-14/certificate.svg"))

	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-go", learnerID)
	require.NoError(t, err)
	require.NotNil(t, enrollment.CompletedAt)
	assert.True(t, enrollment.CompletedAt.Equal(fixedNow.Add(time.Minute)))

	cohort, err = f.ledger.CohortEnrollment(ctx, "cohort-live", learnerID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletionCompleted, cohort.CompletionState)
	assert.Equal(t, models.EnrollmentCompleted, cohort.Status)
	assert.Equal(t, done.CertificateURL, cohort.CertificateURL)
	assert.False(t, cohort.CompletedByStaff)

	assert.Len(t, f.ledger.Events(models.StreamLearning), 2)
	issued := f.ledger.Events(models.StreamAssessment)
	require.Len(t, issued, 1)
	assert.Equal(t, "certificate_issued", issued[0].EventType)

	verification, err := f.certs.Verify(ctx, "course-go", learnerID)
	require.NoError(t, err)
	assert.True(t, verification.Valid)
}

func TestUpdateModuleProgressCompletionIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")
	f.complete(t, learnerID, "mod-1")
	done := f.complete(t, learnerID, "mod-2")

	f.advance(24 * time.Hour)
	res, err := f.cascade.UpdateModuleProgress(ctx, learnerActor(learnerID), services.ProgressUpdate{
		CourseID: "course-go", ModuleID: "mod-2", UserID: learnerID, Status: models.ModuleInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.ProgressPct)
	assert.Equal(t, models.EnrollmentCompleted, res.EnrollmentStatus)
	assert.Equal(t, done.CertificateURL, res.CertificateURL)

	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-go", learnerID)
	require.NoError(t, err)
	assert.True(t, enrollment.CompletedAt.Equal(fixedNow))
	assert.Len(t, f.ledger.Events(models.StreamAssessment), 1)
}

func TestUpdateModuleProgressCountsSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "course-go", "user-1")
	score := 72.5
	update := services.ProgressUpdate{
		CourseID: "course-go", ModuleID: "mod-1", UserID: "user-1", Status: models.ModuleSubmitted,
		Score: &score, ArtifactURL: "https://example.com/repo",
	}
	for i := 0; i < 2; i++ {
		_, err := f.cascade.UpdateModuleProgress(ctx, learnerActor("user-1"), update)
		require.NoError(t, err)
	}
	update.Status = models.ModulePassed
	update.Score = nil
	update.ArtifactURL = ""
	res, err := f.cascade.UpdateModuleProgress(ctx, learnerActor("user-1"), update)
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.Equal(t, 72.5, *res.Score)

	row, ok := f.ledger.Progress("course-go", "mod-1", "user-1")
	require.True(t, ok)
	assert.Equal(t, 2, row.AttemptCount)
	assert.Equal(t, "https://example.com/repo", row.ArtifactURL)

	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-go", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "admin", enrollment.Source)
	assert.Equal(t, 50.0, enrollment.ProgressPct)
}

func TestUpdateModuleProgressRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")
	base := services.ProgressUpdate{CourseID: "course-go", ModuleID: "mod-1", UserID: learnerID, Status: models.ModuleCompleted}

	_, err := f.cascade.UpdateModuleProgress(ctx, learnerActor("intruder"), base)
	requireStatus(t, err, 403)

	foreign := base
	foreign.ModuleID = "sql-1"
	_, err = f.cascade.UpdateModuleProgress(ctx, learnerActor(learnerID), foreign)
	requireStatus(t, err, 400)

	wrongCohort := base
	wrongCohort.CohortID = "cohort-sql"
	_, err = f.cascade.UpdateModuleProgress(ctx, learnerActor(learnerID), wrongCohort)
	requireStatus(t, err, 400)

	badStatus := base
	badStatus.Status = "archived"
	_, err = f.cascade.UpdateModuleProgress(ctx, learnerActor(learnerID), badStatus)
	requireStatus(t, err, 400)

	missing := base
	missing.ModuleID = ""
	_, err = f.cascade.UpdateModuleProgress(ctx, learnerActor(learnerID), missing)
	requireStatus(t, err, 400)

	teacher := services.Actor{UserID: "teacher-1", Roles: map[string]bool{services.RoleTeacher: true}}
	_, err = f.cascade.UpdateModuleProgress(ctx, teacher, base)
	assert.NoError(t, err)

	alerts, err := f.alerts.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestUpdateModuleProgressRequiresEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "lead-1", "asha@example.com")

	_, err := f.cascade.UpdateModuleProgress(ctx, learnerActor("stranger"), services.ProgressUpdate{
		CourseID: "course-sql", ModuleID: "sql-1", UserID: "stranger", Status: models.ModuleCompleted,
	})
	requireStatus(t, err, 403)

	_, ok := f.ledger.Progress("course-sql", "sql-1", "stranger")
	assert.False(t, ok)
	_, err = f.ledger.CourseEnrollment(ctx, "course-sql", "stranger")
	assert.ErrorIs(t, err, services.ErrRecordNotFound)
	res, err := f.certs.Verify(ctx, "course-sql", "stranger")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "not_completed", res.Reason)
	assert.Empty(t, f.ledger.Events(models.StreamLearning))

	_, err = f.cascade.RecomputeEnrollment(ctx, "course-sql", "stranger", "")
	requireStatus(t, err, 404)

	alerts, err := f.alerts.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	outcome, err := f.cascade.CompleteEnrollment(ctx, "course-sql", "stranger", "")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, outcome.Status)
	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-sql", "stranger")
	require.NoError(t, err)
	assert.Equal(t, "admin", enrollment.Source)
}

func TestUpdateModuleProgressEventFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "course-go", "user-1")
	f.ledger.FailEvents(errors.New("disk full"))

	res, err := f.cascade.UpdateModuleProgress(ctx, learnerActor("user-1"), services.ProgressUpdate{
		CourseID: "course-go", ModuleID: "mod-1", UserID: "user-1", Status: models.ModuleCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.ProgressPct)

	alerts, err := f.alerts.List(ctx, models.AlertOpen, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "event_write_failed", alerts[0].EventType)
	assert.Equal(t, models.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "disk full", alerts[0].Details.Error)
}

func TestCertificateFailureRollsBackProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0o644))
	certs, err := services.NewCertificateIssuer(services.CertificateConfig{Root: blocked, Secret: "cert-secret"}, f.ledger)
	require.NoError(t, err)
	f.cascade.Certificates = certs

	learnerID := f.activate(t, "lead-1", "asha@example.com")
	f.complete(t, learnerID, "mod-1")

	_, err = f.cascade.UpdateModuleProgress(ctx, learnerActor(learnerID), services.ProgressUpdate{
		CourseID: "course-go", ModuleID: "mod-2", UserID: learnerID, Status: models.ModuleCompleted,
	})
	require.Error(t, err)
	_, isServiceErr := services.AsServiceError(err)
	assert.False(t, isServiceErr)

	_, ok := f.ledger.Progress("course-go", "mod-2", learnerID)
	assert.False(t, ok)
	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-go", learnerID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
	assert.Equal(t, 50.0, enrollment.ProgressPct)

	alerts, err := f.alerts.List(ctx, models.AlertOpen, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "cascade_failed", alerts[0].EventType)
	assert.Equal(t, models.SeverityError, alerts[0].Severity)
}

func TestCompleteEnrollmentForcesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")

	outcome, err := f.cascade.CompleteEnrollment(ctx, "course-go", learnerID, "cohort-live")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, outcome.Status)
	assert.Equal(t, 0.0, outcome.ProgressPct)
	assert.NotEmpty(t, outcome.CertificateURL)

	again, err := f.cascade.CompleteEnrollment(ctx, "course-go", learnerID, "cohort-live")
	require.NoError(t, err)
	assert.Equal(t, outcome.CertificateURL, again.CertificateURL)
	assert.Len(t, f.ledger.Events(models.StreamAssessment), 1)

	_, err = f.cascade.RecomputeEnrollment(ctx, "course-missing", learnerID, "")
	requireStatus(t, err, 404)
	_, err = f.cascade.RecomputeEnrollment(ctx, "course-go", "", "")
	requireStatus(t, err, 400)
}

func TestRepairDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")
	f.complete(t, learnerID, "mod-1")

	repaired, err := f.cascade.RepairDrift(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, repaired)

	f.ledger.PutModuleProgress(models.ModuleProgress{
		CourseID: "course-go", ModuleID: "mod-2", UserID: learnerID, CohortID: "cohort-live",
		Status: models.ModuleCompleted, CreatedAt: fixedNow, UpdatedAt: fixedNow.Add(time.Minute),
	})
	f.ledger.PutModuleProgress(models.ModuleProgress{
		CourseID: "course-go", ModuleID: "mod-1", UserID: "never-enrolled",
		Status: models.ModuleCompleted, CreatedAt: fixedNow, UpdatedAt: fixedNow.Add(time.Minute),
	})
	f.advance(2 * time.Minute)

	repaired, err = f.cascade.RepairDrift(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	_, err = f.ledger.CourseEnrollment(ctx, "course-go", "never-enrolled")
	assert.ErrorIs(t, err, services.ErrRecordNotFound)

	enrollment, err := f.ledger.CourseEnrollment(ctx, "course-go", learnerID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.Equal(t, 100.0, enrollment.ProgressPct)
	cohort, err := f.ledger.CohortEnrollment(ctx, "cohort-live", learnerID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletionCompleted, cohort.CompletionState)

	repaired, err = f.cascade.RepairDrift(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestMarkCohortComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	learnerID := f.activate(t, "lead-1", "asha@example.com")

	enrollment, err := f.cascade.MarkCohortComplete(ctx, "cohort-live", learnerID)
	require.NoError(t, err)
	assert.True(t, enrollment.CompletedByStaff)
	assert.Equal(t, models.CompletionCompleted, enrollment.CompletionState)
	require.NotNil(t, enrollment.CompletedAt)

	course, err := f.ledger.CourseEnrollment(ctx, "course-go", learnerID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, course.Status)

	events := f.ledger.Events(models.StreamAssessment)
	require.Len(t, events, 1)
	assert.Equal(t, "cohort_completed_by_staff", events[0].EventType)

	f.complete(t, learnerID, "mod-1")
	stored, err := f.ledger.CohortEnrollment(ctx, "cohort-live", learnerID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletionCompleted, stored.CompletionState)
	assert.True(t, stored.CompletedByStaff)

	_, err = f.cascade.MarkCohortComplete(ctx, "cohort-missing", learnerID)
	requireStatus(t, err, 404)
	_, err = f.cascade.MarkCohortComplete(ctx, "cohort-open", learnerID)
	requireStatus(t, err, 404)
}
