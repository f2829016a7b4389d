package services

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/google/uuid"
)

type ProgressUpdate struct {
	CourseID    string
	ModuleID    string
	UserID      string
	CohortID    string
	Status      models.ModuleStatus
	Score       *float64
	ArtifactURL string
	Notes       string
}

type ProgressResult struct {
	CourseID         string                  `json:"course_id"`
	CohortID         string                  `json:"cohort_id,omitempty"`
	ModuleID         string                  `json:"module_id"`
	UserID           string                  `json:"user_id"`
	Status           models.ModuleStatus     `json:"status"`
	Score            *float64                `json:"score"`
	ProgressPct      float64                 `json:"progress_pct"`
	EnrollmentStatus models.EnrollmentStatus `json:"enrollment_status"`
	CertificateURL   string                  `json:"certificate_url"`
}

type EnrollmentOutcome struct {
	CourseID        string                  `json:"course_id"`
	UserID          string                  `json:"user_id"`
	CohortID        string                  `json:"cohort_id,omitempty"`
	Status          models.EnrollmentStatus `json:"status"`
	ProgressPct     float64                 `json:"progress_pct"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	CertificateURL  string                  `json:"certificate_url"`
	FirstCompletion bool                    `json:"-"`
}

// ProgressPct is done/total as a percentage rounded to two decimals.
func ProgressPct(done, total int) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	pct := float64(done) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return math.Round(pct*100) / 100
}

// Cascade derives course and cohort enrollment state from module progress.
type Cascade struct {
	Ledger       Ledger
	Certificates *CertificateIssuer
	Alerts       *AlertRecorder
	Now          func() time.Time
}

func (c *Cascade) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return utcNow()
}

func (c *Cascade) UpdateModuleProgress(ctx context.Context, actor Actor, in ProgressUpdate) (ProgressResult, error) {
	in.CourseID = strings.TrimSpace(in.CourseID)
	in.ModuleID = strings.TrimSpace(in.ModuleID)
	in.UserID = strings.TrimSpace(in.UserID)
	in.CohortID = strings.TrimSpace(in.CohortID)
	if in.CourseID == "" || in.ModuleID == "" || in.UserID == "" {
		return ProgressResult{}, ErrBadRequest("Course, module and user are required")
	}
	if !CanActFor(actor, in.UserID) {
		return ProgressResult{}, ErrForbidden("Not allowed to update this learner's progress")
	}
	if !in.Status.Valid() {
		return ProgressResult{}, ErrBadRequest("Invalid module status")
	}
	module, err := c.Ledger.ModuleByID(ctx, in.ModuleID)
	if errors.Is(err, ErrRecordNotFound) || (err == nil && module.CourseID != in.CourseID) {
		return ProgressResult{}, ErrBadRequest("Module does not belong to course")
	}
	if err != nil {
		return ProgressResult{}, WrapError(err, "load module")
	}
	if err := c.checkCohort(ctx, in.CourseID, in.CohortID); err != nil {
		return ProgressResult{}, err
	}

	now := c.now()
	var row models.ModuleProgress
	var outcome EnrollmentOutcome
	err = c.Ledger.WithinTx(ctx, func(tx Ledger) error {
		// Enrollments come from payment activation or admin enrollment only.
		if _, err := tx.LockCourseEnrollment(ctx, in.CourseID, in.UserID); err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return ErrForbidden("Learner is not enrolled in this course")
			}
			return WrapError(err, "lock course enrollment")
		}
		existing, err := tx.LockModuleProgress(ctx, in.CourseID, in.ModuleID, in.UserID)
		switch {
		case err == nil:
			row = existing
		case errors.Is(err, ErrRecordNotFound):
			row = models.ModuleProgress{CourseID: in.CourseID, ModuleID: in.ModuleID, UserID: in.UserID, CreatedAt: now}
		default:
			return WrapError(err, "lock module progress")
		}
		row.Status = in.Status
		if in.Score != nil {
			score := *in.Score
			row.Score = &score
		}
		setIf(&row.CohortID, in.CohortID)
		setIf(&row.ArtifactURL, in.ArtifactURL)
		setIf(&row.Notes, in.Notes)
		if in.Status == models.ModuleSubmitted {
			row.AttemptCount++
		}
		row.UpdatedAt = now
		if err := tx.SaveModuleProgress(ctx, row); err != nil {
			return WrapError(err, "save module progress")
		}
		outcome, err = c.recompute(ctx, tx, in.CourseID, in.UserID, in.CohortID, now, false)
		return err
	})
	if err != nil {
		c.reportFailure(ctx, in.CourseID, in.UserID, err)
		return ProgressResult{}, err
	}

	c.appendEvent(ctx, models.LearningEvent{
		Stream:    models.StreamLearning,
		UserID:    in.UserID,
		CourseID:  in.CourseID,
		CohortID:  in.CohortID,
		ModuleID:  in.ModuleID,
		EventType: "module_" + string(in.Status),
		Payload: map[string]interface{}{
			"status":        string(row.Status),
			"score":         row.Score,
			"attempt_count": row.AttemptCount,
			"progress_pct":  outcome.ProgressPct,
			"actor_id":      actor.UserID,
		},
		CreatedAt: now,
	})
	c.afterCompletion(ctx, outcome, now)

	return ProgressResult{
		CourseID:         in.CourseID,
		CohortID:         in.CohortID,
		ModuleID:         in.ModuleID,
		UserID:           in.UserID,
		Status:           row.Status,
		Score:            row.Score,
		ProgressPct:      outcome.ProgressPct,
		EnrollmentStatus: outcome.Status,
		CertificateURL:   outcome.CertificateURL,
	}, nil
}

// CompleteEnrollment marks the enrollment completed regardless of progress,
// creating it when the learner was never enrolled.
func (c *Cascade) CompleteEnrollment(ctx context.Context, courseID, userID, cohortID string) (EnrollmentOutcome, error) {
	return c.run(ctx, courseID, userID, cohortID, true)
}

// RecomputeEnrollment re-derives enrollment state without touching module rows.
func (c *Cascade) RecomputeEnrollment(ctx context.Context, courseID, userID, cohortID string) (EnrollmentOutcome, error) {
	return c.run(ctx, courseID, userID, cohortID, false)
}

func (c *Cascade) run(ctx context.Context, courseID, userID, cohortID string, force bool) (EnrollmentOutcome, error) {
	courseID, userID, cohortID = strings.TrimSpace(courseID), strings.TrimSpace(userID), strings.TrimSpace(cohortID)
	if courseID == "" || userID == "" {
		return EnrollmentOutcome{}, ErrBadRequest("Course and user are required")
	}
	if _, err := c.Ledger.CourseByID(ctx, courseID); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return EnrollmentOutcome{}, ErrNotFound("Course not found")
		}
		return EnrollmentOutcome{}, err
	}
	if err := c.checkCohort(ctx, courseID, cohortID); err != nil {
		return EnrollmentOutcome{}, err
	}
	now := c.now()
	var outcome EnrollmentOutcome
	err := c.Ledger.WithinTx(ctx, func(tx Ledger) error {
		var err error
		outcome, err = c.recompute(ctx, tx, courseID, userID, cohortID, now, force)
		return err
	})
	if err != nil {
		c.reportFailure(ctx, courseID, userID, err)
		return EnrollmentOutcome{}, err
	}
	c.afterCompletion(ctx, outcome, now)
	return outcome, nil
}

// MarkCohortComplete records a staff override of cohort completion.
func (c *Cascade) MarkCohortComplete(ctx context.Context, cohortID, userID string) (models.CohortEnrollment, error) {
	cohort, err := c.Ledger.CohortByID(ctx, strings.TrimSpace(cohortID))
	if errors.Is(err, ErrRecordNotFound) {
		return models.CohortEnrollment{}, ErrNotFound("Cohort not found")
	}
	if err != nil {
		return models.CohortEnrollment{}, err
	}
	now := c.now()
	var enrollment models.CohortEnrollment
	err = c.Ledger.WithinTx(ctx, func(tx Ledger) error {
		var err error
		enrollment, err = tx.CohortEnrollment(ctx, cohort.ID, userID)
		if errors.Is(err, ErrRecordNotFound) {
			return ErrNotFound("Cohort enrollment not found")
		}
		if err != nil {
			return err
		}
		enrollment.CompletedByStaff = true
		enrollment.CompletionState = models.CompletionCompleted
		if enrollment.CompletedAt == nil {
			enrollment.CompletedAt = &now
		}
		if course, err := tx.CourseEnrollment(ctx, cohort.CourseID, userID); err == nil {
			setIf(&enrollment.CertificateURL, course.CertificateURL)
		}
		enrollment.UpdatedAt = now
		return tx.SaveCohortEnrollment(ctx, enrollment)
	})
	if err != nil {
		return models.CohortEnrollment{}, err
	}
	c.appendEvent(ctx, models.LearningEvent{
		Stream:    models.StreamAssessment,
		UserID:    userID,
		CourseID:  cohort.CourseID,
		CohortID:  cohort.ID,
		EventType: "cohort_completed_by_staff",
		CreatedAt: now,
	})
	return enrollment, nil
}

// RepairDrift recomputes enrollments whose module progress moved after the
// enrollment was last written. It returns the number repaired.
func (c *Cascade) RepairDrift(ctx context.Context, limit int) (int, error) {
	drift, err := c.Ledger.ProgressDrift(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, d := range drift {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		if _, err := c.RecomputeEnrollment(ctx, d.CourseID, d.UserID, d.CohortID); err != nil {
			log.Printf("[progress] repair %s/%s failed: %v", d.CourseID, d.UserID, err)
			continue
		}
		repaired++
	}
	return repaired, nil
}

func (c *Cascade) checkCohort(ctx context.Context, courseID, cohortID string) error {
	if cohortID == "" {
		return nil
	}
	cohort, err := c.Ledger.CohortByID(ctx, cohortID)
	if errors.Is(err, ErrRecordNotFound) || (err == nil && cohort.CourseID != courseID) {
		return ErrBadRequest("Cohort does not belong to course")
	}
	return err
}

func (c *Cascade) recompute(ctx context.Context, tx Ledger, courseID, userID, cohortID string, now time.Time, force bool) (EnrollmentOutcome, error) {
	enrollment, err := tx.LockCourseEnrollment(ctx, courseID, userID)
	switch {
	case errors.Is(err, ErrRecordNotFound) && force:
		enrollment = models.CourseEnrollment{
			CourseID: courseID, UserID: userID, Status: models.EnrollmentActive, Source: "admin", CreatedAt: now,
		}
	case errors.Is(err, ErrRecordNotFound):
		return EnrollmentOutcome{}, ErrNotFound("Course enrollment not found")
	case err != nil:
		return EnrollmentOutcome{}, WrapError(err, "lock course enrollment")
	}

	published, total, err := tx.CountModules(ctx, courseID)
	if err != nil {
		return EnrollmentOutcome{}, WrapError(err, "count modules")
	}
	denominator := published
	if denominator == 0 {
		denominator = total
	}
	done, err := tx.CountDoneModules(ctx, courseID, userID)
	if err != nil {
		return EnrollmentOutcome{}, WrapError(err, "count done modules")
	}
	pct := ProgressPct(done, denominator)

	wasCompleted := enrollment.Status == models.EnrollmentCompleted
	status := models.EnrollmentActive
	if wasCompleted || force || pct >= 100 {
		status = models.EnrollmentCompleted
	}
	if status == models.EnrollmentCompleted && enrollment.CompletedAt == nil {
		completedAt := now
		enrollment.CompletedAt = &completedAt
	}
	if status == models.EnrollmentCompleted && enrollment.CertificateURL == "" && c.Certificates != nil {
		_, url, err := c.Certificates.Issue(courseID, userID, *enrollment.CompletedAt)
		if err != nil {
			return EnrollmentOutcome{}, WrapError(err, "issue certificate")
		}
		enrollment.CertificateURL = url
	}
	enrollment.Status = status
	enrollment.ProgressPct = pct
	enrollment.UpdatedAt = now
	if err := tx.SaveCourseEnrollment(ctx, enrollment); err != nil {
		return EnrollmentOutcome{}, WrapError(err, "save course enrollment")
	}

	if cohortID != "" {
		if err := mirrorCohort(ctx, tx, cohortID, enrollment, now); err != nil {
			return EnrollmentOutcome{}, err
		}
	}
	return EnrollmentOutcome{
		CourseID:        courseID,
		UserID:          userID,
		CohortID:        cohortID,
		Status:          status,
		ProgressPct:     pct,
		CompletedAt:     enrollment.CompletedAt,
		CertificateURL:  enrollment.CertificateURL,
		FirstCompletion: status == models.EnrollmentCompleted && !wasCompleted,
	}, nil
}

func mirrorCohort(ctx context.Context, tx Ledger, cohortID string, course models.CourseEnrollment, now time.Time) error {
	cohort, err := tx.CohortEnrollment(ctx, cohortID, course.UserID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		cohort = models.CohortEnrollment{
			CohortID:        cohortID,
			CourseID:        course.CourseID,
			UserID:          course.UserID,
			Status:          models.EnrollmentActive,
			CompletionState: models.CompletionInProgress,
			CreatedAt:       now,
		}
	case err != nil:
		return WrapError(err, "load cohort enrollment")
	}
	cohort.ProgressPct = course.ProgressPct
	if course.Status == models.EnrollmentCompleted {
		cohort.Status = models.EnrollmentCompleted
		cohort.CompletionState = models.CompletionCompleted
	}
	if cohort.CompletionState == models.CompletionCompleted && cohort.CompletedAt == nil {
		completedAt := now
		cohort.CompletedAt = &completedAt
	}
	setIf(&cohort.CertificateURL, course.CertificateURL)
	cohort.UpdatedAt = now
	if err := tx.SaveCohortEnrollment(ctx, cohort); err != nil {
		return WrapError(err, "save cohort enrollment")
	}
	return nil
}

func (c *Cascade) afterCompletion(ctx context.Context, outcome EnrollmentOutcome, now time.Time) {
	if !outcome.FirstCompletion {
		return
	}
	c.appendEvent(ctx, models.LearningEvent{
		Stream:    models.StreamAssessment,
		UserID:    outcome.UserID,
		CourseID:  outcome.CourseID,
		CohortID:  outcome.CohortID,
		EventType: "certificate_issued",
		Payload: map[string]interface{}{
			"certificate_url": outcome.CertificateURL,
			"progress_pct":    outcome.ProgressPct,
		},
		CreatedAt: now,
	})
}

func (c *Cascade) appendEvent(ctx context.Context, ev models.LearningEvent) {
	ev.ID = uuid.NewString()
	if err := c.Ledger.AppendEvent(ctx, ev); err != nil {
		log.Printf("[progress] %s event %s failed: %v", ev.Stream, ev.EventType, err)
		c.Alerts.Report(ctx, AlertInput{
			Source: "progress", Severity: models.SeverityWarning, EventType: "event_write_failed",
			Message:   "Progress event write failed",
			Details:   models.AlertDetails{CourseID: ev.CourseID, UserID: ev.UserID, Error: err.Error()},
			DedupeKey: "event:" + ev.Stream + ":" + ev.UserID,
		})
	}
}

func (c *Cascade) reportFailure(ctx context.Context, courseID, userID string, err error) {
	if _, ok := AsServiceError(err); ok {
		return
	}
	c.Alerts.Report(ctx, AlertInput{
		Source: "progress", Severity: models.SeverityError, EventType: "cascade_failed",
		Message:   "Progress cascade failed",
		Details:   models.AlertDetails{CourseID: courseID, UserID: userID, Error: err.Error()},
		DedupeKey: "cascade:" + courseID + ":" + userID,
	})
}
