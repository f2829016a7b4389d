package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"learnhub-backend-go/internal/models"

	"github.com/jmoiron/sqlx"
)

type sqlExecutor interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// PostgresLedger implements Ledger on top of sqlx with the pgx driver.
type PostgresLedger struct {
	db   *sqlx.DB
	exec sqlExecutor
	inTx bool
}

func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db, exec: db}
}

func (l *PostgresLedger) WithinTx(ctx context.Context, fn func(tx Ledger) error) error {
	if l.inTx {
		return fn(l)
	}
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return WrapError(err, "begin tx")
	}
	if err := fn(&PostgresLedger{db: l.db, exec: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return WrapError(tx.Commit(), "commit tx")
}

func (l *PostgresLedger) LockKey(ctx context.Context, key string) error {
	_, err := l.exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	return err
}

type registrationRow struct {
	models.Registration
	MetadataRaw []byte `db:"metadata"`
}

func (r registrationRow) toModel() models.Registration {
	reg := r.Registration
	if len(r.MetadataRaw) > 0 {
		_ = json.Unmarshal(r.MetadataRaw, &reg.Metadata)
	}
	return reg
}

const registrationColumns = `lead_id, name, email, phone, course_id, cohort_id, learner_id, payment_status,
       payment_ref, payment_provider, amount_minor, currency, paid_at, metadata, created_at, updated_at`

func (l *PostgresLedger) getRegistration(ctx context.Context, query string, args ...interface{}) (models.Registration, error) {
	var row registrationRow
	if err := l.exec.GetContext(ctx, &row, query, args...); err != nil {
		return models.Registration{}, notFound(err)
	}
	return row.toModel(), nil
}

func (l *PostgresLedger) RegistrationByLeadID(ctx context.Context, leadID string) (models.Registration, error) {
	return l.getRegistration(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE lead_id = $1`, leadID)
}

func (l *PostgresLedger) RegistrationByEmail(ctx context.Context, email string) (models.Registration, error) {
	return l.getRegistration(ctx, `
SELECT `+registrationColumns+`
FROM registrations
WHERE lower(email) = lower($1)
ORDER BY updated_at DESC
LIMIT 1
`, email)
}

func (l *PostgresLedger) RegistrationByOrderID(ctx context.Context, orderID string) (models.Registration, error) {
	return l.getRegistration(ctx, `
SELECT `+registrationColumns+`
FROM registrations
WHERE payment_ref = $1 OR metadata->>'gateway_order_id' = $1
ORDER BY updated_at DESC
LIMIT 1
`, orderID)
}

func (l *PostgresLedger) LockRegistration(ctx context.Context, leadID string) (models.Registration, error) {
	return l.getRegistration(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE lead_id = $1 FOR UPDATE`, leadID)
}

func (l *PostgresLedger) SaveRegistration(ctx context.Context, reg models.Registration) error {
	metadata, err := json.Marshal(reg.Metadata)
	if err != nil {
		return err
	}
	_, err = l.exec.ExecContext(ctx, `
INSERT INTO registrations (
  lead_id, name, email, phone, course_id, cohort_id, learner_id, payment_status,
  payment_ref, payment_provider, amount_minor, currency, paid_at, metadata, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (lead_id) DO UPDATE SET
  name = EXCLUDED.name,
  email = EXCLUDED.email,
  phone = EXCLUDED.phone,
  course_id = EXCLUDED.course_id,
  cohort_id = EXCLUDED.cohort_id,
  learner_id = EXCLUDED.learner_id,
  payment_status = EXCLUDED.payment_status,
  payment_ref = EXCLUDED.payment_ref,
  payment_provider = EXCLUDED.payment_provider,
  amount_minor = EXCLUDED.amount_minor,
  currency = EXCLUDED.currency,
  paid_at = EXCLUDED.paid_at,
  metadata = EXCLUDED.metadata,
  updated_at = EXCLUDED.updated_at
`, reg.LeadID, reg.Name, reg.Email, reg.Phone, reg.CourseID, reg.CohortID, reg.LearnerID, string(reg.PaymentStatus),
		reg.PaymentRef, reg.PaymentProvider, reg.AmountMinor, reg.Currency, reg.PaidAt, metadata, reg.CreatedAt, reg.UpdatedAt)
	return err
}

func (l *PostgresLedger) CourseByID(ctx context.Context, id string) (models.Course, error) {
	var course models.Course
	err := l.exec.GetContext(ctx, &course, `
SELECT id, slug, title, price_minor, currency, status, created_at, updated_at FROM courses WHERE id = $1`, id)
	return course, notFound(err)
}

func (l *PostgresLedger) CourseBySlug(ctx context.Context, slug string) (models.Course, error) {
	var course models.Course
	err := l.exec.GetContext(ctx, &course, `
SELECT id, slug, title, price_minor, currency, status, created_at, updated_at FROM courses WHERE slug = $1`, slug)
	return course, notFound(err)
}

func (l *PostgresLedger) CohortByID(ctx context.Context, id string) (models.Cohort, error) {
	var cohort models.Cohort
	err := l.exec.GetContext(ctx, &cohort, `
SELECT id, slug, course_id, title, status, created_at, updated_at FROM cohorts WHERE id = $1`, id)
	return cohort, notFound(err)
}

func (l *PostgresLedger) CohortBySlug(ctx context.Context, slug string) (models.Cohort, error) {
	var cohort models.Cohort
	err := l.exec.GetContext(ctx, &cohort, `
SELECT id, slug, course_id, title, status, created_at, updated_at FROM cohorts WHERE slug = $1`, slug)
	return cohort, notFound(err)
}

func (l *PostgresLedger) CohortsForCourse(ctx context.Context, courseID string) ([]models.Cohort, error) {
	cohorts := []models.Cohort{}
	err := l.exec.SelectContext(ctx, &cohorts, `
SELECT id, slug, course_id, title, status, created_at, updated_at
FROM cohorts
WHERE course_id = $1 AND status IN ('live','open','draft')
ORDER BY updated_at DESC
`, courseID)
	return cohorts, err
}

func (l *PostgresLedger) ModuleByID(ctx context.Context, id string) (models.Module, error) {
	var module models.Module
	err := l.exec.GetContext(ctx, &module, `
SELECT id, course_id, title, sort_order, published, created_at FROM modules WHERE id = $1`, id)
	return module, notFound(err)
}

func (l *PostgresLedger) ModulesForCourse(ctx context.Context, courseID string) ([]models.Module, error) {
	modules := []models.Module{}
	err := l.exec.SelectContext(ctx, &modules, `
SELECT id, course_id, title, sort_order, published, created_at
FROM modules
WHERE course_id = $1
ORDER BY published DESC, sort_order ASC, created_at ASC
`, courseID)
	return modules, err
}

func (l *PostgresLedger) UpsertLearner(ctx context.Context, learner models.Learner) error {
	_, err := l.exec.ExecContext(ctx, `
INSERT INTO learners (id, email, name, phone, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (id) DO UPDATE SET
  email = COALESCE(NULLIF(EXCLUDED.email, ''), learners.email),
  name = COALESCE(NULLIF(EXCLUDED.name, ''), learners.name),
  phone = COALESCE(NULLIF(EXCLUDED.phone, ''), learners.phone),
  updated_at = EXCLUDED.updated_at
`, learner.ID, learner.Email, learner.Name, learner.Phone, learner.UpdatedAt)
	return err
}

const courseEnrollmentColumns = `course_id, user_id, status, progress_pct, completed_at, certificate_url, source, created_at, updated_at`

func (l *PostgresLedger) EnsureCourseEnrollment(ctx context.Context, courseID, userID, source string, now time.Time) (models.CourseEnrollment, error) {
	var enrollment models.CourseEnrollment
	err := l.exec.GetContext(ctx, &enrollment, `
INSERT INTO course_enrollments (course_id, user_id, status, progress_pct, source, created_at, updated_at)
VALUES ($1,$2,'active',0,$3,$4,$4)
ON CONFLICT (course_id, user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING `+courseEnrollmentColumns, courseID, userID, source, now)
	return enrollment, err
}

func (l *PostgresLedger) EnsureCohortEnrollment(ctx context.Context, cohortID, courseID, userID string, now time.Time) (models.CohortEnrollment, error) {
	var enrollment models.CohortEnrollment
	err := l.exec.GetContext(ctx, &enrollment, `
INSERT INTO cohort_enrollments (cohort_id, course_id, user_id, status, progress_pct, completion_state, created_at, updated_at)
VALUES ($1,$2,$3,'active',0,'in_progress',$4,$4)
ON CONFLICT (cohort_id, user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
RETURNING cohort_id, course_id, user_id, status, progress_pct, completion_state, completed_by_staff,
          completed_at, certificate_url, created_at, updated_at
`, cohortID, courseID, userID, now)
	return enrollment, err
}

func (l *PostgresLedger) CourseEnrollment(ctx context.Context, courseID, userID string) (models.CourseEnrollment, error) {
	var enrollment models.CourseEnrollment
	err := l.exec.GetContext(ctx, &enrollment, `
SELECT `+courseEnrollmentColumns+` FROM course_enrollments WHERE course_id = $1 AND user_id = $2`, courseID, userID)
	return enrollment, notFound(err)
}

func (l *PostgresLedger) LockCourseEnrollment(ctx context.Context, courseID, userID string) (models.CourseEnrollment, error) {
	var enrollment models.CourseEnrollment
	err := l.exec.GetContext(ctx, &enrollment, `
SELECT `+courseEnrollmentColumns+` FROM course_enrollments WHERE course_id = $1 AND user_id = $2 FOR UPDATE`, courseID, userID)
	return enrollment, notFound(err)
}

func (l *PostgresLedger) SaveCourseEnrollment(ctx context.Context, e models.CourseEnrollment) error {
	_, err := l.exec.ExecContext(ctx, `
INSERT INTO course_enrollments (`+courseEnrollmentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (course_id, user_id) DO UPDATE SET
  status = CASE WHEN course_enrollments.status = 'completed' THEN 'completed' ELSE EXCLUDED.status END,
  progress_pct = EXCLUDED.progress_pct,
  completed_at = COALESCE(course_enrollments.completed_at, EXCLUDED.completed_at),
  certificate_url = COALESCE(NULLIF(course_enrollments.certificate_url, ''), EXCLUDED.certificate_url),
  updated_at = EXCLUDED.updated_at
`, e.CourseID, e.UserID, string(e.Status), e.ProgressPct, e.CompletedAt, e.CertificateURL, e.Source, e.CreatedAt, e.UpdatedAt)
	return err
}

func (l *PostgresLedger) CohortEnrollment(ctx context.Context, cohortID, userID string) (models.CohortEnrollment, error) {
	var enrollment models.CohortEnrollment
	err := l.exec.GetContext(ctx, &enrollment, `
SELECT cohort_id, course_id, user_id, status, progress_pct, completion_state, completed_by_staff,
       completed_at, certificate_url, created_at, updated_at
FROM cohort_enrollments
WHERE cohort_id = $1 AND user_id = $2
`, cohortID, userID)
	return enrollment, notFound(err)
}

func (l *PostgresLedger) SaveCohortEnrollment(ctx context.Context, e models.CohortEnrollment) error {
	_, err := l.exec.ExecContext(ctx, `
INSERT INTO cohort_enrollments (
  cohort_id, course_id, user_id, status, progress_pct, completion_state, completed_by_staff,
  completed_at, certificate_url, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (cohort_id, user_id) DO UPDATE SET
  status = CASE WHEN cohort_enrollments.status = 'completed' THEN 'completed' ELSE EXCLUDED.status END,
  progress_pct = EXCLUDED.progress_pct,
  completion_state = CASE WHEN cohort_enrollments.completion_state = 'completed' THEN 'completed' ELSE EXCLUDED.completion_state END,
  completed_by_staff = cohort_enrollments.completed_by_staff OR EXCLUDED.completed_by_staff,
  completed_at = COALESCE(cohort_enrollments.completed_at, EXCLUDED.completed_at),
  certificate_url = COALESCE(NULLIF(cohort_enrollments.certificate_url, ''), EXCLUDED.certificate_url),
  updated_at = EXCLUDED.updated_at
`, e.CohortID, e.CourseID, e.UserID, string(e.Status), e.ProgressPct, string(e.CompletionState), e.CompletedByStaff,
		e.CompletedAt, e.CertificateURL, e.CreatedAt, e.UpdatedAt)
	return err
}

const moduleProgressColumns = `course_id, module_id, user_id, cohort_id, status, score, attempt_count, artifact_url, notes, created_at, updated_at`

func (l *PostgresLedger) LockModuleProgress(ctx context.Context, courseID, moduleID, userID string) (models.ModuleProgress, error) {
	var progress models.ModuleProgress
	err := l.exec.GetContext(ctx, &progress, `
SELECT `+moduleProgressColumns+`
FROM module_progress
WHERE course_id = $1 AND module_id = $2 AND user_id = $3
FOR UPDATE
`, courseID, moduleID, userID)
	return progress, notFound(err)
}

func (l *PostgresLedger) SaveModuleProgress(ctx context.Context, p models.ModuleProgress) error {
	_, err := l.exec.ExecContext(ctx, `
INSERT INTO module_progress (`+moduleProgressColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (course_id, module_id, user_id) DO UPDATE SET
  cohort_id = EXCLUDED.cohort_id,
  status = EXCLUDED.status,
  score = EXCLUDED.score,
  attempt_count = EXCLUDED.attempt_count,
  artifact_url = EXCLUDED.artifact_url,
  notes = EXCLUDED.notes,
  updated_at = EXCLUDED.updated_at
`, p.CourseID, p.ModuleID, p.UserID, p.CohortID, string(p.Status), p.Score, p.AttemptCount, p.ArtifactURL, p.Notes, p.CreatedAt, p.UpdatedAt)
	return err
}

func (l *PostgresLedger) UnlockModule(ctx context.Context, p models.ModuleProgress) error {
	_, err := l.exec.ExecContext(ctx, `
INSERT INTO module_progress (course_id, module_id, user_id, cohort_id, status, attempt_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,'unlocked',0,$5,$5)
ON CONFLICT (course_id, module_id, user_id) DO NOTHING
`, p.CourseID, p.ModuleID, p.UserID, p.CohortID, p.UpdatedAt)
	return err
}

func (l *PostgresLedger) CountUnlockedModules(ctx context.Context, courseID, userID string) (int, error) {
	var count int
	err := l.exec.GetContext(ctx, &count, `
SELECT count(*) FROM module_progress WHERE course_id = $1 AND user_id = $2 AND status <> 'locked'`, courseID, userID)
	return count, err
}

func (l *PostgresLedger) CountModules(ctx context.Context, courseID string) (int, int, error) {
	row := struct {
		Published int `db:"published"`
		Total     int `db:"total"`
	}{}
	err := l.exec.GetContext(ctx, &row, `
SELECT count(*) FILTER (WHERE published) AS published, count(*) AS total
FROM modules
WHERE course_id = $1
`, courseID)
	return row.Published, row.Total, err
}

func (l *PostgresLedger) CountDoneModules(ctx context.Context, courseID, userID string) (int, error) {
	var count int
	err := l.exec.GetContext(ctx, &count, `
SELECT count(*) FROM module_progress
WHERE course_id = $1 AND user_id = $2 AND status IN ('completed','passed')
`, courseID, userID)
	return count, err
}

func (l *PostgresLedger) ProgressDrift(ctx context.Context, limit int) ([]models.ProgressDrift, error) {
	rows := []models.ProgressDrift{}
	err := l.exec.SelectContext(ctx, &rows, `
SELECT mp.course_id, mp.user_id, max(mp.cohort_id) AS cohort_id
FROM module_progress mp
JOIN course_enrollments ce ON ce.course_id = mp.course_id AND ce.user_id = mp.user_id
WHERE mp.status <> 'locked'
GROUP BY mp.course_id, mp.user_id, ce.updated_at
HAVING max(mp.updated_at) > ce.updated_at
LIMIT $1
`, limit)
	return rows, err
}

var eventTables = map[string]string{
	models.StreamLearning:   "learning_events",
	models.StreamAssessment: "assessment_events",
	models.StreamFunnel:     "funnel_events",
}

func (l *PostgresLedger) AppendEvent(ctx context.Context, ev models.LearningEvent) error {
	table, ok := eventTables[ev.Stream]
	if !ok {
		return errors.New("unknown event stream: " + ev.Stream)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = l.exec.ExecContext(ctx, `
INSERT INTO `+table+` (id, user_id, course_id, cohort_id, module_id, event_type, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, ev.ID, ev.UserID, ev.CourseID, ev.CohortID, ev.ModuleID, ev.EventType, payload, ev.CreatedAt)
	return err
}

type alertRow struct {
	models.OpsAlert
	DetailsRaw []byte `db:"details"`
}

func (r alertRow) toModel() models.OpsAlert {
	alert := r.OpsAlert
	if len(r.DetailsRaw) > 0 {
		_ = json.Unmarshal(r.DetailsRaw, &alert.Details)
	}
	return alert
}

const alertColumns = `id, source, severity, event_type, message, details, dedupe_key, status, created_at, updated_at`

func (l *PostgresLedger) OpenAlertSince(ctx context.Context, dedupeKey string, since time.Time) (models.OpsAlert, error) {
	var row alertRow
	err := l.exec.GetContext(ctx, &row, `
SELECT `+alertColumns+`
FROM ops_alerts
WHERE dedupe_key = $1 AND status = 'open' AND created_at >= $2
ORDER BY created_at DESC
LIMIT 1
`, dedupeKey, since)
	if err != nil {
		return models.OpsAlert{}, notFound(err)
	}
	return row.toModel(), nil
}

func (l *PostgresLedger) TouchAlert(ctx context.Context, id string, at time.Time) error {
	_, err := l.exec.ExecContext(ctx, `UPDATE ops_alerts SET updated_at = $2 WHERE id = $1`, id, at)
	return err
}

func (l *PostgresLedger) InsertAlert(ctx context.Context, alert models.OpsAlert) error {
	details, err := json.Marshal(alert.Details)
	if err != nil {
		return err
	}
	_, err = l.exec.ExecContext(ctx, `
INSERT INTO ops_alerts (`+alertColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, alert.ID, alert.Source, string(alert.Severity), alert.EventType, alert.Message, details, alert.DedupeKey,
		string(alert.Status), alert.CreatedAt, alert.UpdatedAt)
	return err
}

func (l *PostgresLedger) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.OpsAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM ops_alerts `
	args := []interface{}{}
	if status != "" {
		query += "WHERE status = $1 ORDER BY updated_at DESC LIMIT $2"
		args = append(args, string(status), limit)
	} else {
		query += "ORDER BY updated_at DESC LIMIT $1"
		args = append(args, limit)
	}
	rows := []alertRow{}
	if err := l.exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	items := make([]models.OpsAlert, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toModel())
	}
	return items, nil
}

func (l *PostgresLedger) SetAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) error {
	res, err := l.exec.ExecContext(ctx, `UPDATE ops_alerts SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (l *PostgresLedger) selectRoles(ctx context.Context, query, userID string) ([]string, error) {
	roles := []string{}
	if err := l.exec.SelectContext(ctx, &roles, query, userID); err != nil {
		return nil, err
	}
	for i := range roles {
		roles[i] = strings.ToLower(strings.TrimSpace(roles[i]))
	}
	return roles, nil
}

func (l *PostgresLedger) StoredRoles(ctx context.Context, userID string) ([]string, error) {
	return l.selectRoles(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
}

func (l *PostgresLedger) CourseStaffRoles(ctx context.Context, userID string) ([]string, error) {
	return l.selectRoles(ctx, `SELECT DISTINCT role FROM course_staff WHERE user_id = $1`, userID)
}

func (l *PostgresLedger) OrgStaffRoles(ctx context.Context, userID string) ([]string, error) {
	return l.selectRoles(ctx, `SELECT DISTINCT role FROM org_staff WHERE user_id = $1`, userID)
}
