// Package servicetest provides an in-memory services.Ledger for tests.
package servicetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"learnhub-backend-go/internal/models"
	"learnhub-backend-go/internal/services"
)

type pairKey struct{ a, b string }

type progressKey struct{ course, module, user string }

type state struct {
	registrations     map[string]models.Registration
	courses           map[string]models.Course
	cohorts           map[string]models.Cohort
	modules           map[string]models.Module
	learners          map[string]models.Learner
	courseEnrollments map[pairKey]models.CourseEnrollment
	cohortEnrollments map[pairKey]models.CohortEnrollment
	progress          map[progressKey]models.ModuleProgress
	events            []models.LearningEvent
	alerts            map[string]models.OpsAlert
	userRoles         map[string][]string
	courseStaff       map[string][]string
	orgStaff          map[string][]string
	eventErr          error
}

func newState() *state {
	return &state{
		registrations:     map[string]models.Registration{},
		courses:           map[string]models.Course{},
		cohorts:           map[string]models.Cohort{},
		modules:           map[string]models.Module{},
		learners:          map[string]models.Learner{},
		courseEnrollments: map[pairKey]models.CourseEnrollment{},
		cohortEnrollments: map[pairKey]models.CohortEnrollment{},
		progress:          map[progressKey]models.ModuleProgress{},
		alerts:            map[string]models.OpsAlert{},
		userRoles:         map[string][]string{},
		courseStaff:       map[string][]string{},
		orgStaff:          map[string][]string{},
	}
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s *state) clone() *state {
	return &state{
		registrations:     copyMap(s.registrations),
		courses:           copyMap(s.courses),
		cohorts:           copyMap(s.cohorts),
		modules:           copyMap(s.modules),
		learners:          copyMap(s.learners),
		courseEnrollments: copyMap(s.courseEnrollments),
		cohortEnrollments: copyMap(s.cohortEnrollments),
		progress:          copyMap(s.progress),
		events:            append([]models.LearningEvent(nil), s.events...),
		alerts:            copyMap(s.alerts),
		userRoles:         copyMap(s.userRoles),
		courseStaff:       copyMap(s.courseStaff),
		orgStaff:          copyMap(s.orgStaff),
		eventErr:          s.eventErr,
	}
}

// Memory is a services.Ledger backed by maps. Transactions are serialised and
// roll back by restoring a snapshot.
type Memory struct {
	mu   *sync.Mutex
	txMu *sync.Mutex
	st   *state
	inTx bool
}

var _ services.Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{mu: &sync.Mutex{}, txMu: &sync.Mutex{}, st: newState()}
}

func (m *Memory) WithinTx(ctx context.Context, fn func(tx services.Ledger) error) error {
	if m.inTx {
		return fn(m)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	snapshot := m.st.clone()
	m.mu.Unlock()
	if err := fn(&Memory{mu: m.mu, txMu: m.txMu, st: m.st, inTx: true}); err != nil {
		m.mu.Lock()
		*m.st = *snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) LockKey(ctx context.Context, key string) error {
	return nil
}

// Seeding and inspection helpers.

func (m *Memory) AddCourse(c models.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.courses[c.ID] = c
}

func (m *Memory) AddCohort(c models.Cohort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.cohorts[c.ID] = c
}

func (m *Memory) AddModule(mod models.Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.modules[mod.ID] = mod
}

func (m *Memory) AddUserRole(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.userRoles[userID] = append(m.st.userRoles[userID], role)
}

func (m *Memory) AddCourseStaff(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.courseStaff[userID] = append(m.st.courseStaff[userID], role)
}

func (m *Memory) AddOrgStaff(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.orgStaff[userID] = append(m.st.orgStaff[userID], role)
}

// FailEvents makes AppendEvent return err until called again with nil.
func (m *Memory) FailEvents(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.eventErr = err
}

func (m *Memory) Events(stream string) []models.LearningEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.LearningEvent{}
	for _, ev := range m.st.events {
		if stream == "" || ev.Stream == stream {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Memory) CourseEnrollments() []models.CourseEnrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CourseEnrollment, 0, len(m.st.courseEnrollments))
	for _, e := range m.st.courseEnrollments {
		out = append(out, e)
	}
	return out
}

func (m *Memory) Progress(courseID, moduleID, userID string) (models.ModuleProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.progress[progressKey{courseID, moduleID, userID}]
	return p, ok
}

func (m *Memory) Learner(id string) (models.Learner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.st.learners[id]
	return l, ok
}

// SetProgressUpdatedAt rewinds or advances a module row to simulate drift.
func (m *Memory) SetProgressUpdatedAt(courseID, moduleID, userID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{courseID, moduleID, userID}
	p := m.st.progress[key]
	p.UpdatedAt = at
	m.st.progress[key] = p
}

// PutModuleProgress writes a module row directly, bypassing the cascade.
func (m *Memory) PutModuleProgress(p models.ModuleProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.progress[progressKey{p.CourseID, p.ModuleID, p.UserID}] = p
}

// RegistrationStore

func (m *Memory) RegistrationByLeadID(ctx context.Context, leadID string) (models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.st.registrations[leadID]
	if !ok {
		return models.Registration{}, services.ErrRecordNotFound
	}
	return reg, nil
}

func (m *Memory) newestRegistration(match func(models.Registration) bool) (models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Registration
	for _, reg := range m.st.registrations {
		if !match(reg) {
			continue
		}
		if found == nil || reg.UpdatedAt.After(found.UpdatedAt) {
			r := reg
			found = &r
		}
	}
	if found == nil {
		return models.Registration{}, services.ErrRecordNotFound
	}
	return *found, nil
}

func (m *Memory) RegistrationByEmail(ctx context.Context, email string) (models.Registration, error) {
	return m.newestRegistration(func(r models.Registration) bool {
		return r.Email != "" && strings.EqualFold(r.Email, email)
	})
}

func (m *Memory) RegistrationByOrderID(ctx context.Context, orderID string) (models.Registration, error) {
	return m.newestRegistration(func(r models.Registration) bool {
		return r.PaymentRef == orderID || r.Metadata.GatewayOrderID == orderID
	})
}

func (m *Memory) LockRegistration(ctx context.Context, leadID string) (models.Registration, error) {
	return m.RegistrationByLeadID(ctx, leadID)
}

func (m *Memory) SaveRegistration(ctx context.Context, reg models.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.st.registrations[reg.LeadID]; ok {
		reg.CreatedAt = existing.CreatedAt
	}
	m.st.registrations[reg.LeadID] = reg
	return nil
}

// CatalogStore

func (m *Memory) CourseByID(ctx context.Context, id string) (models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.courses[id]
	if !ok {
		return models.Course{}, services.ErrRecordNotFound
	}
	return c, nil
}

func (m *Memory) CourseBySlug(ctx context.Context, slug string) (models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.st.courses {
		if c.Slug == slug {
			return c, nil
		}
	}
	return models.Course{}, services.ErrRecordNotFound
}

func (m *Memory) CohortByID(ctx context.Context, id string) (models.Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.cohorts[id]
	if !ok {
		return models.Cohort{}, services.ErrRecordNotFound
	}
	return c, nil
}

func (m *Memory) CohortBySlug(ctx context.Context, slug string) (models.Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.st.cohorts {
		if c.Slug == slug {
			return c, nil
		}
	}
	return models.Cohort{}, services.ErrRecordNotFound
}

func (m *Memory) CohortsForCourse(ctx context.Context, courseID string) ([]models.Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Cohort{}
	for _, c := range m.st.cohorts {
		if c.CourseID != courseID {
			continue
		}
		switch c.Status {
		case "live", "open", "draft":
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) ModuleByID(ctx context.Context, id string) (models.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.st.modules[id]
	if !ok {
		return models.Module{}, services.ErrRecordNotFound
	}
	return mod, nil
}

func (m *Memory) ModulesForCourse(ctx context.Context, courseID string) ([]models.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Module{}
	for _, mod := range m.st.modules {
		if mod.CourseID == courseID {
			out = append(out, mod)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Published != out[j].Published {
			return out[i].Published
		}
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// EnrollmentStore

func (m *Memory) UpsertLearner(ctx context.Context, learner models.Learner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.st.learners[learner.ID]; ok {
		if learner.Email == "" {
			learner.Email = existing.Email
		}
		if learner.Name == "" {
			learner.Name = existing.Name
		}
		if learner.Phone == "" {
			learner.Phone = existing.Phone
		}
		learner.CreatedAt = existing.CreatedAt
	}
	m.st.learners[learner.ID] = learner
	return nil
}

func (m *Memory) EnsureCourseEnrollment(ctx context.Context, courseID, userID, source string, now time.Time) (models.CourseEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{courseID, userID}
	if e, ok := m.st.courseEnrollments[key]; ok {
		e.UpdatedAt = now
		m.st.courseEnrollments[key] = e
		return e, nil
	}
	e := models.CourseEnrollment{
		CourseID: courseID, UserID: userID, Status: models.EnrollmentActive,
		Source: source, CreatedAt: now, UpdatedAt: now,
	}
	m.st.courseEnrollments[key] = e
	return e, nil
}

func (m *Memory) EnsureCohortEnrollment(ctx context.Context, cohortID, courseID, userID string, now time.Time) (models.CohortEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{cohortID, userID}
	if e, ok := m.st.cohortEnrollments[key]; ok {
		e.UpdatedAt = now
		m.st.cohortEnrollments[key] = e
		return e, nil
	}
	e := models.CohortEnrollment{
		CohortID: cohortID, CourseID: courseID, UserID: userID, Status: models.EnrollmentActive,
		CompletionState: models.CompletionInProgress, CreatedAt: now, UpdatedAt: now,
	}
	m.st.cohortEnrollments[key] = e
	return e, nil
}

func (m *Memory) CourseEnrollment(ctx context.Context, courseID, userID string) (models.CourseEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.st.courseEnrollments[pairKey{courseID, userID}]
	if !ok {
		return models.CourseEnrollment{}, services.ErrRecordNotFound
	}
	return e, nil
}

func (m *Memory) LockCourseEnrollment(ctx context.Context, courseID, userID string) (models.CourseEnrollment, error) {
	return m.CourseEnrollment(ctx, courseID, userID)
}

func (m *Memory) SaveCourseEnrollment(ctx context.Context, e models.CourseEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{e.CourseID, e.UserID}
	if existing, ok := m.st.courseEnrollments[key]; ok {
		if existing.Status == models.EnrollmentCompleted {
			e.Status = models.EnrollmentCompleted
		}
		if existing.CompletedAt != nil {
			e.CompletedAt = existing.CompletedAt
		}
		if existing.CertificateURL != "" {
			e.CertificateURL = existing.CertificateURL
		}
		e.Source = existing.Source
		e.CreatedAt = existing.CreatedAt
	}
	m.st.courseEnrollments[key] = e
	return nil
}

func (m *Memory) CohortEnrollment(ctx context.Context, cohortID, userID string) (models.CohortEnrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.st.cohortEnrollments[pairKey{cohortID, userID}]
	if !ok {
		return models.CohortEnrollment{}, services.ErrRecordNotFound
	}
	return e, nil
}

func (m *Memory) SaveCohortEnrollment(ctx context.Context, e models.CohortEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{e.CohortID, e.UserID}
	if existing, ok := m.st.cohortEnrollments[key]; ok {
		if existing.Status == models.EnrollmentCompleted {
			e.Status = models.EnrollmentCompleted
		}
		if existing.CompletionState == models.CompletionCompleted {
			e.CompletionState = models.CompletionCompleted
		}
		e.CompletedByStaff = existing.CompletedByStaff || e.CompletedByStaff
		if existing.CompletedAt != nil {
			e.CompletedAt = existing.CompletedAt
		}
		if existing.CertificateURL != "" {
			e.CertificateURL = existing.CertificateURL
		}
		e.CourseID = existing.CourseID
		e.CreatedAt = existing.CreatedAt
	}
	m.st.cohortEnrollments[key] = e
	return nil
}

// ProgressStore

func (m *Memory) LockModuleProgress(ctx context.Context, courseID, moduleID, userID string) (models.ModuleProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.progress[progressKey{courseID, moduleID, userID}]
	if !ok {
		return models.ModuleProgress{}, services.ErrRecordNotFound
	}
	return p, nil
}

func (m *Memory) SaveModuleProgress(ctx context.Context, p models.ModuleProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{p.CourseID, p.ModuleID, p.UserID}
	if existing, ok := m.st.progress[key]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	m.st.progress[key] = p
	return nil
}

func (m *Memory) UnlockModule(ctx context.Context, p models.ModuleProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := progressKey{p.CourseID, p.ModuleID, p.UserID}
	if _, ok := m.st.progress[key]; ok {
		return nil
	}
	p.Status = models.ModuleUnlocked
	p.CreatedAt = p.UpdatedAt
	m.st.progress[key] = p
	return nil
}

func (m *Memory) CountUnlockedModules(ctx context.Context, courseID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.st.progress {
		if p.CourseID == courseID && p.UserID == userID && p.Status != models.ModuleLocked {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountModules(ctx context.Context, courseID string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	published, total := 0, 0
	for _, mod := range m.st.modules {
		if mod.CourseID != courseID {
			continue
		}
		total++
		if mod.Published {
			published++
		}
	}
	return published, total, nil
}

func (m *Memory) CountDoneModules(ctx context.Context, courseID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.st.progress {
		if p.CourseID == courseID && p.UserID == userID && p.Status.Done() {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ProgressDrift(ctx context.Context, limit int) ([]models.ProgressDrift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type agg struct {
		updated time.Time
		cohort  string
	}
	latest := map[pairKey]agg{}
	for _, p := range m.st.progress {
		if p.Status == models.ModuleLocked {
			continue
		}
		key := pairKey{p.CourseID, p.UserID}
		a := latest[key]
		if p.UpdatedAt.After(a.updated) {
			a.updated = p.UpdatedAt
		}
		if p.CohortID > a.cohort {
			a.cohort = p.CohortID
		}
		latest[key] = a
	}
	out := []models.ProgressDrift{}
	for key, a := range latest {
		e, ok := m.st.courseEnrollments[key]
		if !ok || !a.updated.After(e.UpdatedAt) {
			continue
		}
		out = append(out, models.ProgressDrift{CourseID: key.a, UserID: key.b, CohortID: a.cohort})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseID != out[j].CourseID {
			return out[i].CourseID < out[j].CourseID
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev models.LearningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.eventErr != nil {
		return m.st.eventErr
	}
	m.st.events = append(m.st.events, ev)
	return nil
}

// AlertStore

func (m *Memory) OpenAlertSince(ctx context.Context, dedupeKey string, since time.Time) (models.OpsAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.OpsAlert
	for _, a := range m.st.alerts {
		if a.DedupeKey != dedupeKey || a.Status != models.AlertOpen || a.CreatedAt.Before(since) {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			alert := a
			found = &alert
		}
	}
	if found == nil {
		return models.OpsAlert{}, services.ErrRecordNotFound
	}
	return *found, nil
}

func (m *Memory) TouchAlert(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.alerts[id]
	if !ok {
		return services.ErrRecordNotFound
	}
	a.UpdatedAt = at
	m.st.alerts[id] = a
	return nil
}

func (m *Memory) InsertAlert(ctx context.Context, alert models.OpsAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.alerts[alert.ID] = alert
	return nil
}

func (m *Memory) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.OpsAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.OpsAlert{}
	for _, a := range m.st.alerts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.st.alerts[id]
	if !ok {
		return services.ErrRecordNotFound
	}
	a.Status = status
	a.UpdatedAt = at
	m.st.alerts[id] = a
	return nil
}

// RoleStore

func (m *Memory) roles(src map[string][]string, userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), src[userID]...)
	sort.Strings(out)
	return out
}

func (m *Memory) StoredRoles(ctx context.Context, userID string) ([]string, error) {
	return m.roles(m.st.userRoles, userID), nil
}

func (m *Memory) CourseStaffRoles(ctx context.Context, userID string) ([]string, error) {
	return m.roles(m.st.courseStaff, userID), nil
}

func (m *Memory) OrgStaffRoles(ctx context.Context, userID string) ([]string, error) {
	return m.roles(m.st.orgStaff, userID), nil
}
