package models

import "time"

type PaymentStatus string

const (
	PaymentRegistered PaymentStatus = "registered"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentRegistered, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
)

type CompletionState string

const (
	CompletionInProgress CompletionState = "in_progress"
	CompletionCompleted  CompletionState = "completed"
)

type ModuleStatus string

const (
	ModuleLocked     ModuleStatus = "locked"
	ModuleUnlocked   ModuleStatus = "unlocked"
	ModuleInProgress ModuleStatus = "in_progress"
	ModuleSubmitted  ModuleStatus = "submitted"
	ModuleCompleted  ModuleStatus = "completed"
	ModulePassed     ModuleStatus = "passed"
	ModuleFailed     ModuleStatus = "failed"
)

func (s ModuleStatus) Valid() bool {
	switch s {
	case ModuleLocked, ModuleUnlocked, ModuleInProgress, ModuleSubmitted, ModuleCompleted, ModulePassed, ModuleFailed:
		return true
	}
	return false
}

// Done reports whether the module counts towards course completion.
func (s ModuleStatus) Done() bool {
	return s == ModuleCompleted || s == ModulePassed
}

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

func (s AlertStatus) Valid() bool {
	return s == AlertOpen || s == AlertAcknowledged || s == AlertResolved
}

// RegistrationMetadata is stored as JSON in registrations.metadata.
// Provider holds the raw gateway payload and is the only open-ended part.
type RegistrationMetadata struct {
	GatewayOrderID string                 `json:"gateway_order_id,omitempty"`
	QRCodeID       string                 `json:"qr_code_id,omitempty"`
	Source         string                 `json:"source,omitempty"`
	LastEvent      string                 `json:"last_event,omitempty"`
	Provider       map[string]interface{} `json:"provider,omitempty"`
}

type Registration struct {
	LeadID          string               `db:"lead_id"`
	Name            string               `db:"name"`
	Email           string               `db:"email"`
	Phone           string               `db:"phone"`
	CourseID        string               `db:"course_id"`
	CohortID        string               `db:"cohort_id"`
	LearnerID       string               `db:"learner_id"`
	PaymentStatus   PaymentStatus        `db:"payment_status"`
	PaymentRef      string               `db:"payment_ref"`
	PaymentProvider string               `db:"payment_provider"`
	AmountMinor     int64                `db:"amount_minor"`
	Currency        string               `db:"currency"`
	PaidAt          *time.Time           `db:"paid_at"`
	Metadata        RegistrationMetadata `db:"-"`
	CreatedAt       time.Time            `db:"created_at"`
	UpdatedAt       time.Time            `db:"updated_at"`
}

type Course struct {
	ID         string    `db:"id"`
	Slug       string    `db:"slug"`
	Title      string    `db:"title"`
	PriceMinor int64     `db:"price_minor"`
	Currency   string    `db:"currency"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type Cohort struct {
	ID        string    `db:"id"`
	Slug      string    `db:"slug"`
	CourseID  string    `db:"course_id"`
	Title     string    `db:"title"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type Module struct {
	ID        string    `db:"id"`
	CourseID  string    `db:"course_id"`
	Title     string    `db:"title"`
	SortOrder int       `db:"sort_order"`
	Published bool      `db:"published"`
	CreatedAt time.Time `db:"created_at"`
}

type Learner struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	Phone     string    `db:"phone"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type CourseEnrollment struct {
	CourseID       string           `db:"course_id"`
	UserID         string           `db:"user_id"`
	Status         EnrollmentStatus `db:"status"`
	ProgressPct    float64          `db:"progress_pct"`
	CompletedAt    *time.Time       `db:"completed_at"`
	CertificateURL string           `db:"certificate_url"`
	Source         string           `db:"source"`
	CreatedAt      time.Time        `db:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"`
}

type CohortEnrollment struct {
	CohortID         string           `db:"cohort_id"`
	CourseID         string           `db:"course_id"`
	UserID           string           `db:"user_id"`
	Status           EnrollmentStatus `db:"status"`
	ProgressPct      float64          `db:"progress_pct"`
	CompletionState  CompletionState  `db:"completion_state"`
	CompletedByStaff bool             `db:"completed_by_staff"`
	CompletedAt      *time.Time       `db:"completed_at"`
	CertificateURL   string           `db:"certificate_url"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

type ModuleProgress struct {
	CourseID     string       `db:"course_id"`
	ModuleID     string       `db:"module_id"`
	UserID       string       `db:"user_id"`
	CohortID     string       `db:"cohort_id"`
	Status       ModuleStatus `db:"status"`
	Score        *float64     `db:"score"`
	AttemptCount int          `db:"attempt_count"`
	ArtifactURL  string       `db:"artifact_url"`
	Notes        string       `db:"notes"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// AlertDetails is stored as JSON in ops_alerts.details.
type AlertDetails struct {
	LeadID    string                 `json:"lead_id,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	PaymentID string                 `json:"payment_id,omitempty"`
	CourseID  string                 `json:"course_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

type OpsAlert struct {
	ID        string        `db:"id" json:"id"`
	Source    string        `db:"source" json:"source"`
	Severity  AlertSeverity `db:"severity" json:"severity"`
	EventType string        `db:"event_type" json:"event_type"`
	Message   string        `db:"message" json:"message"`
	Details   AlertDetails  `db:"-" json:"details"`
	DedupeKey string        `db:"dedupe_key" json:"dedupe_key,omitempty"`
	Status    AlertStatus   `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// LearningEvent rows are append-only. Stream selects the table:
// learning_events, assessment_events or funnel_events.
type LearningEvent struct {
	ID        string                 `db:"id"`
	Stream    string                 `db:"-"`
	UserID    string                 `db:"user_id"`
	CourseID  string                 `db:"course_id"`
	CohortID  string                 `db:"cohort_id"`
	ModuleID  string                 `db:"module_id"`
	EventType string                 `db:"event_type"`
	Payload   map[string]interface{} `db:"-"`
	CreatedAt time.Time              `db:"created_at"`
}

const (
	StreamLearning   = "learning"
	StreamAssessment = "assessment"
	StreamFunnel     = "funnel"
)

// ProgressDrift identifies an enrollment whose module progress changed after
// the course enrollment was last recomputed.
type ProgressDrift struct {
	CourseID string `db:"course_id"`
	UserID   string `db:"user_id"`
	CohortID string `db:"cohort_id"`
}
