package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPendingPayment EnrollmentStatus = "pending_payment"
	EnrollmentStatusProofSubmitted EnrollmentStatus = "proof_submitted"
	EnrollmentStatusProofRejected  EnrollmentStatus = "proof_rejected"
	EnrollmentStatusEnrolled       EnrollmentStatus = "enrolled"
	EnrollmentStatusTrial          EnrollmentStatus = "trial"
	EnrollmentStatusOverdue        EnrollmentStatus = "payment_overdue"
	EnrollmentStatusSuspended      EnrollmentStatus = "suspended_due_to_non_payment"
)

// Valid reports whether the status is a member of the closed enum.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPendingPayment, EnrollmentStatusProofSubmitted,
		EnrollmentStatusProofRejected, EnrollmentStatusEnrolled,
		EnrollmentStatusTrial, EnrollmentStatusOverdue, EnrollmentStatusSuspended:
		return true
	}
	return false
}

// EnrollmentAction identifies a manually-triggered lifecycle action.
type EnrollmentAction string

// Manual actions operating on the top-level status.
const (
	ActionSubmitEnrollmentProof EnrollmentAction = "submit_enrollment_proof"
	ActionApproveEnrollment     EnrollmentAction = "approve_enrollment"
	ActionRejectEnrollment      EnrollmentAction = "reject_enrollment"
)

// manualTransitions is the from-status x action -> to-status table. Anything
// outside this table is an illegal manual transition.
var manualTransitions = map[EnrollmentStatus]map[EnrollmentAction]EnrollmentStatus{
	EnrollmentStatusPendingPayment: {
		ActionSubmitEnrollmentProof: EnrollmentStatusProofSubmitted,
	},
	EnrollmentStatusProofSubmitted: {
		ActionApproveEnrollment: EnrollmentStatusEnrolled,
		ActionRejectEnrollment:  EnrollmentStatusProofRejected,
	},
	EnrollmentStatusProofRejected: {
		ActionSubmitEnrollmentProof: EnrollmentStatusProofSubmitted,
	},
}

// NextStatus resolves the target status for a manual action, reporting whether
// the transition is legal from the current status.
func NextStatus(from EnrollmentStatus, action EnrollmentAction) (EnrollmentStatus, bool) {
	actions, ok := manualTransitions[from]
	if !ok {
		return "", false
	}
	to, ok := actions[action]
	return to, ok
}

// CanSubmitMonthlyProof reports whether a monthly payment proof may be
// attached while the enrollment is in the given status.
func CanSubmitMonthlyProof(status EnrollmentStatus) bool {
	switch status {
	case EnrollmentStatusEnrolled, EnrollmentStatusProofSubmitted, EnrollmentStatusProofRejected:
		return true
	}
	return false
}

// PaymentStatus represents the state of a single payment attempt.
type PaymentStatus string

// Possible payment statuses.
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRejected PaymentStatus = "rejected"
	PaymentStatusOverdue  PaymentStatus = "overdue"
)

// Payment is one entry in an enrollment's append-only payment ledger.
type Payment struct {
	ID          string        `json:"id"`
	Amount      float64       `json:"amount"`
	Date        time.Time     `json:"date"`
	Status      PaymentStatus `json:"status"`
	ProofRef    *string       `json:"proof_ref,omitempty"`
	Notes       string        `json:"notes,omitempty"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time    `json:"approved_at,omitempty"`
	RejectedAt  *time.Time    `json:"rejected_at,omitempty"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
}

// PaymentList is the embedded ledger, stored as a JSONB column so the whole
// record commits atomically. Entries are appended or mutated by id, never
// reordered or removed.
type PaymentList []Payment

// Value implements driver.Valuer.
func (l PaymentList) Value() (driver.Value, error) {
	if l == nil {
		l = PaymentList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *PaymentList) Scan(src interface{}) error {
	if src == nil {
		*l = PaymentList{}
		return nil
	}
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, l)
	case string:
		return json.Unmarshal([]byte(data), l)
	}
	return fmt.Errorf("unsupported payments column type %T", src)
}

// IndexOf returns the position of the payment with the given id, or -1.
func (l PaymentList) IndexOf(id string) int {
	for i := range l {
		if l[i].ID == id {
			return i
		}
	}
	return -1
}

// NotificationLog records when a threshold notification was last sent, keyed
// by threshold name, so repeated sweep runs never duplicate it.
type NotificationLog map[string]time.Time

// Value implements driver.Valuer.
func (n NotificationLog) Value() (driver.Value, error) {
	if n == nil {
		n = NotificationLog{}
	}
	return json.Marshal(n)
}

// Scan implements sql.Scanner.
func (n *NotificationLog) Scan(src interface{}) error {
	if src == nil {
		*n = NotificationLog{}
		return nil
	}
	switch data := src.(type) {
	case []byte:
		return json.Unmarshal(data, n)
	case string:
		return json.Unmarshal([]byte(data), n)
	}
	return fmt.Errorf("unsupported notifications column type %T", src)
}

// Enrollment captures a student's registration to a class together with its
// billing state and payment ledger. ExpiresAt is meaningful only while the
// status is pending_payment or trial.
type Enrollment struct {
	ID                 string           `db:"id" json:"id"`
	StudentID          string           `db:"student_id" json:"student_id"`
	ClassID            string           `db:"class_id" json:"class_id"`
	Status             EnrollmentStatus `db:"status" json:"status"`
	PaymentAmount      float64          `db:"payment_amount" json:"payment_amount"`
	ProofRef           *string          `db:"proof_ref" json:"proof_ref,omitempty"`
	Notes              *string          `db:"notes" json:"notes,omitempty"`
	ExpiresAt          *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	ProofSubmittedAt   *time.Time       `db:"proof_submitted_at" json:"proof_submitted_at,omitempty"`
	TrialExpiredAt     *time.Time       `db:"trial_expired_at" json:"trial_expired_at,omitempty"`
	BillingStartDate   *time.Time       `db:"billing_start_date" json:"billing_start_date,omitempty"`
	NextPaymentDueDate *time.Time       `db:"next_payment_due_date" json:"next_payment_due_date,omitempty"`
	LastPaymentDate    *time.Time       `db:"last_payment_date" json:"last_payment_date,omitempty"`
	PriceAtEnrollment  *float64         `db:"price_at_enrollment" json:"price_at_enrollment,omitempty"`
	PaymentsMade       PaymentList      `db:"payments_made" json:"payments_made"`
	NotificationsSent  NotificationLog  `db:"notifications_sent" json:"notifications_sent"`
	Version            int              `db:"version" json:"version"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// MonthlyAmount returns the recurring amount for this enrollment, preferring
// the price captured when billing opened.
func (e *Enrollment) MonthlyAmount() float64 {
	if e.PriceAtEnrollment != nil {
		return *e.PriceAtEnrollment
	}
	return e.PaymentAmount
}

// EnrollmentDetail enriches Enrollment with student and class info.
type EnrollmentDetail struct {
	Enrollment
	StudentName  string `db:"student_name" json:"student_name"`
	StudentEmail string `db:"student_email" json:"student_email"`
	ClassName    string `db:"class_name" json:"class_name"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	ClassID   string
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
