package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/bimbel-api/internal/models"
)

// ErrVersionConflict is returned when a versioned update matched no row: the
// enrollment was mutated concurrently (or deleted) since it was read.
var ErrVersionConflict = errors.New("enrollment version conflict")

const enrollmentColumns = `id, student_id, class_id, status, payment_amount, proof_ref, notes,
	expires_at, proof_submitted_at, trial_expired_at, billing_start_date,
	next_payment_due_date, last_payment_date, price_at_enrollment,
	payments_made, notifications_sent, version, created_at, updated_at`

const enrollmentDetailColumns = `e.id, e.student_id, e.class_id, e.status, e.payment_amount, e.proof_ref, e.notes,
	e.expires_at, e.proof_submitted_at, e.trial_expired_at, e.billing_start_date,
	e.next_payment_due_date, e.last_payment_date, e.price_at_enrollment,
	e.payments_made, e.notifications_sent, e.version, e.created_at, e.updated_at,
	s.full_name AS student_name, s.email AS student_email, c.name AS class_name`

// EnrollmentRepository handles persistence of enrollments and their embedded
// payment ledgers.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN classes c ON c.id = e.class_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("e.class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"status":       "e.status",
		"student_name": "s.full_name",
		"next_due":     "e.next_payment_due_date",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d`,
		enrollmentDetailColumns, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student and class context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := fmt.Sprintf(`SELECT %s
FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id
LEFT JOIN classes c ON c.id = e.class_id
WHERE e.id = $1`, enrollmentDetailColumns)
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsForPair reports whether any enrollment exists for the student/class
// pair.
func (r *EnrollmentRepository) ExistsForPair(ctx context.Context, studentID, classID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM enrollments WHERE student_id = $1 AND class_id = $2)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, studentID, classID); err != nil {
		return false, fmt.Errorf("check enrollment pair: %w", err)
	}
	return exists, nil
}

// CountEnrolledByClass counts enrollments occupying a seat in the class.
func (r *EnrollmentRepository) CountEnrolledByClass(ctx context.Context, classID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE class_id = $1 AND status = $2`
	var count int
	if err := r.db.GetContext(ctx, &count, query, classID, models.EnrollmentStatusEnrolled); err != nil {
		return 0, fmt.Errorf("count enrolled: %w", err)
	}
	return count, nil
}

// Create inserts a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	const query = `INSERT INTO enrollments (
		id, student_id, class_id, status, payment_amount, proof_ref, notes,
		expires_at, proof_submitted_at, trial_expired_at, billing_start_date,
		next_payment_due_date, last_payment_date, price_at_enrollment,
		payments_made, notifications_sent, version, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := r.db.ExecContext(ctx, query,
		enrollment.ID, enrollment.StudentID, enrollment.ClassID, enrollment.Status,
		enrollment.PaymentAmount, enrollment.ProofRef, enrollment.Notes,
		enrollment.ExpiresAt, enrollment.ProofSubmittedAt, enrollment.TrialExpiredAt,
		enrollment.BillingStartDate, enrollment.NextPaymentDueDate, enrollment.LastPaymentDate,
		enrollment.PriceAtEnrollment, enrollment.PaymentsMade, enrollment.NotificationsSent,
		enrollment.Version, enrollment.CreatedAt, enrollment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// Update persists the full record guarded by a compare-and-swap on the
// version column, so concurrent mutations of the same enrollment cannot
// silently overwrite each other.
func (r *EnrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment) error {
	const query = `UPDATE enrollments SET
		status = $1, payment_amount = $2, proof_ref = $3, notes = $4,
		expires_at = $5, proof_submitted_at = $6, trial_expired_at = $7,
		billing_start_date = $8, next_payment_due_date = $9, last_payment_date = $10,
		price_at_enrollment = $11, payments_made = $12, notifications_sent = $13,
		version = version + 1, updated_at = $14
	WHERE id = $15 AND version = $16`
	res, err := r.db.ExecContext(ctx, query,
		enrollment.Status, enrollment.PaymentAmount, enrollment.ProofRef, enrollment.Notes,
		enrollment.ExpiresAt, enrollment.ProofSubmittedAt, enrollment.TrialExpiredAt,
		enrollment.BillingStartDate, enrollment.NextPaymentDueDate, enrollment.LastPaymentDate,
		enrollment.PriceAtEnrollment, enrollment.PaymentsMade, enrollment.NotificationsSent,
		enrollment.UpdatedAt, enrollment.ID, enrollment.Version,
	)
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	enrollment.Version++
	return nil
}

// Delete hard-removes an enrollment record.
func (r *EnrollmentRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM enrollments WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	return nil
}

// ListTrials returns trial enrollments carrying an expiry timestamp.
func (r *EnrollmentRepository) ListTrials(ctx context.Context) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE status = $1 AND expires_at IS NOT NULL`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, models.EnrollmentStatusTrial); err != nil {
		return nil, fmt.Errorf("list trial enrollments: %w", err)
	}
	return enrollments, nil
}

// ListExpiredPending returns pending_payment enrollments whose payment window
// closed before the given instant.
func (r *EnrollmentRepository) ListExpiredPending(ctx context.Context, before time.Time) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, models.EnrollmentStatusPendingPayment, before); err != nil {
		return nil, fmt.Errorf("list expired pending enrollments: %w", err)
	}
	return enrollments, nil
}

// ListBillable returns candidates for the reminder/escalation ladder:
// enrollments holding an open billing anchor that are not yet suspended.
func (r *EnrollmentRepository) ListBillable(ctx context.Context) ([]models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE status IN ($1, $2) AND next_payment_due_date IS NOT NULL`, enrollmentColumns)
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, models.EnrollmentStatusEnrolled, models.EnrollmentStatusOverdue); err != nil {
		return nil, fmt.Errorf("list billable enrollments: %w", err)
	}
	return enrollments, nil
}
