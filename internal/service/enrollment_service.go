package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/bimbel-api/internal/models"
	"github.com/noah-isme/bimbel-api/internal/repository"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
	"github.com/noah-isme/bimbel-api/pkg/export"
	"github.com/noah-isme/bimbel-api/pkg/mailer"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsForPair(ctx context.Context, studentID, classID string) (bool, error)
	CountEnrolledByClass(ctx context.Context, classID string) (int, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	Update(ctx context.Context, enrollment *models.Enrollment) error
}

type classReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type proofStore interface {
	Save(ref string, data []byte) (string, error)
	Delete(ref string) error
}

type lifecycleNotifier interface {
	SendEmail(ctx context.Context, kind, recipient string, data map[string]interface{}) error
}

// Proof kinds accepted by SubmitProof.
const (
	ProofKindEnrollment = "enrollment"
	ProofKindMonthly    = "monthly"
)

// Review decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// CreateEnrollmentRequest describes enrollment creation.
type CreateEnrollmentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	ClassID   string `json:"class_id" validate:"required"`
}

// SubmitProofRequest attaches an uploaded payment proof.
type SubmitProofRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=enrollment monthly"`
	ProofRef string `json:"proof_ref" validate:"required"`
	Notes    string `json:"notes"`
}

// ReviewRequest carries a staff decision on a submitted proof.
type ReviewRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Notes    string `json:"notes"`
}

// EnrollmentService is the lifecycle manager: it validates and applies the
// manually-triggered state transitions. Every mutation commits through a
// versioned update; notification sends happen after the commit and are never
// rolled back on failure.
type EnrollmentService struct {
	repo       enrollmentRepository
	classes    classReader
	students   studentReader
	proofs     proofStore
	notifier   lifecycleNotifier
	validator  *validator.Validate
	logger     *zap.Logger
	pendingTTL time.Duration
	now        func() time.Time
}

// NewEnrollmentService constructs the lifecycle manager.
func NewEnrollmentService(repo enrollmentRepository, classes classReader, students studentReader, proofs proofStore, notifier lifecycleNotifier, validate *validator.Validate, logger *zap.Logger, pendingTTL time.Duration) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pendingTTL <= 0 {
		pendingTTL = 48 * time.Hour
	}
	return &EnrollmentService{
		repo:       repo,
		classes:    classes,
		students:   students,
		proofs:     proofs,
		notifier:   notifier,
		validator:  validate,
		logger:     logger,
		pendingTTL: pendingTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one enrollment with student and class context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Create registers a student's intent to take a class. The record starts in
// pending_payment with a 48h payment window.
func (s *EnrollmentService) Create(ctx context.Context, req CreateEnrollmentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student account is inactive")
	}
	class, err := s.classes.FindByID(ctx, req.ClassID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	exists, err := s.repo.ExistsForPair(ctx, req.StudentID, req.ClassID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "student already has an enrollment for this class")
	}
	enrolled, err := s.repo.CountEnrolledByClass(ctx, req.ClassID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check class capacity")
	}
	if class.MaxStudents > 0 && enrolled >= class.MaxStudents {
		return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "class is full")
	}

	now := s.now()
	expires := now.Add(s.pendingTTL)
	enrollment := &models.Enrollment{
		ID:                uuid.NewString(),
		StudentID:         req.StudentID,
		ClassID:           req.ClassID,
		Status:            models.EnrollmentStatusPendingPayment,
		PaymentAmount:     class.Price,
		ExpiresAt:         &expires,
		PaymentsMade:      models.PaymentList{},
		NotificationsSent: models.NotificationLog{},
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}
	return s.detail(ctx, enrollment.ID)
}

// SubmitProof records an uploaded payment proof. kind=enrollment moves the
// record to proof_submitted; kind=monthly appends a pending ledger entry and
// leaves the top-level status untouched.
func (s *EnrollmentService) SubmitProof(ctx context.Context, id string, req SubmitProofRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid proof payload")
	}
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch req.Kind {
	case ProofKindEnrollment:
		next, ok := models.NextStatus(enrollment.Status, models.ActionSubmitEnrollmentProof)
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
				fmt.Sprintf("cannot submit enrollment proof while %s", enrollment.Status))
		}
		enrollment.Status = next
		enrollment.ProofRef = &req.ProofRef
		enrollment.ProofSubmittedAt = &now
		if req.Notes != "" {
			enrollment.Notes = &req.Notes
		}
	case ProofKindMonthly:
		if !models.CanSubmitMonthlyProof(enrollment.Status) {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
				fmt.Sprintf("cannot submit monthly proof while %s", enrollment.Status))
		}
		proofRef := req.ProofRef
		enrollment.PaymentsMade = append(enrollment.PaymentsMade, models.Payment{
			ID:          uuid.NewString(),
			Amount:      enrollment.MonthlyAmount(),
			Date:        now,
			Status:      models.PaymentStatusPending,
			ProofRef:    &proofRef,
			Notes:       req.Notes,
			SubmittedAt: &now,
			DueDate:     enrollment.NextPaymentDueDate,
		})
	}

	if err := s.commit(ctx, enrollment); err != nil {
		return nil, err
	}
	return s.detail(ctx, id)
}

// ReviewEnrollmentProof applies a staff decision on an initial payment proof.
// Approval on a running class opens billing; rejection clears any billing
// fields while retaining the proof reference for visibility.
func (s *EnrollmentService) ReviewEnrollmentProof(ctx context.Context, id string, req ReviewRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	action := models.ActionApproveEnrollment
	if req.Decision == DecisionRejected {
		action = models.ActionRejectEnrollment
	}
	next, ok := models.NextStatus(enrollment.Status, action)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot review enrollment proof while %s", enrollment.Status))
	}

	now := s.now()
	enrollment.Status = next
	enrollment.ExpiresAt = nil

	emailKind := mailer.KindEnrollmentRejected
	if req.Decision == DecisionApproved {
		emailKind = mailer.KindEnrollmentApproved
		class, err := s.classes.FindByID(ctx, enrollment.ClassID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
		}
		if class != nil && class.Status == models.ClassStatusRunning {
			price := class.Price
			due := AdvanceDueDate(now)
			enrollment.BillingStartDate = &now
			enrollment.NextPaymentDueDate = &due
			enrollment.PriceAtEnrollment = &price
			enrollment.LastPaymentDate = &now
			approvedAt := now
			enrollment.PaymentsMade = append(enrollment.PaymentsMade, models.Payment{
				ID:         uuid.NewString(),
				Amount:     price,
				Date:       now,
				Status:     models.PaymentStatusPaid,
				ProofRef:   enrollment.ProofRef,
				ApprovedAt: &approvedAt,
			})
		}
	} else {
		enrollment.BillingStartDate = nil
		enrollment.NextPaymentDueDate = nil
		enrollment.LastPaymentDate = nil
		enrollment.PriceAtEnrollment = nil
	}
	if req.Notes != "" {
		enrollment.Notes = &req.Notes
	}

	if err := s.commit(ctx, enrollment); err != nil {
		return nil, err
	}

	detail, err := s.detail(ctx, id)
	if err != nil {
		return nil, err
	}
	s.sendReviewEmail(ctx, detail, emailKind, req.Notes)
	return detail, nil
}

// ReviewMonthlyPayment applies a staff decision on one ledger entry. Approval
// advances the billing anchor by one calendar month from its previous value
// and requests deletion of the stored proof; rejection requires a reason.
func (s *EnrollmentService) ReviewMonthlyPayment(ctx context.Context, id, paymentID string, req ReviewRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid review payload")
	}
	if req.Decision == DecisionRejected && strings.TrimSpace(req.Notes) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a rejection reason is required")
	}
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	idx := enrollment.PaymentsMade.IndexOf(paymentID)
	if idx < 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
	}
	payment := &enrollment.PaymentsMade[idx]
	if payment.Status != models.PaymentStatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("payment already %s", payment.Status))
	}

	now := s.now()
	emailKind := mailer.KindMonthlyRejected
	var proofToDelete string
	if req.Decision == DecisionApproved {
		emailKind = mailer.KindMonthlyApproved
		payment.Status = models.PaymentStatusPaid
		payment.ApprovedAt = &now
		if req.Notes != "" {
			payment.Notes = req.Notes
		}
		paymentDate := payment.Date
		enrollment.LastPaymentDate = &paymentDate
		if enrollment.NextPaymentDueDate != nil {
			due := AdvanceDueDate(*enrollment.NextPaymentDueDate)
			enrollment.NextPaymentDueDate = &due
		}
		if enrollment.Status == models.EnrollmentStatusOverdue {
			enrollment.Status = models.EnrollmentStatusEnrolled
		}
		if payment.ProofRef != nil {
			proofToDelete = *payment.ProofRef
		}
	} else {
		payment.Status = models.PaymentStatusRejected
		payment.RejectedAt = &now
		payment.Notes = req.Notes
	}

	if err := s.commit(ctx, enrollment); err != nil {
		return nil, err
	}

	detail, err := s.detail(ctx, id)
	if err != nil {
		return nil, err
	}

	if proofToDelete != "" {
		if err := s.proofs.Delete(proofToDelete); err != nil {
			s.logger.Sugar().Warnw("failed to delete payment proof", "enrollment_id", id, "proof_ref", proofToDelete, "error", err)
		}
		s.storeReceipt(detail, enrollment.PaymentsMade[idx], now)
	}
	s.sendReviewEmail(ctx, detail, emailKind, req.Notes)
	return detail, nil
}

func (s *EnrollmentService) load(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) commit(ctx context.Context, enrollment *models.Enrollment) error {
	enrollment.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, enrollment); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return appErrors.Clone(appErrors.ErrConflict, "enrollment was modified concurrently, retry")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist enrollment")
	}
	return nil
}

func (s *EnrollmentService) detail(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

func (s *EnrollmentService) sendReviewEmail(ctx context.Context, detail *models.EnrollmentDetail, kind, reason string) {
	data := map[string]interface{}{
		"StudentName": detail.StudentName,
		"ClassName":   detail.ClassName,
		"Amount":      fmt.Sprintf("%.2f", detail.MonthlyAmount()),
		"Reason":      reason,
	}
	if detail.NextPaymentDueDate != nil {
		data["NextDueDate"] = detail.NextPaymentDueDate.Format("2 January 2006")
	}
	if err := s.notifier.SendEmail(ctx, kind, detail.StudentEmail, data); err != nil {
		s.logger.Sugar().Warnw("failed to enqueue review email", "enrollment_id", detail.ID, "kind", kind, "error", err)
	}
}

func (s *EnrollmentService) storeReceipt(detail *models.EnrollmentDetail, payment models.Payment, approvedAt time.Time) {
	data, err := export.RenderReceipt(export.Receipt{
		ReceiptNo:   payment.ID,
		StudentName: detail.StudentName,
		ClassName:   detail.ClassName,
		Amount:      payment.Amount,
		PaidAt:      payment.Date,
		ApprovedAt:  approvedAt,
		PeriodDue:   payment.DueDate,
	})
	if err != nil {
		s.logger.Sugar().Warnw("failed to render receipt", "enrollment_id", detail.ID, "payment_id", payment.ID, "error", err)
		return
	}
	ref := fmt.Sprintf("receipts/%s/%s.pdf", detail.ID, payment.ID)
	if _, err := s.proofs.Save(ref, data); err != nil {
		s.logger.Sugar().Warnw("failed to store receipt", "enrollment_id", detail.ID, "payment_id", payment.ID, "error", err)
	}
}
