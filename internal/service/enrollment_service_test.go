package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bimbel-api/internal/models"
	"github.com/noah-isme/bimbel-api/internal/repository"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
	"github.com/noah-isme/bimbel-api/pkg/mailer"
)

type mockEnrollmentRepo struct {
	enrollments   map[string]*models.Enrollment
	students      map[string]models.Student
	classes       map[string]models.Class
	pairs         map[string]bool
	enrolledCount map[string]int
	updateErr     error
	updates       int
}

func newMockEnrollmentRepo() *mockEnrollmentRepo {
	return &mockEnrollmentRepo{
		enrollments:   map[string]*models.Enrollment{},
		students:      map[string]models.Student{},
		classes:       map[string]models.Class{},
		pairs:         map[string]bool{},
		enrolledCount: map[string]int{},
	}
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	details := make([]models.EnrollmentDetail, 0, len(m.enrollments))
	for id := range m.enrollments {
		detail, _ := m.FindDetailByID(ctx, id)
		details = append(details, *detail)
	}
	return details, len(details), nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	e, ok := m.enrollments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *e
	clone.PaymentsMade = append(models.PaymentList{}, e.PaymentsMade...)
	return &clone, nil
}

func (m *mockEnrollmentRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	e, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := models.EnrollmentDetail{Enrollment: *e}
	if s, ok := m.students[e.StudentID]; ok {
		detail.StudentName = s.FullName
		detail.StudentEmail = s.Email
	}
	if c, ok := m.classes[e.ClassID]; ok {
		detail.ClassName = c.Name
	}
	return &detail, nil
}

func (m *mockEnrollmentRepo) ExistsForPair(ctx context.Context, studentID, classID string) (bool, error) {
	return m.pairs[studentID+"/"+classID], nil
}

func (m *mockEnrollmentRepo) CountEnrolledByClass(ctx context.Context, classID string) (int, error) {
	return m.enrolledCount[classID], nil
}

func (m *mockEnrollmentRepo) Create(ctx context.Context, enrollment *models.Enrollment) error {
	clone := *enrollment
	m.enrollments[enrollment.ID] = &clone
	m.pairs[enrollment.StudentID+"/"+enrollment.ClassID] = true
	return nil
}

func (m *mockEnrollmentRepo) Update(ctx context.Context, enrollment *models.Enrollment) error {
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.enrollments[enrollment.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if stored.Version != enrollment.Version {
		return repository.ErrVersionConflict
	}
	clone := *enrollment
	clone.Version++
	m.enrollments[enrollment.ID] = &clone
	enrollment.Version++
	return nil
}

type mockProofStore struct {
	saved   map[string][]byte
	deleted []string
}

func (m *mockProofStore) Save(ref string, data []byte) (string, error) {
	if m.saved == nil {
		m.saved = map[string][]byte{}
	}
	m.saved[ref] = data
	return ref, nil
}

func (m *mockProofStore) Delete(ref string) error {
	m.deleted = append(m.deleted, ref)
	return nil
}

type sentEmail struct {
	Kind      string
	Recipient string
	Data      map[string]interface{}
}

type mockNotifier struct {
	emails []sentEmail
	pushes []string
}

func (m *mockNotifier) SendEmail(ctx context.Context, kind, recipient string, data map[string]interface{}) error {
	m.emails = append(m.emails, sentEmail{Kind: kind, Recipient: recipient, Data: data})
	return nil
}

func (m *mockNotifier) SendPush(ctx context.Context, userIDs []string, title, message, link, pushType string) error {
	m.pushes = append(m.pushes, pushType)
	return nil
}

type classReaderFunc struct{ repo *mockEnrollmentRepo }

func (r classReaderFunc) FindByID(ctx context.Context, id string) (*models.Class, error) {
	c, ok := r.repo.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

type studentReaderFunc struct{ repo *mockEnrollmentRepo }

func (r studentReaderFunc) FindByID(ctx context.Context, id string) (*models.Student, error) {
	s, ok := r.repo.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

func newLifecycleFixture(t *testing.T) (*EnrollmentService, *mockEnrollmentRepo, *mockProofStore, *mockNotifier, time.Time) {
	t.Helper()
	repo := newMockEnrollmentRepo()
	proofs := &mockProofStore{}
	notifier := &mockNotifier{}
	svc := NewEnrollmentService(repo, classReaderFunc{repo}, studentReaderFunc{repo}, proofs, notifier, nil, nil, 48*time.Hour)
	now := time.Date(2026, time.May, 4, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	repo.students["student-1"] = models.Student{ID: "student-1", FullName: "Dewi Lestari", Email: "dewi@example.com", Active: true}
	repo.classes["class-1"] = models.Class{ID: "class-1", Name: "Matematika XII", Price: 350000, MaxStudents: 10, Status: models.ClassStatusRunning}
	return svc, repo, proofs, notifier, now
}

func seedEnrollment(repo *mockEnrollmentRepo, status models.EnrollmentStatus) *models.Enrollment {
	e := &models.Enrollment{
		ID:                "enr-1",
		StudentID:         "student-1",
		ClassID:           "class-1",
		Status:            status,
		PaymentAmount:     350000,
		PaymentsMade:      models.PaymentList{},
		NotificationsSent: models.NotificationLog{},
		Version:           1,
	}
	repo.enrollments[e.ID] = e
	return e
}

func TestCreateEnrollmentStartsPendingWithWindow(t *testing.T) {
	svc, _, _, _, now := newLifecycleFixture(t)

	detail, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "student-1", ClassID: "class-1"})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusPendingPayment, detail.Status)
	require.NotNil(t, detail.ExpiresAt)
	assert.True(t, detail.ExpiresAt.Equal(now.Add(48*time.Hour)))
	assert.Equal(t, 350000.0, detail.PaymentAmount)
	assert.Empty(t, detail.PaymentsMade)
	assert.Equal(t, 1, detail.Version)
}

func TestCreateEnrollmentRejectsDuplicatePair(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	repo.pairs["student-1/class-1"] = true

	_, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "student-1", ClassID: "class-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestCreateEnrollmentRejectsFullClass(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	repo.enrolledCount["class-1"] = 10

	_, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "student-1", ClassID: "class-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrCapacityExceeded.Code, appErrors.FromError(err).Code)
}

func TestCreateEnrollmentRejectsUnknownStudent(t *testing.T) {
	svc, _, _, _, _ := newLifecycleFixture(t)

	_, err := svc.Create(context.Background(), CreateEnrollmentRequest{StudentID: "ghost", ClassID: "class-1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestSubmitEnrollmentProofTransitions(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	seedEnrollment(repo, models.EnrollmentStatusPendingPayment)

	detail, err := svc.SubmitProof(context.Background(), "enr-1", SubmitProofRequest{Kind: ProofKindEnrollment, ProofRef: "proofs/enr-1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusProofSubmitted, detail.Status)
	require.NotNil(t, detail.ProofRef)
	assert.Equal(t, "proofs/enr-1.jpg", *detail.ProofRef)
	assert.NotNil(t, detail.ProofSubmittedAt)
}

func TestSubmitEnrollmentProofAllowsResubmitAfterRejection(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	seedEnrollment(repo, models.EnrollmentStatusProofRejected)

	detail, err := svc.SubmitProof(context.Background(), "enr-1", SubmitProofRequest{Kind: ProofKindEnrollment, ProofRef: "proofs/enr-1-v2.jpg"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusProofSubmitted, detail.Status)
	require.NotNil(t, detail.ProofRef)
	assert.Equal(t, "proofs/enr-1-v2.jpg", *detail.ProofRef)
}

func TestSubmitEnrollmentProofRejectedWhileEnrolled(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	seedEnrollment(repo, models.EnrollmentStatusEnrolled)

	_, err := svc.SubmitProof(context.Background(), "enr-1", SubmitProofRequest{Kind: ProofKindEnrollment, ProofRef: "proofs/x.jpg"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestSubmitMonthlyProofAppendsPendingPayment(t *testing.T) {
	svc, repo, _, _, now := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusEnrolled)
	due := now.AddDate(0, 1, 0)
	e.NextPaymentDueDate = &due

	detail, err := svc.SubmitProof(context.Background(), "enr-1", SubmitProofRequest{Kind: ProofKindMonthly, ProofRef: "proofs/monthly.jpg", Notes: "transfer BCA"})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusEnrolled, detail.Status)
	require.Len(t, detail.PaymentsMade, 1)
	payment := detail.PaymentsMade[0]
	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, 350000.0, payment.Amount)
	assert.Equal(t, "transfer BCA", payment.Notes)
	require.NotNil(t, payment.ProofRef)
	assert.Equal(t, "proofs/monthly.jpg", *payment.ProofRef)
}

func TestReviewEnrollmentApprovalOpensBilling(t *testing.T) {
	svc, repo, _, notifier, now := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusProofSubmitted)
	ref := "proofs/enr-1.jpg"
	e.ProofRef = &ref
	expires := now.Add(2 * time.Hour)
	e.ExpiresAt = &expires

	detail, err := svc.ReviewEnrollmentProof(context.Background(), "enr-1", ReviewRequest{Decision: DecisionApproved})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusEnrolled, detail.Status)
	assert.Nil(t, detail.ExpiresAt)
	require.NotNil(t, detail.BillingStartDate)
	require.NotNil(t, detail.NextPaymentDueDate)
	assert.True(t, detail.NextPaymentDueDate.Equal(AdvanceDueDate(now)))
	require.NotNil(t, detail.PriceAtEnrollment)
	assert.Equal(t, 350000.0, *detail.PriceAtEnrollment)

	require.Len(t, detail.PaymentsMade, 1)
	assert.Equal(t, models.PaymentStatusPaid, detail.PaymentsMade[0].Status)

	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindEnrollmentApproved, notifier.emails[0].Kind)
	assert.Equal(t, "dewi@example.com", notifier.emails[0].Recipient)
}

func TestReviewEnrollmentApprovalOnUpcomingClassDefersBilling(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	repo.classes["class-1"] = models.Class{ID: "class-1", Name: "Matematika XII", Price: 350000, MaxStudents: 10, Status: models.ClassStatusUpcoming}
	seedEnrollment(repo, models.EnrollmentStatusProofSubmitted)

	detail, err := svc.ReviewEnrollmentProof(context.Background(), "enr-1", ReviewRequest{Decision: DecisionApproved})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusEnrolled, detail.Status)
	assert.Nil(t, detail.BillingStartDate)
	assert.Nil(t, detail.NextPaymentDueDate)
	assert.Empty(t, detail.PaymentsMade)
}

func TestReviewEnrollmentRejectionKeepsProofClearsBilling(t *testing.T) {
	svc, repo, _, notifier, _ := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusProofSubmitted)
	ref := "proofs/enr-1.jpg"
	e.ProofRef = &ref

	detail, err := svc.ReviewEnrollmentProof(context.Background(), "enr-1", ReviewRequest{Decision: DecisionRejected, Notes: "blurry photo"})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusProofRejected, detail.Status)
	require.NotNil(t, detail.ProofRef)
	assert.Nil(t, detail.BillingStartDate)
	assert.Nil(t, detail.NextPaymentDueDate)

	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindEnrollmentRejected, notifier.emails[0].Kind)
	assert.Equal(t, "blurry photo", notifier.emails[0].Data["Reason"])
}

func TestReviewEnrollmentInvalidFromPending(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	seedEnrollment(repo, models.EnrollmentStatusPendingPayment)

	_, err := svc.ReviewEnrollmentProof(context.Background(), "enr-1", ReviewRequest{Decision: DecisionApproved})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestReviewMonthlyApprovalAdvancesAnchorFromPreviousValue(t *testing.T) {
	svc, repo, proofs, notifier, now := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusEnrolled)
	due := time.Date(2026, time.May, 31, 0, 0, 0, 0, time.UTC)
	e.NextPaymentDueDate = &due
	ref := "proofs/monthly.jpg"
	paidAt := now.AddDate(0, 0, -1)
	e.PaymentsMade = models.PaymentList{{
		ID:       "pay-1",
		Amount:   350000,
		Date:     paidAt,
		Status:   models.PaymentStatusPending,
		ProofRef: &ref,
	}}

	detail, err := svc.ReviewMonthlyPayment(context.Background(), "enr-1", "pay-1", ReviewRequest{Decision: DecisionApproved})
	require.NoError(t, err)

	require.Len(t, detail.PaymentsMade, 1)
	assert.Equal(t, models.PaymentStatusPaid, detail.PaymentsMade[0].Status)
	require.NotNil(t, detail.LastPaymentDate)
	assert.True(t, detail.LastPaymentDate.Equal(paidAt))
	// anchor advances from its previous value, clamped: May 31 -> Jun 30
	require.NotNil(t, detail.NextPaymentDueDate)
	assert.True(t, detail.NextPaymentDueDate.Equal(time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, []string{"proofs/monthly.jpg"}, proofs.deleted)
	require.Len(t, proofs.saved, 1)
	for ref := range proofs.saved {
		assert.True(t, strings.HasPrefix(ref, "receipts/enr-1/"))
	}
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindMonthlyApproved, notifier.emails[0].Kind)
}

func TestReviewMonthlyApprovalRestoresOverdueEnrollment(t *testing.T) {
	svc, repo, _, _, now := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusOverdue)
	due := now.AddDate(0, 0, -10)
	e.NextPaymentDueDate = &due
	e.PaymentsMade = models.PaymentList{{ID: "pay-1", Amount: 350000, Date: now, Status: models.PaymentStatusPending}}

	detail, err := svc.ReviewMonthlyPayment(context.Background(), "enr-1", "pay-1", ReviewRequest{Decision: DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, detail.Status)
}

func TestReviewMonthlyRejectionRequiresReason(t *testing.T) {
	svc, repo, _, _, now := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusEnrolled)
	e.PaymentsMade = models.PaymentList{{ID: "pay-1", Amount: 350000, Date: now, Status: models.PaymentStatusPending}}

	_, err := svc.ReviewMonthlyPayment(context.Background(), "enr-1", "pay-1", ReviewRequest{Decision: DecisionRejected, Notes: "   "})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	detail, err := svc.ReviewMonthlyPayment(context.Background(), "enr-1", "pay-1", ReviewRequest{Decision: DecisionRejected, Notes: "amount mismatch"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRejected, detail.PaymentsMade[0].Status)
	assert.Equal(t, "amount mismatch", detail.PaymentsMade[0].Notes)
	assert.NotNil(t, detail.PaymentsMade[0].RejectedAt)
}

func TestReviewMonthlyUnknownPayment(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	seedEnrollment(repo, models.EnrollmentStatusEnrolled)

	_, err := svc.ReviewMonthlyPayment(context.Background(), "enr-1", "nope", ReviewRequest{Decision: DecisionApproved})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestReviewMonthlyAlreadySettled(t *testing.T) {
	svc, repo, _, _, now := newLifecycleFixture(t)
	e := seedEnrollment(repo, models.EnrollmentStatusEnrolled)
	e.PaymentsMade = models.PaymentList{{ID: "pay-1", Amount: 350000, Date: now, Status: models.PaymentStatusPaid}}

	_, err := svc.ReviewMonthlyPayment(context.Background(), "enr-1", "pay-1", ReviewRequest{Decision: DecisionApproved})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestConcurrentUpdateSurfacesConflict(t *testing.T) {
	svc, repo, _, _, _ := newLifecycleFixture(t)
	seedEnrollment(repo, models.EnrollmentStatusPendingPayment)
	repo.updateErr = repository.ErrVersionConflict

	_, err := svc.SubmitProof(context.Background(), "enr-1", SubmitProofRequest{Kind: ProofKindEnrollment, ProofRef: "proofs/x.jpg"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
