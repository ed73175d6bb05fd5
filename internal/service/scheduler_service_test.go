package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bimbel-api/internal/models"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
	"github.com/noah-isme/bimbel-api/pkg/mailer"
)

type mockSchedulerRepo struct {
	trials    []models.Enrollment
	pending   []models.Enrollment
	billable  []models.Enrollment
	updated   map[string]*models.Enrollment
	deleted   []string
	listErr   error
	updateErr error
}

func newMockSchedulerRepo() *mockSchedulerRepo {
	return &mockSchedulerRepo{updated: map[string]*models.Enrollment{}}
}

func (m *mockSchedulerRepo) ListTrials(ctx context.Context) ([]models.Enrollment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.trials, nil
}

func (m *mockSchedulerRepo) ListExpiredPending(ctx context.Context, before time.Time) ([]models.Enrollment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.pending, nil
}

func (m *mockSchedulerRepo) ListBillable(ctx context.Context) ([]models.Enrollment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.billable, nil
}

func (m *mockSchedulerRepo) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	for _, set := range [][]models.Enrollment{m.trials, m.pending, m.billable} {
		for i := range set {
			if set[i].ID == id {
				return &models.EnrollmentDetail{
					Enrollment:   set[i],
					StudentName:  "Dewi Lestari",
					StudentEmail: "dewi@example.com",
					ClassName:    "Matematika XII",
				}, nil
			}
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockSchedulerRepo) Update(ctx context.Context, enrollment *models.Enrollment) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	clone := *enrollment
	m.updated[enrollment.ID] = &clone
	return nil
}

func (m *mockSchedulerRepo) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockLocker struct {
	held     bool
	err      error
	released int
}

func (m *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	if m.held {
		return nil, false, nil
	}
	return func() { m.released++ }, true, nil
}

func newSweepFixture(t *testing.T) (*SchedulerService, *mockSchedulerRepo, *mockNotifier, *mockLocker, time.Time) {
	t.Helper()
	repo := newMockSchedulerRepo()
	notifier := &mockNotifier{}
	locker := &mockLocker{}
	svc := NewSchedulerService(repo, notifier, locker, &mockProofStore{}, nil, nil, SchedulerConfig{})
	now := time.Date(2026, time.June, 10, 6, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, repo, notifier, locker, now
}

func billableEnrollment(id string, status models.EnrollmentStatus, due time.Time) models.Enrollment {
	return models.Enrollment{
		ID:                 id,
		StudentID:          "student-1",
		ClassID:            "class-1",
		Status:             status,
		PaymentAmount:      350000,
		NextPaymentDueDate: &due,
		PaymentsMade:       models.PaymentList{},
		NotificationsSent:  models.NotificationLog{},
	}
}

func TestReminderSweepSendsSingleReminderAtSevenDays(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, 7)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RemindersSent)
	assert.Equal(t, 0, summary.OverdueNoticesSent)
	assert.Equal(t, 0, summary.SuspensionsApplied)
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindPaymentReminder, notifier.emails[0].Kind)
	require.Len(t, notifier.pushes, 1)
	assert.Equal(t, "payment_reminder", notifier.pushes[0])
	// reminders never touch the stored record
	assert.Empty(t, repo.updated)
}

func TestReminderSweepUrgentAtOneDay(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, 1)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RemindersSent)
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindPaymentReminderUrgent, notifier.emails[0].Kind)
}

func TestReminderSweepMarksOverdueAfterGrace(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, -6)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OverdueNoticesSent)
	assert.Equal(t, 0, summary.RemindersSent)

	updated := repo.updated["enr-1"]
	require.NotNil(t, updated)
	assert.Equal(t, models.EnrollmentStatusOverdue, updated.Status)
	require.Len(t, updated.PaymentsMade, 1)
	assert.Equal(t, models.PaymentStatusOverdue, updated.PaymentsMade[0].Status)
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindPaymentOverdue, notifier.emails[0].Kind)
}

func TestReminderSweepOverdueDedupAcrossRuns(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	e := billableEnrollment("enr-1", models.EnrollmentStatusOverdue, now.AddDate(0, 0, -8))
	e.PaymentsMade = models.PaymentList{{
		ID:     "marker-1",
		Status: models.PaymentStatusOverdue,
		Date:   now.AddDate(0, 0, -2),
	}}
	repo.billable = []models.Enrollment{e}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.OverdueNoticesSent)
	assert.Empty(t, repo.updated)
	assert.Empty(t, notifier.emails)
}

func TestReminderSweepSuspendsLongOverdue(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	// still enrolled 21 days past due (missed sweeps): suspension is derived
	// from elapsed days alone, not from a prior overdue marker
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, -21)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SuspensionsApplied)
	updated := repo.updated["enr-1"]
	require.NotNil(t, updated)
	assert.Equal(t, models.EnrollmentStatusSuspended, updated.Status)
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindAccountSuspended, notifier.emails[0].Kind)
}

func TestReminderSweepAtMostOneBranchPerEnrollment(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	// 25 days past due with no marker satisfies both the overdue and the
	// suspension conditions; only the more severe branch may fire
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusOverdue, now.AddDate(0, 0, -25)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SuspensionsApplied)
	assert.Equal(t, 0, summary.OverdueNoticesSent)
	updated := repo.updated["enr-1"]
	require.NotNil(t, updated)
	assert.Equal(t, models.EnrollmentStatusSuspended, updated.Status)
	assert.Empty(t, updated.PaymentsMade)
	require.Len(t, notifier.emails, 1)
}

func TestReminderSweepCountsMissingDueDate(t *testing.T) {
	svc, repo, _, _, _ := newSweepFixture(t)
	e := models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusEnrolled}
	repo.billable = []models.Enrollment{e}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingData)
	assert.Equal(t, 0, summary.Errors)
}

func TestReminderSweepIsolatesItemFailures(t *testing.T) {
	svc, repo, _, _, now := newSweepFixture(t)
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, -6)),
		billableEnrollment("enr-2", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, 7)),
	}
	repo.updateErr = errors.New("connection reset")

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)

	// enr-1 fails on persist, enr-2 still gets its reminder
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.RemindersSent)
}

func TestReminderSweepEnumerationFailureIsFatal(t *testing.T) {
	svc, repo, _, _, _ := newSweepFixture(t)
	repo.listErr = errors.New("connection refused")

	_, err := svc.RunReminderSweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrExternalDependency.Code, appErrors.FromError(err).Code)
}

func TestReminderSweepSkipsWhenLeaseHeld(t *testing.T) {
	svc, repo, _, locker, now := newSweepFixture(t)
	locker.held = true
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, 7)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, 0, summary.RemindersSent)
}

func TestSweepProceedsWhenLeaseBackendFails(t *testing.T) {
	svc, repo, _, locker, now := newSweepFixture(t)
	locker.err = errors.New("redis: connection refused")
	repo.billable = []models.Enrollment{
		billableEnrollment("enr-1", models.EnrollmentStatusEnrolled, now.AddDate(0, 0, 7)),
	}

	summary, err := svc.RunReminderSweep(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 1, summary.RemindersSent)
}

func TestDailySweepExpiresTrialAndResetsWindow(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	expired := now.AddDate(0, 0, -1)
	repo.trials = []models.Enrollment{{
		ID:                "enr-1",
		StudentID:         "student-1",
		Status:            models.EnrollmentStatusTrial,
		ExpiresAt:         &expired,
		NotificationsSent: models.NotificationLog{},
	}}

	summary, err := svc.RunDailySweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Expired)
	updated := repo.updated["enr-1"]
	require.NotNil(t, updated)
	assert.Equal(t, models.EnrollmentStatusPendingPayment, updated.Status)
	require.NotNil(t, updated.TrialExpiredAt)
	require.NotNil(t, updated.ExpiresAt)
	assert.True(t, updated.ExpiresAt.Equal(now.Add(48*time.Hour)))
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindTrialExpired, notifier.emails[0].Kind)
}

func TestDailySweepTrialNoticeDeduplicated(t *testing.T) {
	svc, repo, notifier, _, now := newSweepFixture(t)
	expiry := now.AddDate(0, 0, 3)
	repo.trials = []models.Enrollment{{
		ID:                "enr-1",
		StudentID:         "student-1",
		Status:            models.EnrollmentStatusTrial,
		ExpiresAt:         &expiry,
		NotificationsSent: models.NotificationLog{},
	}}

	summary, err := svc.RunDailySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Notified)
	require.Len(t, notifier.emails, 1)
	assert.Equal(t, mailer.KindTrialExpiringSoon, notifier.emails[0].Kind)

	// second run on the same day: the stored marker suppresses the resend
	repo.trials[0] = *repo.updated["enr-1"]
	summary, err = svc.RunDailySweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Notified)
	assert.Len(t, notifier.emails, 1)
}

func TestDailySweepDeletesExpiredPending(t *testing.T) {
	svc, repo, _, _, now := newSweepFixture(t)
	expired := now.AddDate(0, 0, -1)
	ref := "proofs/enr-2.jpg"
	repo.pending = []models.Enrollment{{
		ID:        "enr-2",
		Status:    models.EnrollmentStatusPendingPayment,
		ExpiresAt: &expired,
		ProofRef:  &ref,
	}}

	summary, err := svc.RunDailySweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, []string{"enr-2"}, repo.deleted)
}

func TestDailySweepEnumerationFailureIsFatal(t *testing.T) {
	svc, repo, _, _, _ := newSweepFixture(t)
	repo.listErr = errors.New("connection refused")

	_, err := svc.RunDailySweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrExternalDependency.Code, appErrors.FromError(err).Code)
}
