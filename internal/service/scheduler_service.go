package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/bimbel-api/internal/dto"
	"github.com/noah-isme/bimbel-api/internal/models"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
	"github.com/noah-isme/bimbel-api/pkg/mailer"
)

type schedulerRepository interface {
	ListTrials(ctx context.Context) ([]models.Enrollment, error)
	ListExpiredPending(ctx context.Context, before time.Time) ([]models.Enrollment, error)
	ListBillable(ctx context.Context) ([]models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	Update(ctx context.Context, enrollment *models.Enrollment) error
	Delete(ctx context.Context, id string) error
}

type sweepNotifier interface {
	SendEmail(ctx context.Context, kind, recipient string, data map[string]interface{}) error
	SendPush(ctx context.Context, userIDs []string, title, message, link, pushType string) error
}

type sweepLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

type proofDeleter interface {
	Delete(ref string) error
}

// SchedulerConfig holds the escalation thresholds, all in whole days unless
// noted.
type SchedulerConfig struct {
	ReminderDay       int
	UrgentReminderDay int
	OverdueGraceDays  int
	SuspendAfterDays  int
	OverdueDedupDays  int
	TrialNoticeDays   []int
	PendingPaymentTTL time.Duration
	LeaseTTL          time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.ReminderDay <= 0 {
		c.ReminderDay = 7
	}
	if c.UrgentReminderDay <= 0 {
		c.UrgentReminderDay = 1
	}
	if c.OverdueGraceDays <= 0 {
		c.OverdueGraceDays = 5
	}
	if c.SuspendAfterDays <= 0 {
		c.SuspendAfterDays = 20
	}
	if c.OverdueDedupDays <= 0 {
		c.OverdueDedupDays = 7
	}
	if len(c.TrialNoticeDays) == 0 {
		c.TrialNoticeDays = []int{3, 1}
	}
	if c.PendingPaymentTTL <= 0 {
		c.PendingPaymentTTL = 48 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
}

// SchedulerService runs the two time-triggered escalation sweeps. Each
// enrollment is processed independently: a per-item failure is logged and
// counted, never aborts the sweep. Only a failure to enumerate candidates is
// fatal. State changes commit before their paired notification is dispatched
// and are never rolled back on notification failure.
type SchedulerService struct {
	repo     schedulerRepository
	notifier sweepNotifier
	locker   sweepLocker
	proofs   proofDeleter
	logger   *zap.Logger
	metrics  *MetricsService
	cfg      SchedulerConfig
	now      func() time.Time
}

// NewSchedulerService constructs the escalation scheduler. locker and proofs
// may be nil; the corresponding steps degrade to no-ops.
func NewSchedulerService(repo schedulerRepository, notifier sweepNotifier, locker sweepLocker, proofs proofDeleter, logger *zap.Logger, metrics *MetricsService, cfg SchedulerConfig) *SchedulerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &SchedulerService{
		repo:     repo,
		notifier: notifier,
		locker:   locker,
		proofs:   proofs,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunDailySweep walks trial enrollments toward expiry and hard-deletes
// pending_payment records whose payment window has passed.
func (s *SchedulerService) RunDailySweep(ctx context.Context) (*dto.DailySweepSummary, error) {
	start := time.Now()
	summary := &dto.DailySweepSummary{}

	release, acquired := s.acquire(ctx, "sweep:daily")
	if !acquired {
		summary.Skipped = true
		s.metrics.ObserveSweep("daily", "skipped", time.Since(start))
		return summary, nil
	}
	defer release()

	now := s.now()

	trials, err := s.repo.ListTrials(ctx)
	if err != nil {
		s.metrics.ObserveSweep("daily", "error", time.Since(start))
		return nil, appErrors.Wrap(err, appErrors.ErrExternalDependency.Code, appErrors.ErrExternalDependency.Status, "failed to enumerate trial enrollments")
	}
	for i := range trials {
		summary.Processed++
		if err := s.processTrial(ctx, &trials[i], now, summary); err != nil {
			summary.Errors++
			s.metrics.CountSweepItem("daily", "error")
			s.logger.Sugar().Errorw("trial sweep item failed", "enrollment_id", trials[i].ID, "error", err)
		}
	}

	expired, err := s.repo.ListExpiredPending(ctx, now)
	if err != nil {
		s.metrics.ObserveSweep("daily", "error", time.Since(start))
		return nil, appErrors.Wrap(err, appErrors.ErrExternalDependency.Code, appErrors.ErrExternalDependency.Status, "failed to enumerate expired pending enrollments")
	}
	for i := range expired {
		summary.Processed++
		if err := s.deleteExpiredPending(ctx, &expired[i]); err != nil {
			summary.Errors++
			s.metrics.CountSweepItem("daily", "error")
			s.logger.Sugar().Errorw("failed to delete expired enrollment", "enrollment_id", expired[i].ID, "error", err)
			continue
		}
		summary.Deleted++
		s.metrics.CountSweepItem("daily", "deleted")
	}

	s.metrics.ObserveSweep("daily", "ok", time.Since(start))
	s.logger.Sugar().Infow("daily sweep finished",
		"processed", summary.Processed, "expired", summary.Expired,
		"notified", summary.Notified, "deleted", summary.Deleted, "errors", summary.Errors)
	return summary, nil
}

func (s *SchedulerService) processTrial(ctx context.Context, e *models.Enrollment, now time.Time, summary *dto.DailySweepSummary) error {
	if e.ExpiresAt == nil {
		return nil
	}
	d := daysUntil(*e.ExpiresAt, now)

	if d < 0 {
		e.Status = models.EnrollmentStatusPendingPayment
		e.TrialExpiredAt = &now
		// a fresh payment window, otherwise the next pass would delete the
		// record before the student ever sees the expiry mail
		expires := now.Add(s.cfg.PendingPaymentTTL)
		e.ExpiresAt = &expires
		e.UpdatedAt = now
		if err := s.repo.Update(ctx, e); err != nil {
			return fmt.Errorf("persist trial expiry: %w", err)
		}
		summary.Expired++
		s.metrics.CountSweepItem("daily", "expired")
		s.notifyTrial(ctx, e, mailer.KindTrialExpired, 0)
		return nil
	}

	for _, notice := range s.cfg.TrialNoticeDays {
		if d != notice {
			continue
		}
		key := fmt.Sprintf("trial_expiry_%d", notice)
		if _, sent := e.NotificationsSent[key]; sent {
			return nil
		}
		if e.NotificationsSent == nil {
			e.NotificationsSent = models.NotificationLog{}
		}
		e.NotificationsSent[key] = now
		e.UpdatedAt = now
		if err := s.repo.Update(ctx, e); err != nil {
			return fmt.Errorf("persist trial notice marker: %w", err)
		}
		summary.Notified++
		s.metrics.CountSweepItem("daily", "notified")
		s.notifyTrial(ctx, e, mailer.KindTrialExpiringSoon, notice)
		return nil
	}
	return nil
}

func (s *SchedulerService) deleteExpiredPending(ctx context.Context, e *models.Enrollment) error {
	if e.ProofRef != nil && s.proofs != nil {
		if err := s.proofs.Delete(*e.ProofRef); err != nil {
			s.logger.Sugar().Warnw("failed to delete proof artifact", "enrollment_id", e.ID, "proof_ref", *e.ProofRef, "error", err)
		}
	}
	return s.repo.Delete(ctx, e.ID)
}

// RunReminderSweep evaluates the payment reminder/escalation ladder for every
// billable enrollment. The ladder is ordered and mutually exclusive: the
// first matching branch wins and at most one branch fires per enrollment per
// run.
func (s *SchedulerService) RunReminderSweep(ctx context.Context) (*dto.ReminderSweepSummary, error) {
	start := time.Now()
	summary := &dto.ReminderSweepSummary{}

	release, acquired := s.acquire(ctx, "sweep:reminders")
	if !acquired {
		summary.Skipped = true
		s.metrics.ObserveSweep("reminders", "skipped", time.Since(start))
		return summary, nil
	}
	defer release()

	now := s.now()

	candidates, err := s.repo.ListBillable(ctx)
	if err != nil {
		s.metrics.ObserveSweep("reminders", "error", time.Since(start))
		return nil, appErrors.Wrap(err, appErrors.ErrExternalDependency.Code, appErrors.ErrExternalDependency.Status, "failed to enumerate billable enrollments")
	}

	for i := range candidates {
		if err := s.processReminder(ctx, &candidates[i], now, summary); err != nil {
			summary.Errors++
			s.metrics.CountSweepItem("reminders", "error")
			s.logger.Sugar().Errorw("reminder sweep item failed", "enrollment_id", candidates[i].ID, "error", err)
		}
	}

	s.metrics.ObserveSweep("reminders", "ok", time.Since(start))
	s.logger.Sugar().Infow("reminder sweep finished",
		"reminders", summary.RemindersSent, "overdue_notices", summary.OverdueNoticesSent,
		"suspensions", summary.SuspensionsApplied, "notifications", summary.NotificationsSent,
		"missing_data", summary.MissingData, "errors", summary.Errors)
	return summary, nil
}

func (s *SchedulerService) processReminder(ctx context.Context, e *models.Enrollment, now time.Time, summary *dto.ReminderSweepSummary) error {
	if e.NextPaymentDueDate == nil {
		summary.MissingData++
		s.metrics.CountSweepItem("reminders", "missing_data")
		return nil
	}
	detail, err := s.repo.FindDetailByID(ctx, e.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			summary.MissingData++
			s.metrics.CountSweepItem("reminders", "missing_data")
			return nil
		}
		return fmt.Errorf("load enrollment detail: %w", err)
	}

	due := endOfDay(*e.NextPaymentDueDate)
	delta := daysUntil(due, now)

	switch {
	case delta == s.cfg.ReminderDay:
		s.sendReminder(ctx, detail, due, mailer.KindPaymentReminder, "payment_reminder", summary)
		summary.RemindersSent++
		s.metrics.CountSweepItem("reminders", "reminder")

	case delta == s.cfg.UrgentReminderDay:
		s.sendReminder(ctx, detail, due, mailer.KindPaymentReminderUrgent, "payment_reminder_urgent", summary)
		summary.RemindersSent++
		s.metrics.CountSweepItem("reminders", "reminder_urgent")

	case now.After(due.AddDate(0, 0, s.cfg.SuspendAfterDays)) && e.Status != models.EnrollmentStatusSuspended:
		e.Status = models.EnrollmentStatusSuspended
		e.UpdatedAt = now
		if err := s.repo.Update(ctx, e); err != nil {
			return fmt.Errorf("persist suspension: %w", err)
		}
		s.sendReminder(ctx, detail, due, mailer.KindAccountSuspended, "account_suspended", summary)
		summary.SuspensionsApplied++
		s.metrics.CountSweepItem("reminders", "suspended")

	case now.After(due.AddDate(0, 0, s.cfg.OverdueGraceDays)) && !HasRecentOverdue(e.PaymentsMade, now, s.cfg.OverdueDedupDays):
		MarkOverdue(e, e.MonthlyAmount(), now, s.cfg.OverdueDedupDays)
		e.Status = models.EnrollmentStatusOverdue
		e.UpdatedAt = now
		if err := s.repo.Update(ctx, e); err != nil {
			return fmt.Errorf("persist overdue escalation: %w", err)
		}
		s.sendReminder(ctx, detail, due, mailer.KindPaymentOverdue, "payment_overdue", summary)
		summary.OverdueNoticesSent++
		s.metrics.CountSweepItem("reminders", "overdue")
	}
	return nil
}

func (s *SchedulerService) sendReminder(ctx context.Context, detail *models.EnrollmentDetail, due time.Time, emailKind, pushType string, summary *dto.ReminderSweepSummary) {
	data := map[string]interface{}{
		"StudentName": detail.StudentName,
		"ClassName":   detail.ClassName,
		"Amount":      fmt.Sprintf("%.2f", detail.MonthlyAmount()),
		"DueDate":     due.Format("2 January 2006"),
	}
	if err := s.notifier.SendEmail(ctx, emailKind, detail.StudentEmail, data); err != nil {
		s.logger.Sugar().Warnw("failed to enqueue sweep email", "enrollment_id", detail.ID, "kind", emailKind, "error", err)
	} else {
		summary.NotificationsSent++
	}

	subject, text, err := mailer.Render(emailKind, data)
	if err != nil {
		s.logger.Sugar().Warnw("failed to render push text", "kind", emailKind, "error", err)
		return
	}
	link := "/enrollments/" + detail.ID
	if err := s.notifier.SendPush(ctx, []string{detail.StudentID}, subject, text, link, pushType); err != nil {
		s.logger.Sugar().Warnw("failed to enqueue sweep push", "enrollment_id", detail.ID, "kind", emailKind, "error", err)
	} else {
		summary.NotificationsSent++
	}
}

func (s *SchedulerService) notifyTrial(ctx context.Context, e *models.Enrollment, emailKind string, daysLeft int) {
	detail, err := s.repo.FindDetailByID(ctx, e.ID)
	if err != nil {
		s.logger.Sugar().Warnw("failed to load detail for trial notification", "enrollment_id", e.ID, "error", err)
		return
	}
	data := map[string]interface{}{
		"StudentName": detail.StudentName,
		"ClassName":   detail.ClassName,
		"DaysLeft":    daysLeft,
	}
	if err := s.notifier.SendEmail(ctx, emailKind, detail.StudentEmail, data); err != nil {
		s.logger.Sugar().Warnw("failed to enqueue trial email", "enrollment_id", e.ID, "kind", emailKind, "error", err)
	}
}

// acquire claims the sweep lease. A lease backend failure is logged and the
// sweep proceeds unguarded: the sweep must still run at least once per day
// even when Redis is down.
func (s *SchedulerService) acquire(ctx context.Context, key string) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	release, ok, err := s.locker.Acquire(ctx, key, s.cfg.LeaseTTL)
	if err != nil {
		s.logger.Sugar().Warnw("sweep lease unavailable, proceeding without it", "key", key, "error", err)
		return func() {}, true
	}
	if !ok {
		s.logger.Sugar().Infow("sweep already in progress elsewhere, skipping", "key", key)
		return nil, false
	}
	return release, true
}
