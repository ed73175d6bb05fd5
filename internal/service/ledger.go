package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/bimbel-api/internal/models"
)

// The payment ledger is the append-only list of payment attempts embedded in
// each enrollment, plus the billing-anchor arithmetic below. Lookups by
// payment id are linear scans; ledger size is bounded by course duration.

// AdvanceDueDate moves the billing anchor forward by exactly one calendar
// month, clamping to the last day of shorter months so the anchor day never
// drifts (Jan 31 -> Feb 28/29 -> Mar 31 would drift with AddDate).
func AdvanceDueDate(current time.Time) time.Time {
	year, month, day := current.Date()
	hour, minute, sec := current.Clock()
	loc := current.Location()

	next := time.Date(year, month+1, 1, hour, minute, sec, current.Nanosecond(), loc)
	if last := daysInMonth(next.Year(), next.Month(), loc); day > last {
		day = last
	}
	return time.Date(next.Year(), next.Month(), day, hour, minute, sec, current.Nanosecond(), loc)
}

func daysInMonth(year int, month time.Month, loc *time.Location) int {
	// day 0 of the following month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// HasRecentOverdue reports whether the ledger already carries an overdue
// marker dated within the trailing window.
func HasRecentOverdue(payments models.PaymentList, now time.Time, windowDays int) bool {
	cutoff := now.AddDate(0, 0, -windowDays)
	for i := range payments {
		if payments[i].Status == models.PaymentStatusOverdue && payments[i].Date.After(cutoff) {
			return true
		}
	}
	return false
}

// MarkOverdue appends a synthetic overdue payment to the enrollment's ledger.
// The append is skipped when an overdue marker already exists within the
// trailing window, making repeated sweep runs idempotent. Reports whether a
// marker was appended.
func MarkOverdue(e *models.Enrollment, amount float64, now time.Time, windowDays int) bool {
	if HasRecentOverdue(e.PaymentsMade, now, windowDays) {
		return false
	}
	e.PaymentsMade = append(e.PaymentsMade, models.Payment{
		ID:      uuid.NewString(),
		Amount:  amount,
		Date:    now,
		Status:  models.PaymentStatusOverdue,
		Notes:   "automatic overdue marker",
		DueDate: e.NextPaymentDueDate,
	})
	return true
}

// endOfDay normalizes a timestamp to the last second of its calendar day.
func endOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 23, 59, 59, 0, t.Location())
}

// daysUntil returns the whole calendar days from now until target; negative
// when target has passed.
func daysUntil(target, now time.Time) int {
	return int(endOfDay(target).Sub(endOfDay(now)).Hours() / 24)
}
