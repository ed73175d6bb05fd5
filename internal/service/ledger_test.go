package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bimbel-api/internal/models"
)

func TestAdvanceDueDateKeepsAnchorDay(t *testing.T) {
	current := time.Date(2026, time.March, 15, 10, 30, 0, 0, time.UTC)
	next := AdvanceDueDate(current)
	assert.Equal(t, time.Date(2026, time.April, 15, 10, 30, 0, 0, time.UTC), next)
}

func TestAdvanceDueDateClampsShortMonths(t *testing.T) {
	cases := []struct {
		name    string
		current time.Time
		want    time.Time
	}{
		{
			name:    "jan 31 clamps to feb 28",
			current: time.Date(2026, time.January, 31, 0, 0, 0, 0, time.UTC),
			want:    time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "jan 31 clamps to feb 29 in leap years",
			current: time.Date(2028, time.January, 31, 0, 0, 0, 0, time.UTC),
			want:    time.Date(2028, time.February, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "mar 31 clamps to apr 30",
			current: time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
			want:    time.Date(2026, time.April, 30, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "dec rolls into january",
			current: time.Date(2026, time.December, 15, 0, 0, 0, 0, time.UTC),
			want:    time.Date(2027, time.January, 15, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AdvanceDueDate(tc.current))
		})
	}
}

func TestMarkOverdueAppendsOnce(t *testing.T) {
	now := time.Date(2026, time.June, 10, 8, 0, 0, 0, time.UTC)
	due := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	enrollment := &models.Enrollment{
		PaymentAmount:      300000,
		NextPaymentDueDate: &due,
	}

	appended := MarkOverdue(enrollment, enrollment.MonthlyAmount(), now, 7)
	require.True(t, appended)
	require.Len(t, enrollment.PaymentsMade, 1)
	marker := enrollment.PaymentsMade[0]
	assert.Equal(t, models.PaymentStatusOverdue, marker.Status)
	assert.Equal(t, 300000.0, marker.Amount)
	assert.NotEmpty(t, marker.ID)
	require.NotNil(t, marker.DueDate)
	assert.True(t, marker.DueDate.Equal(due))

	// second pass within the dedup window is a no-op
	appended = MarkOverdue(enrollment, enrollment.MonthlyAmount(), now.AddDate(0, 0, 1), 7)
	assert.False(t, appended)
	assert.Len(t, enrollment.PaymentsMade, 1)
}

func TestMarkOverdueAppendsAgainAfterWindow(t *testing.T) {
	now := time.Date(2026, time.June, 10, 8, 0, 0, 0, time.UTC)
	enrollment := &models.Enrollment{PaymentAmount: 150000}

	require.True(t, MarkOverdue(enrollment, 150000, now, 7))
	require.True(t, MarkOverdue(enrollment, 150000, now.AddDate(0, 0, 8), 7))
	assert.Len(t, enrollment.PaymentsMade, 2)
}

func TestHasRecentOverdueIgnoresOtherStatuses(t *testing.T) {
	now := time.Date(2026, time.June, 10, 0, 0, 0, 0, time.UTC)
	payments := models.PaymentList{
		{Status: models.PaymentStatusPaid, Date: now.AddDate(0, 0, -1)},
		{Status: models.PaymentStatusPending, Date: now.AddDate(0, 0, -1)},
	}
	assert.False(t, HasRecentOverdue(payments, now, 7))

	payments = append(payments, models.Payment{Status: models.PaymentStatusOverdue, Date: now.AddDate(0, 0, -3)})
	assert.True(t, HasRecentOverdue(payments, now, 7))
}

func TestDaysUntilWholeCalendarDays(t *testing.T) {
	now := time.Date(2026, time.June, 10, 23, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, daysUntil(time.Date(2026, time.June, 10, 1, 0, 0, 0, time.UTC), now))
	assert.Equal(t, 7, daysUntil(time.Date(2026, time.June, 17, 1, 0, 0, 0, time.UTC), now))
	assert.Equal(t, -1, daysUntil(time.Date(2026, time.June, 9, 23, 59, 0, 0, time.UTC), now))
}
