package dto

// DailySweepSummary aggregates the trial & stale-pending sweep outcome.
type DailySweepSummary struct {
	Processed int  `json:"processed"`
	Expired   int  `json:"expired"`
	Notified  int  `json:"notified"`
	Deleted   int  `json:"deleted"`
	Errors    int  `json:"errors"`
	Skipped   bool `json:"skipped,omitempty"`
}

// ReminderSweepSummary aggregates the payment reminder/escalation sweep
// outcome.
type ReminderSweepSummary struct {
	RemindersSent      int  `json:"reminders_sent"`
	OverdueNoticesSent int  `json:"overdue_notices_sent"`
	SuspensionsApplied int  `json:"suspensions_applied"`
	NotificationsSent  int  `json:"notifications_sent"`
	MissingData        int  `json:"missing_data"`
	Errors             int  `json:"errors"`
	Skipped            bool `json:"skipped,omitempty"`
}
