package mailer

import (
	"bytes"
	"fmt"
	texttmpl "text/template"
)

// Email kinds understood by the notification gateway.
const (
	KindEnrollmentApproved    = "enrollment_approved"
	KindEnrollmentRejected    = "enrollment_rejected"
	KindMonthlyApproved       = "monthly_payment_approved"
	KindMonthlyRejected       = "monthly_payment_rejected"
	KindPaymentReminder       = "payment_reminder"
	KindPaymentReminderUrgent = "payment_reminder_urgent"
	KindPaymentOverdue        = "payment_overdue"
	KindAccountSuspended      = "account_suspended"
	KindTrialExpiringSoon     = "trial_expiring_soon"
	KindTrialExpired          = "trial_expired"
)

type template struct {
	subject string
	body    *texttmpl.Template
}

func mustBody(name, text string) *texttmpl.Template {
	return texttmpl.Must(texttmpl.New(name).Parse(text))
}

var templates = map[string]template{
	KindEnrollmentApproved: {
		subject: "Your enrollment is confirmed",
		body: mustBody(KindEnrollmentApproved,
			"Hi {{.StudentName}},\n\nYour payment proof for {{.ClassName}} was approved. Welcome aboard!\n{{if .NextDueDate}}Your next monthly payment is due on {{.NextDueDate}}.\n{{end}}"),
	},
	KindEnrollmentRejected: {
		subject: "Your payment proof needs attention",
		body: mustBody(KindEnrollmentRejected,
			"Hi {{.StudentName}},\n\nYour payment proof for {{.ClassName}} was rejected.\n{{if .Reason}}Reason: {{.Reason}}\n{{end}}Please upload a new proof.\n"),
	},
	KindMonthlyApproved: {
		subject: "Monthly payment received",
		body: mustBody(KindMonthlyApproved,
			"Hi {{.StudentName}},\n\nYour monthly payment of Rp {{.Amount}} for {{.ClassName}} was approved.\n{{if .NextDueDate}}Your next payment is due on {{.NextDueDate}}.\n{{end}}"),
	},
	KindMonthlyRejected: {
		subject: "Monthly payment proof rejected",
		body: mustBody(KindMonthlyRejected,
			"Hi {{.StudentName}},\n\nYour monthly payment proof for {{.ClassName}} was rejected.\nReason: {{.Reason}}\nPlease upload a new proof.\n"),
	},
	KindPaymentReminder: {
		subject: "Upcoming payment reminder",
		body: mustBody(KindPaymentReminder,
			"Hi {{.StudentName}},\n\nYour monthly payment of Rp {{.Amount}} for {{.ClassName}} is due on {{.DueDate}}.\n"),
	},
	KindPaymentReminderUrgent: {
		subject: "Payment due tomorrow",
		body: mustBody(KindPaymentReminderUrgent,
			"Hi {{.StudentName}},\n\nReminder: your monthly payment of Rp {{.Amount}} for {{.ClassName}} is due tomorrow ({{.DueDate}}).\n"),
	},
	KindPaymentOverdue: {
		subject: "Payment overdue",
		body: mustBody(KindPaymentOverdue,
			"Hi {{.StudentName}},\n\nYour payment for {{.ClassName}} was due on {{.DueDate}} and is now overdue. Please settle it as soon as possible to keep your enrollment active.\n"),
	},
	KindAccountSuspended: {
		subject: "Enrollment suspended",
		body: mustBody(KindAccountSuspended,
			"Hi {{.StudentName}},\n\nYour enrollment in {{.ClassName}} has been suspended due to non-payment. Contact our staff to reactivate it.\n"),
	},
	KindTrialExpiringSoon: {
		subject: "Your trial is ending soon",
		body: mustBody(KindTrialExpiringSoon,
			"Hi {{.StudentName}},\n\nYour trial for {{.ClassName}} ends in {{.DaysLeft}} day(s). Enroll now to keep your spot.\n"),
	},
	KindTrialExpired: {
		subject: "Your trial has ended",
		body: mustBody(KindTrialExpired,
			"Hi {{.StudentName}},\n\nYour trial for {{.ClassName}} has ended. Complete your payment within 48 hours to enroll.\n"),
	},
}

// Render resolves the subject and plaintext body for an email kind.
func Render(kind string, data map[string]interface{}) (subject, text string, err error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown email kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render email %q: %w", kind, err)
	}
	return tmpl.subject, buf.String(), nil
}
