package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/bimbel-api/pkg/jobs"
)

// EmailSender delivers one transactional email. Implementations live in
// pkg/mailer.
type EmailSender interface {
	SendEmail(ctx context.Context, kind, recipient string, data map[string]interface{}) error
}

// PushSender delivers one push notification. Implementations live in pkg/push.
type PushSender interface {
	SendPush(ctx context.Context, userIDs []string, title, message, link, pushType string) error
}

type emailJob struct {
	Kind      string
	Recipient string
	Data      map[string]interface{}
}

type pushJob struct {
	UserIDs  []string
	Title    string
	Message  string
	Link     string
	PushType string
}

// NotificationService is the best-effort outbound gateway. Sends are queued
// and drained by a worker pool with its own retry policy, so lifecycle
// correctness never depends on delivery: a failed send is logged and counted,
// never surfaced to the state machine.
type NotificationService struct {
	email   EmailSender
	push    PushSender
	queue   *jobs.Queue
	logger  *zap.Logger
	metrics *MetricsService
}

// NewNotificationService builds the gateway and its dispatch queue.
func NewNotificationService(email EmailSender, push PushSender, logger *zap.Logger, metrics *MetricsService, cfg jobs.QueueConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{email: email, push: push, logger: logger, metrics: metrics}
	cfg.Logger = logger
	s.queue = jobs.NewQueue("notifications", s.process, cfg)
	return s
}

// Start begins draining the dispatch queue.
func (s *NotificationService) Start(ctx context.Context) { s.queue.Start(ctx) }

// Stop drains workers and waits for them to exit.
func (s *NotificationService) Stop() { s.queue.Stop() }

// SendEmail enqueues an email send. The enqueue itself is the only failure a
// caller ever sees, and callers treat even that as non-fatal.
func (s *NotificationService) SendEmail(ctx context.Context, kind, recipient string, data map[string]interface{}) error {
	if recipient == "" {
		s.logger.Sugar().Warnw("dropping email without recipient", "kind", kind)
		return nil
	}
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "email",
		Payload: emailJob{Kind: kind, Recipient: recipient, Data: data},
	})
}

// SendPush enqueues a push send.
func (s *NotificationService) SendPush(ctx context.Context, userIDs []string, title, message, link, pushType string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "push",
		Payload: pushJob{UserIDs: userIDs, Title: title, Message: message, Link: link, PushType: pushType},
	})
}

func (s *NotificationService) process(ctx context.Context, job jobs.Job) error {
	switch payload := job.Payload.(type) {
	case emailJob:
		err := s.email.SendEmail(ctx, payload.Kind, payload.Recipient, payload.Data)
		s.metrics.CountNotification("email", err == nil)
		if err != nil {
			s.logger.Sugar().Warnw("email send failed", "kind", payload.Kind, "to", payload.Recipient, "error", err)
		}
		return err
	case pushJob:
		err := s.push.SendPush(ctx, payload.UserIDs, payload.Title, payload.Message, payload.Link, payload.PushType)
		s.metrics.CountNotification("push", err == nil)
		if err != nil {
			s.logger.Sugar().Warnw("push send failed", "title", payload.Title, "error", err)
		}
		return err
	default:
		s.logger.Sugar().Errorw("unknown notification job", "type", job.Type)
		return nil
	}
}
