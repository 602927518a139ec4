// Package notify records in-app notifications and queues outbound email for
// the external mailer.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/bizflow/internal/entity"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// EmailStatusPending marks a queued email not yet picked up by the mailer.
const EmailStatusPending = "pending"

// EntityRef points a notification at the record it is about.
type EntityRef struct {
	Type string
	ID   string
}

// Dispatcher writes notification and email records.
type Dispatcher struct {
	repo   *entity.Repository
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHub publishes a stream event for every record written.
func WithHub(h streaming.EventHub) Option {
	return func(d *Dispatcher) { d.hub = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher writing to docs.
func NewDispatcher(docs store.DocumentStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:   entity.NewRepository(docs),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify creates an unread notification for userID and returns its id.
func (d *Dispatcher) Notify(ctx context.Context, userID, typ, title, message string, ref *EntityRef) (string, error) {
	if userID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "notification recipient is required")
	}
	n := &entity.Notification{
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		CreatedAt: d.now(),
	}
	if ref != nil {
		n.EntityType = ref.Type
		n.EntityID = ref.ID
	}
	id, err := d.repo.Insert(ctx, entity.Notifications, n)
	if err != nil {
		return "", err
	}
	logging.LogWith(ctx, d.logger).Debug("notification created", "notification_id", id, "user_id", userID, "type", typ)
	d.publish(ctx, schema.EventNotificationCreated, map[string]any{
		"notificationId": id, "userId": userID, "type": typ,
	})
	return id, nil
}

// EnqueueEmail queues a templated email with status pending and returns its id.
func (d *Dispatcher) EnqueueEmail(ctx context.Context, to, template string, data map[string]any) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "email recipient is required")
	}
	if template == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "email template is required")
	}
	id, err := d.repo.Insert(ctx, entity.EmailQueue, &entity.Email{
		To:        to,
		Template:  template,
		Data:      data,
		Status:    EmailStatusPending,
		CreatedAt: d.now(),
	})
	if err != nil {
		return "", err
	}
	logging.LogWith(ctx, d.logger).Debug("email queued", "email_id", id, "template", template)
	d.publish(ctx, schema.EventEmailQueued, map[string]any{"emailId": id, "template": template})
	return id, nil
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, payload map[string]any) {
	if d.hub == nil {
		return
	}
	_ = d.hub.Publish(ctx, streaming.StreamEvent{
		InstanceID:   logging.InstanceID(ctx),
		WorkflowType: logging.WorkflowType(ctx),
		StepID:       logging.Step(ctx),
		EventType:    eventType,
		Payload:      payload,
		Timestamp:    d.now(),
	})
}
