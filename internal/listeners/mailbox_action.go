package listeners

import (
	"context"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"

	"github.com/mailwell/mailmirror/config"
	"github.com/mailwell/mailmirror/dto"
	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/services/events"
	"github.com/mailwell/mailmirror/services/realtime"
)

// MailboxActionListener feeds queued user actions into the realtime manager.
type MailboxActionListener struct {
	events.BaseEventListener
	manager *realtime.Manager
}

func NewMailboxActionListener(logger logger.Logger, cfg *config.EventsConfig, manager *realtime.Manager) interfaces.EventListener {
	return &MailboxActionListener{
		BaseEventListener: events.NewBaseEventListener(
			logger,
			events.GetEventType[dto.ActionRecord](),
			cfg.ActionQueue,
		),
		manager: manager,
	}
}

func (l *MailboxActionListener) Handle(ctx context.Context, baseEvent any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "MailboxActionListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "event", baseEvent)

	validatedEvent, err := l.ValidateBaseEvent(ctx, baseEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	action, err := events.DecodeEventData[dto.ActionRecord](ctx, validatedEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if action.MailboxID == "" {
		action.MailboxID = validatedEvent.Event.EntityId
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	return l.manager.EnqueueAction(ctx, action)
}
