package listeners

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/mailwell/mailmirror/config"
	"github.com/mailwell/mailmirror/dto"
	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/services/events"
	"github.com/mailwell/mailmirror/services/realtime"
)

// MailboxActivityListener creates and retires realtime reconcilers from
// mailbox activity signals.
type MailboxActivityListener struct {
	events.BaseEventListener
	manager *realtime.Manager
}

func NewMailboxActivityListener(logger logger.Logger, cfg *config.EventsConfig, manager *realtime.Manager) interfaces.EventListener {
	return &MailboxActivityListener{
		BaseEventListener: events.NewBaseEventListener(
			logger,
			events.GetEventType[dto.ActivityPing](),
			cfg.ActivityQueue,
		),
		manager: manager,
	}
}

func (l *MailboxActivityListener) Handle(ctx context.Context, baseEvent any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "MailboxActivityListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "event", baseEvent)

	validatedEvent, err := l.ValidateBaseEvent(ctx, baseEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	ping, err := events.DecodeEventData[dto.ActivityPing](ctx, validatedEvent)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if ping.MailboxID == "" {
		ping.MailboxID = validatedEvent.Event.EntityId
	}

	return l.manager.HandleActivity(ctx, ping)
}
