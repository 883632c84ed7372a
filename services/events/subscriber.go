package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/mailwell/mailmirror/dto"
	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/tracing"
)

const deadLetterSuffix = "-dlq"

type SubscriberConfig struct {
	AckRetries       int
	ReconnectBackoff time.Duration
}

// RabbitMQSubscriber consumes queue messages and dispatches them to the
// registered listener of each event type. Delivery is at-least-once: a
// failed handler nacks without requeue, which dead-letters the message.
type RabbitMQSubscriber struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	url             string
	logger          logger.Logger
	config          SubscriberConfig

	listenerMutex sync.RWMutex
	listeners     map[string]interfaces.EventListener

	closed chan struct{}
}

func NewRabbitMQSubscriber(rabbitmqURL string, logger logger.Logger, config *SubscriberConfig) (*RabbitMQSubscriber, error) {
	if config == nil {
		config = &SubscriberConfig{
			AckRetries:       5,
			ReconnectBackoff: 5 * time.Second,
		}
	}

	subscriber := &RabbitMQSubscriber{
		url:       rabbitmqURL,
		logger:    logger,
		config:    *config,
		listeners: map[string]interfaces.EventListener{},
		closed:    make(chan struct{}),
	}
	if err := subscriber.connect(); err != nil {
		return nil, err
	}
	return subscriber, nil
}

func (r *RabbitMQSubscriber) RegisterListener(listener interfaces.EventListener) {
	r.listenerMutex.Lock()
	defer r.listenerMutex.Unlock()

	r.listeners[listener.GetEventType()] = listener
	r.logger.Infof("Registered listener for event type %s on queue %s",
		listener.GetEventType(), listener.GetQueueName())
}

// ListenQueue declares the queue together with its dead-letter pair and
// starts a consume loop that survives connection loss.
func (r *RabbitMQSubscriber) ListenQueue(queueName string) error {
	if err := r.declareQueue(queueName); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-r.closed:
				return
			default:
			}

			channel, err := r.channel()
			if err != nil {
				r.logger.Errorf("Failed to open channel for queue %s: %v. Retrying...", queueName, err)
				time.Sleep(r.config.ReconnectBackoff)
				continue
			}

			msgs, err := channel.Consume(queueName, "", false, false, false, false, nil)
			if err != nil {
				channel.Close()
				r.logger.Errorf("Failed to register consumer on queue %s: %v. Retrying...", queueName, err)
				time.Sleep(r.config.ReconnectBackoff)
				continue
			}

			r.logger.Infof("Listening for messages on queue %s", queueName)
			for d := range msgs {
				r.handleMessage(d, queueName)
			}
			channel.Close()

			select {
			case <-r.closed:
				return
			default:
				r.logger.Warnf("Connection lost for queue %s. Reconnecting...", queueName)
				time.Sleep(r.config.ReconnectBackoff)
			}
		}
	}()

	return nil
}

// declareQueue sets up the queue and its dead-letter destination. Failed
// messages route to the dead-letter queue instead of being redelivered
// forever.
func (r *RabbitMQSubscriber) declareQueue(queueName string) error {
	channel, err := r.channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	dlq := queueName + deadLetterSuffix
	if _, err := channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare dead-letter queue %s", dlq)
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", queueName)
	}
	return nil
}

func (r *RabbitMQSubscriber) handleMessage(d amqp091.Delivery, queueName string) {
	defer tracing.RecoverAndLogToJaeger(r.logger)

	if err := r.processMessage(d, queueName); err != nil {
		r.logger.Errorf("Failed to process message on queue %s: %v", queueName, err)
		r.retryAckNack(d, false)
		return
	}
	r.retryAckNack(d, true)
}

func (r *RabbitMQSubscriber) processMessage(d amqp091.Delivery, queueName string) error {
	var event dto.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return errors.Wrap(err, "failed to unmarshal message")
	}

	ctx, span := tracing.StartRabbitMQMessageTracerSpanWithHeader(context.Background(), "RabbitMQSubscriber.ProcessMessage", event.Metadata.UberTraceId)
	defer span.Finish()
	span.LogKV("event_type", event.Event.EventType)
	span.LogKV("queue_name", queueName)

	r.listenerMutex.RLock()
	listener, exists := r.listeners[event.Event.EventType]
	r.listenerMutex.RUnlock()

	if !exists {
		r.logger.Infof("No listener found for event type %s on queue %s", event.Event.EventType, queueName)
		return nil
	}
	if listener.GetQueueName() != queueName {
		r.logger.Warnf("Event type %s received on wrong queue. Expected %s, got %s",
			event.Event.EventType, listener.GetQueueName(), queueName)
		return nil
	}

	return listener.Handle(ctx, event)
}

func (r *RabbitMQSubscriber) channel() (*amqp091.Channel, error) {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()
	if r.connection == nil || r.connection.IsClosed() {
		return nil, errors.New("no open connection")
	}
	return r.connection.Channel()
}

func (r *RabbitMQSubscriber) connect() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	var err error
	r.connection, err = amqp091.Dial(r.url)
	if err != nil {
		return errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	go func() {
		notifyClose := r.connection.NotifyClose(make(chan *amqp091.Error))
		<-notifyClose
		select {
		case <-r.closed:
			return
		default:
		}
		r.logger.Warn("RabbitMQ connection closed, attempting to reconnect")
		for {
			if err := r.connect(); err == nil {
				return
			}
			time.Sleep(r.config.ReconnectBackoff)
		}
	}()

	return nil
}

func (r *RabbitMQSubscriber) retryAckNack(d amqp091.Delivery, ack bool) {
	retryDelay := 100 * time.Millisecond

	for i := 0; i < r.config.AckRetries; i++ {
		var err error
		if ack {
			err = d.Ack(false)
		} else {
			err = d.Nack(false, false)
		}
		if err == nil {
			return
		}
		time.Sleep(retryDelay)
	}

	r.logger.Errorf("Failed to settle message after %d attempts", r.config.AckRetries)
}

func (r *RabbitMQSubscriber) Close() error {
	close(r.closed)

	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()
	if r.connection != nil && !r.connection.IsClosed() {
		return r.connection.Close()
	}
	return nil
}
