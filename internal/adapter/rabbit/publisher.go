// Package rabbit publishes ride lifecycle events to the message broker so
// downstream consumers (analytics, notifications) can follow along.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/pkg/logger"
	"github.com/aubus-app/aubus-server/pkg/metrics"
	"github.com/aubus-app/aubus-server/pkg/rabbit"
)

const (
	exchangeName    = "ride_topic"
	publishAttempts = 3
)

type RideEventsPublisher struct {
	client *rabbit.RabbitMQ
	log    logger.Logger
}

// NewRideEventsPublisher declares the topic exchange and returns a publisher
// bound to it.
func NewRideEventsPublisher(client *rabbit.RabbitMQ, log logger.Logger) (*RideEventsPublisher, error) {
	err := client.Channel.ExchangeDeclare(
		exchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchangeName, err)
	}
	return &RideEventsPublisher{client: client, log: log}, nil
}

func (p *RideEventsPublisher) RideRequested(ctx context.Context, msg models.RideRequestedMessage) error {
	return p.publish(ctx, "ride.request.submitted", msg)
}

func (p *RideEventsPublisher) RequestStatusChanged(ctx context.Context, msg models.RequestStatusMessage) error {
	key := "ride.request." + strings.ToLower(string(msg.Status))
	return p.publish(ctx, key, msg)
}

func (p *RideEventsPublisher) TripStatusChanged(ctx context.Context, msg models.TripStatusMessage) error {
	key := "ride.status." + string(msg.Status)
	return p.publish(ctx, key, msg)
}

func (p *RideEventsPublisher) publish(ctx context.Context, key string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if err := p.client.EnsureConnection(ctx); err != nil {
			lastErr = err
			continue
		}

		err := p.client.Channel.PublishWithContext(ctx,
			exchangeName,
			key,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now().UTC(),
				Body:         raw,
			},
		)
		metrics.RecordPublish(key, err)
		if err == nil {
			return nil
		}
		lastErr = err
		p.log.Warn(ctx, "publish attempt failed", "key", key, "attempt", attempt+1, "error", err.Error())
	}
	return fmt.Errorf("failed to publish %s after %d attempts: %w", key, publishAttempts, lastErr)
}

// NoopPublisher drops all events. Used when the broker is disabled by
// configuration.
type NoopPublisher struct{}

func (NoopPublisher) RideRequested(context.Context, models.RideRequestedMessage) error { return nil }

func (NoopPublisher) RequestStatusChanged(context.Context, models.RequestStatusMessage) error {
	return nil
}

func (NoopPublisher) TripStatusChanged(context.Context, models.TripStatusMessage) error { return nil }
