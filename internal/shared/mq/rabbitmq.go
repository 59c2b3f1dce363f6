// Package mq wraps the AMQP connection used as the domain-event outbox:
// state transitions inside the core process never block on it, they
// publish a fire-and-forget event after the fact for external
// analytics and push-notification consumers.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"ridehail/internal/shared/models"

	"github.com/rabbitmq/amqp091-go"
)

// Exchange names declared on startup. RideTopic carries ride lifecycle
// and wallet events keyed by a dot-separated routing key
// (ride.status.<status>, ride.completed, wallet.updated, price.updated);
// PushTopic carries events destined for the push-notification worker.
const (
	RideTopic = "ride_topic"
	PushTopic = "push_topic"
)

type Publisher struct {
	mu sync.RWMutex
	ch *amqp091.Channel
}

func NewPublisher(ch *amqp091.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// DeclareTopology declares the topic exchanges the outbox publishes
// to. Both are durable so events survive a broker restart between the
// core process publishing and the analytics/push consumers reading.
func DeclareTopology(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(RideTopic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", RideTopic, err)
	}
	if err := ch.ExchangeDeclare(PushTopic, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", PushTopic, err)
	}
	return nil
}

func ConnectToRMQ(cfg *models.RabbitMQConfig) (*amqp091.Connection, *amqp091.Channel, error) {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.User, cfg.Password, cfg.Host, cfg.Port)

	var conn *amqp091.Connection
	var ch *amqp091.Channel
	var err error

	for i := 0; i < 10; i++ {
		conn, err = amqp091.Dial(dsn)
		if err == nil {
			ch, err = conn.Channel()
			if err == nil {
				go monitorConnection(conn, dsn)
				return conn, ch, nil
			}
		}
		log.Printf("RabbitMQ not ready, retrying... (%d/10)", i+1)
		time.Sleep(3 * time.Second)
	}

	return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
}

// monitorConnection logs connection loss and reconnects with backoff.
// The core process treats the broker as best-effort: a lost outbox
// connection never blocks ride state transitions. The reconnected
// connection is only watched for the next loss: no fresh channel is
// handed to existing Publisher instances, so their publishes keep
// failing after a reconnect.
func monitorConnection(conn *amqp091.Connection, url string) {
	notifyClose := make(chan *amqp091.Error)
	conn.NotifyClose(notifyClose)

	for {
		err := <-notifyClose
		if err == nil {
			return
		}

		log.Printf("RabbitMQ connection lost: %v. Attempting to reconnect...", err)

		backoff := 5 * time.Second
		maxBackoff := 60 * time.Second

		for {
			time.Sleep(backoff)

			newConn, dialErr := amqp091.Dial(url)
			if dialErr != nil {
				log.Printf("Reconnection failed: %v. Retrying in %v...", dialErr, backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			log.Println("Successfully reconnected to RabbitMQ")
			notifyClose = make(chan *amqp091.Error)
			newConn.NotifyClose(notifyClose)
			conn = newConn
			break
		}
	}
}

// Publish sends a JSON-encoded event to the outbox. Failures are
// returned to the caller but callers in the domain layer log and
// discard them rather than fail the ride operation that triggered
// the event (§7: EXTERNAL_UNAVAILABLE never blocks a completed
// domain mutation).
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()

	return ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		})
}

// PublishRideEvent publishes onto RideTopic under the given routing
// key, e.g. "ride.status.accepted", "ride.completed", "wallet.updated".
func (p *Publisher) PublishRideEvent(ctx context.Context, routingKey string, payload interface{}) error {
	return p.Publish(ctx, RideTopic, routingKey, payload)
}

// PublishPushEvent publishes onto PushTopic for the push-notification
// worker to consume and hand off to a push.Sender.
func (p *Publisher) PublishPushEvent(ctx context.Context, routingKey string, payload interface{}) error {
	return p.Publish(ctx, PushTopic, routingKey, payload)
}
