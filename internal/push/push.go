// Package push implements the best-effort push-notification sink of
// §9: a Sender interface, a no-op default for when push credentials
// are absent, and a worker that drains push_topic and hands each
// message to the injected Sender. Grounded on the teacher's queue
// consumer worker (internal/webhooks/worker.go in the pack), adapted
// from an outbound-webhook retry queue into a fire-and-forget AMQP
// consumer since a failed push is never retried (§7:
// EXTERNAL_UNAVAILABLE for push is logged, not queued for redelivery).
package push

import (
	"context"
	"encoding/json"
	"time"

	"ridehail/internal/events"
	"ridehail/internal/shared/util"

	"github.com/rabbitmq/amqp091-go"
)

// Sender delivers one push notification. dispatch.Pusher has the
// same shape.
type Sender interface {
	Send(ctx context.Context, pushToken, title, body string, data map[string]string) error
}

// NoopSender degrades gracefully when no push credentials are
// configured: every call succeeds without doing anything, so callers
// never have to special-case a missing provider.
type NoopSender struct{ log *util.Logger }

func NewNoopSender(log *util.Logger) *NoopSender { return &NoopSender{log: log} }

func (n *NoopSender) Send(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	n.log.Info("push.Noop", "push suppressed (no provider configured): "+title)
	return nil
}

// Worker drains the push_topic exchange's queue and forwards each
// notification to Sender, one delivery attempt each, no retry.
type Worker struct {
	ch     *amqp091.Channel
	sender Sender
	log    *util.Logger
	stop   chan struct{}
}

func NewWorker(ch *amqp091.Channel, sender Sender, log *util.Logger) *Worker {
	return &Worker{ch: ch, sender: sender, log: log, stop: make(chan struct{})}
}

// Start declares an exclusive queue bound to push_topic and consumes
// it until Stop is called.
func (w *Worker) Start() error {
	q, err := w.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	if err := w.ch.QueueBind(q.Name, "push.notify", "push_topic", false, nil); err != nil {
		return err
	}
	deliveries, err := w.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-w.stop:
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				w.handle(d)
			}
		}
	}()
	return nil
}

func (w *Worker) handle(d amqp091.Delivery) {
	var n events.PushNotification
	if err := json.Unmarshal(d.Body, &n); err != nil {
		w.log.Warn("push.Worker", "malformed push notification on queue: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.sender.Send(ctx, n.PushToken, n.Title, n.Body, n.Data); err != nil {
		w.log.Warn("push.Worker", "delivery failed (EXTERNAL_UNAVAILABLE): "+err.Error())
	}
}

func (w *Worker) Stop() { close(w.stop) }

// QueuePublisher is the mq.Publisher's push-facing surface. Outbox
// depends on this instead of *mq.Publisher directly so it can be
// faked in tests without a broker connection.
type QueuePublisher interface {
	PublishPushEvent(ctx context.Context, routingKey string, payload interface{}) error
}

// Outbox implements dispatch.Pusher (and any other caller wanting to
// notify a driver) by enqueueing onto push_topic rather than calling a
// provider inline, so a slow or down push provider never blocks a ride
// state transition (§7: EXTERNAL_UNAVAILABLE is never on the critical
// path).
type Outbox struct {
	pub QueuePublisher
}

func NewOutbox(pub QueuePublisher) *Outbox {
	return &Outbox{pub: pub}
}

func (o *Outbox) Send(ctx context.Context, pushToken, title, body string, data map[string]string) error {
	return o.pub.PublishPushEvent(ctx, events.PushNotifyRoutingKey, events.PushNotification{
		PushToken: pushToken, Title: title, Body: body, Data: data,
	})
}
