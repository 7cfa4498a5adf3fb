package service

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"sns_server/server/common/infra/mq"
	commonlog "sns_server/server/common/log"
	"sns_server/server/realtime/domain"
)

const notificationQueue = "realtime.notifications"

// NotificationConsumer ingests NotificationEvents that upstream CRUD
// services (likes, comments, follows, stories) publish on the events
// exchange and hands them to the fan-out.
type NotificationConsumer struct {
	conn   *amqp.Connection
	fanout *NotificationFanout
}

func NewNotificationConsumer(conn *amqp.Connection, fanout *NotificationFanout) *NotificationConsumer {
	return &NotificationConsumer{conn: conn, fanout: fanout}
}

func (c *NotificationConsumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	if err := mq.DeclareEventsExchange(ch); err != nil {
		return err
	}
	queue, err := ch.QueueDeclare(notificationQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue.Name, "notify.#", mq.EventsExchange, false, nil); err != nil {
		return err
	}
	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					commonlog.Warnf("event=notify_consumer action=consume status=channel_closed")
					return
				}
				c.handle(ctx, d)
			}
		}
	}()
	return nil
}

func (c *NotificationConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var event domain.NotificationEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		commonlog.Errorf("event=notify_consumer action=unmarshal status=failed routing_key=%s error=%v", d.RoutingKey, err)
		_ = d.Nack(false, false)
		return
	}
	if event.TargetID == "" {
		_ = d.Nack(false, false)
		return
	}
	if _, err := c.fanout.Publish(ctx, event); err != nil {
		commonlog.Errorf("event=notify_consumer action=publish status=failed target=%s error=%v", event.TargetID, err)
		// Requeue so the event is not lost; at-least-once delivery.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
