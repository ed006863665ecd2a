package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-reservation/internal/booking"
)

// Delivery hands a decoded notification to the outbound channel (mail
// relay, SMS, ...).  The default implementation appends to a log file.
type Delivery func(n booking.Notification) error

// StartNotificationConsumer connects to RabbitMQ, declares the notifications
// queue and delivers each message.  It reconnects with exponential backoff
// until ctx is cancelled.  Messages that fail delivery are rejected without
// requeue so a poison message cannot spin the loop.
func StartNotificationConsumer(ctx context.Context, url string, deliver Delivery, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			log.WithError(err).WithField("retry_in", backoff.String()).Warn("notification consumer: dial failed")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, deliver, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("notification consumer: loop ended, reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, deliver Delivery, log *logrus.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.WithError(err).Warn("notification consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(NotificationQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(NotificationQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := handleMessage(d.Body, deliver); err != nil {
				log.WithError(err).Warn("notification consumer: handle message failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func handleMessage(body []byte, deliver Delivery) error {
	var n booking.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if n.Recipient == "" {
		return errors.New("notification without recipient")
	}
	return deliver(n)
}

// FileDelivery appends one line per notification to dir/notifications.log.
func FileDelivery(dir string) Delivery {
	return func(n booking.Notification) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir logs: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "notifications.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()

		names := make([]string, 0, len(n.Attachments))
		for _, a := range n.Attachments {
			names = append(names, a.Name)
		}
		line := fmt.Sprintf("[%s] %s | to=%s | reservation_id=%d | session_id=%d | tour_id=%d | tour=%q | participants=%d | amount=%d cents | attachments=%v\n",
			n.CreatedAt.UTC().Format(time.RFC3339), n.Kind, n.Recipient, n.ReservationID, n.SessionID, n.TourID,
			n.TourTitle, n.Participants, n.AmountCents, names)
		if _, err := f.WriteString(line); err != nil {
			return fmt.Errorf("write log: %w", err)
		}
		return nil
	}
}
