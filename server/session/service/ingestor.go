package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"gigsync/server/common/infra/mq"
	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/domain"
	"gigsync/server/realtime/repository"
)

// NotificationRequest is published by other marketplace services (gigs,
// applications, bookings) under notification.requested.
type NotificationRequest struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Link   string `json:"link"`
}

type notificationCreator interface {
	CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

type deliveryOutcome int

const (
	outcomeAck deliveryOutcome = iota
	outcomeReject
	outcomeRequeue
)

var errMalformedRequest = errors.New("malformed notification request")

// NotificationIngestor turns broker requests into notification rows. The rows
// reach live counters through the row-change feed, not through this consumer.
type NotificationIngestor struct {
	conn    *amqp.Connection
	queue   string
	creator notificationCreator
}

func NewNotificationIngestor(conn *amqp.Connection, queue string, creator notificationCreator) *NotificationIngestor {
	return &NotificationIngestor{conn: conn, queue: queue, creator: creator}
}

// Run consumes until ctx is done or the channel closes.
func (i *NotificationIngestor) Run(ctx context.Context) error {
	ch, err := i.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := mq.DeclareExchange(ch); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(i.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", i.queue, err)
	}
	if err := ch.QueueBind(i.queue, KeyNotificationRequested, mq.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", i.queue, err)
	}
	if err := ch.Qos(32, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, i.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", i.queue, err)
	}
	commonlog.Infof("event=notification_ingest action=consume status=started queue=%s", i.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			switch i.process(ctx, d.Body) {
			case outcomeAck:
				_ = d.Ack(false)
			case outcomeReject:
				_ = d.Reject(false)
			case outcomeRequeue:
				_ = d.Nack(false, true)
			}
		}
	}
}

func (i *NotificationIngestor) process(ctx context.Context, body []byte) deliveryOutcome {
	req, err := decodeNotificationRequest(body)
	if err != nil {
		commonlog.Warnf("event=notification_ingest action=decode status=rejected error=%v", err)
		return outcomeReject
	}
	n, err := i.creator.CreateNotification(ctx, domain.Notification{
		UserID: req.UserID,
		Kind:   req.Kind,
		Title:  req.Title,
		Body:   req.Body,
		Link:   req.Link,
	})
	if errors.Is(err, repository.ErrInvalidNotification) {
		commonlog.Warnf("event=notification_ingest action=create status=rejected user_id=%s kind=%s error=%v", req.UserID, req.Kind, err)
		return outcomeReject
	}
	if err != nil {
		commonlog.Errorf("event=notification_ingest action=create status=failed user_id=%s kind=%s error=%v", req.UserID, req.Kind, err)
		return outcomeRequeue
	}
	commonlog.Infof("event=notification_ingest action=create status=ok user_id=%s kind=%s notification_id=%s", n.UserID, n.Kind, n.ID)
	return outcomeAck
}

func decodeNotificationRequest(body []byte) (NotificationRequest, error) {
	var req NotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return NotificationRequest{}, fmt.Errorf("%w: %v", errMalformedRequest, err)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Kind = strings.TrimSpace(req.Kind)
	if req.UserID == "" || req.Kind == "" {
		return NotificationRequest{}, fmt.Errorf("%w: user_id and kind are required", errMalformedRequest)
	}
	return req, nil
}
