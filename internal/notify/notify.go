// Package notify delivers admin alerts for destinations that need an
// operator, either to a RabbitMQ exchange or to the log.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gravixrdp/yt-automation/internal/config"
	"github.com/gravixrdp/yt-automation/internal/logging"
)

// Alert is one admin notification
type Alert struct {
	Kind          string            `json:"kind"`
	DestinationID string            `json:"destinationId,omitempty"`
	JobID         int64             `json:"jobId,omitempty"`
	Message       string            `json:"message"`
	Fields        map[string]string `json:"fields,omitempty"`
	InstanceID    string            `json:"instanceId,omitempty"`
	RaisedAt      time.Time         `json:"raisedAt"`
}

// Alert kinds
const (
	KindDestinationBlocked = "destination_blocked"
	KindCleanupFailed      = "cleanup_failed"
)

// Notifier publishes admin alerts
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
	Close() error
}

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a notifier that logs alerts at error level
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the alert
func (n *LogNotifier) Notify(_ context.Context, alert *Alert) error {
	fields := map[string]interface{}{
		"alert":       alert.Kind,
		"destination": alert.DestinationID,
	}
	if alert.JobID != 0 {
		fields["jobId"] = alert.JobID
	}
	for k, v := range alert.Fields {
		fields[k] = v
	}
	n.logger.WithFields(fields).Error("ADMIN ALERT: " + alert.Message)
	return nil
}

// Close is a no-op
func (n *LogNotifier) Close() error { return nil }

// publisher is the subset of *amqp.Channel the notifier uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes alerts as persistent JSON messages to an exchange
type AMQPNotifier struct {
	conn       *amqp.Connection
	mu         sync.Mutex // amqp channels are not safe for concurrent publishing
	channel    publisher
	exchange   string
	routingKey string
	fallback   Notifier
}

// NewAMQPNotifier dials cfg.AMQPURL and declares a durable topic exchange
func NewAMQPNotifier(cfg *config.NotifyConfig) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	n := newAMQPNotifier(ch, cfg.Exchange, cfg.RoutingKey)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch publisher, exchange, routingKey string) *AMQPNotifier {
	return &AMQPNotifier{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		fallback:   NewLogNotifier(nil),
	}
}

// Notify publishes the alert. A failed publish is still logged so the
// alert is never silently lost.
func (n *AMQPNotifier) Notify(ctx context.Context, alert *Alert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	n.mu.Lock()
	err = n.channel.PublishWithContext(ctx,
		n.exchange,                  // exchange
		n.routingKey+"."+alert.Kind, // routing key
		false,                       // mandatory
		false,                       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    alert.RaisedAt,
		},
	)
	n.mu.Unlock()
	if err != nil {
		_ = n.fallback.Notify(ctx, alert)
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"alert":       alert.Kind,
		"destination": alert.DestinationID,
	}).Info("Admin alert published")
	return nil
}

// Close closes the channel and connection
func (n *AMQPNotifier) Close() error {
	if err := n.channel.Close(); err != nil {
		logging.WithError(err).Warn("Failed to close RabbitMQ channel")
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
