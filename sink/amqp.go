package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/VsevolodSauta/batchpool"
)

// ProgressExchange is the default topic exchange for progress snapshots.
const ProgressExchange = "batchpool.progress"

// AMQPPublisher publishes progress snapshots to a RabbitMQ topic exchange
// with routing key "progress.<jobType>".
type AMQPPublisher struct {
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex // amqp channels are not safe for concurrent publishing
}

// NewAMQPPublisher declares the exchange on ch and returns a publisher.
// An empty exchange uses ProgressExchange. The caller owns ch.
func NewAMQPPublisher(ch *amqp.Channel, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = ProgressExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("sink/amqp: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, logger: logger}, nil
}

// RoutingKey returns the routing key for a job type.
func RoutingKey(jobType string) string {
	if jobType == "" {
		jobType = "default"
	}
	return "progress." + jobType
}

// OnProgress implements batchpool.Observer. Failures are logged, never retried.
func (p *AMQPPublisher) OnProgress(ctx context.Context, snapshot batchpool.ProgressSnapshot) {
	if err := p.Publish(ctx, snapshot); err != nil {
		p.logger.Warn("failed to publish progress to amqp", "jobID", snapshot.JobID, "error", err)
	}
}

// Publish sends snapshot as a transient JSON message.
func (p *AMQPPublisher) Publish(ctx context.Context, snapshot batchpool.ProgressSnapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sink/amqp: encode snapshot: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange,                   // exchange
		RoutingKey(snapshot.JobType), // routing key
		false,                        // mandatory
		false,                        // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   fmt.Sprintf("%s-%d-%d", snapshot.JobID, snapshot.Processed+snapshot.Failed, snapshot.CurrentItem),
			Timestamp:   time.Now(),
			Type:        string(snapshot.Status),
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("sink/amqp: publish: %w", err)
	}
	return nil
}
