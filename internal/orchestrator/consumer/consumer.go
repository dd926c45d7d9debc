// Package consumer drains the discovery exchange into the orchestrator's
// store. It is the bridge between the engines' durable discovery channel
// (CloudEvents over RabbitMQ) and the run aggregates: every consumed event
// becomes one Discovery row via the service, which recomputes totals.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/model"
	"github.com/aiforce-discovery-agent/discovery-core/internal/orchestrator/service"
)

// Consumer subscribes to discovery events and ingests them.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	svc     *service.Service
	logger  *zap.SugaredLogger
}

// New connects to RabbitMQ and binds a durable queue to the discovery
// exchange for all discovery routing keys.
func New(url, exchange, queue string, svc *service.Service, logger *zap.SugaredLogger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if exchange == "" {
		exchange = "discovery.events"
	}
	if queue == "" {
		queue = "orchestrator.discoveries"
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := channel.QueueBind(queue, "discovered.#", exchange, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   queue,
		svc:     svc,
		logger:  logger,
	}, nil
}

// Start consumes deliveries until the context is cancelled or the channel
// closes. Each delivery is acknowledged after ingestion; malformed or
// unroutable events are dropped without requeueing, since redelivery cannot
// repair them.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("Discovery delivery channel closed")
					return
				}
				if err := c.ingest(ctx, d.Body); err != nil {
					c.logger.Warnw("Discovery event dropped", "error", err)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	c.logger.Infow("Consuming discovery events", "queue", c.queue)
	return nil
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// eventEnvelope is the CloudEvents 1.0 frame the engines publish.
type eventEnvelope struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// eventData carries the fields the orchestrator lifts out of the payload.
type eventData struct {
	ScanID   string `json:"scan_id"`
	Metadata struct {
		DatabaseCandidate   bool    `json:"database_candidate"`
		CandidateConfidence float64 `json:"candidate_confidence"`
	} `json:"metadata"`
}

// decodeDiscovery turns one discovery event into a Discovery row.
// Events without a scan ID belong to config-driven standalone scans and
// are not tracked by any run.
func decodeDiscovery(body []byte) (*model.Discovery, error) {
	var event eventEnvelope
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("malformed discovery event: %w", err)
	}

	var data eventData
	if len(event.Data) > 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return nil, fmt.Errorf("malformed discovery payload: %w", err)
		}
	}

	scanID := data.ScanID
	if scanID == "" {
		scanID = event.Subject
	}
	if scanID == "" {
		return nil, nil
	}

	return &model.Discovery{
		ScanRunID:           scanID,
		Source:              path.Base(event.Source),
		EventType:           event.Type,
		Payload:             string(event.Data),
		DatabaseCandidate:   data.Metadata.DatabaseCandidate,
		CandidateConfidence: data.Metadata.CandidateConfidence,
	}, nil
}

func (c *Consumer) ingest(ctx context.Context, body []byte) error {
	d, err := decodeDiscovery(body)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}
	return c.svc.IngestDiscovery(ctx, d)
}
