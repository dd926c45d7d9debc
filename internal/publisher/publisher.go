// Package publisher handles publishing discovery records to RabbitMQ.
// Discoveries travel on their own channel, independent of the
// progress/completion callbacks.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Discovery is one durable record of something found: an open service,
// flagged as a database candidate when port/banner heuristics say so.
// Records are immutable once published; later pipeline stages append
// enrichment rather than rewrite.
type Discovery struct {
	ScanID              string
	IP                  string
	Port                int
	Protocol            string
	Service             string
	Banner              string
	OS                  string
	DatabaseCandidate   bool
	CandidateConfidence float64
	CloudProvider       string
	HostingModel        string
	CloudConfidence     float64
}

// DiscoveryPublisher is the engine-facing publishing contract.
type DiscoveryPublisher interface {
	PublishDiscovery(d Discovery) error
}

// Publisher sends CloudEvents to RabbitMQ.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.SugaredLogger
}

// CloudEvent represents the CloudEvents 1.0 specification structure.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	Type            string      `json:"type"`
	Source          string      `json:"source"`
	Subject         string      `json:"subject,omitempty"`
	ID              string      `json:"id"`
	Time            string      `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data            interface{} `json:"data"`
}

// serviceDiscoveredData is the event payload for one discovered service.
type serviceDiscoveredData struct {
	ServiceID string            `json:"service_id"`
	ScanID    string            `json:"scan_id,omitempty"`
	IP        string            `json:"ip"`
	Port      int               `json:"port"`
	Protocol  string            `json:"protocol"`
	Service   string            `json:"service,omitempty"`
	Banner    string            `json:"banner,omitempty"`
	Metadata  discoveryMetadata `json:"metadata"`
}

type discoveryMetadata struct {
	OS                  string  `json:"os,omitempty"`
	DatabaseCandidate   bool    `json:"database_candidate"`
	CandidateConfidence float64 `json:"candidate_confidence,omitempty"`
	CloudProvider       string  `json:"cloud_provider,omitempty"`
	HostingModel        string  `json:"hosting_model,omitempty"`
	CloudConfidence     float64 `json:"cloud_confidence,omitempty"`
}

// New creates a new Publisher connected to RabbitMQ.
func New(url, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
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

	// Either side may start first; both declare the same durable exchange.
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishDiscovery publishes one discovery record as a CloudEvent.
func (p *Publisher) PublishDiscovery(d Discovery) error {
	data := serviceDiscoveredData{
		ServiceID: uuid.New().String(),
		ScanID:    d.ScanID,
		IP:        d.IP,
		Port:      d.Port,
		Protocol:  d.Protocol,
		Service:   d.Service,
		Banner:    d.Banner,
		Metadata: discoveryMetadata{
			OS:                  d.OS,
			DatabaseCandidate:   d.DatabaseCandidate,
			CandidateConfidence: d.CandidateConfidence,
			CloudProvider:       d.CloudProvider,
			HostingModel:        d.HostingModel,
			CloudConfidence:     d.CloudConfidence,
		},
	}

	event := CloudEvent{
		SpecVersion:     "1.0",
		Type:            "discovery.service.discovered",
		Source:          "/collectors/network-scanner",
		Subject:         d.ScanID,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            data,
	}

	return p.publish(event, "discovered.service")
}

func (p *Publisher) publish(event CloudEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/cloudevents+json",
			Body:        body,
			MessageId:   event.ID,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("Event published",
		"type", event.Type,
		"id", event.ID,
		"routing_key", routingKey,
	)

	return nil
}
