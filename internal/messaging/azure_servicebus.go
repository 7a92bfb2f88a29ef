package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/breaker"
)

// DeadLetterAlert announces an event that exhausted its attempts
type DeadLetterAlert struct {
	EventID      string    `json:"event_id"`
	UserID       string    `json:"user_id"`
	EventName    string    `json:"event_name"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error"`
	DeadAt       time.Time `json:"dead_at"`
}

// Publisher sends dead-letter alerts
type Publisher interface {
	PublishDeadLetter(ctx context.Context, alert DeadLetterAlert) error
	Close() error
}

// serviceBusPublisher implements Publisher over an Azure Service Bus queue
type serviceBusPublisher struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	breaker   *gobreaker.CircuitBreaker[struct{}]
}

// NewServiceBusPublisher creates a publisher for the configured queue
func NewServiceBusPublisher(cfg config.AzureConfig) (Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &serviceBusPublisher{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
		breaker:   breaker.New(breaker.DefaultConfig("servicebus")),
	}, nil
}

// NewPublisher returns the Service Bus publisher when enabled, a no-op otherwise
func NewPublisher(cfg config.AzureConfig) (Publisher, error) {
	if !cfg.Enabled {
		return NoopPublisher{}, nil
	}
	return NewServiceBusPublisher(cfg)
}

// PublishDeadLetter sends the alert as a JSON message
func (p *serviceBusPublisher) PublishDeadLetter(ctx context.Context, alert DeadLetterAlert) error {
	msg, err := newMessage(alert)
	if err != nil {
		return err
	}

	return breaker.Run(p.breaker, func() error {
		return errors.Wrap(p.sender.SendMessage(ctx, msg, nil), "failed to send dead-letter alert")
	})
}

func newMessage(alert DeadLetterAlert) (*azservicebus.Message, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message body")
	}

	messageID := alert.EventID
	contentType := "application/json"
	return &azservicebus.Message{
		Body:        data,
		MessageID:   &messageID,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"source": "session-insights",
			"type":   "dead_letter",
			"time":   alert.DeadAt.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Close closes the sender and the client
func (p *serviceBusPublisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if p.client != nil {
		return p.client.Close(context.Background())
	}

	return nil
}

// NoopPublisher drops alerts when messaging is disabled
type NoopPublisher struct{}

// PublishDeadLetter does nothing
func (NoopPublisher) PublishDeadLetter(context.Context, DeadLetterAlert) error {
	return nil
}

// Close does nothing
func (NoopPublisher) Close() error {
	return nil
}
