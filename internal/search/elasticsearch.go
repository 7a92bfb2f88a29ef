package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/DanielKusyDev/posthog-session-insights/config"
	"github.com/DanielKusyDev/posthog-session-insights/internal/breaker"
	"github.com/DanielKusyDev/posthog-session-insights/internal/session"
)

// Indexer writes enriched events to an audit index
type Indexer interface {
	IndexEvent(ctx context.Context, event session.Event) error
}

// EventDocument is the indexed form of an enriched event
type EventDocument struct {
	EventID    string                 `json:"event_id"`
	UserID     string                 `json:"user_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	EventName  string                 `json:"event_name"`
	EventType  string                 `json:"event_type"`
	ActionType string                 `json:"action_type"`
	Label      string                 `json:"label"`
	PagePath   string                 `json:"page_path,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	IndexedAt  time.Time              `json:"indexed_at"`
}

// NewEventDocument builds the document for an event
func NewEventDocument(e session.Event, now time.Time) EventDocument {
	return EventDocument{
		EventID:    e.ID,
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		EventName:  e.Name,
		EventType:  string(e.EventType),
		ActionType: string(e.ActionType),
		Label:      e.Label,
		PagePath:   e.PagePath,
		Context:    e.Context,
		OccurredAt: e.OccurredAt,
		IndexedAt:  now,
	}
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client  *elasticsearch.Client
	config  config.ElasticConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client:  client,
		config:  cfg,
		breaker: breaker.New(breaker.DefaultConfig("elasticsearch")),
	}, nil
}

// IndexEvent indexes an enriched event under its raw event id. Re-indexing
// the same event overwrites the document.
func (c *ElasticClient) IndexEvent(ctx context.Context, event session.Event) error {
	doc, err := json.Marshal(NewEventDocument(event, time.Now().UTC()))
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	return breaker.Run(c.breaker, func() error {
		return c.index(ctx, event.ID, doc)
	})
}

func (c *ElasticClient) index(ctx context.Context, id string, doc []byte) error {
	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: id,
		Body:       bytes.NewReader(doc),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("event_id", id).Msg("event indexed")
	return nil
}

// NoopIndexer discards events when the audit index is disabled
type NoopIndexer struct{}

// IndexEvent does nothing
func (NoopIndexer) IndexEvent(context.Context, session.Event) error {
	return nil
}
