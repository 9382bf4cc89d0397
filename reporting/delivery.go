package reporting

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// DeliveryAgent periodically drains a Cache and publishes each report to an
// AMQP exchange.
type DeliveryAgent struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	kind     string
	endpoint *EndpointManager

	cache    *Cache
	interval time.Duration
	stopCh   chan struct{}
}

// NewDeliveryAgent dials amqpURL and declares exchange/kind, ready to
// publish reports drained from cache every interval.
func NewDeliveryAgent(amqpURL, exchange, kind string, cache *Cache, endpoint *EndpointManager, interval time.Duration) (*DeliveryAgent, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("reporting: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reporting: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, kind, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("reporting: declare exchange: %w", err)
	}
	return &DeliveryAgent{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		kind:     kind,
		endpoint: endpoint,
		cache:    cache,
		interval: interval,
		stopCh:   make(chan struct{}),
	}, nil
}

type envelope struct {
	ReporterID string          `json:"reporter_id"`
	Type       string          `json:"type"`
	URL        string          `json:"url"`
	Body       json.RawMessage `json:"body"`
}

// Run drains the cache every interval and publishes each report, until
// Stop is called. Intended to run on its own goroutine.
func (a *DeliveryAgent) Run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.deliverOnce()
		}
	}
}

func (a *DeliveryAgent) deliverOnce() {
	reports, _ := a.cache.Drain()
	for _, r := range reports {
		env := envelope{
			ReporterID: a.endpoint.ID(),
			Type:       r.Type,
			URL:        r.URL,
			Body:       r.Body,
		}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_ = a.channel.Publish(a.exchange, r.Type, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        raw,
		})
	}
}

// Stop halts Run and closes the AMQP channel/connection.
func (a *DeliveryAgent) Stop() {
	close(a.stopCh)
	a.channel.Close()
	a.conn.Close()
}
