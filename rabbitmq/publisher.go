package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Publisher publishes JSON messages to a durable direct exchange. A closed
// connection is re-dialed on the next Publish.
type Publisher struct {
	amqpURL    string
	exchange   string
	routingKey string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  chan *amqp.Error
}

// NewPublisher connects and declares the exchange
func NewPublisher(amqpURL, exchangeName, routingKey string) (*Publisher, error) {
	p := &Publisher{
		amqpURL:    amqpURL,
		exchange:   exchangeName,
		routingKey: routingKey,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.DialConfig(p.amqpURL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

func (p *Publisher) isConnectedLocked() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	select {
	case err := <-p.closed:
		log.Warnf("RabbitMQ connection closed: %v", err)
		p.conn, p.channel = nil, nil
		return false
	default:
		return true
	}
}

// Publish sends message with the default routing key
func (p *Publisher) Publish(ctx context.Context, message interface{}) error {
	return p.PublishWithRoutingKey(ctx, p.routingKey, message)
}

// PublishWithRoutingKey sends a persistent JSON message with a custom routing key
func (p *Publisher) PublishWithRoutingKey(ctx context.Context, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message to JSON: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before publishing: %w", err)
	}
	if !p.isConnectedLocked() {
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	err = p.channel.Publish(
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		publishing, // message
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the publisher connection and channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		if channelErr := p.channel.Close(); channelErr != nil {
			log.Warnf("Failed to close channel: %v", channelErr)
			err = channelErr
		}
	}
	if p.conn != nil {
		if connErr := p.conn.Close(); connErr != nil {
			log.Warnf("Failed to close connection: %v", connErr)
			if err == nil {
				err = connErr
			}
		}
	}
	p.conn, p.channel = nil, nil
	return err
}

// GetExchange returns the exchange name
func (p *Publisher) GetExchange() string {
	return p.exchange
}

// GetRoutingKey returns the default routing key
func (p *Publisher) GetRoutingKey() string {
	return p.routingKey
}
