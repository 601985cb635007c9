package rabbitmq

import (
	"errors"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// prefetchCount bounds the unacked deliveries per consumer so one slow saga
// step cannot hoard the queue.
const prefetchCount = 16

// HandlerFunc processes one delivery body. Returning false re-queues the
// delivery, so handlers behind a binding must be idempotent.
type HandlerFunc func(body []byte) bool

// Bindings maps saga event names to their handlers. Each name becomes a
// queue binding on the topic exchange.
type Bindings map[string]HandlerFunc

// Consumer holds the RabbitMQ connection and channel for the saga queue.
type Consumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewConsumer creates and returns a new Consumer.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, channel: ch}, nil
}

// ConsumeWithBindings declares the durable topic exchange and one durable
// queue, binds the queue once per event name, and dispatches deliveries to
// the handler for the event name stamped on the message (falling back to
// the routing key for messages published without one). Deliveries are acked
// on handler success and re-queued on failure: at-least-once.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings Bindings) error {
	if len(bindings) == 0 {
		return errors.New("no event bindings provided")
	}

	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(Bindings, len(bindings))
	for eventName, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[eventName] = handler
		if err := c.channel.QueueBind(q.Name, eventName, exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := c.channel.Consume(q.Name, queueName, false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(deliveries, handlers)
	return nil
}

func (c *Consumer) dispatch(deliveries <-chan amqp091.Delivery, handlers Bindings) {
	for d := range deliveries {
		eventName := d.Type
		if eventName == "" {
			eventName = d.RoutingKey
		}
		handler, ok := handlers[eventName]
		if !ok {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for event; dropping\" event=%s routing_key=%s", eventName, d.RoutingKey)
			d.Ack(false)
			continue
		}
		if handler(d.Body) {
			d.Ack(false)
		} else {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" event=%s bulk_id=%s", eventName, d.MessageId)
			d.Nack(false, true)
		}
	}
	log.Println("level=info component=rabbitmq_consumer msg=\"delivery stream closed\"")
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
