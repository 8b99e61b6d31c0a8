package notify

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/parquedb/parquedb/queue"
)

// wireNotification is the JSON shape published onto the arrivals queue by
// the object store's event notification configuration.
type wireNotification struct {
	EventName   string `json:"eventName"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	TimestampMs int64  `json:"timestampMs"`
}

// Dispatch receives one filtered arrival, routed by namespace. Both the
// compaction and MV refresh coordinators are wired in by adapting their
// Update/NotifyChange methods to this shape at the call site.
type Dispatch func(a Arrival)

// Consumer drains a RabbitMQ queue of raw arrival notifications, filters
// them, and hands valid ones to Dispatch. It mirrors RabbitMQService's
// connect/channel/declare lifecycle, generalized to a consumer rather than
// a publisher.
type Consumer struct {
	conn    queue.AMQPConnection
	channel queue.AMQPChannel
	queue   string
	log     *logrus.Entry
	dispatch Dispatch
	stop    chan struct{}
}

// NewConsumer dials amqpURL, declares queueName as durable, and returns a
// Consumer ready to Start().
func NewConsumer(amqpURL, queueName string, dispatch Dispatch, log *logrus.Entry) (*Consumer, error) {
	return NewConsumerWithDialer(amqpURL, queueName, dispatch, &queue.RealAMQPDialer{}, log)
}

// NewConsumerWithDialer allows injecting a fake dialer for testing, the
// same seam RabbitMQService uses.
func NewConsumerWithDialer(amqpURL, queueName string, dispatch Dispatch, dialer queue.AMQPDialer, log *logrus.Entry) (*Consumer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	conn, err := dialer.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to connect to amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: failed to declare queue: %w", err)
	}

	return &Consumer{
		conn:     conn,
		channel:  ch,
		queue:    queueName,
		log:      log.WithField("component", "notify"),
		dispatch: dispatch,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins consuming in the current goroutine; call it from a
// dedicated goroutine in the caller. It returns when Stop is called or the
// delivery channel closes.
func (c *Consumer) Start() error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("notify: failed to consume: %w", err)
	}

	for {
		select {
		case <-c.stop:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(d)
		}
	}
}

func (c *Consumer) handleDelivery(d amqp.Delivery) {
	var wire wireNotification
	if err := json.Unmarshal(d.Body, &wire); err != nil {
		c.log.WithError(err).Warn("discarding malformed arrival notification")
		d.Nack(false, false)
		return
	}

	arrival, ok := Filter(RawNotification{
		EventName:   EventName(wire.EventName),
		Bucket:      wire.Bucket,
		Key:         wire.Key,
		Size:        wire.Size,
		TimestampMs: wire.TimestampMs,
	})
	if !ok {
		d.Ack(false)
		return
	}

	c.dispatch(arrival)
	d.Ack(false)
}

// Stop halts Start's consume loop.
func (c *Consumer) Stop() {
	close(c.stop)
}

// Close releases the underlying channel and connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
