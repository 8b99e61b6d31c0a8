package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parquedb/parquedb/queue"
)

type fakeChannel struct {
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

func (f *fakeChannel) Consume(q, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) QueueInspect(name string) (amqp.Queue, error) { return amqp.Queue{Name: name}, nil }
func (f *fakeChannel) Close() error                                  { return nil }

type fakeConnection struct {
	ch *fakeChannel
}

func (f *fakeConnection) Channel() (queue.AMQPChannel, error) { return f.ch, nil }
func (f *fakeConnection) Close() error                        { return nil }

type fakeDialer struct {
	conn *fakeConnection
}

func (f *fakeDialer) Dial(url string) (queue.AMQPConnection, error) { return f.conn, nil }

// fakeAcknowledger satisfies amqp.Acknowledger so test deliveries can be
// Ack'd/Nack'd without a real channel behind them.
type fakeAcknowledger struct{}

func (fakeAcknowledger) Ack(tag uint64, multiple bool) error             { return nil }
func (fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error   { return nil }
func (fakeAcknowledger) Reject(tag uint64, requeue bool) error           { return nil }

func TestConsumerDispatchesFilteredArrivals(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 4)
	dialer := &fakeDialer{conn: &fakeConnection{ch: &fakeChannel{deliveries: deliveries}}}

	received := make(chan Arrival, 4)
	c, err := NewConsumerWithDialer("amqp://fake", "arrivals", func(a Arrival) {
		received <- a
	}, dialer, nil)
	require.NoError(t, err)
	defer c.Close()

	go c.Start()
	defer c.Stop()

	body, _ := json.Marshal(wireNotification{
		EventName:   string(EventPutObject),
		Key:         "data/posts/pending/1-shard1-1.parquet",
		Size:        512,
		TimestampMs: 1000,
	})
	deliveries <- amqp.Delivery{Body: body, Acknowledger: fakeAcknowledger{}}

	// A non-creation event must be filtered out silently, even for a parquet key.
	ignoredBody, _ := json.Marshal(wireNotification{
		EventName: "s3:ObjectRemoved:Delete",
		Key:       "data/posts/pending/1-shard1-1.parquet",
	})
	deliveries <- amqp.Delivery{Body: ignoredBody, Acknowledger: fakeAcknowledger{}}

	select {
	case a := <-received:
		assert.Equal(t, "posts", a.NS)
		assert.Equal(t, int64(512), a.Size)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never dispatched the valid arrival")
	}

	select {
	case <-received:
		t.Fatal("filtered-out notification must not be dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}
