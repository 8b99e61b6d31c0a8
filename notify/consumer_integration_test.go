//go:build integration

package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"

	containertest "github.com/parquedb/parquedb/containers/testing"
	"github.com/parquedb/parquedb/notify"
)

// TestConsumerDispatchesRealArrival publishes a raw S3-style notification
// onto a queue declared on a real RabbitMQ broker and checks the consumer
// filters and dispatches it, rather than exercising NewConsumerWithDialer's
// fake dialer seam as consumer_test.go does.
func TestConsumerDispatchesRealArrival(t *testing.T) {
	ctx := context.Background()

	amqpURL, _, cleanup, err := containertest.SetupRabbitMQ(ctx, t, nil)
	require.NoError(t, err)
	defer cleanup()

	const queueName = "parquedb-arrivals-it"

	dispatched := make(chan notify.Arrival, 1)
	consumer, err := notify.NewConsumer(amqpURL, queueName, func(a notify.Arrival) {
		dispatched <- a
	}, nil)
	require.NoError(t, err)
	defer consumer.Close()

	go consumer.Start()
	defer consumer.Stop()

	conn, err := amqp.Dial(amqpURL)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	body, err := json.Marshal(map[string]interface{}{
		"eventName":   "s3:ObjectCreated:Put",
		"bucket":      "parquedb",
		"key":         "data/orders/pending/1700000000000-writer1-0.parquet",
		"size":        2048,
		"timestampMs": 1700000000000,
	})
	require.NoError(t, err)

	require.NoError(t, ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}))

	select {
	case arrival := <-dispatched:
		require.Equal(t, "orders", arrival.NS)
		require.Equal(t, "writer1", arrival.WriterID)
		require.Equal(t, int64(2048), arrival.Size)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for arrival dispatch")
	}
}
