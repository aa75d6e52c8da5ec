package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/jensholdgaard/cricket-auctiond/internal/event"
	"github.com/jensholdgaard/cricket-auctiond/internal/event/rabbitmq"
)

const (
	testExchange = "auction.events"
	testQueue    = "auction-events-test"
)

func startBroker(t *testing.T) (*tcrabbitmq.RabbitMQContainer, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcrabbitmq.Run(ctx, "rabbitmq:3.12.11-management-alpine")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting rabbitmq container: %v", err)
	}
	url, err := ctr.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("amqp url: %v", err)
	}
	return ctr, url
}

// bindQueue declares a durable queue that receives every auction event.
func bindQueue(t *testing.T, url string) (*amqp.Connection, *amqp.Channel) {
	t.Helper()
	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if err := ch.ExchangeDeclare(testExchange, "topic", true, false, false, false, nil); err != nil {
		t.Fatalf("declare exchange: %v", err)
	}
	if _, err := ch.QueueDeclare(testQueue, true, false, false, false, nil); err != nil {
		t.Fatalf("declare queue: %v", err)
	}
	if err := ch.QueueBind(testQueue, "auction.#", testExchange, false, nil); err != nil {
		t.Fatalf("bind queue: %v", err)
	}
	return conn, ch
}

// receive polls the test queue until a message arrives or the wait ends.
func receive(t *testing.T, ch *amqp.Channel, wait time.Duration) (amqp.Delivery, bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		d, ok, err := ch.Get(testQueue, true)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok {
			return d, true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return amqp.Delivery{}, false
}

func unsold(t *testing.T, auctionID int64) event.Event {
	t.Helper()
	e, err := event.New(auctionID, event.PlayerUnsold, event.PlayerUnsoldData{AuctionPlayerID: 11}, time.Now())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestPublisher_Publish(t *testing.T) {
	_, url := startBroker(t)
	ctx := context.Background()

	conn, ch := bindQueue(t, url)
	defer conn.Close()

	pub, err := rabbitmq.NewPublisher(url, testExchange)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	e := unsold(t, 4)
	if err := pub.Publish(ctx, e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d, ok := receive(t, ch, 10*time.Second)
	if !ok {
		t.Fatal("no message delivered")
	}
	if d.RoutingKey != "auction.4.player.unsold" {
		t.Errorf("routing key = %q", d.RoutingKey)
	}
	if d.MessageId != e.ID || d.ContentType != "application/json" {
		t.Errorf("MessageId/ContentType = %q/%q", d.MessageId, d.ContentType)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pub.Publish(ctx, unsold(t, 4)); err == nil {
		t.Error("Publish after Close succeeded")
	}
}

func TestPublisher_RedialsAfterBrokerClosesConnection(t *testing.T) {
	ctr, url := startBroker(t)
	ctx := context.Background()

	conn, _ := bindQueue(t, url)
	pub, err := rabbitmq.NewPublisher(url, testExchange, rabbitmq.WithRetryDelay(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer pub.Close()

	lost := conn.NotifyClose(make(chan *amqp.Error, 1))
	code, _, err := ctr.Exec(ctx, []string{"rabbitmqctl", "close_all_connections", "test"})
	if err != nil || code != 0 {
		t.Fatalf("close_all_connections: code %d, err %v", code, err)
	}
	select {
	case <-lost:
	case <-time.After(10 * time.Second):
		t.Fatal("broker did not close connections")
	}

	conn, ch := bindQueue(t, url)
	defer conn.Close()

	deadline := time.Now().Add(30 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("publisher did not recover after the broker closed its connection")
		}
		if err := pub.Publish(ctx, unsold(t, 9)); err == nil {
			if d, ok := receive(t, ch, 500*time.Millisecond); ok {
				if d.RoutingKey != "auction.9.player.unsold" {
					t.Errorf("routing key = %q", d.RoutingKey)
				}
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}
