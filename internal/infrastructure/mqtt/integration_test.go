//go:build integration

package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Integration tests against a broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_Connect(t *testing.T) {
	client := connectTest(t, "graylogic-int-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19999

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_RetainedStateRoundtrip(t *testing.T) {
	pub := connectTest(t, "graylogic-int-pub")
	sub := connectTest(t, "graylogic-int-sub")

	topic := pub.Topics().State("light", "int_test")
	if err := pub.PublishRetained(topic, []byte(`{"state":"on"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	received := make(chan string, 1)
	var once sync.Once
	err := sub.Subscribe(sub.Topics().AllStates(), 1, func(got string, p []byte) error {
		if got == topic {
			once.Do(func() { received <- string(p) })
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(sub.Topics().AllStates()) {
		t.Error("subscription not tracked")
	}

	select {
	case msg := <-received:
		if msg != `{"state":"on"}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for retained message")
	}

	// Clear the retained message.
	if err := pub.PublishRetained(topic, nil); err != nil {
		t.Errorf("clearing retained message: %v", err)
	}
	if err := sub.Unsubscribe(sub.Topics().AllStates()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 0 {
		t.Error("subscription still tracked after Unsubscribe")
	}
}
