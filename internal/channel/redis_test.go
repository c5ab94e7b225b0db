package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestChannel(t *testing.T) *RedisChannel {
	t.Helper()
	s := miniredis.RunT(t)
	ch, err := New("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis channel: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestPublishReachesSubscriber(t *testing.T) {
	ch := setupTestChannel(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := ch.Subscribe(ctx, "aud-1", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer ch.Unsubscribe(sub)

	if err := ch.Publish(ctx, "aud-1", []byte(`{"type":"document-replace"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"type":"document-replace"}` {
			t.Errorf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscriptionsAreScopedToDocument(t *testing.T) {
	ch := setupTestChannel(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := ch.Subscribe(ctx, "aud-1", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer ch.Unsubscribe(sub)

	if err := ch.Publish(ctx, "aud-2", []byte("other document")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case payload := <-received:
		t.Fatalf("received message for a different document: %s", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ch := setupTestChannel(t)
	ctx := context.Background()

	received := make(chan []byte, 4)
	sub, err := ch.Subscribe(ctx, "aud-1", func(payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := ch.Unsubscribe(sub); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	if err := ch.Publish(ctx, "aud-1", []byte("after unsubscribe")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case payload := <-received:
		t.Fatalf("received after unsubscribe: %s", payload)
	case <-time.After(200 * time.Millisecond):
	}
}
