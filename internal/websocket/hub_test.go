package websocket

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func subscribe(hub *Hub, orderID string, buffer int) *Client {
	c := &Client{
		hub:     hub,
		send:    make(chan []byte, buffer),
		orderID: orderID,
	}
	hub.register <- c
	return c
}

func receive(t *testing.T, c *Client) StatusUpdate {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var upd StatusUpdate
		if err := json.Unmarshal(msg, &upd); err != nil {
			t.Fatalf("unmarshal update: %v", err)
		}
		return upd
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
	return StatusUpdate{}
}

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	hub := runHub(t)
	c := subscribe(hub, "order-1", 4)

	hub.BroadcastOrderUpdate("order-1", "paid")

	upd := receive(t, c)
	if upd.OrderID != "order-1" || upd.Status != "paid" {
		t.Errorf("update = %+v", upd)
	}
}

func TestHub_BroadcastScopedToOrder(t *testing.T) {
	hub := runHub(t)
	watching := subscribe(hub, "order-1", 4)
	other := subscribe(hub, "order-2", 4)

	hub.BroadcastOrderUpdate("order-1", "failed")

	receive(t, watching)
	select {
	case msg := <-other.send:
		t.Errorf("unrelated subscriber received %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := runHub(t)
	c := subscribe(hub, "order-1", 4)

	hub.unregister <- c

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("got a message instead of a closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed after unregister")
	}
}

func TestHub_BroadcastAfterShutdownDoesNotLeak(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		hub.BroadcastOrderUpdate("order-1", "paid")
	}

	deadline := time.After(2 * time.Second)
	for runtime.NumGoroutine() > before {
		select {
		case <-deadline:
			t.Fatalf("goroutines = %d, want back to %d; late broadcasts stayed blocked",
				runtime.NumGoroutine(), before)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	hub := runHub(t)
	c := subscribe(hub, "order-1", 1)

	// First update fills the buffer; the second finds it full and the hub
	// drops the client instead of blocking.
	hub.BroadcastOrderUpdate("order-1", "payment_processing")
	receiveDeadline := time.After(2 * time.Second)
	for len(c.send) == 0 {
		select {
		case <-receiveDeadline:
			t.Fatal("first update never buffered")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	hub.BroadcastOrderUpdate("order-1", "paid")

	deadline := time.After(2 * time.Second)
	received := 0
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				if received != 1 {
					t.Errorf("received %d updates before drop, want 1", received)
				}
				return
			}
			received++
		case <-deadline:
			t.Fatal("send channel never closed for slow consumer")
		}
	}
}
