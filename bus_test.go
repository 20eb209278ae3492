package alter

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe(StreamThoughts)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(StreamThoughts)
	defer cancel2()
	other, cancelOther := b.Subscribe(StreamTasks)
	defer cancelOther()

	b.Publish(BusMessage{Stream: StreamThoughts, Type: "thought"})

	for i, ch := range []<-chan BusMessage{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg.Type != "thought" {
				t.Errorf("subscriber %d got type %q, want thought", i, msg.Type)
			}
			if msg.Timestamp.IsZero() {
				t.Errorf("subscriber %d got zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the message", i)
		}
	}

	select {
	case msg := <-other:
		t.Errorf("tasks subscriber received %+v from thoughts stream", msg)
	default:
	}
}

func TestBus_PublishJSON(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(StreamTasks)
	defer cancel()

	b.PublishJSON(StreamTasks, "task_started", map[string]string{"id": "t1"})

	select {
	case msg := <-ch:
		var payload map[string]string
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("payload does not decode: %v", err)
		}
		if payload["id"] != "t1" {
			t.Errorf("payload = %v, want id t1", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, cancel := b.Subscribe(StreamThoughts)
	defer cancel()

	// Publish far past the channel buffer without draining. Must not block.
	done := make(chan struct{})
	go func() {
		for range busBuffer * 3 {
			b.Publish(BusMessage{Stream: StreamThoughts, Type: "flood"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestBus_CancelDetaches(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(StreamThoughts)
	cancel()

	// The channel closes on cancel.
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	// Publishing afterwards must not panic on the closed channel.
	b.Publish(BusMessage{Stream: StreamThoughts, Type: "late"})
	// Double cancel is a no-op.
	cancel()
}

func TestBus_CloseIdempotentAndLateSubscribe(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(StreamTimeline)

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	// Cancel after Close is safe.
	cancel()

	// Subscribing after Close yields a closed channel, not a deadlock.
	late, lateCancel := b.Subscribe(StreamTimeline)
	if _, ok := <-late; ok {
		t.Error("late subscriber got an open channel")
	}
	lateCancel()

	// Publish after Close is a silent no-op.
	b.Publish(BusMessage{Stream: StreamTimeline, Type: "ghost"})
}

func TestBus_NilSafePublish(t *testing.T) {
	var b *Bus
	b.Publish(BusMessage{Stream: StreamThoughts})
	b.PublishJSON(StreamThoughts, "x", nil)
}
