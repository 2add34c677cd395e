package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
)

func frame(typ string) protocol.StreamFrame {
	return protocol.StreamFrame{Type: typ, Timestamp: time.Now().UTC()}
}

func TestFanOut(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	subs := []*Subscription{
		b.Subscribe(TopicGlobal),
		b.Subscribe(TopicGlobal),
		b.Subscribe(TopicGlobal),
	}

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(TopicGlobal, frame(fmt.Sprintf("ev-%d", i)))
	}

	for si, sub := range subs {
		for i := 0; i < n; i++ {
			select {
			case f := <-sub.C:
				if f.Type != fmt.Sprintf("ev-%d", i) {
					t.Fatalf("subscriber %d frame %d out of order: %s", si, i, f.Type)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("subscriber %d missing frame %d", si, i)
			}
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	nodeSub := b.Subscribe(NodeTopic("n1"))
	otherSub := b.Subscribe(NodeTopic("n2"))

	b.Publish(NodeTopic("n1"), frame("for-n1"))

	select {
	case f := <-nodeSub.C:
		if f.Type != "for-n1" {
			t.Fatalf("wrong frame: %s", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("n1 subscriber missed its frame")
	}

	select {
	case f := <-otherSub.C:
		t.Fatalf("n2 subscriber should receive nothing, got %s", f.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	slow := b.Subscribe(TopicGlobal) // never read
	fast := b.Subscribe(TopicGlobal)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Well past the slow subscriber's buffer.
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(TopicGlobal, frame(fmt.Sprintf("ev-%d", i)))
			// Keep the fast subscriber drained.
			select {
			case <-fast.C:
			default:
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The slow subscriber holds at most its buffer size.
	if got := len(slow.C); got > subscriberBuffer {
		t.Fatalf("slow subscriber holds %d frames, cap is %d", got, subscriberBuffer)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	sub := b.Subscribe(TopicGlobal, JobTopic("j1"))
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel, got frame")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)

	if n := b.SubscriberCount(TopicGlobal); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}

	// Publish to the now-empty topic is a no-op.
	b.Publish(JobTopic("j1"), frame("void"))
}

func TestMultiTopicSubscription(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	sub := b.Subscribe(TopicGlobal, NodeTopic("n1"))

	b.Publish(TopicGlobal, frame("global"))
	b.Publish(NodeTopic("n1"), frame("node"))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-sub.C:
			got[f.Type] = true
		case <-time.After(time.Second):
			t.Fatal("missing frame")
		}
	}
	if !got["global"] || !got["node"] {
		t.Fatalf("expected both topics, got %v", got)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New(zerolog.Nop())
	b.Close()

	sub := b.Subscribe(TopicGlobal)
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription on closed bus should be closed immediately")
	}
}
