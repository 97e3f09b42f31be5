package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Ch():
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublish_PrefixMatch(t *testing.T) {
	b := New()
	task := b.Subscribe("task.")
	all := b.Subscribe("")
	auth := b.Subscribe("auth.")

	b.Publish(TopicTaskStarted, TaskEvent{TaskID: "t1", ChatID: 7})

	e := recv(t, task)
	if e.Topic != TopicTaskStarted {
		t.Fatalf("topic = %q", e.Topic)
	}
	payload, ok := e.Payload.(TaskEvent)
	if !ok || payload.TaskID != "t1" || payload.ChatID != 7 {
		t.Fatalf("payload = %#v", e.Payload)
	}
	if got := recv(t, all); got.Topic != TopicTaskStarted {
		t.Fatalf("wildcard got %q", got.Topic)
	}
	select {
	case e := <-auth.Ch():
		t.Fatalf("auth subscriber received %q", e.Topic)
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after Unsubscribe")
	}
	// Repeat unsubscribe and publish after removal must not panic.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	b.Publish(TopicTaskStep, TaskEvent{TaskID: "t2"})
}

func TestPublish_SlowConsumerDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskStep, TaskEvent{Step: i})
	}
	// The buffer holds the first defaultBufferSize events; the rest dropped.
	var n int
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			if n != defaultBufferSize {
				t.Fatalf("buffered %d events, want %d", n, defaultBufferSize)
			}
			return
		}
	}
}

func TestPublish_FanOut(t *testing.T) {
	b := New()
	var subs []*Subscription
	for i := 0; i < 3; i++ {
		subs = append(subs, b.Subscribe("auth."))
	}
	b.Publish(TopicAuthResolved, AuthEvent{RequestID: "r1", Status: "approved"})
	for i, sub := range subs {
		e := recv(t, sub)
		ae, ok := e.Payload.(AuthEvent)
		if !ok || ae.RequestID != "r1" || ae.Status != "approved" {
			t.Fatalf("subscriber %d payload = %#v", i, e.Payload)
		}
	}
}
