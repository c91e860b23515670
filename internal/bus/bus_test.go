package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicPendingHead)
	defer b.Unsubscribe(sub)

	b.Publish(TopicPendingHead, PendingHeadEvent{ID: "topic-a/1", Depth: 1})

	ev := recv(t, sub)
	if ev.Topic != TopicPendingHead {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if p, ok := ev.Payload.(PendingHeadEvent); !ok || p.ID != "topic-a/1" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	sessions := b.Subscribe("session.")
	all := b.Subscribe("")
	defer b.Unsubscribe(sessions)
	defer b.Unsubscribe(all)

	b.Publish(TopicSessionApproved, SessionEvent{Topic: "t1"})
	b.Publish(TopicAuthUpdated, AuthUpdatedEvent{Enabled: true})

	if ev := recv(t, sessions); ev.Topic != TopicSessionApproved {
		t.Fatalf("sessions got %q", ev.Topic)
	}
	select {
	case ev := <-sessions.Ch():
		t.Fatalf("unexpected event on session subscription: %v", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	if ev := recv(t, all); ev.Topic != TopicSessionApproved {
		t.Fatalf("all got %q first", ev.Topic)
	}
	if ev := recv(t, all); ev.Topic != TopicAuthUpdated {
		t.Fatalf("all got %q second", ev.Topic)
	}
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New()
	slow := b.SubscribeBuffered("", 2)
	defer b.Unsubscribe(slow)

	for i := 0; i < 5; i++ {
		b.Publish(TopicPendingHead, i)
	}
	if got := slow.Dropped(); got != 3 {
		t.Fatalf("Dropped() = %d, want 3", got)
	}
	if ev := recv(t, slow); ev.Payload != 0 {
		t.Fatalf("oldest event lost: %v", ev.Payload)
	}
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount() = %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d", b.SubscriberCount())
	}
	b.Publish(TopicPendingHead, nil)
}

func TestBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		sub := b.Subscribe("")
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(TopicPendingHead, j)
			}
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d", b.SubscriberCount())
	}
}
