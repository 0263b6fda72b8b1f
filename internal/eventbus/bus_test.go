package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFansOutAndStampsTime(t *testing.T) {
	t.Parallel()
	b := New()
	c1, u1 := b.Subscribe(1)
	c2, u2 := b.Subscribe(1)
	defer u1()
	defer u2()

	b.Publish(Event{Type: TypeDelivered, Data: Delivery{ID: "x"}})
	for _, ch := range []<-chan Event{c1, c2} {
		select {
		case e := <-ch:
			if e.Type != TypeDelivered || e.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", e)
			}
			if d, ok := e.Data.(Delivery); !ok || d.ID != "x" {
				t.Fatalf("unexpected payload: %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeScheduled})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		_, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() { defer wg.Done(); b.Publish(Event{Type: TypeFailed}) }()
		go func() { defer wg.Done(); unsub(); unsub() }()
	}
	wg.Wait()
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: TypeSkipped})
	ch, unsub := b.Subscribe(4)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("nop subscription should be closed")
	}
}
