package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicCaptureNote)
	defer b.Unsubscribe(sub)

	b.Publish(TopicCaptureNote, NoteCapture{Content: "rebar delivered", Category: "materials"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicCaptureNote {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicCaptureNote)
		}
		nc, ok := ev.Payload.(NoteCapture)
		if !ok {
			t.Fatalf("payload type = %T, want NoteCapture", ev.Payload)
		}
		if nc.Content != "rebar delivered" {
			t.Fatalf("content = %q, want %q", nc.Content, "rebar delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	capSub := b.Subscribe("capture.")
	defer b.Unsubscribe(capSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicCaptureObservation, ObservationCapture{Description: "crack in slab"})
	b.Publish(TopicSyncCompleted, SyncCompletedEvent{Success: true})

	// capSub sees only the capture event.
	select {
	case ev := <-capSub.Ch():
		if ev.Topic != TopicCaptureObservation {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicCaptureObservation)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for capture event")
	}
	select {
	case ev := <-capSub.Ch():
		t.Fatalf("unexpected event on capture subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// allSub sees both.
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event on catch-all subscription")
		}
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("capture.")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(TopicCaptureNote, NoteCapture{Content: "n"})
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != subscriberBuffer {
				t.Fatalf("received %d events, want %d (buffer size)", count, subscriberBuffer)
			}
			return
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("sync.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(TopicPartitionReset)
	sub2 := b.Subscribe(TopicPartitionReset)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicPartitionReset, PartitionResetEvent{Partition: "notes"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Ch():
			pr := ev.Payload.(PartitionResetEvent)
			if pr.Partition != "notes" {
				t.Fatalf("partition = %q, want notes", pr.Partition)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 8
	const perGoroutine = 4
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicCaptureNote, NoteCapture{Content: "c"})
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received != total {
				t.Fatalf("received %d events, want %d", received, total)
			}
			return
		}
	}
}
