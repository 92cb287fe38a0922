package overwrite

import (
	"testing"
	"time"
)

// TestLastItemDelivered asserts the core guarantee: however many items
// the producer pushes at a blocked consumer, the last one is delivered
// before the bridge closes.
func TestLastItemDelivered(t *testing.T) {
	src, dst := Channel[int]()

	for i := 3; i <= 7; i++ {
		src <- i
	}
	close(src)

	var last int
	count := 0
	for item := range dst {
		last = item
		count++
	}

	if last != 7 {
		t.Fatalf("expected last item 7, got %v", last)
	}
	if count < 1 || count > 5 {
		t.Fatalf("unexpected delivery count %v", count)
	}
}

// TestOverwriteUnderBackpressure asserts that a slow consumer observes a
// subsequence ending in the newest item, not the full stream.
func TestOverwriteUnderBackpressure(t *testing.T) {
	src, dst := Channel[int]()

	// Fill the slot, then overwrite it repeatedly while the consumer
	// sleeps.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			src <- i
		}
		close(src)
	}()

	time.Sleep(50 * time.Millisecond)

	var received []int
	for item := range dst {
		received = append(received, item)
	}
	<-done

	if len(received) == 0 {
		t.Fatalf("no items delivered")
	}
	if received[len(received)-1] != 100 {
		t.Fatalf("expected final item 100, got %v",
			received[len(received)-1])
	}
	for i := 1; i < len(received); i++ {
		if received[i] <= received[i-1] {
			t.Fatalf("items out of order: %v", received)
		}
	}
}

// TestPassThroughWhenConsumerKeepsUp asserts that an attentive consumer
// still observes the stream ending in the newest item.
func TestPassThroughWhenConsumerKeepsUp(t *testing.T) {
	src, dst := Channel[string]()

	go func() {
		src <- "a"
		src <- "b"
		src <- "c"
		close(src)
	}()

	var received []string
	for item := range dst {
		received = append(received, item)
	}

	if received[len(received)-1] != "c" {
		t.Fatalf("expected final item c, got %v", received)
	}
}
