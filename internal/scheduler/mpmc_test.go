package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMPMCQueue_BasicEnqueueDequeue(t *testing.T) {
	queue := newMPMCQueue(10)

	if queue.Cap() != 16 {
		t.Fatalf("expected capacity rounded to 16, got %d", queue.Cap())
	}

	for i := range 5 {
		if !queue.TryEnqueue(valueRef(i)) {
			t.Fatalf("failed to enqueue %d", i)
		}
	}

	if queue.Len() != 5 {
		t.Errorf("expected length 5, got %d", queue.Len())
	}

	for i := range 5 {
		ref, ok := queue.TryDequeue()
		if !ok {
			t.Fatal("failed to dequeue")
		}
		if got := valueOf(t, ref); got != i {
			t.Errorf("expected %d, got %d", i, got)
		}
	}

	if _, ok := queue.TryDequeue(); ok {
		t.Error("expected empty queue")
	}
}

func TestMPMCQueue_Full(t *testing.T) {
	queue := newMPMCQueue(4)

	for i := range 4 {
		if !queue.TryEnqueue(valueRef(i)) {
			t.Fatalf("failed to enqueue %d", i)
		}
	}

	if queue.TryEnqueue(valueRef(99)) {
		t.Error("expected TryEnqueue to fail on a full ring")
	}

	// Freeing one slot lets the ring wrap.
	if _, ok := queue.TryDequeue(); !ok {
		t.Fatal("failed to dequeue")
	}
	if !queue.TryEnqueue(valueRef(4)) {
		t.Error("expected TryEnqueue to succeed after a dequeue")
	}
}

func TestJobQueue_Spill(t *testing.T) {
	queue := newJobQueue(4)
	total := 20

	for i := range total {
		queue.Push(valueRef(i))
	}

	if queue.Len() != total {
		t.Errorf("expected length %d, got %d", total, queue.Len())
	}

	seen := make(map[int]bool)
	for {
		ref, ok := queue.Pop()
		if !ok {
			break
		}
		v := valueOf(t, ref)
		if seen[v] {
			t.Errorf("duplicate value %d", v)
		}
		seen[v] = true
	}

	if len(seen) != total {
		t.Errorf("expected %d values, got %d", total, len(seen))
	}
	if queue.Len() != 0 {
		t.Errorf("expected empty queue, got length %d", queue.Len())
	}
}

func TestJobQueue_ConcurrentProducerConsumer(t *testing.T) {
	queue := newJobQueue(64)

	producerCount := 8
	itemsPerProducer := 500
	total := producerCount * itemsPerProducer

	var produced sync.WaitGroup
	produced.Add(producerCount)
	for p := range producerCount {
		go func(producerID int) {
			defer produced.Done()
			for i := range itemsPerProducer {
				queue.Push(valueRef(producerID*itemsPerProducer + i))
			}
		}(p)
	}

	allProduced := make(chan struct{})
	go func() {
		produced.Wait()
		close(allProduced)
	}()

	seen := make([]atomic.Int32, total)
	var receivedCount atomic.Int32

	consumerCount := 4
	var consumed sync.WaitGroup
	consumed.Add(consumerCount)
	for range consumerCount {
		go func() {
			defer consumed.Done()
			for {
				ref, ok := queue.Pop()
				if ok {
					seen[int(ref.job.(valueJob))].Add(1)
					receivedCount.Add(1)
					continue
				}

				select {
				case <-allProduced:
					if queue.Len() == 0 {
						return
					}
				default:
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		consumed.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for consumers to finish (received %d/%d)", receivedCount.Load(), total)
	}

	if int(receivedCount.Load()) != total {
		t.Errorf("expected %d items, got %d", total, receivedCount.Load())
	}

	for i := range seen {
		if n := seen[i].Load(); n != 1 {
			t.Fatalf("value %d received %d times", i, n)
		}
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{3, 4},
		{64, 64},
		{65, 128},
	}

	for _, tt := range tests {
		if got := nextPowerOfTwo(tt.in); got != tt.want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func BenchmarkJobQueue_PushPop(b *testing.B) {
	queue := newJobQueue(1024)
	ref := valueRef(1)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			queue.Push(ref)
			queue.Pop()
		}
	})
}
