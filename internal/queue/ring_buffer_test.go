package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"teth/internal/schema"
)

func newTestRecord() *schema.DetectionRecord {
	return &schema.DetectionRecord{
		EventID:           uuid.New(),
		Timestamp:         time.Now().UTC(),
		ChainID:           "chain-1",
		ToolID:            "nmap",
		Entropy:           12,
		ThreatScore:       0.2,
		Alerts:            []string{},
		RecommendedAction: "MONITOR",
		SchemaVersion:     schema.SchemaVersionCurrent,
	}
}

func TestNewRingBuffer(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"valid size", 100, 100},
		{"zero size uses default", 0, 10000},
		{"negative size uses default", -5, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBuffer(tt.size)
			if rb.Cap() != tt.want {
				t.Errorf("Cap() = %d, want %d", rb.Cap(), tt.want)
			}
			if rb.Len() != 0 {
				t.Errorf("Len() = %d, want 0", rb.Len())
			}
		})
	}
}

func TestRingBuffer_FIFOAndWrap(t *testing.T) {
	rb := NewRingBuffer(3)

	var ids []uuid.UUID
	push := func() {
		rec := newTestRecord()
		ids = append(ids, rec.EventID)
		if err := rb.Push(rec); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	push()
	push()
	push()
	for i := 0; i < 2; i++ {
		rec, err := rb.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if rec.EventID != ids[i] {
			t.Errorf("Pop() = %v, want %v", rec.EventID, ids[i])
		}
	}

	push()
	push()
	if rb.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", rb.Len())
	}
	for i := 2; i < 5; i++ {
		rec, _ := rb.Pop()
		if rec.EventID != ids[i] {
			t.Errorf("Pop() after wrap = %v, want %v", rec.EventID, ids[i])
		}
	}

	if _, err := rb.Pop(); err != ErrQueueEmpty {
		t.Errorf("Pop() error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_FullDrops(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(newTestRecord())
	rb.Push(newTestRecord())

	if err := rb.Push(newTestRecord()); err != ErrQueueFull {
		t.Errorf("Push() error = %v, want ErrQueueFull", err)
	}

	m := rb.Metrics()
	if m.Pushed != 2 || m.Dropped != 1 || m.Depth != 2 || m.Capacity != 2 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestRingBuffer_Close(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Push(newTestRecord())
	rb.Close()

	if err := rb.Push(newTestRecord()); err != ErrQueueClosed {
		t.Errorf("Push() error = %v, want ErrQueueClosed", err)
	}

	if rec, err := rb.Pop(); err != nil || rec == nil {
		t.Errorf("Pop() = %v, %v; queued records must survive Close", rec, err)
	}

	if _, err := rb.PopWithTimeout(time.Second); err != ErrQueueClosed {
		t.Errorf("PopWithTimeout() error = %v, want ErrQueueClosed", err)
	}
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(10)

	t.Run("times out on empty queue", func(t *testing.T) {
		start := time.Now()
		_, err := rb.PopWithTimeout(50 * time.Millisecond)
		if err != ErrQueueEmpty {
			t.Errorf("PopWithTimeout() error = %v, want ErrQueueEmpty", err)
		}
		if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
			t.Errorf("PopWithTimeout() returned too quickly: %v", elapsed)
		}
	})

	t.Run("wakes on push", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			rb.Push(newTestRecord())
		}()

		rec, err := rb.PopWithTimeout(time.Second)
		if err != nil || rec == nil {
			t.Errorf("PopWithTimeout() = %v, %v", rec, err)
		}
	})
}

func TestRingBuffer_PopBatch(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Push(newTestRecord())
	}

	batch, err := rb.PopBatch(3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}
	if len(batch) != 3 {
		t.Errorf("len(batch) = %d, want 3", len(batch))
	}

	batch, _ = rb.PopBatch(10, 10*time.Millisecond)
	if len(batch) != 2 {
		t.Errorf("len(batch) = %d, want 2", len(batch))
	}

	if _, err := rb.PopBatch(10, 10*time.Millisecond); err != ErrQueueEmpty {
		t.Errorf("PopBatch() error = %v, want ErrQueueEmpty", err)
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := NewRingBuffer(100)

	const producers = 5
	const perProducer = 100

	var produced, consumed atomic.Uint64
	var pwg, cwg sync.WaitGroup

	for i := 0; i < producers; i++ {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for j := 0; j < perProducer; j++ {
				if err := rb.Push(newTestRecord()); err == nil {
					produced.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if _, err := rb.PopWithTimeout(10 * time.Millisecond); err != nil {
					if err == ErrQueueClosed {
						return
					}
					continue
				}
				consumed.Add(1)
			}
		}()
	}

	pwg.Wait()
	rb.Close()
	cwg.Wait()

	if produced.Load() != consumed.Load() {
		t.Errorf("produced %d, consumed %d", produced.Load(), consumed.Load())
	}
	m := rb.Metrics()
	if m.Pushed+m.Dropped != producers*perProducer {
		t.Errorf("pushed %d + dropped %d != %d", m.Pushed, m.Dropped, producers*perProducer)
	}
}
