package ingest

import (
	"bytes"
	"sync"
	"testing"
)

func TestTryEnqueueAndDrain(t *testing.T) {
	q := NewQueue(4, nil)

	payload := []byte("interaction body")
	if !q.TryEnqueue(Job{UserID: "u1", Payload: payload}) {
		t.Fatal("enqueue rejected with free capacity")
	}
	// producer buffer may be reused; the queue owns a copy
	payload[0] = 'X'

	var mu sync.Mutex
	var got []Job
	stop := make(chan struct{})
	close(stop)
	q.RunWorker(stop, func(j *Job) error {
		mu.Lock()
		got = append(got, Job{UserID: j.UserID, Payload: append([]byte(nil), j.Payload...)})
		mu.Unlock()
		return nil
	})

	if len(got) != 1 {
		t.Fatalf("drained %d jobs", len(got))
	}
	if got[0].UserID != "u1" {
		t.Fatalf("user %s", got[0].UserID)
	}
	if !bytes.Equal(got[0].Payload, []byte("interaction body")) {
		t.Fatal("payload not copied on enqueue")
	}
}

func TestOverflowDropsAndCounts(t *testing.T) {
	q := NewQueue(2, nil)
	if !q.TryEnqueue(Job{UserID: "u1"}) || !q.TryEnqueue(Job{UserID: "u1"}) {
		t.Fatal("fill failed")
	}
	if q.TryEnqueue(Job{UserID: "u1"}) {
		t.Fatal("overflow accepted")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped %d", q.Dropped())
	}
	if q.Len() != 2 {
		t.Fatalf("len %d", q.Len())
	}
}

func TestWorkerDrainsBacklogOnStop(t *testing.T) {
	q := NewQueue(16, nil)
	for i := 0; i < 10; i++ {
		if !q.TryEnqueue(Job{UserID: "u1", Payload: []byte{byte(i)}}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	stop := make(chan struct{})
	close(stop)
	var n int
	q.RunWorker(stop, func(*Job) error { n++; return nil })
	if n != 10 {
		t.Fatalf("flushed %d of 10 on shutdown", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d", q.Len())
	}
}
