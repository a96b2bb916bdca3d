package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewMessageIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := 0; i < total; i++ {
		generated[i] = NewMessageID()
	}

	for i := 0; i < total; i++ {
		if len(generated[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(generated[i]))
		}
		if _, err := ulid.Parse(generated[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if generated[i-1] >= generated[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", generated[i-1], generated[i])
		}
	}
}

func TestNewMessageIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewMessageID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ULIDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := newAt(at).String()

	got, err := Timestamp(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("expected %s, got %s", at, got)
	}

	if _, err := Timestamp("not-a-ulid"); err == nil {
		t.Fatal("expected error for invalid id")
	}
}
