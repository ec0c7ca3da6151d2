package ids

import (
	"sync"
	"testing"
)

func TestCreateULIDFormat(t *testing.T) {
	id := CreateULID()
	if len(id) != 26 {
		t.Fatalf("expected 26-character ULID, got %q (%d)", id, len(id))
	}
}

func TestCreateULIDUniqueUnderConcurrency(t *testing.T) {
	const n = 200

	var mu sync.Mutex
	seen := make(map[string]struct{}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := CreateULID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d unique ids, got %d", n, len(seen))
	}
}

func TestCreateULIDMonotonicWithinProcess(t *testing.T) {
	prev := CreateULID()
	for i := 0; i < 100; i++ {
		next := CreateULID()
		if next <= prev {
			t.Fatalf("expected strictly increasing ids, got %q then %q", prev, next)
		}
		prev = next
	}
}
