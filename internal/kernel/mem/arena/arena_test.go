package arena

import (
	"sync"
	"testing"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
)

func TestArena_RoundTrip(t *testing.T) {
	a := New[uint64](16)
	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	idx, err := a.IndexOf(p)
	if err != nil {
		t.Fatal(err)
	}
	back, err := a.PtrOf(idx)
	if err != nil {
		t.Fatal(err)
	}
	if back != p {
		t.Fatalf("round trip: got %p want %p", back, p)
	}
}

func TestArena_Exhaustion(t *testing.T) {
	a := New[int](4)
	var ptrs []*int
	for i := 0; i < 4; i++ {
		p, err := a.Allocate()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}
	if _, err := a.Allocate(); !kerr.Is(err, kerr.OutOfMemory) {
		t.Fatalf("expected OutOfMemory, got %v", err)
	}
	if err := a.Deallocate(ptrs[2]); err != nil {
		t.Fatal(err)
	}
	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if p != ptrs[2] {
		t.Fatalf("freed slot not reused: got %p want %p", p, ptrs[2])
	}
	if a.Count() != 4 {
		t.Fatalf("count = %d, want 4", a.Count())
	}
}

func TestArena_InvalidPointers(t *testing.T) {
	a := New[int](4)
	var outside int
	if _, err := a.IndexOf(&outside); err == nil {
		t.Fatal("foreign pointer accepted")
	}
	if _, err := a.PtrOf(99); err == nil {
		t.Fatal("out-of-range index accepted")
	}
	if _, err := a.PtrOf(0); err == nil {
		t.Fatal("never-allocated index accepted")
	}
}

func TestArena_DoubleFree(t *testing.T) {
	a := New[int](4)
	p, err := a.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Deallocate(p); err != nil {
		t.Fatal(err)
	}
	if err := a.Deallocate(p); err == nil {
		t.Fatal("double free accepted")
	}
}

func TestArena_Concurrent(t *testing.T) {
	const (
		workers = 8
		rounds  = 2000
	)
	a := New[int](workers * 4)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				p, err := a.Allocate()
				if err != nil {
					continue
				}
				idx, err := a.IndexOf(p)
				if err != nil {
					t.Errorf("index of live slot: %v", err)
					return
				}
				if got, err := a.PtrOf(idx); err != nil || got != p {
					t.Errorf("round trip under contention: %v", err)
					return
				}
				if err := a.Deallocate(p); err != nil {
					t.Errorf("dealloc: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if a.Count() != 0 {
		t.Fatalf("count = %d after drain, want 0", a.Count())
	}
}
