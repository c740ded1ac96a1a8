package conn_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nearbycore/nearby/internal/conn"
)

func TestNewEndpointIDAllocator(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()

	if alloc.IsAllocated("AAAA") {
		t.Error("fresh allocator reports AAAA as allocated")
	}
}

func TestEndpointIDAllocateLength(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()

	for i := range 1000 {
		id, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		if len(id) != conn.EndpointIDLength {
			t.Fatalf("allocation %d: got length %d, want %d", i, len(id), conn.EndpointIDLength)
		}
	}
}

func TestEndpointIDAllocateUppercaseASCII(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()

	for i := range 1000 {
		id, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		for _, c := range id {
			if c < 'A' || c > 'Z' {
				t.Fatalf("allocation %d: id %q contains non-uppercase character %q", i, id, c)
			}
		}
	}
}

func TestEndpointIDAllocateUnique(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()
	seen := make(map[string]struct{}, 1000)

	for i := range 1000 {
		id, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		if _, exists := seen[id]; exists {
			t.Fatalf("allocation %d: duplicate endpoint id %q", i, id)
		}
		seen[id] = struct{}{}
	}

	if len(seen) != 1000 {
		t.Errorf("expected 1000 unique endpoint ids, got %d", len(seen))
	}
}

func TestEndpointIDRelease(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()

	id, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: unexpected error: %v", err)
	}

	if !alloc.IsAllocated(id) {
		t.Errorf("endpoint id %q not allocated after Allocate()", id)
	}

	alloc.Release(id)

	if alloc.IsAllocated(id) {
		t.Errorf("endpoint id %q still allocated after Release()", id)
	}

	// Releasing twice, or releasing something never allocated, is a no-op.
	alloc.Release(id)
	alloc.Release("ZZZZ")
}

func TestEndpointIDConcurrency(t *testing.T) {
	t.Parallel()

	alloc := conn.NewEndpointIDAllocator()

	const (
		numGoroutines = 10
		numPerRoutine = 50
	)

	results := make([][]string, numGoroutines)

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := range numGoroutines {
		results[g] = make([]string, 0, numPerRoutine)
		go func(idx int) {
			defer wg.Done()

			for range numPerRoutine {
				id, err := alloc.Allocate()
				if err != nil {
					t.Errorf("goroutine %d: allocate error: %v", idx, err)
					return
				}
				results[idx] = append(results[idx], id)
			}
		}(g)
	}

	wg.Wait()

	seen := make(map[string]struct{}, numGoroutines*numPerRoutine)
	for g, ids := range results {
		for i, id := range ids {
			if _, exists := seen[id]; exists {
				t.Errorf("goroutine %d, allocation %d: duplicate endpoint id %q", g, i, id)
			}
			seen[id] = struct{}{}
		}
	}

	expectedTotal := numGoroutines * numPerRoutine
	if len(seen) != expectedTotal {
		t.Errorf("expected %d unique endpoint ids, got %d", expectedTotal, len(seen))
	}
}

func TestEndpointIDAllocateReturnsError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("allocate endpoint id after 100 attempts: %w", conn.ErrEndpointIDExhausted)
	if !errors.Is(err, conn.ErrEndpointIDExhausted) {
		t.Error("wrapped ErrEndpointIDExhausted not detected by errors.Is")
	}
}

func TestNonceAllocateNonZeroAndUnique(t *testing.T) {
	t.Parallel()

	alloc := conn.NewNonceAllocator()
	seen := make(map[uint32]struct{}, 500)

	for i := range 500 {
		nonce, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		if nonce == 0 {
			t.Fatalf("allocation %d: got zero nonce, want nonzero", i)
		}
		if _, exists := seen[nonce]; exists {
			t.Fatalf("allocation %d: duplicate nonce 0x%08X", i, nonce)
		}
		seen[nonce] = struct{}{}
	}
}

func TestNonceRelease(t *testing.T) {
	t.Parallel()

	alloc := conn.NewNonceAllocator()

	nonce, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: unexpected error: %v", err)
	}

	alloc.Release(nonce)
	alloc.Release(nonce)      // no-op
	alloc.Release(0xDEADBEEF) // no-op, never allocated
}
