package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBucket_InitialFillPermitsBurst(t *testing.T) {
	t.Parallel()

	b, err := New(5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := b.Take(ctx, 1); err != nil {
			t.Fatalf("Take #%d: %v", i, err)
		}
	}
}

func TestBucket_BlocksUntilRefill(t *testing.T) {
	t.Parallel()

	b, err := New(1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := b.Take(ctx, 1); err != nil {
		t.Fatalf("Take #1: %v", err)
	}

	start := time.Now()
	if err := b.Take(ctx, 1); err != nil {
		t.Fatalf("Take #2: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("expected Take to block for refill, elapsed=%v", elapsed)
	}
}

func TestBucket_InvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(0, time.Second); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
	if _, err := New(5, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
}
