package gateway

import "testing"

func TestNewFCCLimiter_DisabledWhenBpsNonPositive(t *testing.T) {
	if l := newFCCLimiter(0); l != nil {
		t.Fatalf("newFCCLimiter(0) = %v, want nil", l)
	}
	if l := newFCCLimiter(-1); l != nil {
		t.Fatalf("newFCCLimiter(-1) = %v, want nil", l)
	}
}

func TestNewFCCLimiter_ClampsBurstToMaxChunk(t *testing.T) {
	l := newFCCLimiter(100_000_000)
	if l == nil {
		t.Fatal("newFCCLimiter(100_000_000) = nil, want non-nil")
	}
	if got := l.Burst(); got != maxFCCBurstChunk {
		t.Fatalf("Burst() = %d, want %d", got, maxFCCBurstChunk)
	}
}

func TestNewFCCLimiter_BurstBelowMaxChunkUsesRate(t *testing.T) {
	l := newFCCLimiter(1000)
	if l == nil {
		t.Fatal("newFCCLimiter(1000) = nil, want non-nil")
	}
	if got := l.Burst(); got != 1000 {
		t.Fatalf("Burst() = %d, want 1000", got)
	}
}
