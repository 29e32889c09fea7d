package pool

import "testing"

func testConfig() Config {
	return Config{
		BufferSize:     64,
		InitialBuffers: 4,
		MaxBuffers:     8,
		LowWatermark:   2,
		HighWatermark:  6,
		ControlReserve: 2,
	}
}

func TestPool_GetReturnsRefcountOne(t *testing.T) {
	p := New(testConfig(), nil)
	b, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.RefCount() != 1 {
		t.Errorf("expected refcount 1, got %d", b.RefCount())
	}
	if b.Len() != 0 {
		t.Errorf("expected fresh data size 0, got %d", b.Len())
	}
}

func TestPool_AllocateReleaseAllocate_RoundTrips(t *testing.T) {
	p := New(testConfig(), nil)

	b1, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b1.SetData([]byte("hello"))
	gen1 := b1.Generation()
	b1.Release()

	b2, err := p.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b2.RefCount() != 1 {
		t.Errorf("expected refcount 1 after reallocation, got %d", b2.RefCount())
	}
	if b2.Len() != 0 {
		t.Errorf("expected data size reset to 0, got %d", b2.Len())
	}
	if b2.Generation() == gen1 {
		t.Error("expected generation to change across reallocation")
	}
}

func TestPool_GrowsOnDemandCappedAtMax(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil)

	var bufs []*Buffer
	for i := 0; i < int(cfg.MaxBuffers); i++ {
		b, err := p.Get()
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		bufs = append(bufs, b)
	}

	stats := p.Stats()
	if stats.NumBuffers != cfg.MaxBuffers {
		t.Errorf("expected pool to grow to max %d, got %d", cfg.MaxBuffers, stats.NumBuffers)
	}

	// Pool is now fully checked out: next Get must fail gracefully, not panic.
	if _, err := p.Get(); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	for _, b := range bufs {
		b.Release()
	}
}

func TestPool_IdleQuiescence_NumFreeEqualsNumBuffers(t *testing.T) {
	p := New(testConfig(), nil)

	var bufs []*Buffer
	for i := 0; i < 4; i++ {
		b, _ := p.Get()
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		b.Release()
	}

	stats := p.Stats()
	if stats.NumFree != stats.NumBuffers {
		t.Errorf("expected num_free == num_buffers after quiescence, got %d/%d", stats.NumFree, stats.NumBuffers)
	}
}

func TestPool_ControlReservationIsolatesFromGeneralPool(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil)

	// Exhaust the general pool entirely.
	var bufs []*Buffer
	for i := 0; i < int(cfg.MaxBuffers); i++ {
		b, err := p.Get()
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		bufs = append(bufs, b)
	}

	// Control allocation must still succeed from its own reservation.
	cb, err := p.GetControl()
	if err != nil {
		t.Fatalf("GetControl: %v", err)
	}
	cb.Release()
	for _, b := range bufs {
		b.Release()
	}
}

func TestPool_TryShrink_NeverBelowInitial(t *testing.T) {
	cfg := testConfig()
	cfg.HighWatermark = 1
	p := New(cfg, nil)

	p.lastGrow = p.lastGrow.Add(-1 * shrinkGraceAfterGrow * 2)
	p.TryShrink(false)

	stats := p.Stats()
	if stats.NumBuffers < cfg.InitialBuffers {
		t.Errorf("expected pool to never shrink below initial %d, got %d", cfg.InitialBuffers, stats.NumBuffers)
	}
}

func TestPool_TryShrink_SkippedWhenAnyConnectionSlow(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil)
	before := p.Stats().NumBuffers

	p.lastGrow = p.lastGrow.Add(-1 * shrinkGraceAfterGrow * 2)
	p.TryShrink(true)

	after := p.Stats().NumBuffers
	if after != before {
		t.Errorf("expected no shrink while a connection is slow, went %d -> %d", before, after)
	}
}

func TestBuffer_RetainRequiresMatchingRelease(t *testing.T) {
	p := New(testConfig(), nil)
	b, _ := p.Get()
	b.Retain() // refcount now 2

	b.Release() // refcount 1, still held
	if b.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after single release, got %d", b.RefCount())
	}

	stats := p.Stats()
	b.Release() // refcount 0, returns to free-list
	after := p.Stats()
	if after.NumFree != stats.NumFree+1 {
		t.Errorf("expected buffer to return to free-list at refcount 0")
	}
}
