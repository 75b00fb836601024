package render

import "testing"

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.WaitUntil != WaitNetworkIdle {
		t.Errorf("WaitUntil = %v, want %v", p.WaitUntil, WaitNetworkIdle)
	}
	if p.GotoTimeout <= 0 || p.StabilityWindow <= 0 || p.HydrationWait <= 0 {
		t.Errorf("DefaultPolicy() has a non-positive duration: %+v", p)
	}
	if p.ViewportW <= 0 || p.ViewportH <= 0 {
		t.Errorf("DefaultPolicy() has a non-positive viewport: %+v", p)
	}
}

func TestNewPool_DefaultsCapacity(t *testing.T) {
	p := NewPool(0)
	defer p.Close()
	if cap(p.sem) != 4 {
		t.Errorf("NewPool(0) capacity = %d, want 4", cap(p.sem))
	}
}

func TestNewPool_HonorsCapacity(t *testing.T) {
	p := NewPool(7)
	defer p.Close()
	if cap(p.sem) != 7 {
		t.Errorf("NewPool(7) capacity = %d, want 7", cap(p.sem))
	}
}

func TestWaitTask_KnownValues(t *testing.T) {
	for _, w := range []WaitUntil{WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle, WaitUntil("bogus")} {
		if waitTask(w) == nil {
			t.Errorf("waitTask(%v) returned nil action", w)
		}
	}
}
