package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAllow_WithinLimit(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 3, Window: 1 * time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("ws-1") {
			t.Errorf("request %d: allow = false, want true", i+1)
		}
	}
}

func TestAllow_DeniesBeyondLimit(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 3, Window: 1 * time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("ws-1")
	}

	// 上限を超えた呼び出しは拒否される
	for i := 0; i < 5; i++ {
		if l.Allow("ws-1") {
			t.Errorf("excess request %d: allow = true, want false", i+1)
		}
	}
}

func TestAllow_RecoverAfterWindowElapses(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 2, Window: 50 * time.Millisecond})
	defer l.Stop()

	l.Allow("ws-1")
	l.Allow("ws-1")
	if l.Allow("ws-1") {
		t.Fatal("allow = true within exhausted window, want false")
	}

	// ウィンドウ失効後は再び許可される
	time.Sleep(60 * time.Millisecond)
	if !l.Allow("ws-1") {
		t.Error("allow = false after window elapsed, want true")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: 1 * time.Minute})
	defer l.Stop()

	if !l.Allow("ws-a") {
		t.Error("ws-a: allow = false, want true")
	}
	if l.Allow("ws-a") {
		t.Error("ws-a: second allow = true, want false")
	}
	// 別のキーは影響を受けない
	if !l.Allow("ws-b") {
		t.Error("ws-b: allow = false, want true")
	}
}

func TestAllow_DisabledBypassesEntirely(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: 1 * time.Minute, Disabled: true})
	defer l.Stop()

	for i := 0; i < 100; i++ {
		if !l.Allow("ws-1") {
			t.Fatalf("request %d: allow = false with disabled limiter, want true", i+1)
		}
	}
}

func TestRemaining(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 5, Window: 1 * time.Minute})
	defer l.Stop()

	if got := l.Remaining("ws-1"); got != 5 {
		t.Errorf("remaining before any request = %d, want 5", got)
	}

	l.Allow("ws-1")
	l.Allow("ws-1")

	if got := l.Remaining("ws-1"); got != 3 {
		t.Errorf("remaining after 2 requests = %d, want 3", got)
	}

	for i := 0; i < 10; i++ {
		l.Allow("ws-1")
	}
	if got := l.Remaining("ws-1"); got != 0 {
		t.Errorf("remaining after exhaustion = %d, want 0", got)
	}
}

func TestResetIn(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 5, Window: 1 * time.Minute})
	defer l.Stop()

	if got := l.ResetIn("ws-1"); got != 0 {
		t.Errorf("resetIn before any request = %v, want 0", got)
	}

	l.Allow("ws-1")

	got := l.ResetIn("ws-1")
	if got <= 0 || got > 1*time.Minute {
		t.Errorf("resetIn = %v, want in (0, 1m]", got)
	}
}

func TestSweep_RemovesStaleWindows(t *testing.T) {
	l := NewLimiter(Config{
		MaxRequests:   5,
		Window:        10 * time.Millisecond,
		SweepInterval: 1 * time.Hour, // 自動掃除は発火させない
	})
	defer l.Stop()

	l.Allow("ws-stale")
	if got := l.WindowCount(); got != 1 {
		t.Fatalf("window count = %d, want 1", got)
	}

	// ウィンドウ長の2倍を超えるまで待ってから手動で掃除
	time.Sleep(25 * time.Millisecond)
	l.sweep()

	if got := l.WindowCount(); got != 0 {
		t.Errorf("window count after sweep = %d, want 0", got)
	}
}

func TestAllow_ConcurrentIncrementsAreNotLost(t *testing.T) {
	const max = 50
	l := NewLimiter(Config{MaxRequests: max, Window: 1 * time.Minute})
	defer l.Stop()

	var wg sync.WaitGroup
	allowed := make(chan bool, max*2)

	for i := 0; i < max*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("ws-concurrent")
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}

	// カウントの取りこぼしがなければ、許可数はちょうど上限に一致する
	if count != max {
		t.Errorf("allowed count = %d, want %d", count, max)
	}
}
