// Package ratelimit はワークスペース単位の固定ウィンドウレート制限を提供する。
// App Storeフィードへの外部リクエストはページ取得のたびにここを通過する。
package ratelimit

import (
	"sync"
	"time"
)

// Config はレート制限の設定を保持する。
type Config struct {
	MaxRequests   int           // 1ウィンドウあたりの最大リクエスト数
	Window        time.Duration // ウィンドウ長
	SweepInterval time.Duration // 失効エントリの掃除間隔
	Disabled      bool          // テスト・オフライン環境向けのバイパスフラグ
}

// DefaultConfig はデフォルトのレート制限設定を返す。
// 要件: ワークスペースあたり10リクエスト/60秒。
func DefaultConfig() Config {
	return Config{
		MaxRequests:   10,
		Window:        60 * time.Second,
		SweepInterval: 5 * time.Minute,
	}
}

// keyWindow はキーごとの固定ウィンドウカウンタを保持する。
// エントリ単位のロックにより、無関係なキー同士が直列化されないようにする。
type keyWindow struct {
	mu    sync.Mutex
	count int
	start time.Time
}

// Limiter はキーごとの固定ウィンドウカウンタでレート制限を管理する。
// 状態はプロセスローカルであり、複数インスタンス間では共有されない。
// 正確性はベストエフォートで、プロバイダ側の寛容な制限を前提とする。
type Limiter struct {
	config Config

	mu      sync.RWMutex
	windows map[string]*keyWindow

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter は新しいLimiterを生成する。
// バックグラウンドで失効エントリの掃除を開始する。
func NewLimiter(config Config) *Limiter {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	l := &Limiter{
		config:  config,
		windows: make(map[string]*keyWindow),
		stopCh:  make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// Stop は掃除のバックグラウンドゴルーチンを停止する。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Allow はキーに対するリクエストを許可するかどうかを返す。
// ウィンドウが存在しないか失効している場合は新しいウィンドウを開始して許可する。
// ウィンドウ内のカウントが上限に達している場合は拒否する。
func (l *Limiter) Allow(key string) bool {
	if l.config.Disabled {
		return true
	}

	w := l.getOrCreateWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.start) > l.config.Window {
		// 失効ウィンドウは新規扱い
		w.start = now
		w.count = 1
		return true
	}

	if w.count >= l.config.MaxRequests {
		return false
	}

	w.count++
	return true
}

// Remaining はキーの現在ウィンドウ内で残っているリクエスト数を返す。
// ウィンドウが存在しないか失効している場合は上限値をそのまま返す。
func (l *Limiter) Remaining(key string) int {
	if l.config.Disabled {
		return l.config.MaxRequests
	}

	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if !exists {
		return l.config.MaxRequests
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.start) > l.config.Window {
		return l.config.MaxRequests
	}

	remaining := l.config.MaxRequests - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetIn はキーの現在ウィンドウが失効するまでの残り時間を返す。
// ウィンドウが存在しないか失効している場合は0を返す。
func (l *Limiter) ResetIn(key string) time.Duration {
	if l.config.Disabled {
		return 0
	}

	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if !exists {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := time.Since(w.start)
	if elapsed > l.config.Window {
		return 0
	}
	return l.config.Window - elapsed
}

// WindowCount は現在管理されているウィンドウのエントリ数を返す。
// テストおよびメトリクス用。
func (l *Limiter) WindowCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// getOrCreateWindow はキーのウィンドウを取得または作成する。
func (l *Limiter) getOrCreateWindow(key string) *keyWindow {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// ダブルチェック
	if w, exists := l.windows[key]; exists {
		return w
	}

	w = &keyWindow{start: time.Now()}
	l.windows[key] = w
	return w
}

// sweepLoop はバックグラウンドで失効エントリを定期的に削除する。
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

// sweep はウィンドウ開始からウィンドウ長の2倍を超えたエントリを削除する。
// 失効ウィンドウは新規扱いになるため、削除はメモリ使用量の抑制のみが目的。
func (l *Limiter) sweep() {
	ttl := l.config.Window * 2
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.start) > ttl
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
		}
	}
}
