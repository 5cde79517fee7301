package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 全リクエストのレート（req/sec）。60/60 = 1 req/sec
	GeneralBurst    int           // 全リクエストのバーストサイズ
	MailRate        rate.Limit    // 確認メールを送る要求のレート（req/sec）。10/3600
	MailBurst       int           // 確認メールを送る要求のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 全リクエスト 60 req/min/address、確認メールの要求 10 req/hour/address
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(60.0 / 60.0), // 1 req/sec
		GeneralBurst:    60,
		MailRate:        rate.Limit(10.0 / 3600.0),
		MailBurst:       10,
		CleanupInterval: 30 * time.Minute,
	}
}

// addrLimiter は要求元アドレスごとのレートリミッターとアクセス時刻を保持する。
type addrLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter は要求元アドレスごとのレート制限を管理する。
// 全リクエストのレート制限と、確認メールを送る要求のレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*addrLimiter

	mailMu       sync.RWMutex
	mailLimiters map[string]*addrLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*addrLimiter),
		mailLimiters:    make(map[string]*addrLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware は全リクエストのレート制限ミドルウェアを返す。
// chiのRealIPミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := ClientAddr(r)
			limiter := getOrCreate(&rl.generalMu, rl.generalLimiters, addr, rl.config.GeneralRate, rl.config.GeneralBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_addr", addr),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MailMiddleware は確認メールを送る要求専用のレート制限ミドルウェアを返す。
// 全リクエストのレート制限とは独立に動作する。
func (rl *RateLimiter) MailMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := ClientAddr(r)
			limiter := getOrCreate(&rl.mailMu, rl.mailLimiters, addr, rl.config.MailRate, rl.config.MailBurst)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.MailRate)
				slog.Warn("rate limit exceeded",
					slog.String("remote_addr", addr),
					slog.String("limit_type", "mail"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されている全リクエスト用リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// MailLimiterCount は現在管理されている確認メール用リミッターのエントリ数を返す。
func (rl *RateLimiter) MailLimiterCount() int {
	rl.mailMu.RLock()
	defer rl.mailMu.RUnlock()
	return len(rl.mailLimiters)
}

// getOrCreate はアドレスのリミッターを取得または作成する。
func getOrCreate(mu *sync.RWMutex, limiters map[string]*addrLimiter, addr string, r rate.Limit, burst int) *rate.Limiter {
	mu.RLock()
	al, exists := limiters[addr]
	mu.RUnlock()

	if exists {
		mu.Lock()
		al.lastAccess = time.Now()
		mu.Unlock()
		return al.limiter
	}

	mu.Lock()
	defer mu.Unlock()

	// ダブルチェック
	if al, exists := limiters[addr]; exists {
		al.lastAccess = time.Now()
		return al.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	limiters[addr] = &addrLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for addr, al := range rl.generalLimiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(rl.generalLimiters, addr)
		}
	}
	rl.generalMu.Unlock()

	rl.mailMu.Lock()
	for addr, al := range rl.mailLimiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(rl.mailLimiters, addr)
		}
	}
	rl.mailMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	})
}
