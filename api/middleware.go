package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// defaultMaxClients 是限流器默认跟踪的客户端数量上限。
const defaultMaxClients = 4096

type keyAPIKey struct{}

// apiKeyFrom 返回通过认证的 API key。
func apiKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(keyAPIKey{}).(string)
	return key
}

// statusRecorder 记录写回的状态码与字节数，供访问日志使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// Unwrap 让 http.ResponseController 能找到底层的 Flusher。
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// logRequests 记录每个请求的方法、路径、状态码与耗时。
func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"remote", clientIP(r),
		)
	})
}

// requireAPIKey 校验请求头中的 API key。
// 缺失、服务端未配置、不匹配均返回 403。
func requireAPIKey(header string, keys []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(header)
		if provided == "" {
			writeError(w, http.StatusForbidden, kindForbidden, "API key is missing")
			return
		}
		if len(keys) == 0 {
			writeError(w, http.StatusForbidden, kindForbidden, "API key is not configured on server")
			return
		}
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1 {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyAPIKey{}, provided)))
				return
			}
		}
		writeError(w, http.StatusForbidden, kindForbidden, "Invalid API key")
	})
}

// clientIP 返回请求的对端地址（不信任转发头）。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipLimiter 为每个客户端 IP 维护一个令牌桶。
// 限流器保存在有界 LRU 中，长期不活跃的客户端会被淘汰。
type ipLimiter struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
}

func newIPLimiter(limit rate.Limit, burst, maxClients int) (*ipLimiter, error) {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	if burst <= 0 {
		burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, err
	}
	return &ipLimiter{limit: limit, burst: burst, cache: cache}, nil
}

// perMinute 返回每分钟 n 次、突发 n 次的限流器。
func perMinute(n, maxClients int) (*ipLimiter, error) {
	return newIPLimiter(rate.Every(time.Minute/time.Duration(n)), n, maxClients)
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	if limiter, ok := l.cache.Get(ip); ok {
		return limiter
	}
	limiter := rate.NewLimiter(l.limit, l.burst)
	if prev, ok, _ := l.cache.PeekOrAdd(ip, limiter); ok {
		return prev
	}
	return limiter
}

// reserve 尝试为 ip 取一个令牌；失败时返回需要等待的时长。
func (l *ipLimiter) reserve(ip string) (bool, time.Duration) {
	limiter := l.get(ip)
	now := time.Now()
	if limiter.AllowN(now, 1) {
		return true, 0
	}
	r := limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, delay := l.reserve(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			writeError(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
