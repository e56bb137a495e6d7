package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "remindbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// withTimeout bounds the handler; d <= 0 means no bound.
func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// recoverPanics turns a handler panic into an error.
func recoverPanics() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest is the duration above which a successful request is logged
// at info level.
const slowRequest = 750 * time.Millisecond

// logRequests logs the outcome of every request. A failed request also gets
// a short reply so the user is not left waiting.
func logRequests() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("request failed", logx.Duration("took", took), logx.Err(err))
				// The handler's ctx may be what expired.
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				_ = req.Reply(rctx, "Something went wrong, please try again. (ref "+req.ReqID+")", nil)
				cancel()
			case took >= slowRequest:
				req.Logger.Info("request slow", logx.Duration("took", took))
			default:
				req.Logger.Debug("request ok", logx.Duration("took", took))
			}
			return err
		}
	}
}

// userLimiter hands out one token bucket per user.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[int64]*rate.Limiter
}

// maxBuckets bounds the map; full buckets are dropped first.
const maxBuckets = 4096

func newUserLimiter(perSec float64, burst int) *userLimiter {
	if perSec <= 0 {
		return nil
	}
	return &userLimiter{limit: rate.Limit(perSec), burst: max(burst, 1), buckets: map[int64]*rate.Limiter{}}
}

func (u *userLimiter) allow(user int64) bool {
	if u == nil {
		return true
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.buckets[user]
	if !ok {
		if len(u.buckets) >= maxBuckets {
			u.evictIdle()
		}
		b = rate.NewLimiter(u.limit, u.burst)
		u.buckets[user] = b
	}
	return b.Allow()
}

func (u *userLimiter) evictIdle() {
	for id, b := range u.buckets {
		if b.Tokens() >= float64(u.burst) {
			delete(u.buckets, id)
		}
	}
}

// limitPerUser rejects requests from a user who exceeds the limiter.
func limitPerUser(l *userLimiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if l == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			if !l.allow(req.FromID) {
				req.Logger.Debug("request rate limited")
				if req.Payload != "" || req.Update.Callback != nil {
					return nil
				}
				return req.Reply(ctx, "Slow down a little, then try again.", nil)
			}
			return next(ctx, req)
		}
	}
}
