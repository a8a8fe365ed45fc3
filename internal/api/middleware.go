package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/lexportal/bank-engine/internal/metrics"
)

type ctxKey struct{}

// UserID returns the authenticated user of the request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

var errNoIdentity = errors.New("missing credentials")

// Identity resolves the session user. With a secret it expects an HS256
// bearer token and uses its subject; without one it trusts the X-User-ID
// header. Browsers cannot set headers on WebSocket upgrades, so the token
// (or user id) is also accepted as a query parameter.
type Identity struct {
	secret []byte
}

// NewIdentity verifies tokens against secret. An empty secret trusts
// client-supplied user ids.
func NewIdentity(secret string) *Identity {
	return &Identity{secret: []byte(secret)}
}

// Verified reports whether identities come from signed tokens.
func (a *Identity) Verified() bool { return len(a.secret) > 0 }

// Middleware rejects requests without a resolvable identity.
func (a *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.resolve(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), user)))
	})
}

func (a *Identity) resolve(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		user := r.Header.Get("X-User-ID")
		if user == "" {
			user = r.URL.Query().Get("user_id")
		}
		if user == "" {
			return "", errNoIdentity
		}
		return user, nil
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", errNoIdentity
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errors.New("invalid token")
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// RateLimiter applies a token bucket per user. Buckets idle for longer
// than idleTTL are dropped on the next sweep.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleTTL = 10 * time.Minute

// NewRateLimiter allows rps requests per second per user with the given
// burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*bucket)}
}

// Allow reports whether userID may make another request now.
func (l *RateLimiter) Allow(userID string) bool {
	if l.rps <= 0 {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > idleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleTTL {
				delete(l.buckets, id)
			}
		}
		l.lastGC = now
	}
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Middleware answers 429 once the user's bucket is empty. It must run
// after Identity.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(UserID(r.Context())) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
