package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginRateLimiter tracks failed login attempts per account and locks the
// account once maxFailures is reached. The key is the account ID, so a
// wrong password for an unknown email never creates state.
type loginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the lockout applied when maxFailures is reached.
	baseLockout = 30 * time.Minute
	// maxLockout caps the exponential backoff for failures past the threshold.
	maxLockout = 4 * time.Hour
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 24 * time.Hour
)

const lockedMessage = "Account temporarily locked due to multiple failed login attempts. Please try again later."

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		attempts: make(map[string]*attemptRecord),
	}
}

// check returns true if the account is currently locked out, along with how
// long the caller should wait. A zero duration means the request may proceed.
func (rl *loginRateLimiter) check(accountID string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[accountID]
	if !ok {
		return false, 0
	}
	if time.Since(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, accountID)
		return false, 0
	}
	if time.Now().Before(rec.lockedUntil) {
		return true, time.Until(rec.lockedUntil)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once maxFailures is reached. It returns the new failure count.
func (rl *loginRateLimiter) recordFailure(accountID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[accountID]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[accountID] = rec
	}
	rec.failures++
	rec.lastFailure = time.Now()

	if rec.failures >= maxFailures {
		// baseLockout * 2^(failures - maxFailures)
		shift := rec.failures - maxFailures
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
	return rec.failures
}

// recordSuccess resets the failure counter. Admins call it through the
// reset-failed-attempts endpoint as well.
func (rl *loginRateLimiter) recordSuccess(accountID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, accountID)
}

// status reports the failure count and whether the account is locked.
func (rl *loginRateLimiter) status(accountID string) (failures int, locked bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec, ok := rl.attempts[accountID]
	if !ok || time.Since(rec.lastFailure) > attemptExpiry {
		return 0, false
	}
	return rec.failures, time.Now().Before(rec.lockedUntil)
}

// lockedCount returns the number of accounts currently locked out.
func (rl *loginRateLimiter) lockedCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	n := 0
	for _, rec := range rl.attempts {
		if now.Before(rec.lockedUntil) {
			n++
		}
	}
	return n
}

// sweep removes expired records.
func (rl *loginRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for id, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, id)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Per-IP token bucket for anonymous endpoints
// ---------------------------------------------------------------------------

const (
	// anonymousRate is the sustained rate of mail-sending and account
	// creating requests allowed per client IP.
	anonymousRate = rate.Limit(1.0 / 6)
	// anonymousBurst allows a handful of quick retries.
	anonymousBurst = 5
	// throttleIdle is how long an unused bucket is kept.
	throttleIdle = 30 * time.Minute
)

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipThrottle keeps one token bucket per client IP.
type ipThrottle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*throttleEntry
}

func newIPThrottle(limit rate.Limit, burst int) *ipThrottle {
	return &ipThrottle{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*throttleEntry),
	}
}

// reserve takes a token for ip at now. When none is available it returns
// false and the delay until the next token.
func (t *ipThrottle) reserve(ip string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	e, ok := t.entries[ip]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.entries[ip] = e
	}
	e.lastSeen = now
	t.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (t *ipThrottle) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, e := range t.entries {
		if now.Sub(e.lastSeen) > throttleIdle {
			delete(t.entries, ip)
		}
	}
}

// Throttle rate-limits requests per client IP.
func (a *API) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if ok, wait := a.throttle.reserve(ip, a.now()); !ok {
			a.audit.logFailure(AuditThrottled, r, "ip_rate_limited")
			writeRateLimited(w, wait, "too many requests; try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting and session
// records, honoring the API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. Otherwise RemoteAddr is returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
