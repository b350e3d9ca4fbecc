package httpapi

import (
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"stockledger/backend/internal/domain"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

// TokenVerifier checks bearer tokens minted by the external auth service.
type TokenVerifier struct {
	secret []byte
	issuer string
}

type stockClaims struct {
	jwtlib.RegisteredClaims
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
}

func NewTokenVerifier(secret string, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *TokenVerifier) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &stockClaims{}
	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.issuer))
	}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if strings.TrimSpace(claims.Tenant) == "" {
		return domain.Actor{}, errors.New("token has no tenant")
	}
	switch claims.Role {
	case RoleAdmin, RoleManager, RoleStaff:
	default:
		return domain.Actor{}, errors.New("unknown role")
	}
	return domain.Actor{ID: sub, TenantID: claims.Tenant, Role: claims.Role}, nil
}

// Sign issues a token the verifier accepts. Used by tests and local tooling.
func (v *TokenVerifier) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := stockClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
		Tenant: actor.TenantID,
		Role:   actor.Role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(v.secret)
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// attemptLimiter throttles repeated authentication failures per client.
type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) recent(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Blocked reports whether the client used up its failure budget.
func (l *attemptLimiter) Blocked(key string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.recent(key, time.Now())
	l.entries[key] = kept
	return len(kept) >= l.max
}

func (l *attemptLimiter) Fail(key string) {
	if l == nil {
		return
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = append(l.recent(key, now), now)
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}
