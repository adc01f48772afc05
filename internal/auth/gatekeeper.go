// Package auth decides whether a request may reach a device: either through
// an ambient session token or through a signed, time-limited URL.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"robot-gateway/internal/config"
	"robot-gateway/internal/metrics"
	"robot-gateway/internal/model"
)

// Query parameters carrying a signed grant.
const (
	SignatureParam = "authSig"
	ExpiryParam    = "authExp"
)

const (
	issuer      = "robot-gateway"
	maxGrantTTL = time.Hour
)

var (
	// ErrUnauthorized is returned when neither a session nor a grant authorizes the request.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPathNotGrantable is returned when a grant is requested for a path outside the scoped set.
	ErrPathNotGrantable = errors.New("path is not eligible for signed access")
)

// Decision is the outcome of Authorize.
type Decision int

const (
	// Denied means the request must be rejected with 401.
	Denied Decision = iota
	// AllowedSession means the request carried a valid session token.
	AllowedSession
	// AllowedGrant means the request carried a valid signed grant.
	AllowedGrant
)

// Allowed reports whether the decision lets the request through.
func (d Decision) Allowed() bool { return d != Denied }

func (d Decision) String() string {
	switch d {
	case AllowedSession:
		return "session"
	case AllowedGrant:
		return "grant"
	default:
		return "denied"
	}
}

// Gatekeeper verifies session tokens and signed grants. It keeps no per-grant
// state: a grant is verified from the path, the expiry and the secret alone.
type Gatekeeper struct {
	sessionSecret []byte
	grantSecret   []byte
	cookieName    string
	grantPaths    []string
	grantTTL      time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGatekeeper creates a Gatekeeper. When no grant secret is configured a
// random one is generated, so signed URLs do not survive a restart.
// The metrics parameter is optional; pass nil to disable decision metrics.
func NewGatekeeper(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Gatekeeper, error) {
	logger = logger.With("component", "gatekeeper")

	grantSecret := []byte(cfg.Auth.GrantSecret)
	if len(grantSecret) == 0 {
		grantSecret = make([]byte, 32)
		if _, err := rand.Read(grantSecret); err != nil {
			return nil, fmt.Errorf("generate grant secret: %w", err)
		}
		logger.Info("no grant secret configured; signed URLs are valid for this process only")
	}

	ttl := cfg.Auth.GrantTTL()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Gatekeeper{
		sessionSecret: []byte(cfg.Auth.SessionSecret),
		grantSecret:   grantSecret,
		cookieName:    cfg.Auth.SessionCookie,
		grantPaths:    cfg.Auth.GrantPaths,
		grantTTL:      ttl,
		now:           time.Now,
		logger:        logger,
		metrics:       m,
	}, nil
}

// SessionCookie returns the name of the cookie that carries the session token.
func (g *Gatekeeper) SessionCookie() string { return g.cookieName }

// GrantTTL returns the default lifetime for issued grants.
func (g *Gatekeeper) GrantTTL() time.Duration { return g.grantTTL }

// Authorize checks the request for a session token, then for a signed grant.
// subpath is the device-relative path (no leading slash); grants are only
// honored when it falls under one of the scoped grant paths.
func (g *Gatekeeper) Authorize(r *http.Request, subpath string) Decision {
	d := g.authorize(r, subpath)
	if g.metrics != nil {
		g.metrics.Authorization.WithLabelValues(d.String()).Inc()
	}
	return d
}

func (g *Gatekeeper) authorize(r *http.Request, subpath string) Decision {
	if err := g.VerifySession(r); err == nil {
		return AllowedSession
	}

	q := r.URL.Query()
	if q.Get(SignatureParam) == "" {
		return Denied
	}
	if !g.Grantable(subpath) {
		g.logger.Debug("grant presented for non-scoped path", "path", r.URL.Path)
		return Denied
	}
	if err := g.VerifyGrant(r.URL.Path, q.Get(ExpiryParam), q.Get(SignatureParam)); err != nil {
		g.logger.Debug("grant rejected", "path", r.URL.Path, "err", err)
		return Denied
	}
	return AllowedGrant
}

// VerifySession validates the bearer token or session cookie on r.
func (g *Gatekeeper) VerifySession(r *http.Request) error {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" && g.cookieName != "" {
		if c, err := r.Cookie(g.cookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return ErrUnauthorized
	}

	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.sessionSecret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

// IssueSessionToken mints an HS256 session token for subject.
func (g *Gatekeeper) IssueSessionToken(subject string, ttl time.Duration) (string, error) {
	now := g.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.sessionSecret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// DefaultGrantPath returns the first scoped grant path, or "" when none is
// configured.
func (g *Gatekeeper) DefaultGrantPath() string {
	if len(g.grantPaths) == 0 {
		return ""
	}
	return g.grantPaths[0]
}

// Grantable reports whether subpath lies under a scoped grant path.
func (g *Gatekeeper) Grantable(subpath string) bool {
	subpath = strings.TrimPrefix(subpath, "/")
	for _, p := range g.grantPaths {
		if subpath == p || strings.HasPrefix(subpath, p+"/") {
			return true
		}
	}
	return false
}

// IssueGrant signs path for ttl (the configured default when ttl <= 0,
// capped at one hour). Callers must already be authorized.
func (g *Gatekeeper) IssueGrant(path string, ttl time.Duration) model.SignedGrant {
	if ttl <= 0 {
		ttl = g.grantTTL
	}
	ttl = min(ttl, maxGrantTTL)

	expires := g.now().Add(ttl).Truncate(time.Second)
	return model.SignedGrant{
		Path:      path,
		Expires:   expires,
		Signature: g.sign(path, expires.Unix()),
	}
}

// VerifyGrant checks a signature over (path, expiry). expiry is unix seconds.
func (g *Gatekeeper) VerifyGrant(path, expiry, signature string) error {
	exp, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid expiry", ErrUnauthorized)
	}

	expected := g.sign(path, exp)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	if g.now().Unix() > exp {
		return fmt.Errorf("%w: grant expired", ErrUnauthorized)
	}
	return nil
}

// SignedURL renders a grant as a path with its expiry and signature query
// parameters.
func SignedURL(grant model.SignedGrant) string {
	q := url.Values{}
	q.Set(ExpiryParam, strconv.FormatInt(grant.Expires.Unix(), 10))
	q.Set(SignatureParam, grant.Signature)
	return grant.Path + "?" + q.Encode()
}

// StripGrantParams removes grant parameters so they never reach a device.
func StripGrantParams(q url.Values) {
	q.Del(SignatureParam)
	q.Del(ExpiryParam)
}

func (g *Gatekeeper) sign(path string, expiry int64) string {
	mac := hmac.New(sha256.New, g.grantSecret)
	mac.Write([]byte(path + "\n" + strconv.FormatInt(expiry, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
