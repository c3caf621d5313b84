// Package adminauth guards the engine's operator-facing admin plane with a
// bcrypt-checked login and short-lived signed tokens, adapted from the
// radio station's DJ login flow.
package adminauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("adminauth: invalid token")
	ErrExpiredToken       = errors.New("adminauth: token has expired")
	ErrMissingToken       = errors.New("adminauth: missing authorization token")
	ErrInvalidCredentials = errors.New("adminauth: invalid credentials")
	ErrRateLimited        = errors.New("adminauth: too many login attempts, please try again later")
)

// Config holds the admin-auth configuration.
type Config struct {
	Username           string
	Password           string
	Secret             string
	TokenTTL           time.Duration
	MaxLoginAttempts   int
	LoginWindowSeconds int
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Claims is the signed token payload.
type Claims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Auth checks admin credentials and issues/validates signed tokens.
type Auth struct {
	config       Config
	passwordHash []byte
	limiter      *rateLimiter
}

// New hashes cfg.Password with bcrypt immediately; the plaintext is not
// retained.
func New(cfg Config) *Auth {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.MaxLoginAttempts == 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LoginWindowSeconds == 0 {
		cfg.LoginWindowSeconds = 900
	}
	if len(cfg.Secret) < 32 {
		slog.Warn("adminauth: signing secret is shorter than 32 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("adminauth: failed to hash admin password", "error", err)
		hash = []byte("$2a$10$INVALIDHASHXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX")
	}
	cfg.Password = ""

	return &Auth{
		config:       cfg,
		passwordHash: hash,
		limiter:      newRateLimiter(cfg.MaxLoginAttempts, time.Duration(cfg.LoginWindowSeconds)*time.Second),
	}
}

// Authenticate checks username/password and returns a signed token. key
// identifies the caller for rate limiting (normally the request's remote
// IP).
func (a *Auth) Authenticate(username, password, key string) (string, error) {
	if !a.limiter.isAllowed(key) {
		return "", ErrRateLimited
	}

	usernameMatch := constantTimeEqual(username, a.config.Username)
	passwordMatch := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil

	if !usernameMatch || !passwordMatch {
		a.limiter.recordFailure(key)
		return "", ErrInvalidCredentials
	}
	a.limiter.recordSuccess(key)
	return a.CreateToken(username)
}

// CreateToken signs a token for subject.
func (a *Auth) CreateToken(subject string) (string, error) {
	now := time.Now()
	return a.sign(Claims{Sub: subject, Iat: now.Unix(), Exp: now.Add(a.config.TokenTTL).Unix()})
}

// ValidateToken parses and verifies a token string, rejecting expired,
// malformed, or mis-algorithmed tokens.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	if len(tokenStr) > 4096 {
		return nil, ErrInvalidToken
	}
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad header encoding", ErrInvalidToken)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidToken)
	}
	if header.Alg != "HS256" || header.Typ != "JWT" {
		return nil, fmt.Errorf("%w: unsupported header %+v", ErrInvalidToken, header)
	}

	expected := a.computeHMAC(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, ErrInvalidToken
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad claims encoding", ErrInvalidToken)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}

	now := time.Now().Unix()
	if now > claims.Exp {
		return nil, ErrExpiredToken
	}
	if claims.Sub == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return &claims, nil
}

func (a *Auth) sign(claims Claims) (string, error) {
	headerJSON, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("adminauth: marshal header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("adminauth: marshal claims: %w", err)
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	claimsB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := headerB64 + "." + claimsB64
	return signingInput + "." + a.computeHMAC(signingInput), nil
}

func (a *Auth) computeHMAC(signingInput string) string {
	mac := hmac.New(sha256.New, []byte(a.config.Secret))
	mac.Write([]byte(signingInput))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type loginAttempt struct{ timestamps []time.Time }

type rateLimiter struct {
	mu         sync.Mutex
	attempts   map[string]*loginAttempt
	maxFails   int
	windowSize time.Duration
}

func newRateLimiter(maxFails int, windowSize time.Duration) *rateLimiter {
	return &rateLimiter{attempts: make(map[string]*loginAttempt), maxFails: maxFails, windowSize: windowSize}
}

func (rl *rateLimiter) isAllowed(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.attempts[key]
	if !ok {
		return true
	}
	rl.pruneOld(entry)
	return len(entry.timestamps) < rl.maxFails
}

func (rl *rateLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.attempts[key]
	if !ok {
		entry = &loginAttempt{}
		rl.attempts[key] = entry
	}
	rl.pruneOld(entry)
	entry.timestamps = append(entry.timestamps, time.Now())
}

func (rl *rateLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func (rl *rateLimiter) pruneOld(entry *loginAttempt) {
	cutoff := time.Now().Add(-rl.windowSize)
	n := 0
	for _, t := range entry.timestamps {
		if t.After(cutoff) {
			entry.timestamps[n] = t
			n++
		}
	}
	entry.timestamps = entry.timestamps[:n]
}
