// Package auth issues and verifies the encrypted tokens agents present when
// they register. A token is a compact JWE (ECDH-ES key agreement, A256GCM
// content encryption) whose claims bind it to a single agent id.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrIssuerMismatch   = errors.New("token issuer mismatch")
	ErrAudienceMismatch = errors.New("token audience mismatch")
	ErrAgentMismatch    = errors.New("token agent mismatch")
)

// Claims is the token payload.
type Claims struct {
	Issuer      string   `json:"iss"`
	Subject     string   `json:"sub"` // agent id
	Audience    string   `json:"aud"`
	Expiry      int64    `json:"exp,omitempty"` // unix seconds, 0 = never
	NotBefore   int64    `json:"nbf"`
	IssuedAt    int64    `json:"iat"`
	ID          string   `json:"jti"`
	ServerID    string   `json:"server_id"`
	Permissions []string `json:"permissions"`
}

// ExpiresAt returns the expiry time, nil for tokens that never expire.
func (c *Claims) ExpiresAt() *time.Time {
	if c.Expiry == 0 {
		return nil
	}
	t := time.Unix(c.Expiry, 0).UTC()
	return &t
}

// Config holds token settings.
type Config struct {
	Issuer     string
	Audience   string
	DefaultTTL time.Duration // used when the caller gives no expiry
	Leeway     time.Duration // tolerated clock skew
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:     "gosched-server",
		Audience:   "gosched-agent",
		DefaultTTL: 24 * time.Hour,
		Leeway:     30 * time.Second,
	}
}

// TokenService generates and verifies agent tokens.
type TokenService struct {
	key      *Key
	cfg      Config
	serverID string
	enc      jose.Encrypter
	now      func() time.Time
}

// NewTokenService creates a TokenService for key.
func NewTokenService(key *Key, cfg Config, serverID string) (*TokenService, error) {
	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.ECDH_ES, Key: &key.private.PublicKey},
		(&jose.EncrypterOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("create encrypter: %w", err)
	}
	return &TokenService{key: key, cfg: cfg, serverID: serverID, enc: enc, now: time.Now}, nil
}

// SetClock replaces the time source (tests).
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// Generate issues a token for agentID. A nil ttl selects the default TTL;
// a zero ttl issues a token that never expires.
func (s *TokenService) Generate(agentID string, ttl *time.Duration, permissions []string) (string, *Claims, error) {
	if agentID == "" {
		return "", nil, fmt.Errorf("agent id is required")
	}
	lifetime := s.cfg.DefaultTTL
	if ttl != nil {
		lifetime = *ttl
	}
	if lifetime < 0 {
		return "", nil, fmt.Errorf("negative token lifetime")
	}
	if permissions == nil {
		permissions = []string{}
	}

	now := s.now().UTC()
	claims := &Claims{
		Issuer:      s.cfg.Issuer,
		Subject:     agentID,
		Audience:    s.cfg.Audience,
		NotBefore:   now.Unix(),
		IssuedAt:    now.Unix(),
		ID:          uuid.NewString(),
		ServerID:    s.serverID,
		Permissions: permissions,
	}
	if lifetime > 0 {
		claims.Expiry = now.Add(lifetime).Unix()
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", nil, fmt.Errorf("marshal claims: %w", err)
	}
	obj, err := s.enc.Encrypt(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt token: %w", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		return "", nil, fmt.Errorf("serialize token: %w", err)
	}
	return token, claims, nil
}

// Verify decrypts token and checks that it is current, was issued by this
// service and belongs to agentID.
func (s *TokenService) Verify(token, agentID string) (*Claims, error) {
	obj, err := jose.ParseEncrypted(token,
		[]jose.KeyAlgorithm{jose.ECDH_ES}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	payload, err := obj.Decrypt(s.key.private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := s.now().UTC()
	if claims.Expiry != 0 && now.After(time.Unix(claims.Expiry, 0).Add(s.cfg.Leeway)) {
		return nil, ErrTokenExpired
	}
	if now.Add(s.cfg.Leeway).Before(time.Unix(claims.NotBefore, 0)) {
		return nil, ErrTokenNotYetValid
	}
	if claims.Issuer != s.cfg.Issuer {
		return nil, ErrIssuerMismatch
	}
	if claims.Audience != s.cfg.Audience {
		return nil, ErrAudienceMismatch
	}
	if claims.Subject != agentID {
		return nil, fmt.Errorf("%w: token is for %q, not %q", ErrAgentMismatch, claims.Subject, agentID)
	}
	return &claims, nil
}

// HasPermission reports whether the claims grant perm. Tokens without any
// permissions are unrestricted.
func (c *Claims) HasPermission(perm string) bool {
	return len(c.Permissions) == 0 || slices.Contains(c.Permissions, perm)
}
