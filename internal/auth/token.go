// Package auth signs the API's access tokens and derives the stored form of
// refresh tokens.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims identify a family member session. ProtocolKey scopes every request
// to one family's partition.
type Claims struct {
	Sub         string `json:"sub"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	ProtocolKey string `json:"pk"`
	JTI         string `json:"jti"`
	IssuedAt    int64  `json:"iat"`
	Exp         int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type signingKey struct {
	id     string
	secret []byte
}

// Signer issues HMAC-signed access tokens of the form kid.payload.signature.
// Tokens signed with a previous secret keep verifying until they expire, so
// the secret can be rotated without signing everyone out.
type Signer struct {
	current signingKey
	keys    map[string][]byte
	now     func() time.Time
}

func NewSigner(secret string, previous ...string) *Signer {
	s := &Signer{keys: make(map[string][]byte), now: time.Now}
	s.current = newSigningKey(secret)
	s.keys[s.current.id] = s.current.secret
	for _, old := range previous {
		if strings.TrimSpace(old) == "" {
			continue
		}
		k := newSigningKey(old)
		if _, ok := s.keys[k.id]; !ok {
			s.keys[k.id] = k.secret
		}
	}
	return s
}

func newSigningKey(secret string) signingKey {
	sum := sha256.Sum256([]byte("heirloom-kid:" + secret))
	return signingKey{id: hex.EncodeToString(sum[:4]), secret: []byte(secret)}
}

// Issue signs claims with the current secret. IssuedAt is stamped when unset.
func (s *Signer) Issue(claims Claims) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = s.now().Unix()
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signed := s.current.id + "." + base64.RawURLEncoding.EncodeToString(raw)
	return signed + "." + sign(s.current.secret, signed), nil
}

// Parse verifies token against whichever known secret its key id names.
func (s *Signer) Parse(token string) (Claims, error) {
	kid, rest, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	payload, signature, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	secret, ok := s.keys[kid]
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, kid+"."+payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.ProtocolKey == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NewRefreshToken returns an opaque random refresh token. Only its hash is
// ever stored.
func NewRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return "rft_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken is the lookup key a refresh token is stored under.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
