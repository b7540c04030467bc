package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testClaims(exp time.Time) Claims {
	return Claims{
		Sub:         "user-1",
		Name:        "Grandma Rose",
		Role:        "editor",
		ProtocolKey: "rose-family",
		JTI:         "jti-1",
		Exp:         exp.Unix(),
	}
}

func TestIssueAndParse(t *testing.T) {
	signer := NewSigner("secret")
	issued, err := signer.Issue(testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.Count(issued, ".") != 2 {
		t.Fatalf("expected kid.payload.signature, got %q", issued)
	}
	claims, err := signer.Parse(issued)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.ProtocolKey != "rose-family" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.IssuedAt == 0 {
		t.Fatal("expected iat to be stamped")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	signer := NewSigner("secret")
	issued, err := signer.Issue(testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	signer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := signer.Parse(issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseRejectsForgedSignature(t *testing.T) {
	issued, err := NewSigner("secret").Issue(testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := NewSigner("other").Parse(issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := NewSigner("secret").Parse(issued + ".extra"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for extra segment, got %v", err)
	}

	// Swapping the key id must not let a token verify under another key.
	_, rest, _ := strings.Cut(issued, ".")
	if _, err := NewSigner("secret").Parse("00000000." + rest); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown kid, got %v", err)
	}
}

func TestRotatedSecretStillVerifies(t *testing.T) {
	old := NewSigner("2023-secret")
	issued, err := old.Issue(testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rotated := NewSigner("2024-secret", "2023-secret")
	if _, err := rotated.Parse(issued); err != nil {
		t.Fatalf("token from the previous secret should verify: %v", err)
	}
	fresh, err := rotated.Issue(testClaims(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := old.Parse(fresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("old signer must not know the new key, got %v", err)
	}

	retired := NewSigner("2024-secret")
	if _, err := retired.Parse(issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected retired secret to be refused, got %v", err)
	}
}

func TestParseRequiresProtocolKey(t *testing.T) {
	claims := testClaims(time.Now().Add(time.Hour))
	claims.ProtocolKey = ""
	signer := NewSigner("secret")
	issued, err := signer.Issue(claims)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := signer.Parse(issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshTokensAreOpaqueAndHashed(t *testing.T) {
	first, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken() error = %v", err)
	}
	second, _ := NewRefreshToken()
	if first == second || !strings.HasPrefix(first, "rft_") {
		t.Fatalf("unexpected refresh tokens %q %q", first, second)
	}
	hash := HashToken(first)
	if hash != HashToken(first) || len(hash) != 64 || strings.ToLower(hash) != hash {
		t.Fatalf("unexpected hash %q", hash)
	}
}
