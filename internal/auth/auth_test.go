package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var depositor = common.HexToAddress("0x0000000000000000000000000000000000000abc")

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv(secretEnvVariable, value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")

	token, expiresAt, err := GenerateToken(depositor, []string{"Depositor", "depositor", " "}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	got, err := claims.Depositor()
	if err != nil || got != depositor {
		t.Fatalf("unexpected depositor: %s, err=%v", got.Hex(), err)
	}
	if len(claims.Roles) != 1 || !claims.HasRole(RoleDepositor) {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatalf("expected token id")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	withSecret(t, "test-secret")
	if _, _, err := GenerateToken(common.Address{}, nil, time.Minute); err == nil {
		t.Fatal("expected error for zero depositor")
	}
	if _, _, err := GenerateToken(depositor, nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestParseRejectsTamperedAndForeignTokens(t *testing.T) {
	withSecret(t, "test-secret")
	token, _, err := GenerateToken(depositor, []string{RoleDepositor}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseAndValidate(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}

	now := time.Now().UTC()
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   depositor.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign issuer, got %v", err)
	}

	notAddress := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-42",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	})
	signed, err = notAddress.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for non-address subject, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	withSecret(t, "")
	if Configured() {
		t.Fatal("expected auth to be unconfigured")
	}
	if _, _, err := GenerateToken(depositor, nil, time.Minute); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected errMissingSecret, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserFromContext(ctx); ok {
		t.Fatal("unexpected user in empty context")
	}
	ctx = ContextWithUser(ctx, depositor, []string{"Depositor", "Depositor", "viewer"})
	id, ok := UserFromContext(ctx)
	if !ok || id != depositor {
		t.Fatalf("unexpected user: %s, ok=%v", id.Hex(), ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, RoleDepositor) {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
}

func TestCredentials(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	creds := NewCredentials()
	if err := creds.Add(depositor, hash); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := creds.Add(depositor, "plain-text"); err == nil {
		t.Fatal("expected non-bcrypt hash to be rejected")
	}
	if creds.Len() != 1 {
		t.Fatalf("expected one credential, got %d", creds.Len())
	}
	if err := creds.Authenticate(depositor, "s3cret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := creds.Authenticate(depositor, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	other := common.HexToAddress("0x0000000000000000000000000000000000000def")
	if err := creds.Authenticate(other, "s3cret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unknown depositor, got %v", err)
	}
}
