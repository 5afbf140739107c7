package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("test-secret")

func validClaims() Claims {
	return Claims{
		Sub:          "act_1",
		Name:         "Dana Reyes",
		Role:         "technician",
		Capabilities: []string{"record"},
		JTI:          "jti_1",
		Exp:          time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParse(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Sub != "act_1" || claims.Role != "technician" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Capabilities) != 1 || claims.Capabilities[0] != "record" {
		t.Fatalf("capabilities lost: %v", claims.Capabilities)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	token, err := IssueToken(testSecret, validClaims())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0][:len(parts[0])-2] + "xx." + parts[1]
	if _, err := ParseToken(testSecret, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestParseRejectsIncompleteClaims(t *testing.T) {
	claims := validClaims()
	claims.Sub = ""
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, token := range []string{"", "one-part", "a.b.c", "!!!.???"} {
		if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected invalid token, got %v", token, err)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("distinct tokens must hash differently")
	}
}
