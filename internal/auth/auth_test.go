package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateTokenRoundTrip(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.Register("ops-key", "ops-secret")

	resp, err := s.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := s.ValidateToken(resp.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ClientID != "ops-key" {
		t.Errorf("client_id = %q, want ops-key", claims.ClientID)
	}

	perms := map[string]bool{}
	for _, p := range claims.Permissions {
		perms[p] = true
	}
	for _, want := range []string{PermApprove, PermExecute, PermControl} {
		if !perms[want] {
			t.Errorf("token missing permission %s", want)
		}
	}
}

func TestGenerateTokenRejectsUnknownCredentials(t *testing.T) {
	s := NewService("test-secret", time.Hour)
	s.Register("ops-key", "ops-secret")

	if _, err := s.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong secret err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := s.GenerateToken(Credentials{APIKey: "nobody", APISecret: "x"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown key err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	s := NewService("test-secret", -time.Hour)
	s.Register("ops-key", "ops-secret")

	resp, err := s.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := s.ValidateToken(resp.Token); err == nil {
		t.Fatal("expired token validated")
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewService("issuer-secret", time.Hour)
	issuer.Register("ops-key", "ops-secret")
	verifier := NewService("other-secret", time.Hour)

	resp, err := issuer.GenerateToken(Credentials{APIKey: "ops-key", APISecret: "ops-secret"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := verifier.ValidateToken(resp.Token); err == nil {
		t.Fatal("token signed with a different secret validated")
	}
}
