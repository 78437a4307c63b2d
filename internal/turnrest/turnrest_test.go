package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func TestIssue_CoturnCompatible(t *testing.T) {
	iss, err := NewIssuer(Config{Secret: "shared-secret", TTL: time.Hour, Prefix: "aero", Now: fixedNow})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	creds := iss.Issue("alice")
	if want := "1700003600:aero:alice"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}
	if creds.Expires.Unix() != 1_700_003_600 {
		t.Fatalf("Expires=%v, want unix 1700003600", creds.Expires)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(creds.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestIssue_ReplacesUnusableParticipant(t *testing.T) {
	iss, err := NewIssuer(Config{Secret: "s", Now: fixedNow})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	for _, id := range []string{"", "a:b"} {
		creds := iss.Issue(id)
		parts := strings.Split(creds.Username, ":")
		if len(parts) != 3 || parts[1] != DefaultPrefix || parts[2] == "" || parts[2] == id {
			t.Fatalf("Issue(%q) username=%q", id, creds.Username)
		}
	}
}

func TestNewIssuer_Validates(t *testing.T) {
	if _, err := NewIssuer(Config{}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("err=%v, want %v", err, ErrMissingSecret)
	}
	if _, err := NewIssuer(Config{Secret: "s", Prefix: "a:b"}); err == nil {
		t.Fatalf("prefix with ':' accepted")
	}
	if _, err := NewIssuer(Config{Secret: "s", TTL: -time.Second}); err == nil {
		t.Fatalf("negative ttl accepted")
	}
}
