// Package turnrest derives short-lived TURN credentials from a secret shared
// with a coturn-style TURN server (use-auth-secret).
//
//	username   = <unix expiry>:<prefix>:<participant>
//	credential = base64(hmac_sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL    = time.Hour
	DefaultPrefix = "aero-mesh"
)

var ErrMissingSecret = errors.New("turnrest: shared secret is required")

type Config struct {
	Secret string
	// TTL is how long issued credentials stay valid. Defaults to DefaultTTL.
	TTL time.Duration
	// Prefix is the middle field of the username. Defaults to DefaultPrefix.
	Prefix string
	Now    func() time.Time
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("turnrest: ttl must be > 0, got %s", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("turnrest: prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{secret: []byte(cfg.Secret), ttl: cfg.TTL, prefix: cfg.Prefix, now: cfg.Now}, nil
}

// Issue returns credentials bound to participant. Ids that cannot appear in
// the username are replaced by a random one.
func (i *Issuer) Issue(participant string) Credentials {
	if participant == "" || strings.Contains(participant, ":") {
		participant = uuid.NewString()
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, participant)
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
