// Package webauth verifies web-app init data handed to the upload endpoints.
// The platform signs a canonicalized key=value string with HMAC-SHA256 under
// a key derived from the bot token; the server recomputes and compares.
package webauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// secretSalt is the fixed HMAC key the platform derives the signing secret
// with: secret = HMAC-SHA256(key="WebAppData", data=botToken).
const secretSalt = "WebAppData"

var (
	// ErrInvalidSignature means the recomputed HMAC did not match.
	ErrInvalidSignature = errors.New("webauth: invalid signature")

	// ErrExpired means auth_date is older than the allowed age.
	ErrExpired = errors.New("webauth: init data expired")
)

// Identity is the verified caller of a web-app request.
type Identity struct {
	UserID    int64
	Username  string
	FirstName string
}

// Verifier checks init-data signatures for one bot token.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option is a functional option for Verifier.
type Option func(*Verifier)

// WithMaxAge bounds how old auth_date may be. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) { v.maxAge = d }
}

// withNow overrides the clock. Test use only.
func withNow(fn func() time.Time) Option {
	return func(v *Verifier) { v.now = fn }
}

// NewVerifier derives the signing secret from the bot token.
func NewVerifier(botToken string, opts ...Option) *Verifier {
	mac := hmac.New(sha256.New, []byte(secretSalt))
	mac.Write([]byte(botToken))
	v := &Verifier{secret: mac.Sum(nil), now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify checks the signature of raw init data (a URL-encoded query string)
// and returns the embedded user identity.
func (v *Verifier) Verify(initData string) (*Identity, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("webauth: parse init data: %w", err)
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, ErrInvalidSignature
	}
	values.Del("hash")

	// Canonical form: sorted key=value pairs joined with newlines.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	checkString := strings.Join(pairs, "\n")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(checkString))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(gotHash)) {
		return nil, ErrInvalidSignature
	}

	if v.maxAge > 0 {
		var authDate int64
		fmt.Sscanf(values.Get("auth_date"), "%d", &authDate)
		if authDate == 0 || v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
			return nil, ErrExpired
		}
	}

	var user struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
	}
	if raw := values.Get("user"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return nil, fmt.Errorf("webauth: decode user: %w", err)
		}
	}
	if user.ID == 0 {
		return nil, errors.New("webauth: init data carries no user")
	}
	return &Identity{UserID: user.ID, Username: user.Username, FirstName: user.FirstName}, nil
}
