package prefetch

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Take-tokens are opaque, short-lived proofs that a preview was handed
// out by this process: HMAC-SHA256 over kind|ident|expiry. Without a
// configured secret a random per-process secret is used, so tokens do
// not survive restarts.

// Token verification errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenSigner mints and verifies signed record tokens.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner creates a signer. An empty secret generates an
// ephemeral one.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenSigner{secret: key, ttl: ttl}
}

func (s *TokenSigner) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Sign mints a token for a queue record.
func (s *TokenSigner) Sign(kind, ident string) string {
	expiry := time.Now().Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s|%s|%d", kind, ident, expiry)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + s.mac(payload)
}

// Verify checks a token's signature and expiry and returns its kind and
// record identifier. Identifiers that could traverse paths are rejected.
func (s *TokenSigner) Verify(token string) (kind, ident string, err error) {
	dot := strings.LastIndex(token, ".")
	if dot <= 0 {
		return "", "", ErrTokenInvalid
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return "", "", ErrTokenInvalid
	}
	payload := string(payloadRaw)
	if !hmac.Equal([]byte(s.mac(payload)), []byte(token[dot+1:])) {
		return "", "", ErrTokenInvalid
	}

	parts := strings.Split(payload, "|")
	if len(parts) != 3 {
		return "", "", ErrTokenInvalid
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", ErrTokenInvalid
	}
	if time.Now().Unix() > expiry {
		return "", "", ErrTokenExpired
	}

	ident = parts[1]
	if ident == "" || strings.ContainsAny(ident, `/\`) || strings.Contains(ident, "..") {
		return "", "", ErrTokenInvalid
	}
	return parts[0], ident, nil
}
