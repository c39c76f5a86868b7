// Package signature signs and verifies webhook payloads with HMAC-SHA512
// over the raw request body, plus a replay window on the sender's timestamp.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxAge is the replay window applied when none is configured.
const DefaultMaxAge = 300 * time.Second

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidTimestamp = errors.New("invalid webhook timestamp")
	ErrTimestampExpired = errors.New("webhook timestamp outside replay window")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign returns the lowercase hex HMAC-SHA512 of payload keyed by secret.
// payload must be the exact bytes sent on the wire.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Check validates signatureHeader and timestampHeader against payload at now.
// The returned error says why verification failed; it is for logs only.
func Check(secret, payload []byte, signatureHeader, timestampHeader string, maxAge time.Duration, now time.Time) error {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	// Compare against the window edges; now-ts can overflow int64.
	window := int64(maxAge / time.Second)
	if ts < now.Unix()-window || ts > now.Unix()+window {
		return ErrTimestampExpired
	}

	got, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return fmt.Errorf("%w: malformed hex", ErrInvalidSignature)
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify reports whether the signature and timestamp are valid at now.
// Callers must not tell a remote party which check failed.
func Verify(secret, payload []byte, signatureHeader, timestampHeader string, maxAge time.Duration, now time.Time) bool {
	return Check(secret, payload, signatureHeader, timestampHeader, maxAge, now) == nil
}

// Codec binds a shared secret and replay window.
type Codec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewCodec creates a Codec. A non-positive maxAge selects DefaultMaxAge.
func NewCodec(secret string, maxAge time.Duration) *Codec {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Codec{secret: []byte(secret), maxAge: maxAge, now: time.Now}
}

// WithClock returns a copy of c that reads the current time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

func (c *Codec) MaxAge() time.Duration { return c.maxAge }

func (c *Codec) Sign(payload []byte) string {
	return Sign(c.secret, payload)
}

func (c *Codec) Check(payload []byte, signatureHeader, timestampHeader string) error {
	return Check(c.secret, payload, signatureHeader, timestampHeader, c.maxAge, c.now())
}

func (c *Codec) Verify(payload []byte, signatureHeader, timestampHeader string) bool {
	return c.Check(payload, signatureHeader, timestampHeader) == nil
}

// Headers returns signature and timestamp header values for payload signed
// at the codec's current time.
func (c *Codec) Headers(payload []byte) (signature, timestamp string) {
	return c.Sign(payload), strconv.FormatInt(c.now().Unix(), 10)
}
