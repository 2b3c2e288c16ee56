package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	signatureTimestampKey = "t"
	signatureVersionKey   = "v1"
)

// SignatureVerifier authenticates a raw webhook body against its signature header.
type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

// HMACVerifier checks gateway signatures of the form "t=<unix>,v1=<hex>",
// where the digest is HMAC-SHA256 over "<t>.<body>". A bare hex digest of the
// body alone is accepted for gateways that do not timestamp their payloads.
type HMACVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() int64
}

// NewHMACVerifier builds a verifier. A zero tolerance disables the replay
// window check.
func NewHMACVerifier(secret string, tolerance time.Duration, now func() int64) (*HMACVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidServiceConfig)
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("%w: negative signature tolerance", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &HMACVerifier{secret: []byte(secret), tolerance: tolerance, now: now}, nil
}

// Verify returns ErrInvalidSignature when header does not authenticate payload.
func (verifier *HMACVerifier) Verify(payload []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	if !strings.Contains(header, "=") {
		if verifier.matches(payload, header) {
			return nil
		}
		return ErrInvalidSignature
	}

	timestamp, digests := parseSignatureHeader(header)
	if timestamp == "" || len(digests) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	issuedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	if verifier.tolerance > 0 {
		skew := time.Duration(verifier.now()-issuedAt) * time.Second
		if skew < 0 {
			skew = -skew
		}
		if skew > verifier.tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	signed := signedContent(timestamp, payload)
	for _, digest := range digests {
		if verifier.matches(signed, digest) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (verifier *HMACVerifier) matches(content []byte, digest string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(digest))
	if err != nil {
		return false
	}
	return hmac.Equal(provided, computeHMAC(verifier.secret, content))
}

// SignPayload produces a header Verify accepts. Used by the sandbox gateway
// and tests.
func SignPayload(secret string, payload []byte, timestamp int64) string {
	stamp := strconv.FormatInt(timestamp, 10)
	digest := computeHMAC([]byte(secret), signedContent(stamp, payload))
	return fmt.Sprintf("%s=%s,%s=%s", signatureTimestampKey, stamp, signatureVersionKey, hex.EncodeToString(digest))
}

func parseSignatureHeader(header string) (string, []string) {
	var timestamp string
	var digests []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case signatureTimestampKey:
			timestamp = value
		case signatureVersionKey:
			digests = append(digests, value)
		}
	}
	return timestamp, digests
}

func signedContent(timestamp string, payload []byte) []byte {
	content := make([]byte, 0, len(timestamp)+1+len(payload))
	content = append(content, timestamp...)
	content = append(content, '.')
	return append(content, payload...)
}

func computeHMAC(secret []byte, content []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(content)
	return mac.Sum(nil)
}
