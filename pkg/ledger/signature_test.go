package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

const signaturePayload = `{"id":"evt_1","type":"payment_intent.succeeded"}`

func TestHMACVerifierAcceptsValidSignatures(test *testing.T) {
	test.Parallel()
	verifier, err := NewHMACVerifier(testWebhookSecret, 5*time.Minute, func() int64 { return testNowUnix })
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	payload := []byte(signaturePayload)
	if err := verifier.Verify(payload, SignPayload(testWebhookSecret, payload, testNowUnix-60)); err != nil {
		test.Fatalf("expected timestamped signature to verify, got %v", err)
	}
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	if err := verifier.Verify(payload, hex.EncodeToString(mac.Sum(nil))); err != nil {
		test.Fatalf("expected bare digest to verify, got %v", err)
	}
}

func TestHMACVerifierRejectsBadSignatures(test *testing.T) {
	test.Parallel()
	verifier, err := NewHMACVerifier(testWebhookSecret, 5*time.Minute, func() int64 { return testNowUnix })
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	payload := []byte(signaturePayload)
	testCases := []struct {
		name   string
		header string
	}{
		{name: "empty", header: ""},
		{name: "wrong secret", header: SignPayload("other", payload, testNowUnix)},
		{name: "stale", header: SignPayload(testWebhookSecret, payload, testNowUnix-3600)},
		{name: "tampered body", header: SignPayload(testWebhookSecret, []byte(`{"id":"evt_2"}`), testNowUnix)},
		{name: "missing digest", header: "t=1700000000"},
		{name: "bad timestamp", header: "t=abc,v1=00"},
		{name: "not hex", header: "zzzz"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := verifier.Verify(payload, testCase.header); !errors.Is(err, ErrInvalidSignature) {
				test.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestNewHMACVerifierValidatesConfig(test *testing.T) {
	test.Parallel()
	clock := func() int64 { return testNowUnix }
	if _, err := NewHMACVerifier(" ", time.Minute, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for empty secret, got %v", err)
	}
	if _, err := NewHMACVerifier("secret", -time.Second, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for negative tolerance, got %v", err)
	}
	if _, err := NewHMACVerifier("secret", time.Minute, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
