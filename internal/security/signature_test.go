package security

import (
	"crypto/rand"
	"strings"
	"testing"
)

func TestSignatureRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"webhook_type":"TRANSACTIONS"}`),
		{},
		[]byte("unicode ✓ payload"),
	}
	secrets := []string{"s", "whsec_0123456789abcdef", strings.Repeat("k", 128)}

	for _, payload := range payloads {
		for _, secret := range secrets {
			sig := GenerateSignature(payload, secret)
			if !VerifySignature(payload, sig, secret) {
				t.Fatalf("round trip failed for payload %q secret %q", payload, secret)
			}
			if !VerifySignature(payload, "sha256="+sig, secret) {
				t.Fatalf("prefixed round trip failed for payload %q", payload)
			}
			if !VerifySignature(payload, "SHA256="+sig, secret) {
				t.Fatalf("prefix must be case-insensitive")
			}
			if !VerifySignature(payload, "sha256="+strings.ToUpper(sig), secret) {
				t.Fatalf("uppercase hex must verify")
			}
		}
	}
}

func TestSignatureRandomRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		payload := make([]byte, i*7)
		_, _ = rand.Read(payload)
		secretBytes := make([]byte, 16)
		_, _ = rand.Read(secretBytes)
		secret := string(secretBytes)

		if !VerifySignature(payload, GenerateSignature(payload, secret), secret) {
			t.Fatalf("round trip failed at iteration %d", i)
		}
	}
}

func TestSignatureSingleByteMutation(t *testing.T) {
	payload := []byte(`{"event":"payment.created","amount":1200}`)
	secret := "whsec_test"
	sig := GenerateSignature(payload, secret)

	for i := range payload {
		mutated := append([]byte{}, payload...)
		mutated[i] ^= 0x01
		if VerifySignature(mutated, sig, secret) {
			t.Fatalf("payload mutation at byte %d verified", i)
		}
	}
	for i := range sig {
		mutated := []byte(sig)
		mutated[i] ^= 0x01
		if VerifySignature(payload, string(mutated), secret) {
			t.Fatalf("signature mutation at byte %d verified", i)
		}
	}
}

func TestVerifySignatureMalformed(t *testing.T) {
	payload := []byte("body")
	secret := "secret"
	sig := GenerateSignature(payload, secret)

	tests := []struct {
		name      string
		signature string
		secret    string
	}{
		{"empty signature", "", secret},
		{"prefix only", "sha256=", secret},
		{"not hex", "zzzz", secret},
		{"truncated", sig[:10], secret},
		{"wrong secret", sig, "other"},
		{"empty secret", sig, ""},
		{"extra suffix", sig + "00", secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySignature(payload, tt.signature, tt.secret) {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestSignedPayloadBindsHeaders(t *testing.T) {
	body := []byte(`{"webhook_type":"TRANSACTIONS"}`)
	secret := "whsec_test"

	if got := string(SignedPayload("1700000000000", "n-1", body)); got != `1700000000000.n-1.{"webhook_type":"TRANSACTIONS"}` {
		t.Fatalf("SignedPayload() = %q", got)
	}

	sig := GenerateSignature(SignedPayload("1700000000000", "n-1", body), secret)
	tests := []struct {
		name      string
		timestamp string
		nonce     string
		want      bool
	}{
		{"original headers", "1700000000000", "n-1", true},
		{"new nonce", "1700000000000", "n-2", false},
		{"new timestamp", "1700000000001", "n-1", false},
		{"shifted separator", "1700000000000.n", "1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(SignedPayload(tt.timestamp, tt.nonce, body), sig, secret); got != tt.want {
				t.Fatalf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
