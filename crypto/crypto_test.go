package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg == "" {
				if err != nil || enc == nil {
					t.Fatalf("NewAESEncryptor() = %v, %v; want encryptor", enc, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	for _, pt := range [][]byte{[]byte("x"), []byte("ya29.refresh-token"), bytes.Repeat([]byte("a"), 4096)} {
		ct, err := enc.Encrypt(pt)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Contains(ct, pt) {
			t.Error("ciphertext contains plaintext")
		}
		got, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Errorf("Decrypt() = %q, want %q", got, pt)
		}
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	enc := newTestEncryptor(t)
	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	enc := newTestEncryptor(t)
	other := newTestEncryptor(t)
	ct, _ := enc.Encrypt([]byte("secret"))

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff

	cases := map[string]struct {
		enc *AESEncryptor
		ct  []byte
	}{
		"empty":     {enc, nil},
		"too short": {enc, []byte("abc")},
		"tampered":  {enc, tampered},
		"wrong key": {other, ct},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := c.enc.Decrypt(c.ct); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	if _, err := newTestEncryptor(t).Encrypt(nil); err == nil {
		t.Error("Encrypt(nil) expected error")
	}
}

func TestEncryptStringRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	s, err := EncryptString(enc, "token")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		t.Errorf("EncryptString() output not base64: %v", err)
	}
	got, err := DecryptString(enc, s)
	if err != nil || got != "token" {
		t.Errorf("DecryptString() = %q, %v", got, err)
	}
	if s, _ := EncryptString(enc, ""); s != "" {
		t.Errorf("EncryptString(\"\") = %q, want empty", s)
	}
	if _, err := DecryptString(enc, "%%%"); err == nil {
		t.Error("DecryptString() of invalid base64 expected error")
	}
}

func TestSealOpen(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, err := Seal(enc, "client-secret")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("Seal() = %q, missing prefix", sealed)
	}
	again, _ := Seal(enc, sealed)
	if again != sealed {
		t.Error("sealing a sealed value must be a no-op")
	}
	got, err := Open(enc, sealed)
	if err != nil || got != "client-secret" {
		t.Errorf("Open() = %q, %v", got, err)
	}
	if got, err := Open(nil, "plain"); err != nil || got != "plain" {
		t.Errorf("Open(plain) = %q, %v", got, err)
	}
	if _, err := Open(nil, sealed); !errors.Is(err, ErrNoKey) {
		t.Errorf("Open() without key error = %v, want ErrNoKey", err)
	}
	if s, _ := Seal(enc, ""); s != "" {
		t.Errorf("Seal(\"\") = %q", s)
	}
}
