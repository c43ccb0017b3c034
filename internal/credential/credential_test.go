package credential

import (
	"errors"
	"strings"
	"testing"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManagerWithKey("noetik-test")
	if err != nil {
		t.Fatalf("NewManagerWithKey: %v", err)
	}
	return m
}

func TestManager_RoundTrip(t *testing.T) {
	m := testManager(t)

	for _, plaintext := range []string{
		"sk-1234567890abcdef",
		strings.Repeat("k", 1024),
		"api-key-日本語-🔑",
		"key!@#$%^&*()_+-=[]{}|;':\",./<>?",
	} {
		enc, err := m.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !IsEncrypted(enc) || strings.Contains(enc, plaintext) {
			t.Errorf("Encrypt(%q) = %q, want opaque prefixed value", plaintext, enc)
		}
		dec, err := m.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if dec != plaintext {
			t.Errorf("round trip = %q, want %q", dec, plaintext)
		}
	}
}

func TestManager_Decrypt(t *testing.T) {
	m := testManager(t)

	tests := []struct {
		name    string
		stored  string
		want    string
		wantErr bool
	}{
		{name: "empty", stored: "", want: ""},
		{name: "plaintext passes through", stored: "sk-not-encrypted", want: "sk-not-encrypted"},
		{name: "bad base64", stored: EncryptedPrefix + "not-valid-base64!!!", wantErr: true},
		{name: "shorter than nonce", stored: EncryptedPrefix + "YWJj", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Decrypt(tt.stored)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decrypt err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Decrypt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestManager_EmptyStaysEmpty(t *testing.T) {
	enc, err := testManager(t).Encrypt("")
	if err != nil || enc != "" {
		t.Errorf("Encrypt(\"\") = %q, %v", enc, err)
	}
}

func TestManager_FreshNonce(t *testing.T) {
	m := testManager(t)
	a, _ := m.Encrypt("same")
	b, _ := m.Encrypt("same")
	if a == b {
		t.Error("expected distinct ciphertexts for repeated encryption")
	}
}

func TestNewManager_MachineKey(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	enc, _ := m.Encrypt("sk-machine")
	if dec, err := m.Decrypt(enc); err != nil || dec != "sk-machine" {
		t.Errorf("Decrypt = %q, %v", dec, err)
	}
}

func TestIsEncrypted(t *testing.T) {
	for in, want := range map[string]bool{
		"":                     false,
		"sk-plaintext":         false,
		EncryptedPrefix + "x":  true,
		"enc:v1:other-product": false,
	} {
		if got := IsEncrypted(in); got != want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	for in, want := range map[string]string{
		"":                    "****",
		"12345678":            "****",
		"123456789":           "1234...6789",
		"sk-1234567890abcdef": "sk-1...cdef",
	} {
		if got := MaskSecret(in); got != want {
			t.Errorf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManager_DifferentKeys(t *testing.T) {
	a, _ := NewManagerWithKey("alice")
	b, _ := NewManagerWithKey("bob")

	enc, err := a.Encrypt("sk-secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(enc); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestIsSecretKey(t *testing.T) {
	testCases := map[string]bool{
		"openai_api_key":    true,
		"ANTHROPIC_API_KEY": true,
		"redis_password":    true,
		"github_token":      true,
		"openai_base_url":   false,
		"cli_path":          false,
	}
	for key, want := range testCases {
		if got := IsSecretKey(key); got != want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", key, got, want)
		}
	}
}

type mapSettings map[string]string

func (m mapSettings) SetConfig(key, value string) error    { m[key] = value; return nil }
func (m mapSettings) GetConfig(key string) (string, error) { return m[key], nil }

func TestVault(t *testing.T) {
	manager, _ := NewManagerWithKey("test")
	settings := mapSettings{}
	v := NewVault(manager, settings)

	if err := v.Set("openai_api_key", "sk-1234567890abcdef"); err != nil {
		t.Fatal(err)
	}
	if err := v.Set("openai_base_url", "http://localhost:8000"); err != nil {
		t.Fatal(err)
	}

	if !IsEncrypted(settings["openai_api_key"]) {
		t.Error("api key should be stored encrypted")
	}
	if settings["openai_base_url"] != "http://localhost:8000" {
		t.Error("non-secret should be stored verbatim")
	}

	got, err := v.Get("openai_api_key")
	if err != nil || got != "sk-1234567890abcdef" {
		t.Errorf("Get = %q, %v", got, err)
	}
	shown, _ := v.Display("openai_api_key")
	if shown != "sk-1...cdef" {
		t.Errorf("Display = %q", shown)
	}
	missing, err := v.Get("gemini_api_key")
	if err != nil || missing != "" {
		t.Errorf("missing key = %q, %v", missing, err)
	}
}
