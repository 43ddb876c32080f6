package crypto

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
)

const (
	testKey = "0123456789abcdef"
	testIV  = "0102030405060708"
)

func TestAESRoundTrip(t *testing.T) {
	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte(`{"internaluserid":"__INTERNAL_ID__","internalvin":12345}`),
		bytes.Repeat([]byte{0x42}, 16), // exactly one block
		bytes.Repeat([]byte{0x00}, 33),
	}
	for _, plaintext := range plaintexts {
		encrypted, err := EncryptAES128CBC(plaintext, testKey, testIV)
		if err != nil {
			t.Fatalf("encrypt failed: %s", err)
		}
		decrypted, err := DecryptAES128CBC(encrypted, testKey, testIV)
		if err != nil {
			t.Fatalf("decrypt failed: %s", err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("round trip mismatch: %q != %q", plaintext, decrypted)
		}
	}
}

func TestAESRejectsWrongKey(t *testing.T) {
	encrypted, err := EncryptAES128CBC([]byte("hello"), testKey, testIV)
	if err != nil {
		t.Fatalf("encrypt failed: %s", err)
	}
	if _, err := DecryptAES128CBC(encrypted, "fedcba9876543210", testIV); err == nil {
		t.Error("expected padding error when decrypting with the wrong key")
	}
	if _, err := DecryptAES128CBC("not base64!!", testKey, testIV); err == nil {
		t.Error("expected error on malformed base64 input")
	}
	if _, err := EncryptAES128CBC([]byte("hello"), "short", testIV); err == nil {
		t.Error("expected error on short key")
	}
}

func TestPayloadSignShape(t *testing.T) {
	timestamp := "1700000000000"
	sign := PayloadSign("payload", timestamp, "signkey")
	if !regexp.MustCompile(`^[0-9A-F]{64}$`).MatchString(sign) {
		t.Errorf("sign is not uppercase SHA-256 hex: %q", sign)
	}
	if sign != PayloadSign("payload", timestamp, "signkey") {
		t.Error("sign is not deterministic")
	}
	if sign == PayloadSign("payload", timestamp, "otherkey") {
		t.Error("sign does not depend on the key")
	}
	if sign == PayloadSign("other", timestamp, "signkey") {
		t.Error("sign does not depend on the payload")
	}
	if PayloadSign("payload", "", "signkey") != "" {
		t.Error("empty timestamp must produce an empty sign")
	}
}

func TestTimestampSignShape(t *testing.T) {
	sign := TimestampSign("1700000000000", "202007270941270111799")
	if !regexp.MustCompile(`^[0-9A-F]{64}$`).MatchString(sign) {
		t.Errorf("sign is not uppercase SHA-256 hex: %q", sign)
	}
	if TimestampSign("", "202007270941270111799") != "" {
		t.Error("empty timestamp must produce an empty sign")
	}
}

func TestAppDerivedKeys(t *testing.T) {
	appCode := "202007270941270111799"
	decryptionKey := AppDecryptionKey(appCode)
	if len(decryptionKey) != 16 {
		t.Errorf("decryption key must be a 16-byte AES key, got %d bytes", len(decryptionKey))
	}
	signKey := AppTemporarySignKey(appCode)
	if len(signKey) != 24 {
		t.Errorf("temporary sign key length = %d, want 24", len(signKey))
	}
	if decryptionKey != AppDecryptionKey(appCode) {
		t.Error("derivation is not deterministic")
	}
	if decryptionKey == AppDecryptionKey("202008100250281064816") {
		t.Error("derivation does not depend on the app code")
	}
}

func TestDeviceIDFormat(t *testing.T) {
	id := DeviceID("user@example.com")
	if !regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`).MatchString(id) {
		t.Errorf("device id has unexpected format: %q", id)
	}
	if id != DeviceID("user@example.com") {
		t.Error("device id is not deterministic")
	}
	if id == DeviceID("other@example.com") {
		t.Error("device id does not depend on the seed")
	}
}

func TestUsherDeviceIDFormat(t *testing.T) {
	id := UsherDeviceID("user@example.com")
	if !strings.HasPrefix(id, "ACCT") {
		t.Errorf("usher device id missing ACCT prefix: %q", id)
	}
	if !regexp.MustCompile(`^ACCT\d+$`).MatchString(id) {
		t.Errorf("usher device id has unexpected format: %q", id)
	}
	if id != UsherDeviceID("user@example.com") {
		t.Error("usher device id is not deterministic")
	}
}
