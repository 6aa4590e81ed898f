package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	plaintext := []byte("ed25519 seed material")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()
	ciphertext, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, wrongKey); err == nil {
		t.Fatal("expected decryption with the wrong key to fail")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := Decrypt([]byte{1, 2, 3}, key); err == nil {
		t.Fatal("expected rejection of a ciphertext shorter than the nonce")
	}
}

func TestDeriveKeyIsDeterministicForSameSalt(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	k1 := DeriveKey([]byte("passphrase"), salt)
	k2 := DeriveKey([]byte("passphrase"), salt)
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected deterministic derivation for identical password+salt")
	}

	otherSalt, _ := GenerateSalt()
	k3 := DeriveKey([]byte("passphrase"), otherSalt)
	if bytes.Equal(k1, k3) {
		t.Fatal("expected different salts to derive different keys")
	}
}
