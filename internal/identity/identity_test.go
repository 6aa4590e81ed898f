package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewProducesUsablePublicKey(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(m.SigningPublicKey()) != 32 {
		t.Fatalf("public key length = %d, want 32", len(m.SigningPublicKey()))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("packet bytes to be signed")

	sig, err := m.Sign(data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !m.Verify(m.SigningPublicKey(), data, sig) {
		t.Fatal("expected signature to verify against its own public key")
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	m, _ := New()
	sig, _ := m.Sign([]byte("original"))
	if m.Verify(m.SigningPublicKey(), []byte("tampered"), sig) {
		t.Fatal("expected verification of tampered data to fail")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	a, _ := New()
	b, _ := New()
	data := []byte("hello")
	sig, _ := a.Sign(data)
	if b.Verify(b.SigningPublicKey(), data, sig) {
		t.Fatal("expected verification against a different identity's key to fail")
	}
}

func TestVerifyRejectsMalformedPublicKey(t *testing.T) {
	m, _ := New()
	sig, _ := m.Sign([]byte("hello"))
	if m.Verify([]byte{1, 2, 3}, []byte("hello"), sig) {
		t.Fatal("expected a short public key to fail verification rather than panic")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "identity.seed")
	passphrase := []byte("correct horse battery staple")

	if err := m.Save(path, passphrase); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, passphrase)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(loaded.SigningPublicKey(), m.SigningPublicKey()) {
		t.Fatal("loaded identity has a different public key than the original")
	}

	data := []byte("some packet")
	sig, err := loaded.Sign(data)
	if err != nil {
		t.Fatalf("Sign after load: %v", err)
	}
	if !m.Verify(m.SigningPublicKey(), data, sig) {
		t.Fatal("signature produced after reload does not verify against the original public key")
	}
}

func TestLoadRejectsWrongPassphrase(t *testing.T) {
	m, _ := New()
	path := filepath.Join(t.TempDir(), "identity.seed")
	if err := m.Save(path, []byte("right passphrase")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(path, []byte("wrong passphrase")); err == nil {
		t.Fatal("expected Load with the wrong passphrase to fail")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), []byte("x")); err == nil {
		t.Fatal("expected Load of a missing file to fail")
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.seed")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path, []byte("x")); err == nil {
		t.Fatal("expected Load of a truncated file to fail")
	}
}
