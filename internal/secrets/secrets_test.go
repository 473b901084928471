package secrets

import (
	"bytes"
	"testing"
)

func TestKeyringSealOpenRoundTrip(t *testing.T) {
	hexKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kr, err := NewKeyring(hexKey)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	plaintext := []byte(`{"toolArgs":{"token":"hunter2"}}`)
	blob, err := kr.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(blob, []byte("hunter2")) {
		t.Fatal("sealed blob must not contain the plaintext")
	}

	opened, err := kr.Open(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestKeyringRejectsBadKeys(t *testing.T) {
	if _, err := NewKeyring(""); err == nil {
		t.Fatal("empty key must be rejected")
	}
	if _, err := NewKeyring("not-hex"); err == nil {
		t.Fatal("non-hex key must be rejected")
	}
	if _, err := NewKeyring("abcd"); err == nil {
		t.Fatal("short key must be rejected")
	}
}

func TestKeyringOpenRejectsTamperedBlob(t *testing.T) {
	hexKey, _ := GenerateKey()
	kr, _ := NewKeyring(hexKey)

	blob, err := kr.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := kr.Open(blob); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}
	if _, err := kr.Open([]byte{1, 2}); err == nil {
		t.Fatal("truncated blob must not open")
	}
}

func TestKeyringRotationKeepsOneGeneration(t *testing.T) {
	hexKey, _ := GenerateKey()
	kr, _ := NewKeyring(hexKey)

	oldBlob, err := kr.Seal([]byte("before rotation"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := kr.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// A blob sealed under the previous key still opens...
	if opened, err := kr.Open(oldBlob); err != nil || string(opened) != "before rotation" {
		t.Fatalf("previous-generation blob must open after one rotation: %v", err)
	}
	// ...and new seals use the new key but also open.
	newBlob, err := kr.Seal([]byte("after rotation"))
	if err != nil {
		t.Fatalf("seal after rotate: %v", err)
	}
	if opened, err := kr.Open(newBlob); err != nil || string(opened) != "after rotation" {
		t.Fatalf("current-generation blob must open: %v", err)
	}

	// A second rotation retires the original key for good.
	if err := kr.Rotate(); err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if _, err := kr.Open(oldBlob); err == nil {
		t.Fatal("a blob two generations old must be rejected")
	}
}
