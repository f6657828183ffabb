package cryptocore

import (
	"bytes"
	"testing"
)

func TestGenerateX25519Keypair(t *testing.T) {
	priv1, pub1, err := GenerateX25519Keypair(nil)
	if err != nil {
		t.Fatalf("GenerateX25519Keypair() error = %v", err)
	}

	var zero Key
	if priv1 == zero {
		t.Error("private key is zero")
	}
	if pub1 == zero {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateX25519Keypair(nil)
	if err != nil {
		t.Fatalf("GenerateX25519Keypair() second call error = %v", err)
	}
	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestDH_Agreement(t *testing.T) {
	privA, pubA, err := GenerateX25519Keypair(nil)
	if err != nil {
		t.Fatalf("A keypair: %v", err)
	}
	privB, pubB, err := GenerateX25519Keypair(nil)
	if err != nil {
		t.Fatalf("B keypair: %v", err)
	}

	secretA, err := DH(privA, pubB)
	if err != nil {
		t.Fatalf("DH(A, pubB): %v", err)
	}
	secretB, err := DH(privB, pubA)
	if err != nil {
		t.Fatalf("DH(B, pubA): %v", err)
	}
	if secretA != secretB {
		t.Error("shared secrets do not match")
	}

	var zero Key
	if secretA == zero {
		t.Error("shared secret is zero")
	}
}

func TestDH_ZeroPublicKeyRejected(t *testing.T) {
	priv, _, _ := GenerateX25519Keypair(nil)
	var zero Key
	if _, err := DH(priv, zero); err != ErrInvalidPublicKey {
		t.Errorf("DH with zero public key: got %v, want ErrInvalidPublicKey", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key Key
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var nonce Nonce
	copy(nonce[:], []byte("this-is-a-24-byte-nonce!"))

	for _, pt := range [][]byte{
		{},
		[]byte("x"),
		bytes.Repeat([]byte{0x42}, 1280),
	} {
		aad := []byte("frame-header")
		ct, err := Encrypt(key, nonce, aad, pt)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(pt), err)
		}
		got, err := Decrypt(key, nonce, aad, ct)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", len(pt), err)
		}
		if !bytes.Equal(got, pt) {
			t.Errorf("round trip mismatch: got %x want %x", got, pt)
		}
	}
}

func TestDecryptFailsOnTamper(t *testing.T) {
	var key Key
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	var nonce Nonce
	copy(nonce[:], []byte("this-is-a-24-byte-nonce!"))
	aad := []byte("aad")
	pt := []byte("hello, wraith")

	ct, err := Encrypt(key, nonce, aad, pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("flip ciphertext bit", func(t *testing.T) {
		tampered := append([]byte(nil), ct...)
		tampered[0] ^= 0x01
		if _, err := Decrypt(key, nonce, aad, tampered); err != ErrDecryptFailed {
			t.Errorf("got %v, want ErrDecryptFailed", err)
		}
	})

	t.Run("flip tag bit", func(t *testing.T) {
		tampered := append([]byte(nil), ct...)
		tampered[len(tampered)-1] ^= 0x01
		if _, err := Decrypt(key, nonce, aad, tampered); err != ErrDecryptFailed {
			t.Errorf("got %v, want ErrDecryptFailed", err)
		}
	})

	t.Run("flip aad bit", func(t *testing.T) {
		tamperedAAD := append([]byte(nil), aad...)
		tamperedAAD[0] ^= 0x01
		if _, err := Decrypt(key, nonce, tamperedAAD, ct); err != ErrDecryptFailed {
			t.Errorf("got %v, want ErrDecryptFailed", err)
		}
	})
}

func TestKDFDeterministic(t *testing.T) {
	ikm := []byte("shared-secret-material")
	k1 := KDF32("wraith-root", ikm)
	k2 := KDF32("wraith-root", ikm)
	if k1 != k2 {
		t.Error("KDF32 is not deterministic for identical (context, ikm)")
	}

	k3 := KDF32("wraith-keys", ikm)
	if k1 == k3 {
		t.Error("different contexts produced identical keys")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeypair(nil)
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	msg := []byte("handshake transcript")
	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Error("valid signature failed to verify")
	}
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Error("signature verified over wrong message")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte{1, 2, 3, 4}
	b := []byte{1, 2, 3, 4}
	c := []byte{1, 2, 3, 5}
	if !ConstantTimeEqual(a, b) {
		t.Error("equal slices compared unequal")
	}
	if ConstantTimeEqual(a, c) {
		t.Error("unequal slices compared equal")
	}
	if ConstantTimeEqual(a, []byte{1, 2, 3}) {
		t.Error("different-length slices compared equal")
	}
}

func TestCommitment(t *testing.T) {
	var k1, k2 Key
	copy(k1[:], []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	copy(k2[:], []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))

	if Commitment(k1) == Commitment(k2) {
		t.Error("different keys produced identical commitments")
	}
	if Commitment(k1) != Commitment(k1) {
		t.Error("commitment is not deterministic")
	}
}
