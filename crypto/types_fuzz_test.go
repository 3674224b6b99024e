package crypto

import (
	"bytes"
	"testing"
)

func FuzzSignVerify(f *testing.F) {
	// Add seed corpus
	f.Add([]byte{})                   // Empty message
	f.Add([]byte("hello"))            // Simple message
	f.Add([]byte("test message 123")) // Longer message
	f.Add(make([]byte, 1000))         // Large message

	f.Fuzz(func(t *testing.T, data []byte) {
		pubKey, privKey, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		signature, err := Sign(privKey, data)
		if err != nil {
			t.Fatalf("signing failed: %v", err)
		}

		if len(signature) != 64 {
			t.Errorf("signature wrong length: got %d, want 64", len(signature))
		}

		if !signature.Verify(pubKey, data) {
			t.Error("signature verification failed with correct key")
		}

		wrongPubKey, _, _ := GenerateKeyPair()
		if signature.Verify(wrongPubKey, data) {
			t.Error("signature should not verify with wrong public key")
		}

		if len(data) > 0 {
			modifiedData := make([]byte, len(data))
			copy(modifiedData, data)
			modifiedData[0] ^= 0xFF
			if signature.Verify(pubKey, modifiedData) {
				t.Error("signature should not verify with modified data")
			}
		}

		modifiedSig := make(Signature, len(signature))
		copy(modifiedSig, signature)
		modifiedSig[0] ^= 0xFF
		if modifiedSig.Verify(pubKey, data) {
			t.Error("modified signature should not verify")
		}

		signature2, _ := Sign(privKey, data)
		if !bytes.Equal(signature, signature2) {
			t.Error("signing is not deterministic")
		}
	})
}

func FuzzXorInto(f *testing.F) {
	f.Add([]byte{0}, []byte{0})
	f.Add([]byte{255}, []byte{255})
	f.Add([]byte{1, 2, 3}, []byte{4, 5, 6})
	f.Add(make([]byte, 100), make([]byte, 100))

	f.Fuzz(func(t *testing.T, a, b []byte) {
		if len(a) != len(b) || len(a) == 0 {
			t.Skip()
		}

		aCopy := make([]byte, len(a))
		bCopy := make([]byte, len(b))
		copy(aCopy, a)
		copy(bCopy, b)

		result, err := Xor(a, b)
		if err != nil {
			t.Fatalf("Xor failed on equal-length inputs: %v", err)
		}

		for i := range result {
			expected := aCopy[i] ^ bCopy[i]
			if result[i] != expected {
				t.Errorf("incorrect XOR at index %d: got %d, want %d", i, result[i], expected)
			}
		}

		// Self-inverse property: XOR(XOR(a, b), b) == a
		if err := XorInplace(a, b); err != nil {
			t.Fatalf("XorInplace failed: %v", err)
		}
		if err := XorInplace(a, b); err != nil {
			t.Fatalf("XorInplace failed: %v", err)
		}
		if !bytes.Equal(a, aCopy) {
			t.Error("XOR is not self-inverse")
		}

		// XOR with zeros is identity
		zeros := make([]byte, len(a))
		copy(a, aCopy)
		_ = XorInplace(a, zeros)
		if !bytes.Equal(a, aCopy) {
			t.Error("XOR with zeros should be identity")
		}

		// XOR with self is zeros
		copy(a, aCopy)
		_ = XorInplace(a, aCopy)
		for i, v := range a {
			if v != 0 {
				t.Errorf("XOR with self should be zero, got %d at index %d", v, i)
			}
		}
	})
}

func FuzzXorLengthMismatch(f *testing.F) {
	f.Add([]byte{1, 2, 3}, []byte{1, 2})

	f.Fuzz(func(t *testing.T, a, b []byte) {
		if len(a) == len(b) {
			t.Skip()
		}
		if _, err := Xor(a, b); err != ErrLengthMismatch {
			t.Errorf("expected ErrLengthMismatch, got %v", err)
		}
	})
}

func FuzzDeriveID(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{1, 2, 3, 4})
	f.Add(make([]byte, 32))

	f.Fuzz(func(t *testing.T, pubKeyBytes []byte) {
		pubKey := PublicKey(pubKeyBytes)

		id := DeriveID(pubKey)
		id2 := DeriveID(pubKey)
		if id != id2 {
			t.Error("DeriveID is not deterministic")
		}
	})
}

func FuzzPrivateKeyPublicKey(f *testing.F) {
	f.Add(uint8(0))

	f.Fuzz(func(t *testing.T, _ uint8) {
		pubKey, privKey, err := GenerateKeyPair()
		if err != nil {
			t.Fatalf("failed to generate key pair: %v", err)
		}

		extractedPubKey, err := privKey.PublicKey()
		if err != nil {
			t.Fatalf("failed to extract public key: %v", err)
		}

		if !bytes.Equal(pubKey, extractedPubKey) {
			t.Error("extracted public key doesn't match generated public key")
		}

		if len(pubKey) != 32 {
			t.Errorf("public key wrong size: got %d, want 32", len(pubKey))
		}
		if len(privKey) != 64 {
			t.Errorf("private key wrong size: got %d, want 64", len(privKey))
		}
	})
}

func FuzzNewPublicKeyFromString(f *testing.F) {
	f.Add("")
	f.Add("00")
	f.Add("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	f.Add("invalid")
	f.Add("0g")

	f.Fuzz(func(t *testing.T, input string) {
		pubKey, err := NewPublicKeyFromString(input)
		if err != nil {
			return
		}

		if pubKey.String() != input {
			t.Errorf("string round trip failed: got %s, want %s", pubKey.String(), input)
		}

		expectedLen := len(input) / 2
		if len(pubKey) != expectedLen {
			t.Errorf("bytes length mismatch: got %d, want %d", len(pubKey), expectedLen)
		}
	})
}
