package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// EncryptToKem ECIES-encrypts plaintext to recipientPub using an ephemeral
// X25519 keypair and AES-256-GCM, built on the curve25519 KemPublicKey
// already used for per-slot shared secrets rather than introducing a second
// DH curve into the roster.
//
// Wire format: ephemeral X25519 public key (32 bytes) || nonce (12 bytes) ||
// ciphertext+tag.
func EncryptToKem(recipientPub KemPublicKey, plaintext []byte) ([]byte, error) {
	ephemeralPub, ephemeralPriv, err := GenerateKemKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	shared, err := DeriveSharedSecret(ephemeralPriv, recipientPub, []byte("adcnet-shuffle-layer"))
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	gcm, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, ephemeralPub[:])

	out := make([]byte, 0, len(ephemeralPub)+len(nonce)+len(ciphertext))
	out = append(out, ephemeralPub[:]...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptFromKem reverses EncryptToKem using the recipient's private key.
func DecryptFromKem(recipientPriv KemPrivateKey, data []byte) ([]byte, error) {
	if len(data) < 32+12 {
		return nil, errors.New("crypto: encrypted layer too short")
	}

	var ephemeralPub KemPublicKey
	copy(ephemeralPub[:], data[:32])
	rest := data[32:]

	shared, err := DeriveSharedSecret(recipientPriv, ephemeralPub, []byte("adcnet-shuffle-layer"))
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	gcm, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("crypto: encrypted layer missing nonce")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, ephemeralPub[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt layer: %w", err)
	}
	return plaintext, nil
}

func newGCM(shared SharedKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(shared.Bytes())
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
