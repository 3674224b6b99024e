// crypto/shared_secrets.go
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KemPublicKey represents a public key for key encapsulation
type KemPublicKey [32]byte

// KemPrivateKey represents a private key for key encapsulation
type KemPrivateKey [32]byte

// String returns a hex-encoded string representation of the key, mirroring
// PublicKey.String for use in logs and the registry's wire format.
func (k KemPublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// KemPublicKeyFromString parses a hex-encoded KemPublicKey.
func KemPublicKeyFromString(s string) (KemPublicKey, error) {
	var k KemPublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("crypto: kem public key must be %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// String returns a hex-encoded string representation of the key.
func (k KemPrivateKey) String() string {
	return hex.EncodeToString(k[:])
}

// KemPrivateKeyFromString parses a hex-encoded KemPrivateKey.
func KemPrivateKeyFromString(s string) (KemPrivateKey, error) {
	var k KemPrivateKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("crypto: kem private key must be %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// GenerateKemKeyPair generates a new X25519 key pair for key exchange
func GenerateKemKeyPair() (KemPublicKey, KemPrivateKey, error) {
	var privKey KemPrivateKey
	var pubKey KemPublicKey

	if _, err := rand.Read(privKey[:]); err != nil {
		return pubKey, privKey, err
	}

	curve25519.ScalarBaseMult((*[32]byte)(&pubKey), (*[32]byte)(&privKey))
	return pubKey, privKey, nil
}

// DerivePublicDH computes the X25519 public key corresponding to priv, for
// operators who persist a dh key hex-encoded in config and need its public
// half back on the next restart.
func DerivePublicDH(priv KemPrivateKey) KemPublicKey {
	var pub KemPublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&priv))
	return pub
}

// DeriveSharedSecret performs ECDH key agreement and derives a shared secret
func DeriveSharedSecret(privateKey KemPrivateKey, publicKey KemPublicKey, info []byte) (SharedKey, error) {
	// Perform X25519 key agreement
	var sharedPoint [32]byte
	curve25519.ScalarMult(&sharedPoint, (*[32]byte)(&privateKey), (*[32]byte)(&publicKey))

	// Derive key using HKDF
	hkdf := hkdf.New(sha256.New, sharedPoint[:], nil, info)
	secret := make([]byte, 32)
	if _, err := hkdf.Read(secret); err != nil {
		return nil, err
	}

	return SharedKey(secret), nil
}
