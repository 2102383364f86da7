// Package cryptoutil holds the key derivation and AEAD helpers shared by
// pairing and the encrypted session.
package cryptoutil

import (
	"crypto/cipher"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KDF is an HKDF-SHA512 salt and info pair.
type KDF struct {
	Salt string
	Info string
}

var (
	PairSetupEncrypt        = KDF{"Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info"}
	PairSetupControllerSign = KDF{"Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info"}
	PairSetupAccessorySign  = KDF{"Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info"}
	PairVerifyEncrypt       = KDF{"Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info"}

	// ControlRead encrypts controller to accessory traffic.
	ControlRead = KDF{"Control-Salt", "Control-Read-Encryption-Key"}
	// ControlWrite encrypts accessory to controller traffic.
	ControlWrite = KDF{"Control-Salt", "Control-Write-Encryption-Key"}
)

// Derive returns the 32-byte key for secret.
func (k KDF) Derive(secret []byte) []byte {
	return DeriveKey(secret, k.Salt, k.Info)
}

// AEAD returns a ChaCha20-Poly1305 cipher keyed by Derive(secret).
func (k KDF) AEAD(secret []byte) cipher.AEAD {
	return MustNewChacha20Poly1305(k.Derive(secret))
}

func DeriveKey(secret []byte, salt, info string) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, secret, []byte(salt), []byte(info)), key); err != nil {
		panic(err)
	}
	return key
}

func MustNewChacha20Poly1305(key []byte) cipher.AEAD {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		panic(err)
	}
	return aead
}

// Nonce returns the 12-byte pairing nonce for a message label such as
// "PV-Msg02": four zero bytes followed by the 8-byte label.
func Nonce(label string) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n[4:], label)
	return n
}
