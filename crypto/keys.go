// Package crypto implements key handling for the filedrop engine.
//
// The engine identifies peers by 32-byte X25519 key pairs. The private key
// is supplied by the embedding application at instance creation; public
// keys of peers are obtained through the host's public-key lookup callback.
//
// Example:
//
//	keys, err := crypto.FromSecretKey(secret)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of both public and private keys.
const KeySize = 32

// ErrInvalidSecretKey indicates a secret key that cannot be used, such as
// an all-zero key or one of the wrong length.
var ErrInvalidSecretKey = errors.New("invalid secret key")

// KeyPair represents an X25519 key pair used to authenticate peer sessions.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [KeySize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, err
	}
	return FromSecretKey(secret)
}

// FromSecretKey creates a key pair from an existing private key, deriving
// the public half on the curve.
func FromSecretKey(secret [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secret) {
		return nil, ErrInvalidSecretKey
	}

	public, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidSecretKey
	}

	pair := &KeyPair{Private: secret}
	copy(pair.Public[:], public)
	return pair, nil
}

// FromSecretKeyBytes is a convenience wrapper accepting a byte slice.
// The slice must be exactly KeySize bytes long.
func FromSecretKeyBytes(secret []byte) (*KeyPair, error) {
	if len(secret) != KeySize {
		return nil, ErrInvalidSecretKey
	}
	var fixed [KeySize]byte
	copy(fixed[:], secret)
	return FromSecretKey(fixed)
}

// ZeroBytes overwrites the slice with zeros. Used to wipe key material
// once it has been copied into its long-term location.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
