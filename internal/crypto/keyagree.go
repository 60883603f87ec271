package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ValidationMessageLen is the length of the plaintext proof-of-key nonce.
const ValidationMessageLen = 32

var hkdfInfoValidation = []byte("sealbase/key-validation/v1")

// ServerKeyPair holds the server's long-lived X25519 key pair used to
// derive a shared secret with each user's public key.
type ServerKeyPair struct {
	private []byte
	public  []byte
}

// NewServerKeyPair generates a fresh X25519 key pair.
func NewServerKeyPair() (*ServerKeyPair, error) {
	priv, err := RandBytes(curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	return ServerKeyPairFromPrivate(priv)
}

// ServerKeyPairFromPrivate reconstructs a key pair from a stored
// 32-byte private scalar.
func ServerKeyPairFromPrivate(priv []byte) (*ServerKeyPair, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, errors.New("private key must be 32 bytes")
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &ServerKeyPair{private: append([]byte(nil), priv...), public: pub}, nil
}

// Public returns the server's public key bytes.
func (kp *ServerKeyPair) Public() []byte { return append([]byte(nil), kp.public...) }

// Private returns the private scalar for persistence.
func (kp *ServerKeyPair) Private() []byte { return append([]byte(nil), kp.private...) }

// sharedKey derives a symmetric key from the server private key and a
// user's DH public key via X25519 + HKDF-SHA256.
func (kp *ServerKeyPair) sharedKey(userPublicKey []byte) ([]byte, error) {
	if len(userPublicKey) != curve25519.PointSize {
		return nil, errors.New("user public key must be 32 bytes")
	}
	secret, err := curve25519.X25519(kp.private, userPublicKey)
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoValidation), key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewValidationMessage generates a random plaintext nonce and its
// sealed form for the connected user. The server keeps the plaintext
// and sends only the ciphertext; a client that controls the private
// key can open it and echo the plaintext back.
func (kp *ServerKeyPair) NewValidationMessage(userPublicKey []byte) (plaintext, sealed []byte, err error) {
	key, err := kp.sharedKey(userPublicKey)
	if err != nil {
		return nil, nil, err
	}
	plaintext, err = RandBytes(ValidationMessageLen)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, nil, err
	}
	sealed = make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	sealed = append(sealed, nonce...)
	sealed = append(sealed, aead.Seal(nil, nonce, plaintext, nil)...)
	return plaintext, sealed, nil
}

// OpenValidationMessage is the client half of the exchange, used by
// tests to prove the sealed message round-trips.
func OpenValidationMessage(userPrivateKey, serverPublicKey, sealed []byte) ([]byte, error) {
	secret, err := curve25519.X25519(userPrivateKey, serverPublicKey)
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoValidation), key); err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed message too short")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:], nil)
}

// ValidationMatches compares the retained plaintext with the client's echo.
func ValidationMatches(expected, got []byte) bool {
	return len(expected) == ValidationMessageLen &&
		subtle.ConstantTimeCompare(expected, got) == 1
}
