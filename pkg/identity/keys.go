package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length of public and private keys.
const KeySize = 32

const nonceSize = 24

var (
	ErrBadKey   = errors.New("identity: key must be 32 bytes")
	ErrShortBox = errors.New("identity: sealed message too short")
	ErrOpenBox  = errors.New("identity: message authentication failed")
)

// KeyPair is a Curve25519 key pair for NaCl box. Sealed messages are
// nonce(24) || box(plain).
type KeyPair struct {
	pub  [KeySize]byte
	priv [KeySize]byte
}

// GenerateKeyPair creates a fresh key pair from rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := box.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return &KeyPair{pub: *pub, priv: *priv}, nil
}

// KeyPairFromPrivate rebuilds a key pair from the raw private key.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, ErrBadKey
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	kp := &KeyPair{}
	copy(kp.priv[:], priv)
	copy(kp.pub[:], pub)
	return kp, nil
}

// PublicKey returns a copy of the public key.
func (k *KeyPair) PublicKey() []byte { return append([]byte(nil), k.pub[:]...) }

// PrivateKey returns a copy of the private key.
func (k *KeyPair) PrivateKey() []byte { return append([]byte(nil), k.priv[:]...) }

// Seal encrypts plain for the holder of peer's private key.
func (k *KeyPair) Seal(peer, plain []byte) ([]byte, error) {
	peerKey, err := toKey(peer)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], plain, &nonce, peerKey, &k.priv), nil
}

// Open decrypts a message sealed by the holder of peer's private key.
func (k *KeyPair) Open(peer, sealed []byte) ([]byte, error) {
	peerKey, err := toKey(peer)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+box.Overhead {
		return nil, ErrShortBox
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := box.Open(nil, sealed[nonceSize:], &nonce, peerKey, &k.priv)
	if !ok {
		return nil, ErrOpenBox
	}
	return plain, nil
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, ErrBadKey
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}
