package importer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// CodecCMS tags blocks holding protected (sealed) content. The value
// sits in the multicodec private-use range; the bytes are opaque to
// every other component.
const CodecCMS = 0x300001

var ErrBadProtectionKey = errors.New("importer: protection key unusable")

// sealer encrypts leaf chunks with AES-256-GCM. The cipher key is the
// SHA-256 of the caller's key material; the nonce is prepended to each
// sealed chunk.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(keyMaterial []byte) *sealer {
	key := sha256.Sum256(keyMaterial)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err) // 32-byte key, cannot fail
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return &sealer{aead: aead}
}

func (s *sealer) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProtectionKey, err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, ErrBadProtectionKey
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProtectionKey, err)
	}
	return plain, nil
}
