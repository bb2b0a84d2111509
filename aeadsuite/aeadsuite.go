// Package aeadsuite supplies AEADFactory implementations for the record
// layer: ChaCha20-Poly1305 and AES-GCM for encrypted epochs, and a null
// cipher for registering an epoch without real key material. Epoch 0 is
// always clear in the record layer and uses no AEADFactory at all.
package aeadsuite

import (
	"crypto/aes"
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChaCha20Poly1305 builds a cipher.AEAD from a 32-byte key, matching the
// mps.AEADFactory shape.
func ChaCha20Poly1305(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// ChaCha20Poly1305X builds the extended-nonce variant, for callers that
// derive a 24-byte nonce rather than relying on the record layer's 8-byte
// sequence-number nonce.
func ChaCha20Poly1305X(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

// AESGCM builds an AES-GCM AEAD from a 16- or 32-byte key.
func AESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// nullAEAD is the cipher behind Null, for registering an epoch that drives
// the record layer without deriving real key material: it authenticates
// nothing and adds no overhead, so records under it carry the same bytes
// as records of the clear epoch 0.
type nullAEAD struct{}

func (nullAEAD) NonceSize() int { return 12 }
func (nullAEAD) Overhead() int  { return 0 }

func (nullAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	return append(dst, plaintext...)
}

func (nullAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	return append(dst, ciphertext...), nil
}

// Null is an AEADFactory producing the no-op cipher above, regardless of the
// key passed in.
func Null(key []byte) (cipher.AEAD, error) {
	return nullAEAD{}, nil
}
