// SPDX-FileCopyrightText: Copyright (C) 2026  The Rookery Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package homie

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of each session key half.
	KeySize = 32

	// RSABits is the modulus size of generated identity keys.  Larger keys
	// do not fit the handshake messages into a 512 byte line.
	RSABits = 2048

	nonceSize = 24

	privateKeyPEMType    = "PRIVATE KEY"
	rsaPrivateKeyPEMType = "RSA PRIVATE KEY"
)

var oaepLabel = []byte("rookery session key")

var (
	// ErrMalformedKey is returned for undecodable or non RSA public keys.
	ErrMalformedKey = errors.New("homie: malformed public key")

	// ErrDecrypt is returned when a sealed or wrapped blob fails to open.
	ErrDecrypt = errors.New("homie: decryption failed")
)

// Fingerprint identifies a peer by its public key.
type Fingerprint [hash.HashSize]byte

// String returns a short hex rendering for logs.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// FingerprintOf returns the BLAKE2b-256 digest of the PKIX encoding of pub.
func FingerprintOf(pub *rsa.PublicKey) Fingerprint {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return Fingerprint(hash.Sum256(der))
}

// GenerateKey creates a fresh identity key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSABits)
}

// LoadOrGenerateKey reads a PEM encoded RSA private key from path, creating
// and storing a new one when the file does not exist.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decodePrivateKey(raw)
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	priv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	blob := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der})
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func decodePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode(raw)
	if blk == nil {
		return nil, errors.New("homie: no PEM block in private key file")
	}
	switch blk.Type {
	case rsaPrivateKeyPEMType:
		return x509.ParsePKCS1PrivateKey(blk.Bytes)
	case privateKeyPEMType:
		k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("homie: private key is %T, not RSA", k)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("homie: unexpected PEM block '%v'", blk.Type)
	}
}

// MarshalPublicKey returns the PKIX DER encoding of pub.
func MarshalPublicKey(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return der
}

// ParsePublicKey decodes a PKIX DER RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrMalformedKey, k)
	}
	return pub, nil
}

func newSessionKeyHalf() [KeySize]byte {
	var k [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		panic(err)
	}
	return k
}

// wrapKey encrypts a session key half to the peer's identity key.
func wrapKey(pub *rsa.PublicKey, k *[KeySize]byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, k[:], oaepLabel)
}

// unwrapKey reverses wrapKey with our identity key.
func unwrapKey(priv *rsa.PrivateKey, blob []byte) (*[KeySize]byte, error) {
	b, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, blob, oaepLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: session key half is %d bytes", ErrDecrypt, len(b))
	}
	k := new([KeySize]byte)
	copy(k[:], b)
	return k, nil
}

// seal encrypts msg under the session key, prefixing the random nonce.
func seal(key *[KeySize]byte, msg []byte) []byte {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		panic(err)
	}
	return secretbox.Seal(nonce[:], msg, &nonce, key)
}

// open reverses seal.
func open(key *[KeySize]byte, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecrypt)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	msg, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return msg, nil
}

// SealOverhead is the number of bytes a data message adds to its payload.
const SealOverhead = 1 + nonceSize + secretbox.Overhead
