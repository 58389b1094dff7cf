package keystore

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltSize = 32
	// salt(32) | memory(4) | iterations(4) | parallelism(1), followed by
	// nonce(24) | ciphertext
	headerSize = saltSize + 4 + 4 + 1
)

// ErrWrongPassphrase is returned when a ciphertext does not authenticate.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key")

// Params are the Argon2id cost parameters stored with every ciphertext.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

func deriveKey(passphrase, salt []byte, p Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Encrypt seals data with a key derived from passphrase using Argon2id and
// XChaCha20-Poly1305.
func Encrypt(data, passphrase []byte, p Params) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "could not generate salt")
	}

	key := deriveKey(passphrase, salt, p)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not create cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "could not generate nonce")
	}

	out := make([]byte, 0, headerSize+len(nonce)+len(data)+aead.Overhead())
	out = append(out, salt...)
	out = binary.LittleEndian.AppendUint32(out, p.Memory)
	out = binary.LittleEndian.AppendUint32(out, p.Iterations)
	out = append(out, p.Parallelism)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(sealed, passphrase []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	if min := headerSize + nonceSize + chacha20poly1305.Overhead; len(sealed) < min {
		return nil, errors.Errorf("encrypted key too short: %d bytes, need at least %d", len(sealed), min)
	}

	p := Params{
		Memory:      binary.LittleEndian.Uint32(sealed[saltSize:]),
		Iterations:  binary.LittleEndian.Uint32(sealed[saltSize+4:]),
		Parallelism: sealed[saltSize+8],
	}
	if p.Parallelism == 0 || p.Iterations == 0 {
		return nil, ErrWrongPassphrase
	}
	nonce := sealed[headerSize : headerSize+nonceSize]

	key := deriveKey(passphrase, sealed[:saltSize], p)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not create cipher")
	}
	plain, err := aead.Open(nil, nonce, sealed[headerSize+nonceSize:], nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}
