// Package hsmcrypto wraps the primitive operations SCP03 needs:
// AES-128-ECB single block, AES-128-CBC with SCP03's Method-2 padding,
// AES-CMAC, PBKDF2-HMAC-SHA256, and zeroizing key containers.
package hsmcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"runtime"

	"github.com/enceve/crypto/cmac"
	"golang.org/x/crypto/pbkdf2"
)

// KeyLength is the size in bytes of every AES-128 key used by SCP03.
const KeyLength = 16

// ErrKeyLength is returned by any operation given a key of the wrong size.
var ErrKeyLength = errors.New("hsmcrypto: key must be 16 bytes")

// Key16 is a 128-bit secret that zeroizes on Close. It must not be copied;
// pass by pointer.
type Key16 struct {
	b [KeyLength]byte
	// finalized marks that Close has already wiped this instance, making
	// any later Close (explicit or from the finalizer) a no-op.
	finalized bool
}

// NewKey16 copies src into a new zeroizing container. src must be 16 bytes.
func NewKey16(src []byte) (*Key16, error) {
	if len(src) != KeyLength {
		return nil, ErrKeyLength
	}
	k := &Key16{}
	copy(k.b[:], src)
	runtime.SetFinalizer(k, func(k *Key16) { k.Close() })
	return k, nil
}

// Bytes exposes the raw key. The returned slice aliases internal storage
// and must not outlive the Key16.
func (k *Key16) Bytes() []byte {
	return k.b[:]
}

// Equal reports whether k and other hold the same bytes, in constant time.
func (k *Key16) Equal(other *Key16) bool {
	return subtle.ConstantTimeCompare(k.b[:], other.b[:]) == 1
}

// Close wipes the key material. Safe to call more than once.
func (k *Key16) Close() {
	if k.finalized {
		return
	}
	for i := range k.b {
		k.b[i] = 0
	}
	k.finalized = true
}

// ConstantTimeEqual compares two byte slices for equality in constant
// time. Use this for every comparison involving secret or device-supplied
// authentication material (cryptograms, MAC tags) — never use
// bytes.Equal for those.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ECBEncryptBlock AES-128-ECB-encrypts exactly one 16-byte block under key.
func ECBEncryptBlock(key *Key16, block []byte) ([]byte, error) {
	if len(block) != aes.BlockSize {
		return nil, errors.New("hsmcrypto: block must be 16 bytes")
	}
	c, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// CBCEncrypt AES-128-CBC-encrypts plaintext (already a multiple of the
// block size) under key with the given 16-byte IV, returning ciphertext
// of the same length. No padding is applied here; callers pad with
// PadISO9797M2 first, per SCP03.
func CBCEncrypt(key *Key16, iv, plaintext []byte) ([]byte, error) {
	c, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, errors.New("hsmcrypto: plaintext not block aligned")
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// CBCDecrypt is the inverse of CBCEncrypt.
func CBCDecrypt(key *Key16, iv, ciphertext []byte) ([]byte, error) {
	c, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("hsmcrypto: ciphertext not block aligned")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// CMAC computes AES-CMAC(key, data), returning the full 16-byte tag.
func CMAC(key *Key16, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, err
	}
	m, err := cmac.New(block)
	if err != nil {
		return nil, err
	}
	if _, err := m.Write(data); err != nil {
		return nil, err
	}
	return m.Sum(nil), nil
}

// PadISO9797M2 pads src to a multiple of the AES block size using
// ISO/IEC 9797-1 Method 2: append 0x80 then 0x00 bytes. Unlike PKCS#7,
// a src already block-aligned still gets a full extra block appended
// for an unambiguous boundary, matching SCP03's defined behavior.
func PadISO9797M2(src []byte) []byte {
	padLen := aes.BlockSize - len(src)%aes.BlockSize
	out := make([]byte, len(src), len(src)+padLen)
	copy(out, src)
	out = append(out, 0x80)
	out = append(out, make([]byte, padLen-1)...)
	return out
}

// UnpadISO9797M2 strips Method-2 padding, scanning back from the end for
// the 0x80 marker. Returns the input unchanged if no valid marker is found
// within the trailing block.
func UnpadISO9797M2(src []byte) []byte {
	for i := len(src) - 1; i >= 0 && i >= len(src)-aes.BlockSize; i-- {
		switch src[i] {
		case 0x00:
			continue
		case 0x80:
			return src[:i]
		default:
			return src
		}
	}
	return src
}

// DeriveStaticKeysFromPassword derives the (k_enc, k_mac) static key pair
// from a password via PBKDF2-HMAC-SHA256 with the fixed salt "Yubico" and
// 10,000 iterations. The returned 32 bytes are [k_enc(16) || k_mac(16)].
func DeriveStaticKeysFromPassword(password string) []byte {
	const (
		iterations = 10000
		keyLen     = 32
		salt       = "Yubico"
	)
	return pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLen, sha256.New)
}
