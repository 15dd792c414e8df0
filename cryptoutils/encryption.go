package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2s"
)

var (
	ErrUnknownEncryption = errors.New("unknown encryption scheme")
	ErrBadKeySize        = errors.New("bad key size")
	ErrBadTag            = errors.New("integrity tag mismatch")
)

// Encryption selects the key-wrap scheme of a connection. The numeric value
// is sent on the wire as part of the SetKey associated data.
type Encryption uint8

const (
	EncryptionAES      Encryption = 0x0
	EncryptionSpongent Encryption = 0x1
)

const (
	aesKeySize      = 16
	spongentKeySize = 16
	tagSize         = 16
)

func ParseEncryption(s string) (Encryption, error) {
	switch strings.ToLower(s) {
	case "aes":
		return EncryptionAES, nil
	case "spongent":
		return EncryptionSpongent, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEncryption, s)
	}
}

func (e Encryption) String() string {
	switch e {
	case EncryptionAES:
		return "aes"
	case EncryptionSpongent:
		return "spongent"
	default:
		return fmt.Sprintf("encryption(%d)", uint8(e))
	}
}

func (e Encryption) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncryption, uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *Encryption) UnmarshalText(text []byte) error {
	parsed, err := ParseEncryption(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e Encryption) Valid() bool {
	return e == EncryptionAES || e == EncryptionSpongent
}

func (e Encryption) KeySize() int {
	switch e {
	case EncryptionSpongent:
		return spongentKeySize
	default:
		return aesKeySize
	}
}

// TagSize is the length of the integrity tag appended by Wrap.
func (e Encryption) TagSize() int {
	return tagSize
}

// GenerateKey returns KeySize() bytes from crypto/rand.
func (e Encryption) GenerateKey() (Key, error) {
	key := make([]byte, e.KeySize())
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("could not generate %s key: %w", e, err)
	}
	return key, nil
}

func (e Encryption) checkKey(key []byte) error {
	if len(key) != e.KeySize() {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrBadKeySize, e, e.KeySize(), len(key))
	}
	return nil
}

// Wrap encrypts plaintext under key and appends a tag covering ad and the
// ciphertext. The same (key, ad) pair must never be used twice.
func (e Encryption) Wrap(key, ad, plaintext []byte) ([]byte, error) {
	if err := e.checkKey(key); err != nil {
		return nil, err
	}

	switch e {
	case EncryptionAES:
		aead, err := newAESGCM(key)
		if err != nil {
			return nil, err
		}
		return aead.Seal(nil, deriveIV(ad, aead.NonceSize()), plaintext, ad), nil
	case EncryptionSpongent:
		ciphertext := make([]byte, len(plaintext))
		xorKeystream(key, ad, ciphertext, plaintext)
		return append(ciphertext, lightTag(key, ad, ciphertext)...), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncryption, uint8(e))
	}
}

// Unwrap verifies the tag of a Wrap output and returns the plaintext.
func (e Encryption) Unwrap(key, ad, wrapped []byte) ([]byte, error) {
	if err := e.checkKey(key); err != nil {
		return nil, err
	}
	if len(wrapped) < e.TagSize() {
		return nil, fmt.Errorf("%w: wrapped data shorter than tag", ErrBadTag)
	}

	switch e {
	case EncryptionAES:
		aead, err := newAESGCM(key)
		if err != nil {
			return nil, err
		}
		plaintext, err := aead.Open(nil, deriveIV(ad, aead.NonceSize()), wrapped, ad)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTag, err)
		}
		return plaintext, nil
	case EncryptionSpongent:
		split := len(wrapped) - e.TagSize()
		ciphertext, tag := wrapped[:split], wrapped[split:]
		if subtle.ConstantTimeCompare(tag, lightTag(key, ad, ciphertext)) != 1 {
			return nil, ErrBadTag
		}
		plaintext := make([]byte, len(ciphertext))
		xorKeystream(key, ad, plaintext, ciphertext)
		return plaintext, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncryption, uint8(e))
	}
}

// MAC authenticates data under key, returning TagSize() bytes.
func (e Encryption) MAC(key, data []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty MAC key", ErrBadKeySize)
	}

	switch e {
	case EncryptionAES:
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		return mac.Sum(nil)[:tagSize], nil
	case EncryptionSpongent:
		mac, err := blake2s.New128(key)
		if err != nil {
			return nil, err
		}
		mac.Write(data)
		return mac.Sum(nil), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEncryption, uint8(e))
	}
}

// VerifyMAC recomputes the MAC of data and compares it with tag in constant time.
func (e Encryption) VerifyMAC(key, data, tag []byte) error {
	expected, err := e.MAC(key, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return ErrBadTag
	}
	return nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// The AD always carries a per-key unique nonce, so its digest is a unique IV.
func deriveIV(ad []byte, size int) []byte {
	digest := sha256.Sum256(ad)
	return digest[:size]
}

func xorKeystream(key, ad, dst, src []byte) {
	var counter uint32
	for off := 0; off < len(src); counter++ {
		h, _ := blake2s.New256(key)
		h.Write([]byte{0x01})
		h.Write(binary.BigEndian.AppendUint32(nil, counter))
		h.Write(ad)
		block := h.Sum(nil)

		n := min(len(block), len(src)-off)
		subtle.XORBytes(dst[off:off+n], src[off:off+n], block[:n])
		off += n
	}
}

func lightTag(key, ad, ciphertext []byte) []byte {
	h, _ := blake2s.New128(key)
	h.Write([]byte{0x02})
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(ad))))
	h.Write(ad)
	h.Write(ciphertext)
	return h.Sum(nil)
}

// Key is a symmetric key serialized as lowercase hex.
type Key []byte

func ParseKey(s string) (Key, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k)
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k)), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	key, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = key
	return nil
}
