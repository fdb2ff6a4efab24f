package strategy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/brunobiangulo/goredact/pii"
)

// Key derivation parameters. The PIN-to-key mapping is
//
//	key = PBKDF2-HMAC-SHA256(pin, "goredact/pin-v1", 100000, 32)
//
// and the ciphertext is "ENC:" + base64url(nonce || AES-256-GCM(key, nonce, text))
// with a 12-byte nonce computed as HMAC-SHA256(HMAC-SHA256(key, "goredact/nonce"), text).
// Equal plaintexts under one PIN therefore encrypt identically.
const (
	KeySalt       = "goredact/pin-v1"
	KeyIterations = 100000
	KeyLen        = 32

	// CipherPrefix marks encrypted values.
	CipherPrefix = "ENC:"
)

// ErrDecrypt is returned when a ciphertext does not open under the PIN.
var ErrDecrypt = errors.New("strategy: ciphertext does not decrypt under this PIN")

// Cipher encrypts text under a key derived from a 6-digit PIN.
type Cipher struct {
	aead     cipher.AEAD
	nonceKey []byte
}

// ValidPIN reports whether pin is exactly six ASCII digits.
func ValidPIN(pin string) bool {
	if len(pin) != 6 {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// DeriveKey expands a PIN into a 256-bit key.
func DeriveKey(pin string) ([]byte, error) {
	if !ValidPIN(pin) {
		return nil, ErrInvalidPIN
	}
	return pbkdf2.Key([]byte(pin), []byte(KeySalt), KeyIterations, KeyLen, sha256.New), nil
}

// NewCipher derives the key for pin.
func NewCipher(pin string) (*Cipher, error) {
	key, err := DeriveKey(pin)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("goredact/nonce"))
	return &Cipher{aead: aead, nonceKey: mac.Sum(nil)}, nil
}

// Encrypt returns the printable ciphertext of text.
func (c *Cipher) Encrypt(text string) string {
	mac := hmac.New(sha256.New, c.nonceKey)
	mac.Write([]byte(text))
	nonce := mac.Sum(nil)[:c.aead.NonceSize()]

	out := c.aead.Seal(nonce, nonce, []byte(text), nil)
	return CipherPrefix + base64.RawURLEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	payload, ok := strings.CutPrefix(ciphertext, CipherPrefix)
	if !ok {
		return "", ErrDecrypt
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrDecrypt
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", ErrDecrypt
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Decrypt opens a single ciphertext with pin.
func Decrypt(ciphertext, pin string) (string, error) {
	c, err := NewCipher(pin)
	if err != nil {
		return "", err
	}
	return c.Decrypt(ciphertext)
}

type encryptStrategy struct {
	cipher *Cipher
	seen   firstOnly
}

func (s *encryptStrategy) Method() Method { return Encrypt }

func (s *encryptStrategy) Apply(h Handle, r pii.Region) error {
	e, err := editor(h, Encrypt)
	if err != nil {
		return err
	}
	return e.ReplaceText(r, s.seen.take(r, s.cipher.Encrypt(r.Entity.Text)))
}
