package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCiphertext is returned for data that was not produced by Cipher.Seal
// under the same passphrase.
var ErrCiphertext = errors.New("invalid ciphertext")

// hkdf info; changing it invalidates every stored phone number and backup
const keyInfo = "community-hope/aes-256-gcm/v1"

// Cipher seals small values (phone numbers, audit fields) and backup blobs
// with AES-256-GCM. Output layout is nonce || ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte key from passphrase with HKDF-SHA256.
func NewCipher(passphrase string) (*Cipher, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(out, out, plain, nil), nil
}

func (c *Cipher) Open(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, ErrCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plain, nil
}

// EncryptAES seals data under passphrase.
func EncryptAES(passphrase string, plain []byte) ([]byte, error) {
	c, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return c.Seal(plain)
}

// DecryptAES opens data sealed by EncryptAES.
func DecryptAES(passphrase string, data []byte) ([]byte, error) {
	c, err := NewCipher(passphrase)
	if err != nil {
		return nil, err
	}
	return c.Open(data)
}

// EncryptField 把明文加密为 base64 字符串；key 为空时原样返回（开发环境）
func EncryptField(passphrase, plain string) (string, error) {
	if plain == "" || passphrase == "" {
		return plain, nil
	}
	b, err := EncryptAES(passphrase, []byte(plain))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecryptField 解密失败时返回原值，兼容未加密的旧数据
func DecryptField(passphrase, stored string) string {
	if stored == "" || passphrase == "" {
		return stored
	}
	b, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return stored
	}
	plain, err := DecryptAES(passphrase, b)
	if err != nil {
		return stored
	}
	return string(plain)
}
