// Package credentials encrypts tenant database passwords at rest.
//
// Tokens have the form hex(iv) + ":" + hex(ciphertext) and are produced with
// AES-256-CBC and PKCS#7 padding. The mode gives confidentiality only: there
// is no authentication tag, so a token that is well formed but corrupted can
// decrypt to garbage when its padding happens to validate.
package credentials

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"tenantcore/internal/apperr"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const tokenSeparator = ":"

// Cipher encrypts and decrypts credential tokens with a key derived once
// from the configured secret.
type Cipher struct {
	block cipher.Block
	rand  io.Reader
}

// NewCipher derives the key from secret and returns a Cipher.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, apperr.New(apperr.KindInvalid, "credentials.NewCipher", "encryption secret is empty")
	}
	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "credentials.NewCipher", err)
	}
	return &Cipher{block: block, rand: rand.Reader}, nil
}

// DeriveKey right-pads secret with '0' bytes, or truncates it, to KeySize.
func DeriveKey(secret string) []byte {
	key := make([]byte, KeySize)
	n := copy(key, secret)
	for i := n; i < KeySize; i++ {
		key[i] = '0'
	}
	return key
}

// Encrypt returns the token for plaintext using a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "credentials.Encrypt", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + tokenSeparator + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Structurally invalid tokens fail with a
// KindCrypto error.
func (c *Cipher) Decrypt(token string) (string, error) {
	const op = "credentials.Decrypt"

	ivHex, dataHex, ok := strings.Cut(token, tokenSeparator)
	if !ok {
		return "", apperr.New(apperr.KindCrypto, op, "malformed token: missing separator")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", &apperr.Error{Kind: apperr.KindCrypto, Op: op, Msg: "malformed token: invalid iv hex", Err: err}
	}
	if len(iv) != aes.BlockSize {
		return "", apperr.Errorf(apperr.KindCrypto, op, "malformed token: iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", &apperr.Error{Kind: apperr.KindCrypto, Op: op, Msg: "malformed token: invalid ciphertext hex", Err: err}
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", apperr.Errorf(apperr.KindCrypto, op, "malformed token: ciphertext length %d is not a multiple of %d", len(data), aes.BlockSize)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, data)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, op, err)
	}
	return string(plain), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

var errBadPadding = errors.New("invalid padding")

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, errBadPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
