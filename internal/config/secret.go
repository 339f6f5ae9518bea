package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// EncryptedPrefix marks a password stored as base64 AES-GCM ciphertext.
const EncryptedPrefix = "enc:"

// EncKeyEnv holds the base64 encoded 32-byte key for encrypted passwords.
const EncKeyEnv = "MIGRATOR_ENC_KEY"

// encryptionKey loads a 32-byte key from environment variable MIGRATOR_ENC_KEY.
func encryptionKey() ([]byte, error) {
	b64 := os.Getenv(EncKeyEnv)
	if b64 == "" {
		return nil, errors.New("encryption key not set")
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 key")
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return key, nil
}

// ResolvePassword returns plain passwords unchanged and decrypts "enc:" ones.
func ResolvePassword(value string) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", errors.Wrap(err, "invalid base64 ciphertext")
	}
	return DecryptPassword(data)
}

func EncryptPassword(plain string) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, []byte(plain), nil), nil
}

func DecryptPassword(data []byte) (string, error) {
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := encryptionKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
