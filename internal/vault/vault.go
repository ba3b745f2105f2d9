// Package vault encrypts small secrets at rest with a device-bound key.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/kw-pass/kwpass/internal/logging"
)

// separator joins the encoded IV and ciphertext in the stored form.
const separator = "[IV]"

var hkdfInfo = []byte("kwpass credential vault")

// Vault turns plaintext fields into opaque storable strings and back.
type Vault struct {
	keys   KeyFacility
	logger *slog.Logger
}

// New builds a vault over the given key facility.
func New(keys KeyFacility, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Vault{keys: keys, logger: logger}
}

// Encrypt returns base64(iv) + "[IV]" + base64(ciphertext). A fresh IV is
// drawn for every call. An invalidated device key is regenerated and the
// operation retried once; a second failure is returned.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var out string
	err := v.withKey(func(block cipher.Block) error {
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return fmt.Errorf("generate iv: %w", err)
		}
		padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
		ct := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
		out = base64.StdEncoding.EncodeToString(iv) + separator + base64.StdEncoding.EncodeToString(ct)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// Decrypt reverses Encrypt. Any malformed or undecryptable input yields "".
func (v *Vault) Decrypt(stored string) string {
	parts := strings.Split(stored, separator)
	if len(parts) != 2 {
		return ""
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return ""
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return ""
	}

	var out string
	err = v.withKey(func(block cipher.Block) error {
		plain := make([]byte, len(ct))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
		unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
		if err != nil {
			return err
		}
		out = string(unpadded)
		return nil
	})
	if err != nil {
		return ""
	}
	return out
}

func (v *Vault) withKey(fn func(cipher.Block) error) error {
	block, err := v.block()
	if errors.Is(err, ErrKeyInvalidated) {
		v.logger.Warn("device key invalidated, regenerating")
		if rerr := v.keys.Reset(); rerr != nil {
			return fmt.Errorf("reset device key: %w", rerr)
		}
		block, err = v.block()
	}
	if err != nil {
		return err
	}
	return fn(block)
}

func (v *Vault) block() (cipher.Block, error) {
	deviceKey, err := v.keys.Key()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, deviceKey, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault cipher: %w", err)
	}
	return block, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

var errBadPadding = errors.New("bad padding")

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}
