package remote

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// encryptSecret is AES-CBC with PKCS#5 padding, the raw session secret bytes
// as key (16, 24 or 32 bytes) and an all-zero IV, base64 encoded.
func encryptSecret(plain, sessionSecret string) (string, error) {
	block, err := aes.NewCipher([]byte(sessionSecret))
	if err != nil {
		return "", fmt.Errorf("session cipher: %w", err)
	}
	n := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append([]byte(plain), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptSecret reverses encryptSecret. The fake service uses it to check logins.
func DecryptSecret(encoded, sessionSecret string) (string, error) {
	block, err := aes.NewCipher([]byte(sessionSecret))
	if err != nil {
		return "", fmt.Errorf("session cipher: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d", len(ct))
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(plain, ct)
	n := int(plain[len(plain)-1])
	if n == 0 || n > aes.BlockSize {
		return "", fmt.Errorf("bad padding")
	}
	return string(plain[:len(plain)-n]), nil
}
