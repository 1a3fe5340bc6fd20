package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Method enumerates supported at-rest encryption algorithms for payload files.
type Method string

const (
	// MethodNone stores payloads in the clear.
	MethodNone Method = "none"
	// MethodAES256CTR encrypts payloads using AES-256 in CTR mode with a random IV prefix.
	MethodAES256CTR Method = "aes-256-ctr"
)

// KeySize is the key length required by MethodAES256CTR.
const KeySize = 32

// Options describes how payload files are sealed.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR:
		if len(o.Key) != KeySize {
			return fmt.Errorf("encryption: aes-256-ctr requires %d-byte key, got %d", KeySize, len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// ParseKey decodes a hex-encoded AES-256 key as accepted by the --key flag.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("encryption: key missing")
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption: key is not hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption: key must be %d bytes of hex, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt returns data encrypted according to opts. The returned slice includes any IV header.
func Encrypt(data []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	return encryptAES256CTR(data, opts.Key)
}

// Decrypt reverses Encrypt using opts.
func Decrypt(ciphertext []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return ciphertext, nil
	}
	return decryptAES256CTR(ciphertext, opts.Key)
}

// Overhead returns the number of bytes added by the given method (for IVs, etc).
func Overhead(method Method) int {
	switch method {
	case MethodAES256CTR:
		return aes.BlockSize
	default:
		return 0
	}
}

func encryptAES256CTR(data, key []byte) ([]byte, error) {
	out := make([]byte, aes.BlockSize+len(data))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], data)
	return out, nil
}

func decryptAES256CTR(data, key []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, errors.New("encryption: ciphertext missing IV")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCTR(block, data[:aes.BlockSize]).XORKeyStream(payload, data[aes.BlockSize:])
	return payload, nil
}
