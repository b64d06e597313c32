/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypto holds the platform's symmetric sealing of machine
// environment values, the asymmetric envelopes user secrets arrive in,
// and the identity derivations shared by both controllers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// envKeyBytes is the symmetric env key size (AES-256).
	envKeyBytes = 32

	// gcmNonceBytes is the GCM IV size.
	gcmNonceBytes = 12

	// SealedValuePrefix identifies a sealed environment value.
	SealedValuePrefix = "enc:v1:"

	// sandboxIDBytes is how much of the user ID hash forms the sandbox ID.
	sandboxIDBytes = 16

	// appNameHashChars is how much of the user ID hash (hex) forms the
	// app name suffix.
	appNameHashChars = 20
)

var (
	// ErrMalformedValue is raised when a sealed value or envelope doesn't
	// parse.
	ErrMalformedValue = errors.New("malformed encrypted value")

	// ErrKeySize is raised when a key isn't the expected length.
	ErrKeySize = errors.New("unexpected key size")
)

// GenerateEnvKey returns a fresh base64-encoded 256-bit env key.
func GenerateEnvKey() (string, error) {
	key := make([]byte, envKeyBytes)

	if _, err := rand.Read(key); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

func decodeEnvKey(keyB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	if len(key) != envKeyBytes {
		return nil, ErrKeySize
	}

	return key, nil
}

// SealEnvValue encrypts a sensitive environment value with the app's env
// key.  The wire format is "enc:v1:" + base64(IV || ciphertext || tag),
// decrypted by the machine-side reader.
func SealEnvValue(keyB64, plaintext string) (string, error) {
	key, err := decodeEnvKey(keyB64)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceBytes)

	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return SealedValuePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenEnvValue reverses SealEnvValue.
func OpenEnvValue(keyB64, value string) (string, error) {
	if !strings.HasPrefix(value, SealedValuePrefix) {
		return "", ErrMalformedValue
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedValuePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	if len(sealed) < gcmNonceBytes {
		return "", ErrMalformedValue
	}

	key, err := decodeEnvKey(keyB64)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, sealed[:gcmNonceBytes], sealed[gcmNonceBytes:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	return string(plaintext), nil
}

// Envelope is a user secret: an AES data key wrapped with RSA-OAEP, and the
// payload sealed with that key under AES-256-GCM.
type Envelope struct {
	// Key is the base64 RSA-OAEP-wrapped AES data key.
	Key string `json:"key"`

	// IV is the base64 GCM nonce.
	IV string `json:"iv"`

	// Data is the base64 ciphertext with the GCM tag appended.
	Data string `json:"data"`
}

// OpenEnvelope decrypts a user secret envelope with the platform's private
// key.
func OpenEnvelope(private *rsa.PrivateKey, envelope *Envelope) (string, error) {
	wrapped, err := base64.StdEncoding.DecodeString(envelope.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	dataKey, err := rsa.DecryptOAEP(sha256.New(), nil, private, wrapped, nil)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, data, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedValue, err.Error())
	}

	return string(plaintext), nil
}

// WrapEnvelope is the inverse of OpenEnvelope.  Production envelopes are
// created client side; this exists for the platform's own channel token
// handling and tests.
func WrapEnvelope(public *rsa.PublicKey, plaintext string) (*Envelope, error) {
	dataKey := make([]byte, envKeyBytes)

	if _, err := rand.Read(dataKey); err != nil {
		return nil, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, public, dataKey, nil)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceBytes)

	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	envelope := &Envelope{
		Key:  base64.StdEncoding.EncodeToString(wrapped),
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(gcm.Seal(nil, iv, []byte(plaintext), nil)),
	}

	return envelope, nil
}

// GatewayToken derives the per-sandbox gateway token from the worker HMAC
// secret.  Deterministic so the front door can derive the same value.
func GatewayToken(secret, sandboxID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sandboxID))

	return hex.EncodeToString(mac.Sum(nil))
}

// DeriveSandboxID derives the public sandbox identifier from the user ID:
// a truncated URL-safe encoding of its hash.
func DeriveSandboxID(userID string) string {
	sum := sha256.Sum256([]byte(userID))

	return base64.RawURLEncoding.EncodeToString(sum[:sandboxIDBytes])
}

// DeriveAppName derives the provider application name from the user ID.
// The prefix is environment specific (e.g. "dev-", "acct-") so staging and
// production can share a provider org.  Truncating the hash makes
// collisions possible in theory; CreateApp treats one as a tenant isolation
// breach.
func DeriveAppName(prefix, userID string) string {
	sum := sha256.Sum256([]byte(userID))

	return prefix + hex.EncodeToString(sum[:])[:appNameHashChars]
}
