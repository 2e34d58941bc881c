package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const sealedPrefix = "v1:"

// Vault seals connection configs at rest with AES-256-GCM. A Vault without
// a key stores configs as plain JSON.
type Vault struct {
	aead cipher.AEAD
}

// NewVault accepts a hex-encoded 32 byte key, or "" for no encryption.
func NewVault(hexKey string) (*Vault, error) {
	if hexKey == "" {
		return &Vault{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Seal encodes cfg for storage. connectionID is bound as authenticated data,
// so the sealed value only opens for the same connection.
func (v *Vault) Seal(cfg map[string]any, connectionID string) (string, error) {
	plain, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	if v.aead == nil {
		return string(plain), nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, plain, []byte(connectionID))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes a stored config. Plain JSON is accepted even when a key is
// configured so existing rows keep working after a key is introduced.
func (v *Vault) Open(stored, connectionID string) (map[string]any, error) {
	if stored == "" {
		return map[string]any{}, nil
	}
	plain := []byte(stored)
	if strings.HasPrefix(stored, sealedPrefix) {
		if v.aead == nil {
			return nil, errors.New("config is sealed but no vault key is configured")
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode sealed config: %w", err)
		}
		n := v.aead.NonceSize()
		if len(raw) < n {
			return nil, errors.New("sealed config is truncated")
		}
		if plain, err = v.aead.Open(nil, raw[:n], raw[n:], []byte(connectionID)); err != nil {
			return nil, fmt.Errorf("open sealed config: %w", err)
		}
	}
	var cfg map[string]any
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
