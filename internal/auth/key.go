package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Key is the EC P-256 key pair tokens are encrypted to.
type Key struct {
	private *ecdsa.PrivateKey
}

// GenerateKey creates a new random key.
func GenerateKey() (*Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Key{private: priv}, nil
}

// ParseKeyPEM parses a SEC 1 ("EC PRIVATE KEY") or PKCS #8 ("PRIVATE KEY")
// encoded P-256 key.
func ParseKeyPEM(data []byte) (*Key, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC key: %w", err)
		}
		priv = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS8 key: %w", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS8 key is %T, want ECDSA", k)
		}
		priv = ec
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key curve is %s, want P-256", priv.Curve.Params().Name)
	}
	return &Key{private: priv}, nil
}

// EncodePEM returns the key in SEC 1 PEM form.
func (k *Key) EncodePEM() ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(k.private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// LoadOrGenerateKey reads the key at path. A missing file is created with a
// fresh key. An empty path, allowed only in dev mode, yields an ephemeral key
// whose tokens no other server accepts and that does not survive a restart.
func LoadOrGenerateKey(path string, logger *slog.Logger) (*Key, error) {
	if path == "" {
		logger.Warn("no token key file configured, using an ephemeral key (dev mode)")
		return GenerateKey()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		key, err := ParseKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("load key %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	pemData, err := key.EncodePEM()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	logger.Info("generated token key", "path", path)
	return key, nil
}
