// Package auth signs hub handshakes with RSA-PSS and exposes the signature
// as a headers provider for the connection manager.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"maps"
	"os"
	"strconv"
	"time"
)

// Handshake header names.
const (
	HeaderAccessKey       = "X-Hub-Access-Key"
	HeaderAccessTimestamp = "X-Hub-Access-Timestamp"
	HeaderAccessSignature = "X-Hub-Access-Signature"
)

// Credentials holds the key ID and private key for signing handshakes.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// SignHandshake returns the access headers for a websocket handshake to path.
// The signed message is timestamp_ms + "GET" + path.
func (c *Credentials) SignHandshake(path string) (map[string]string, error) {
	timestampMs := time.Now().UnixMilli()

	signature, err := c.sign(timestampMs, "GET", path)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		HeaderAccessKey:       c.KeyID,
		HeaderAccessTimestamp: strconv.FormatInt(timestampMs, 10),
		HeaderAccessSignature: signature,
	}, nil
}

func (c *Credentials) sign(timestampMs int64, method, path string) (string, error) {
	message := fmt.Sprintf("%d%s%s", timestampMs, method, path)
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify checks headers produced by SignHandshake against the public key.
func Verify(pub *rsa.PublicKey, path string, headers map[string]string) error {
	ts := headers[HeaderAccessTimestamp]
	if ts == "" {
		return fmt.Errorf("missing %s", HeaderAccessTimestamp)
	}
	sig, err := base64.StdEncoding.DecodeString(headers[HeaderAccessSignature])
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	hashed := sha256.Sum256([]byte(ts + "GET" + path))
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}

// HeadersProvider returns a function that yields static merged with a fresh
// handshake signature. A nil creds yields only the static headers. Signed
// headers win over static ones with the same name.
func HeadersProvider(creds *Credentials, path string, static map[string]string) func() (map[string]string, error) {
	return func() (map[string]string, error) {
		headers := make(map[string]string, len(static)+3)
		maps.Copy(headers, static)

		if creds == nil {
			return headers, nil
		}

		signed, err := creds.SignHandshake(path)
		if err != nil {
			return nil, fmt.Errorf("sign handshake: %w", err)
		}
		maps.Copy(headers, signed)
		return headers, nil
	}
}
